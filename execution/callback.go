// Package execution implements the progress and cancellation tree handed to a running
// remote method, and the same tree used locally by callers to observe it.
//
//	root (id 0) ── owns: canceled flag, cancel listeners, publish timer
//	 ├─ sub 1 (proportion 40)
//	 │   └─ sub 3 (proportion 10)
//	 └─ sub 2 (proportion 60)
//
// Every mutation marks its node dirty and schedules one publish per dirty period. A publish
// sends a snapshot holding the dirty nodes (with their ancestors) and clears their flags.
package execution

import (
	"context"
	"errors"

	"tunnel-rpc/message"
)

// ErrNoAsker is returned by Ask when the tree has no way to reach the caller.
var ErrNoAsker = errors.New("execution: no caller to ask")

// Callback is the capability set of a running execution. Roots and sub-executions both
// implement it; cancellation always refers to the root.
type Callback interface {
	IsCanceled() bool
	SetTotalStepCount(n int64)
	SetDescription(description string)
	// Worked adds n to the amount of work done.
	Worked(n int64)
	Finished()
	// SubExecution creates a child that accounts for proportion of this node's steps.
	SubExecution(proportion int64) Callback
	// Ask blocks until the caller answers q or ctx is done.
	Ask(ctx context.Context, q message.Question) (string, error)
	// AskAsync calls fn once with the caller's answer.
	AskAsync(q message.Question, fn func(answer string, err error))
	// OnCancel registers fn to run when the root is canceled. If it already is, fn runs now.
	OnCancel(fn func())
}

// Asker reaches the caller of an execution, e.g. through an interim exchange.
type Asker interface {
	Ask(ctx context.Context, q message.Question) (string, error)
	AskAsync(q message.Question, fn func(answer string, err error))
}

// ResultCallback receives the outcome of an asynchronous method exactly once.
type ResultCallback interface {
	Finished(value any)
	Failed(err error)
}

// ResultFuncs adapts a pair of functions to ResultCallback. Nil fields are ignored.
type ResultFuncs struct {
	OnFinished func(value any)
	OnFailed   func(err error)
}

func (f ResultFuncs) Finished(value any) {
	if f.OnFinished != nil {
		f.OnFinished(value)
	}
}

func (f ResultFuncs) Failed(err error) {
	if f.OnFailed != nil {
		f.OnFailed(err)
	}
}
