package execution

import (
	"context"
	"sync"
	"time"

	"tunnel-rpc/message"
)

const rootID = 0

type node struct {
	parent      int
	proportion  int64
	total       *int64
	worked      int64
	description *string
	finished    bool
	dirty       bool
	children    []int
}

type Options struct {
	// PublishDelay batches dirty marks into one snapshot per period. Zero or less
	// publishes every mark immediately.
	PublishDelay time.Duration
	// Publish receives snapshots. A tree without Publish only tracks state locally.
	Publish func(snapshot *message.ProgressNode)
	Asker   Asker
}

// Tree is an execution tree stored as an arena of nodes indexed by id. The tree itself is
// the root Callback.
type Tree struct {
	opts Options

	mu        sync.Mutex
	nodes     []node
	canceled  bool
	listeners []func()
	timer     *time.Timer
	scheduled bool
	closed    bool

	// serializes snapshot+publish so snapshots leave in the order they were taken
	pmu sync.Mutex
}

func NewTree(opts Options) *Tree {
	return &Tree{
		opts:  opts,
		nodes: []node{{parent: -1}},
	}
}

func (t *Tree) IsCanceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// Cancel sets the root's canceled flag and runs the registered listeners. It does nothing
// once the root has finished or was already canceled.
func (t *Tree) Cancel() {
	t.mu.Lock()
	if t.canceled || t.nodes[rootID].finished {
		t.mu.Unlock()
		return
	}
	t.canceled = true
	listeners := t.listeners
	t.listeners = nil
	t.stopTimerLocked()
	t.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

func (t *Tree) OnCancel(fn func()) {
	t.mu.Lock()
	if t.canceled {
		t.mu.Unlock()
		fn()
		return
	}
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

func (t *Tree) SetTotalStepCount(n int64) { t.setTotal(rootID, n) }
func (t *Tree) SetDescription(d string) { t.setDescription(rootID, d) }
func (t *Tree) Worked(n int64) { t.worked(rootID, n) }
func (t *Tree) Finished() { t.finish(rootID) }
func (t *Tree) SubExecution(p int64) Callback { return t.sub(rootID, p) }
func (t *Tree) AskAsync(q message.Question, fn func(string, error)) { t.askAsync(q, fn) }

func (t *Tree) Ask(ctx context.Context, q message.Question) (string, error) {
	return t.ask(ctx, q)
}

// IsFinished reports whether the root has finished.
func (t *Tree) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[rootID].finished
}

// Flush publishes pending dirty state now instead of waiting for the timer.
func (t *Tree) Flush() {
	t.mu.Lock()
	t.stopTimerLocked()
	t.mu.Unlock()
	t.publish()
}

// Close stops publishing. Pending dirty state is dropped.
func (t *Tree) Close() {
	t.mu.Lock()
	t.closed = true
	t.stopTimerLocked()
	t.mu.Unlock()
}

// Progress returns the completed fraction of the root in [0, 1]. A node's fraction is its
// own worked steps plus each child's fraction weighted by the child's proportion, divided
// by its total step count.
func (t *Tree) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fractionLocked(rootID)
}

func (t *Tree) fractionLocked(id int) float64 {
	n := &t.nodes[id]
	if n.finished {
		return 1
	}
	if n.total == nil || *n.total <= 0 {
		return 0
	}
	done := float64(n.worked)
	for _, c := range n.children {
		done += float64(t.nodes[c].proportion) * t.fractionLocked(c)
	}
	f := done / float64(*n.total)
	if f > 1 {
		return 1
	}
	return f
}

// Snapshot returns the dirty part of the tree and clears the dirty flags, or nil when
// nothing changed.
func (t *Tree) Snapshot() *message.ProgressNode {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, ok := t.snapshotLocked(rootID)
	if !ok {
		return nil
	}
	return &snap
}

func (t *Tree) snapshotLocked(id int) (message.ProgressNode, bool) {
	n := &t.nodes[id]
	var children []message.ProgressNode
	for _, c := range n.children {
		if cs, ok := t.snapshotLocked(c); ok {
			children = append(children, cs)
		}
	}
	if !n.dirty && len(children) == 0 {
		return message.ProgressNode{}, false
	}
	n.dirty = false

	out := message.ProgressNode{
		ID:             id,
		StepProportion: n.proportion,
		Worked:         n.worked,
		Finished:       n.finished,
		Children:       children,
	}
	if n.total != nil {
		total := *n.total
		out.TotalSteps = &total
	}
	if n.description != nil {
		d := *n.description
		out.Description = &d
	}
	return out, true
}

func (t *Tree) setTotal(id int, n int64) {
	t.mutate(id, func(nd *node) { nd.total = &n })
}

func (t *Tree) setDescription(id int, d string) {
	t.mutate(id, func(nd *node) { nd.description = &d })
}

func (t *Tree) worked(id int, n int64) {
	if n <= 0 {
		return
	}
	t.mutate(id, func(nd *node) { nd.worked += n })
}

func (t *Tree) finish(id int) {
	t.mutate(id, func(nd *node) { nd.finished = true })
}

func (t *Tree) sub(parent int, proportion int64) Callback {
	t.mu.Lock()
	id := len(t.nodes)
	t.nodes = append(t.nodes, node{parent: parent, proportion: proportion, dirty: true})
	t.nodes[parent].children = append(t.nodes[parent].children, id)
	now := t.scheduleLocked()
	t.mu.Unlock()
	if now {
		t.publish()
	}
	return &subExecution{tree: t, id: id}
}

// mutate applies fn to a running node and schedules a publish.
func (t *Tree) mutate(id int, fn func(*node)) {
	t.mu.Lock()
	nd := &t.nodes[id]
	if nd.finished {
		t.mu.Unlock()
		return
	}
	fn(nd)
	nd.dirty = true
	now := t.scheduleLocked()
	t.mu.Unlock()
	if now {
		t.publish()
	}
}

// scheduleLocked arms the publish timer unless one is pending. It reports whether the
// caller must publish right away.
func (t *Tree) scheduleLocked() bool {
	if t.opts.Publish == nil || t.closed || t.suppressedLocked() {
		return false
	}
	if t.opts.PublishDelay <= 0 {
		return true
	}
	if t.scheduled {
		return false
	}
	t.scheduled = true
	t.timer = time.AfterFunc(t.opts.PublishDelay, t.publish)
	return false
}

func (t *Tree) suppressedLocked() bool {
	return t.canceled || t.nodes[rootID].finished
}

func (t *Tree) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.scheduled = false
}

func (t *Tree) publish() {
	if t.opts.Publish == nil {
		return
	}
	t.pmu.Lock()
	defer t.pmu.Unlock()

	t.mu.Lock()
	t.scheduled = false
	t.timer = nil
	if t.closed || t.suppressedLocked() {
		t.mu.Unlock()
		return
	}
	snap, ok := t.snapshotLocked(rootID)
	t.mu.Unlock()

	if ok {
		t.opts.Publish(&snap)
	}
}

func (t *Tree) ask(ctx context.Context, q message.Question) (string, error) {
	if t.opts.Asker == nil {
		return "", ErrNoAsker
	}
	return t.opts.Asker.Ask(ctx, q)
}

func (t *Tree) askAsync(q message.Question, fn func(string, error)) {
	if t.opts.Asker == nil {
		fn("", ErrNoAsker)
		return
	}
	t.opts.Asker.AskAsync(q, fn)
}

// subExecution is a handle on a non-root node.
type subExecution struct {
	tree *Tree
	id   int
}

func (s *subExecution) IsCanceled() bool { return s.tree.IsCanceled() }
func (s *subExecution) SetTotalStepCount(n int64) { s.tree.setTotal(s.id, n) }
func (s *subExecution) SetDescription(d string) { s.tree.setDescription(s.id, d) }
func (s *subExecution) Worked(n int64) { s.tree.worked(s.id, n) }
func (s *subExecution) Finished() { s.tree.finish(s.id) }
func (s *subExecution) SubExecution(p int64) Callback { return s.tree.sub(s.id, p) }
func (s *subExecution) OnCancel(fn func()) { s.tree.OnCancel(fn) }
func (s *subExecution) AskAsync(q message.Question, fn func(string, error)) {
	s.tree.askAsync(q, fn)
}

func (s *subExecution) Ask(ctx context.Context, q message.Question) (string, error) {
	return s.tree.ask(ctx, q)
}
