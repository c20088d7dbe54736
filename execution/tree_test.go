package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunnel-rpc/message"
)

type snapshots struct {
	mu   sync.Mutex
	list []*message.ProgressNode
}

func (s *snapshots) publish(n *message.ProgressNode) {
	s.mu.Lock()
	s.list = append(s.list, n)
	s.mu.Unlock()
}

func (s *snapshots) get() []*message.ProgressNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.ProgressNode(nil), s.list...)
}

func TestCancelVisibleFromEverySubExecution(t *testing.T) {
	tree := NewTree(Options{})
	before := tree.SubExecution(50).SubExecution(10)

	fired := 0
	before.OnCancel(func() { fired++ })
	tree.Cancel()
	tree.Cancel()

	after := tree.SubExecution(50)
	assert.True(t, before.IsCanceled())
	assert.True(t, after.IsCanceled())
	assert.Equal(t, 1, fired)

	late := false
	after.OnCancel(func() { late = true })
	assert.True(t, late, "listener registered after cancel runs immediately")
}

func TestCancelAfterFinishIsIgnored(t *testing.T) {
	tree := NewTree(Options{})
	tree.Finished()
	tree.Cancel()
	assert.False(t, tree.IsCanceled())
}

func TestInlinePublishIsMonotonic(t *testing.T) {
	var snaps snapshots
	tree := NewTree(Options{Publish: snaps.publish})
	tree.SetTotalStepCount(3)
	tree.Worked(1)
	tree.Worked(1)
	tree.Worked(1)

	list := snaps.get()
	require.Len(t, list, 4)
	assert.Equal(t, int64(3), *list[0].TotalSteps)
	for i, want := range []int64{1, 2, 3} {
		assert.Equal(t, want, list[i+1].Worked)
	}
}

func TestDelayedPublishCoalesces(t *testing.T) {
	var snaps snapshots
	tree := NewTree(Options{Publish: snaps.publish, PublishDelay: 30 * time.Millisecond})
	defer tree.Close()

	tree.Worked(1)
	tree.Worked(2)
	tree.SetDescription("hashing")

	require.Eventually(t, func() bool { return len(snaps.get()) == 1 }, time.Second, 5*time.Millisecond)
	snap := snaps.get()[0]
	assert.Equal(t, int64(3), snap.Worked)
	assert.Equal(t, "hashing", *snap.Description)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, snaps.get(), 1, "nothing dirty, nothing published")
}

func TestSnapshotCarriesOnlyDirtyBranches(t *testing.T) {
	tree := NewTree(Options{})
	a := tree.SubExecution(40)
	b := tree.SubExecution(60)
	require.NotNil(t, tree.Snapshot())
	assert.Nil(t, tree.Snapshot(), "flags are cleared as read")

	b.Worked(5)
	snap := tree.Snapshot()
	require.NotNil(t, snap)
	require.Len(t, snap.Children, 1)
	assert.Equal(t, 2, snap.Children[0].ID)
	assert.Equal(t, int64(60), snap.Children[0].StepProportion)
	assert.Equal(t, int64(5), snap.Children[0].Worked)

	a.SubExecution(10).Finished()
	snap = tree.Snapshot()
	require.Len(t, snap.Children, 1)
	assert.Equal(t, 1, snap.Children[0].ID)
	require.Len(t, snap.Children[0].Children, 1)
	assert.True(t, snap.Children[0].Children[0].Finished)
}

func TestNoPublishAfterTerminalState(t *testing.T) {
	var snaps snapshots
	tree := NewTree(Options{Publish: snaps.publish})
	sub := tree.SubExecution(10)
	n := len(snaps.get())

	tree.Cancel()
	sub.Worked(1)
	assert.Len(t, snaps.get(), n)

	finished := NewTree(Options{Publish: snaps.publish})
	finished.Finished()
	finished.Worked(1)
	assert.Len(t, snaps.get(), n)
}

func TestFinishedNodeIgnoresMutations(t *testing.T) {
	tree := NewTree(Options{})
	sub := tree.SubExecution(10)
	sub.Worked(2)
	sub.Finished()
	sub.Worked(5)
	tree.Snapshot()
	sub.Worked(1)
	assert.Nil(t, tree.Snapshot())
}

func TestProgressFraction(t *testing.T) {
	tree := NewTree(Options{})
	tree.SetTotalStepCount(100)
	tree.Worked(20)
	sub := tree.SubExecution(50)
	sub.SetTotalStepCount(10)
	sub.Worked(5)
	assert.InDelta(t, 0.45, tree.Progress(), 1e-9)

	sub.Finished()
	assert.InDelta(t, 0.70, tree.Progress(), 1e-9)

	tree.Finished()
	assert.Equal(t, 1.0, tree.Progress())
}

type fixedAsker string

func (a fixedAsker) Ask(ctx context.Context, q message.Question) (string, error) {
	return string(a) + ":" + q.Text, nil
}

func (a fixedAsker) AskAsync(q message.Question, fn func(string, error)) {
	fn(string(a)+":"+q.Text, nil)
}

func TestAsk(t *testing.T) {
	local := NewTree(Options{})
	_, err := local.Ask(context.Background(), message.Question{Text: "continue?"})
	assert.ErrorIs(t, err, ErrNoAsker)

	tree := NewTree(Options{Asker: fixedAsker("yes")})
	answer, err := tree.SubExecution(1).Ask(context.Background(), message.Question{Text: "continue?"})
	require.NoError(t, err)
	assert.Equal(t, "yes:continue?", answer)

	var async string
	tree.AskAsync(message.Question{Text: "sure?"}, func(a string, err error) { async = a })
	assert.Equal(t, "yes:sure?", async)
}

func TestResultFuncs(t *testing.T) {
	var got any
	var cb ResultCallback = ResultFuncs{OnFinished: func(v any) { got = v }}
	cb.Finished(42)
	cb.Failed(assert.AnError)
	assert.Equal(t, 42, got)
}
