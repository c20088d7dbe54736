package client

import (
	"tunnel-rpc/execution"
	"tunnel-rpc/message"
)

// folder replays server progress snapshots onto the caller's callback tree. Snapshots
// carry absolute values, so only the changes since the last snapshot are applied.
type folder struct {
	nodes map[int]*folded
}

type folded struct {
	cb          execution.Callback
	total       *int64
	worked      int64
	description *string
	finished    bool
}

func (f *folder) fold(root execution.Callback, snap *message.ProgressNode) {
	if f.nodes == nil {
		f.nodes = map[int]*folded{0: {cb: root}}
	}
	f.apply(f.nodes[0], snap)
}

func (f *folder) apply(n *folded, snap *message.ProgressNode) {
	if d := snap.Description; d != nil && (n.description == nil || *n.description != *d) {
		n.cb.SetDescription(*d)
		n.description = d
	}
	if t := snap.TotalSteps; t != nil && (n.total == nil || *n.total != *t) {
		n.cb.SetTotalStepCount(*t)
		n.total = t
	}
	if snap.Worked > n.worked {
		n.cb.Worked(snap.Worked - n.worked)
		n.worked = snap.Worked
	}
	for i := range snap.Children {
		child := &snap.Children[i]
		c, ok := f.nodes[child.ID]
		if !ok {
			c = &folded{cb: n.cb.SubExecution(child.StepProportion)}
			f.nodes[child.ID] = c
		}
		f.apply(c, child)
	}
	// The root finishes with the call's result, not with a snapshot.
	if snap.Finished && !n.finished && snap.ID != 0 {
		n.cb.Finished()
		n.finished = true
	}
}
