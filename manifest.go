package roo

import (
	"fmt"
)

// branchInfo is what a call knows about one branch of its tree.
type branchInfo struct {
	// complete once the branch's manifest has arrived.
	complete bool

	// who to ping to keep this branch alive: either the
	// task serving the branch, or its parent task when
	// the child is not yet known.
	pingReceiverId RequestId
	pingAddress    Address
	hasTarget      bool

	// pings sent since the last pong.
	pingTimeouts int
}

func (b *branchInfo) String() string {
	return fmt.Sprintf("branchInfo{complete:%v target:%v@%v missed:%v}",
		b.complete, b.pingReceiverId, b.pingAddress, b.pingTimeouts)
}

// updatePingTarget retargets an incomplete branch. A branch
// that already has a target is never moved back to its
// parent task (id.Task), since the branch's own task is the
// better witness of its progress.
func (b *branchInfo) updatePingTarget(id BranchId, rid RequestId, addr Address) bool {
	if b.complete {
		return false
	}
	if b.hasTarget && (rid == b.pingReceiverId || rid == id.Task.Request()) {
		return false
	}
	b.rebind(rid, addr)
	return true
}

func (b *branchInfo) rebind(rid RequestId, addr Address) {
	b.pingReceiverId = rid
	b.pingAddress = addr
	b.hasTarget = true
	b.pingTimeouts = 0
}

// updateBranchInfo registers the branch on first mention,
// adjusting manifestsOutstanding; on later mentions it can
// only move the branch forward (to complete) or improve
// its ping target. added reports first registration.
func (r *RooPC) updateBranchInfo(st *callState, id BranchId, complete bool,
	rid RequestId, addr Address, hasTarget bool) (info *branchInfo, added bool) {

	info, found := st.branches.get2(id)
	if !found {
		info = &branchInfo{
			complete:       complete,
			pingReceiverId: rid,
			pingAddress:    addr,
			hasTarget:      hasTarget,
		}
		st.branches.set(id, info)
		if !complete {
			st.manifestsOutstanding++
		}
		return info, true
	}
	switch {
	case info.complete:
	case complete:
		info.complete = true
		st.manifestsOutstanding--
	case hasTarget:
		info.updatePingTarget(id, rid, addr)
	}
	return info, false
}

// markManifestReceived records that the manifest for
// branch id has arrived. A second arrival is logged and
// changes nothing.
func (r *RooPC) markManifestReceived(st *callState, id BranchId) {
	if info, ok := st.branches.get2(id); ok && info.complete {
		st.fx.warnings = append(st.fx.warnings,
			fmt.Sprintf("Duplicate Manifest for RooPC %v", r.id))
		return
	}
	r.updateBranchInfo(st, id, true, RequestId{}, 0, false)
}

// processManifest folds one manifest into the call's picture
// of its tree: the named branch is done, and the task it
// spawned owes m.RequestCount branch manifests and
// m.ResponseCount responses. Entries already present are
// left alone, so any arrival order (and any duplication)
// converges on the same state.
func (r *RooPC) processManifest(st *callState, m Manifest, src Address, haveSrc bool) {
	r.markManifestReceived(st, m.BranchId)
	parent := m.TaskId.Request()
	for i := uint32(0); i < m.RequestCount; i++ {
		r.updateBranchInfo(st, BranchId{Task: m.TaskId, Index: i}, false, parent, src, haveSrc)
	}
	for i := uint32(0); i < m.ResponseCount; i++ {
		id := ResponseId{Task: m.TaskId, Index: i}
		if _, found := st.expected.get2(id); !found {
			st.expected.set(id, false)
			st.responsesOutstanding++
		}
	}
}
