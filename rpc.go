package roo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/glycerine/loquet"
	"github.com/sirupsen/logrus"
)

var ErrShutdown = errors.New("roo: socket shut down")
var ErrCallDropped = errors.New("roo: call was dropped")

// Status of a RooPC, recomputed from live state on every CheckStatus.
type Status int

const (
	NOT_STARTED Status = 0
	IN_PROGRESS Status = 1
	COMPLETED   Status = 2
	FAILED      Status = 3
)

func (s Status) String() string {
	switch s {
	case NOT_STARTED:
		return "NOT_STARTED"
	case IN_PROGRESS:
		return "IN_PROGRESS"
	case COMPLETED:
		return "COMPLETED"
	case FAILED:
		return "FAILED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Response is one response delivered to the caller.
type Response struct {
	Id       ResponseId
	BranchId BranchId
	Payload  []byte
}

// RooPC is one tree-structured call. Get one from
// Socket.AllocCall and give it back with Socket.DropCall.
//
// All mutable state lives in st and is only touched
// inside locked(); transport work and logging that a
// critical section asks for is queued in st.fx and
// run after the mutex is released.
type RooPC struct {
	sock *Socket
	id   RooId
	log  *logrus.Entry

	mut sync.Mutex
	st  callState
}

type callState struct {
	// set by an Error message or by liveness failure.
	err       bool
	errReason string

	requestCount uint64
	firstSend    time.Time

	// responses not yet handed out by Receive, in arrival order.
	responseQueue []*Response

	// every response message received, held until the
	// call is dropped.
	responses []InMessage

	branches             *omap[BranchId, *branchInfo]
	manifestsOutstanding int

	expected             *omap[ResponseId, bool]
	responsesOutstanding int

	// outbound requests whose delivery is not yet known.
	pending []outbound

	// closed and replaced whenever a handler changes state.
	progress *loquet.Chan[struct{}]

	finished bool // first terminal status was recorded
	dropped  bool

	fx effects
}

// effects is the work a critical section leaves
// for after the unlock.
type effects struct {
	release  []OutMessage
	consumed []InMessage
	pings    []pingOut
	notices  []string
	warnings []string
	progress bool

	finished Status
	elapsed  time.Duration
}

// outbound is one request of the call still held
// by the transport.
type outbound struct {
	msg  OutMessage
	req  RequestId
	dest Address
}

type pingOut struct {
	dest Address
	hdr  *PingHeader
}

func newRooPC(sock *Socket, id RooId) *RooPC {
	r := &RooPC{
		sock: sock,
		id:   id,
		log:  sock.log.WithField("roo", id.String()),
	}
	r.st.branches = newOmap[BranchId, *branchInfo](compareBranchId)
	r.st.expected = newOmap[ResponseId, bool](compareResponseId)
	r.st.progress = loquet.NewChan[struct{}](nil)
	return r
}

// Id returns the call's RooId.
func (r *RooPC) Id() RooId {
	return r.id
}

func (r *RooPC) String() string {
	return fmt.Sprintf("RooPC%v", r.id)
}

// locked runs f with the call lock held, then
// carries out whatever effects f queued.
func (r *RooPC) locked(f func(st *callState)) {
	r.mut.Lock()
	f(&r.st)
	fx := r.st.fx
	r.st.fx = effects{}
	var progress *loquet.Chan[struct{}]
	if fx.progress {
		progress = r.st.progress
		r.st.progress = loquet.NewChan[struct{}](nil)
	}
	r.mut.Unlock()

	r.apply(fx)
	if progress != nil {
		progress.Close()
	}
}

func (r *RooPC) apply(fx effects) {
	for _, s := range fx.notices {
		r.sock.perf.anomalies.Add(1)
		r.log.Info(s)
	}
	for _, s := range fx.warnings {
		r.sock.perf.anomalies.Add(1)
		r.log.Warn(s)
	}
	for _, m := range fx.release {
		m.Release()
	}
	for _, m := range fx.consumed {
		m.Release()
	}
	for _, p := range fx.pings {
		r.sock.sendOneShot(p.dest, p.hdr, nil)
	}
	if fx.finished != NOT_STARTED {
		r.sock.perf.callFinished(fx.finished, fx.elapsed)
	}
}

// progressed notes a state change. Once nothing is outstanding,
// every request has provably arrived and the retained
// outbound handles can go.
func (r *RooPC) progressed(st *callState) {
	st.fx.progress = true
	if st.manifestsOutstanding == 0 && st.responsesOutstanding == 0 && len(st.pending) > 0 {
		st.releasePending()
	}
}

// Send issues one request of this call to dest. The request is
// the next branch of the call's root task.
func (r *RooPC) Send(dest Address, payload []byte) error {
	s := r.sock
	if s.halt.ReqStop.IsClosed() {
		return ErrShutdown
	}
	reqId := s.AllocRequestId()
	body, compressed := s.encodePayload(payload)
	msg := s.transport.Alloc()

	var branch BranchId
	var dropped bool
	r.locked(func(st *callState) {
		if st.dropped {
			dropped = true
			return
		}
		branch = BranchId{Task: r.id.Task(), Index: uint32(st.requestCount)}
		st.requestCount++
		if st.requestCount == 1 {
			st.firstSend = time.Now()
		}
		r.updateBranchInfo(st, branch, false, reqId, dest, true)
		st.pending = append(st.pending, outbound{msg: msg, req: reqId, dest: dest})
		st.fx.progress = true
	})
	if dropped {
		msg.Release()
		return ErrCallDropped
	}

	hdr := &RequestHeader{
		RooId:      r.id,
		BranchId:   branch,
		RequestId:  reqId,
		ReplyTo:    s.localWire,
		Compressed: compressed,
	}
	msg.Append(AppendHeader(nil, hdr))
	msg.Append(body)
	msg.Send(dest, s.cfg.RequestRetry)
	s.perf.txMessageBytes.Add(uint64(len(payload)))
	pp("%v sent %v to %v", r, HeaderJSON(hdr), dest)

	s.watchTimeouts(r)
	return nil
}

// Receive returns the oldest response not yet
// returned, if any. It never blocks.
func (r *RooPC) Receive() (resp *Response, ok bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if len(r.st.responseQueue) == 0 {
		return nil, false
	}
	resp = r.st.responseQueue[0]
	r.st.responseQueue[0] = nil
	r.st.responseQueue = r.st.responseQueue[1:]
	return resp, true
}

// Err returns why the call failed, or nil.
func (r *RooPC) Err() error {
	r.mut.Lock()
	defer r.mut.Unlock()
	if !r.st.err {
		return nil
	}
	return fmt.Errorf("roo: call %v failed: %v", r.id, r.st.errReason)
}

// CheckStatus recomputes the call's status.
func (r *RooPC) CheckStatus() (status Status) {
	var handles []outbound
	r.locked(func(st *callState) {
		switch {
		case st.err:
			status = r.terminal(st, FAILED)
		case st.requestCount == 0:
			status = NOT_STARTED
		default:
			status = IN_PROGRESS
			handles = slices.Clone(st.pending)
		}
	})
	if status != IN_PROGRESS {
		return
	}

	// transport status queries happen without the lock.
	sent := make(map[RequestId]bool)
	var failed *outbound
	var waiting bool
	for i, h := range handles {
		switch h.msg.Status() {
		case OutSent:
			sent[h.req] = true
		case OutFailed:
			if failed == nil {
				failed = &handles[i]
			}
		default:
			waiting = true
		}
	}

	r.locked(func(st *callState) {
		if len(sent) > 0 {
			// a concurrent handler may have released
			// some of these already; only release what is still ours.
			still := st.pending[:0]
			for _, h := range st.pending {
				if sent[h.req] {
					st.fx.release = append(st.fx.release, h.msg)
				} else {
					still = append(still, h)
				}
			}
			clear(st.pending[len(still):])
			st.pending = still
		}
		if failed != nil && !st.err && !st.dropped {
			st.err = true
			st.errReason = fmt.Sprintf("request %v to %v could not be delivered",
				failed.req, failed.dest)
			st.fx.progress = true
		}
		switch {
		case st.err:
			status = r.terminal(st, FAILED)
		case st.manifestsOutstanding == 0 && st.responsesOutstanding == 0 && !waiting:
			status = r.terminal(st, COMPLETED)
		default:
			status = IN_PROGRESS
		}
	})
	return
}

// terminal records the first terminal status for Stats.
func (r *RooPC) terminal(st *callState, status Status) Status {
	if !st.finished {
		st.finished = true
		st.fx.finished = status
		st.fx.elapsed = time.Since(st.firstSend)
	}
	return status
}

// Wait blocks until the call leaves IN_PROGRESS, ctx is
// done, or the socket shuts down. Without a background
// poller (see Socket.Start), Wait drives Socket.Poll itself.
func (r *RooPC) Wait(ctx context.Context) (Status, error) {
	s := r.sock
	for {
		r.mut.Lock()
		progress := r.st.progress
		dropped := r.st.dropped
		r.mut.Unlock()
		if dropped {
			return FAILED, ErrCallDropped
		}

		status := r.CheckStatus()
		if status != IN_PROGRESS {
			return status, nil
		}
		if !s.backgroundPolling() {
			s.Poll()
		}

		select {
		case <-progress.WhenClosed():
		case <-time.After(s.cfg.WaitRecheck):
		case <-ctx.Done():
			return IN_PROGRESS, ctx.Err()
		case <-s.halt.ReqStop.Chan:
			return IN_PROGRESS, ErrShutdown
		}
	}
}

func (r *RooPC) handleResponse(h *ResponseHeader, msg InMessage) {
	s := r.sock
	payload, err := s.payloadOf(msg, h.Compressed)
	if err != nil {
		s.perf.anomalies.Add(1)
		r.log.WithError(err).Warn("Undecodable response payload, dropped.")
		msg.Release()
		return
	}
	src, srcErr := s.transport.AddressFromWire(h.Source)
	haveSrc := srcErr == nil

	var dup, dropped bool
	r.locked(func(st *callState) {
		if st.dropped {
			dropped = true
			return
		}
		received, found := st.expected.get2(h.ResponseId)
		if found && received {
			dup = true
			st.fx.notices = append(st.fx.notices,
				fmt.Sprintf("Duplicate response received for RooPC %v", r.id))
			return
		}
		st.expected.set(h.ResponseId, true)
		if found {
			st.responsesOutstanding--
		} else if !h.ManifestImplied {
			// arrived ahead of the manifest that declares it;
			// the branch it belongs to is still owed a manifest.
			r.updateBranchInfo(st, h.BranchId, false, h.ResponseId.Task.Request(), src, haveSrc)
		}
		if h.ManifestImplied {
			r.markManifestReceived(st, h.BranchId)
		}
		if h.HasManifest {
			r.processManifest(st, h.Manifest, src, haveSrc)
		}
		st.responseQueue = append(st.responseQueue, &Response{
			Id:       h.ResponseId,
			BranchId: h.BranchId,
			Payload:  payload,
		})
		st.responses = append(st.responses, msg)
		r.progressed(st)
	})
	if dup || dropped {
		msg.Release()
		return
	}
	s.perf.rxMessageBytes.Add(uint64(len(payload)))
}

func (r *RooPC) handleManifest(h *ManifestHeader, msg InMessage) {
	defer msg.Release()
	src, srcErr := r.sock.transport.AddressFromWire(h.Source)
	r.locked(func(st *callState) {
		if st.dropped {
			return
		}
		for _, m := range h.Manifests {
			r.processManifest(st, m, src, srcErr == nil)
		}
		r.progressed(st)
	})
}

func (r *RooPC) handlePong(h *PongHeader, msg InMessage) {
	defer msg.Release()
	r.locked(func(st *callState) {
		if info, ok := st.branches.get2(h.BranchId); ok {
			info.pingTimeouts = 0
		}
	})
}

func (r *RooPC) handleError(h *ErrorHeader, msg InMessage) {
	defer msg.Release()
	r.locked(func(st *callState) {
		if st.dropped || st.err {
			return
		}
		st.err = true
		st.errReason = fmt.Sprintf("error from branch %v: %v", h.BranchId, h.Reason)
		st.fx.progress = true
	})
}

// handleDelegation points the branch's liveness probe
// at the task the work was handed to.
func (r *RooPC) handleDelegation(h *DelegationHeader, msg InMessage) {
	defer msg.Release()
	addr, err := r.sock.transport.AddressFromWire(h.Address)
	if err != nil {
		r.sock.perf.anomalies.Add(1)
		r.log.WithError(err).Warn("Delegation with bad address, dropped.")
		return
	}
	r.locked(func(st *callState) {
		if st.dropped {
			return
		}
		info, added := r.updateBranchInfo(st, h.BranchId, false, h.RequestId, addr, true)
		if !added && !info.complete {
			info.rebind(h.RequestId, addr)
		}
		r.progressed(st)
	})
}

// handleTimeout is run by the socket every PingInterval.
// It returns false once the call no longer needs it.
func (r *RooPC) handleTimeout() (again bool) {
	maxMissed := r.sock.cfg.MaxPingTimeouts
	r.locked(func(st *callState) {
		if st.err || st.dropped {
			return
		}
		if st.manifestsOutstanding == 0 && st.responsesOutstanding == 0 {
			// done unless a send is still in flight.
			again = len(st.pending) > 0
			return
		}
		for id, info := range st.branches.all() {
			if info.complete || !info.hasTarget {
				continue
			}
			info.pingTimeouts++
			if info.pingTimeouts > maxMissed {
				st.err = true
				st.errReason = fmt.Sprintf("branch %v missed %v pings to %v",
					id, info.pingTimeouts-1, info.pingReceiverId)
				st.fx.progress = true
				st.fx.pings = nil
				return
			}
			st.fx.pings = append(st.fx.pings, pingOut{
				dest: info.pingAddress,
				hdr: &PingHeader{
					RooId:    r.id,
					BranchId: id,
					Target:   info.pingReceiverId,
					ReplyTo:  r.sock.localWire,
				},
			})
		}
		again = true
	})
	return
}

func (st *callState) releasePending() {
	for _, h := range st.pending {
		st.fx.release = append(st.fx.release, h.msg)
	}
	st.pending = nil
}

// drop releases everything the call holds. Only the
// socket calls it, from DropCall.
func (r *RooPC) drop() {
	r.locked(func(st *callState) {
		if st.dropped {
			return
		}
		st.dropped = true
		st.releasePending()
		st.fx.consumed = append(st.fx.consumed, st.responses...)
		st.responses = nil
		st.responseQueue = nil
		st.fx.progress = true
	})
}
