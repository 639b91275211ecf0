package roo

import (
	"errors"
	"fmt"
	"sync"
)

var ErrTaskFinished = errors.New("roo: server task already finished")

// ServerTask is the server side of one request: one node
// of some call's task tree. Get them from Socket.ReceiveTask.
//
// A task owes its caller exactly one manifest, saying how
// many requests it issued and how many responses it sent.
// ReplyAndFinish, Finish and Fail each settle that debt;
// Release settles it with Finish if nothing else has.
type ServerTask struct {
	sock    *Socket
	rooId   RooId
	branch  BranchId
	reqId   RequestId
	replyTo Address

	// the caller's wire address, passed on to sub-requests
	// so every response in the tree goes straight to the call.
	replyToWire []byte

	payload []byte
	request InMessage

	mut           sync.Mutex
	requestCount  uint32
	responseCount uint32
	finished      bool
	released      bool
	out           []OutMessage
}

func newServerTask(s *Socket, h *RequestHeader, msg InMessage) (*ServerTask, error) {
	replyTo, err := s.transport.AddressFromWire(h.ReplyTo)
	if err != nil {
		return nil, fmt.Errorf("request %v reply address: %w", h.RequestId, err)
	}
	payload, err := s.payloadOf(msg, h.Compressed)
	if err != nil {
		return nil, err
	}
	return &ServerTask{
		sock:        s,
		rooId:       h.RooId,
		branch:      h.BranchId,
		reqId:       h.RequestId,
		replyTo:     replyTo,
		replyToWire: h.ReplyTo,
		payload:     payload,
		request:     msg,
	}, nil
}

// Payload returns the request payload.
func (t *ServerTask) Payload() []byte { return t.payload }

// Id is the task's id, named after the request that spawned it.
func (t *ServerTask) Id() TaskId { return t.reqId.Task() }

func (t *ServerTask) RooId() RooId { return t.rooId }

// BranchId is the branch of the parent task that this task serves.
func (t *ServerTask) BranchId() BranchId { return t.branch }

func (t *ServerTask) String() string {
	return fmt.Sprintf("ServerTask%v{roo:%v branch:%v}", t.Id(), t.rooId, t.branch)
}

// Reply sends one response to the call.
func (t *ServerTask) Reply(payload []byte) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.finished {
		return ErrTaskFinished
	}
	t.sendResponse(payload, false)
	return nil
}

// ReplyAndFinish sends the task's last response with its
// manifest attached. A task that did nothing but answer once
// says so with ManifestImplied and no manifest at all.
func (t *ServerTask) ReplyAndFinish(payload []byte) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.finished {
		return ErrTaskFinished
	}
	t.sendResponse(payload, true)
	t.finished = true
	return nil
}

// sendResponse requires t.mut.
func (t *ServerTask) sendResponse(payload []byte, final bool) {
	s := t.sock
	body, compressed := s.encodePayload(payload)
	h := &ResponseHeader{
		RooId:      t.rooId,
		BranchId:   t.branch,
		ResponseId: ResponseId{Task: t.Id(), Index: t.responseCount},
		Source:     s.localWire,
		Compressed: compressed,
	}
	t.responseCount++
	if final {
		if t.requestCount == 0 && t.responseCount == 1 {
			h.ManifestImplied = true
		} else {
			h.HasManifest = true
			h.Manifest = t.manifest()
		}
	}
	t.send(t.replyTo, h, body)
	s.perf.txMessageBytes.Add(uint64(len(payload)))
}

// Request sends a sub-request on behalf of the same call.
// It becomes the next branch of this task.
func (t *ServerTask) Request(dest Address, payload []byte) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.finished {
		return ErrTaskFinished
	}
	t.sendRequest(dest, payload)
	return nil
}

// Delegate is Request, plus a note to the call that the
// new branch lives at dest, so the call can ping it
// directly instead of going through this task.
func (t *ServerTask) Delegate(dest Address, payload []byte) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.finished {
		return ErrTaskFinished
	}
	branch, reqId := t.sendRequest(dest, payload)
	t.send(t.replyTo, &DelegationHeader{
		RooId:     t.rooId,
		BranchId:  branch,
		RequestId: reqId,
		Address:   t.sock.transport.AddressToWire(dest),
	}, nil)
	return nil
}

// sendRequest requires t.mut.
func (t *ServerTask) sendRequest(dest Address, payload []byte) (BranchId, RequestId) {
	s := t.sock
	body, compressed := s.encodePayload(payload)
	branch := BranchId{Task: t.Id(), Index: t.requestCount}
	reqId := s.AllocRequestId()
	t.requestCount++
	t.send(dest, &RequestHeader{
		RooId:      t.rooId,
		BranchId:   branch,
		RequestId:  reqId,
		ReplyTo:    t.replyToWire,
		Compressed: compressed,
	}, body)
	s.perf.txMessageBytes.Add(uint64(len(payload)))
	return branch, reqId
}

// Finish sends the task's manifest. Calling it again is a no-op.
func (t *ServerTask) Finish() {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.finish()
}

func (t *ServerTask) finish() {
	if t.finished {
		return
	}
	t.finished = true
	t.send(t.replyTo, &ManifestHeader{
		RooId:     t.rooId,
		Source:    t.sock.localWire,
		Manifests: []Manifest{t.manifest()},
	}, nil)
}

// Fail fails the whole call.
func (t *ServerTask) Fail(reason string) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.finished {
		return ErrTaskFinished
	}
	t.finished = true
	t.send(t.replyTo, &ErrorHeader{
		RooId:    t.rooId,
		BranchId: t.branch,
		Reason:   reason,
	}, nil)
	return nil
}

func (t *ServerTask) manifest() Manifest {
	return Manifest{
		BranchId:      t.branch,
		TaskId:        t.Id(),
		RequestCount:  t.requestCount,
		ResponseCount: t.responseCount,
	}
}

// send requires t.mut.
func (t *ServerTask) send(dest Address, h Header, payload []byte) {
	m := t.sock.transport.Alloc()
	m.Append(AppendHeader(nil, h))
	if len(payload) > 0 {
		m.Append(payload)
	}
	m.Send(dest, t.sock.cfg.RequestRetry)
	t.out = append(t.out, m)
	pp("%v sent %v to %v", t, HeaderJSON(h), dest)
}

// Release is how the application lets go of the task. It
// finishes the task if needed; the socket keeps polling it
// until everything it sent is final.
func (t *ServerTask) Release() {
	t.mut.Lock()
	if t.released {
		t.mut.Unlock()
		return
	}
	t.released = true
	t.finish()
	t.mut.Unlock()

	t.request.Release()
	if t.Poll() {
		t.sock.RemandTask(t)
		return
	}
	t.sock.retire(t.Id())
}

// discard drops a task that was never handed out.
func (t *ServerTask) discard() {
	t.mut.Lock()
	t.released = true
	t.finished = true
	t.mut.Unlock()
	t.request.Release()
}

// Poll releases outbound messages that are final and
// reports whether any are still in flight.
func (t *ServerTask) Poll() (stillActive bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	keep := t.out[:0]
	for _, m := range t.out {
		if m.Status() == OutPending {
			keep = append(keep, m)
			continue
		}
		m.Release()
	}
	clear(t.out[len(keep):])
	t.out = keep
	return len(t.out) > 0
}
