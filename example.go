package roo

import (
	"context"
	"fmt"
	"time"

	"github.com/glycerine/greenpack/msgp"
)

// FanoutRequest asks for a task tree Depth levels deep
// in which every interior task spawns Fanout children,
// spread round-robin over Peers. Leaves reply once each,
// so a call sees Fanout^Depth responses.
type FanoutRequest struct {
	Depth    uint32
	Fanout   uint32
	Delegate bool // interior tasks use ServerTask.Delegate
	Fail     bool // leaves fail the call instead of replying
	Peers    []Address
}

// FanoutReply is a leaf's answer.
type FanoutReply struct {
	Leaf   TaskId
	Server Address
}

// MarshalMsg appends the msgpack form of r to b.
func (r *FanoutRequest) MarshalMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 5)
	b = msgp.AppendUint32(b, r.Depth)
	b = msgp.AppendUint32(b, r.Fanout)
	b = msgp.AppendBool(b, r.Delegate)
	b = msgp.AppendBool(b, r.Fail)
	b = msgp.AppendArrayHeader(b, uint32(len(r.Peers)))
	for _, p := range r.Peers {
		b = msgp.AppendUint64(b, uint64(p))
	}
	return b
}

func (r *FanoutRequest) UnmarshalMsg(b []byte) (err error) {
	rd := &wireReader{b: b}
	if sz := rd.arrayHeader(); rd.err == nil && sz != 5 {
		return fmt.Errorf("FanoutRequest: %v fields, want 5", sz)
	}
	r.Depth = rd.u32()
	r.Fanout = rd.u32()
	r.Delegate = rd.boolean()
	r.Fail = rd.boolean()
	n := rd.arrayHeader()
	if rd.err == nil && n > maxManifestsPerHeader {
		return fmt.Errorf("FanoutRequest: %v peers is too many", n)
	}
	r.Peers = r.Peers[:0]
	for i := uint32(0); i < n && rd.err == nil; i++ {
		r.Peers = append(r.Peers, Address(rd.u64()))
	}
	if rd.err != nil {
		return fmt.Errorf("FanoutRequest: %w", rd.err)
	}
	return nil
}

func (r *FanoutReply) MarshalMsg(b []byte) []byte {
	b = msgp.AppendArrayHeader(b, 3)
	b = appendTaskId(b, r.Leaf)
	return msgp.AppendUint64(b, uint64(r.Server))
}

func (r *FanoutReply) UnmarshalMsg(b []byte) error {
	rd := &wireReader{b: b}
	if sz := rd.arrayHeader(); rd.err == nil && sz != 3 {
		return fmt.Errorf("FanoutReply: %v fields, want 3", sz)
	}
	r.Leaf = rd.taskId()
	r.Server = Address(rd.u64())
	if rd.err != nil {
		return fmt.Errorf("FanoutReply: %w", rd.err)
	}
	return nil
}

// FanoutServer serves FanoutRequests arriving at one Socket.
type FanoutServer struct {
	sock *Socket
}

func NewFanoutServer(sock *Socket) *FanoutServer {
	return &FanoutServer{sock: sock}
}

// Serve handles tasks until ctx is done. It does not poll
// the socket; call Socket.Start first.
func (f *FanoutServer) Serve(ctx context.Context) error {
	for {
		task, ok := f.sock.ReceiveTask()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-f.sock.halt.ReqStop.Chan:
				return ErrShutdown
			case <-time.After(f.sock.cfg.PollInterval):
			}
			continue
		}
		f.Handle(task)
	}
}

// Handle serves one task and releases it.
func (f *FanoutServer) Handle(task *ServerTask) {
	defer task.Release()

	var req FanoutRequest
	if err := req.UnmarshalMsg(task.Payload()); err != nil {
		task.Fail(err.Error())
		return
	}
	if req.Depth == 0 || req.Fanout == 0 || len(req.Peers) == 0 {
		if req.Fail {
			task.Fail(fmt.Sprintf("leaf %v told to fail", task.Id()))
			return
		}
		reply := &FanoutReply{Leaf: task.Id(), Server: f.sock.LocalAddress()}
		task.ReplyAndFinish(reply.MarshalMsg(nil))
		return
	}

	child := req
	child.Depth--
	payload := child.MarshalMsg(nil)
	start := int(task.Id().Seq)
	for i := 0; i < int(req.Fanout); i++ {
		dest := req.Peers[(start+i)%len(req.Peers)]
		var err error
		if req.Delegate {
			err = task.Delegate(dest, payload)
		} else {
			err = task.Request(dest, payload)
		}
		if err != nil {
			alwaysPrintf("%v could not send to %v: %v", task, dest, err)
			return
		}
	}
	task.Finish()
}
