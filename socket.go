package roo

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Socket owns one Transport and everything routed through
// it: the calls this process started, and the server tasks
// spawned by requests that arrived here.
//
// Lock order is socket before call, and in practice the
// two are never held together: the socket looks a call up,
// lets go, and only then runs the call's handler.
type Socket struct {
	cfg       *Config
	transport Transport
	socketId  SocketId
	localWire []byte

	// shared by RooIds and RequestIds, so they never collide.
	nextSeq atomic.Uint64

	calls *callTable

	mut           sync.Mutex
	timeouts      *omap[RooId, *RooPC]
	lastSweep     time.Time
	pendingTasks  []*ServerTask
	detachedTasks []*ServerTask
	liveTasks     map[TaskId]bool
	retired       []TaskId
	retiredSet    map[TaskId]bool
	oneShots      []OutMessage

	// one Poll at a time.
	pollMut sync.Mutex

	// background poller, see Start.
	halt    *idem.Halter
	polling atomic.Bool

	log        *logrus.Entry
	perf       *perf
	collectors []prometheus.Collector

	zstdOnce sync.Once
	zstd     *zstdCompressor
	zstdErr  error
}

// NewSocket takes exclusive ownership of t. A nil cfg
// means NewConfig().
func NewSocket(t Transport, cfg *Config) (*Socket, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := SocketId(t.ID())
	s := &Socket{
		cfg:        cfg,
		transport:  t,
		socketId:   id,
		localWire:  t.AddressToWire(t.LocalAddress()),
		calls:      newCallTable(),
		timeouts:   newOmap[RooId, *RooPC](compareRooId),
		lastSweep:  time.Now(),
		liveTasks:  make(map[TaskId]bool),
		retiredSet: make(map[TaskId]bool),
		halt:       idem.NewHalterNamed(fmt.Sprintf("roo.Socket(%v)", id)),
		log:        cfg.logger().WithField("socket", id),
		perf:       newPerf(),
	}
	if cfg.Registerer != nil {
		cs, err := s.perf.register(cfg.Registerer, id)
		if err != nil {
			return nil, err
		}
		s.collectors = cs
	}
	return s, nil
}

// Id returns the SocketId, which is the transport's ID.
func (s *Socket) Id() SocketId {
	return s.socketId
}

// LocalAddress is where other sockets reach this one.
func (s *Socket) LocalAddress() Address {
	return s.transport.LocalAddress()
}

func (s *Socket) String() string {
	return fmt.Sprintf("Socket(%v)", s.socketId)
}

// Stats snapshots the socket's counters.
func (s *Socket) Stats() Stats {
	return s.perf.stats()
}

// AllocCall starts a new call. Give it back with DropCall.
func (s *Socket) AllocCall() *RooPC {
	id := RooId{Socket: s.socketId, Seq: SequenceId(s.nextSeq.Add(1))}
	r := newRooPC(s, id)
	s.calls.add(r)
	s.perf.callsAllocated.Add(1)
	return r
}

// DropCall discards r, whatever its status. Messages
// for it that arrive later are dropped. Dropping a call
// twice, or after Close, does nothing.
func (s *Socket) DropCall(r *RooPC) {
	if !s.calls.remove(r.id) {
		return
	}
	s.mut.Lock()
	s.timeouts.delkey(r.id)
	s.mut.Unlock()
	r.drop()
}

// AllocRequestId returns a request id unique to this socket.
func (s *Socket) AllocRequestId() RequestId {
	return RequestId{Socket: s.socketId, Seq: SequenceId(s.nextSeq.Add(1))}
}

// ReceiveTask hands out the oldest unclaimed server task.
// The caller must eventually call its Release.
func (s *Socket) ReceiveTask() (task *ServerTask, ok bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if len(s.pendingTasks) == 0 {
		return nil, false
	}
	task = s.pendingTasks[0]
	s.pendingTasks[0] = nil
	s.pendingTasks = s.pendingTasks[1:]
	return task, true
}

// RemandTask takes custody of a task the application is done
// with, and polls it until its outbound messages are final.
func (s *Socket) RemandTask(task *ServerTask) {
	s.mut.Lock()
	s.detachedTasks = append(s.detachedTasks, task)
	s.mut.Unlock()
}

// Poll moves the transport along, routes every waiting inbound
// message, then does the socket's housekeeping: detached
// tasks, finished one-shot messages and the liveness sweep.
func (s *Socket) Poll() {
	s.pollMut.Lock()
	defer s.pollMut.Unlock()

	t0 := time.Now()
	s.transport.Poll()
	routed := 0
	for msg := s.transport.Receive(); msg != nil; msg = s.transport.Receive() {
		s.route(msg)
		routed++
	}
	if routed > 0 {
		s.perf.activeNanos.Add(int64(time.Since(t0)))
	}
	s.sweepDetached()
	s.sweepOneShots()
	s.sweepTimeouts(t0)
}

func (s *Socket) route(msg InMessage) {
	h, n, err := DecodeHeader(msg.Get(0, msg.Len()))
	if err != nil {
		s.perf.anomalies.Add(1)
		s.log.WithError(err).Warn("Unexpected protocol message received.")
		msg.Release()
		return
	}
	msg.Strip(n)
	msg.Acknowledge()
	pp("%v routing %v", s, HeaderJSON(h))

	switch x := h.(type) {
	case *RequestHeader:
		s.handleRequest(x, msg)
	case *PingHeader:
		s.handlePing(x)
		msg.Release()
	case *ResponseHeader:
		if r, ok := s.calls.get(x.RooId); ok {
			r.handleResponse(x, msg)
			return
		}
		msg.Release()
	case *ManifestHeader:
		if r, ok := s.calls.get(x.RooId); ok {
			r.handleManifest(x, msg)
			return
		}
		msg.Release()
	case *PongHeader:
		if r, ok := s.calls.get(x.RooId); ok {
			r.handlePong(x, msg)
			return
		}
		msg.Release()
	case *ErrorHeader:
		if r, ok := s.calls.get(x.RooId); ok {
			r.handleError(x, msg)
			return
		}
		msg.Release()
	case *DelegationHeader:
		if r, ok := s.calls.get(x.RooId); ok {
			r.handleDelegation(x, msg)
			return
		}
		msg.Release()
	}
}

func (s *Socket) handleRequest(h *RequestHeader, msg InMessage) {
	task, err := newServerTask(s, h, msg)
	if err != nil {
		s.perf.anomalies.Add(1)
		s.log.WithError(err).WithField("roo", h.RooId.String()).Warn("Undecodable request, dropped.")
		msg.Release()
		return
	}
	s.perf.rxMessageBytes.Add(uint64(len(task.payload)))

	tid := task.Id()
	s.mut.Lock()
	dup := s.liveTasks[tid] || s.retiredSet[tid]
	if !dup {
		s.liveTasks[tid] = true
		s.pendingTasks = append(s.pendingTasks, task)
	}
	s.mut.Unlock()

	if dup {
		// the transport delivered it twice.
		s.perf.anomalies.Add(1)
		s.log.WithField("roo", h.RooId.String()).Infof("Duplicate request %v dropped.", h.RequestId)
		task.discard()
	}
}

// handlePing answers for tasks that are running here or
// finished recently. The parent of a branch is pinged until
// the call hears from the branch itself, and the parent may
// well be done by then.
func (s *Socket) handlePing(h *PingHeader) {
	tid := h.Target.Task()
	s.mut.Lock()
	alive := s.liveTasks[tid] || s.retiredSet[tid]
	s.mut.Unlock()
	if !alive {
		s.perf.anomalies.Add(1)
		s.log.WithField("roo", h.RooId.String()).Warnf("Ping for unknown task %v dropped.", tid)
		return
	}
	dest, err := s.transport.AddressFromWire(h.ReplyTo)
	if err != nil {
		s.perf.anomalies.Add(1)
		s.log.WithError(err).Warn("Ping with bad reply address dropped.")
		return
	}
	s.sendOneShot(dest, &PongHeader{RooId: h.RooId, BranchId: h.BranchId}, nil)
}

// retire forgets a released task, but remembers its id for a
// while so that late pings and duplicate requests for it are
// still recognized.
func (s *Socket) retire(tid TaskId) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.liveTasks, tid)
	if s.cfg.RetiredTaskMemory <= 0 || s.retiredSet[tid] {
		return
	}
	s.retired = append(s.retired, tid)
	s.retiredSet[tid] = true
	for len(s.retired) > s.cfg.RetiredTaskMemory {
		delete(s.retiredSet, s.retired[0])
		s.retired = s.retired[1:]
	}
}

func (s *Socket) sweepDetached() {
	s.mut.Lock()
	tasks := s.detachedTasks
	s.detachedTasks = nil
	s.mut.Unlock()
	if len(tasks) == 0 {
		return
	}

	var busy []*ServerTask
	for _, task := range tasks {
		if task.Poll() {
			busy = append(busy, task)
		} else {
			s.retire(task.Id())
		}
	}

	s.mut.Lock()
	s.detachedTasks = append(busy, s.detachedTasks...)
	s.mut.Unlock()
}

// sendOneShot sends a socket-owned message (pings, pongs);
// sweepOneShots releases it once it is final.
func (s *Socket) sendOneShot(dest Address, h Header, payload []byte) {
	m := s.transport.Alloc()
	m.Append(AppendHeader(nil, h))
	if len(payload) > 0 {
		m.Append(payload)
	}
	m.Send(dest, NoRetry)

	s.mut.Lock()
	s.oneShots = append(s.oneShots, m)
	s.mut.Unlock()
}

func (s *Socket) sweepOneShots() {
	s.mut.Lock()
	msgs := s.oneShots
	s.oneShots = nil
	s.mut.Unlock()
	if len(msgs) == 0 {
		return
	}

	var waiting []OutMessage
	for _, m := range msgs {
		if m.Status() == OutPending {
			waiting = append(waiting, m)
			continue
		}
		m.Release()
	}

	s.mut.Lock()
	s.oneShots = append(waiting, s.oneShots...)
	s.mut.Unlock()
}

// watchTimeouts enrolls r for liveness checking.
func (s *Socket) watchTimeouts(r *RooPC) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	s.mut.Lock()
	s.timeouts.set(r.id, r)
	s.mut.Unlock()
}

// sweepTimeouts runs handleTimeout on every enrolled call,
// in RooId order, once per PingInterval.
func (s *Socket) sweepTimeouts(now time.Time) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	s.mut.Lock()
	if now.Sub(s.lastSweep) < s.cfg.PingInterval {
		s.mut.Unlock()
		return
	}
	s.lastSweep = now
	calls := s.timeouts.vals()
	s.mut.Unlock()

	var done []RooId
	for _, r := range calls {
		if !r.handleTimeout() {
			done = append(done, r.id)
		}
	}
	if len(done) == 0 {
		return
	}
	s.mut.Lock()
	for _, id := range done {
		s.timeouts.delkey(id)
	}
	s.mut.Unlock()
}

// Start runs Poll every PollInterval on a background
// goroutine until Close. RooPC.Wait stops polling
// for itself once this is running.
func (s *Socket) Start() {
	if s.polling.Swap(true) {
		return
	}
	go func() {
		defer s.halt.Done.Close()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Poll()
			case <-s.halt.ReqStop.Chan:
				return
			}
		}
	}()
}

func (s *Socket) backgroundPolling() bool {
	return s.polling.Load() && !s.halt.ReqStop.IsClosed()
}

// Close stops the background poller, drops every call and
// unregisters the socket's metrics. Waiters get ErrShutdown.
// The transport itself is left to its owner.
func (s *Socket) Close() {
	if s.halt.ReqStop.IsClosed() {
		return
	}
	s.halt.ReqStop.Close()
	if s.polling.Load() {
		<-s.halt.Done.Chan
	}
	for _, r := range s.calls.removeAll() {
		r.drop()
	}
	s.mut.Lock()
	s.timeouts.deleteAll()
	s.mut.Unlock()

	if s.cfg.Registerer != nil {
		for _, c := range s.collectors {
			s.cfg.Registerer.Unregister(c)
		}
	}
	// no compressor gets built after this point.
	s.zstdOnce.Do(func() {})
	if s.zstd != nil {
		s.zstd.Close()
	}
}

func (s *Socket) compressor() (*zstdCompressor, error) {
	s.zstdOnce.Do(func() {
		s.zstd, s.zstdErr = newZstdCompressor()
	})
	if s.zstd == nil && s.zstdErr == nil {
		return nil, ErrShutdown
	}
	return s.zstd, s.zstdErr
}

// encodePayload compresses payload if so configured.
func (s *Socket) encodePayload(payload []byte) (body []byte, compressed bool) {
	if !s.cfg.CompressPayloads || len(payload) == 0 {
		return payload, false
	}
	c, err := s.compressor()
	if err != nil {
		s.log.WithError(err).Warn("zstd unavailable, sending uncompressed.")
		return payload, false
	}
	return c.Compress(payload), true
}

// payloadOf copies out what follows the (already stripped)
// header, decompressing as flagged by the sender.
func (s *Socket) payloadOf(msg InMessage, compressed bool) ([]byte, error) {
	b := bytes.Clone(msg.Get(0, msg.Len()))
	if !compressed {
		return b, nil
	}
	c, err := s.compressor()
	if err != nil {
		return nil, err
	}
	return c.Decompress(b)
}
