package roo

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glycerine/loquet"
)

// MemnetConfig sets the faults a Memnet injects.
type MemnetConfig struct {
	// DuplicateProb is the chance that a delivery is
	// made twice, as an at-least-once network may.
	DuplicateProb float64

	// Reorder serves each inbox in random order
	// rather than arrival order.
	Reorder bool

	// Seed is a URL-safe base64 PRNG seed (see PRNG.SeedString).
	// Empty means the all-zero seed.
	Seed string
}

// Memnet is an in-process network of MemTransports. Each
// transport delivers its queued sends during its own Poll,
// so nothing moves unless somebody polls.
type Memnet struct {
	cfg MemnetConfig
	rng *PRNG

	mut      sync.Mutex
	nodes    map[Address]*MemTransport
	isolated map[Address]bool
	nextAddr Address
}

func NewMemnet(cfg *MemnetConfig) (*Memnet, error) {
	if cfg == nil {
		cfg = &MemnetConfig{}
	}
	if cfg.DuplicateProb < 0 || cfg.DuplicateProb > 1 {
		return nil, fmt.Errorf("memnet: DuplicateProb %v not in [0, 1]", cfg.DuplicateProb)
	}
	var rng *PRNG
	if cfg.Seed == "" {
		rng = NewPRNG([32]byte{})
	} else {
		var err error
		rng, err = NewPRNGFromBase64(cfg.Seed)
		if err != nil {
			return nil, fmt.Errorf("memnet: %w", err)
		}
	}
	return &Memnet{
		cfg:      *cfg,
		rng:      rng,
		nodes:    make(map[Address]*MemTransport),
		isolated: make(map[Address]bool),
	}, nil
}

// NewTransport attaches a new endpoint. Addresses start at 1.
func (n *Memnet) NewTransport() *MemTransport {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.nextAddr++
	t := &MemTransport{net: n, addr: n.nextAddr}
	n.nodes[t.addr] = t
	return t
}

// Isolate cuts addr off: sends to or from it fail (NoRetry)
// or wait (RetryUntilSent) until Heal.
func (n *Memnet) Isolate(addr Address) {
	n.mut.Lock()
	n.isolated[addr] = true
	n.mut.Unlock()
}

func (n *Memnet) Heal(addr Address) {
	n.mut.Lock()
	delete(n.isolated, addr)
	n.mut.Unlock()
}

// route decides the fate of one send from src to dest.
func (n *Memnet) route(src, dest Address) (dst *MemTransport, isolated bool) {
	n.mut.Lock()
	defer n.mut.Unlock()
	dst = n.nodes[dest]
	isolated = n.isolated[src] || n.isolated[dest]
	return
}

func (n *Memnet) duplicated() bool {
	prob := n.cfg.DuplicateProb
	if prob <= 0 {
		return false
	}
	if prob >= 1 {
		return true
	}
	return n.rng.Float64() < prob
}

// MemTransport is one Memnet endpoint. It implements Transport.
type MemTransport struct {
	net  *Memnet
	addr Address

	mut    sync.Mutex
	outbox []*memOut
	inbox  []*memIn
}

var _ Transport = &MemTransport{}

func (t *MemTransport) ID() uint64 { return uint64(t.addr) }

func (t *MemTransport) LocalAddress() Address { return t.addr }

func (t *MemTransport) String() string {
	return fmt.Sprintf("MemTransport(%v)", t.addr)
}

func (t *MemTransport) Alloc() OutMessage {
	m := &memOut{t: t}
	m.done = loquet.NewChan(m)
	return m
}

// Poll delivers everything queued by Send.
func (t *MemTransport) Poll() {
	t.mut.Lock()
	out := t.outbox
	t.outbox = nil
	t.mut.Unlock()

	var retry []*memOut
	for _, m := range out {
		dst, isolated := t.net.route(t.addr, m.dest)
		switch {
		case dst == nil:
			m.finish(OutFailed)
		case isolated:
			if m.policy == RetryUntilSent {
				retry = append(retry, m)
				continue
			}
			m.finish(OutFailed)
		default:
			dst.deliver(m.bytes())
			if t.net.duplicated() {
				dst.deliver(m.bytes())
			}
			m.finish(OutSent)
		}
	}
	if len(retry) > 0 {
		t.mut.Lock()
		t.outbox = append(retry, t.outbox...)
		t.mut.Unlock()
	}
}

func (t *MemTransport) deliver(b []byte) {
	t.mut.Lock()
	t.inbox = append(t.inbox, &memIn{buf: b})
	t.mut.Unlock()
}

func (t *MemTransport) Receive() InMessage {
	t.mut.Lock()
	defer t.mut.Unlock()
	if len(t.inbox) == 0 {
		return nil
	}
	i := 0
	if t.net.cfg.Reorder && len(t.inbox) > 1 {
		i = t.net.rng.Intn(len(t.inbox))
	}
	m := t.inbox[i]
	last := len(t.inbox) - 1
	copy(t.inbox[i:], t.inbox[i+1:])
	t.inbox[last] = nil
	t.inbox = t.inbox[:last]
	return m
}

// Inbox reports how many messages wait for Receive.
func (t *MemTransport) Inbox() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.inbox)
}

func (t *MemTransport) enqueue(m *memOut) {
	t.mut.Lock()
	t.outbox = append(t.outbox, m)
	t.mut.Unlock()
}

// AddressToWire writes addr as 8 bytes, big-endian.
func (t *MemTransport) AddressToWire(addr Address) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(addr))
}

func (t *MemTransport) AddressFromWire(w []byte) (Address, error) {
	if len(w) != 8 {
		return 0, fmt.Errorf("memnet: wire address is %v bytes, want 8", len(w))
	}
	return Address(binary.BigEndian.Uint64(w)), nil
}

type memOut struct {
	t *MemTransport

	mut      sync.Mutex
	buf      []byte
	dest     Address
	policy   RetryPolicy
	sent     bool
	released bool

	status atomic.Int32
	done   *loquet.Chan[memOut]
}

func (m *memOut) Append(p []byte) {
	m.mut.Lock()
	m.buf = append(m.buf, p...)
	m.mut.Unlock()
}

func (m *memOut) Send(dest Address, policy RetryPolicy) {
	m.mut.Lock()
	if m.sent {
		m.mut.Unlock()
		panic(fmt.Sprintf("memnet: Send called twice on message to %v", dest))
	}
	if m.released {
		m.mut.Unlock()
		panic(fmt.Sprintf("memnet: Send of a released message to %v", dest))
	}
	m.sent = true
	m.dest = dest
	m.policy = policy
	m.mut.Unlock()
	m.t.enqueue(m)
}

func (m *memOut) Status() OutStatus {
	return OutStatus(m.status.Load())
}

// Release may be called more than once, and before the
// send is final; delivery still goes ahead. An unsent
// message cannot be sent once released.
func (m *memOut) Release() {
	m.mut.Lock()
	m.released = true
	m.mut.Unlock()
}

// Done is closed once Status is final.
func (m *memOut) Done() <-chan struct{} {
	return m.done.WhenClosed()
}

func (m *memOut) bytes() []byte {
	m.mut.Lock()
	defer m.mut.Unlock()
	return append([]byte(nil), m.buf...)
}

func (m *memOut) finish(st OutStatus) {
	m.status.Store(int32(st))
	m.done.Close()
}

// memIn is one delivered message. Release hands the
// bytes back, after which it reads as empty.
type memIn struct {
	mut sync.Mutex
	buf []byte
}

func (m *memIn) Len() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.buf)
}

func (m *memIn) Get(offset, n int) []byte {
	m.mut.Lock()
	defer m.mut.Unlock()
	if offset < 0 || offset >= len(m.buf) || n <= 0 {
		return nil
	}
	end := min(offset+n, len(m.buf))
	return m.buf[offset:end]
}

func (m *memIn) Strip(n int) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.buf = m.buf[min(n, len(m.buf)):]
}

// Acknowledge is a no-op: a memnet delivery is final
// the moment it lands in the inbox.
func (m *memIn) Acknowledge() {}

func (m *memIn) Release() {
	m.mut.Lock()
	m.buf = nil
	m.mut.Unlock()
}
