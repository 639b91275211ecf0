package roo

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
	"github.com/glycerine/blake3"
)

// PRNG is a pseudo random number generator
// for reproducible fault injection in the memnet.
// It uses a 32 byte seed, and the keyed blake3 XOF
// as its stream. It is goroutine safe.
type PRNG struct {
	mut  sync.Mutex
	seed [32]byte
	xof  io.Reader
}

func NewPRNG(seed [32]byte) *PRNG {
	rng := &PRNG{seed: seed}
	rng.xof = blake3.New(64, seed[:]).XOF()
	return rng
}

// NewPRNGFromBase64 decodes a URL-safe base64 seed, as
// printed by SeedString. Short seeds are zero padded.
func NewPRNGFromBase64(s string) (*PRNG, error) {
	by, err := cristalbase64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad PRNG seed '%v': %w", s, err)
	}
	if len(by) > 32 {
		return nil, fmt.Errorf("bad PRNG seed '%v': %v bytes is over 32", s, len(by))
	}
	var seed [32]byte
	copy(seed[:], by)
	return NewPRNG(seed), nil
}

// SeedString returns the seed in the form NewPRNGFromBase64 accepts.
func (rng *PRNG) SeedString() string {
	return cristalbase64.URLEncoding.EncodeToString(rng.seed[:])
}

func (rng *PRNG) Read(p []byte) (n int, err error) {
	rng.mut.Lock()
	defer rng.mut.Unlock()
	return io.ReadFull(rng.xof, p)
}

// Uint64 satisfies the mathrand2.Source interface
func (rng *PRNG) Uint64() uint64 {
	var b [8]byte
	rng.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Float64 returns r in [0, 1).
func (rng *PRNG) Float64() float64 {
	return float64(rng.Uint64()>>11) / (1 << 53)
}

// Intn returns r in [0, n) without modulo bias: draw
// under the next power-of-two mask, reject if >= n.
// n must be > 0.
func (rng *PRNG) Intn(n int) int {
	if n <= 0 {
		panic(fmt.Sprintf("PRNG.Intn called with n = %v", n))
	}
	if n == 1 {
		return 0
	}
	un := uint64(n)
	mask := uint64(1)<<bits.Len64(un-1) - 1
	for {
		r := rng.Uint64() & mask
		if r < un {
			return int(r)
		}
	}
}
