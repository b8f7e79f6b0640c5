// Package loopback provides an in-memory [shnf.Transport] for tests and
// single-process demos: frames marked for transmission on one endpoint
// land directly in its peer's inbound queue, with no actual I/O.
//
// Grounded on samsamfire/gocanopen's pkg/can/virtual.Bus (same role:
// a test-only bus requiring no external broker), generalized from a
// TCP-framed wire protocol to a direct in-process handoff, and on
// internal/fifo.Fifo's circular read/write index discipline, adapted
// from a byte-circular buffer to a ring of discrete frames since SHNF
// hands up whole frames rather than a byte stream.
package loopback

import (
	"fmt"
	"sync"

	"github.com/hasiflo/gosafety/pkg/shnf"
)

type queuedFrame struct {
	data  []byte
	class shnf.FrameClass
}

// ring is a fixed-capacity circular queue of queuedFrame, mirroring the
// read/write index arithmetic of internal/fifo.Fifo.
type ring struct {
	buf      []queuedFrame
	readPos  int
	writePos int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]queuedFrame, capacity+1)}
}

func (r *ring) push(f queuedFrame) bool {
	next := (r.writePos + 1) % len(r.buf)
	if next == r.readPos {
		return false
	}
	r.buf[r.writePos] = f
	r.writePos = next
	return true
}

func (r *ring) pop() (queuedFrame, bool) {
	if r.readPos == r.writePos {
		return queuedFrame{}, false
	}
	f := r.buf[r.readPos]
	r.readPos = (r.readPos + 1) % len(r.buf)
	return f, true
}

// Transport is a [shnf.Transport] half of a loopback pair. Frames
// written with MarkTxMemBlock are pushed directly into the peer's
// inbound queue; this endpoint's own Init SADR is recorded only for
// diagnostics, since a pair has exactly one peer and no addressing
// decision to make.
type Transport struct {
	mu      sync.Mutex
	sadr    uint16
	peer    *Transport
	inbound *ring

	lastReadPending bool
}

// NewPair creates two [Transport]s wired to each other, each with an
// inbound queue holding up to depth frames.
func NewPair(depth int) (a, b *Transport) {
	a = &Transport{inbound: newRing(depth)}
	b = &Transport{inbound: newRing(depth)}
	a.peer, b.peer = b, a
	return a, b
}

func (t *Transport) Init(instance int, loopbackSADR uint16) error {
	t.mu.Lock()
	t.sadr = loopbackSADR
	t.mu.Unlock()
	return nil
}

func (t *Transport) GetTxMemBlock(instance int, length int, frameClass shnf.FrameClass, txSPDONumber uint16) ([]byte, error) {
	return make([]byte, length), nil
}

// MarkTxMemBlock hands buf to the peer endpoint's inbound queue,
// classified as [shnf.ClassSNMT]; callers needing a specific class
// (SPDO/SSDO) should use MarkTxMemBlockClass instead.
func (t *Transport) MarkTxMemBlock(instance int, buf []byte) error {
	return t.MarkTxMemBlockClass(instance, buf, shnf.ClassSNMT)
}

// MarkTxMemBlockClass is MarkTxMemBlock with an explicit frame class,
// for callers that know their own class and don't want it defaulted.
func (t *Transport) MarkTxMemBlockClass(instance int, buf []byte, class shnf.FrameClass) error {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("shnf/loopback: transport has no peer")
	}
	peer.mu.Lock()
	ok := peer.inbound.push(queuedFrame{data: append([]byte(nil), buf...), class: class})
	peer.mu.Unlock()
	if !ok {
		return shnf.ErrNoMemBlock
	}
	return nil
}

func (t *Transport) GetEplsFrame(instance int) ([]byte, shnf.FrameClass, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.inbound.pop()
	if !ok {
		t.lastReadPending = false
		return nil, 0, shnf.ErrNoFrame
	}
	t.lastReadPending = true
	return f.data, f.class, nil
}

func (t *Transport) ReleaseEplsFrame(instance int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastReadPending {
		return fmt.Errorf("shnf/loopback: no frame to release")
	}
	t.lastReadPending = false
	return nil
}
