// Package shnf defines the Safety Hardware Near Firmware contract: the
// single seam through which the openSAFETY core exchanges serialized
// frames with an arbitrary non-safe transport, mirroring spec §6.2
// exactly as a Go interface.
//
// Grounded on samsamfire/gocanopen's pkg/can.Bus contract (Connect/
// Disconnect/Send/Subscribe) and its FrameListener callback pattern,
// generalized from "one CAN bus, one listener" to the single-consumer
// inbound-queue model §6.2 requires (SHNF_GetEplsFrame/ReleaseEplsFrame)
// so the stack never blocks waiting on the network thread.
package shnf

import "errors"

// FrameClass is the coarse classification a transport reports alongside
// an inbound frame, letting pkg/ssc route without re-parsing the ID.
type FrameClass uint8

const (
	ClassSNMT FrameClass = iota
	ClassSPDO
	ClassSSDO
)

// ErrNoFrame is returned by GetEplsFrame when the inbound queue is
// currently empty; it is not a failure, the caller simply has no work
// this tick.
var ErrNoFrame = errors.New("shnf: no frame available")

// ErrNoMemBlock is returned by GetTxMemBlock or MarkTxMemBlock when the
// transport cannot currently take another frame (e.g. a queue is full).
var ErrNoMemBlock = errors.New("shnf: no tx memory block available")

// Transport is the abstract SHNF seam (§6.2). An implementation owns its
// own internal concurrency: if it is fed by a dedicated network thread,
// it alone is responsible for excluding that thread from the stack's
// single-threaded tick calls.
type Transport interface {
	// Init prepares the transport for instance, whose own SADR is
	// loopbackSADR. Neither included transport delivers frames addressed
	// to that SADR back to the sending instance: pkg/shnf/loopback only
	// records it, and pkg/shnf/canbus ignores it.
	Init(instance int, loopbackSADR uint16) error

	// GetTxMemBlock returns a writable buffer of length bytes for a
	// frame of the given class (frameClass) belonging to the numbered
	// Tx SPDO (txSPDONumber; meaningless for non-SPDO classes, pass 0).
	// The caller fills the buffer and hands it to MarkTxMemBlock.
	GetTxMemBlock(instance int, length int, frameClass FrameClass, txSPDONumber uint16) ([]byte, error)

	// MarkTxMemBlock hands a buffer previously returned by
	// GetTxMemBlock to the transport for transmission. The caller must
	// not touch buf after this call.
	MarkTxMemBlock(instance int, buf []byte) error

	// GetEplsFrame polls the single-consumer inbound queue for
	// instance, returning the next frame's bytes and class, or
	// ErrNoFrame if none is waiting. The returned slice is only valid
	// until ReleaseEplsFrame is called.
	GetEplsFrame(instance int) ([]byte, FrameClass, error)

	// ReleaseEplsFrame returns ownership of the most recently returned
	// GetEplsFrame buffer to the transport.
	ReleaseEplsFrame(instance int) error
}
