// Package spdo implements the cyclic Safety Process Data Object engine:
// Tx build (refresh-prescale and data-changed driven), Rx processing
// with propagation-delay and SCT-timeout checking, time synchronization
// via piggybacked TReq/TRes, and mapping (un)packing against the safety
// object dictionary.
//
// Grounded on samsamfire/gocanopen's pkg/pdo (tpdo.go/rpdo.go mapping,
// inhibit/event timer structure) and pkg/sync (counter-driven cyclic
// send), generalized from CANopen's real-time.Timer-driven callbacks to
// the explicit CT-tick model: every timer here is a tick counter
// compared against a deadline supplied by the caller, never a
// time.Timer/time.AfterFunc.
package spdo

import (
	"encoding/binary"
	"log/slog"

	"github.com/hasiflo/gosafety/pkg/sod"
)

// MaxPayloadLength is the largest number of mapped bytes a single SPDO
// frame carries.
const MaxPayloadLength = 8

// MappingEntry names one object mapped into an SPDO payload.
type MappingEntry struct {
	Index     uint16
	Sub       uint8
	BitLength uint8
}

// validateMapping checks every entry carries AttrPDOMap and that the
// mapping's total length fits MaxPayloadLength, mirroring
// configureMap's attribute/alignment/length checks.
func validateMapping(dict *sod.Dictionary, mapping []MappingEntry) (totalBytes int, err error) {
	for _, m := range mapping {
		if m.BitLength&0x07 != 0 {
			return 0, sod.ErrDataLong
		}
		h, e := dict.AttrGet(m.Index, m.Sub)
		if e != nil {
			return 0, e
		}
		if !h.Entry().HasAttribute(sod.AttrPDOMap) {
			return 0, sod.ErrCallbackRejected
		}
		totalBytes += int(m.BitLength / 8)
	}
	if totalBytes > MaxPayloadLength {
		return 0, sod.ErrDataLong
	}
	return totalBytes, nil
}

// TxSPDO is a producer-side cyclic data record (spec §4.9's Tx build).
type TxSPDO struct {
	logger *slog.Logger
	dict   *sod.Dictionary

	ProducerSADR uint16
	DestSADR     uint16
	Mapping      []MappingEntry

	refreshPrescale uint32
	ticksSinceSend  uint32
	dataChanged     bool
	payloadLen      int

	tSyncRequested bool
	tReqCT         uint32
}

// NewTxSPDO validates mapping against dict and returns a ready Tx SPDO.
func NewTxSPDO(logger *slog.Logger, dict *sod.Dictionary, producerSADR, destSADR uint16, refreshPrescale uint32, mapping []MappingEntry) (*TxSPDO, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n, err := validateMapping(dict, mapping)
	if err != nil {
		return nil, err
	}
	return &TxSPDO{
		logger:          logger.With("component", "spdo-tx", "producer", producerSADR),
		dict:            dict,
		ProducerSADR:    producerSADR,
		DestSADR:        destSADR,
		Mapping:         mapping,
		refreshPrescale: refreshPrescale,
		payloadLen:      n,
	}, nil
}

// SetDataChanged forces the next BuildTxSpdo call to emit a frame even
// if the refresh-prescale timer has not elapsed.
func (t *TxSPDO) SetDataChanged() { t.dataChanged = true }

// RequestTimeSync marks the next built frame to carry a TReq stamped
// with ct, used to measure round-trip propagation delay to the peer.
func (t *TxSPDO) RequestTimeSync(ct uint32) {
	t.tSyncRequested = true
	t.tReqCT = ct
}

// BuildTxSpdo advances the prescale counter by one tick and, if the
// prescale elapsed or data changed, packs the mapping into a frame.
func (t *TxSPDO) BuildTxSpdo(ct uint32) (payload []byte, built bool) {
	t.ticksSinceSend++
	due := t.refreshPrescale == 0 || t.ticksSinceSend >= t.refreshPrescale
	if !due && !t.dataChanged {
		return nil, false
	}

	buf := make([]byte, t.payloadLen)
	offset := 0
	for _, m := range t.Mapping {
		n := int(m.BitLength / 8)
		h, err := t.dict.AttrGet(m.Index, m.Sub)
		if err != nil {
			t.logger.Warn("mapped object vanished", "index", m.Index, "sub", m.Sub, "error", err)
			continue
		}
		data, err := h.Read(0, uint32(n))
		if err != nil {
			t.logger.Warn("mapped read failed", "index", m.Index, "sub", m.Sub, "error", err)
			continue
		}
		copy(buf[offset:offset+n], data)
		offset += n
	}

	frame := encodeTxFrame(ct, t.tSyncRequested, t.tReqCT, buf)
	t.tSyncRequested = false
	t.dataChanged = false
	t.ticksSinceSend = 0
	return frame, true
}

// encodeTxFrame prefixes the mapped payload with a CT stamp and an
// optional time-sync word: [ct(4)] [tsyncFlag(1)] [tReqCT(4) if set] [payload...]
func encodeTxFrame(ct uint32, tsync bool, tReqCT uint32, payload []byte) []byte {
	head := make([]byte, 5)
	binary.LittleEndian.PutUint32(head[0:4], ct)
	if tsync {
		head[4] = 1
		tbuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(tbuf, tReqCT)
		head = append(head, tbuf...)
	} else {
		head[4] = 0
	}
	return append(head, payload...)
}

func decodeTxFrame(frame []byte) (ct uint32, tsync bool, tReqCT uint32, payload []byte, ok bool) {
	if len(frame) < 5 {
		return 0, false, 0, nil, false
	}
	ct = binary.LittleEndian.Uint32(frame[0:4])
	tsync = frame[4] != 0
	rest := frame[5:]
	if tsync {
		if len(rest) < 4 {
			return 0, false, 0, nil, false
		}
		tReqCT = binary.LittleEndian.Uint32(rest[0:4])
		rest = rest[4:]
	}
	return ct, tsync, tReqCT, rest, true
}

// RxSPDO is a consumer-side cyclic data record (spec §4.9's Rx process
// and SCT timeout).
type RxSPDO struct {
	logger *slog.Logger
	dict   *sod.Dictionary

	ProducerSADR uint16
	SCT          uint32
	Mapping      []MappingEntry

	MinPropDelay uint32
	MaxPropDelay uint32

	hasLastCT       bool
	lastCT          uint32
	ticksSinceRecv  uint32
	connectionValid bool
	lastPropDelay   uint32
	propDelayOK     bool
}

// NewRxSPDO validates mapping against dict and returns a fresh, invalid
// (no data received yet) Rx SPDO.
func NewRxSPDO(logger *slog.Logger, dict *sod.Dictionary, producerSADR uint16, sct uint32, minPropDelay, maxPropDelay uint32, mapping []MappingEntry) (*RxSPDO, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := validateMapping(dict, mapping); err != nil {
		return nil, err
	}
	return &RxSPDO{
		logger:       logger.With("component", "spdo-rx", "producer", producerSADR),
		dict:         dict,
		ProducerSADR: producerSADR,
		SCT:          sct,
		Mapping:      mapping,
		MinPropDelay: minPropDelay,
		MaxPropDelay: maxPropDelay,
		// permissive until the first TSync exchange actually measures a
		// delay: a node with no TSync history yet still accepts frames.
		propDelayOK: true,
	}, nil
}

// Valid reports the connection-valid bit (spec §4.9).
func (r *RxSPDO) Valid() bool { return r.connectionValid }

// LastPropDelay returns the most recently measured TReq/TRes round trip.
func (r *RxSPDO) LastPropDelay() uint32 { return r.lastPropDelay }

// ProcessRxSpdo parses a received frame at local time recvCT. recvCT is the
// caller's CT at reception, used together with the frame's embedded
// TReq stamp to compute propagation delay when the frame carries one.
func (r *RxSPDO) ProcessRxSpdo(recvCT uint32, frame []byte) error {
	ct, tsync, tReqCT, payload, ok := decodeTxFrame(frame)
	if !ok {
		return sod.ErrDataShort
	}

	if tsync {
		delay := recvCT - tReqCT
		r.lastPropDelay = delay
		r.propDelayOK = delay >= r.MinPropDelay && delay <= r.MaxPropDelay
		if !r.propDelayOK {
			r.connectionValid = false
			r.logger.Warn("propagation delay out of bounds", "delay", delay, "min", r.MinPropDelay, "max", r.MaxPropDelay)
			return nil
		}
	}

	if r.hasLastCT && ct <= r.lastCT {
		// stale or duplicate, per the monotonic-CT acceptance rule
		return nil
	}

	// a plain frame following a TSync exchange that measured an
	// out-of-bounds delay stays gated until a fresh in-bounds TSync
	// re-validates the link; it must not slip through on connectionValid
	// alone.
	if !r.propDelayOK {
		r.connectionValid = false
		return nil
	}

	r.hasLastCT = true
	r.lastCT = ct
	r.ticksSinceRecv = 0

	offset := 0
	for _, m := range r.Mapping {
		n := int(m.BitLength / 8)
		if offset+n > len(payload) {
			r.connectionValid = false
			return sod.ErrDataShort
		}
		h, err := r.dict.AttrGet(m.Index, m.Sub)
		if err != nil {
			offset += n
			continue
		}
		if err := h.Write(payload[offset:offset+n], false, 0, uint32(n)); err != nil {
			r.logger.Warn("mapped write failed", "index", m.Index, "sub", m.Sub, "error", err)
		}
		offset += n
	}
	r.connectionValid = true
	return nil
}

// CheckRxTimeout advances the SCT deadline by one tick; once it elapses
// without a fresh ProcessRxSpdo call, the connection is marked invalid.
func (r *RxSPDO) CheckRxTimeout(ct uint32) {
	if r.SCT == 0 {
		return
	}
	r.ticksSinceRecv++
	if r.ticksSinceRecv >= r.SCT {
		if r.connectionValid {
			r.logger.Warn("SCT elapsed, marking connection invalid", "producer", r.ProducerSADR)
		}
		r.connectionValid = false
	}
}
