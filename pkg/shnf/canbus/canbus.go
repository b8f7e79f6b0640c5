// Package canbus implements [shnf.Transport] over a physical or virtual
// CAN bus using brutella/can, segmenting each openSAFETY frame (which
// may run past 260 bytes) across as many 8-byte CAN data frames as
// needed and reassembling them on receive.
//
// Grounded on samsamfire/gocanopen's pkg/can/socketcan.SocketcanBus and
// cmd/canopen/driver.go's brutella/can wrapper (NewBusForInterfaceWithName,
// ConnectAndPublish, Publish, Subscribe/Handle), generalized from "one
// CAN frame carries one CANopen frame" to explicit segmentation, since
// a CAN data frame's 8-byte payload can never carry a whole openSAFETY
// frame.
package canbus

import (
	"fmt"
	"log/slog"
	"sync"

	brutella "github.com/brutella/can"

	"github.com/hasiflo/gosafety/pkg/frame"
	"github.com/hasiflo/gosafety/pkg/shnf"
)

const segDataLen = 7 // 1 sequence/flag byte + 7 payload bytes per CAN frame
const moreFlag = 0x80
const seqMask = 0x7F

type reassembly struct {
	buf     []byte
	nextSeq uint8
}

// Transport adapts a brutella/can bus to [shnf.Transport]. txCANID is
// the single CAN identifier this transport sends segments under; the
// openSAFETY frame itself carries ADDR/TADR/class, so the CAN ID need
// only be unique enough for peers to recognize openSAFETY traffic on a
// shared bus.
type Transport struct {
	bus     *brutella.Bus
	txCANID uint32
	logger  *slog.Logger

	mu         sync.Mutex
	reassembly map[uint32]*reassembly
	inbound    []completedFrame
	lastPopped bool
}

type completedFrame struct {
	data  []byte
	class shnf.FrameClass
}

// New creates a canbus transport on the named SocketCAN interface (e.g.
// "can0"), publishing under txCANID.
func New(interfaceName string, txCANID uint32, logger *slog.Logger) (*Transport, error) {
	bus, err := brutella.NewBusForInterfaceWithName(interfaceName)
	if err != nil {
		return nil, fmt.Errorf("canbus: opening %s: %w", interfaceName, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		bus:        bus,
		txCANID:    txCANID,
		logger:     logger.With("component", "shnf/canbus", "iface", interfaceName),
		reassembly: make(map[uint32]*reassembly),
	}
	return t, nil
}

func (t *Transport) Init(instance int, loopbackSADR uint16) error {
	t.bus.Subscribe(t)
	go func() {
		if err := t.bus.ConnectAndPublish(); err != nil {
			t.logger.Error("can bus closed", "err", err)
		}
	}()
	return nil
}

func (t *Transport) GetTxMemBlock(instance int, length int, frameClass shnf.FrameClass, txSPDONumber uint16) ([]byte, error) {
	return make([]byte, length), nil
}

func (t *Transport) MarkTxMemBlock(instance int, buf []byte) error {
	seq := uint8(0)
	for offset := 0; offset < len(buf) || offset == 0; {
		end := offset + segDataLen
		more := true
		if end >= len(buf) {
			end = len(buf)
			more = false
		}
		var data [8]byte
		flag := seq & seqMask
		if more {
			flag |= moreFlag
		}
		data[0] = flag
		n := copy(data[1:], buf[offset:end])

		f := brutella.Frame{
			ID:     t.txCANID,
			Length: uint8(n + 1),
			Data:   data,
		}
		if err := t.bus.Publish(f); err != nil {
			return fmt.Errorf("canbus: publish segment %d: %w", seq, err)
		}
		if !more {
			break
		}
		offset = end
		seq++
	}
	return nil
}

// Handle implements brutella/can's frame-handler interface, reassembling
// segments per source CAN ID and queuing the completed openSAFETY frame.
func (t *Transport) Handle(f brutella.Frame) {
	if f.Length == 0 {
		return
	}
	flag := f.Data[0]
	seq := flag & seqMask
	more := flag&moreFlag != 0
	payload := f.Data[1:f.Length]

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.reassembly[f.ID]
	if !ok || seq == 0 {
		r = &reassembly{}
		t.reassembly[f.ID] = r
	}
	if seq != r.nextSeq {
		// Out-of-order or lost segment: drop the partial frame and
		// resync on the next seq==0 start.
		delete(t.reassembly, f.ID)
		return
	}
	r.buf = append(r.buf, payload...)
	r.nextSeq++

	if more {
		return
	}
	delete(t.reassembly, f.ID)

	class := classify(r.buf)
	t.inbound = append(t.inbound, completedFrame{data: r.buf, class: class})
}

func classify(data []byte) shnf.FrameClass {
	if len(data) < 4 {
		return shnf.ClassSNMT
	}
	idLo := data[1] >> 2
	idHi := (data[3] >> 2) & 0x3
	id := idLo | idHi<<6
	cls, err := frame.ClassOf(id)
	if err != nil {
		return shnf.ClassSNMT
	}
	switch cls {
	case frame.ClassSPDO:
		return shnf.ClassSPDO
	case frame.ClassSSDO, frame.ClassSlimSSDO:
		return shnf.ClassSSDO
	default:
		return shnf.ClassSNMT
	}
}

func (t *Transport) GetEplsFrame(instance int) ([]byte, shnf.FrameClass, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbound) == 0 {
		t.lastPopped = false
		return nil, 0, shnf.ErrNoFrame
	}
	f := t.inbound[0]
	t.inbound = t.inbound[1:]
	t.lastPopped = true
	return f.data, f.class, nil
}

func (t *Transport) ReleaseEplsFrame(instance int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastPopped {
		return fmt.Errorf("canbus: no frame to release")
	}
	t.lastPopped = false
	return nil
}
