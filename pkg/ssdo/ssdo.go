// Package ssdo implements the SSDO server (SSDOS) and client (SSDOC):
// expedited and segmented object transfer over the black channel, plus
// the header-compressed "slim" SSDO variant.
//
// Grounded on samsamfire/gocanopen's pkg/sdo (SDOState machine, toggle
// bit discipline, abort-code vocabulary in common.go), generalized from
// CANopen SDO's blocking goroutine-and-channel Process loop
// (server.go's `for { select { case <-s.rx: ...; case <-time.After(...)
// } }`) to explicit non-blocking ProcessRequest (server) and Continue
// (client) calls, since the
// single-threaded cooperative model (spec §5) forbids blocking
// anywhere in the stack.
package ssdo

import (
	"encoding/binary"
	"log/slog"

	"github.com/hasiflo/gosafety/pkg/sod"
)

// TransferKind distinguishes an expedited (single-frame) transfer from
// a segmented (multi-frame, domain) one.
type TransferKind uint8

const (
	Expedited TransferKind = iota
	Segmented
)

// Command is the SSDO command byte's operation, mirroring SDO's
// initiate/segment/abort vocabulary.
type Command uint8

const (
	CmdDownloadInitiate Command = iota
	CmdDownloadSegment
	CmdUploadInitiate
	CmdUploadSegment
	CmdAbort
)

// AbortCode re-exports [sod.AbortCode] under the name SSDO's wire format
// actually carries it as (a 32-bit value on the wire, identical space).
type AbortCode = sod.AbortCode

// Request is a parsed incoming SSDO frame payload, already stripped of
// the SFS header (that's pkg/frame's job) and the slim-SSDO compression
// (handled transparently by [DecodeRequest]).
type Request struct {
	Command  Command
	Index    uint16
	Sub      uint8
	Toggle   uint8
	Slim     bool
	Data     []byte
	AbortVal AbortCode
}

// DecodeRequest parses payload, including the compact "slim" layout
// selected by slim (carried by the frame's class bit, ClassSlimSSDO).
func DecodeRequest(payload []byte, slim bool) (Request, bool) {
	if len(payload) < 1 {
		return Request{}, false
	}
	cmdByte := payload[0]
	req := Request{Slim: slim}

	switch cmdByte & 0xE0 {
	case 0x20:
		req.Command = CmdDownloadInitiate
	case 0x00:
		req.Command = CmdDownloadSegment
		req.Toggle = (cmdByte >> 4) & 0x1
	case 0x40:
		req.Command = CmdUploadInitiate
	case 0x60:
		req.Command = CmdUploadSegment
		req.Toggle = (cmdByte >> 4) & 0x1
	case 0x80:
		req.Command = CmdAbort
	default:
		return Request{}, false
	}

	if req.Command == CmdAbort {
		if len(payload) < 5 {
			return Request{}, false
		}
		req.AbortVal = AbortCode(binary.LittleEndian.Uint32(payload[1:5]))
		return req, true
	}

	if req.Command == CmdDownloadInitiate || req.Command == CmdUploadInitiate {
		if len(payload) < 3 {
			return Request{}, false
		}
		req.Index = binary.LittleEndian.Uint16(payload[1:3])
		if slim {
			// slim layout drops the Sub byte entirely: [cmd][indexLo][indexHi][data...]
			req.Sub = 0
			if len(payload) > 3 {
				req.Data = payload[3:]
			}
			return req, true
		}
		if len(payload) >= 4 {
			req.Sub = payload[3]
		}
		if len(payload) > 4 {
			req.Data = payload[4:]
		}
		return req, true
	}

	// segment frames: command byte + payload bytes, no index/sub
	req.Data = payload[1:]
	return req, true
}

// serverState is the per-transfer state, mirroring SDO's idle/
// initiate/segment states but without a timeout goroutine; the server
// keeps no transfer timeout of its own.
type serverState uint8

const (
	srvIdle serverState = iota
	srvDownloadSegmented
	srvUploadSegmented
)

// Server is the SSDOS state machine for one instance. It serves all
// nodes sequentially (spec: one outstanding transfer per peer request),
// tracked per requesting SADR.
type Server struct {
	logger *slog.Logger
	dict   *sod.Dictionary

	transfers map[uint16]*transfer
}

type transfer struct {
	state    serverState
	handle   *sod.Handle
	toggle   uint8
	offset   uint32
	total    uint32
	overflow bool
}

// NewServer creates an SSDOS bound to dict.
func NewServer(logger *slog.Logger, dict *sod.Dictionary) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:    logger.With("component", "ssdo-server"),
		dict:      dict,
		transfers: make(map[uint16]*transfer),
	}
}

// Response is what the server decided to send back; Abort is set (with
// AbortVal non-zero) when the request must be rejected.
type Response struct {
	Command  Command
	Index    uint16
	Sub      uint8
	Toggle   uint8
	Slim     bool
	Data     []byte
	Abort    bool
	AbortVal AbortCode
}

func abortResponse(code AbortCode) Response {
	return Response{Command: CmdAbort, Abort: true, AbortVal: code}
}

// ProcessRequest handles one incoming request from peer sadr. Remote
// requests always pass overwrite=false to the SOD, per spec §4.2/§5.
func (s *Server) ProcessRequest(sadr uint16, req Request) Response {
	switch req.Command {
	case CmdDownloadInitiate:
		return s.downloadInitiate(sadr, req)
	case CmdDownloadSegment:
		return s.downloadSegment(sadr, req)
	case CmdUploadInitiate:
		return s.uploadInitiate(sadr, req)
	case CmdUploadSegment:
		return s.uploadSegment(sadr, req)
	case CmdAbort:
		delete(s.transfers, sadr)
		return Response{}
	}
	return abortResponse(sod.AbortGeneral)
}

func (s *Server) downloadInitiate(sadr uint16, req Request) Response {
	h, err := s.dict.AttrGet(req.Index, req.Sub)
	if err != nil {
		return abortResponse(abortCodeOf(err))
	}

	if !h.Entry().IsDomain() {
		if err := h.Write(req.Data, false, 0, uint32(len(req.Data))); err != nil {
			return abortResponse(abortCodeOf(err))
		}
		return Response{Command: CmdDownloadInitiate, Index: req.Index, Sub: req.Sub, Slim: req.Slim}
	}

	s.transfers[sadr] = &transfer{state: srvDownloadSegmented, handle: h, toggle: 0}
	if len(req.Data) > 0 {
		if err := h.Write(req.Data, false, 0, uint32(len(req.Data))); err != nil {
			return abortResponse(abortCodeOf(err))
		}
		s.transfers[sadr].offset = uint32(len(req.Data))
	}
	return Response{Command: CmdDownloadInitiate, Index: req.Index, Sub: req.Sub, Slim: req.Slim}
}

func (s *Server) downloadSegment(sadr uint16, req Request) Response {
	t, ok := s.transfers[sadr]
	if !ok || t.state != srvDownloadSegmented {
		return abortResponse(sod.AbortGeneral)
	}
	if req.Toggle != t.toggle {
		delete(s.transfers, sadr)
		return abortResponse(sod.AbortGeneral)
	}
	if err := t.handle.Write(req.Data, false, t.offset, uint32(len(req.Data))); err != nil {
		delete(s.transfers, sadr)
		return abortResponse(abortCodeOf(err))
	}
	t.offset += uint32(len(req.Data))
	t.toggle ^= 1
	return Response{Command: CmdDownloadSegment, Toggle: t.toggle ^ 1}
}

func (s *Server) uploadInitiate(sadr uint16, req Request) Response {
	h, err := s.dict.AttrGet(req.Index, req.Sub)
	if err != nil {
		return abortResponse(abortCodeOf(err))
	}
	total := h.Entry().ActualLen()
	if !h.Entry().IsDomain() || total <= maxExpeditedPayload {
		data, err := h.Read(0, total)
		if err != nil {
			return abortResponse(abortCodeOf(err))
		}
		return Response{Command: CmdUploadInitiate, Index: req.Index, Sub: req.Sub, Slim: req.Slim, Data: data}
	}

	first, err := h.Read(0, maxExpeditedPayload)
	if err != nil {
		return abortResponse(abortCodeOf(err))
	}
	s.transfers[sadr] = &transfer{state: srvUploadSegmented, handle: h, toggle: 0, offset: uint32(len(first)), total: total}
	return Response{Command: CmdUploadInitiate, Index: req.Index, Sub: req.Sub, Slim: req.Slim, Data: first}
}

func (s *Server) uploadSegment(sadr uint16, req Request) Response {
	t, ok := s.transfers[sadr]
	if !ok || t.state != srvUploadSegmented {
		return abortResponse(sod.AbortGeneral)
	}
	if req.Toggle != t.toggle {
		delete(s.transfers, sadr)
		return abortResponse(sod.AbortGeneral)
	}
	remaining := t.total - t.offset
	n := remaining
	if n > maxExpeditedPayload {
		n = maxExpeditedPayload
	}
	data, err := t.handle.Read(t.offset, n)
	if err != nil {
		delete(s.transfers, sadr)
		return abortResponse(abortCodeOf(err))
	}
	t.offset += n
	t.toggle ^= 1
	if t.offset >= t.total {
		delete(s.transfers, sadr)
	}
	return Response{Command: CmdUploadSegment, Toggle: t.toggle ^ 1, Data: data}
}

// maxExpeditedPayload is the largest number of bytes a single SSDO
// frame carries as data; with the 4-byte command/index/sub header an
// initiate frame stays within the largest LE [pkg/frame] supports (254).
const maxExpeditedPayload = 247

func abortCodeOf(err error) AbortCode {
	if e, ok := err.(*sod.Error); ok {
		return e.Code
	}
	return sod.AbortGeneral
}

// EncodeResponse serializes resp into the wire bytes SFS should carry as
// an SSDO response frame's payload, using the same command-byte layout
// DecodeRequest parses.
func EncodeResponse(resp Response) []byte {
	if resp.Abort {
		buf := make([]byte, 5)
		buf[0] = 0x80
		binary.LittleEndian.PutUint32(buf[1:5], uint32(resp.AbortVal))
		return buf
	}
	switch resp.Command {
	case CmdDownloadInitiate:
		if resp.Slim {
			buf := make([]byte, 3)
			buf[0] = 0x20
			binary.LittleEndian.PutUint16(buf[1:3], resp.Index)
			return buf
		}
		buf := make([]byte, 4)
		buf[0] = 0x20
		binary.LittleEndian.PutUint16(buf[1:3], resp.Index)
		buf[3] = resp.Sub
		return buf
	case CmdDownloadSegment:
		return []byte{resp.Toggle << 4}
	case CmdUploadInitiate:
		if resp.Slim {
			buf := make([]byte, 3+len(resp.Data))
			buf[0] = 0x40
			binary.LittleEndian.PutUint16(buf[1:3], resp.Index)
			copy(buf[3:], resp.Data)
			return buf
		}
		buf := make([]byte, 4+len(resp.Data))
		buf[0] = 0x40
		binary.LittleEndian.PutUint16(buf[1:3], resp.Index)
		buf[3] = resp.Sub
		copy(buf[4:], resp.Data)
		return buf
	case CmdUploadSegment:
		buf := make([]byte, 1+len(resp.Data))
		buf[0] = 0x60 | resp.Toggle<<4
		copy(buf[1:], resp.Data)
		return buf
	}
	return nil
}

// DecodeResponse parses a received SSDO response frame's payload,
// reusing DecodeRequest's command-byte layout since both directions
// share it. slim must match the class the frame was carried on
// (ClassSlimSSDO vs ClassSSDO), same as DecodeRequest.
func DecodeResponse(payload []byte, slim bool) (Response, bool) {
	req, ok := DecodeRequest(payload, slim)
	if !ok {
		return Response{}, false
	}
	return Response{
		Command:  req.Command,
		Index:    req.Index,
		Sub:      req.Sub,
		Toggle:   req.Toggle,
		Slim:     req.Slim,
		Data:     req.Data,
		Abort:    req.Command == CmdAbort,
		AbortVal: req.AbortVal,
	}, true
}
