// Package ssc implements the top-level stack dispatcher: it classifies
// every received frame by (id class, direction) and routes it to
// SNMTS/SSDOS on the serving side or SNMTM/SCM/SSDOC on the configuring
// side, then serializes whatever response the target FSM produced.
//
// Grounded on samsamfire/gocanopen's BusManager (bus_manager.go's
// Subscribe/Handle dispatch-by-id table) and pkg/network/network.go's
// role of wiring NMT/SDO/PDO services to a shared bus, generalized from
// CAN-ID-indexed subscriber lists to openSAFETY's class+direction
// classification since there is no broadcast subscription model here:
// one dispatcher instance serves (and optionally configures) a single
// safety domain participant.
package ssc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hasiflo/gosafety/pkg/frame"
	"github.com/hasiflo/gosafety/pkg/scm"
	"github.com/hasiflo/gosafety/pkg/serr"
	"github.com/hasiflo/gosafety/pkg/snmtm"
	"github.com/hasiflo/gosafety/pkg/snmts"
	"github.com/hasiflo/gosafety/pkg/ssdo"
)

// ErrNotSCMCapable is returned by any SCM-only operation on a Dispatcher
// that was never given a [snmtm.Master]/[ssdo.Client] pair.
var ErrNotSCMCapable = errors.New("ssc: dispatcher is not SCM-capable")

// Identity is the vendor/product/revision triple exchanged during node
// configuration, backing the SOD's 0x1018 record.
type Identity struct {
	VendorID       uint32
	ProductCode    uint32
	RevisionNumber uint32
}

// wire command bytes for the SNMT request/response exchange this
// package defines between an SCM and an SN.
const (
	cmdUDIDRequest     byte = 0x01
	cmdAssignSADR      byte = 0x02
	cmdAssignUDIDSCM   byte = 0x03
	cmdSetToPreOp      byte = 0x04
	cmdSetToOp         byte = 0x05
	cmdGuarding        byte = 0x06
	cmdSNAck           byte = 0x07
	cmdIdentityRequest byte = 0x08

	respBusy            byte = 0x80
	respUDID            byte = 0x81
	respSADRAssigned    byte = 0x82
	respUDIDSCMAssigned byte = 0x83
	respPreOp           byte = 0x84
	respOp              byte = 0x85
	respSNFail          byte = 0x86
	respIdentity        byte = 0x87
)

// Dispatcher is one stack instance's frame router, serving its own
// SNMTS/SSDOS and, when configured via EnableSCM, also driving SNMTM/
// SCM/SSDOC for a set of peer nodes.
type Dispatcher struct {
	logger *slog.Logger

	ownSADR    uint16
	sdn        uint16
	extendedCT bool
	maxRetries uint8

	localUDID [6]byte
	identity  Identity

	snmts *snmts.Slave
	ssdos *ssdo.Server
	serr  *serr.Reporter

	snmtm *snmtm.Master
	ssdoc *ssdo.Client
	nodes map[uint16]*scm.Node

	ssdoComplete func(peer uint16, data []byte, err error)
}

// New creates a Dispatcher serving ownSADR on domain sdn. It is not
// SCM-capable until EnableSCM is called.
func New(logger *slog.Logger, ownSADR, sdn uint16, extendedCT bool, localUDID [6]byte, identity Identity, slave *snmts.Slave, server *ssdo.Server, reporter *serr.Reporter) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:     logger.With("component", "ssc", "sadr", ownSADR),
		ownSADR:    ownSADR,
		sdn:        sdn,
		extendedCT: extendedCT,
		localUDID:  localUDID,
		identity:   identity,
		snmts:      slave,
		ssdos:      server,
		serr:       reporter,
		nodes:      make(map[uint16]*scm.Node),
	}
}

// EnableSCM equips the dispatcher with a request pool and SSDO client so
// it can configure peer nodes, with maxRetries applied to every request
// this dispatcher originates.
func (d *Dispatcher) EnableSCM(master *snmtm.Master, client *ssdo.Client, maxRetries uint8) {
	d.snmtm = master
	d.ssdoc = client
	d.maxRetries = maxRetries
}

// RegisterNode associates a peer SADR with the [scm.Node] FSM
// configuring it, so incoming SNMT responses from that SADR can be
// routed to it.
func (d *Dispatcher) RegisterNode(sadr uint16, node *scm.Node) {
	d.nodes[sadr] = node
}

// OnSSDOTransferComplete installs the callback invoked when an
// SSDOC-driven transfer this dispatcher started finishes, successfully
// or with an abort.
func (d *Dispatcher) OnSSDOTransferComplete(fn func(peer uint16, data []byte, err error)) {
	d.ssdoComplete = fn
}

// ProcessFrame decodes one received black-channel frame, routes it to
// the appropriate service, and returns the response frame to send (nil
// if none is due). SPDO frames are never routed here; the application
// calls the SPDO engine directly with the raw frame.
func (d *Dispatcher) ProcessFrame(ct uint32, raw []byte) ([]byte, error) {
	hdr, payload, err := frame.Deserialize(raw, d.extendedCT)
	if err != nil {
		d.serr.Minor(serr.UnitSFS, serr.LocalCRCMismatch, 0)
		return nil, nil
	}
	class, err := frame.ClassOf(hdr.ID)
	if err != nil {
		d.serr.Minor(serr.UnitSSC, serr.LocalUnknownState, uint32(hdr.ID))
		return nil, nil
	}
	dir := frame.DirectionOf(hdr.ID)

	switch class {
	case frame.ClassSNMT:
		if dir == frame.DirRequest {
			resp := d.handleSNMTRequest(ct, payload)
			if resp == nil {
				return nil, nil
			}
			return d.buildFrame(frame.ClassSNMT, frame.DirResponse, hdr.ADDR, ct, resp)
		}
		if d.snmtm == nil {
			d.serr.Minor(serr.UnitSNMTM, serr.LocalUnexpectedFSMEvent, 0)
			return nil, nil
		}
		d.handleSNMTResponse(hdr.ADDR, payload)
		return nil, nil

	case frame.ClassSSDO, frame.ClassSlimSSDO:
		slim := class == frame.ClassSlimSSDO
		if dir == frame.DirRequest {
			req, ok := ssdo.DecodeRequest(payload, slim)
			if !ok {
				d.serr.Minor(serr.UnitSSDOS, serr.LocalFrameLength, 0)
				return nil, nil
			}
			resp := d.ssdos.ProcessRequest(hdr.ADDR, req)
			return d.buildFrame(class, frame.DirResponse, hdr.ADDR, ct, ssdo.EncodeResponse(resp))
		}
		if d.ssdoc == nil {
			d.serr.Minor(serr.UnitSSDOC, serr.LocalUnexpectedFSMEvent, 0)
			return nil, nil
		}
		resp, ok := ssdo.DecodeResponse(payload, slim)
		if !ok {
			d.serr.Minor(serr.UnitSSDOC, serr.LocalFrameLength, 0)
			return nil, nil
		}
		return d.handleSSDOResponse(hdr.ADDR, ct, resp)

	case frame.ClassSPDO:
		return nil, nil
	}
	return nil, nil
}

func (d *Dispatcher) buildFrame(class frame.Class, dir frame.Direction, peerADDR uint16, ct uint32, payload []byte) ([]byte, error) {
	h := frame.Header{
		ADDR:       d.ownSADR,
		ID:         uint8(class) | uint8(dir),
		SDN:        d.sdn,
		LE:         uint8(len(payload)),
		CTLo:       uint8(ct),
		CTHi:       uint8(ct >> 8),
		TADR:       peerADDR,
		ExtendedCT: d.extendedCT,
	}
	return frame.Serialize(h, payload)
}

func encodeSimpleResp(code byte, regNo uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = code
	binary.LittleEndian.PutUint16(buf[1:3], regNo)
	return buf
}

func (d *Dispatcher) encodeSNMTSResponse(regNo uint16, resp snmts.Response) []byte {
	switch resp.Kind {
	case snmts.RespSADRAssigned:
		return encodeSimpleResp(respSADRAssigned, regNo)
	case snmts.RespUDIDSCMAssigned:
		return encodeSimpleResp(respUDIDSCMAssigned, regNo)
	case snmts.RespPreOp:
		return encodeSimpleResp(respPreOp, regNo)
	case snmts.RespOp:
		return encodeSimpleResp(respOp, regNo)
	case snmts.RespSNFail:
		buf := make([]byte, 5)
		buf[0] = respSNFail
		binary.LittleEndian.PutUint16(buf[1:3], regNo)
		buf[3] = uint8(resp.FailGroup)
		buf[4] = resp.FailCode
		return buf
	default:
		return encodeSimpleResp(respBusy, regNo)
	}
}

// handleSNMTRequest decodes a [cmd(1)][regNo(2)][...] SNMT request
// payload, drives the local SNMTS accordingly, and encodes its reply.
func (d *Dispatcher) handleSNMTRequest(ct uint32, payload []byte) []byte {
	if len(payload) < 3 {
		d.serr.Minor(serr.UnitSNMTS, serr.LocalFrameLength, 0)
		return nil
	}
	cmd := payload[0]
	regNo := binary.LittleEndian.Uint16(payload[1:3])
	rest := payload[3:]

	switch cmd {
	case cmdUDIDRequest:
		buf := make([]byte, 9)
		buf[0] = respUDID
		binary.LittleEndian.PutUint16(buf[1:3], regNo)
		copy(buf[3:9], d.localUDID[:])
		return buf
	case cmdAssignSADR:
		if len(rest) < 2 {
			return nil
		}
		sadr := binary.LittleEndian.Uint16(rest[0:2])
		return d.encodeSNMTSResponse(regNo, d.snmts.AssignSADR(sadr))
	case cmdAssignUDIDSCM:
		if len(rest) < 6 {
			return nil
		}
		var udid [6]byte
		copy(udid[:], rest[:6])
		return d.encodeSNMTSResponse(regNo, d.snmts.AssignUDIDOfSCM(udid))
	case cmdSetToPreOp:
		return d.encodeSNMTSResponse(regNo, d.snmts.HandleEvent(ct, snmts.EventSetToPreOp))
	case cmdSetToOp:
		return d.encodeSNMTSResponse(regNo, d.snmts.HandleEvent(ct, snmts.EventSetToOp))
	case cmdGuarding:
		return d.encodeSNMTSResponse(regNo, d.snmts.HandleEvent(ct, snmts.EventGuardRequest))
	case cmdSNAck:
		if len(rest) < 2 {
			return nil
		}
		if matched := d.snmts.SNAck(snmts.FailGroup(rest[0]), rest[1]); !matched {
			d.serr.Minor(serr.UnitSNMTS, serr.LocalSNAck1, uint32(rest[0])<<8|uint32(rest[1]))
		}
		return encodeSimpleResp(respBusy, regNo)
	case cmdIdentityRequest:
		buf := make([]byte, 15)
		buf[0] = respIdentity
		binary.LittleEndian.PutUint16(buf[1:3], regNo)
		binary.LittleEndian.PutUint32(buf[3:7], d.identity.VendorID)
		binary.LittleEndian.PutUint32(buf[7:11], d.identity.ProductCode)
		binary.LittleEndian.PutUint32(buf[11:15], d.identity.RevisionNumber)
		return buf
	}
	d.serr.Minor(serr.UnitSSC, serr.LocalUnknownState, uint32(cmd))
	return nil
}

// handleSNMTResponse routes an incoming SNMT response to the [scm.Node]
// configuring its source SADR, matching the request by registration
// number via the shared [snmtm.Master].
func (d *Dispatcher) handleSNMTResponse(sadr uint16, payload []byte) {
	if len(payload) < 3 {
		d.serr.Minor(serr.UnitSNMTM, serr.LocalFrameLength, 0)
		return
	}
	cmd := payload[0]
	regNo := snmtm.RegistrationNumber(binary.LittleEndian.Uint16(payload[1:3]))
	rest := payload[3:]
	node := d.nodes[sadr]

	switch cmd {
	case respUDID:
		if len(rest) < 6 || node == nil {
			return
		}
		var udid [6]byte
		copy(udid[:], rest[:6])
		node.UDIDReceived(regNo, udid, d.maxRetries)
	case respSADRAssigned:
		if node != nil {
			node.SADRAssigned(regNo, d.maxRetries)
		}
	case respUDIDSCMAssigned:
		if node != nil {
			node.UDIDSCMAssigned(regNo, d.maxRetries)
		}
	case respIdentity:
		if len(rest) < 12 || node == nil {
			return
		}
		node.IdentityReceived(
			binary.LittleEndian.Uint32(rest[0:4]),
			binary.LittleEndian.Uint32(rest[4:8]),
			binary.LittleEndian.Uint32(rest[8:12]),
		)
	case respOp:
		if node != nil {
			node.OperationalConfirmed(regNo)
		}
	case respSNFail:
		if len(rest) < 2 || node == nil {
			return
		}
		node.SNFail(rest[0], rest[1])
	case respPreOp:
		d.snmtm.UnmatchedPreOpStatus(sadr)
		if node != nil {
			node.ResetGuard(d.maxRetries)
		}
	case respBusy:
		// caller resumes via RetrySNMTRequest
	default:
		d.serr.Minor(serr.UnitSSC, serr.LocalUnknownState, uint32(cmd))
	}
}

// encodeSNMTRequest builds the wire payload for an outgoing SNMT
// request. AssignUDIDOfSCM always carries this dispatcher's own UDID,
// since the SCM assigns its own identity to every node it configures.
func (d *Dispatcher) encodeSNMTRequest(reqType snmtm.RequestType, regNo snmtm.RegistrationNumber, param uint32) []byte {
	head := make([]byte, 3)
	binary.LittleEndian.PutUint16(head[1:3], uint16(regNo))

	switch reqType {
	case snmtm.ReqUDID:
		head[0] = cmdUDIDRequest
		return head
	case snmtm.ReqAssignSADR:
		head[0] = cmdAssignSADR
		buf := make([]byte, 2)
		binary.LittleEndian.PutUint16(buf, uint16(param))
		return append(head, buf...)
	case snmtm.ReqAssignUDIDOfSCM:
		head[0] = cmdAssignUDIDSCM
		return append(head, d.localUDID[:]...)
	case snmtm.ReqSetToPreOp:
		head[0] = cmdSetToPreOp
		return head
	case snmtm.ReqSetToOp:
		head[0] = cmdSetToOp
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, param)
		return append(head, buf...)
	case snmtm.ReqGuarding:
		head[0] = cmdGuarding
		return head
	case snmtm.ReqSNAck:
		head[0] = cmdSNAck
		return append(head, byte(param), byte(param>>8))
	case snmtm.ReqIdentity:
		head[0] = cmdIdentityRequest
		return head
	}
	return nil
}

// BeginSNMTRequest asks the SNMT Master to track a new request toward
// sadr and returns the frame to send.
func (d *Dispatcher) BeginSNMTRequest(ct uint32, sadr uint16, reqType snmtm.RequestType, param uint32) ([]byte, error) {
	if d.snmtm == nil {
		return nil, ErrNotSCMCapable
	}
	regNo := d.snmtm.Request(sadr, reqType, param, d.maxRetries)
	payload := d.encodeSNMTRequest(reqType, regNo, param)
	return d.buildFrame(frame.ClassSNMT, frame.DirRequest, sadr, ct, payload)
}

// RetrySNMTRequest resends sadr's outstanding SNMT request, consuming
// one retry. It returns (nil, nil) once the retry budget is exhausted.
func (d *Dispatcher) RetrySNMTRequest(ct uint32, sadr uint16) ([]byte, error) {
	if d.snmtm == nil {
		return nil, ErrNotSCMCapable
	}
	if !d.snmtm.Timeout(sadr) {
		return nil, nil
	}
	slot, ok := d.snmtm.Pending(sadr)
	if !ok {
		return nil, nil
	}
	payload := d.encodeSNMTRequest(slot.Type, slot.RegNo, slot.Param)
	return d.buildFrame(frame.ClassSNMT, frame.DirRequest, sadr, ct, payload)
}

// BeginSSDODownload starts an SSDOC download of data to (index, sub) on
// peer and returns the first request frame.
func (d *Dispatcher) BeginSSDODownload(ct uint32, peer, index uint16, sub uint8, data []byte) ([]byte, error) {
	if d.ssdoc == nil {
		return nil, ErrNotSCMCapable
	}
	payload := d.ssdoc.BeginDownload(peer, index, sub, data)
	return d.buildFrame(frame.ClassSSDO, frame.DirRequest, peer, ct, payload)
}

// BeginSSDOUpload starts an SSDOC read of (index, sub) on peer and
// returns the request frame.
func (d *Dispatcher) BeginSSDOUpload(ct uint32, peer, index uint16, sub uint8) ([]byte, error) {
	if d.ssdoc == nil {
		return nil, ErrNotSCMCapable
	}
	payload := d.ssdoc.BeginUpload(peer, index, sub)
	return d.buildFrame(frame.ClassSSDO, frame.DirRequest, peer, ct, payload)
}

func (d *Dispatcher) handleSSDOResponse(peer uint16, ct uint32, resp ssdo.Response) ([]byte, error) {
	next, done, data := d.ssdoc.Continue(resp)
	if done {
		if d.ssdoComplete != nil {
			var err error
			if resp.Abort {
				err = fmt.Errorf("ssdo: peer aborted with code 0x%08x", uint32(resp.AbortVal))
			}
			d.ssdoComplete(peer, data, err)
		}
		return nil, nil
	}
	if next == nil {
		return nil, nil
	}
	return d.buildFrame(frame.ClassSSDO, frame.DirRequest, peer, ct, next)
}
