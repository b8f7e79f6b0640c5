// Package snmtm implements the SNMT Master: a pool of per-SN request
// slots, each correlating one outstanding request to its eventual
// response by (SADR, registration number) instead of blocking on it.
//
// Grounded on samsamfire/gocanopen's pkg/sdo client request/response
// correlation (a client request awaits exactly one matching server
// reply before the next may start) and pkg/lss/master.go's registration
// of one outstanding LSS request at a time, generalized from LSS's
// single global blocking request (master.go's WaitForResponse reads a
// channel and blocks the calling goroutine) to many concurrent
// non-blocking per-node slots, since the single-threaded cooperative
// model (spec §5) forbids blocking anywhere in the stack (see the
// divergence note in the design ledger).
package snmtm

import (
	"log/slog"
)

// RequestType enumerates the SNMT Master requests the spec names.
type RequestType uint8

const (
	ReqUDID RequestType = iota
	ReqAssignSADR
	ReqAssignUDIDOfSCM
	ReqInitializeExtendedCT
	ReqAssignAdditionalSADR
	ReqGuarding
	ReqSetToPreOp
	ReqSetToOp // carries a parameter timestamp
	ReqSNAck
	ReqIdentity
)

// RegistrationNumber correlates a request to its response.
type RegistrationNumber uint16

// Slot is one outstanding request against one SN.
type Slot struct {
	SADR        uint16
	RegNo       RegistrationNumber
	Type        RequestType
	Param       uint32 // e.g. parameter timestamp for ReqSetToOp
	retries     uint8
	maxRetries  uint8
	outstanding bool
}

// ResetGuardEvent is raised when an unmatched SNMT_SN_status_PRE_OP
// response arrives — the spec requires surfacing it to the SCM as a
// "reset guard" signal.
type ResetGuardEvent struct {
	SADR uint16
}

// Master holds the request pool for one instance: one slot per node
// SADR, with no fixed upper bound on the number of nodes.
type Master struct {
	logger *slog.Logger
	slots  map[uint16]*Slot // keyed by SADR; one outstanding request per node
	nextRn RegistrationNumber
}

// New creates an empty request pool.
func New(logger *slog.Logger) *Master {
	if logger == nil {
		logger = slog.Default()
	}
	return &Master{
		logger: logger.With("component", "snmtm"),
		slots:  make(map[uint16]*Slot),
	}
}

// Request registers a new outstanding request for sadr, replacing any
// prior one for that node (spec §5: "a fresh request replaces any stale
// one for that node"). It returns the registration number the caller
// must embed in the emitted frame.
func (m *Master) Request(sadr uint16, reqType RequestType, param uint32, maxRetries uint8) RegistrationNumber {
	m.nextRn++
	rn := m.nextRn
	m.slots[sadr] = &Slot{
		SADR:        sadr,
		RegNo:       rn,
		Type:        reqType,
		Param:       param,
		maxRetries:  maxRetries,
		outstanding: true,
	}
	return rn
}

// Pending returns the outstanding slot for sadr, if any.
func (m *Master) Pending(sadr uint16) (*Slot, bool) {
	s, ok := m.slots[sadr]
	if !ok || !s.outstanding {
		return nil, false
	}
	return s, true
}

// MatchResponse resolves the outstanding request for (sadr, regNo),
// clearing it and returning true, or returns false if no such request
// is outstanding (a stale or unsolicited response).
func (m *Master) MatchResponse(sadr uint16, regNo RegistrationNumber) (*Slot, bool) {
	s, ok := m.slots[sadr]
	if !ok || !s.outstanding || s.RegNo != regNo {
		return nil, false
	}
	s.outstanding = false
	return s, true
}

// UnmatchedPreOpStatus handles an SNMT_SN_status_PRE_OP response that
// matched no outstanding request, surfacing it as a reset-guard event
// for the SCM per-node FSM to consume.
func (m *Master) UnmatchedPreOpStatus(sadr uint16) ResetGuardEvent {
	return ResetGuardEvent{SADR: sadr}
}

// Timeout marks the outstanding request for sadr as having exhausted
// one retry attempt; it returns true if retries remain (the caller
// should retransmit) and false once the retry budget is exhausted (the
// caller should report a failure upward and clear the slot).
func (m *Master) Timeout(sadr uint16) (retry bool) {
	s, ok := m.slots[sadr]
	if !ok || !s.outstanding {
		return false
	}
	if s.retries >= s.maxRetries {
		s.outstanding = false
		return false
	}
	s.retries++
	return true
}

// Cancel clears any outstanding request for sadr without reporting a
// response.
func (m *Master) Cancel(sadr uint16) {
	delete(m.slots, sadr)
}
