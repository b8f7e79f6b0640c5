// Package snmts implements the SNMT Slave: the per-SN lifecycle state
// machine driven by received SNMT service requests, node-guarding and
// refresh timers, and application callbacks.
//
// Grounded on samsamfire/gocanopen's pkg/nmt.NMT (slave-side state
// tracking, command dispatch, callback-driven transitions), generalized
// from CANopen's flat {INIT, PRE-OP, OP, STOPPED} state set to
// openSAFETY's internal 12-state SADR/UDID/parameter-handshake FSM, and
// from NMT's wall-clock-free command dispatch (it never reads time
// itself either) to CT-driven guard/refresh timers instead of NMT's
// heartbeat producer, since the stack may not read wall-clock time
// (see the divergence note in the design ledger).
package snmts

import (
	"log/slog"
)

// State is the visible SN state (spec §3).
type State uint8

const (
	StateInit State = iota
	StatePreOperational
	StateOperational
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePreOperational:
		return "PRE_OPERATIONAL"
	case StateOperational:
		return "OPERATIONAL"
	default:
		return "UNKNOWN"
	}
}

// internalState is the fine-grained FSM state (spec §4.5).
type internalState uint8

const (
	fsmInitialization internalState = iota
	fsmWaitSADRStep1
	fsmWaitSADRStep2
	fsmWaitUDIDSCMAssign
	fsmWaitSetToOp1Step1
	fsmWaitSetToOp1Step2
	fsmWaitAPIChecksum
	fsmWaitSetToOp2
	fsmWaitAPIConf
	fsmWaitSetToOp3
	fsmOperationalStep1
	fsmOperationalStep2
)

// Event is a request or internal trigger the FSM consumes.
type Event uint8

const (
	EventSADRAssign Event = iota
	EventAdditionalSADRAssign
	EventUDIDSCMAssign
	EventSetToPreOp
	EventSetToOp
	EventGuardRequest
	EventSNAck
	EventTimerCheck
	EventAppChecksumAvailable
	EventAppOpConfirmationAvailable
	EventAppForcePreOp
	EventExtendedCTInit
)

// ResponseKind is what SNMTS decided to emit (if anything) in reaction
// to an Event; the caller (pkg/ssc) turns a non-empty Response into a
// wire frame.
type ResponseKind uint8

const (
	RespNone ResponseKind = iota
	RespBusy
	RespSADRAssigned
	RespUDIDSCMAssigned
	RespPreOp
	RespOp
	RespSNFail
)

// FailGroup/FailCode are the group and code values SNMTS itself carries
// in an SN_FAIL response. They are their own numbering, not the local
// codes of pkg/serr.
type FailGroup uint8

const (
	FailGroupGeneric FailGroup = iota
	FailGroupSTK               // stack-internal protocol violation
)

const (
	FailCodeUnexpectedFSMEvent uint8 = 0x01
	FailCodeCRCChecksum        uint8 = 0x02
)

// Response describes the outcome of [Slave.HandleEvent].
type Response struct {
	Kind      ResponseKind
	FailGroup FailGroup
	FailCode  uint8
}

// Callbacks groups the application hooks SNMTS invokes (spec §6.4),
// named for what they do rather than their C macro names. None may call
// back into the stack except via the documented re-entry points
// ([Slave.PassParamChecksumValid], [Slave.EnterOpState]).
type Callbacks struct {
	// CalcParamChecksum is invoked once parameters are ready to be
	// verified; the application computes its own checksum/timestamp
	// over the SOD and later reports it via PassParamChecksumValid.
	CalcParamChecksum func(sn *Slave)

	// SwitchToOpRequested is invoked once the CRC/timestamp comparison
	// passed; the application must confirm or reject entry to
	// OPERATIONAL via EnterOpState.
	SwitchToOpRequested func(sn *Slave)

	// ErrorAck is invoked when a matching SN_ACK resolves the last
	// emitted SN_FAIL.
	ErrorAck func(sn *Slave, group FailGroup, code uint8)

	// ParameterSetProcessed is invoked when the life-guarding timer
	// expires and the slave falls back to PRE_OPERATIONAL. It is not
	// invoked when a parameter set is downloaded, and the slave does not
	// ask the application about the parameter set before SN_SET_TO_OP.
	ParameterSetProcessed func(sn *Slave)
}

// Slave is one instance of the SNMT Slave FSM.
type Slave struct {
	logger *slog.Logger
	cb     Callbacks

	state   internalState
	visible State

	mainSADR  uint16
	udidOfSCM [6]byte

	lastFailGroup FailGroup
	lastFailCode  uint8
	hasLastFail   bool

	paramChecksumValid   bool
	appOpConfirmed       bool
	paramChecksumPending bool
	appOpConfPending     bool

	guard   guardTimer
	refresh refreshTimer
}

type guardTimer struct {
	running     bool
	guardTimeCT uint32
	lifeFactor  uint8
	remaining   uint8
	deadline    uint32
}

type refreshTimer struct {
	running    bool
	intervalCT uint32
	deadline   uint32
	maxRetries uint8 // 0xFF = unlimited
	retries    uint8
}

// New creates a Slave in its initial INITIALIZATION state.
func New(logger *slog.Logger, cb Callbacks) *Slave {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slave{
		logger: logger.With("component", "snmts"),
		cb:     cb,
		state:  fsmInitialization,
	}
}

// State returns the current visible SN state.
func (s *Slave) State() State { return s.visible }

// PerformTransPreOp is the application's explicit kick to leave
// INITIALIZATION and begin the SADR-assignment handshake (spec §4.5).
func (s *Slave) PerformTransPreOp(ct uint32, guardTimeCT uint32, lifeTimeFactor uint8, refreshIntervalCT uint32, maxRefreshRetries uint8) {
	s.state = fsmWaitSADRStep1
	s.visible = StatePreOperational
	s.guard.guardTimeCT = guardTimeCT
	s.guard.lifeFactor = lifeTimeFactor
	s.refresh = refreshTimer{
		running:    true,
		intervalCT: refreshIntervalCT,
		deadline:   ct + refreshIntervalCT,
		maxRetries: maxRefreshRetries,
	}
}

func (s *Slave) unexpectedEvent() Response {
	s.lastFailGroup = FailGroupSTK
	s.lastFailCode = FailCodeUnexpectedFSMEvent
	s.hasLastFail = true
	s.state = fsmWaitSADRStep1
	return Response{Kind: RespSNFail, FailGroup: FailGroupSTK, FailCode: FailCodeUnexpectedFSMEvent}
}

// AssignSADR carries the two-step SADR-assignment handshake (spec:
// "2-step response, split for timing"). The first call in
// fsmWaitSADRStep1 only advances the internal step; the second, in
// fsmWaitSADRStep2, persists sadr and reports it assigned.
func (s *Slave) AssignSADR(sadr uint16) Response {
	switch s.state {
	case fsmWaitSADRStep1:
		s.state = fsmWaitSADRStep2
		return Response{Kind: RespBusy}
	case fsmWaitSADRStep2:
		s.mainSADR = sadr
		s.state = fsmWaitUDIDSCMAssign
		return Response{Kind: RespSADRAssigned}
	}
	return s.unexpectedEvent()
}

// AssignUDIDOfSCM persists the UDID of the commissioning SCM.
func (s *Slave) AssignUDIDOfSCM(udid [6]byte) Response {
	if s.state != fsmWaitUDIDSCMAssign {
		return s.unexpectedEvent()
	}
	s.udidOfSCM = udid
	s.state = fsmWaitSetToOp1Step1
	return Response{Kind: RespUDIDSCMAssigned}
}

// MainSADR returns the SADR persisted by [Slave.AssignSADR].
func (s *Slave) MainSADR() uint16 { return s.mainSADR }

// UDIDOfSCM returns the UDID persisted by [Slave.AssignUDIDOfSCM].
func (s *Slave) UDIDOfSCM() [6]byte { return s.udidOfSCM }

// HandleEvent advances the FSM in response to ev at time ct, returning
// what the caller should respond with (if anything). SADR and UDID
// assignment, which carry a payload, go through [Slave.AssignSADR] and
// [Slave.AssignUDIDOfSCM] instead.
func (s *Slave) HandleEvent(ct uint32, ev Event) Response {
	switch s.state {
	case fsmWaitSetToOp1Step1:
		if ev == EventSetToOp {
			if s.cb.CalcParamChecksum != nil {
				s.cb.CalcParamChecksum(s)
			}
			s.paramChecksumPending = true
			s.state = fsmWaitAPIChecksum
			return Response{Kind: RespBusy}
		}
	case fsmWaitAPIChecksum:
		if ev == EventAppChecksumAvailable {
			s.paramChecksumPending = false
			s.state = fsmWaitSetToOp2
			return Response{Kind: RespBusy}
		}
	case fsmWaitSetToOp2:
		if ev == EventSetToOp {
			if s.paramChecksumValid {
				if s.cb.SwitchToOpRequested != nil {
					s.cb.SwitchToOpRequested(s)
				}
				s.appOpConfPending = true
				s.state = fsmWaitAPIConf
				return Response{Kind: RespBusy}
			}
			s.lastFailGroup = FailGroupSTK
			s.lastFailCode = FailCodeCRCChecksum
			s.hasLastFail = true
			s.state = fsmWaitSetToOp1Step1
			return Response{Kind: RespSNFail, FailGroup: FailGroupSTK, FailCode: FailCodeCRCChecksum}
		}
	case fsmWaitAPIConf:
		if ev == EventAppOpConfirmationAvailable {
			s.appOpConfPending = false
			s.state = fsmWaitSetToOp3
			return Response{Kind: RespBusy}
		}
	case fsmWaitSetToOp3:
		if ev == EventSetToOp {
			if s.appOpConfirmed {
				s.guard.running = true
				s.guard.remaining = s.guard.lifeFactor
				s.guard.deadline = ct + s.guard.guardTimeCT
				s.visible = StateOperational
				s.state = fsmOperationalStep1
				return Response{Kind: RespOp}
			}
			s.lastFailGroup = FailGroupSTK
			s.lastFailCode = FailCodeUnexpectedFSMEvent
			s.hasLastFail = true
			s.state = fsmWaitSetToOp1Step1
			return Response{Kind: RespSNFail, FailGroup: FailGroupSTK, FailCode: FailCodeUnexpectedFSMEvent}
		}
	case fsmOperationalStep1:
		switch ev {
		case EventGuardRequest:
			s.guard.remaining = s.guard.lifeFactor
			s.guard.deadline = ct + s.guard.guardTimeCT
			return Response{Kind: RespOp}
		case EventSetToPreOp:
			s.guard.running = false
			s.visible = StatePreOperational
			s.state = fsmWaitSetToOp1Step1
			return Response{Kind: RespPreOp}
		case EventTimerCheck:
			return s.checkGuardTimeout(ct)
		}
	}
	return s.unexpectedEvent()
}

// checkGuardTimeout is invoked on every EventTimerCheck while
// OPERATIONAL; it is the CT-driven replacement for a wall-clock timer
// callback.
func (s *Slave) checkGuardTimeout(ct uint32) Response {
	if !s.guard.running || ct < s.guard.deadline {
		return Response{Kind: RespNone}
	}
	if s.guard.remaining > 0 {
		s.guard.remaining--
		s.guard.deadline = ct + s.guard.guardTimeCT
		return Response{Kind: RespNone}
	}
	s.guard.running = false
	s.visible = StatePreOperational
	s.state = fsmWaitSetToOp1Step1
	s.refresh.running = true
	s.refresh.deadline = ct + s.refresh.intervalCT
	if s.cb.ParameterSetProcessed != nil {
		s.cb.ParameterSetProcessed(s)
	}
	return Response{Kind: RespPreOp}
}

// TimerCheck advances the refresh timer (used while PRE-OPERATIONAL,
// waiting for a new SADR/parameter handshake) and the guard timer (used
// while OPERATIONAL). It returns true if a refresh pulse ("reset SCM
// guarding" broadcast) should be emitted this call.
func (s *Slave) TimerCheck(ct uint32) (emitRefreshPulse bool) {
	if s.state == fsmOperationalStep1 {
		s.checkGuardTimeout(ct)
		return false
	}
	if !s.refresh.running || ct < s.refresh.deadline {
		return false
	}
	if s.refresh.maxRetries != 0xFF {
		if s.refresh.retries >= s.refresh.maxRetries {
			s.refresh.running = false
			return false
		}
		s.refresh.retries++
	}
	s.refresh.deadline = ct + s.refresh.intervalCT
	return true
}

// PassParamChecksumValid is the documented re-entry point by which the
// application reports the result of the checksum comparison requested
// via Callbacks.CalcParamChecksum.
func (s *Slave) PassParamChecksumValid(valid bool) {
	s.paramChecksumValid = valid
}

// EnterOpState is the documented re-entry point by which the
// application confirms (or rejects) the switch-to-OP request raised via
// Callbacks.SwitchToOpRequested.
func (s *Slave) EnterOpState(confirmed bool) {
	s.appOpConfirmed = confirmed
}

// SNAck resolves a pending SN_FAIL if (group, code) matches the last one
// emitted; otherwise it is ignored (spec: mismatching ACK raises SERR
// SN_ACK1, which the caller — pkg/ssc — is responsible for signalling).
func (s *Slave) SNAck(group FailGroup, code uint8) (matched bool) {
	if !s.hasLastFail || s.lastFailGroup != group || s.lastFailCode != code {
		return false
	}
	s.hasLastFail = false
	if s.cb.ErrorAck != nil {
		s.cb.ErrorAck(s, group, code)
	}
	return true
}

// ForcePreOp is the application's unconditional demand to return to
// PRE_OPERATIONAL regardless of current FSM state.
func (s *Slave) ForcePreOp(ct uint32) {
	s.guard.running = false
	s.visible = StatePreOperational
	s.state = fsmWaitSetToOp1Step1
	s.refresh.running = true
	s.refresh.deadline = ct + s.refresh.intervalCT
}
