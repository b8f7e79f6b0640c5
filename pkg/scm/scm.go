// Package scm implements the Safety Configuration Manager's per-node
// configuration FSM: the sequence that discovers a node's UDID, assigns
// its SADR, downloads and verifies its parameter set, and brings it to
// OPERATIONAL, plus the node-guarding loop once it is there.
//
// Grounded on samsamfire/gocanopen's pkg/lss master-side address
// assignment sequence (fastscan/UDID matching, then SADR configuration)
// and pkg/sdo client-driven parameter download, generalized from LSS's
// "assign one address to whichever single node is listening" to a
// per-node FSM running one assignment sequence per configured SN
// concurrently via [snmtm.Master]'s request pool.
package scm

import (
	"log/slog"

	"github.com/hasiflo/gosafety/pkg/snmtm"
)

// NodeState is the per-node configuration FSM's internal step. It is
// distinct from Status: several states (e.g. NodeAssigningSADR,
// NodeVerifyingIdentity) share the same reported status while the FSM
// works through the substeps of reaching it.
type NodeState uint8

const (
	NodeIdle NodeState = iota
	NodeVerifyingUDID
	NodeAssigningSADR
	NodeAssigningUDIDSCM
	NodeInitializingExtendedCT
	NodeVerifyingIdentity
	NodeDownloadingParams
	NodeVerifyingParams
	NodeSettingToOp
	NodeGuarding
	NodeOperatorAckPending
	NodeSNFailPending
)

// Status is the SN record's reported status, a field distinct from the
// FSM state: `status ∈ {MISSING, INVALID, WRONG_SADR, UDID_MISMATCH,
// WRONG_PARAM, WRONG_ADD_PARAM, INCOMP_VERSION, ERR_INIT_CT, VALID, OK}`.
// OK is only reached once the SN has answered SET_TO_OP with OP status
// and that has held consistent across at least one guarding cycle;
// until then a freshly-operational node reports VALID.
type Status uint8

const (
	StatusMissing Status = iota
	StatusInvalid
	StatusWrongSADR
	StatusUDIDMismatch
	StatusWrongParam
	StatusWrongAddParam
	StatusIncompVersion
	StatusErrInitCT
	StatusValid
	StatusOK
)

// failCodeCRCChecksum mirrors snmts.FailCodeCRCChecksum's wire value,
// the only SN_FAIL code the SCM maps to a distinct Status.
const failCodeCRCChecksum uint8 = 0x02

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "MISSING"
	case StatusInvalid:
		return "INVALID"
	case StatusWrongSADR:
		return "WRONG_SADR"
	case StatusUDIDMismatch:
		return "UDID_MISMATCH"
	case StatusWrongParam:
		return "WRONG_PARAM"
	case StatusWrongAddParam:
		return "WRONG_ADD_PARAM"
	case StatusIncompVersion:
		return "INCOMP_VERSION"
	case StatusErrInitCT:
		return "ERR_INIT_CT"
	case StatusValid:
		return "VALID"
	case StatusOK:
		return "OK"
	default:
		return "UNKNOWN"
	}
}

// ExpectedIdentity is what the operator configured for a node; used to
// validate a discovered UDID and revision.
type ExpectedIdentity struct {
	UDID           [6]byte
	VendorID       uint32
	ProductCode    uint32
	RevisionNumber uint32
}

// Callbacks groups the application hooks the SCM invokes while
// configuring one node (spec §6.4), named for what they do.
type Callbacks struct {
	UDIDMismatch       func(n *Node, got [6]byte)
	RevisionAccepted   func(n *Node, revision uint32) bool
	SNFail             func(n *Node, group, code uint8)
	NodeStatusChanged  func(n *Node, status Status)
	DownloadParameters func(n *Node) (params []byte)
}

// Node is the per-SN configuration FSM.
type Node struct {
	logger   *slog.Logger
	master   *snmtm.Master
	cb       Callbacks
	sadr     uint16
	expected ExpectedIdentity
	state    NodeState
	status   Status

	ackPending bool
	ackGroup   uint8
	ackCode    uint8
}

// NewNode creates a per-node FSM in NodeIdle/StatusMissing, sharing
// master for request correlation.
func NewNode(logger *slog.Logger, master *snmtm.Master, sadr uint16, expected ExpectedIdentity, cb Callbacks) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		logger:   logger.With("component", "scm", "sadr", sadr),
		master:   master,
		cb:       cb,
		sadr:     sadr,
		expected: expected,
		state:    NodeIdle,
		status:   StatusMissing,
	}
}

func (n *Node) setState(s NodeState) {
	n.state = s
}

func (n *Node) setStatus(s Status) {
	n.status = s
	if n.cb.NodeStatusChanged != nil {
		n.cb.NodeStatusChanged(n, s)
	}
}

// State returns the node's current FSM state.
func (n *Node) State() NodeState { return n.state }

// StatusNow returns the node's currently reported status (spec §3).
func (n *Node) StatusNow() Status { return n.status }

// Activate starts (or restarts) the configuration sequence: IDLE1 →
// VERIFY_UDID.
func (n *Node) Activate(maxRetries uint8) {
	n.master.Request(n.sadr, snmtm.ReqUDID, 0, maxRetries)
	n.setState(NodeVerifyingUDID)
	n.setStatus(StatusInvalid)
}

// UDIDReceived handles the response to the outstanding UDID request.
func (n *Node) UDIDReceived(regNo snmtm.RegistrationNumber, udid [6]byte, maxRetries uint8) {
	if _, ok := n.master.MatchResponse(n.sadr, regNo); !ok {
		return
	}
	if n.state != NodeVerifyingUDID {
		return
	}
	if udid != n.expected.UDID {
		if n.cb.UDIDMismatch != nil {
			n.cb.UDIDMismatch(n, udid)
		}
		n.setState(NodeOperatorAckPending)
		n.setStatus(StatusUDIDMismatch)
		return
	}
	n.master.Request(n.sadr, snmtm.ReqAssignSADR, 0, maxRetries)
	n.setState(NodeAssigningSADR)
	n.setStatus(StatusWrongSADR)
}

// OperatorAck resumes a sequence parked at NodeOperatorAckPending after
// a UDID mismatch, per the operator's explicit decision to proceed.
func (n *Node) OperatorAck(maxRetries uint8) {
	if n.state != NodeOperatorAckPending {
		return
	}
	n.master.Request(n.sadr, snmtm.ReqAssignSADR, 0, maxRetries)
	n.setState(NodeAssigningSADR)
	n.setStatus(StatusWrongSADR)
}

// SADRAssigned advances VERIFY_UDID/ASSIGN_SADR to ASSIGN_UDID_SCM.
func (n *Node) SADRAssigned(regNo snmtm.RegistrationNumber, maxRetries uint8) {
	if _, ok := n.master.MatchResponse(n.sadr, regNo); !ok {
		return
	}
	if n.state != NodeAssigningSADR {
		return
	}
	n.master.Request(n.sadr, snmtm.ReqAssignUDIDOfSCM, 0, maxRetries)
	n.setState(NodeAssigningUDIDSCM)
	n.setStatus(StatusInvalid)
}

// UDIDSCMAssigned advances ASSIGN_UDID_SCM to VERIFY_IDENTITY and
// requests the node's identity (vendor/product/revision).
func (n *Node) UDIDSCMAssigned(regNo snmtm.RegistrationNumber, maxRetries uint8) {
	if _, ok := n.master.MatchResponse(n.sadr, regNo); !ok {
		return
	}
	if n.state != NodeAssigningUDIDSCM {
		return
	}
	n.master.Request(n.sadr, snmtm.ReqIdentity, 0, maxRetries)
	n.setState(NodeVerifyingIdentity)
	n.setStatus(StatusInvalid)
}

// IdentityReceived validates the discovered vendor/product/revision
// against the configured expectation, gated on RevisionAccepted.
func (n *Node) IdentityReceived(vendorID, productCode, revision uint32) {
	if n.state != NodeVerifyingIdentity {
		return
	}
	if vendorID != n.expected.VendorID || productCode != n.expected.ProductCode {
		n.failUnexpected(StatusIncompVersion)
		return
	}
	if n.cb.RevisionAccepted != nil && !n.cb.RevisionAccepted(n, revision) {
		n.failUnexpected(StatusIncompVersion)
		return
	}
	n.setState(NodeDownloadingParams)
	n.setStatus(StatusInvalid)
}

func (n *Node) failUnexpected(status Status) {
	n.ackPending = true
	n.ackGroup, n.ackCode = 0, 0
	if n.cb.SNFail != nil {
		n.cb.SNFail(n, 0, 0)
	}
	n.setState(NodeSNFailPending)
	n.setStatus(status)
}

// BeginParameterDownload asks the application for the parameter set
// bytes to push over SSDO; the caller (pkg/ssc/pkg/ssdo wiring) is
// responsible for actually segmenting and sending them.
func (n *Node) BeginParameterDownload() []byte {
	if n.state != NodeDownloadingParams || n.cb.DownloadParameters == nil {
		return nil
	}
	return n.cb.DownloadParameters(n)
}

// ParametersDownloaded advances DOWNLOAD_PARAMS to VERIFY_PARAMS.
func (n *Node) ParametersDownloaded() {
	if n.state != NodeDownloadingParams {
		return
	}
	n.setState(NodeVerifyingParams)
}

// ChecksumVerified advances VERIFY_PARAMS to SET_TO_OP on a match, or
// raises SN_FAIL (reporting WRONG_PARAM) and parks at NodeSNFailPending
// on mismatch.
func (n *Node) ChecksumVerified(matched bool, maxRetries uint8) {
	if n.state != NodeVerifyingParams {
		return
	}
	if !matched {
		n.failUnexpected(StatusWrongParam)
		return
	}
	n.master.Request(n.sadr, snmtm.ReqSetToOp, 0, maxRetries)
	n.setState(NodeSettingToOp)
	n.setStatus(StatusInvalid)
}

// OperationalConfirmed advances SET_TO_OP to the steady-state guarding
// loop, reporting VALID the first time the SN answers OP; once the node
// is already guarding, a further OP confirmation means the status has
// now held consistent across a full guarding cycle and is promoted to
// OK (spec §3's "status=OK implies ... consistent across ≥1 guarding
// cycle").
func (n *Node) OperationalConfirmed(regNo snmtm.RegistrationNumber) {
	if _, ok := n.master.MatchResponse(n.sadr, regNo); !ok {
		return
	}
	switch n.state {
	case NodeSettingToOp:
		n.setState(NodeGuarding)
		n.setStatus(StatusValid)
	case NodeGuarding:
		if n.status == StatusValid {
			n.setStatus(StatusOK)
		}
	}
}

// SNFail records an asynchronous SN_FAIL for the application to
// acknowledge via [Node.SNFailAck].
func (n *Node) SNFail(group, code uint8) {
	n.ackPending = true
	n.ackGroup, n.ackCode = group, code
	if n.cb.SNFail != nil {
		n.cb.SNFail(n, group, code)
	}
	n.setState(NodeSNFailPending)
	if code == failCodeCRCChecksum {
		n.setStatus(StatusWrongParam)
	} else {
		n.setStatus(StatusInvalid)
	}
}

// SNFailAck is the application's explicit acknowledgement of a pending
// SN_FAIL, resuming configuration from VERIFY_UDID.
func (n *Node) SNFailAck(group, code uint8, maxRetries uint8) {
	if !n.ackPending || n.ackGroup != group || n.ackCode != code {
		return
	}
	n.ackPending = false
	n.Activate(maxRetries)
}

// ResetGuard restarts the guarding loop's expectation without a full
// re-activation, in response to an [snmtm.ResetGuardEvent] surfaced by
// the master for an unmatched PRE_OP status.
func (n *Node) ResetGuard(maxRetries uint8) {
	if n.state != NodeGuarding {
		return
	}
	n.master.Request(n.sadr, snmtm.ReqGuarding, 0, maxRetries)
}
