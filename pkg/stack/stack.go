// Package stack aggregates one openSAFETY instance's components
// (SOD, SERR, SNMTS, optionally SNMTM/SCM/SSDOC, SSDOS, SSC) behind a
// single handle and exposes the application callback hooks as plain Go
// function fields, plus a fixed-size Container keyed by instance index.
//
// Grounded on samsamfire/gocanopen's root canopen.Node (canopen.go: a
// flat struct of component pointers wired once in Init, processed by an
// explicit Process(timeDifferenceUs, ...) call with no internal
// goroutines) and pkg/node/node.go's BaseNode aggregate, generalized
// from CANopen's single always-present node to openSAFETY's array of
// independent instances, each corresponding to one Safety Domain
// membership.
package stack

import (
	"log/slog"

	"github.com/hasiflo/gosafety/pkg/scm"
	"github.com/hasiflo/gosafety/pkg/serr"
	"github.com/hasiflo/gosafety/pkg/snmtm"
	"github.com/hasiflo/gosafety/pkg/snmts"
	"github.com/hasiflo/gosafety/pkg/sod"
	"github.com/hasiflo/gosafety/pkg/spdo"
	"github.com/hasiflo/gosafety/pkg/ssc"
	"github.com/hasiflo/gosafety/pkg/ssdo"
)

// Config parameterises one instance at construction time.
type Config struct {
	Index      int
	SADR       uint16
	SDN        uint16
	ExtendedCT bool
	LocalUDID  [6]byte
	Identity   ssc.Identity
	MaxRetries uint8

	// SCMCapable equips the instance with an SNMTM request pool and an
	// SSDOC, letting it configure peer nodes in addition to serving its
	// own SNMTS/SSDOS.
	SCMCapable bool

	Logger *slog.Logger
}

// Instance is one openSAFETY stack instance: all the mutable state the
// spec ties to a single instance index, plus the application's callback
// hooks (spec §6.4), exposed as reassignable function fields rather than
// fixed at construction time so the application can install them in any
// order relative to New.
type Instance struct {
	logger *slog.Logger

	Index int
	SADR  uint16
	SDN   uint16

	Dict       *sod.Dictionary
	Reporter   *serr.Reporter
	Slave      *snmts.Slave
	Server     *ssdo.Server
	Dispatcher *ssc.Dispatcher

	// Master, Client and Nodes are nil unless Config.SCMCapable was set.
	Master *snmtm.Master
	Client *ssdo.Client
	Nodes  map[uint16]*scm.Node

	TxSPDOs []*spdo.TxSPDO
	RxSPDOs []*spdo.RxSPDO

	// CalcParamChkSumFunc is SAPL_SNMTS_CalcParamChkSumClbk: invoked once
	// SNMTS is ready for the application to compute its checksum/
	// timestamp over the current parameter set. The application reports
	// the result via inst.Slave.PassParamChecksumValid.
	CalcParamChkSumFunc func(inst *Instance)

	// SwitchToOpReqFunc is SAPL_SNMTS_SwitchToOpReqClbk: invoked once the
	// checksum comparison passed; the application confirms or rejects
	// entry to OPERATIONAL via inst.Slave.EnterOpState.
	SwitchToOpReqFunc func(inst *Instance)

	// ErrorAckFunc is SAPL_SNMTS_ErrorAckClbk: invoked when a matching
	// SN_ACK resolves a pending SN_FAIL.
	ErrorAckFunc func(inst *Instance, group snmts.FailGroup, code uint8)

	// ParameterSetProcessedFunc is SAPL_SNMTS_ParameterSetProcessed:
	// invoked when SNMTS's life-guarding timer expires and the slave falls
	// back to PRE_OPERATIONAL; it is not invoked on a parameter download.
	ParameterSetProcessedFunc func(inst *Instance)

	// ParameterDownloadFunc is SAPL_SOD_ParameterSet_CLBK: invoked after
	// every completed write to the reserved 0x101A parameter-download
	// domain, carrying the bytes just written.
	ParameterDownloadFunc func(inst *Instance, data []byte)

	// SignalErrorFunc is SAPL_SERR_SignalErrorClbk, forwarded from
	// Reporter's dispatch.
	SignalErrorFunc func(instance int, code serr.Code, additionalInfo uint32)

	// UDIDMismatchFunc is SAPL_ScmUdidMismatchClbk, reported per node.
	UDIDMismatchFunc func(n *scm.Node, got [6]byte)

	// RevisionAcceptedFunc is SAPL_ScmRevisionNumberClbk: the application
	// decides whether a discovered revision number is acceptable.
	RevisionAcceptedFunc func(n *scm.Node, revision uint32) bool

	// ScmSNFailFunc is SAPL_ScmSnFailClbk.
	ScmSNFailFunc func(n *scm.Node, group, code uint8)

	// NodeStatusChangedFunc is SAPL_ScmNodeStatusChangedClbk, reporting
	// the SN record's status set (spec §3), distinct from the
	// configuration FSM's internal step.
	NodeStatusChangedFunc func(n *scm.Node, status scm.Status)

	// DownloadParametersFunc is SAPL_ScmProcessSn: asked for the
	// parameter-set bytes to push to a node once its identity has been
	// verified.
	DownloadParametersFunc func(n *scm.Node) []byte
}

// New wires one instance's components over dict, installing closures
// that forward to the Instance's own (reassignable) callback fields so
// the application may set or change them at any time, including after
// New returns.
func New(cfg Config, dict *sod.Dictionary) *Instance {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stack", "instance", cfg.Index)

	inst := &Instance{
		logger: logger,
		Index:  cfg.Index,
		SADR:   cfg.SADR,
		SDN:    cfg.SDN,
		Dict:   dict,
	}

	inst.Reporter = serr.NewReporter(cfg.Index, func(instance int, code serr.Code, additionalInfo uint32) {
		if inst.SignalErrorFunc != nil {
			inst.SignalErrorFunc(instance, code, additionalInfo)
		}
	})

	inst.Slave = snmts.New(logger, snmts.Callbacks{
		CalcParamChecksum: func(sn *snmts.Slave) {
			if inst.CalcParamChkSumFunc != nil {
				inst.CalcParamChkSumFunc(inst)
			}
		},
		SwitchToOpRequested: func(sn *snmts.Slave) {
			if inst.SwitchToOpReqFunc != nil {
				inst.SwitchToOpReqFunc(inst)
			}
		},
		ErrorAck: func(sn *snmts.Slave, group snmts.FailGroup, code uint8) {
			if inst.ErrorAckFunc != nil {
				inst.ErrorAckFunc(inst, group, code)
			}
		},
		ParameterSetProcessed: func(sn *snmts.Slave) {
			if inst.ParameterSetProcessedFunc != nil {
				inst.ParameterSetProcessedFunc(inst)
			}
		},
	})

	inst.Server = ssdo.NewServer(logger, dict)
	inst.Dispatcher = ssc.New(logger, cfg.SADR, cfg.SDN, cfg.ExtendedCT, cfg.LocalUDID, cfg.Identity, inst.Slave, inst.Server, inst.Reporter)

	if cfg.SCMCapable {
		inst.Master = snmtm.New(logger)
		inst.Client = ssdo.NewClient(logger)
		inst.Nodes = make(map[uint16]*scm.Node)
		inst.Dispatcher.EnableSCM(inst.Master, inst.Client, cfg.MaxRetries)
	}

	if h, err := dict.AttrGet(sod.IdxParamDownload, 0); err == nil {
		h.Entry().SetCallbacks(nil, nil, func(e *sod.Entry, data []byte) {
			if inst.ParameterDownloadFunc != nil {
				inst.ParameterDownloadFunc(inst, data)
			}
		})
	}

	return inst
}

// AddNode creates a per-node SCM configuration FSM for sadr, wiring its
// callbacks to the instance's own ScmXxxFunc fields, and registers it
// with the dispatcher so incoming SNMT responses from sadr are routed to
// it. It panics if the instance is not SCM-capable.
func (inst *Instance) AddNode(sadr uint16, expected scm.ExpectedIdentity) *scm.Node {
	if inst.Master == nil {
		panic("stack: AddNode called on a non-SCM-capable instance")
	}
	node := scm.NewNode(inst.logger, inst.Master, sadr, expected, scm.Callbacks{
		UDIDMismatch: func(n *scm.Node, got [6]byte) {
			if inst.UDIDMismatchFunc != nil {
				inst.UDIDMismatchFunc(n, got)
			}
		},
		RevisionAccepted: func(n *scm.Node, revision uint32) bool {
			if inst.RevisionAcceptedFunc != nil {
				return inst.RevisionAcceptedFunc(n, revision)
			}
			return true
		},
		SNFail: func(n *scm.Node, group, code uint8) {
			if inst.ScmSNFailFunc != nil {
				inst.ScmSNFailFunc(n, group, code)
			}
		},
		NodeStatusChanged: func(n *scm.Node, s scm.Status) {
			if inst.NodeStatusChangedFunc != nil {
				inst.NodeStatusChangedFunc(n, s)
			}
		},
		DownloadParameters: func(n *scm.Node) []byte {
			if inst.DownloadParametersFunc != nil {
				return inst.DownloadParametersFunc(n)
			}
			return nil
		},
	})
	inst.Nodes[sadr] = node
	inst.Dispatcher.RegisterNode(sadr, node)
	return node
}

// RegisterTxSPDO/RegisterRxSPDO add an SPDO engine this instance owns;
// the application still drives BuildTxSpdo/ProcessRxSpdo/CheckRxTimeout
// directly (SPDO frames bypass the SSC dispatcher, spec §4.4), but Tick
// sweeps the Rx timeout check for every registered RxSPDO.
func (inst *Instance) RegisterTxSPDO(tx *spdo.TxSPDO) { inst.TxSPDOs = append(inst.TxSPDOs, tx) }
func (inst *Instance) RegisterRxSPDO(rx *spdo.RxSPDO) { inst.RxSPDOs = append(inst.RxSPDOs, rx) }

// Tick advances every CT-driven timer this instance owns that has no
// dedicated application-visible deadline of its own: the SNMTS guard/
// refresh timers and every registered RxSPDO's SCT deadline. It returns
// true if SNMTS emitted a refresh pulse (the application should react by
// re-requesting guarding from the SCM, spec §4.5).
func (inst *Instance) Tick(ct uint32) (refreshPulse bool) {
	refreshPulse = inst.Slave.TimerCheck(ct)
	for _, rx := range inst.RxSPDOs {
		rx.CheckRxTimeout(ct)
	}
	return refreshPulse
}

// Container is a fixed-size, array-backed set of instances keyed by
// instance index, mirroring "module-level arrays indexed by instance"
// (spec §9) directly rather than through a growable collection.
type Container struct {
	instances []*Instance
}

// NewContainer allocates a Container able to hold n instances, indices
// [0, n).
func NewContainer(n int) *Container {
	return &Container{instances: make([]*Instance, n)}
}

// Set installs inst at index i.
func (c *Container) Set(i int, inst *Instance) { c.instances[i] = inst }

// Get returns the instance at index i, or nil if none was installed.
func (c *Container) Get(i int) *Instance { return c.instances[i] }

// Len returns the container's fixed capacity N.
func (c *Container) Len() int { return len(c.instances) }
