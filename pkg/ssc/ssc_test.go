package ssc

import (
	"testing"

	"github.com/hasiflo/gosafety/pkg/frame"
	"github.com/hasiflo/gosafety/pkg/scm"
	"github.com/hasiflo/gosafety/pkg/serr"
	"github.com/hasiflo/gosafety/pkg/snmtm"
	"github.com/hasiflo/gosafety/pkg/snmts"
	"github.com/hasiflo/gosafety/pkg/sod"
	"github.com/hasiflo/gosafety/pkg/ssdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(sadr uint16) (*Dispatcher, *snmts.Slave) {
	dict := sod.NewDictionary(nil)
	dict.AddScalar(0x2000, 0, "Param", sod.Unsigned32, sod.AccessRW, []byte{0, 0, 0, 0})

	slave := snmts.New(nil, snmts.Callbacks{})
	server := ssdo.NewServer(nil, dict)
	reporter := serr.NewReporter(0, nil)

	d := New(nil, sadr, 1, false, [6]byte{1, 2, 3, 4, 5, 6}, Identity{VendorID: 1, ProductCode: 2, RevisionNumber: 3}, slave, server, reporter)
	return d, slave
}

func buildRequestFrame(t *testing.T, class frame.Class, srcADDR, dstADDR uint16, ct uint32, payload []byte) []byte {
	t.Helper()
	h := frame.Header{
		ADDR: srcADDR,
		ID:   uint8(class) | uint8(frame.DirRequest),
		SDN:  1,
		LE:   uint8(len(payload)),
		CTLo: uint8(ct),
		CTHi: uint8(ct >> 8),
		TADR: dstADDR,
	}
	buf, err := frame.Serialize(h, payload)
	require.NoError(t, err)
	return buf
}

func TestSNMTRequestRoundTripsThroughProcessFrame(t *testing.T) {
	sn, slave := newDispatcher(42)
	slave.PerformTransPreOp(0, 1000, 4, 5000, 0xFF)

	// SADR assignment is a two-step handshake: the first request only
	// advances the internal step, the second persists the SADR.
	payload := sn.encodeSNMTRequest(snmtm.ReqAssignSADR, 1, 42)
	frm := buildRequestFrame(t, frame.ClassSNMT, 1, 42, 0, payload)

	resp, err := sn.ProcessFrame(0, frm)
	require.NoError(t, err)
	require.NotNil(t, resp)

	resp, err = sn.ProcessFrame(0, frm)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, uint16(42), slave.MainSADR())
}

func TestSSDORequestRoundTripsThroughProcessFrame(t *testing.T) {
	sn, _ := newDispatcher(42)

	payload := []byte{0x20, 0x00, 0x20, 0x00, 7, 7, 7, 7}
	frm := buildRequestFrame(t, frame.ClassSSDO, 1, 42, 0, payload)

	respFrame, err := sn.ProcessFrame(0, frm)
	require.NoError(t, err)
	require.NotNil(t, respFrame)

	hdr, respPayload, err := frame.Deserialize(respFrame, false)
	require.NoError(t, err)
	assert.Equal(t, frame.DirResponse, frame.DirectionOf(hdr.ID))

	resp, ok := ssdo.DecodeResponse(respPayload, false)
	require.True(t, ok)
	assert.False(t, resp.Abort)
}

func TestSCMSideDispatchDrivesNodeToAssigningSADR(t *testing.T) {
	scmSide, _ := newDispatcher(1)
	master := snmtm.New(nil)
	client := ssdo.NewClient(nil)
	scmSide.EnableSCM(master, client, 3)

	snSide, snSlave := newDispatcher(42)
	snSlave.PerformTransPreOp(0, 1000, 4, 5000, 0xFF)

	var statuses []scm.Status
	node := scm.NewNode(nil, master, 42, scm.ExpectedIdentity{
		UDID:           [6]byte{1, 2, 3, 4, 5, 6},
		VendorID:       1,
		ProductCode:    2,
		RevisionNumber: 3,
	}, scm.Callbacks{
		RevisionAccepted:  func(n *scm.Node, revision uint32) bool { return revision == 3 },
		NodeStatusChanged: func(n *scm.Node, s scm.Status) { statuses = append(statuses, s) },
	})
	scmSide.RegisterNode(42, node)

	node.Activate(3)
	req, err := scmSide.BeginSNMTRequest(0, 42, snmtm.ReqUDID, 0)
	require.NoError(t, err)
	require.NotNil(t, req)

	snResp, err := snSide.ProcessFrame(0, req)
	require.NoError(t, err)
	require.NotNil(t, snResp)

	respFrame, err := scmSide.ProcessFrame(0, snResp)
	require.NoError(t, err)
	assert.Nil(t, respFrame)
	assert.Equal(t, scm.NodeAssigningSADR, node.State())
	assert.Contains(t, statuses, scm.StatusWrongSADR)
}

func TestColdStartConfiguresNodeEndToEnd(t *testing.T) {
	scmSide, _ := newDispatcher(1)
	master := snmtm.New(nil)
	client := ssdo.NewClient(nil)
	scmSide.EnableSCM(master, client, 3)

	snSide, snSlave := newDispatcher(42)
	snSlave.PerformTransPreOp(0, 1000, 4, 5000, 0xFF)

	node := scm.NewNode(nil, master, 42, scm.ExpectedIdentity{
		UDID:           [6]byte{1, 2, 3, 4, 5, 6},
		VendorID:       1,
		ProductCode:    2,
		RevisionNumber: 3,
	}, scm.Callbacks{
		RevisionAccepted: func(n *scm.Node, revision uint32) bool { return revision == 3 },
	})
	scmSide.RegisterNode(42, node)

	// drive one SCM request -> SN response -> SCM response step, returning
	// whether a further SCM->SN frame was produced.
	step := func(ct uint32, sadr uint16, reqType snmtm.RequestType, param uint32) []byte {
		req, err := scmSide.BeginSNMTRequest(ct, sadr, reqType, param)
		require.NoError(t, err)
		require.NotNil(t, req)

		snResp, err := snSide.ProcessFrame(ct, req)
		require.NoError(t, err)
		require.NotNil(t, snResp)

		nextFrame, err := scmSide.ProcessFrame(ct, snResp)
		require.NoError(t, err)
		return nextFrame
	}

	node.Activate(3)
	step(0, 42, snmtm.ReqUDID, 0)
	assert.Equal(t, scm.NodeAssigningSADR, node.State())

	// SADR assignment is a two-step handshake on the SN side: the first
	// round only advances its internal step and answers busy.
	step(0, 42, snmtm.ReqAssignSADR, 0)
	assert.Equal(t, scm.NodeAssigningSADR, node.State())
	step(0, 42, snmtm.ReqAssignSADR, 0)
	assert.Equal(t, scm.NodeAssigningUDIDSCM, node.State())

	step(0, 42, snmtm.ReqAssignUDIDOfSCM, 0)
	assert.Equal(t, scm.NodeVerifyingIdentity, node.State())

	step(0, 42, snmtm.ReqIdentity, 0)
	assert.Equal(t, scm.NodeDownloadingParams, node.State())
}
