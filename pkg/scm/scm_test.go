package scm

import (
	"testing"

	"github.com/hasiflo/gosafety/pkg/snmtm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expected() ExpectedIdentity {
	return ExpectedIdentity{
		UDID:           [6]byte{1, 2, 3, 4, 5, 6},
		VendorID:       1,
		ProductCode:    2,
		RevisionNumber: 3,
	}
}

func TestColdStartSequenceReachesGuarding(t *testing.T) {
	master := snmtm.New(nil)
	var statuses []Status
	n := NewNode(nil, master, 42, expected(), Callbacks{
		RevisionAccepted: func(n *Node, revision uint32) bool { return revision == 3 },
		NodeStatusChanged: func(n *Node, s Status) {
			statuses = append(statuses, s)
		},
	})
	assert.Equal(t, StatusMissing, n.StatusNow())

	n.Activate(3)
	assert.Equal(t, NodeVerifyingUDID, n.State())

	slot, ok := master.Pending(42)
	require.True(t, ok)
	n.UDIDReceived(slot.RegNo, expected().UDID, 3)
	assert.Equal(t, NodeAssigningSADR, n.State())
	assert.Equal(t, StatusWrongSADR, n.StatusNow())

	slot, _ = master.Pending(42)
	n.SADRAssigned(slot.RegNo, 3)
	assert.Equal(t, NodeAssigningUDIDSCM, n.State())

	slot, _ = master.Pending(42)
	n.UDIDSCMAssigned(slot.RegNo, 3)
	assert.Equal(t, NodeVerifyingIdentity, n.State())

	n.IdentityReceived(1, 2, 3)
	assert.Equal(t, NodeDownloadingParams, n.State())

	n.ParametersDownloaded()
	assert.Equal(t, NodeVerifyingParams, n.State())

	n.ChecksumVerified(true, 3)
	assert.Equal(t, NodeSettingToOp, n.State())

	slot, _ = master.Pending(42)
	n.OperationalConfirmed(slot.RegNo)
	assert.Equal(t, NodeGuarding, n.State())
	assert.Equal(t, StatusValid, n.StatusNow())

	// a further OP confirmation during an already-established guarding
	// cycle promotes VALID to OK (spec §3's "≥1 guarding cycle" clause).
	slot, _ = master.Pending(42)
	master.Request(42, snmtm.ReqGuarding, 0, 3)
	slot, _ = master.Pending(42)
	n.OperationalConfirmed(slot.RegNo)
	assert.Equal(t, StatusOK, n.StatusNow())

	assert.Equal(t, []Status{StatusInvalid, StatusWrongSADR, StatusInvalid, StatusInvalid, StatusInvalid, StatusInvalid, StatusValid, StatusOK}, statuses)
}

func TestUDIDMismatchParksForOperatorAck(t *testing.T) {
	master := snmtm.New(nil)
	var mismatchReported bool
	n := NewNode(nil, master, 7, expected(), Callbacks{
		UDIDMismatch: func(n *Node, got [6]byte) { mismatchReported = true },
	})

	n.Activate(3)
	slot, _ := master.Pending(7)
	n.UDIDReceived(slot.RegNo, [6]byte{9, 9, 9, 9, 9, 9}, 3)

	assert.True(t, mismatchReported)
	assert.Equal(t, NodeOperatorAckPending, n.State())

	n.OperatorAck(3)
	assert.Equal(t, NodeAssigningSADR, n.State())
}

func TestSNFailRequiresMatchingAck(t *testing.T) {
	master := snmtm.New(nil)
	n := NewNode(nil, master, 3, expected(), Callbacks{})
	n.Activate(3)

	n.SNFail(1, 2)
	assert.Equal(t, NodeSNFailPending, n.State())

	n.SNFailAck(9, 9, 3)
	assert.Equal(t, NodeSNFailPending, n.State(), "mismatched ack must not resume")

	n.SNFailAck(1, 2, 3)
	assert.Equal(t, NodeVerifyingUDID, n.State())
}

func TestChecksumMismatchRaisesSNFail(t *testing.T) {
	master := snmtm.New(nil)
	n := NewNode(nil, master, 3, expected(), Callbacks{})
	n.Activate(3)
	slot, _ := master.Pending(3)
	n.UDIDReceived(slot.RegNo, expected().UDID, 3)
	slot, _ = master.Pending(3)
	n.SADRAssigned(slot.RegNo, 3)
	slot, _ = master.Pending(3)
	n.UDIDSCMAssigned(slot.RegNo, 3)
	n.IdentityReceived(1, 2, 3)
	n.ParametersDownloaded()

	n.ChecksumVerified(false, 3)
	assert.Equal(t, NodeSNFailPending, n.State())
}
