package spdo

import (
	"testing"

	"github.com/hasiflo/gosafety/pkg/sod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pdoDict() *sod.Dictionary {
	d := sod.NewDictionary(nil)
	d.AddScalar(0x6000, 1, "TxVal", sod.Unsigned32, sod.AccessRW|sod.AttrPDOMap, []byte{0, 0, 0, 0})
	d.AddScalar(0x6000, 2, "RxVal", sod.Unsigned32, sod.AccessRW|sod.AttrPDOMap, []byte{0, 0, 0, 0})
	return d
}

func TestBuildTxSpdoRespectsPrescale(t *testing.T) {
	d := pdoDict()
	tx, err := NewTxSPDO(nil, d, 1, 2, 1000, []MappingEntry{{Index: 0x6000, Sub: 1, BitLength: 8}})
	require.NoError(t, err)

	for i := 0; i < 999; i++ {
		_, built := tx.BuildTxSpdo(uint32(i))
		require.False(t, built, "tick %d should not build", i)
	}
	_, built := tx.BuildTxSpdo(999)
	assert.True(t, built)
}

func TestDataChangedForcesImmediateSend(t *testing.T) {
	d := pdoDict()
	tx, err := NewTxSPDO(nil, d, 1, 2, 1000, []MappingEntry{{Index: 0x6000, Sub: 1, BitLength: 8}})
	require.NoError(t, err)

	tx.SetDataChanged()
	_, built := tx.BuildTxSpdo(0)
	assert.True(t, built)
}

func TestMappingRejectsObjectWithoutPDOMapAttribute(t *testing.T) {
	d := sod.NewDictionary(nil)
	d.AddScalar(0x6001, 1, "NoMap", sod.Unsigned32, sod.AccessRW, []byte{0, 0, 0, 0})
	_, err := NewTxSPDO(nil, d, 1, 2, 10, []MappingEntry{{Index: 0x6001, Sub: 1, BitLength: 8}})
	assert.Error(t, err)
}

func TestRxSpdoRoundTripFromTx(t *testing.T) {
	dTx := pdoDict()
	dRx := pdoDict()

	h, err := dTx.AttrGet(0x6000, 1)
	require.NoError(t, err)
	require.NoError(t, h.Write([]byte{0x42}, true, 0, 1))

	tx, err := NewTxSPDO(nil, dTx, 1, 2, 1, []MappingEntry{{Index: 0x6000, Sub: 1, BitLength: 8}})
	require.NoError(t, err)
	rx, err := NewRxSPDO(nil, dRx, 1, 500, 0, 1000, []MappingEntry{{Index: 0x6000, Sub: 2, BitLength: 8}})
	require.NoError(t, err)

	frame, built := tx.BuildTxSpdo(0)
	require.True(t, built)

	require.NoError(t, rx.ProcessRxSpdo(0, frame))
	assert.True(t, rx.Valid())

	hRx, err := dRx.AttrGet(0x6000, 2)
	require.NoError(t, err)
	got, err := hRx.Read(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42}, got)
}

func TestCheckRxTimeoutInvalidatesConnection(t *testing.T) {
	d := pdoDict()
	rx, err := NewRxSPDO(nil, d, 1, 500, 0, 1000, []MappingEntry{{Index: 0x6000, Sub: 2, BitLength: 8}})
	require.NoError(t, err)

	frame := encodeTxFrame(0, false, 0, []byte{7})
	require.NoError(t, rx.ProcessRxSpdo(0, frame))
	require.True(t, rx.Valid())

	for i := uint32(1); i <= 500; i++ {
		rx.CheckRxTimeout(i)
	}
	assert.False(t, rx.Valid())
}

func TestPropagationDelayOutOfBoundsInvalidatesFrame(t *testing.T) {
	d := pdoDict()
	rx, err := NewRxSPDO(nil, d, 1, 500, 0, 10, []MappingEntry{{Index: 0x6000, Sub: 2, BitLength: 8}})
	require.NoError(t, err)

	frame := encodeTxFrame(100, true, 0, []byte{7})
	require.NoError(t, rx.ProcessRxSpdo(1000, frame))
	assert.False(t, rx.Valid())
}

func TestPlainFrameAfterBadTSyncStaysGated(t *testing.T) {
	d := pdoDict()
	rx, err := NewRxSPDO(nil, d, 1, 500, 0, 10, []MappingEntry{{Index: 0x6000, Sub: 2, BitLength: 8}})
	require.NoError(t, err)

	// a TSync-carrying frame measures an out-of-bounds delay
	require.NoError(t, rx.ProcessRxSpdo(1000, encodeTxFrame(100, true, 0, []byte{7})))
	require.False(t, rx.Valid())

	// a later plain frame, even with a fresh higher CT and no TSync stamp
	// of its own, must not resurrect the connection on connectionValid
	// alone: the last measured delay is still out of bounds.
	require.NoError(t, rx.ProcessRxSpdo(1001, encodeTxFrame(200, false, 0, []byte{8})))
	assert.False(t, rx.Valid())

	h, _ := d.AttrGet(0x6000, 2)
	got, _ := h.Read(0, 1)
	assert.Equal(t, []byte{0}, got, "payload must not be delivered while gated")
}

func TestStaleCTIsIgnored(t *testing.T) {
	d := pdoDict()
	rx, err := NewRxSPDO(nil, d, 1, 500, 0, 1000, []MappingEntry{{Index: 0x6000, Sub: 2, BitLength: 8}})
	require.NoError(t, err)

	require.NoError(t, rx.ProcessRxSpdo(10, encodeTxFrame(10, false, 0, []byte{1})))
	require.NoError(t, rx.ProcessRxSpdo(11, encodeTxFrame(5, false, 0, []byte{2})))

	h, _ := d.AttrGet(0x6000, 2)
	got, _ := h.Read(0, 1)
	assert.Equal(t, []byte{1}, got, "stale CT must not overwrite newer data")
}
