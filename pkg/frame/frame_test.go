package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader(le uint8) Header {
	return Header{
		ADDR: 2,
		ID:   uint8(ClassSSDO) | uint8(DirRequest),
		SDN:  1,
		LE:   le,
		CTLo: 0x12,
		CTHi: 0x34,
		TADR: 1,
		TR:   5,
	}
}

func TestRoundTripBoundaryLengths(t *testing.T) {
	for _, le := range []uint8{0, 1, 8, 9, 254} {
		t.Run("", func(t *testing.T) {
			hdr := testHeader(le)
			payload := make([]byte, le)
			for i := range payload {
				payload[i] = byte(i + 1)
			}

			buf, err := Serialize(hdr, payload)
			require.NoError(t, err)

			gotHdr, gotPayload, err := Deserialize(buf, false)
			require.NoError(t, err)
			assert.Equal(t, hdr, gotHdr)
			assert.Equal(t, payload, gotPayload)
		})
	}
}

func TestLength255Rejected(t *testing.T) {
	hdr := testHeader(255)
	_, err := Serialize(hdr, make([]byte, 255))
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestSingleBitFlipFailsCRC(t *testing.T) {
	hdr := testHeader(9)
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}
	buf, err := Serialize(hdr, payload)
	require.NoError(t, err)

	for i := range buf {
		flipped := make([]byte, len(buf))
		copy(flipped, buf)
		flipped[i] ^= 0x01
		_, _, err := Deserialize(flipped, false)
		assert.Error(t, err, "byte %d flip should be detected", i)
	}
}

func TestSwappedSubframeOrderParses(t *testing.T) {
	hdr := testHeader(4)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	buf, err := Serialize(hdr, payload)
	require.NoError(t, err)

	cl := crcLen(hdr.LE)
	sub1Len := sub1HeaderLen + int(hdr.LE) + cl
	sub1 := buf[:sub1Len]
	sub2 := buf[sub1Len:]

	swapped := append(append([]byte{}, sub2...), sub1...)

	gotHdr, gotPayload, err := Deserialize(swapped, false)
	require.NoError(t, err)
	assert.Equal(t, hdr, gotHdr)
	assert.Equal(t, payload, gotPayload)
}

func TestClassOf(t *testing.T) {
	c, err := ClassOf(uint8(ClassSNMT) | 1)
	require.NoError(t, err)
	assert.Equal(t, ClassSNMT, c)
	assert.Equal(t, DirResponse, DirectionOf(uint8(ClassSNMT)|1))

	_, err = ClassOf(0x00)
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestExtendedCTUsesDifferentPolynomial(t *testing.T) {
	hdr := testHeader(9)
	hdr.ExtendedCT = true
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

	classicHdr := hdr
	classicHdr.ExtendedCT = false

	bufExt, err := Serialize(hdr, payload)
	require.NoError(t, err)
	bufClassic, err := Serialize(classicHdr, payload)
	require.NoError(t, err)

	assert.NotEqual(t, bufExt, bufClassic)

	_, _, err = Deserialize(bufExt, false)
	assert.Error(t, err, "extended-mode frame must not validate under the classic polynomial")

	gotHdr, gotPayload, err := Deserialize(bufExt, true)
	require.NoError(t, err)
	assert.Equal(t, hdr, gotHdr)
	assert.Equal(t, payload, gotPayload)
}
