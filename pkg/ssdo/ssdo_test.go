package ssdo

import (
	"testing"

	"github.com/hasiflo/gosafety/pkg/sod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDict() *sod.Dictionary {
	d := sod.NewDictionary(nil)
	d.AddScalar(0x2000, 0, "Scalar", sod.Unsigned32, sod.AccessRW, []byte{1, 2, 3, 4})
	d.AddDomain(0x101A, 0, "Download", sod.AccessRW, 300)
	return d
}

func TestExpeditedDownloadAndUpload(t *testing.T) {
	d := newDict()
	srv := NewServer(nil, d)

	resp := srv.ProcessRequest(1, Request{Command: CmdDownloadInitiate, Index: 0x2000, Sub: 0, Data: []byte{9, 9, 9, 9}})
	require.False(t, resp.Abort)

	resp = srv.ProcessRequest(1, Request{Command: CmdUploadInitiate, Index: 0x2000, Sub: 0})
	require.False(t, resp.Abort)
	assert.Equal(t, []byte{9, 9, 9, 9}, resp.Data)
}

func TestDownloadToMissingIndexAborts(t *testing.T) {
	d := newDict()
	srv := NewServer(nil, d)

	resp := srv.ProcessRequest(1, Request{Command: CmdDownloadInitiate, Index: 0x9999, Sub: 0, Data: []byte{1}})
	assert.True(t, resp.Abort)
	assert.Equal(t, sod.AbortNotExist, resp.AbortVal)
}

func TestSegmentedDownloadAccumulates(t *testing.T) {
	d := newDict()
	srv := NewServer(nil, d)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	resp := srv.ProcessRequest(1, Request{Command: CmdDownloadInitiate, Index: 0x101A, Sub: 0, Data: payload[:50]})
	require.False(t, resp.Abort)

	resp = srv.ProcessRequest(1, Request{Command: CmdDownloadSegment, Toggle: 0, Data: payload[50:]})
	require.False(t, resp.Abort)

	h, err := d.AttrGet(0x101A, 0)
	require.NoError(t, err)
	got, err := h.Read(0, 100)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSegmentedDownloadWrongToggleAborts(t *testing.T) {
	d := newDict()
	srv := NewServer(nil, d)

	srv.ProcessRequest(1, Request{Command: CmdDownloadInitiate, Index: 0x101A, Sub: 0, Data: []byte{1, 2, 3}})
	resp := srv.ProcessRequest(1, Request{Command: CmdDownloadSegment, Toggle: 1, Data: []byte{4, 5, 6}})
	assert.True(t, resp.Abort)
}

func TestUploadSegmentedSplitsAcrossFrames(t *testing.T) {
	d := sod.NewDictionary(nil)
	d.AddDomain(0x101A, 0, "Big", sod.AccessRW, 500)
	srv := NewServer(nil, d)

	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	srv.ProcessRequest(1, Request{Command: CmdDownloadInitiate, Index: 0x101A, Sub: 0, Data: data[:maxExpeditedPayload]})
	srv.ProcessRequest(1, Request{Command: CmdDownloadSegment, Toggle: 0, Data: data[maxExpeditedPayload:]})

	resp := srv.ProcessRequest(1, Request{Command: CmdUploadInitiate, Index: 0x101A, Sub: 0})
	require.False(t, resp.Abort)
	first := resp.Data

	resp = srv.ProcessRequest(1, Request{Command: CmdUploadSegment, Toggle: 0})
	require.False(t, resp.Abort)

	got := append(append([]byte{}, first...), resp.Data...)
	assert.Equal(t, data, got)
}

func TestSlimDownloadInitiateOmitsSubByte(t *testing.T) {
	// [cmd][indexLo][indexHi][data...], no Sub byte at all
	payload := []byte{0x20, 0x00, 0x20, 9, 9, 9, 9}
	req, ok := DecodeRequest(payload, true)
	require.True(t, ok)
	assert.Equal(t, CmdDownloadInitiate, req.Command)
	assert.Equal(t, uint16(0x2000), req.Index)
	assert.Equal(t, uint8(0), req.Sub)
	assert.Equal(t, []byte{9, 9, 9, 9}, req.Data)

	// the same bytes parsed as a normal (non-slim) request would instead
	// read byte 9 as Sub and lose a data byte
	normal, ok := DecodeRequest(payload, false)
	require.True(t, ok)
	assert.Equal(t, uint8(9), normal.Sub)
	assert.Equal(t, []byte{9, 9, 9}, normal.Data)
}

func TestSlimUploadRoundTripDropsSubByte(t *testing.T) {
	d := newDict()
	srv := NewServer(nil, d)

	req, ok := DecodeRequest([]byte{0x40, 0x00, 0x20}, true)
	require.True(t, ok)
	resp := srv.ProcessRequest(1, req)
	require.False(t, resp.Abort)
	require.True(t, resp.Slim)

	wire := EncodeResponse(resp)
	assert.Equal(t, []byte{0x40, 0x00, 0x20, 1, 2, 3, 4}, wire, "slim response header must be 3 bytes, no Sub")

	decoded, ok := DecodeResponse(wire, true)
	require.True(t, ok)
	assert.Equal(t, uint16(0x2000), decoded.Index)
	assert.Equal(t, []byte{1, 2, 3, 4}, decoded.Data)
}

func TestClientDownloadRoundTripsThroughServer(t *testing.T) {
	d := newDict()
	srv := NewServer(nil, d)
	c := NewClient(nil)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame := c.BeginDownload(1, 0x101A, 0, payload)
	require.True(t, c.Busy())

	req, ok := DecodeRequest(frame, false)
	require.True(t, ok)
	resp := srv.ProcessRequest(1, req)
	require.False(t, resp.Abort)

	next := c.ContinueDownload(resp)
	require.NotNil(t, next)
	req, ok = DecodeRequest(next, false)
	require.True(t, ok)
	resp = srv.ProcessRequest(1, req)
	require.False(t, resp.Abort)

	final := c.ContinueDownload(resp)
	assert.Nil(t, final)
	assert.False(t, c.Busy())

	h, _ := d.AttrGet(0x101A, 0)
	got, _ := h.Read(0, 300)
	assert.Equal(t, payload, got)
}
