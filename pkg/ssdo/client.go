package ssdo

import (
	"encoding/binary"
	"log/slog"

	log "github.com/sirupsen/logrus"
)

// Client is the SSDOC state machine driving a single outstanding
// request toward a peer SADR, used by the SCM for parameter download
// and read-back verification.
type Client struct {
	peer      uint16
	pending   bool
	index     uint16
	sub       uint8
	toggle    uint8
	remaining []byte
	segmented bool

	upload    bool
	collected []byte
}

// NewClient creates an idle SSDOC. logger is accepted for symmetry with
// [NewServer] but unused: the client path traces its own transfers via
// logrus, mirroring samsamfire/gocanopen's SDO client/requests split
// from slog-based server logging.
func NewClient(logger *slog.Logger) *Client {
	return &Client{}
}

// Busy reports whether a request is still in flight.
func (c *Client) Busy() bool { return c.pending }

// BeginDownload starts a download request toward peer, returning the
// first frame payload to send. A single call suffices for data short
// enough to fit expedited.
func (c *Client) BeginDownload(peer, index uint16, sub uint8, data []byte) []byte {
	c.pending = true
	c.peer = peer
	c.index = index
	c.sub = sub
	c.upload = false

	if len(data) <= maxExpeditedPayload {
		c.pending = false
		log.Debugf("[SSDOC][TX][x%x] DOWNLOAD EXPEDITED | x%x:x%x %v", peer, index, sub, data)
		return encodeDownloadInitiate(index, sub, data)
	}

	c.segmented = true
	c.toggle = 0
	first := data[:maxExpeditedPayload]
	c.remaining = data[maxExpeditedPayload:]
	log.Debugf("[SSDOC][TX][x%x] DOWNLOAD SEGMENTED INITIATE | x%x:x%x | %v bytes remaining", peer, index, sub, len(c.remaining))
	return encodeDownloadInitiate(index, sub, first)
}

// ContinueDownload is called once the server's response to the previous
// segment/initiate frame arrives; it returns the next frame to send, or
// nil once the transfer is complete.
func (c *Client) ContinueDownload(resp Response) []byte {
	if resp.Abort {
		log.Warnf("[SSDOC][RX][x%x] SERVER ABORT | x%x:x%x | x%x", c.peer, c.index, c.sub, uint32(resp.AbortVal))
		c.pending = false
		return nil
	}
	if !c.segmented || len(c.remaining) == 0 {
		c.pending = false
		return nil
	}
	n := len(c.remaining)
	if n > maxExpeditedPayload {
		n = maxExpeditedPayload
	}
	chunk := c.remaining[:n]
	c.remaining = c.remaining[n:]
	frame := encodeDownloadSegment(c.toggle, chunk)
	c.toggle ^= 1
	if len(c.remaining) == 0 {
		c.pending = false
	}
	log.Debugf("[SSDOC][TX][x%x] DOWNLOAD SEGMENT | x%x:x%x | %v bytes remaining", c.peer, c.index, c.sub, len(c.remaining))
	return frame
}

// BeginUpload starts a read request for (index, sub) toward peer.
func (c *Client) BeginUpload(peer, index uint16, sub uint8) []byte {
	c.pending = true
	c.peer = peer
	c.index = index
	c.sub = sub
	c.upload = true
	c.toggle = 0
	c.collected = nil
	log.Debugf("[SSDOC][TX][x%x] UPLOAD INITIATE | x%x:x%x", peer, index, sub)
	return encodeUploadInitiate(index, sub)
}

// ContinueUpload accumulates an upload response's data and returns
// (final bytes, done) — done is true once no more segments remain.
func (c *Client) ContinueUpload(resp Response) (data []byte, done bool) {
	if resp.Abort {
		log.Warnf("[SSDOC][RX][x%x] SERVER ABORT | x%x:x%x | x%x", c.peer, c.index, c.sub, uint32(resp.AbortVal))
		c.pending = false
		return nil, true
	}
	c.collected = append(c.collected, resp.Data...)
	if len(resp.Data) < maxExpeditedPayload {
		c.pending = false
		log.Debugf("[SSDOC][RX][x%x] UPLOAD COMPLETE | x%x:x%x | %v bytes", c.peer, c.index, c.sub, len(c.collected))
		return c.collected, true
	}
	if resp.Command == CmdUploadSegment {
		c.toggle ^= 1
	}
	return nil, false
}

// NextUploadSegmentRequest returns the next upload-segment request frame
// while a multi-segment upload is in progress.
func (c *Client) NextUploadSegmentRequest() []byte {
	return encodeUploadSegment(c.toggle)
}

// Continue advances whichever transfer (upload or download) is in
// flight given the peer's response, so a caller driving the wire
// protocol doesn't need to track upload/download itself. It returns the
// next request frame to send (nil once finished), whether the transfer
// is finished, and the collected bytes for a finished upload.
func (c *Client) Continue(resp Response) (next []byte, done bool, data []byte) {
	if !c.pending {
		return nil, true, nil
	}
	if c.upload {
		collected, finished := c.ContinueUpload(resp)
		if finished {
			return nil, true, collected
		}
		return c.NextUploadSegmentRequest(), false, nil
	}
	next = c.ContinueDownload(resp)
	return next, next == nil, nil
}

func encodeDownloadInitiate(index uint16, sub uint8, data []byte) []byte {
	buf := make([]byte, 4+len(data))
	buf[0] = 0x20
	binary.LittleEndian.PutUint16(buf[1:3], index)
	buf[3] = sub
	copy(buf[4:], data)
	return buf
}

func encodeDownloadSegment(toggle uint8, data []byte) []byte {
	buf := make([]byte, 1+len(data))
	buf[0] = toggle << 4
	copy(buf[1:], data)
	return buf
}

func encodeUploadInitiate(index uint16, sub uint8) []byte {
	buf := make([]byte, 4)
	buf[0] = 0x40
	binary.LittleEndian.PutUint16(buf[1:3], index)
	buf[3] = sub
	return buf
}

func encodeUploadSegment(toggle uint8) []byte {
	return []byte{0x60 | toggle<<4}
}
