// Package sod implements the Safety Object Dictionary (SOD): an
// index/sub-index addressed typed object store with attribute flags,
// range checks, before/after callbacks, segmented domain access, a
// global write lock and CRC-attribute enumeration for the parameter-set
// checksum.
//
// Grounded on samsamfire/gocanopen's pkg/od package (Entry/Variable,
// Streamer, extensions), generalized from CiA 301 object semantics to
// openSAFETY's RO_CONST/RO/RW/CRC/PDO_MAP/BEF_RD/BEF_WR/AFT_WR attribute
// set and its segmented-domain-write rules.
package sod

import (
	"log/slog"
	"sort"
	"sync"
)

type entryKey struct {
	index uint16
	sub   uint8
}

// Dictionary is the per-instance SOD.
type Dictionary struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[entryKey]*Entry
	locked  bool
}

// NewDictionary creates an empty dictionary.
func NewDictionary(logger *slog.Logger) *Dictionary {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dictionary{
		logger:  logger.With("component", "sod"),
		entries: make(map[entryKey]*Entry),
	}
}

// AddScalar adds a fixed-size scalar/octet-string entry.
func (d *Dictionary) AddScalar(index uint16, sub uint8, name string, dt DataType, attr Attribute, value []byte) *Entry {
	e := &Entry{
		logger:       d.logger.With("index", index, "sub", sub, "name", name),
		Index:        index,
		Sub:          sub,
		Name:         name,
		DataType:     dt,
		Attribute:    attr,
		MaxLen:       uint32(len(value)),
		value:        append([]byte(nil), value...),
		defaultValue: append([]byte(nil), value...),
	}
	d.mu.Lock()
	d.entries[entryKey{index, sub}] = e
	d.mu.Unlock()
	return e
}

// AddDomain adds a segmented domain entry with the given maximum length
// and an initial actual length of 0.
func (d *Dictionary) AddDomain(index uint16, sub uint8, name string, attr Attribute, maxLen uint32) *Entry {
	e := &Entry{
		logger:    d.logger.With("index", index, "sub", sub, "name", name),
		Index:     index,
		Sub:       sub,
		Name:      name,
		DataType:  Domain,
		Attribute: attr,
		MaxLen:    maxLen,
		value:     make([]byte, maxLen),
	}
	d.mu.Lock()
	d.entries[entryKey{index, sub}] = e
	d.mu.Unlock()
	return e
}

// Handle identifies a resolved (index, sub) entry for subsequent
// read/write calls (spec's attr_get contract).
type Handle struct {
	dict  *Dictionary
	entry *Entry
}

// Entry returns the underlying [Entry] (attributes, data type, etc.) for
// callers that need more than read/write.
func (h *Handle) Entry() *Entry { return h.entry }

// AttrGet resolves (index, sub) to a [Handle], or *Error with
// AbortNotExist / AbortSubNotExist.
func (d *Dictionary) AttrGet(index uint16, sub uint8) (*Handle, error) {
	d.mu.RLock()
	e, ok := d.entries[entryKey{index, sub}]
	d.mu.RUnlock()
	if !ok {
		if d.indexExists(index) {
			return nil, ErrSubNotExist
		}
		return nil, ErrNotExist
	}
	return &Handle{dict: d, entry: e}, nil
}

func (d *Dictionary) indexExists(index uint16) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for k := range d.entries {
		if k.index == index {
			return true
		}
	}
	return false
}

// Read returns size bytes starting at offset from the handle's entry,
// running any before-read callback first.
func (h *Handle) Read(offset, size uint32) ([]byte, error) {
	e := h.entry
	if e.accessKind() == AccessWriteOnlyMarker {
		return nil, ErrWriteOnly
	}
	if e.beforeRead != nil {
		if err := e.beforeRead(e); err != nil {
			return nil, asAbortError(err)
		}
	}

	var src []byte
	var err error
	if e.isApplication {
		src, err = e.appRead(e)
		if err != nil {
			return nil, asAbortError(err)
		}
	} else {
		h.dict.mu.RLock()
		src = e.value
		h.dict.mu.RUnlock()
	}

	avail := uint32(len(src))
	if e.IsDomain() {
		avail = e.actualLen
	}
	if offset > avail {
		return nil, ErrDataShort
	}
	end := offset + size
	if end > avail {
		end = avail
	}
	out := make([]byte, end-offset)
	copy(out, src[offset:end])
	return out, nil
}

// AccessWriteOnlyMarker does not correspond to any openSAFETY access
// kind; openSAFETY has no write-only objects, this constant only exists
// so Handle.Read's guard compiles as a documented no-op check kept for
// API symmetry with the teacher's SSDO abort-code surface.
const AccessWriteOnlyMarker Attribute = 0xFFFF

// Write writes data at the given offset, growing a domain entry's actual
// length as segments arrive. overwriteRO must be false for any request
// arriving over SSDO (remote callers); a local caller may pass true to
// bypass the RO protection on a non-RO_CONST entry.
func (h *Handle) Write(data []byte, overwriteRO bool, offset, size uint32) error {
	d := h.dict
	e := h.entry

	d.mu.Lock()
	locked := d.locked
	d.mu.Unlock()
	if locked {
		return ErrWriteProtected
	}

	switch e.accessKind() {
	case AccessROConst:
		return ErrReadOnly
	case AccessRO:
		if !overwriteRO {
			return ErrReadOnly
		}
	case AccessRW:
		// always accepted when unlocked
	}

	if uint32(len(data)) != size {
		return ErrTypeMismatch
	}

	if e.beforeWrite != nil {
		if err := e.beforeWrite(e, data); err != nil {
			return asAbortError(err)
		}
	}

	if !e.IsDomain() {
		if offset != 0 || size != uint32(len(e.value)) {
			if size > e.MaxLen {
				return ErrDataLong
			}
		}
		if err := e.checkRange(data); err != nil {
			return err
		}
		if e.isApplication {
			if err := e.appWrite(e, data); err != nil {
				return asAbortError(err)
			}
		} else {
			d.mu.Lock()
			if uint32(len(e.value)) != size && offset == 0 {
				e.value = make([]byte, size)
			}
			copy(e.value[offset:], data)
			d.mu.Unlock()
		}
		if e.afterWrite != nil {
			e.afterWrite(e, data)
		}
		return nil
	}

	// Domain: segmented write. The first segment (offset==0) sets the
	// actual length to at least its own size; subsequent segments
	// append at offset until SetActualLen's declared total is reached.
	end := offset + size
	if end > e.MaxLen {
		return ErrDataLong
	}
	if e.isApplication {
		if err := e.appWrite(e, data); err != nil {
			return asAbortError(err)
		}
	} else {
		d.mu.Lock()
		if uint32(len(e.value)) < end {
			grown := make([]byte, end)
			copy(grown, e.value)
			e.value = grown
		}
		copy(e.value[offset:end], data)
		if end > e.actualLen {
			e.actualLen = end
		}
		d.mu.Unlock()
	}
	if e.afterWrite != nil {
		e.afterWrite(e, data)
	}
	return nil
}

// SetActualLen declares the total length of an upcoming (or completed)
// segmented domain write. Only valid for [Entry.IsDomain] entries.
func (h *Handle) SetActualLen(length uint32) error {
	e := h.entry
	if !e.IsDomain() {
		return ErrNotDomain
	}
	if length > e.MaxLen {
		return ErrDataLong
	}
	h.dict.mu.Lock()
	defer h.dict.mu.Unlock()
	if uint32(len(e.value)) < length {
		grown := make([]byte, length)
		copy(grown, e.value)
		e.value = grown
	}
	e.actualLen = length
	return nil
}

func asAbortError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Code: AbortCallbackRejected, msg: err.Error()}
}

// DisableWrite globally locks the dictionary: every Write call fails
// with [ErrWriteProtected] until [Dictionary.EnableWrite] is called.
// Mutable attributes may still be read.
func (d *Dictionary) DisableWrite() {
	d.mu.Lock()
	d.locked = true
	d.mu.Unlock()
}

// EnableWrite releases the lock taken by [Dictionary.DisableWrite].
func (d *Dictionary) EnableWrite() {
	d.mu.Lock()
	d.locked = false
	d.mu.Unlock()
}

// IsLocked reports the current lock state.
func (d *Dictionary) IsLocked() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.locked
}

// CRCEntries returns every entry carrying [AttrCRC], in ascending
// (index, sub) order, for the application-side parameter-set checksum
// routine to iterate over.
func (d *Dictionary) CRCEntries() []*Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Entry
	for _, e := range d.entries {
		if e.HasAttribute(AttrCRC) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Sub < out[j].Sub
	})
	return out
}

// Entries returns every entry in the dictionary, for diagnostics/export.
func (d *Dictionary) Entries() []*Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Sub < out[j].Sub
	})
	return out
}
