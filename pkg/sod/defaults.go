package sod

import "encoding/binary"

// Reserved index space, spec §6.3.
const (
	IdxLifeGuarding   uint16 = 0x100C // GuardTime (sub1) / LifeTimeFactor (sub2)
	IdxRefresh        uint16 = 0x100D // sub1: interval
	IdxRefreshCounter uint16 = 0x100E
	IdxIdentity       uint16 = 0x1018 // vendor/product/revision/serial
	IdxUDID           uint16 = 0x1019
	IdxParamDownload  uint16 = 0x101A
	IdxSCMSettings    uint16 = 0x1200 // SDN / SCM_SADR / CT base / UDID-of-SCM
	IdxRxSPDOCommBase uint16 = 0x1400
	IdxRxSPDOMapBase  uint16 = 0x1800
	IdxTxSPDOCommBase uint16 = 0x1C00
	IdxTxSPDOMapBase  uint16 = 0xC000
	IdxSADRDVIList    uint16 = 0xC400 // SCM only
	IdxAddSADRList    uint16 = 0xC800
	IdxSADRUDIDList   uint16 = 0xCC00
)

func le16(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }
func le32(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
func le8(v uint8) []byte   { return []byte{v} }

// IdentityParams is the subset of 0x1018 the application must supply when
// building a default dictionary.
type IdentityParams struct {
	VendorID        uint32
	ProductCode     uint32
	RevisionNumber  uint32
	SerialNumber    uint32
	FirmwareCS      uint32 // firmware checksum
	UDID            [6]byte
	SCMUDID         [6]byte
	SDN             uint16
	SCMSADR         uint16
	GuardTimeMs     uint16
	LifeTimeFactor  uint8
	RefreshInterval uint32
}

// NewDefault builds a [Dictionary] pre-populated with the reserved indices
// every openSAFETY SN carries regardless of application content: life
// guarding, refresh, identity/UDID, parameter download, SCM settings and
// the parameter checksum/timestamp pair under 0x1018. It creates no SPDO
// communication or mapping entries (0x1400+/0xC000+), and neither does
// pkg/spdo, which only reads and writes the mapped objects it is given.
func NewDefault(p IdentityParams) *Dictionary {
	d := NewDictionary(nil)

	d.AddScalar(IdxLifeGuarding, 1, "GuardTime", Unsigned16, AccessRW|AttrCRC, le16(p.GuardTimeMs))
	d.AddScalar(IdxLifeGuarding, 2, "LifeTimeFactor", Unsigned8, AccessRW|AttrCRC, le8(p.LifeTimeFactor))

	d.AddScalar(IdxRefresh, 1, "RefreshInterval", Unsigned32, AccessRW|AttrCRC, le32(p.RefreshInterval))
	d.AddScalar(IdxRefreshCounter, 1, "RefreshCounter", Unsigned32, AccessRW, le32(0))

	d.AddScalar(IdxIdentity, 1, "VendorID", Unsigned32, AccessROConst, le32(p.VendorID))
	d.AddScalar(IdxIdentity, 2, "ProductCode", Unsigned32, AccessROConst, le32(p.ProductCode))
	d.AddScalar(IdxIdentity, 3, "RevisionNumber", Unsigned32, AccessROConst, le32(p.RevisionNumber))
	d.AddScalar(IdxIdentity, 4, "SerialNumber", Unsigned32, AccessROConst, le32(p.SerialNumber))
	d.AddScalar(IdxIdentity, 5, "FirmwareChecksum", Unsigned32, AccessROConst, le32(p.FirmwareCS))
	d.AddDomain(IdxIdentity, 6, "ParameterChecksum", AccessRO, 16)
	d.AddScalar(IdxIdentity, 7, "ParameterTimestamp", Unsigned32, AccessRO, le32(0))

	d.AddScalar(IdxUDID, 0, "UDID", OctetString, AccessROConst, p.UDID[:])

	d.AddDomain(IdxParamDownload, 0, "ParameterDownload", AccessRW, 1<<16)

	d.AddScalar(IdxSCMSettings, 1, "SDN", Unsigned16, AccessRW|AttrCRC, le16(p.SDN))
	d.AddScalar(IdxSCMSettings, 2, "SCM_SADR", Unsigned16, AccessRW|AttrCRC, le16(p.SCMSADR))
	d.AddScalar(IdxSCMSettings, 4, "UDIDOfSCM", OctetString, AccessRW|AttrCRC, p.SCMUDID[:])

	return d
}

// RxSPDOCommIndex returns the reserved communication-parameter index for
// the n'th (0-based) receive SPDO.
func RxSPDOCommIndex(n int) uint16 { return IdxRxSPDOCommBase + uint16(n) }

// RxSPDOMapIndex returns the reserved mapping-parameter index for the
// n'th (0-based) receive SPDO.
func RxSPDOMapIndex(n int) uint16 { return IdxRxSPDOMapBase + uint16(n) }

// TxSPDOCommIndex returns the reserved communication-parameter index for
// the n'th (0-based) transmit SPDO.
func TxSPDOCommIndex(n int) uint16 { return IdxTxSPDOCommBase + uint16(n) }

// TxSPDOMapIndex returns the reserved mapping-parameter index for the
// n'th (0-based) transmit SPDO.
func TxSPDOMapIndex(n int) uint16 { return IdxTxSPDOMapBase + uint16(n) }
