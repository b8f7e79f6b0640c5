package sod

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"

	"gopkg.in/ini.v1"
)

// LoadINI parses an openSAFETY device-description file into a new
// [Dictionary]. Section names are 4-hex-digit indices ("1018") for
// scalar entries, or "1018subNN" for a fixed sub-index of a multi-entry
// object, mirroring the EDS convention the device-description format was
// itself modeled on.
//
// Recognized keys per section: ParameterName, DataType (decimal DataType
// value), AccessType (one of ro_const/ro/rw), DefaultValue (hex string),
// PDOMapping (0/1), CRC (0/1), Domain (0/1), MaxLength (decimal, domain
// entries only).
func LoadINI(source any) (*Dictionary, error) {
	f, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("sod: loading ini source: %w", err)
	}

	d := NewDictionary(nil)

	for _, section := range f.Sections() {
		name := section.Name()
		if !matchIndex.MatchString(name) && !matchSubIndex.MatchString(name) {
			continue
		}

		var index uint16
		var sub uint8
		if m := matchSubIndex.FindStringSubmatch(name); m != nil {
			idx, _ := strconv.ParseUint(m[1], 16, 16)
			subIdx, _ := strconv.ParseUint(m[2], 10, 8)
			index, sub = uint16(idx), uint8(subIdx)
		} else {
			idx, _ := strconv.ParseUint(name, 16, 16)
			index = uint16(idx)
		}

		if err := addEntryFromSection(d, index, sub, section); err != nil {
			return nil, fmt.Errorf("sod: section %q: %w", name, err)
		}
	}

	return d, nil
}

var (
	matchIndex    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchSubIndex = regexp.MustCompile(`^([0-9A-Fa-f]{4})sub([0-9]+)$`)
)

func addEntryFromSection(d *Dictionary, index uint16, sub uint8, section *ini.Section) error {
	paramName := section.Key("ParameterName").String()

	dt, err := section.Key("DataType").Int()
	if err != nil {
		dt = int(Unsigned8)
	}

	isDomain := section.Key("Domain").MustBool(false) || DataType(dt) == Domain

	var attr Attribute
	switch section.Key("AccessType").String() {
	case "rw":
		attr = AccessRW
	case "ro":
		attr = AccessRO
	default:
		attr = AccessROConst
	}
	if section.Key("PDOMapping").MustBool(false) {
		attr |= AttrPDOMap
	}
	if section.Key("CRC").MustBool(false) {
		attr |= AttrCRC
	}

	if isDomain {
		maxLen := uint32(section.Key("MaxLength").MustInt(0))
		d.AddDomain(index, sub, paramName, attr, maxLen)
		return nil
	}

	defaultStr := section.Key("DefaultValue").String()
	value, err := hex.DecodeString(defaultStr)
	if err != nil {
		return fmt.Errorf("decoding DefaultValue %q: %w", defaultStr, err)
	}
	d.AddScalar(index, sub, paramName, DataType(dt), attr, value)
	return nil
}
