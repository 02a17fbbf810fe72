package iso7816

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"
)

var ErrTruncated = errors.New("tlv: truncated data")

// TLV is a single BER-TLV data object. Tag holds the tag bytes big-endian
// (e.g. 0x5F1F, 0x7F49), Raw the complete encoding.
type TLV struct {
	Tag   uint32
	Value []byte
	Raw   []byte
}

// Constructed reports whether bit 6 of the first tag byte is set.
func (t TLV) Constructed() bool {
	first := t.Tag
	for first > 0xFF {
		first >>= 8
	}
	return first&0x20 != 0
}

func readTag(data []byte) (uint32, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrTruncated
	}
	tag := uint32(data[0])
	n := 1
	if data[0]&0x1F == 0x1F {
		for {
			if n >= len(data) {
				return 0, 0, ErrTruncated
			}
			if n > 3 {
				return 0, 0, fmt.Errorf("tlv: tag too long")
			}
			tag = tag<<8 | uint32(data[n])
			n++
			if data[n-1]&0x80 == 0 {
				break
			}
		}
	}
	return tag, n, nil
}

func readLength(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrTruncated
	}
	if data[0] < 0x80 {
		return int(data[0]), 1, nil
	}
	count := int(data[0] & 0x7F)
	if count == 0 || count > 4 {
		return 0, 0, fmt.Errorf("tlv: unsupported length encoding 0x%02X", data[0])
	}
	if len(data) < 1+count {
		return 0, 0, ErrTruncated
	}
	length := 0
	for _, b := range data[1 : 1+count] {
		length = length<<8 | int(b)
	}
	return length, 1 + count, nil
}

// ParseTLV decodes the first data object in data and returns the remainder.
func ParseTLV(data []byte) (TLV, []byte, error) {
	tag, tagLen, err := readTag(data)
	if err != nil {
		return TLV{}, nil, err
	}
	length, lenLen, err := readLength(data[tagLen:])
	if err != nil {
		return TLV{}, nil, err
	}
	start := tagLen + lenLen
	if length < 0 || len(data)-start < length {
		return TLV{}, nil, ErrTruncated
	}
	end := start + length
	return TLV{Tag: tag, Value: data[start:end], Raw: data[:end]}, data[end:], nil
}

// ParseAllTLV decodes a sequence of data objects, skipping 0x00 and 0xFF
// padding between them.
func ParseAllTLV(data []byte) ([]TLV, error) {
	var out []TLV
	for len(data) > 0 {
		if data[0] == 0x00 || data[0] == 0xFF {
			data = data[1:]
			continue
		}
		tlv, rest, err := ParseTLV(data)
		if err != nil {
			return out, err
		}
		out = append(out, tlv)
		data = rest
	}
	return out, nil
}

// Children decodes the value of a constructed object.
func (t TLV) Children() ([]TLV, error) {
	return ParseAllTLV(t.Value)
}

// Find returns the first direct child with the given tag.
func (t TLV) Find(tag uint32) (TLV, bool) {
	children, _ := t.Children()
	return FindTag(children, tag)
}

func FindTag(list []TLV, tag uint32) (TLV, bool) {
	for _, c := range list {
		if c.Tag == tag {
			return c, true
		}
	}
	return TLV{}, false
}

// FindAll returns every direct child with the given tag, in order.
func (t TLV) FindAll(tag uint32) []TLV {
	children, _ := t.Children()
	var out []TLV
	for _, c := range children {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

func tagBytes(tag uint32) []byte {
	switch {
	case tag > 0xFFFFFF:
		return []byte{byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)}
	case tag > 0xFFFF:
		return []byte{byte(tag >> 16), byte(tag >> 8), byte(tag)}
	case tag > 0xFF:
		return []byte{byte(tag >> 8), byte(tag)}
	default:
		return []byte{byte(tag)}
	}
}

// EncodeLength returns the BER definite length encoding of n.
func EncodeLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	case n <= 0xFFFF:
		return []byte{0x82, byte(n >> 8), byte(n)}
	case n <= 0xFFFFFF:
		return []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	default:
		return []byte{0x84, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}
}

// EncodeTLV encodes a single data object. Multiple values are concatenated.
func EncodeTLV(tag uint32, values ...[]byte) []byte {
	value := bytes.Join(values, nil)
	var buf bytes.Buffer
	buf.Write(tagBytes(tag))
	buf.Write(EncodeLength(len(value)))
	buf.Write(value)
	return buf.Bytes()
}

// EncodedLength returns the total size of the object whose first bytes are
// header. Used to size a file after reading only its first few bytes.
func EncodedLength(header []byte) (int, error) {
	_, tagLen, err := readTag(header)
	if err != nil {
		return 0, err
	}
	length, lenLen, err := readLength(header[tagLen:])
	if err != nil {
		return 0, err
	}
	return tagLen + lenLen + length, nil
}

// EncodeOID returns the content bytes of an OBJECT IDENTIFIER, without tag
// and length, as used inside tag 0x80 and 0x06 of secure messaging commands.
func EncodeOID(oid asn1.ObjectIdentifier) ([]byte, error) {
	der, err := asn1.Marshal(oid)
	if err != nil {
		return nil, err
	}
	tlv, _, err := ParseTLV(der)
	if err != nil {
		return nil, err
	}
	return tlv.Value, nil
}

// DecodeOID is the inverse of EncodeOID.
func DecodeOID(content []byte) (asn1.ObjectIdentifier, error) {
	var oid asn1.ObjectIdentifier
	der := EncodeTLV(0x06, content)
	if _, err := asn1.Unmarshal(der, &oid); err != nil {
		return nil, fmt.Errorf("invalid object identifier: %w", err)
	}
	return oid, nil
}
