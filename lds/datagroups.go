package lds

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/mrz"

	"github.com/gmrtd/gmrtd/document"
	"golang.org/x/text/encoding/charmap"
)

// DG1 carries the MRZ as stored on the chip.
type DG1 struct {
	MRZ    string
	Record *mrz.Record
}

func parseDG1(body []byte) (*DG1, error) {
	children, err := iso7816.ParseAllTLV(body)
	if err != nil {
		return nil, err
	}
	v, ok := iso7816.FindTag(children, 0x5F1F)
	if !ok {
		return nil, fmt.Errorf("missing MRZ data object")
	}
	text := FormatMRZ(string(v.Value))
	rec, err := mrz.Parse(text)
	if err != nil {
		return nil, err
	}
	return &DG1{MRZ: text, Record: rec}, nil
}

// FormatMRZ splits the unbroken MRZ of DG1 into rows.
func FormatMRZ(s string) string {
	switch len(s) {
	case 88:
		return s[:44] + "\n" + s[44:]
	case 90:
		return s[:30] + "\n" + s[30:60] + "\n" + s[60:]
	}
	return s
}

// EncodeDG1 wraps an MRZ (rows separated by newlines or not) as DG1.
func EncodeDG1(text string) []byte {
	flat := bytes.ReplaceAll([]byte(text), []byte("\n"), nil)
	return iso7816.EncodeTLV(0x61, iso7816.EncodeTLV(0x5F1F, flat))
}

// FaceImage is one encoded facial image from DG2.
type FaceImage struct {
	Data     []byte
	MimeType string
}

// DG2 holds the encoded face; Parsed keeps the biometric templates.
type DG2 struct {
	Parsed *document.DG2
	Faces  []FaceImage
}

func parseDG2(raw []byte) (*DG2, error) {
	parsed, err := document.NewDG2(raw)
	if err != nil {
		return nil, err
	}
	dg2 := &DG2{Parsed: parsed}
	for _, img := range parsed.Images {
		if len(img.Image) == 0 {
			continue
		}
		dg2.Faces = append(dg2.Faces, FaceImage{Data: img.Image, MimeType: SniffImageMimeType(img.Image)})
	}
	return dg2, nil
}

var (
	jpegMagic      = []byte{0xFF, 0xD8, 0xFF}
	jp2Magic       = []byte{0x00, 0x00, 0x00, 0x0C, 0x6A, 0x50, 0x20, 0x20}
	j2kStreamMagic = []byte{0xFF, 0x4F, 0xFF, 0x51}
)

// SniffImageMimeType recognises the image encodings allowed in DG2 and DG5.
func SniffImageMimeType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, jpegMagic):
		return "image/jpeg"
	case bytes.HasPrefix(data, jp2Magic), bytes.HasPrefix(data, j2kStreamMagic):
		return "image/jp2"
	}
	return "application/octet-stream"
}

// DG5 holds displayed portraits.
type DG5 struct {
	Portraits []FaceImage
}

func parseDG5(body []byte) (*DG5, error) {
	children, err := iso7816.ParseAllTLV(body)
	if err != nil {
		return nil, err
	}
	dg5 := &DG5{}
	for _, c := range children {
		if c.Tag == 0x5F40 {
			dg5.Portraits = append(dg5.Portraits, FaceImage{Data: c.Value, MimeType: SniffImageMimeType(c.Value)})
		}
	}
	return dg5, nil
}

// DG11 holds additional personal details. Every field is optional.
type DG11 struct {
	FullName            string
	OtherNames          []string
	PersonalNumber      string
	FullDateOfBirth     string
	PlaceOfBirth        string
	PermanentAddress    string
	Telephone           string
	Profession          string
	Title               string
	PersonalSummary     string
	ProofOfCitizenship  []byte
	OtherValidTDNumbers string
	CustodyInformation  string
}

func parseDG11(body []byte) (*DG11, error) {
	children, err := iso7816.ParseAllTLV(body)
	if err != nil {
		return nil, err
	}
	dg11 := &DG11{}
	for _, c := range children {
		switch c.Tag {
		case 0x5F0E:
			dg11.FullName = decodeText(c.Value)
		case 0x5F0F:
			dg11.OtherNames = append(dg11.OtherNames, decodeText(c.Value))
		case 0xA0:
			for _, n := range c.FindAll(0x5F0F) {
				dg11.OtherNames = append(dg11.OtherNames, decodeText(n.Value))
			}
		case 0x5F10:
			dg11.PersonalNumber = decodeText(c.Value)
		case 0x5F2B:
			dg11.FullDateOfBirth = decodeFullDate(c.Value)
		case 0x5F11:
			dg11.PlaceOfBirth = decodeText(c.Value)
		case 0x5F42:
			dg11.PermanentAddress = decodeText(c.Value)
		case 0x5F12:
			dg11.Telephone = decodeText(c.Value)
		case 0x5F13:
			dg11.Profession = decodeText(c.Value)
		case 0x5F14:
			dg11.Title = decodeText(c.Value)
		case 0x5F15:
			dg11.PersonalSummary = decodeText(c.Value)
		case 0x5F16:
			dg11.ProofOfCitizenship = c.Value
		case 0x5F17:
			dg11.OtherValidTDNumbers = decodeText(c.Value)
		case 0x5F18:
			dg11.CustodyInformation = decodeText(c.Value)
		}
	}
	return dg11, nil
}

// decodeText reads UTF-8 and falls back to Latin-1, which older chips use.
func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(decoded)
}

// decodeFullDate returns YYYYMMDD from either eight ASCII digits or four
// BCD bytes.
func decodeFullDate(b []byte) string {
	if len(b) == 4 {
		return fmt.Sprintf("%02X%02X%02X%02X", b[0], b[1], b[2], b[3])
	}
	return string(b)
}

// DG15 holds the active authentication public key.
type DG15 struct {
	SubjectPublicKeyInfo []byte
	// PublicKey is nil when the key uses a curve crypto/x509 does not know.
	PublicKey crypto.PublicKey
}

func parseDG15(raw []byte) (*DG15, error) {
	parsed, err := document.NewDG15(raw)
	if err != nil {
		return nil, err
	}
	if len(parsed.SubjectPublicKeyInfoBytes) == 0 {
		return nil, fmt.Errorf("missing SubjectPublicKeyInfo")
	}
	dg15 := &DG15{SubjectPublicKeyInfo: parsed.SubjectPublicKeyInfoBytes}
	if dg15.PublicKey, err = x509.ParsePKIXPublicKey(parsed.SubjectPublicKeyInfoBytes); err != nil {
		slog.Debug("DG15 public key not supported by crypto/x509", "error", err)
	}
	return dg15, nil
}
