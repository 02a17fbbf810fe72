package lds

import (
	"errors"
	"fmt"

	"go-passport-verifier/iso7816"
)

var ErrUnexpectedTag = errors.New("unexpected file tag")

// File is one elementary file as read from the chip. Exactly one of the
// typed fields is set, chosen by Kind. Data groups without a parser only
// carry Raw.
type File struct {
	Kind Kind
	Raw  []byte

	COM        *COM
	SOD        *SOD
	DG1        *DG1
	DG2        *DG2
	DG5        *DG5
	DG11       *DG11
	DG14       *SecurityInfos
	DG15       *DG15
	CVCA       *CVCA
	CardAccess *SecurityInfos
}

// ParseFile decodes raw as a file of the given kind.
func ParseFile(kind Kind, raw []byte) (*File, error) {
	f := &File{Kind: kind, Raw: raw}

	var body []byte
	if tag := kind.Tag(); tag != 0 {
		outer, _, err := iso7816.ParseTLV(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		if outer.Tag != tag {
			return nil, fmt.Errorf("%s: %w %X", kind, ErrUnexpectedTag, outer.Tag)
		}
		body = outer.Value
	}

	var err error
	switch kind {
	case KindCOM:
		f.COM, err = parseCOM(body)
	case KindSOD:
		f.SOD, err = ParseSOD(raw)
	case KindDG1:
		f.DG1, err = parseDG1(body)
	case KindDG2:
		f.DG2, err = parseDG2(raw)
	case KindDG5:
		f.DG5, err = parseDG5(body)
	case KindDG11:
		f.DG11, err = parseDG11(body)
	case KindDG14:
		f.DG14, err = ParseSecurityInfos(body)
	case KindDG15:
		f.DG15, err = parseDG15(raw)
	case KindCVCA:
		f.CVCA, err = parseCVCA(raw)
	case KindCardAccess:
		f.CardAccess, err = ParseSecurityInfos(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return f, nil
}

// COM is EF.COM, the LDS version and the list of present data groups.
type COM struct {
	LDSVersion     string
	UnicodeVersion string
	TagList        []byte
}

func parseCOM(body []byte) (*COM, error) {
	children, err := iso7816.ParseAllTLV(body)
	if err != nil {
		return nil, err
	}
	com := &COM{}
	if v, ok := iso7816.FindTag(children, 0x5F01); ok {
		com.LDSVersion = string(v.Value)
	}
	if v, ok := iso7816.FindTag(children, 0x5F36); ok {
		com.UnicodeVersion = string(v.Value)
	}
	v, ok := iso7816.FindTag(children, 0x5C)
	if !ok {
		return nil, fmt.Errorf("missing tag list")
	}
	com.TagList = v.Value
	return com, nil
}

// DataGroups returns the data group numbers listed in the tag list.
func (c *COM) DataGroups() []int {
	var out []int
	for _, tag := range c.TagList {
		if n := KindForTag(tag).DataGroupNumber(); n > 0 {
			out = append(out, n)
		}
	}
	return out
}

// CVCA holds the references of the trust points for terminal authentication.
type CVCA struct {
	CARef    string
	AltCARef string
}

func parseCVCA(raw []byte) (*CVCA, error) {
	objects, err := iso7816.ParseAllTLV(raw)
	if err != nil {
		return nil, err
	}
	cvca := &CVCA{}
	for _, o := range objects {
		if o.Tag != 0x42 {
			continue
		}
		if cvca.CARef == "" {
			cvca.CARef = string(o.Value)
		} else if cvca.AltCARef == "" {
			cvca.AltCARef = string(o.Value)
		}
	}
	if cvca.CARef == "" {
		return nil, fmt.Errorf("no certification authority reference")
	}
	return cvca, nil
}

// References returns the CA reference followed by the alternative one, if any.
func (c *CVCA) References() []string {
	refs := []string{c.CARef}
	if c.AltCARef != "" {
		refs = append(refs, c.AltCARef)
	}
	return refs
}

// EncodeCVCA produces EF.CVCA padded to its fixed size of 36 bytes.
func EncodeCVCA(caRef, altCARef string) []byte {
	out := iso7816.EncodeTLV(0x42, []byte(caRef))
	if altCARef != "" {
		out = append(out, iso7816.EncodeTLV(0x42, []byte(altCARef))...)
	}
	for len(out) < 36 {
		out = append(out, 0x00)
	}
	return out
}
