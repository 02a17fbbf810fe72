package lds

import "fmt"

// Kind identifies an elementary file of the LDS.
type Kind int

const (
	KindUnknown Kind = iota
	KindCardAccess
	KindCOM
	KindSOD
	KindCVCA
	KindDG1
	KindDG2
	KindDG3
	KindDG4
	KindDG5
	KindDG6
	KindDG7
	KindDG8
	KindDG9
	KindDG10
	KindDG11
	KindDG12
	KindDG13
	KindDG14
	KindDG15
	KindDG16
)

// DataGroup returns the Kind of data group n, or KindUnknown.
func DataGroup(n int) Kind {
	if n < 1 || n > 16 {
		return KindUnknown
	}
	return KindDG1 + Kind(n-1)
}

// DataGroupNumber returns n for DGn, 0 for any other file.
func (k Kind) DataGroupNumber() int {
	if k < KindDG1 || k > KindDG16 {
		return 0
	}
	return int(k-KindDG1) + 1
}

// FID returns the short file identifier used with SELECT.
func (k Kind) FID() uint16 {
	switch k {
	case KindCardAccess:
		return 0x011C
	case KindCOM:
		return 0x011E
	case KindSOD:
		return 0x011D
	case KindCVCA:
		return 0x011C
	}
	if n := k.DataGroupNumber(); n > 0 {
		return 0x0100 + uint16(n)
	}
	return 0
}

var dataGroupTags = [17]byte{0, 0x61, 0x75, 0x63, 0x76, 0x65, 0x66, 0x67, 0x68, 0x69, 0x6A, 0x6B, 0x6C, 0x6D, 0x6E, 0x6F, 0x70}

// Tag returns the outer tag of the file, 0 for files without one.
func (k Kind) Tag() uint32 {
	switch k {
	case KindCOM:
		return 0x60
	case KindSOD:
		return 0x77
	}
	if n := k.DataGroupNumber(); n > 0 {
		return uint32(dataGroupTags[n])
	}
	return 0
}

// KindForTag maps an EF.COM tag list entry to a Kind.
func KindForTag(tag byte) Kind {
	switch tag {
	case 0x60:
		return KindCOM
	case 0x77:
		return KindSOD
	}
	for n := 1; n <= 16; n++ {
		if dataGroupTags[n] == tag {
			return DataGroup(n)
		}
	}
	return KindUnknown
}

func (k Kind) String() string {
	switch k {
	case KindCardAccess:
		return "EF.CardAccess"
	case KindCOM:
		return "EF.COM"
	case KindSOD:
		return "EF.SOD"
	case KindCVCA:
		return "EF.CVCA"
	}
	if n := k.DataGroupNumber(); n > 0 {
		return fmt.Sprintf("DG%d", n)
	}
	return "unknown"
}
