package mrz

import (
	"fmt"
	"strings"
)

var weights = [3]int{7, 3, 1}

func charValue(c byte) (int, bool) {
	switch {
	case c == Filler:
		return 0, true
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10, true
	}
	return 0, false
}

// CheckDigit computes the ICAO 9303 check digit of s. Characters outside
// the MRZ alphabet yield an error.
func CheckDigit(s string) (int, error) {
	sum := 0
	for i := 0; i < len(s); i++ {
		v, ok := charValue(s[i])
		if !ok {
			return 0, fmt.Errorf("invalid character in MRZ record: %q", s[i])
		}
		sum += v * weights[i%3]
	}
	return sum % 10, nil
}

// CheckDigitChar is CheckDigit as the character printed in the MRZ.
func CheckDigitChar(s string) byte {
	d, err := CheckDigit(s)
	if err != nil {
		return Filler
	}
	return byte('0' + d)
}

// ValidCheckDigit reports whether digit matches the check digit of s. A
// filler is read as '0'.
func ValidCheckDigit(s string, digit byte) bool {
	if digit == Filler {
		digit = '0'
	}
	d, err := CheckDigit(s)
	if err != nil {
		return false
	}
	return byte('0'+d) == digit
}

// MRZInfo builds document number, date of birth and date of expiry, each
// followed by its check digit. The document number is padded to nine
// characters.
func MRZInfo(documentNumber, dateOfBirth, dateOfExpiry string) string {
	docNum := strings.ReplaceAll(strings.ToUpper(documentNumber), " ", "<")
	for len(docNum) < 9 {
		docNum += "<"
	}
	var b strings.Builder
	b.WriteString(docNum)
	b.WriteByte(CheckDigitChar(docNum))
	b.WriteString(dateOfBirth)
	b.WriteByte(CheckDigitChar(dateOfBirth))
	b.WriteString(dateOfExpiry)
	b.WriteByte(CheckDigitChar(dateOfExpiry))
	return b.String()
}
