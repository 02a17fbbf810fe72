// Package mrtd runs the access control and authentication protocols of an
// eMRTD chip: BAC, PACE, chip authentication and terminal authentication.
package mrtd

import (
	"crypto/sha1"
	"fmt"

	"go-passport-verifier/logging"
	"go-passport-verifier/mrz"
	"go-passport-verifier/securemessaging"
)

// PACE password references of MSE:SET AT.
const (
	PasswordMRZ byte = 0x01
	PasswordCAN byte = 0x02
)

// AccessKey is a password from which BAC or PACE keys are derived.
type AccessKey interface {
	// PasswordRef is the PACE password reference.
	PasswordRef() byte
	// Seed is the input of the key derivation function for PACE.
	Seed() []byte
}

// BACKey is the document number, date of birth and date of expiry as printed
// in the MRZ. Dates are YYMMDD.
type BACKey struct {
	DocumentNumber string
	DateOfBirth    string
	DateOfExpiry   string
}

func BACKeyFromRecord(r *mrz.Record) BACKey {
	return BACKey{
		DocumentNumber: r.DocumentNumber,
		DateOfBirth:    r.DateOfBirth.Raw,
		DateOfExpiry:   r.ExpirationDate.Raw,
	}
}

// MRZInfo is the key seed input with check digits.
func (k BACKey) MRZInfo() string {
	return mrz.MRZInfo(k.DocumentNumber, k.DateOfBirth, k.DateOfExpiry)
}

func (k BACKey) PasswordRef() byte { return PasswordMRZ }

// Seed returns SHA-1 of the MRZ information.
func (k BACKey) Seed() []byte {
	sum := sha1.Sum([]byte(k.MRZInfo()))
	return sum[:]
}

// keys derives the BAC encryption and MAC keys.
func (k BACKey) keys() (kEnc, kMac []byte) {
	seed := k.Seed()[:16]
	return securemessaging.DeriveKey(seed, securemessaging.TripleDES, securemessaging.CounterEnc),
		securemessaging.DeriveKey(seed, securemessaging.TripleDES, securemessaging.CounterMAC)
}

func (k BACKey) String() string {
	return fmt.Sprintf("BACKey[%s]", logging.MaskDocumentNumber(k.DocumentNumber))
}

// IDPICC is the chip identifier used by terminal authentication after BAC:
// the document number padded to nine characters followed by its check digit.
func (k BACKey) IDPICC() []byte {
	info := k.MRZInfo()
	return []byte(info[:len(info)-14])
}

// PACEKey is a PACE password: the MRZ information or a card access number.
type PACEKey struct {
	MRZ BACKey
	CAN string
}

func PACEKeyFromBACKey(k BACKey) PACEKey {
	return PACEKey{MRZ: k}
}

func NewCANKey(can string) PACEKey {
	return PACEKey{CAN: can}
}

func (k PACEKey) PasswordRef() byte {
	if k.CAN != "" {
		return PasswordCAN
	}
	return PasswordMRZ
}

func (k PACEKey) Seed() []byte {
	if k.CAN != "" {
		return []byte(k.CAN)
	}
	return k.MRZ.Seed()
}
