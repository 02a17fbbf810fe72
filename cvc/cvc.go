// Package cvc reads and writes card verifiable certificates as used for
// terminal authentication.
package cvc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
)

const (
	tagCertificate   = 0x7F21
	tagBody          = 0x7F4E
	tagProfileID     = 0x5F29
	tagCAR           = 0x42
	tagPublicKey     = 0x7F49
	tagCHR           = 0x5F20
	tagCHAT          = 0x7F4C
	tagEffective     = 0x5F25
	tagExpiration    = 0x5F24
	tagSignature     = 0x5F37
	tagOID           = 0x06
	tagDiscretionary = 0x53
)

var (
	ErrMissingField  = errors.New("missing certificate field")
	ErrNoDomainParam = errors.New("no domain parameters for public key")
)

var (
	OIDRoleIS         = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 3, 1, 2, 1}
	OIDTAECDSASHA1    = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2, 1}
	OIDTAECDSASHA224  = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2, 2}
	OIDTAECDSASHA256  = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2, 3}
	OIDTAECDSASHA384  = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2, 4}
	OIDTAECDSASHA512  = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2, 5}
	OIDTARSAv15SHA1   = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 1}
	OIDTARSAv15SHA256 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 2}
	OIDTARSAPSSSHA1   = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 3}
	OIDTARSAPSSSHA256 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 4}
	OIDTARSAv15SHA512 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 5}
	OIDTARSAPSSSHA512 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1, 6}
	oidTAECDSAFamily  = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 2}
	oidTARSAFamily    = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 2, 1}
)

// PublicKey is the 7F49 object of a certificate. EC keys of DV and terminal
// certificates usually omit domain parameters and inherit the curve of the
// CVCA.
type PublicKey struct {
	OID   asn1.ObjectIdentifier
	Curve elliptic.Curve
	Point []byte
	N, E  *big.Int
}

// IsEC reports whether the key belongs to an ECDSA algorithm.
func (k PublicKey) IsEC() bool {
	return len(k.OID) > len(oidTAECDSAFamily) && k.OID[:len(oidTAECDSAFamily)].Equal(oidTAECDSAFamily)
}

// ECDSA returns the key on its own curve or, failing that, on fallback.
func (k PublicKey) ECDSA(fallback elliptic.Curve) (*ecdsa.PublicKey, error) {
	curve := k.Curve
	if curve == nil {
		curve = fallback
	}
	if curve == nil {
		return nil, ErrNoDomainParam
	}
	x, y, err := lds.UnmarshalPoint(curve, k.Point)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// Certificate is a parsed card verifiable certificate.
type Certificate struct {
	Raw  []byte
	Body []byte

	ProfileID          int
	AuthorityReference string
	HolderReference    string
	PublicKey          PublicKey
	Role               asn1.ObjectIdentifier
	Authorization      []byte
	EffectiveDate      time.Time
	ExpirationDate     time.Time
	Signature          []byte
}

// Parse decodes a 7F21 certificate.
func Parse(raw []byte) (*Certificate, error) {
	outer, _, err := iso7816.ParseTLV(raw)
	if err != nil {
		return nil, err
	}
	if outer.Tag != tagCertificate {
		return nil, fmt.Errorf("unexpected tag %X", outer.Tag)
	}
	children, err := outer.Children()
	if err != nil {
		return nil, err
	}
	body, ok := iso7816.FindTag(children, tagBody)
	if !ok {
		return nil, fmt.Errorf("%w: body", ErrMissingField)
	}
	sig, ok := iso7816.FindTag(children, tagSignature)
	if !ok {
		return nil, fmt.Errorf("%w: signature", ErrMissingField)
	}

	c := &Certificate{Raw: outer.Raw, Body: body.Raw, Signature: sig.Value}
	fields, err := body.Children()
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		switch f.Tag {
		case tagProfileID:
			if len(f.Value) == 1 {
				c.ProfileID = int(f.Value[0])
			}
		case tagCAR:
			c.AuthorityReference = string(f.Value)
		case tagCHR:
			c.HolderReference = string(f.Value)
		case tagPublicKey:
			if c.PublicKey, err = parsePublicKey(f); err != nil {
				return nil, err
			}
		case tagCHAT:
			if oid, ok := f.Find(tagOID); ok {
				if c.Role, err = iso7816.DecodeOID(oid.Value); err != nil {
					return nil, err
				}
			}
			if auth, ok := f.Find(tagDiscretionary); ok {
				c.Authorization = auth.Value
			}
		case tagEffective:
			if c.EffectiveDate, err = parseDate(f.Value); err != nil {
				return nil, err
			}
		case tagExpiration:
			if c.ExpirationDate, err = parseDate(f.Value); err != nil {
				return nil, err
			}
		}
	}
	if c.AuthorityReference == "" || c.HolderReference == "" || c.PublicKey.OID == nil {
		return nil, fmt.Errorf("%w: references or public key", ErrMissingField)
	}
	return c, nil
}

func parsePublicKey(t iso7816.TLV) (PublicKey, error) {
	var k PublicKey
	fields, err := t.Children()
	if err != nil {
		return k, err
	}
	oid, ok := iso7816.FindTag(fields, tagOID)
	if !ok {
		return k, fmt.Errorf("%w: key algorithm", ErrMissingField)
	}
	if k.OID, err = iso7816.DecodeOID(oid.Value); err != nil {
		return k, err
	}
	if k.IsEC() {
		if p, ok := iso7816.FindTag(fields, 0x81); ok {
			n, ok := iso7816.FindTag(fields, 0x85)
			if !ok {
				return k, fmt.Errorf("%w: order", ErrMissingField)
			}
			curve, ok := lds.CurveForParams(new(big.Int).SetBytes(p.Value), new(big.Int).SetBytes(n.Value))
			if !ok {
				return k, lds.ErrUnsupportedCurve
			}
			k.Curve = curve
		}
		point, ok := iso7816.FindTag(fields, 0x86)
		if !ok {
			return k, fmt.Errorf("%w: public point", ErrMissingField)
		}
		k.Point = point.Value
		return k, nil
	}
	n, okN := iso7816.FindTag(fields, 0x81)
	e, okE := iso7816.FindTag(fields, 0x82)
	if !okN || !okE {
		return k, fmt.Errorf("%w: RSA modulus or exponent", ErrMissingField)
	}
	k.N = new(big.Int).SetBytes(n.Value)
	k.E = new(big.Int).SetBytes(e.Value)
	return k, nil
}

// parseDate reads six unpacked BCD digits YYMMDD.
func parseDate(b []byte) (time.Time, error) {
	if len(b) != 6 {
		return time.Time{}, fmt.Errorf("invalid date length %d", len(b))
	}
	for _, d := range b {
		if d > 9 {
			return time.Time{}, fmt.Errorf("invalid date digit %d", d)
		}
	}
	year := 2000 + int(b[0])*10 + int(b[1])
	month := time.Month(int(b[2])*10 + int(b[3]))
	day := int(b[4])*10 + int(b[5])
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), nil
}

func encodeDate(t time.Time) []byte {
	y, m, d := t.Year()%100, int(t.Month()), t.Day()
	return []byte{byte(y / 10), byte(y % 10), byte(m / 10), byte(m % 10), byte(d / 10), byte(d % 10)}
}

// IsValidAt reports whether t falls within the validity period.
func (c *Certificate) IsValidAt(t time.Time) bool {
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return !day.Before(c.EffectiveDate) && !day.After(c.ExpirationDate)
}

// IsSelfSigned reports whether the certificate is a CVCA root.
func (c *Certificate) IsSelfSigned() bool {
	return c.AuthorityReference == c.HolderReference
}

// CheckSignatureFrom verifies c against the key of issuer. curve supplies the
// domain parameters when the issuer key does not carry them.
func (c *Certificate) CheckSignatureFrom(issuer *Certificate, curve elliptic.Curve) error {
	if issuer.HolderReference != c.AuthorityReference {
		return fmt.Errorf("issuer %s does not match authority reference %s", issuer.HolderReference, c.AuthorityReference)
	}
	return Verify(issuer.PublicKey, curve, c.Body, c.Signature)
}

// BodyAndSignature returns the concatenation sent with PSO:VERIFY CERTIFICATE.
func (c *Certificate) BodyAndSignature() []byte {
	out := append([]byte{}, c.Body...)
	return append(out, iso7816.EncodeTLV(tagSignature, c.Signature)...)
}

func (c *Certificate) String() string {
	return fmt.Sprintf("CVC[CAR=%s, CHR=%s]", c.AuthorityReference, c.HolderReference)
}

// Chain orders certificates from the one issued by car down to the terminal
// certificate. It fails when a link is missing.
func Chain(car string, certs []*Certificate) ([]*Certificate, error) {
	byCAR := make(map[string]*Certificate, len(certs))
	for _, c := range certs {
		if !c.IsSelfSigned() {
			byCAR[c.AuthorityReference] = c
		}
	}
	var chain []*Certificate
	next := car
	for {
		c, ok := byCAR[next]
		if !ok {
			break
		}
		chain = append(chain, c)
		delete(byCAR, next)
		next = c.HolderReference
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificate issued by %s", car)
	}
	return chain, nil
}
