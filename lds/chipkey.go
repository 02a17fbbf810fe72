package lds

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/osanderson/brainpool"
)

var (
	OIDDHPublicNumber = asn1.ObjectIdentifier{1, 2, 840, 10046, 2, 1}
	OIDPKCS3DH        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 3, 1}
)

var ErrUnsupportedCurve = errors.New("unsupported elliptic curve")

type namedCurve struct {
	oid   asn1.ObjectIdentifier
	curve elliptic.Curve
}

var namedCurves = []namedCurve{
	{asn1.ObjectIdentifier{1, 3, 132, 0, 33}, elliptic.P224()},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}, elliptic.P256()},
	{asn1.ObjectIdentifier{1, 3, 132, 0, 34}, elliptic.P384()},
	{asn1.ObjectIdentifier{1, 3, 132, 0, 35}, elliptic.P521()},
	{asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 7}, brainpool.P256r1()},
	{asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 11}, brainpool.P384r1()},
	{asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 13}, brainpool.P512r1()},
}

// CurveForOID resolves a named curve, brainpool included.
func CurveForOID(oid asn1.ObjectIdentifier) (elliptic.Curve, bool) {
	for _, c := range namedCurves {
		if c.oid.Equal(oid) {
			return c.curve, true
		}
	}
	return nil, false
}

// OIDForCurve returns the named curve OID of c.
func OIDForCurve(c elliptic.Curve) (asn1.ObjectIdentifier, bool) {
	for _, nc := range namedCurves {
		if sameCurve(nc.curve, c) {
			return nc.oid, true
		}
	}
	return nil, false
}

// CurveForParams matches explicit domain parameters against the known curves.
func CurveForParams(p, n *big.Int) (elliptic.Curve, bool) {
	for _, nc := range namedCurves {
		params := nc.curve.Params()
		if params.P.Cmp(p) == 0 && params.N.Cmp(n) == 0 {
			return nc.curve, true
		}
	}
	return nil, false
}

func sameCurve(a, b elliptic.Curve) bool {
	pa, pb := a.Params(), b.Params()
	return pa.P.Cmp(pb.P) == 0 && pa.N.Cmp(pb.N) == 0 && pa.Gx.Cmp(pb.Gx) == 0
}

// DHPublicKey is a finite field Diffie-Hellman public key.
type DHPublicKey struct {
	P, G, Q *big.Int
	Y       *big.Int
}

var (
	one   = big.NewInt(1)
	three = big.NewInt(3)
)

// CheckParameters rejects domain parameters no key agreement can run on:
// p must exceed 3, g must lie in (1, p-1) and q, when present, in (1, p).
func (k *DHPublicKey) CheckParameters() error {
	if k.P == nil || k.G == nil {
		return errors.New("DH parameters p and g are required")
	}
	if k.P.Cmp(three) <= 0 {
		return fmt.Errorf("DH modulus %s too small", k.P)
	}
	pMinusOne := new(big.Int).Sub(k.P, one)
	if k.G.Cmp(one) <= 0 || k.G.Cmp(pMinusOne) >= 0 {
		return errors.New("DH generator out of range")
	}
	if k.Q != nil && (k.Q.Cmp(one) <= 0 || k.Q.Cmp(k.P) >= 0) {
		return errors.New("DH subgroup order out of range")
	}
	return nil
}

// Check is CheckParameters plus 1 < y < p-1 for the public value.
func (k *DHPublicKey) Check() error {
	if err := k.CheckParameters(); err != nil {
		return err
	}
	if k.Y == nil || k.Y.Cmp(one) <= 0 || k.Y.Cmp(new(big.Int).Sub(k.P, one)) >= 0 {
		return errors.New("DH public value out of range")
	}
	return nil
}

// ChipPublicKey is the static chip key from DG14. Exactly one of EC and DH
// is set.
type ChipPublicKey struct {
	EC *ecdsa.PublicKey
	DH *DHPublicKey
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

type ecFieldID struct {
	FieldType asn1.ObjectIdentifier
	Prime     *big.Int
}

type ecCurve struct {
	A    []byte
	B    []byte
	Seed asn1.BitString `asn1:"optional"`
}

type ecParameters struct {
	Version  int
	FieldID  ecFieldID
	Curve    ecCurve
	Base     []byte
	Order    *big.Int
	Cofactor *big.Int `asn1:"optional"`
}

type dhDomainParameters struct {
	P *big.Int
	G *big.Int
	Q *big.Int `asn1:"optional"`
}

// ParseChipPublicKey decodes an EC or DH SubjectPublicKeyInfo. Named and
// explicit EC parameters are both accepted.
func ParseChipPublicKey(spki []byte) (*ChipPublicKey, error) {
	var info subjectPublicKeyInfo
	if _, err := asn1.Unmarshal(spki, &info); err != nil {
		return nil, fmt.Errorf("failed to parse SubjectPublicKeyInfo: %w", err)
	}
	alg := info.Algorithm
	switch {
	case alg.Algorithm.Equal(OIDECPublicKey):
		curve, err := ecCurveFromParameters(alg.Parameters)
		if err != nil {
			return nil, err
		}
		x, y, err := UnmarshalPoint(curve, info.PublicKey.Bytes)
		if err != nil {
			return nil, err
		}
		return &ChipPublicKey{EC: &ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
	case alg.Algorithm.Equal(OIDDHPublicNumber), alg.Algorithm.Equal(OIDPKCS3DH):
		var params dhDomainParameters
		if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, &params); err != nil {
			return nil, fmt.Errorf("failed to parse DH parameters: %w", err)
		}
		var y *big.Int
		if _, err := asn1.Unmarshal(info.PublicKey.Bytes, &y); err != nil {
			return nil, fmt.Errorf("failed to parse DH public value: %w", err)
		}
		// PKCS#3 carries privateValueLength where X9.42 carries q.
		q := params.Q
		if alg.Algorithm.Equal(OIDPKCS3DH) {
			q = nil
		}
		key := &DHPublicKey{P: params.P, G: params.G, Q: q, Y: y}
		if err := key.Check(); err != nil {
			return nil, err
		}
		return &ChipPublicKey{DH: key}, nil
	}
	return nil, fmt.Errorf("unsupported public key algorithm %s", alg.Algorithm)
}

func ecCurveFromParameters(raw asn1.RawValue) (elliptic.Curve, error) {
	if raw.Tag == asn1.TagOID {
		var oid asn1.ObjectIdentifier
		if _, err := asn1.Unmarshal(raw.FullBytes, &oid); err != nil {
			return nil, err
		}
		if c, ok := CurveForOID(oid); ok {
			return c, nil
		}
		return nil, fmt.Errorf("%w %s", ErrUnsupportedCurve, oid)
	}
	var params ecParameters
	if _, err := asn1.Unmarshal(raw.FullBytes, &params); err != nil {
		return nil, fmt.Errorf("failed to parse EC parameters: %w", err)
	}
	if c, ok := CurveForParams(params.FieldID.Prime, params.Order); ok {
		return c, nil
	}
	return nil, ErrUnsupportedCurve
}

// UnmarshalPoint decodes an uncompressed point and checks it lies on curve.
func UnmarshalPoint(curve elliptic.Curve, data []byte) (*big.Int, *big.Int, error) {
	size := (curve.Params().BitSize + 7) / 8
	if len(data) != 1+2*size || data[0] != 0x04 {
		return nil, nil, errors.New("invalid uncompressed point")
	}
	x := new(big.Int).SetBytes(data[1 : 1+size])
	y := new(big.Int).SetBytes(data[1+size:])
	if !curve.IsOnCurve(x, y) {
		return nil, nil, errors.New("point not on curve")
	}
	return x, y, nil
}

// MarshalPoint encodes an uncompressed point with fixed width coordinates.
func MarshalPoint(curve elliptic.Curve, x, y *big.Int) []byte {
	size := (curve.Params().BitSize + 7) / 8
	out := make([]byte, 1+2*size)
	out[0] = 0x04
	x.FillBytes(out[1 : 1+size])
	y.FillBytes(out[1+size:])
	return out
}

// MarshalSubjectPublicKeyInfo encodes the key with a named curve or X9.42
// domain parameters.
func (k *ChipPublicKey) MarshalSubjectPublicKeyInfo() ([]byte, error) {
	switch {
	case k.EC != nil:
		oid, ok := OIDForCurve(k.EC.Curve)
		if !ok {
			return nil, ErrUnsupportedCurve
		}
		params, err := asn1.Marshal(oid)
		if err != nil {
			return nil, err
		}
		point := MarshalPoint(k.EC.Curve, k.EC.X, k.EC.Y)
		return asn1.Marshal(subjectPublicKeyInfo{
			Algorithm: pkix.AlgorithmIdentifier{Algorithm: OIDECPublicKey, Parameters: asn1.RawValue{FullBytes: params}},
			PublicKey: asn1.BitString{Bytes: point, BitLength: 8 * len(point)},
		})
	case k.DH != nil:
		params, err := asn1.Marshal(dhDomainParameters{P: k.DH.P, G: k.DH.G, Q: k.DH.Q})
		if err != nil {
			return nil, err
		}
		y, err := asn1.Marshal(k.DH.Y)
		if err != nil {
			return nil, err
		}
		return asn1.Marshal(subjectPublicKeyInfo{
			Algorithm: pkix.AlgorithmIdentifier{Algorithm: OIDDHPublicNumber, Parameters: asn1.RawValue{FullBytes: params}},
			PublicKey: asn1.BitString{Bytes: y, BitLength: 8 * len(y)},
		})
	}
	return nil, errors.New("empty chip public key")
}
