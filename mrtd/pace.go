package mrtd

import (
	"bytes"
	"context"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/subtle"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
	"go-passport-verifier/securemessaging"

	"github.com/osanderson/brainpool"
)

var (
	ErrPACEFailed          = errors.New("PACE failed")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// PACE dynamic authentication data tags.
const (
	tagDynamicAuth     = 0x7C
	tagEncryptedNonce  = 0x80
	tagMappingPCD      = 0x81
	tagMappingPICC     = 0x82
	tagEphemeralPCD    = 0x83
	tagEphemeralPICC   = 0x84
	tagAuthTokenPCD    = 0x85
	tagAuthTokenPICC   = 0x86
	tagCARPrimary      = 0x87
	tagCARSecondary    = 0x88
	tagPublicKeyObject = 0x7F49
	tagPublicPoint     = 0x86
)

// standardizedCurves are the elliptic curve domain parameters of ICAO 9303
// part 11 table 6 that this package supports.
var standardizedCurves = map[int]func() elliptic.Curve{
	10: elliptic.P224,
	12: elliptic.P256,
	13: brainpool.P256r1,
	15: elliptic.P384,
	16: brainpool.P384r1,
	17: brainpool.P512r1,
	18: elliptic.P521,
}

// PACECurve returns the curve of a standardized domain parameter id.
func PACECurve(parameterID int) (elliptic.Curve, error) {
	c, ok := standardizedCurves[parameterID]
	if !ok {
		return nil, fmt.Errorf("%w: domain parameter id %d", ErrUnsupportedProtocol, parameterID)
	}
	return c(), nil
}

// CipherForStrength maps the last arc of a PACE or CA protocol OID to a
// secure messaging cipher.
func CipherForStrength(strength int) (securemessaging.Cipher, error) {
	switch strength {
	case lds.StrengthTripleDES:
		return securemessaging.TripleDES, nil
	case lds.StrengthAES128:
		return securemessaging.AES128, nil
	case lds.StrengthAES192:
		return securemessaging.AES192, nil
	case lds.StrengthAES256:
		return securemessaging.AES256, nil
	}
	return 0, fmt.Errorf("%w: cipher strength %d", ErrUnsupportedProtocol, strength)
}

// PACEResult describes an established PACE channel.
type PACEResult struct {
	Protocol      asn1.ObjectIdentifier
	ParameterID   int
	Cipher        securemessaging.Cipher
	Curve         elliptic.Curve
	PICCPublicKey []byte
	PCDPublicKey  []byte
	CARs          []string
}

// IDPICC is the compressed ephemeral chip key used by terminal
// authentication: its x-coordinate.
func (r *PACEResult) IDPICC() []byte {
	return CompressPoint(r.Curve, r.PICCPublicKey)
}

// CompressPoint returns the x-coordinate of an uncompressed point.
func CompressPoint(curve elliptic.Curve, point []byte) []byte {
	size := (curve.Params().BitSize + 7) / 8
	if len(point) != 1+2*size {
		return nil
	}
	return append([]byte(nil), point[1:1+size]...)
}

// DoPACE runs PACE with generic mapping on elliptic curves and starts secure
// messaging with the agreed keys.
func (s *Service) DoPACE(ctx context.Context, key AccessKey, info lds.PACEInfo) error {
	if info.Agreement() != lds.AgreementECDH {
		return fmt.Errorf("%w: %w %s", ErrPACEFailed, ErrUnsupportedProtocol, info.Protocol)
	}
	curve, err := PACECurve(info.ParameterID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPACEFailed, err)
	}
	alg, err := CipherForStrength(info.Strength())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPACEFailed, err)
	}

	result, wrapper, err := s.paceExchange(ctx, key, info, curve, alg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPACEFailed, err)
	}
	s.startSecureMessaging(wrapper)
	s.pace = result
	slog.Debug("PACE succeeded", "protocol", info.Protocol.String(), "parameter_id", info.ParameterID)
	return nil
}

func (s *Service) paceExchange(ctx context.Context, key AccessKey, info lds.PACEInfo, curve elliptic.Curve, alg securemessaging.Cipher) (*PACEResult, *securemessaging.Wrapper, error) {
	oid, err := iso7816.EncodeOID(info.Protocol)
	if err != nil {
		return nil, nil, err
	}
	mse := concat(
		iso7816.EncodeTLV(0x80, oid),
		iso7816.EncodeTLV(0x83, []byte{key.PasswordRef()}),
		iso7816.EncodeTLV(0x84, []byte{byte(info.ParameterID)}),
	)
	resp, err := s.transmitPlain(ctx, iso7816.CommandAPDU{CLA: 0x00, INS: iso7816.INSMSESet, P1: 0xC1, P2: 0xA4, Data: mse})
	if err != nil {
		return nil, nil, err
	}
	if err := resp.Check("MSE:SET AT"); err != nil {
		return nil, nil, err
	}

	// Step 1: encrypted nonce.
	z, err := s.generalAuthenticate(ctx, nil, tagEncryptedNonce)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := DecryptNonce(key, alg, z)
	if err != nil {
		return nil, nil, err
	}

	// Step 2: generic mapping.
	params := curve.Params()
	mapPriv, mapX, mapY, err := GenerateEphemeral(curve, params.Gx, params.Gy)
	if err != nil {
		return nil, nil, err
	}
	mapPICC, err := s.generalAuthenticate(ctx, iso7816.EncodeTLV(tagMappingPCD, lds.MarshalPoint(curve, mapX, mapY)), tagMappingPICC)
	if err != nil {
		return nil, nil, err
	}
	px, py, err := lds.UnmarshalPoint(curve, mapPICC)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid mapping key: %w", err)
	}
	gx, gy := MapNonce(curve, nonce, mapPriv, px, py)

	// Step 3: key agreement on the mapped generator.
	ephPriv, ephX, ephY, err := GenerateEphemeral(curve, gx, gy)
	if err != nil {
		return nil, nil, err
	}
	pcdPublic := lds.MarshalPoint(curve, ephX, ephY)
	piccPublic, err := s.generalAuthenticate(ctx, iso7816.EncodeTLV(tagEphemeralPCD, pcdPublic), tagEphemeralPICC)
	if err != nil {
		return nil, nil, err
	}
	if bytes.Equal(piccPublic, pcdPublic) {
		return nil, nil, errors.New("chip returned the terminal ephemeral key")
	}
	qx, qy, err := lds.UnmarshalPoint(curve, piccPublic)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}
	secret := SharedSecretEC(curve, ephPriv, qx, qy)
	ksEnc := securemessaging.DeriveKey(secret, alg, securemessaging.CounterEnc)
	ksMac := securemessaging.DeriveKey(secret, alg, securemessaging.CounterMAC)

	// Step 4: mutual authentication with tokens over the peer's key.
	token, err := AuthToken(alg, ksMac, info.Protocol, piccPublic)
	if err != nil {
		return nil, nil, err
	}
	resp, err = s.transmitPlain(ctx, iso7816.CommandAPDU{
		CLA:  0x00,
		INS:  iso7816.INSGeneralAuth,
		Data: iso7816.EncodeTLV(tagDynamicAuth, iso7816.EncodeTLV(tagAuthTokenPCD, token)),
		Ne:   256,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := resp.Check("general authenticate"); err != nil {
		return nil, nil, err
	}
	objects, err := dynamicAuthData(resp.Data)
	if err != nil {
		return nil, nil, err
	}
	piccToken, ok := iso7816.FindTag(objects, tagAuthTokenPICC)
	if !ok {
		return nil, nil, errors.New("missing chip authentication token")
	}
	expected, err := AuthToken(alg, ksMac, info.Protocol, pcdPublic)
	if err != nil {
		return nil, nil, err
	}
	if subtle.ConstantTimeCompare(expected, piccToken.Value) != 1 {
		return nil, nil, errors.New("chip authentication token mismatch")
	}

	result := &PACEResult{
		Protocol:      info.Protocol,
		ParameterID:   info.ParameterID,
		Cipher:        alg,
		Curve:         curve,
		PICCPublicKey: piccPublic,
		PCDPublicKey:  pcdPublic,
	}
	for _, tag := range []uint32{tagCARPrimary, tagCARSecondary} {
		if car, ok := iso7816.FindTag(objects, tag); ok {
			result.CARs = append(result.CARs, string(car.Value))
		}
	}

	wrapper, err := securemessaging.NewWrapper(alg, ksEnc, ksMac, make([]byte, alg.BlockSize()))
	if err != nil {
		return nil, nil, err
	}
	return result, wrapper, nil
}

// generalAuthenticate sends one chained GENERAL AUTHENTICATE step and returns
// the value of the expected response object.
func (s *Service) generalAuthenticate(ctx context.Context, data []byte, want uint32) ([]byte, error) {
	resp, err := s.transmitPlain(ctx, iso7816.CommandAPDU{
		CLA:  iso7816.CLAChaining,
		INS:  iso7816.INSGeneralAuth,
		Data: iso7816.EncodeTLV(tagDynamicAuth, data),
		Ne:   256,
	})
	if err != nil {
		return nil, err
	}
	if err := resp.Check("general authenticate"); err != nil {
		return nil, err
	}
	objects, err := dynamicAuthData(resp.Data)
	if err != nil {
		return nil, err
	}
	obj, ok := iso7816.FindTag(objects, want)
	if !ok {
		return nil, fmt.Errorf("general authenticate: missing data object %02X", want)
	}
	return obj.Value, nil
}

func dynamicAuthData(data []byte) ([]iso7816.TLV, error) {
	outer, _, err := iso7816.ParseTLV(data)
	if err != nil {
		return nil, fmt.Errorf("malformed dynamic authentication data: %w", err)
	}
	if outer.Tag != tagDynamicAuth {
		return nil, fmt.Errorf("unexpected dynamic authentication tag %X", outer.Tag)
	}
	return outer.Children()
}

// DecryptNonce recovers the PACE nonce with the password key.
func DecryptNonce(key AccessKey, alg securemessaging.Cipher, z []byte) ([]byte, error) {
	block, err := securemessaging.NewBlock(alg, securemessaging.DeriveKey(key.Seed(), alg, securemessaging.CounterPi))
	if err != nil {
		return nil, err
	}
	return securemessaging.DecryptCBC(block, make([]byte, alg.BlockSize()), z)
}

// EncryptNonce is the chip side of DecryptNonce.
func EncryptNonce(key AccessKey, alg securemessaging.Cipher, nonce []byte) ([]byte, error) {
	block, err := securemessaging.NewBlock(alg, securemessaging.DeriveKey(key.Seed(), alg, securemessaging.CounterPi))
	if err != nil {
		return nil, err
	}
	return securemessaging.EncryptCBC(block, make([]byte, alg.BlockSize()), nonce), nil
}

// GenerateEphemeral draws a private scalar and returns it with its public
// point on the generator (gx, gy).
func GenerateEphemeral(curve elliptic.Curve, gx, gy *big.Int) (*big.Int, *big.Int, *big.Int, error) {
	n := curve.Params().N
	k, err := rand.Int(rand.Reader, new(big.Int).Sub(n, big.NewInt(1)))
	if err != nil {
		return nil, nil, nil, err
	}
	k.Add(k, big.NewInt(1))
	x, y := curve.ScalarMult(gx, gy, k.Bytes())
	return k, x, y, nil
}

// MapNonce computes the generic mapping G' = s*G + H with H = priv*(px, py).
func MapNonce(curve elliptic.Curve, nonce []byte, priv, px, py *big.Int) (*big.Int, *big.Int) {
	hx, hy := curve.ScalarMult(px, py, priv.Bytes())
	sx, sy := curve.ScalarBaseMult(nonce)
	return curve.Add(sx, sy, hx, hy)
}

// SharedSecretEC returns the x-coordinate of priv*(qx, qy) padded to the
// field size.
func SharedSecretEC(curve elliptic.Curve, priv, qx, qy *big.Int) []byte {
	x, _ := curve.ScalarMult(qx, qy, priv.Bytes())
	out := make([]byte, (curve.Params().BitSize+7)/8)
	return x.FillBytes(out)
}

// AuthToken computes the PACE authentication token over a public key object
// built from the protocol OID and the peer's ephemeral point.
func AuthToken(alg securemessaging.Cipher, ksMac []byte, protocol asn1.ObjectIdentifier, point []byte) ([]byte, error) {
	oid, err := iso7816.EncodeOID(protocol)
	if err != nil {
		return nil, err
	}
	input := iso7816.EncodeTLV(tagPublicKeyObject, iso7816.EncodeTLV(0x06, oid), iso7816.EncodeTLV(tagPublicPoint, point))
	return securemessaging.Mac(alg, ksMac, input)
}
