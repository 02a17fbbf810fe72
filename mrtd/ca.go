package mrtd

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
	"go-passport-verifier/securemessaging"
)

var ErrChipAuthFailed = errors.New("chip authentication failed")

// ChipAuthResult keeps the terminal's ephemeral key of a successful chip
// authentication, needed later by terminal authentication.
type ChipAuthResult struct {
	Protocol  asn1.ObjectIdentifier
	KeyID     int
	ChipKey   *lds.ChipPublicKey
	Ephemeral []byte
	// Compressed is Comp() of the terminal's ephemeral public key.
	Compressed []byte
}

// DoChipAuthentication runs chip authentication against the static chip key
// and restarts secure messaging with the derived keys. keyID is -1 when the
// chip has a single key.
func (s *Service) DoChipAuthentication(ctx context.Context, protocol asn1.ObjectIdentifier, keyID int, chipKey *lds.ChipPublicKey) (*ChipAuthResult, error) {
	if s.sm == nil {
		return nil, fmt.Errorf("%w: %w", ErrChipAuthFailed, ErrNoSecureMessaging)
	}
	if len(protocol) != 11 || !protocol[:len(lds.OIDCA)].Equal(lds.OIDCA) {
		return nil, fmt.Errorf("%w: %w %s", ErrChipAuthFailed, ErrUnsupportedProtocol, protocol)
	}
	alg, err := CipherForStrength(protocol[10])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChipAuthFailed, err)
	}

	ephemeral, secret, compressed, err := AgreeWithChipKey(chipKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChipAuthFailed, err)
	}

	if alg == securemessaging.TripleDES {
		err = s.chipAuthTripleDES(ctx, ephemeral, keyID)
	} else {
		err = s.chipAuthAES(ctx, protocol, ephemeral, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChipAuthFailed, err)
	}

	wrapper, err := ChipAuthWrapper(alg, secret)
	if err != nil {
		return nil, err
	}
	s.startSecureMessaging(wrapper)
	s.ca = &ChipAuthResult{
		Protocol:   protocol,
		KeyID:      keyID,
		ChipKey:    chipKey,
		Ephemeral:  ephemeral,
		Compressed: compressed,
	}
	slog.Debug("Chip authentication succeeded", "protocol", protocol.String(), "key_id", keyID)
	return s.ca, nil
}

func keyReference(keyID int) []byte {
	if keyID < 0 {
		return nil
	}
	return iso7816.EncodeTLV(0x84, new(big.Int).SetInt64(int64(keyID)).Bytes())
}

// chipAuthTripleDES uses MSE:SET KAT, the variant of EAC 1.
func (s *Service) chipAuthTripleDES(ctx context.Context, ephemeral []byte, keyID int) error {
	data := concat(iso7816.EncodeTLV(0x91, ephemeral), keyReference(keyID))
	resp, err := s.Transmit(ctx, iso7816.CommandAPDU{CLA: 0x00, INS: iso7816.INSMSESet, P1: 0x41, P2: 0xA6, Data: data})
	if err != nil {
		return err
	}
	return resp.Check("MSE:SET KAT")
}

// chipAuthAES uses MSE:SET AT followed by GENERAL AUTHENTICATE.
func (s *Service) chipAuthAES(ctx context.Context, protocol asn1.ObjectIdentifier, ephemeral []byte, keyID int) error {
	oid, err := iso7816.EncodeOID(protocol)
	if err != nil {
		return err
	}
	resp, err := s.Transmit(ctx, iso7816.CommandAPDU{
		CLA:  0x00,
		INS:  iso7816.INSMSESet,
		P1:   0x41,
		P2:   0xA4,
		Data: concat(iso7816.EncodeTLV(0x80, oid), keyReference(keyID)),
	})
	if err != nil {
		return err
	}
	if err := resp.Check("MSE:SET AT"); err != nil {
		return err
	}
	resp, err = s.Transmit(ctx, iso7816.CommandAPDU{
		CLA:  0x00,
		INS:  iso7816.INSGeneralAuth,
		Data: iso7816.EncodeTLV(tagDynamicAuth, iso7816.EncodeTLV(0x80, ephemeral)),
		Ne:   256,
	})
	if err != nil {
		return err
	}
	return resp.Check("general authenticate")
}

// ChipAuthWrapper derives the secure messaging session of a chip
// authentication shared secret.
func ChipAuthWrapper(alg securemessaging.Cipher, secret []byte) (*securemessaging.Wrapper, error) {
	ksEnc := securemessaging.DeriveKey(secret, alg, securemessaging.CounterEnc)
	ksMac := securemessaging.DeriveKey(secret, alg, securemessaging.CounterMAC)
	return securemessaging.NewWrapper(alg, ksEnc, ksMac, make([]byte, alg.BlockSize()))
}

// AgreeWithChipKey generates an ephemeral key on the domain of the chip key.
// It returns the encoded ephemeral public key, the shared secret and the
// compressed public key.
func AgreeWithChipKey(chipKey *lds.ChipPublicKey) (public, secret, compressed []byte, err error) {
	switch {
	case chipKey == nil:
		return nil, nil, nil, errors.New("no chip public key")
	case chipKey.EC != nil:
		curve := chipKey.EC.Curve
		params := curve.Params()
		priv, x, y, err := GenerateEphemeral(curve, params.Gx, params.Gy)
		if err != nil {
			return nil, nil, nil, err
		}
		public = lds.MarshalPoint(curve, x, y)
		return public, SharedSecretEC(curve, priv, chipKey.EC.X, chipKey.EC.Y), CompressPoint(curve, public), nil
	case chipKey.DH != nil:
		dh := chipKey.DH
		if err := dh.Check(); err != nil {
			return nil, nil, nil, err
		}
		priv, y, err := GenerateDH(dh)
		if err != nil {
			return nil, nil, nil, err
		}
		public = padTo(y.Bytes(), len(dh.P.Bytes()))
		sum := sha1.Sum(public)
		return public, SharedSecretDH(dh, priv, dh.Y), sum[:], nil
	}
	return nil, nil, nil, errors.New("empty chip public key")
}

// GenerateDH returns a private exponent and its public value g^x mod p. The
// exponent is drawn below q when the domain carries it.
func GenerateDH(dh *lds.DHPublicKey) (*big.Int, *big.Int, error) {
	if err := dh.CheckParameters(); err != nil {
		return nil, nil, err
	}
	limit := dh.Q
	if limit == nil {
		limit = new(big.Int).Sub(dh.P, big.NewInt(2))
	}
	x, err := rand.Int(rand.Reader, new(big.Int).Sub(limit, big.NewInt(1)))
	if err != nil {
		return nil, nil, err
	}
	x.Add(x, big.NewInt(1))
	return x, new(big.Int).Exp(dh.G, x, dh.P), nil
}

// SharedSecretDH computes y^priv mod p padded to the length of p.
func SharedSecretDH(dh *lds.DHPublicKey, priv, y *big.Int) []byte {
	k := new(big.Int).Exp(y, priv, dh.P)
	return padTo(k.Bytes(), len(dh.P.Bytes()))
}

func padTo(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}
