package mrtd

import (
	"bytes"
	"context"
	"crypto/des"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/securemessaging"
)

var ErrBACFailed = errors.New("basic access control failed")

// BACResult records the key a successful BAC run used.
type BACResult struct {
	Key BACKey
}

// DoBAC runs basic access control and starts 3DES secure messaging.
func (s *Service) DoBAC(ctx context.Context, key BACKey) error {
	kEnc, kMac := key.keys()

	rndICC, err := s.getChallenge(ctx, s.transmitPlain)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBACFailed, err)
	}
	rndIFD, err := randomBytes(8)
	if err != nil {
		return err
	}
	kIFD, err := randomBytes(16)
	if err != nil {
		return err
	}

	cryptogram, err := bacCryptogram(kEnc, kMac, concat(rndIFD, rndICC, kIFD))
	if err != nil {
		return err
	}
	resp, err := s.transmitPlain(ctx, iso7816.CommandAPDU{CLA: 0x00, INS: iso7816.INSExternalAuth, Data: cryptogram, Ne: 40})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBACFailed, err)
	}
	if err := resp.Check("mutual authenticate"); err != nil {
		return fmt.Errorf("%w: %w", ErrBACFailed, err)
	}

	plain, err := openBACCryptogram(kEnc, kMac, resp.Data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBACFailed, err)
	}
	if len(plain) < 32 {
		return fmt.Errorf("%w: short response cryptogram", ErrBACFailed)
	}
	if !bytes.Equal(plain[0:8], rndICC) || !bytes.Equal(plain[8:16], rndIFD) {
		return fmt.Errorf("%w: nonce mismatch", ErrBACFailed)
	}
	kICC := plain[16:32]

	wrapper, err := BACSessionWrapper(kIFD, kICC, rndICC, rndIFD)
	if err != nil {
		return err
	}
	s.startSecureMessaging(wrapper)
	s.bac = &BACResult{Key: key}
	slog.Debug("BAC succeeded", "key", key.String())
	return nil
}

// BACSessionWrapper derives the session keys and send sequence counter from
// the key material exchanged during BAC. The chip side uses the same
// derivation.
func BACSessionWrapper(kIFD, kICC, rndICC, rndIFD []byte) (*securemessaging.Wrapper, error) {
	seed := make([]byte, 16)
	subtle.XORBytes(seed, kIFD, kICC)
	ksEnc := securemessaging.DeriveKey(seed, securemessaging.TripleDES, securemessaging.CounterEnc)
	ksMac := securemessaging.DeriveKey(seed, securemessaging.TripleDES, securemessaging.CounterMAC)
	ssc := concat(rndICC[4:8], rndIFD[4:8])
	return securemessaging.NewTripleDESWrapper(ksEnc, ksMac, ssc)
}

// bacCryptogram encrypts a 32 byte BAC message and appends its MAC.
func bacCryptogram(kEnc, kMac, plain []byte) ([]byte, error) {
	block, err := securemessaging.NewBlock(securemessaging.TripleDES, kEnc)
	if err != nil {
		return nil, err
	}
	enc := securemessaging.EncryptCBC(block, make([]byte, des.BlockSize), plain)
	mac, err := securemessaging.Mac(securemessaging.TripleDES, kMac, enc)
	if err != nil {
		return nil, err
	}
	return concat(enc, mac), nil
}

// openBACCryptogram checks the MAC of a BAC message and decrypts it.
func openBACCryptogram(kEnc, kMac, data []byte) ([]byte, error) {
	if len(data) != 40 {
		return nil, fmt.Errorf("expected 40 byte cryptogram, got %d", len(data))
	}
	enc, mac := data[:32], data[32:]
	expected, err := securemessaging.Mac(securemessaging.TripleDES, kMac, enc)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return nil, securemessaging.ErrMACMismatch
	}
	block, err := securemessaging.NewBlock(securemessaging.TripleDES, kEnc)
	if err != nil {
		return nil, err
	}
	return securemessaging.DecryptCBC(block, make([]byte, des.BlockSize), enc)
}

// BACCryptogram and OpenBACCryptogram expose the BAC message format for
// simulated chips.
func BACCryptogram(key BACKey, plain []byte) ([]byte, error) {
	kEnc, kMac := key.keys()
	return bacCryptogram(kEnc, kMac, plain)
}

func OpenBACCryptogram(key BACKey, data []byte) ([]byte, error) {
	kEnc, kMac := key.keys()
	return openBACCryptogram(kEnc, kMac, data)
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
