package mrtd

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"

	"go-passport-verifier/cvc"
	"go-passport-verifier/iso7816"
)

var ErrTerminalAuthFailed = errors.New("terminal authentication failed")

// TerminalCredentials is a terminal key with the certificate chain that links
// it to a CVCA trusted by the chip. Chain starts with the certificate issued
// by the CVCA and ends with the terminal certificate.
type TerminalCredentials struct {
	Chain []*cvc.Certificate
	Key   crypto.Signer
}

// Terminal returns the last certificate of the chain.
func (c TerminalCredentials) Terminal() *cvc.Certificate {
	if len(c.Chain) == 0 {
		return nil
	}
	return c.Chain[len(c.Chain)-1]
}

// DoTerminalAuthentication proves the terminal's authorization to the chip.
// idPICC identifies the chip: the BAC document number with check digit or the
// compressed PACE chip key. Chip authentication must have run before.
func (s *Service) DoTerminalAuthentication(ctx context.Context, creds TerminalCredentials, idPICC []byte) error {
	if s.ca == nil {
		return fmt.Errorf("%w: chip authentication has not run", ErrTerminalAuthFailed)
	}
	terminal := creds.Terminal()
	if terminal == nil || creds.Key == nil {
		return fmt.Errorf("%w: incomplete terminal credentials", ErrTerminalAuthFailed)
	}

	for _, cert := range creds.Chain {
		if err := s.verifyCertificate(ctx, cert); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTerminalAuthFailed, cert, err)
		}
	}

	resp, err := s.Transmit(ctx, iso7816.CommandAPDU{
		CLA:  0x00,
		INS:  iso7816.INSMSESet,
		P1:   0x81,
		P2:   0xA4,
		Data: iso7816.EncodeTLV(0x83, []byte(terminal.HolderReference)),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTerminalAuthFailed, err)
	}
	if err := resp.Check("MSE:SET AT"); err != nil {
		return fmt.Errorf("%w: %w", ErrTerminalAuthFailed, err)
	}

	challenge, err := s.getChallenge(ctx, s.Transmit)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTerminalAuthFailed, err)
	}
	sig, err := cvc.Sign(creds.Key, terminal.PublicKey.OID, concat(idPICC, challenge, s.ca.Compressed))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTerminalAuthFailed, err)
	}
	resp, err = s.Transmit(ctx, iso7816.CommandAPDU{CLA: 0x00, INS: iso7816.INSExternalAuth, Data: sig})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTerminalAuthFailed, err)
	}
	if err := resp.Check("external authenticate"); err != nil {
		return fmt.Errorf("%w: %w", ErrTerminalAuthFailed, err)
	}
	slog.Debug("Terminal authentication succeeded", "terminal", terminal.HolderReference)
	return nil
}

func (s *Service) verifyCertificate(ctx context.Context, cert *cvc.Certificate) error {
	resp, err := s.Transmit(ctx, iso7816.CommandAPDU{
		CLA:  0x00,
		INS:  iso7816.INSMSESet,
		P1:   0x81,
		P2:   0xB6,
		Data: iso7816.EncodeTLV(0x83, []byte(cert.AuthorityReference)),
	})
	if err != nil {
		return err
	}
	if err := resp.Check("MSE:SET DST"); err != nil {
		return err
	}
	resp, err = s.Transmit(ctx, iso7816.CommandAPDU{
		CLA:  0x00,
		INS:  iso7816.INSPerformSecurityOp,
		P1:   0x00,
		P2:   0xBE,
		Data: cert.BodyAndSignature(),
	})
	if err != nil {
		return err
	}
	return resp.Check("PSO:VERIFY CERTIFICATE")
}
