package mrtd

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
	"go-passport-verifier/securemessaging"
)

// AppletAID is the application identifier of the LDS1 eMRTD applet.
var AppletAID = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}

var ErrNoSecureMessaging = errors.New("no secure messaging session")

// Service talks to one chip. After a successful BAC, PACE or chip
// authentication all commands are sent under secure messaging. A Service is
// bound to a single session and is not safe for concurrent use.
type Service struct {
	card iso7816.Transceiver
	sm   *securemessaging.Transceiver

	bac  *BACResult
	pace *PACEResult
	ca   *ChipAuthResult
}

func NewService(card iso7816.Transceiver) *Service {
	return &Service{card: card}
}

// Transmit sends cmd over the current channel.
func (s *Service) Transmit(ctx context.Context, cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, error) {
	if err := ctx.Err(); err != nil {
		return iso7816.ResponseAPDU{}, err
	}
	if s.sm != nil {
		return s.sm.Transmit(ctx, cmd)
	}
	return s.card.Transmit(ctx, cmd)
}

// transmitPlain bypasses secure messaging, as PACE requires.
func (s *Service) transmitPlain(ctx context.Context, cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, error) {
	if err := ctx.Err(); err != nil {
		return iso7816.ResponseAPDU{}, err
	}
	return s.card.Transmit(ctx, cmd)
}

func (s *Service) startSecureMessaging(w *securemessaging.Wrapper) {
	s.sm = securemessaging.NewTransceiver(s.card, w)
	slog.Debug("Started secure messaging", "cipher", w.Cipher().String())
}

// Secure reports whether commands are protected.
func (s *Service) Secure() bool { return s.sm != nil }

func (s *Service) BACResult() *BACResult           { return s.bac }
func (s *Service) PACEResult() *PACEResult         { return s.pace }
func (s *Service) ChipAuthResult() *ChipAuthResult { return s.ca }

// SelectApplet selects the eMRTD application. After PACE the command goes
// under the established secure messaging channel; otherwise it is sent in
// the clear.
func (s *Service) SelectApplet(ctx context.Context, sac bool) error {
	if sac && s.sm == nil {
		return ErrNoSecureMessaging
	}
	var tx iso7816.Transceiver = s.card
	if sac {
		tx = s
	}
	if err := iso7816.NewFileReader(tx).SelectApplication(ctx, AppletAID); err != nil {
		return fmt.Errorf("failed to select applet: %w", err)
	}
	return nil
}

// ReadFile reads an elementary file of the currently selected application.
func (s *Service) ReadFile(ctx context.Context, fid uint16) ([]byte, error) {
	data, err := iso7816.NewFileReader(s).ReadFile(ctx, fid)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %04X: %w", fid, err)
	}
	return data, nil
}

// ReadCardAccess reads EF.CardAccess. It is available before any access
// control and without the applet selected.
func (s *Service) ReadCardAccess(ctx context.Context) ([]byte, error) {
	data, err := iso7816.NewFileReader(s).ReadFile(ctx, lds.KindCardAccess.FID())
	if err != nil {
		return nil, fmt.Errorf("failed to read EF.CardAccess: %w", err)
	}
	return data, nil
}

// getChallenge asks the chip for an 8 byte nonce.
func (s *Service) getChallenge(ctx context.Context, tx func(context.Context, iso7816.CommandAPDU) (iso7816.ResponseAPDU, error)) ([]byte, error) {
	resp, err := tx(ctx, iso7816.CommandAPDU{CLA: 0x00, INS: iso7816.INSGetChallenge, Ne: 8})
	if err != nil {
		return nil, err
	}
	if err := resp.Check("get challenge"); err != nil {
		return nil, err
	}
	if len(resp.Data) != 8 {
		return nil, fmt.Errorf("get challenge: expected 8 bytes, got %d", len(resp.Data))
	}
	return resp.Data, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
