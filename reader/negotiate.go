package reader

import (
	"context"
	"fmt"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
	"go-passport-verifier/mrtd"
	"go-passport-verifier/status"
)

// link records the first I/O failure of the underlying card so that protocol
// failures can be told apart from a lost tag.
type link struct {
	card iso7816.Transceiver
	err  error
}

func (l *link) Transmit(ctx context.Context, cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, error) {
	resp, err := l.card.Transmit(ctx, cmd)
	if err != nil && l.err == nil {
		l.err = err
	}
	return resp, err
}

// failure returns the I/O or cancellation error that ended the session, if
// any.
func (s *session) failure(ctx context.Context) error {
	if s.link.err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, s.link.err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return nil
}

// negotiate establishes access to the applet: PACE when EF.CardAccess
// announces it, BAC when reading EF.COM in the clear is refused.
func (s *session) negotiate(ctx context.Context) error {
	sac := s.tryPACE(ctx)
	if err := s.failure(ctx); err != nil {
		return err
	}

	if err := s.svc.SelectApplet(ctx, sac); err != nil {
		if ferr := s.failure(ctx); ferr != nil {
			return ferr
		}
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	raw, err := s.svc.ReadFile(ctx, lds.KindCOM.FID())
	if err == nil {
		s.put(lds.KindCOM, raw)
		if sac {
			s.vs.Set(status.SAC, status.Succeeded, "Succeeded")
			s.vs.SetBAC(status.NotChecked, "Using SAC, BAC not checked", nil)
		} else {
			s.features.SetBAC(status.Absent)
			s.vs.SetBAC(status.NotPresent, "Non-BAC document", nil)
		}
		return nil
	}
	if ferr := s.failure(ctx); ferr != nil {
		return ferr
	}
	if !isStatus(err) {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	s.log.Info("Reading EF.COM before BAC failed", "error", err)
	s.features.SetBAC(status.Present)
	s.vs.SetBAC(status.NotChecked, "BAC document", nil)
	if sac {
		s.vs.Set(status.SAC, status.Succeeded, "Succeeded")
		return nil
	}
	return s.doBAC(ctx)
}

// tryPACE reports whether PACE established secure messaging.
func (s *session) tryPACE(ctx context.Context) bool {
	s.log.Info("Inspecting card access file")
	raw, err := s.svc.ReadCardAccess(ctx)
	if err != nil {
		s.log.Info("No card access file, continuing with BAC", "error", err)
		s.features.SetSAC(status.Absent)
		return false
	}
	f, err := lds.ParseFile(lds.KindCardAccess, raw)
	if err != nil || len(f.CardAccess.PACEInfos) == 0 {
		s.log.Info("Card access file without PACEInfo", "error", err)
		s.features.SetSAC(status.Absent)
		return false
	}
	s.features.SetSAC(status.Present)

	key := mrtd.PACEKeyFromBACKey(s.key)
	for _, info := range f.CardAccess.PACEInfos {
		err := s.svc.DoPACE(ctx, key, info)
		if err == nil {
			return true
		}
		s.log.Info("PACE failed", "protocol", info.Protocol.String(), "error", err)
		if s.failure(ctx) != nil {
			return false
		}
	}
	s.log.Info("PACE failed, falling back to BAC")
	s.vs.Set(status.SAC, status.Failed, "Failed")
	return false
}

func (s *session) doBAC(ctx context.Context) error {
	tried := []string{s.key.String()}
	err := s.svc.DoBAC(ctx, s.key)
	if err == nil {
		s.vs.SetBAC(status.Succeeded, "BAC succeeded", tried)
		return nil
	}
	if ferr := s.failure(ctx); ferr != nil {
		return ferr
	}
	s.vs.SetBAC(status.Failed, "BAC failed", tried)
	return fmt.Errorf("%w: %w", ErrAuthenticationDenied, err)
}
