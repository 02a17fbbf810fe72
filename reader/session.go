package reader

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
	"go-passport-verifier/mrtd"
	"go-passport-verifier/status"
	"go-passport-verifier/verify"
)

// session is the state of one read. It is created fresh for every tag and
// never shared.
type session struct {
	link     *link
	svc      *mrtd.Service
	key      mrtd.BACKey
	terminal TerminalKeys
	log      *slog.Logger

	doc      *lds.Document
	features status.FeatureStatus
	vs       *status.VerificationStatus
}

func newSession(card iso7816.Transceiver, key mrtd.BACKey, terminal TerminalKeys, log *slog.Logger) *session {
	l := &link{card: card}
	return &session{
		link:     l,
		svc:      mrtd.NewService(l),
		key:      key,
		terminal: terminal,
		log:      log,
		doc:      lds.NewDocument(),
		vs:       status.NewVerificationStatus(),
	}
}

func (s *session) run(ctx context.Context) error {
	if err := s.negotiate(ctx); err != nil {
		return err
	}
	return s.readFiles(ctx)
}

// put stores a file as read. Files that fail to parse are kept with their
// raw bytes so their hash can still be checked.
func (s *session) put(kind lds.Kind, raw []byte) {
	f, err := lds.ParseFile(kind, raw)
	if err != nil {
		s.log.Info("Skipping data group due to parsing error", "file", kind.String(), "error", err)
		f = &lds.File{Kind: kind, Raw: raw}
	}
	s.doc.Put(f)
}

// read reads a file unless it is already present. A file the chip refuses
// is logged and omitted; only a failing link ends the session.
func (s *session) read(ctx context.Context, kind lds.Kind) error {
	if _, ok := s.doc.Get(kind); ok {
		return nil
	}
	raw, err := s.svc.ReadFile(ctx, kind.FID())
	if err != nil {
		if ferr := s.failure(ctx); ferr != nil {
			return ferr
		}
		s.log.Warn("Could not read file", "file", kind.String(), "error", err)
		return nil
	}
	s.put(kind, raw)
	return nil
}

// dataGroups lists the data groups of the document. The SOD is trusted over
// EF.COM, which is only used when the SOD is unavailable.
func (s *session) dataGroups() []int {
	if sod := s.doc.SOD(); sod != nil {
		return sod.DataGroupNumbers()
	}
	if com := s.doc.COM(); com != nil {
		s.log.Warn("Failed to get DG list from EF.SOD, using EF.COM")
		dgs := com.DataGroups()
		slices.Sort(dgs)
		return slices.Compact(dgs)
	}
	return nil
}

func (s *session) readFiles(ctx context.Context) error {
	for _, kind := range []lds.Kind{lds.KindCOM, lds.KindSOD, lds.KindDG1} {
		if err := s.read(ctx, kind); err != nil {
			return err
		}
	}

	dgs := s.dataGroups()
	s.log.Info("Found data groups", "dgs", dgs)
	verify.RecordInitialHashes(s.doc, dgs, s.vs)

	if slices.Contains(dgs, 14) {
		s.features.SetEAC(status.Present)
		s.features.SetCA(status.Present)
		for _, kind := range []lds.Kind{lds.KindDG14, lds.KindCVCA} {
			if err := s.read(ctx, kind); err != nil {
				return err
			}
		}
		if err := s.doChipAuthentication(ctx); err != nil {
			return err
		}
		if s.terminal != nil && s.vs.Verdict(status.CA) == status.Succeeded {
			if err := s.doTerminalAuthentication(ctx); err != nil {
				return err
			}
		}
	} else {
		s.features.SetEAC(status.Absent)
		s.features.SetCA(status.Absent)
	}

	optional := []lds.Kind{lds.KindDG2, lds.KindDG5, lds.KindDG11}
	if slices.Contains(dgs, 15) {
		optional = append([]lds.Kind{lds.KindDG15}, optional...)
	}
	if s.vs.Verdict(status.EAC) == status.Succeeded {
		for _, dg := range []int{3, 4} {
			if slices.Contains(dgs, dg) {
				optional = append(optional, lds.DataGroup(dg))
			}
		}
	}
	for _, kind := range optional {
		if err := s.read(ctx, kind); err != nil {
			return err
		}
	}
	return nil
}

// isStatus reports whether err carries a status word from the chip.
func isStatus(err error) bool {
	var se *iso7816.StatusError
	return errors.As(err, &se)
}
