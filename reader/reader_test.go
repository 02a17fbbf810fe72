package reader

import (
	"context"
	"crypto/elliptic"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-passport-verifier/chipsim"
	"go-passport-verifier/iso7816"
	"go-passport-verifier/lds"
	"go-passport-verifier/status"
	"go-passport-verifier/truststore"
	"go-passport-verifier/verify"
)

type recordingListener struct {
	mu     sync.Mutex
	events []string
	result *Passport
	err    error
}

func (l *recordingListener) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) OnReadStart()  { l.add("start") }
func (l *recordingListener) OnReadFinish() { l.add("finish") }

func (l *recordingListener) OnDocumentRead(p *Passport) {
	l.result = p
	l.add("read")
}

func (l *recordingListener) OnAuthenticationDenied(err error) {
	l.err = err
	l.add("denied")
}

func (l *recordingListener) OnTransportError(err error) {
	l.err = err
	l.add("transport")
}

func newSpecimen(t *testing.T, opts chipsim.SpecimenOptions) *chipsim.Specimen {
	t.Helper()
	s, err := chipsim.NewSpecimen(opts)
	require.NoError(t, err)
	return s
}

func verifierFor(s *chipsim.Specimen) *verify.Verifier {
	store := truststore.New()
	store.AddCertificate(s.CSCA)
	return verify.NewVerifier(store)
}

func requireCheck(t *testing.T, vs *status.VerificationStatus, c status.Category, verdict status.Verdict, reason string) {
	t.Helper()
	require.Equal(t, verdict, vs.Verdict(c), "%s: %s", c, vs.Reason(c))
	require.Equal(t, reason, vs.Reason(c), "%s", c)
}

func requirePassiveAuthentication(t *testing.T, vs *status.VerificationStatus) {
	t.Helper()
	requireCheck(t, vs, status.CS, status.Succeeded, "Found a chain to a trust anchor")
	requireCheck(t, vs, status.DS, status.Succeeded, "Signature checked")
	requireCheck(t, vs, status.HT, status.Succeeded, "All hashes match")
}

func TestReadWithPACE(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{BAC: true, PACEParameterID: 12})
	l := &recordingListener{}
	r := New(verifierFor(s), WithListener(l))

	p, err := r.Read(context.Background(), s.NewChip(), s.Key)
	require.NoError(t, err)
	require.Equal(t, []string{"start", "read", "finish"}, l.events)
	require.Same(t, p, l.result)

	require.Equal(t, status.Present, p.Features.SAC)
	require.Equal(t, status.PresenceUnknown, p.Features.BAC)
	require.Equal(t, status.Absent, p.Features.CA)
	requireCheck(t, p.Status, status.SAC, status.Succeeded, "Succeeded")
	requireCheck(t, p.Status, status.BAC, status.NotChecked, "Using SAC, BAC not checked")
	requirePassiveAuthentication(t, p.Status)
}

func TestReadWithBAC(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{BAC: true})
	p, err := New(verifierFor(s)).Read(context.Background(), s.NewChip(), s.Key)
	require.NoError(t, err)

	require.Equal(t, status.Absent, p.Features.SAC)
	require.Equal(t, status.Present, p.Features.BAC)
	requireCheck(t, p.Status, status.SAC, status.Unknown, "")
	requireCheck(t, p.Status, status.BAC, status.Succeeded, "BAC succeeded")
	require.Len(t, p.Status.TriedBACKeys(), 1)
	requirePassiveAuthentication(t, p.Status)

	require.Equal(t, "P", p.DocumentCode)
	require.Equal(t, "UTO", p.IssuingCountry)
	require.Equal(t, "L898902C3", p.DocumentNumber)
	require.Equal(t, "ERIKSSON", p.Surname)
	require.Equal(t, "ANNA MARIA", p.GivenNames)
	require.Equal(t, "1974-08-12", p.DateOfBirth)
	require.Equal(t, "2012-04-15", p.DateOfExpiry)
	require.Equal(t, "F", p.Sex)
	require.Equal(t, "ENGINEER", p.Profession)
	require.Equal(t, "ZENITH", p.PlaceOfBirth)
	require.Equal(t, []int{1, 2, 5, 11, 15}, p.DataGroups)

	require.NotNil(t, p.Face)
	require.Equal(t, s.Face, p.Face.Data)
	require.Equal(t, len(s.Face), p.Face.Length)
	require.Equal(t, "image/jpeg", p.Face.MimeType)
	require.NotEmpty(t, p.Face.Preview)
	require.NotNil(t, p.Portrait)
}

func TestReadNonBACDocument(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{})
	p, err := New(verifierFor(s)).Read(context.Background(), s.NewChip(), s.Key)
	require.NoError(t, err)

	require.Equal(t, status.Absent, p.Features.SAC)
	require.Equal(t, status.Absent, p.Features.BAC)
	requireCheck(t, p.Status, status.BAC, status.NotPresent, "Non-BAC document")
	requirePassiveAuthentication(t, p.Status)
}

func TestReadWithoutTrustAnchors(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{BAC: true})
	p, err := New(verify.NewVerifier(truststore.New())).Read(context.Background(), s.NewChip(), s.Key)
	require.NoError(t, err)

	requireCheck(t, p.Status, status.CS, status.Failed, "No CSCA trust anchors found")
	require.LessOrEqual(t, len(p.Status.CertificateChain()), 1)
	requireCheck(t, p.Status, status.DS, status.Succeeded, "Signature checked")
	requireCheck(t, p.Status, status.HT, status.Succeeded, "All hashes match")
}

func TestReadDetectsTamperedDG1(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{})
	s.Tamper(lds.KindDG1, lds.EncodeDG1(strings.Replace(chipsim.SpecimenMRZ, "ERIKSSON", "ERIKSSEN", 1)))

	p, err := New(verifierFor(s)).Read(context.Background(), s.NewChip(), s.Key)
	require.NoError(t, err)

	requireCheck(t, p.Status, status.HT, status.Failed, "Hash mismatch")
	require.Equal(t, []int{1}, p.Status.Mismatches())
	for _, dg := range []int{2, 5, 11, 15} {
		r, ok := p.Status.HashResult(dg)
		require.True(t, ok)
		require.True(t, r.Match(), "DG%d", dg)
	}
	requireCheck(t, p.Status, status.DS, status.Succeeded, "Signature checked")
}

func TestReadSkipsUnreadableDG15(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{BAC: true})
	cfg := s.Config()
	cfg.Unreadable = map[uint16]iso7816.StatusWord{lds.KindDG15.FID(): iso7816.SWFileNotFound}

	p, err := New(verifierFor(s)).Read(context.Background(), chipsim.New(cfg), s.Key)
	require.NoError(t, err)

	require.NotContains(t, p.DataGroups, 15)
	r, ok := p.Status.HashResult(15)
	require.True(t, ok)
	require.NotNil(t, r.Stored)
	require.Nil(t, r.Computed)
	requirePassiveAuthentication(t, p.Status)
}

func TestReadAuthenticationDenied(t *testing.T) {
	tests := []struct {
		name string
		opts chipsim.SpecimenOptions
	}{
		{"BAC", chipsim.SpecimenOptions{BAC: true}},
		{"PACE then BAC", chipsim.SpecimenOptions{BAC: true, PACEParameterID: 12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSpecimen(t, tt.opts)
			key := s.Key
			key.DateOfBirth = "740813"
			l := &recordingListener{}

			p, err := New(verifierFor(s), WithListener(l)).Read(context.Background(), s.NewChip(), key)
			require.ErrorIs(t, err, ErrAuthenticationDenied)
			require.NotErrorIs(t, err, ErrTransport)
			require.Nil(t, p)
			require.Equal(t, []string{"start", "denied", "finish"}, l.events)
		})
	}
}

func TestReadTagLost(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{BAC: true})
	chip := s.NewChip()
	chip.Remove()
	l := &recordingListener{}

	_, err := New(verifierFor(s), WithListener(l)).Read(context.Background(), chip, s.Key)
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, chipsim.ErrTagLost)
	require.Equal(t, []string{"start", "transport", "finish"}, l.events)
}

func TestReadCancelled(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(verifierFor(s)).Read(ctx, s.NewChip(), s.Key)
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, context.Canceled)
}

// blockingCard holds the first exchange until released.
type blockingCard struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingCard) Transmit(ctx context.Context, cmd iso7816.CommandAPDU) (iso7816.ResponseAPDU, error) {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return iso7816.ResponseAPDU{}, errors.New("card removed")
}

func TestReadRejectsConcurrentSession(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{})
	r := New(verifierFor(s))
	card := &blockingCard{entered: make(chan struct{}), release: make(chan struct{})}

	done := make(chan error, 1)
	go func() {
		_, err := r.Read(context.Background(), card, s.Key)
		done <- err
	}()
	<-card.entered

	_, err := r.Read(context.Background(), s.NewChip(), s.Key)
	require.ErrorIs(t, err, ErrSessionActive)

	close(card.release)
	require.ErrorIs(t, <-done, ErrTransport)

	_, err = r.Read(context.Background(), s.NewChip(), s.Key)
	require.NoError(t, err)
}

func terminalKeys(s *chipsim.Specimen) *truststore.Store {
	cvca := truststore.NewCVCAStore("test")
	for _, c := range s.Terminal.Chain {
		cvca.AddCertificate(c)
	}
	cvca.AddKey(s.Terminal.Terminal().HolderReference, s.Terminal.Key)
	store := truststore.New()
	store.AddCVCAStore(cvca)
	return store
}

func TestReadWithExtendedAccessControl(t *testing.T) {
	tests := []struct {
		name string
		opts chipsim.SpecimenOptions
	}{
		{"BAC", chipsim.SpecimenOptions{BAC: true, ChipAuthCurve: elliptic.P256(), EAC: true}},
		{"PACE", chipsim.SpecimenOptions{BAC: true, PACEParameterID: 12, ChipAuthCurve: elliptic.P256(), EAC: true}},
		{"AES chip authentication", chipsim.SpecimenOptions{BAC: true, ChipAuthCurve: elliptic.P256(), ChipAuthStrength: lds.StrengthAES128, AdvertiseChipAuth: true, EAC: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSpecimen(t, tt.opts)
			r := New(verifierFor(s), WithTerminalKeys(terminalKeys(s)))

			p, err := r.Read(context.Background(), s.NewChip(), s.Key)
			require.NoError(t, err)

			require.Equal(t, status.Present, p.Features.EAC)
			require.Equal(t, status.Present, p.Features.CA)
			requireCheck(t, p.Status, status.CA, status.Succeeded, "EAC succeeded")
			requireCheck(t, p.Status, status.EAC, status.Succeeded, "EAC succeeded")
			require.Contains(t, p.DataGroups, 3)
			r3, ok := p.Status.HashResult(3)
			require.True(t, ok)
			require.True(t, r3.Match())
			requirePassiveAuthentication(t, p.Status)
		})
	}
}

func TestReadChipAuthenticationWithoutTerminalKeys(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{BAC: true, ChipAuthCurve: elliptic.P256(), EAC: true})
	p, err := New(verifierFor(s)).Read(context.Background(), s.NewChip(), s.Key)
	require.NoError(t, err)

	requireCheck(t, p.Status, status.CA, status.Succeeded, "EAC succeeded")
	requireCheck(t, p.Status, status.EAC, status.Unknown, "")
	require.NotContains(t, p.DataGroups, 3)
	r3, ok := p.Status.HashResult(3)
	require.True(t, ok)
	require.Nil(t, r3.Computed)
	requirePassiveAuthentication(t, p.Status)
}

func TestReadTerminalAuthenticationFails(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{BAC: true, ChipAuthCurve: elliptic.P256(), EAC: true})
	other := newSpecimen(t, chipsim.SpecimenOptions{ChipAuthCurve: elliptic.P256(), EAC: true})

	p, err := New(verifierFor(s), WithTerminalKeys(terminalKeys(other))).Read(context.Background(), s.NewChip(), s.Key)
	require.NoError(t, err)

	requireCheck(t, p.Status, status.CA, status.Succeeded, "EAC succeeded")
	requireCheck(t, p.Status, status.EAC, status.Failed, "EAC Failed")
	require.NotContains(t, p.DataGroups, 3)
	requirePassiveAuthentication(t, p.Status)
}

func TestReadChipAuthenticationFails(t *testing.T) {
	// Without secure messaging there is no channel to upgrade.
	s := newSpecimen(t, chipsim.SpecimenOptions{ChipAuthCurve: elliptic.P256()})
	p, err := New(verifierFor(s)).Read(context.Background(), s.NewChip(), s.Key)
	require.NoError(t, err)

	requireCheck(t, p.Status, status.CA, status.Failed, "CA Failed")
	requirePassiveAuthentication(t, p.Status)
}

func TestVerifyDump(t *testing.T) {
	s := newSpecimen(t, chipsim.SpecimenOptions{})
	p, err := VerifyDump(s.Dump(), verifierFor(s))
	require.NoError(t, err)

	for _, c := range []status.Category{status.SAC, status.BAC, status.CA, status.EAC} {
		require.Equal(t, status.NotChecked, p.Status.Verdict(c), c)
	}
	require.Equal(t, status.Absent, p.Features.CA)
	requirePassiveAuthentication(t, p.Status)
	require.Equal(t, "L898902C3", p.DocumentNumber)

	t.Run("missing SOD", func(t *testing.T) {
		dump := s.Dump()
		delete(dump, lds.KindSOD.String())
		_, err := VerifyDump(dump, verifierFor(s))
		require.ErrorIs(t, err, ErrIncompleteDump)
	})

	t.Run("invalid hex", func(t *testing.T) {
		dump := s.Dump()
		dump["DG1"] = "XYZ"
		_, err := VerifyDump(dump, verifierFor(s))
		require.ErrorIs(t, err, ErrIncompleteDump)
	})
}

func TestParseDates(t *testing.T) {
	now := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		parse func(string, time.Time) (time.Time, error)
		input string
		want  string
	}{
		{"birth last century", ParseDateOfBirth, "740812", "1974-08-12"},
		{"birth this century", ParseDateOfBirth, "100101", "2010-01-01"},
		{"birth after now", ParseDateOfBirth, "261231", "1926-12-31"},
		{"expiry past", ParseExpiryDate, "120415", "2012-04-15"},
		{"expiry future", ParseExpiryDate, "310101", "2031-01-01"},
		{"expiry far future", ParseExpiryDate, "900101", "2090-01-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.parse(tt.input, now)
			require.NoError(t, err)
			require.Equal(t, tt.want, got.Format(time.DateOnly))
		})
	}

	_, err := ParseDateOfBirth("7408", now)
	require.Error(t, err)
	_, err = ParseExpiryDate("74AB12", now)
	require.Error(t, err)
}

func TestSplitFullName(t *testing.T) {
	surname, given, ok := splitFullName("ERIKSSON<<ANNA<MARIA")
	require.True(t, ok)
	require.Equal(t, "ERIKSSON", surname)
	require.Equal(t, "ANNA MARIA", given)

	_, _, ok = splitFullName("ANNA MARIA ERIKSSON")
	require.False(t, ok)
}
