// Package reader reads a travel document over a contactless link. A read
// negotiates access control, reads the LDS files, upgrades the channel with
// extended access control and finally runs passive authentication.
package reader

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go-passport-verifier/iso7816"
	"go-passport-verifier/logging"
	"go-passport-verifier/metrics"
	"go-passport-verifier/mrtd"
	"go-passport-verifier/verify"
)

var (
	ErrSessionActive        = errors.New("a read session is already active")
	ErrAuthenticationDenied = errors.New("access to the document was denied")
	ErrTransport            = errors.New("transport failure")
)

// Listener receives the progress of a read. OnReadStart and OnReadFinish
// bracket every session; exactly one of the other callbacks is called in
// between.
type Listener interface {
	OnReadStart()
	OnReadFinish()
	OnDocumentRead(p *Passport)
	OnAuthenticationDenied(err error)
	OnTransportError(err error)
}

// NopListener ignores every callback.
type NopListener struct{}

func (NopListener) OnReadStart()                 {}
func (NopListener) OnReadFinish()                {}
func (NopListener) OnDocumentRead(*Passport)     {}
func (NopListener) OnAuthenticationDenied(error) {}
func (NopListener) OnTransportError(error)       {}

// TerminalKeys resolves the credentials for terminal authentication towards
// the CVCA named by a certification authority reference.
type TerminalKeys interface {
	TerminalCredentials(caReference string) (mrtd.TerminalCredentials, bool)
}

type Option func(*Reader)

// WithTerminalKeys enables terminal authentication.
func WithTerminalKeys(keys TerminalKeys) Option {
	return func(r *Reader) {
		r.terminal = keys
	}
}

func WithListener(l Listener) Option {
	return func(r *Reader) {
		r.listener = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reader) {
		r.metrics = m
	}
}

// Reader runs one session at a time.
type Reader struct {
	verifier *verify.Verifier
	terminal TerminalKeys
	listener Listener
	metrics  *metrics.Metrics
	active   atomic.Bool
}

func New(verifier *verify.Verifier, opts ...Option) *Reader {
	r := &Reader{verifier: verifier, listener: NopListener{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read runs a complete session on card with the access key printed in the
// MRZ. Failures after access was granted do not end the session; they show
// up as verdicts in the result. A second Read while one is running fails
// with ErrSessionActive.
func (r *Reader) Read(ctx context.Context, card iso7816.Transceiver, key mrtd.BACKey) (*Passport, error) {
	if !r.active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}
	defer r.active.Store(false)

	log := logging.ForDocument(key.DocumentNumber)
	start := time.Now()
	r.listener.OnReadStart()
	defer r.listener.OnReadFinish()

	s := newSession(card, key, r.terminal, log)
	err := s.run(ctx)
	r.metrics.ObserveRead(time.Since(start))
	switch {
	case errors.Is(err, ErrAuthenticationDenied):
		log.Warn("Access to document denied", "error", err)
		r.metrics.IncrementSession("denied")
		r.listener.OnAuthenticationDenied(err)
		return nil, err
	case err != nil:
		log.Error("Reading document failed", "error", err)
		r.metrics.IncrementSession("transport_error")
		r.listener.OnTransportError(err)
		return nil, err
	}

	if r.verifier != nil {
		r.verifier.VerifySecurity(s.doc, s.vs)
	}
	log.Info("Document read", "duration", time.Since(start), "files", len(s.doc.Kinds()))
	log.Debug(s.features.Summary("Document"))
	log.Debug(s.vs.Summary("Document"))

	p := NewPassport(s.doc, s.features, s.vs)
	r.metrics.IncrementSession("read")
	r.metrics.RecordStatus(s.vs)
	r.listener.OnDocumentRead(p)
	return p, nil
}
