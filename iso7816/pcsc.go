//go:build pcsc

package iso7816

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ebfe/scard"
)

// PCSCContext owns a PC/SC resource manager context.
type PCSCContext struct {
	ctx *scard.Context
}

func EstablishPCSC() (*PCSCContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish PC/SC context: %w", err)
	}
	return &PCSCContext{ctx: ctx}, nil
}

func (p *PCSCContext) Readers() ([]string, error) {
	return p.ctx.ListReaders()
}

// WaitForCard polls reader until a card can be connected or ctx ends. An
// empty reader name picks the first reader found.
func (p *PCSCContext) WaitForCard(ctx context.Context, reader string, interval time.Duration) (*PCSCCard, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		name := reader
		if name == "" {
			readers, err := p.ctx.ListReaders()
			if err == nil && len(readers) > 0 {
				name = readers[0]
			}
		}
		if name != "" {
			card, err := p.ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
			if err == nil {
				slog.Info("Card connected", "reader", name)
				return &PCSCCard{card: card}, nil
			}
			slog.Debug("No card yet", "reader", name, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *PCSCContext) Release() error {
	return p.ctx.Release()
}

// PCSCCard implements RawCard for a connected PC/SC card.
type PCSCCard struct {
	card *scard.Card
}

func (c *PCSCCard) Transmit(command []byte) ([]byte, error) {
	return c.card.Transmit(command)
}

func (c *PCSCCard) Close() error {
	return c.card.Disconnect(scard.LeaveCard)
}
