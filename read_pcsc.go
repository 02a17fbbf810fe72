//go:build pcsc

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"go-passport-verifier/iso7816"
)

type pcscSession struct {
	pcsc *iso7816.PCSCContext
	card *iso7816.PCSCCard
}

func (s *pcscSession) Close() error {
	cardErr := s.card.Close()
	if err := s.pcsc.Release(); err != nil {
		return err
	}
	return cardErr
}

// connectCard waits for a document on the configured PC/SC reader.
func connectCard(ctx context.Context, config ReaderConfig) (iso7816.Transceiver, io.Closer, error) {
	pcsc, err := iso7816.EstablishPCSC()
	if err != nil {
		return nil, nil, err
	}
	interval := time.Duration(config.PollIntervalMs) * time.Millisecond
	card, err := pcsc.WaitForCard(ctx, config.PcscReader, interval)
	if err != nil {
		_ = pcsc.Release()
		return nil, nil, fmt.Errorf("no document presented: %w", err)
	}
	return iso7816.NewCardTransceiver(card), &pcscSession{pcsc: pcsc, card: card}, nil
}
