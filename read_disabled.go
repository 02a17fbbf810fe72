//go:build !pcsc

package main

import (
	"context"
	"errors"
	"io"

	"go-passport-verifier/iso7816"
)

var errPCSCUnavailable = errors.New("built without pcsc support, rebuild with -tags pcsc")

func connectCard(context.Context, ReaderConfig) (iso7816.Transceiver, io.Closer, error) {
	return nil, nil, errPCSCUnavailable
}
