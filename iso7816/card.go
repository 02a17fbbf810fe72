package iso7816

import (
	"context"
	"fmt"
	"log/slog"
)

// RawCard is a connected card that exchanges serialised APDUs.
type RawCard interface {
	Transmit(command []byte) ([]byte, error)
}

// CardTransceiver adapts a RawCard to Transceiver. It follows 61XX with
// GET RESPONSE and repeats a command with the length requested by 6CXX.
type CardTransceiver struct {
	card RawCard
}

func NewCardTransceiver(card RawCard) *CardTransceiver {
	return &CardTransceiver{card: card}
}

func (t *CardTransceiver) Transmit(ctx context.Context, cmd CommandAPDU) (ResponseAPDU, error) {
	if err := ctx.Err(); err != nil {
		return ResponseAPDU{}, err
	}

	resp, err := t.exchange(cmd)
	if err != nil {
		return ResponseAPDU{}, err
	}

	if resp.SW.SW1() == 0x6C {
		cmd.Ne = int(resp.SW.SW2())
		if cmd.Ne == 0 {
			cmd.Ne = 256
		}
		if resp, err = t.exchange(cmd); err != nil {
			return ResponseAPDU{}, err
		}
	}

	data := resp.Data
	for resp.SW.SW1() == 0x61 {
		if err := ctx.Err(); err != nil {
			return ResponseAPDU{}, err
		}
		ne := int(resp.SW.SW2())
		if ne == 0 {
			ne = 256
		}
		resp, err = t.exchange(CommandAPDU{CLA: cmd.CLA &^ CLAChaining, INS: INSGetResponse, Ne: ne})
		if err != nil {
			return ResponseAPDU{}, err
		}
		data = append(data, resp.Data...)
	}
	resp.Data = data
	return resp, nil
}

func (t *CardTransceiver) exchange(cmd CommandAPDU) (ResponseAPDU, error) {
	slog.Debug("C-APDU", "command", cmd.String())
	raw, err := t.card.Transmit(cmd.Bytes())
	if err != nil {
		return ResponseAPDU{}, fmt.Errorf("transmit failed: %w", err)
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return ResponseAPDU{}, err
	}
	slog.Debug("R-APDU", "sw", resp.SW.String(), "length", len(resp.Data))
	return resp, nil
}
