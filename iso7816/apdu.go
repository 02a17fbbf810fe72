package iso7816

import (
	"context"
	"fmt"
)

const (
	INSSelect            byte = 0xA4
	INSReadBinary        byte = 0xB0
	INSGetChallenge      byte = 0x84
	INSExternalAuth      byte = 0x82
	INSInternalAuth      byte = 0x88
	INSMSESet            byte = 0x22
	INSGeneralAuth       byte = 0x86
	INSPerformSecurityOp byte = 0x2A
	INSGetResponse       byte = 0xC0

	// CLAChaining marks all but the last command of a chain.
	CLAChaining byte = 0x10
	// CLASecureMessaging marks a command protected with secure messaging.
	CLASecureMessaging byte = 0x0C
)

// CommandAPDU is an ISO/IEC 7816-4 command. Ne is the expected response
// length, 0 when no response data is expected.
type CommandAPDU struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	Ne               int
}

func (c CommandAPDU) extended() bool {
	return len(c.Data) > 255 || c.Ne > 256
}

// Bytes serialises the command in short form when possible, otherwise in
// extended form.
func (c CommandAPDU) Bytes() []byte {
	out := []byte{c.CLA, c.INS, c.P1, c.P2}
	if !c.extended() {
		if len(c.Data) > 0 {
			out = append(out, byte(len(c.Data)))
			out = append(out, c.Data...)
		}
		if c.Ne > 0 {
			// 256 wraps to 0x00
			out = append(out, byte(c.Ne))
		}
		return out
	}

	out = append(out, 0x00)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)>>8), byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.Ne > 0 {
		ne := c.Ne
		if ne >= 65536 {
			ne = 0
		}
		out = append(out, byte(ne>>8), byte(ne))
	}
	return out
}

func (c CommandAPDU) String() string {
	return fmt.Sprintf("CLA=%02X INS=%02X P1=%02X P2=%02X Lc=%d Ne=%d", c.CLA, c.INS, c.P1, c.P2, len(c.Data), c.Ne)
}

// ParseCommand decodes a serialised command. Used by simulated cards.
func ParseCommand(raw []byte) (CommandAPDU, error) {
	if len(raw) < 4 {
		return CommandAPDU{}, fmt.Errorf("command too short: %d bytes", len(raw))
	}
	cmd := CommandAPDU{CLA: raw[0], INS: raw[1], P1: raw[2], P2: raw[3]}
	body := raw[4:]
	switch {
	case len(body) == 0:
	case len(body) == 1:
		cmd.Ne = int(body[0])
		if cmd.Ne == 0 {
			cmd.Ne = 256
		}
	case body[0] != 0x00:
		lc := int(body[0])
		if len(body) < 1+lc {
			return CommandAPDU{}, fmt.Errorf("command data truncated")
		}
		cmd.Data = body[1 : 1+lc]
		if len(body) == 2+lc {
			cmd.Ne = int(body[1+lc])
			if cmd.Ne == 0 {
				cmd.Ne = 256
			}
		}
	case len(body) < 3:
		return CommandAPDU{}, fmt.Errorf("malformed command body")
	default:
		ext := body[1:]
		if len(ext) == 2 {
			cmd.Ne = int(ext[0])<<8 | int(ext[1])
			if cmd.Ne == 0 {
				cmd.Ne = 65536
			}
			break
		}
		lc := int(ext[0])<<8 | int(ext[1])
		if len(ext) < 2+lc {
			return CommandAPDU{}, fmt.Errorf("extended command data truncated")
		}
		cmd.Data = ext[2 : 2+lc]
		if le := ext[2+lc:]; len(le) == 2 {
			cmd.Ne = int(le[0])<<8 | int(le[1])
			if cmd.Ne == 0 {
				cmd.Ne = 65536
			}
		}
	}
	return cmd, nil
}

// ResponseAPDU is a card response split into data and status word.
type ResponseAPDU struct {
	Data []byte
	SW   StatusWord
}

func ParseResponse(raw []byte) (ResponseAPDU, error) {
	if len(raw) < 2 {
		return ResponseAPDU{}, fmt.Errorf("response too short: %d bytes", len(raw))
	}
	n := len(raw) - 2
	return ResponseAPDU{
		Data: raw[:n],
		SW:   StatusWord(uint16(raw[n])<<8 | uint16(raw[n+1])),
	}, nil
}

func (r ResponseAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	return append(out, byte(r.SW>>8), byte(r.SW))
}

// Check returns a *StatusError unless the status word is 9000.
func (r ResponseAPDU) Check(op string) error {
	if r.SW != SWNoError {
		return &StatusError{SW: r.SW, Op: op}
	}
	return nil
}

// Transceiver exchanges one command with a card. Implementations may add
// secure messaging.
type Transceiver interface {
	Transmit(ctx context.Context, cmd CommandAPDU) (ResponseAPDU, error)
}
