package iso7816

import "fmt"

// StatusWord is the SW1-SW2 trailer of a response.
type StatusWord uint16

const (
	SWNoError                    StatusWord = 0x9000
	SWEndOfFile                  StatusWord = 0x6282
	SWWrongLength                StatusWord = 0x6700
	SWSecurityStatusNotSatisfied StatusWord = 0x6982
	SWAuthMethodBlocked          StatusWord = 0x6983
	SWConditionsNotSatisfied     StatusWord = 0x6985
	SWSMDataObjectsIncorrect     StatusWord = 0x6988
	SWWrongData                  StatusWord = 0x6A80
	SWFileNotFound               StatusWord = 0x6A82
	SWReferencedDataNotFound     StatusWord = 0x6A88
	SWWrongP1P2                  StatusWord = 0x6B00
	SWINSNotSupported            StatusWord = 0x6D00
	SWCLANotSupported            StatusWord = 0x6E00
	SWUnknown                    StatusWord = 0x6F00
)

var statusText = map[StatusWord]string{
	SWNoError:                    "no error",
	SWEndOfFile:                  "end of file reached before reading Ne bytes",
	SWWrongLength:                "wrong length",
	SWSecurityStatusNotSatisfied: "security status not satisfied",
	SWAuthMethodBlocked:          "authentication method blocked",
	SWConditionsNotSatisfied:     "conditions of use not satisfied",
	SWSMDataObjectsIncorrect:     "incorrect secure messaging data objects",
	SWWrongData:                  "incorrect parameters in the command data field",
	SWFileNotFound:               "file or application not found",
	SWReferencedDataNotFound:     "referenced data not found",
	SWWrongP1P2:                  "wrong parameters P1-P2",
	SWINSNotSupported:            "instruction code not supported",
	SWCLANotSupported:            "class not supported",
	SWUnknown:                    "no precise diagnosis",
}

func (sw StatusWord) SW1() byte { return byte(sw >> 8) }
func (sw StatusWord) SW2() byte { return byte(sw) }

func (sw StatusWord) String() string {
	if text, ok := statusText[sw]; ok {
		return fmt.Sprintf("%04X (%s)", uint16(sw), text)
	}
	return fmt.Sprintf("%04X", uint16(sw))
}

// StatusError is returned when a card answers with anything but 9000.
type StatusError struct {
	SW StatusWord
	Op string
}

func (e *StatusError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("card returned %s", e.SW)
	}
	return fmt.Sprintf("%s: card returned %s", e.Op, e.SW)
}
