package mrz

import (
	"fmt"
	"strconv"
)

// Filler is the MRZ padding character.
const Filler = '<'

// Format is the layout of a machine readable zone.
type Format int

const (
	FormatUnknown Format = iota
	// TD1 is the three line ID card format, 30 characters per line.
	TD1
	// TD3 is the two line passport format, 44 characters per line.
	TD3
)

func (f Format) Rows() int {
	switch f {
	case TD1:
		return 3
	case TD3:
		return 2
	}
	return 0
}

func (f Format) Columns() int {
	switch f {
	case TD1:
		return 30
	case TD3:
		return 44
	}
	return 0
}

func (f Format) String() string {
	switch f {
	case TD1:
		return "TD1"
	case TD3:
		return "TD3"
	}
	return "unknown"
}

type DocumentCode int

const (
	CodeUnknown DocumentCode = iota
	CodePassport
	CodeTypeI
	CodeTypeA
	CodeCrewMember
	CodeTypeC
	CodeTypeV
	CodeMigrant
)

func (c DocumentCode) String() string {
	return [...]string{"Unknown", "Passport", "TypeI", "TypeA", "CrewMember", "TypeC", "TypeV", "Migrant"}[c]
}

type Sex int

const (
	SexUnspecified Sex = iota
	SexMale
	SexFemale
)

func (s Sex) String() string {
	switch s {
	case SexMale:
		return "M"
	case SexFemale:
		return "F"
	}
	return "X"
}

// Date is a YYMMDD date as printed in the MRZ. Unparseable parts are -1.
type Date struct {
	Year  int
	Month int
	Day   int
	Raw   string
	Valid bool
}

func newDate(raw string) Date {
	part := func(s string) int {
		v, err := strconv.Atoi(s)
		if err != nil {
			return -1
		}
		return v
	}
	d := Date{Raw: raw, Year: part(raw[0:2]), Month: part(raw[2:4]), Day: part(raw[4:6])}
	d.Valid = d.Year >= 0 && d.Year <= 99 && d.Month >= 1 && d.Month <= 12 && d.Day >= 1 && d.Day <= 31
	return d
}

func (d Date) String() string {
	return d.Raw
}

// Range addresses columns [Column, ColumnTo) of one MRZ row.
type Range struct {
	Column   int
	ColumnTo int
	Row      int
}

func (r Range) Len() int { return r.ColumnTo - r.Column }

func (r Range) String() string {
	return fmt.Sprintf("%d-%d,%d", r.Column, r.ColumnTo, r.Row)
}

// ParseError points at the part of the MRZ that could not be parsed.
type ParseError struct {
	Message string
	MRZ     string
	Range   Range
	Format  Format
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse MRZ (%s) at %s: %s", e.Format, e.Range, e.Message)
}

// Record is a parsed MRZ. Fields not present in the format are empty.
type Record struct {
	Format       Format
	Code         DocumentCode
	Code1, Code2 byte

	IssuingCountry string
	DocumentNumber string
	Surname        string
	GivenNames     string
	DateOfBirth    Date
	Sex            Sex
	ExpirationDate Date
	Nationality    string

	// TD3 only.
	PersonalNumber string
	// TD1 only.
	Optional  string
	Optional2 string

	ValidDocumentNumber bool
	ValidDateOfBirth    bool
	ValidExpirationDate bool
	ValidComposite      bool
}

// MRZInfo returns the document number, birth and expiry fields with their
// check digits, the input of the BAC key seed.
func (r Record) MRZInfo() string {
	return MRZInfo(r.DocumentNumber, r.DateOfBirth.Raw, r.ExpirationDate.Raw)
}
