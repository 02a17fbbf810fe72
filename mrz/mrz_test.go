package mrz

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	specimenTD3 = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\n" +
		"L898902C36UTO7408122F1204159ZE184226B<<<<<10"
	specimenTD1 = "I<UTOD231458907<<<<<<<<<<<<<<<\n" +
		"7408122F1204159UTO<<<<<<<<<<<6\n" +
		"ERIKSSON<<ANNA<MARIA<<<<<<<<<<"
)

func TestCheckDigit(t *testing.T) {
	tests := []struct {
		input string
		want  int
	}{
		{"36", 9},
		{"<<<", 0},
		{"L898902C<", 3},
		{"690806", 1},
		{"940623", 6},
		{"L898902C3", 6},
		{"ZE184226B<<<<<", 1},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := CheckDigit(tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}

	_, err := CheckDigit("ab")
	require.Error(t, err)
}

func TestValidCheckDigitFillerReadsAsZero(t *testing.T) {
	require.True(t, ValidCheckDigit("<<<", '<'))
	require.True(t, ValidCheckDigit("<<<", '0'))
	require.False(t, ValidCheckDigit("36", '<'))
}

func TestMRZInfo(t *testing.T) {
	require.Equal(t, "L898902C<369080619406236", MRZInfo("L898902C", "690806", "940623"))
}

func TestParseTD3(t *testing.T) {
	rec, err := Parse(specimenTD3)
	require.NoError(t, err)

	require.Equal(t, TD3, rec.Format)
	require.Equal(t, CodePassport, rec.Code)
	require.Equal(t, "UTO", rec.IssuingCountry)
	require.Equal(t, "ERIKSSON", rec.Surname)
	require.Equal(t, "ANNA MARIA", rec.GivenNames)
	require.Equal(t, "L898902C3", rec.DocumentNumber)
	require.Equal(t, "UTO", rec.Nationality)
	require.Equal(t, SexFemale, rec.Sex)
	require.Equal(t, Date{Year: 74, Month: 8, Day: 12, Raw: "740812", Valid: true}, rec.DateOfBirth)
	require.Equal(t, "120415", rec.ExpirationDate.Raw)
	require.Equal(t, "ZE184226B", rec.PersonalNumber)

	require.True(t, rec.ValidDocumentNumber)
	require.True(t, rec.ValidDateOfBirth)
	require.True(t, rec.ValidExpirationDate)
	require.True(t, rec.ValidComposite)
	require.Equal(t, "L898902C3674081221204159", rec.MRZInfo())
}

func TestParseCRLFLineEndings(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		format Format
	}{
		{"TD3", strings.ReplaceAll(specimenTD3, "\n", "\r\n"), TD3},
		{"TD3 trailing CRLF", strings.ReplaceAll(specimenTD3, "\n", "\r\n") + "\r\n", TD3},
		{"TD1", strings.ReplaceAll(specimenTD1, "\n", "\r\n"), TD1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse(tt.text)
			require.NoError(t, err)
			require.Equal(t, tt.format, rec.Format)
			require.Equal(t, "ERIKSSON", rec.Surname)
			require.True(t, rec.ValidComposite)
		})
	}
}

func TestParseTD1(t *testing.T) {
	rec, err := Parse(specimenTD1)
	require.NoError(t, err)

	require.Equal(t, TD1, rec.Format)
	require.Equal(t, CodeTypeI, rec.Code)
	require.Equal(t, "D23145890", rec.DocumentNumber)
	require.Equal(t, "ERIKSSON", rec.Surname)
	require.Equal(t, "ANNA MARIA", rec.GivenNames)
	require.True(t, rec.ValidDocumentNumber)
	require.True(t, rec.ValidDateOfBirth)
	require.True(t, rec.ValidExpirationDate)
	require.True(t, rec.ValidComposite)
}

func TestParseBadCheckDigitsDoNotAbort(t *testing.T) {
	mrz := "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\n" +
		"L898902C35UTO7408121F1204158ZE184226B<<<<<10"
	rec, err := Parse(mrz)
	require.NoError(t, err)
	require.False(t, rec.ValidDocumentNumber)
	require.False(t, rec.ValidDateOfBirth)
	require.False(t, rec.ValidExpirationDate)
}

func TestParseInvalidDateIsRecorded(t *testing.T) {
	mrz := "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\n" +
		"L898902C36UTO7413122F1204159ZE184226B<<<<<10"
	rec, err := Parse(mrz)
	require.NoError(t, err)
	require.Equal(t, 13, rec.DateOfBirth.Month)
	require.False(t, rec.DateOfBirth.Valid)
	require.False(t, rec.ValidDateOfBirth)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantRange Range
	}{
		{
			name:  "unknown shape",
			input: "P<UTO\nL898",
		},
		{
			name: "invalid character in name",
			input: "P<UTOERIKSSON<<ANNa<MARIA<<<<<<<<<<<<<<<<<<<\n" +
				"L898902C36UTO7408122F1204159ZE184226B<<<<<10",
			wantRange: Range{Column: 18, ColumnTo: 19, Row: 0},
		},
		{
			name: "IV document code",
			input: "IVUTOD231458907<<<<<<<<<<<<<<<\n" +
				"7408122F1204159UTO<<<<<<<<<<<6\n" +
				"ERIKSSON<<ANNA<MARIA<<<<<<<<<<",
			wantRange: Range{Column: 0, ColumnTo: 2, Row: 0},
		},
		{
			name: "invalid sex",
			input: "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\n" +
				"L898902C36UTO7408122Q1204159ZE184226B<<<<<10",
			wantRange: Range{Column: 20, ColumnTo: 21, Row: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr))
			require.Equal(t, tt.wantRange, parseErr.Range)
		})
	}
}

func TestParseShortSecondRowIsPadded(t *testing.T) {
	rec, err := Parse("P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\n" +
		"L898902C36UTO7408122F1204159ZE184226B<<<<<1")
	require.NoError(t, err)
	require.Equal(t, TD3, rec.Format)
	require.True(t, rec.ValidDocumentNumber)
}

func TestNameStripsOCRMisreads(t *testing.T) {
	tests := []struct {
		name        string
		row0        string
		wantSurname string
		wantGiven   string
	}{
		{"trailing S", "P<UTOERIKSSON<<ANNA<<S<<<<<<<<<<<<<<<<<<<<<S", "ERIKSSON", "ANNA"},
		{"trailing KK", "P<UTOERIKSSON<<ANNA<<<<<<<<<<<<<<<<<<<<<<<KK", "ERIKSSON", "ANNA"},
		{"given names only", "P<UTOANNA<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<", "", "ANNA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Parse(tt.row0 + "\nL898902C36UTO7408122F1204159ZE184226B<<<<<10")
			require.NoError(t, err)
			require.Equal(t, tt.wantSurname, rec.Surname)
			require.Equal(t, tt.wantGiven, rec.GivenNames)
		})
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{
			name:  "junk and whitespace",
			input: "xx  P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<< \n\n L898902C36UTO7408122F1204159ZE184226B<<<<<10\n",
			want:  specimenTD3,
		},
		{
			name:  "guillemet and PK prefix",
			input: "PKUTOERIKSSON««ANNA<MARIA<<<<<<<<<<<<<<<<<<<\nL898902C36UTO7408122F1204159ZE184226B<<<<<10",
			want:  specimenTD3,
		},
		{
			name:  "TD3 split over three lines",
			input: "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\nL898902C36UTO7408122F12\n04159ZE184226B<<<<<10",
			want:  specimenTD3,
		},
		{
			name:    "empty",
			input:   "   ",
			wantErr: ErrEmptyMRZ,
		},
		{
			name:    "single line",
			input:   "P<UTOERIKSSON<<ANNA",
			wantErr: ErrWrongLineCount,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Clean(tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseAndClean(t *testing.T) {
	rec, err := ParseAndClean("P<UT0ER1KSSON<<ANNA<MAR1A<<<<<<<<<<<<<<<<<<<\n" +
		"L898902C36UT07408122F1204159ZE184226B<<<<<10")
	require.NoError(t, err)
	require.Equal(t, "UTO", rec.IssuingCountry)
	require.Equal(t, "UTO", rec.Nationality)
	require.Equal(t, "ERIKSSON", rec.Surname)
	require.Equal(t, "ANNA MARIA", rec.GivenNames)

	_, err = ParseAndClean("P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<\n" +
		"L898902C35UTO7408121F1204158ZE184226B<<<<<11")
	require.ErrorIs(t, err, ErrInvalidCheckDigit)
}
