package reader

import (
	"errors"
	"fmt"
	"slices"

	"go-passport-verifier/lds"
	"go-passport-verifier/status"
	"go-passport-verifier/verify"
)

var ErrIncompleteDump = errors.New("incomplete document dump")

// VerifyDump runs passive authentication over files read by another
// terminal, hex encoded and keyed by name ("EF_SOD", "DG1", ...). Access
// control did not happen here, so SAC, BAC, CA and EAC are NOT_CHECKED.
func VerifyDump(files map[string]string, verifier *verify.Verifier) (*Passport, error) {
	doc, err := lds.DocumentFromDump(files)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIncompleteDump, err)
	}
	if _, ok := doc.Raw(lds.KindSOD); !ok {
		return nil, fmt.Errorf("%w: EF_SOD is missing", ErrIncompleteDump)
	}
	if doc.DG1() == nil {
		return nil, fmt.Errorf("%w: DG1 is mandatory but was not provided", ErrIncompleteDump)
	}

	var features status.FeatureStatus
	vs := status.NewVerificationStatus()
	vs.Set(status.SAC, status.NotChecked, "Uploaded document, SAC not checked")
	vs.SetBAC(status.NotChecked, "Uploaded document, BAC not checked", nil)
	vs.Set(status.CA, status.NotChecked, "Uploaded document, CA not checked")
	vs.Set(status.EAC, status.NotChecked, "Uploaded document, EAC not checked")

	if sod := doc.SOD(); sod != nil {
		if slices.Contains(sod.DataGroupNumbers(), 14) {
			features.SetEAC(status.Present)
			features.SetCA(status.Present)
		} else {
			features.SetEAC(status.Absent)
			features.SetCA(status.Absent)
		}
	}

	verifier.VerifySecurity(doc, vs)
	return NewPassport(doc, features, vs), nil
}
