// Package status holds the per-session security verdicts of a document.
package status

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Verdict int

const (
	Unknown Verdict = iota
	NotChecked
	NotPresent
	Succeeded
	Failed
)

var verdictNames = map[Verdict]string{
	Unknown:    "UNKNOWN",
	NotChecked: "NOT_CHECKED",
	NotPresent: "NOT_PRESENT",
	Succeeded:  "SUCCEEDED",
	Failed:     "FAILED",
}

func (v Verdict) String() string {
	if s, ok := verdictNames[v]; ok {
		return s
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// Terminal reports whether v is a final outcome.
func (v Verdict) Terminal() bool {
	return v == Succeeded || v == Failed || v == NotPresent
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(b []byte) error {
	for k, name := range verdictNames {
		if name == string(b) {
			*v = k
			return nil
		}
	}
	return fmt.Errorf("unknown verdict %q", b)
}

type Category string

const (
	SAC Category = "SAC"
	BAC Category = "BAC"
	AA  Category = "AA"
	CA  Category = "CA"
	EAC Category = "EAC"
	DS  Category = "DS"
	CS  Category = "CS"
	HT  Category = "HT"
)

// Categories lists every category in reporting order.
var Categories = []Category{SAC, BAC, AA, CA, EAC, DS, CS, HT}

// Check is the verdict of one category with its reason.
type Check struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
}

// HashMatchResult pairs the hash stored in the SOD with the one computed over
// the file read from the chip. Computed is nil when the file was not read.
type HashMatchResult struct {
	Stored   []byte `json:"-"`
	Computed []byte `json:"-"`
}

// Match reports whether both hashes are present and equal.
func (r HashMatchResult) Match() bool {
	return r.Computed != nil && string(r.Stored) == string(r.Computed)
}

func (r HashMatchResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Stored   string  `json:"stored"`
		Computed *string `json:"computed"`
		Match    bool    `json:"match"`
	}{Stored: hex.EncodeToString(r.Stored), Match: r.Match()}
	if r.Computed != nil {
		c := hex.EncodeToString(r.Computed)
		out.Computed = &c
	}
	return json.Marshal(out)
}

func (r HashMatchResult) String() string {
	computed := "null"
	if r.Computed != nil {
		computed = hex.EncodeToString(r.Computed)
	}
	return fmt.Sprintf("HashMatchResult[stored=%x, computed=%s]", r.Stored, computed)
}

// VerificationStatus collects the verdicts of one session. A category that
// reached a terminal verdict never goes back to UNKNOWN or NOT_CHECKED.
type VerificationStatus struct {
	checks       map[Category]Check
	hashResults  map[int]HashMatchResult
	chain        []*x509.Certificate
	triedBACKeys []string
}

func NewVerificationStatus() *VerificationStatus {
	v := &VerificationStatus{
		checks:      make(map[Category]Check, len(Categories)),
		hashResults: make(map[int]HashMatchResult),
	}
	for _, c := range Categories {
		v.checks[c] = Check{Verdict: Unknown}
	}
	return v
}

// Set records a verdict. It returns false when the call would downgrade a
// terminal verdict, in which case nothing changes.
func (v *VerificationStatus) Set(c Category, verdict Verdict, reason string) bool {
	current := v.checks[c]
	if current.Verdict.Terminal() && !verdict.Terminal() {
		return false
	}
	v.checks[c] = Check{Verdict: verdict, Reason: reason}
	return true
}

func (v *VerificationStatus) Get(c Category) Check {
	return v.checks[c]
}

func (v *VerificationStatus) Verdict(c Category) Verdict {
	return v.checks[c].Verdict
}

func (v *VerificationStatus) Reason(c Category) string {
	return v.checks[c].Reason
}

// SetBAC records the BAC verdict together with the keys that were tried.
func (v *VerificationStatus) SetBAC(verdict Verdict, reason string, tried []string) {
	if v.Set(BAC, verdict, reason) {
		v.triedBACKeys = append([]string(nil), tried...)
	}
}

func (v *VerificationStatus) TriedBACKeys() []string {
	return v.triedBACKeys
}

// SetCS records the chain verdict together with the resolved chain.
func (v *VerificationStatus) SetCS(verdict Verdict, reason string, chain []*x509.Certificate) {
	if v.Set(CS, verdict, reason) {
		v.chain = append([]*x509.Certificate(nil), chain...)
	}
}

func (v *VerificationStatus) CertificateChain() []*x509.Certificate {
	return v.chain
}

func (v *VerificationStatus) SetHashResult(dg int, r HashMatchResult) {
	v.hashResults[dg] = r
}

func (v *VerificationStatus) HashResult(dg int) (HashMatchResult, bool) {
	r, ok := v.hashResults[dg]
	return r, ok
}

// HashResults returns a copy of the per data group evidence.
func (v *VerificationStatus) HashResults() map[int]HashMatchResult {
	out := make(map[int]HashMatchResult, len(v.hashResults))
	for dg, r := range v.hashResults {
		out[dg] = r
	}
	return out
}

// Mismatches lists the data groups whose computed hash differs from the
// stored one, in ascending order.
func (v *VerificationStatus) Mismatches() []int {
	var out []int
	for dg, r := range v.hashResults {
		if r.Computed != nil && !r.Match() {
			out = append(out, dg)
		}
	}
	sort.Ints(out)
	return out
}

func (v *VerificationStatus) Summary(ident string) string {
	parts := make([]string, 0, len(Categories))
	for _, c := range Categories {
		parts = append(parts, fmt.Sprintf("%s = %s", c, v.checks[c].Verdict))
	}
	return ident + " verification: " + strings.Join(parts, ", ")
}

type verificationJSON struct {
	Checks       map[Category]Check      `json:"checks"`
	HashResults  map[int]HashMatchResult `json:"hash_results"`
	Chain        []string                `json:"certificate_chain"`
	TriedBACKeys []string                `json:"tried_bac_keys,omitempty"`
}

func (v *VerificationStatus) MarshalJSON() ([]byte, error) {
	out := verificationJSON{
		Checks:       v.checks,
		HashResults:  v.hashResults,
		Chain:        make([]string, 0, len(v.chain)),
		TriedBACKeys: v.triedBACKeys,
	}
	for _, c := range v.chain {
		out.Chain = append(out.Chain, c.Subject.String())
	}
	return json.Marshal(out)
}

// Presence is the tri-state of a discovered capability.
type Presence int

const (
	PresenceUnknown Presence = iota
	Present
	Absent
)

func (p Presence) String() string {
	switch p {
	case Present:
		return "PRESENT"
	case Absent:
		return "NOT_PRESENT"
	}
	return "UNKNOWN"
}

func (p Presence) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// FeatureStatus records the security features a document advertises. Each
// flag is set once during discovery; later changes are ignored.
type FeatureStatus struct {
	SAC Presence `json:"has_sac"`
	BAC Presence `json:"has_bac"`
	EAC Presence `json:"has_eac"`
	CA  Presence `json:"has_ca"`
}

func setOnce(field *Presence, p Presence) {
	if *field == PresenceUnknown {
		*field = p
	}
}

func (f *FeatureStatus) SetSAC(p Presence) { setOnce(&f.SAC, p) }
func (f *FeatureStatus) SetBAC(p Presence) { setOnce(&f.BAC, p) }
func (f *FeatureStatus) SetEAC(p Presence) { setOnce(&f.EAC, p) }
func (f *FeatureStatus) SetCA(p Presence)  { setOnce(&f.CA, p) }

func (f FeatureStatus) Summary(ident string) string {
	return fmt.Sprintf("%s features: hasSAC = %s, hasBAC = %s, hasEAC = %s, hasCA = %s", ident, f.SAC, f.BAC, f.EAC, f.CA)
}
