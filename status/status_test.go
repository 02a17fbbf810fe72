package status

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewVerificationStatusStartsUnknown(t *testing.T) {
	v := NewVerificationStatus()
	for _, c := range Categories {
		require.Equal(t, Unknown, v.Verdict(c), c)
	}
}

func TestSetNeverDowngradesTerminalVerdict(t *testing.T) {
	tests := []struct {
		name     string
		first    Verdict
		second   Verdict
		expected Verdict
	}{
		{"unknown to succeeded", Unknown, Succeeded, Succeeded},
		{"not checked to succeeded", NotChecked, Succeeded, Succeeded},
		{"succeeded to unknown", Succeeded, Unknown, Succeeded},
		{"failed to unknown", Failed, Unknown, Failed},
		{"not present to not checked", NotPresent, NotChecked, NotPresent},
		{"succeeded to failed", Succeeded, Failed, Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerificationStatus()
			v.Set(DS, tt.first, "first")
			v.Set(DS, tt.second, "second")
			require.Equal(t, tt.expected, v.Verdict(DS))
		})
	}
}

func TestDowngradeKeepsReasonAndEvidence(t *testing.T) {
	v := NewVerificationStatus()
	v.SetBAC(Failed, "BAC failed", []string{"L898902C<369080619406236"})
	v.SetBAC(Unknown, "Unknown", nil)
	require.Equal(t, "BAC failed", v.Reason(BAC))
	require.Len(t, v.TriedBACKeys(), 1)

	v.SetCS(Failed, "No CSCA trust anchors found", nil)
	require.False(t, v.Set(CS, Unknown, "Unknown"))
	require.Equal(t, "No CSCA trust anchors found", v.Reason(CS))
}

func TestHashResults(t *testing.T) {
	v := NewVerificationStatus()
	v.SetHashResult(1, HashMatchResult{Stored: []byte{1}, Computed: []byte{2}})
	v.SetHashResult(2, HashMatchResult{Stored: []byte{3}, Computed: []byte{3}})
	v.SetHashResult(15, HashMatchResult{Stored: []byte{4}})

	require.Equal(t, []int{1}, v.Mismatches())
	r, ok := v.HashResult(2)
	require.True(t, ok)
	require.True(t, r.Match())
	r, ok = v.HashResult(15)
	require.True(t, ok)
	require.False(t, r.Match())
	require.Nil(t, r.Computed)

	copied := v.HashResults()
	delete(copied, 1)
	_, ok = v.HashResult(1)
	require.True(t, ok)
}

func TestVerificationStatusJSON(t *testing.T) {
	v := NewVerificationStatus()
	v.Set(HT, Succeeded, "All hashes match")
	v.SetHashResult(1, HashMatchResult{Stored: []byte{0xAB}})

	data, err := json.Marshal(v)
	require.NoError(t, err)

	var decoded struct {
		Checks map[string]struct {
			Verdict string `json:"verdict"`
			Reason  string `json:"reason"`
		} `json:"checks"`
		HashResults map[string]struct {
			Stored   string  `json:"stored"`
			Computed *string `json:"computed"`
		} `json:"hash_results"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "SUCCEEDED", decoded.Checks["HT"].Verdict)
	require.Equal(t, "All hashes match", decoded.Checks["HT"].Reason)
	require.Equal(t, "ab", decoded.HashResults["1"].Stored)
	require.Nil(t, decoded.HashResults["1"].Computed)
}

func TestVerdictText(t *testing.T) {
	var v Verdict
	require.NoError(t, v.UnmarshalText([]byte("NOT_PRESENT")))
	require.Equal(t, NotPresent, v)
	require.Error(t, v.UnmarshalText([]byte("MAYBE")))
}

func TestFeatureStatusSetOnce(t *testing.T) {
	var f FeatureStatus
	f.SetSAC(Absent)
	f.SetSAC(Present)
	f.SetBAC(PresenceUnknown)
	f.SetBAC(Present)
	require.Equal(t, Absent, f.SAC)
	require.Equal(t, Present, f.BAC)
	require.Equal(t, PresenceUnknown, f.EAC)
	require.Equal(t, "doc features: hasSAC = NOT_PRESENT, hasBAC = PRESENT, hasEAC = UNKNOWN, hasCA = UNKNOWN", f.Summary("doc"))
}
