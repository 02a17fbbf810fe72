package verify

import (
	"bytes"
	"fmt"
	"log/slog"

	"go-passport-verifier/lds"
	"go-passport-verifier/status"

	"github.com/gmrtd/gmrtd/cryptoutils"
)

// VerifyHashes recomputes the hash of every data group listed in the SOD and
// records the evidence in vs. Data groups that were not read, and DG3/DG4
// unless EAC succeeded, are recorded without a computed hash.
func VerifyHashes(doc *lds.Document, vs *status.VerificationStatus) {
	sod := doc.SOD()
	if sod == nil {
		vs.Set(status.HT, status.Failed, "No SOd")
		return
	}

	for _, dg := range sod.DataGroupNumbers() {
		stored, _ := sod.Hash(dg)

		if (dg == 3 || dg == 4) && vs.Verdict(status.EAC) != status.Succeeded {
			slog.Debug("Skipping data group because EAC did not succeed", "dg", dg)
			vs.SetHashResult(dg, status.HashMatchResult{Stored: stored})
			continue
		}
		raw, ok := doc.Raw(lds.DataGroup(dg))
		if !ok {
			slog.Debug("Skipping data group because it was not read", "dg", dg)
			vs.SetHashResult(dg, status.HashMatchResult{Stored: stored})
			continue
		}

		computed, err := cryptoutils.CryptoHashByOid(sod.HashAlgorithm, raw)
		if err != nil {
			slog.Warn("Failed to hash data group", "dg", dg, "error", err)
			vs.SetHashResult(dg, status.HashMatchResult{Stored: stored})
			vs.Set(status.HT, status.Failed, fmt.Sprintf("Unsupported algorithm %q", sod.HashAlgorithm.String()))
			continue
		}
		vs.SetHashResult(dg, status.HashMatchResult{Stored: stored, Computed: computed})
		if !bytes.Equal(stored, computed) {
			vs.Set(status.HT, status.Failed, "Hash mismatch")
		}
	}

	if mismatches := vs.Mismatches(); len(mismatches) > 0 {
		slog.Warn("Data group hashes do not match", "dgs", mismatches)
		return
	}
	if vs.Verdict(status.HT) == status.Unknown {
		vs.Set(status.HT, status.Succeeded, "All hashes match")
	}
}

// RecordInitialHashes records the evidence known right after the first
// files were read: the computed hash of every listed data group already in
// doc and only the stored hash of the others. The HT verdict is untouched.
func RecordInitialHashes(doc *lds.Document, dgs []int, vs *status.VerificationStatus) {
	sod := doc.SOD()
	if sod == nil {
		return
	}
	for _, dg := range dgs {
		stored, ok := sod.Hash(dg)
		if !ok {
			continue
		}
		if _, done := vs.HashResult(dg); done {
			continue
		}
		result := status.HashMatchResult{Stored: stored}
		if raw, read := doc.Raw(lds.DataGroup(dg)); read {
			if computed, err := cryptoutils.CryptoHashByOid(sod.HashAlgorithm, raw); err == nil {
				result.Computed = computed
			}
		}
		vs.SetHashResult(dg, result)
	}
}
