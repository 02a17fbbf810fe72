// Package verify implements passive authentication of a read document: the
// CSCA chain of the document signer, the SOD signature and the data group
// hash table.
package verify

import (
	"go-passport-verifier/lds"
	"go-passport-verifier/status"
)

// VerifySecurity checks the chain, then the signature, then the hashes.
// Calling it again with the same document and status yields the same
// verdicts.
func (v *Verifier) VerifySecurity(doc *lds.Document, vs *status.VerificationStatus) {
	sod := doc.SOD()
	v.VerifyCS(sod, vs)
	VerifyDS(sod, vs)
	VerifyHashes(doc, vs)
}
