package truststore

import "errors"

var ErrPKCS11Unavailable = errors.New("built without pkcs11 support")

// PKCS11Config names a terminal key on a PKCS#11 token. Alias defaults to
// Label.
type PKCS11Config struct {
	Module string `json:"module"`
	Slot   uint   `json:"slot"`
	PIN    string `json:"pin"`
	Label  string `json:"label"`
	Alias  string `json:"alias"`
}
