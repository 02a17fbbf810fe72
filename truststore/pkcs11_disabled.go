//go:build !pkcs11

package truststore

import "io"

func (s *CVCAStore) AddPKCS11Key(cfg PKCS11Config) (io.Closer, error) {
	return nil, ErrPKCS11Unavailable
}
