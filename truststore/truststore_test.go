package truststore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"go-passport-verifier/chipsim"
	"go-passport-verifier/lds"

	"github.com/osanderson/brainpool"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestLoadCSCA(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
	require.NoError(t, err)

	dir := t.TempDir()
	cscaPath := filepath.Join(dir, "csca.pem")
	writeFile(t, cscaPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.CSCA.Raw}))
	writeFile(t, filepath.Join(dir, "ds.der"), s.DS.Raw)
	writeFile(t, filepath.Join(dir, "README.txt"), []byte("not a certificate"))

	store, err := LoadCSCA(dir, cscaPath)
	require.NoError(t, err)
	require.Len(t, store.Anchors(), 1)
	require.True(t, store.Anchors()[0].Equal(s.CSCA))
	require.Len(t, store.Intermediates(), 1)
	require.True(t, store.Intermediates()[0].Equal(s.DS))

	_, err = LoadCSCA(filepath.Join(dir, "missing.pem"))
	require.Error(t, err)
	_, err = LoadCSCA(filepath.Join(dir, "README.txt"))
	require.ErrorIs(t, err, ErrUnknownFormat)
}

// signedMasterList wraps the CSCA certificates of the given specimens in a
// master list signed with an RSA document signer.
func signedMasterList(t *testing.T, specimens ...*chipsim.Specimen) []byte {
	t.Helper()
	var entries []asn1.RawValue
	for _, s := range specimens {
		entries = append(entries, asn1.RawValue{FullBytes: s.CSCA.Raw})
	}
	content, err := asn1.Marshal(masterList{Version: 0, Certificates: entries})
	require.NoError(t, err)

	signer, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{RSA: true})
	require.NoError(t, err)
	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	require.NoError(t, sd.AddSigner(signer.DS, signer.DSKey.(*rsa.PrivateKey), pkcs7.SignerInfoConfig{}))
	der, err := sd.Finish()
	require.NoError(t, err)
	return der
}

func TestParseMasterList(t *testing.T) {
	a, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
	require.NoError(t, err)
	b, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{RSA: true})
	require.NoError(t, err)
	der := signedMasterList(t, a, b)

	certs, err := ParseMasterList(der)
	require.NoError(t, err)
	require.Len(t, certs, 2)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "UTO.ml"), der)
	store, err := LoadCSCA(dir)
	require.NoError(t, err)
	require.Len(t, store.Anchors(), 2)

	_, err = ParseMasterList([]byte{0x30, 0x03, 0x02, 0x01, 0x00})
	require.Error(t, err)
}

func TestParseLDIF(t *testing.T) {
	a, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
	require.NoError(t, err)
	b, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{})
	require.NoError(t, err)
	ml := signedMasterList(t, b)

	content := "dn: cn=CSCA UTO,o=csca,c=UTO,dc=data,dc=download,dc=pkd\n" +
		"objectClass: top\n" +
		"cn: CSCA UTO\n" +
		"userCertificate;binary:: " + base64.StdEncoding.EncodeToString(a.CSCA.Raw) + "\n\n" +
		"dn: cn=ML UTO,o=ml,c=UTO,dc=data,dc=download,dc=pkd\n" +
		"objectClass: top\n" +
		"cn: ML UTO\n" +
		"pkdMasterListContent:: " + base64.StdEncoding.EncodeToString(ml) + "\n"

	certs, err := ParseLDIF(content)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	require.True(t, certs[0].Equal(a.CSCA))
	require.True(t, certs[1].Equal(b.CSCA))
}

func TestCVCAStore(t *testing.T) {
	s, err := chipsim.NewSpecimen(chipsim.SpecimenOptions{ChipAuthCurve: elliptic.P256(), EAC: true})
	require.NoError(t, err)
	dv, is := s.Terminal.Chain[0], s.Terminal.Chain[1]

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "cvca.cvcert"), s.CVCA.Raw)
	writeFile(t, filepath.Join(dir, "dv.cvcert"), dv.Raw)
	writeFile(t, filepath.Join(dir, "is.cvc"), is.Raw)
	key, err := MarshalTerminalKey(s.Terminal.Key)
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, is.HolderReference+".pkcs8"), key)

	store, err := LoadCVCADir(dir)
	require.NoError(t, err)

	t.Run("certificate entry", func(t *testing.T) {
		creds, ok := store.Credentials(s.CVCA.HolderReference)
		require.True(t, ok)
		require.Len(t, creds.Chain, 2)
		require.Equal(t, dv.HolderReference, creds.Chain[0].HolderReference)
		require.Equal(t, is.HolderReference, creds.Terminal().HolderReference)
		require.True(t, creds.Key.Public().(*ecdsa.PublicKey).Equal(s.Terminal.Key.Public()))
	})

	t.Run("key entry", func(t *testing.T) {
		byAlias := NewCVCAStore("alias")
		byAlias.AddCertificate(dv)
		byAlias.AddCertificate(is)
		byAlias.AddKey(s.CVCA.HolderReference, s.Terminal.Key)
		creds, ok := byAlias.Credentials(s.CVCA.HolderReference)
		require.True(t, ok)
		require.Len(t, creds.Chain, 2)
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, ok := store.Credentials("UTCVCA99999")
		require.False(t, ok)
	})

	t.Run("certificates without key", func(t *testing.T) {
		noKey := NewCVCAStore("nokey")
		noKey.AddCertificate(dv)
		noKey.AddCertificate(is)
		_, ok := noKey.Credentials(s.CVCA.HolderReference)
		require.False(t, ok)
	})

	t.Run("store lookup", func(t *testing.T) {
		all := New()
		all.AddCVCAStore(NewCVCAStore("empty"))
		all.AddCVCAStore(store)
		creds, ok := all.TerminalCredentials(s.CVCA.HolderReference)
		require.True(t, ok)
		require.Equal(t, is.HolderReference, creds.Terminal().HolderReference)
	})
}

func TestParseTerminalKeyBrainpool(t *testing.T) {
	curve := brainpool.P256r1()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	curveOID, ok := lds.OIDForCurve(curve)
	require.True(t, ok)
	params, err := asn1.Marshal(curveOID)
	require.NoError(t, err)
	inner, err := asn1.Marshal(ecPrivateKey{Version: 1, PrivateKey: key.D.FillBytes(make([]byte, 32))})
	require.NoError(t, err)
	der, err := asn1.Marshal(pkcs8{
		Algorithm:  pkix.AlgorithmIdentifier{Algorithm: lds.OIDECPublicKey, Parameters: asn1.RawValue{FullBytes: params}},
		PrivateKey: inner,
	})
	require.NoError(t, err)

	parsed, err := ParseTerminalKey(der)
	require.NoError(t, err)
	pub := parsed.Public().(*ecdsa.PublicKey)
	require.Equal(t, 0, pub.X.Cmp(key.X))
	require.Equal(t, 0, pub.Y.Cmp(key.Y))
}
