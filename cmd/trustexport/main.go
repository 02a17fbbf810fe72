// Command trustexport unpacks an ICAO master list or PKD LDIF file into one
// PEM file per certificate, ready to be listed in csca_paths.
package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go-passport-verifier/logging"
	"go-passport-verifier/truststore"
)

func main() {
	outDir := flag.String("out", "", "Directory to write the PEM files to, empty only lists the certificates")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()
	logging.InitLogger(*logLevel)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: trustexport [-out dir] <masterlist.ml|masterlist.mls|pkd.ldif>")
		os.Exit(2)
	}

	n, err := export(flag.Arg(0), *outDir, os.Stdout)
	if err != nil {
		slog.Error("Export failed", "file", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	slog.Info("Export finished", "certificates", n)
}

func readCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ldif":
		return truststore.ParseLDIF(string(data))
	case ".ml", ".mls":
		return truststore.ParseMasterList(data)
	}
	return nil, fmt.Errorf("%w: %s", truststore.ErrUnknownFormat, path)
}

// export lists the certificates in path on w and, when outDir is set, writes
// each to outDir as <country>_<serial>.pem.
func export(path, outDir string, w io.Writer) (int, error) {
	certs, err := readCertificates(path)
	if err != nil {
		return 0, err
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return 0, err
		}
	}

	for i, cert := range certs {
		printCertInfo(w, i+1, cert)
		if outDir == "" {
			continue
		}
		name := filepath.Join(outDir, certFileName(cert))
		block := &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}
		if err := os.WriteFile(name, pem.EncodeToMemory(block), 0o644); err != nil {
			return i, fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return len(certs), nil
}

func certFileName(cert *x509.Certificate) string {
	country := "XX"
	if len(cert.Subject.Country) > 0 {
		country = strings.ToUpper(cert.Subject.Country[0])
	}
	return fmt.Sprintf("%s_%s.pem", country, cert.SerialNumber.Text(16))
}

func printCertInfo(w io.Writer, i int, cert *x509.Certificate) {
	fmt.Fprintf(w, "Certificate %d:\n", i)
	fmt.Fprintf(w, "  Subject: %s\n", cert.Subject)
	fmt.Fprintf(w, "  Issuer: %s\n", cert.Issuer)
	fmt.Fprintf(w, "  Valid: %s to %s\n", cert.NotBefore, cert.NotAfter)
	fmt.Fprintf(w, "  Serial: %s\n", cert.SerialNumber)
}
