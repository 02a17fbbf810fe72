// Command verifydump runs passive authentication over a JSON dump of a
// document, as posted to /api/verify-document, and prints the verdicts.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go-passport-verifier/logging"
	"go-passport-verifier/models"
	"go-passport-verifier/reader"
	"go-passport-verifier/status"
	"go-passport-verifier/truststore"
	"go-passport-verifier/verify"
)

func main() {
	csca := flag.String("csca", "", "Comma separated CSCA certificate files, master lists or directories")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()
	logging.InitLogger(*logLevel)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: verifydump [-csca paths] dump.json")
		os.Exit(2)
	}

	var paths []string
	if *csca != "" {
		paths = strings.Split(*csca, ",")
	}
	store, err := truststore.LoadCSCA(paths...)
	if err != nil {
		slog.Error("Failed to load trust store", "error", err)
		os.Exit(1)
	}

	vs, err := verifyFile(flag.Arg(0), verify.NewVerifier(store), os.Stdout)
	if err != nil {
		slog.Error("Verification failed", "file", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	if len(vs.Mismatches()) > 0 || vs.Verdict(status.HT) != status.Succeeded {
		os.Exit(3)
	}
}

// verifyFile prints one line per check and per data group hash to w.
func verifyFile(path string, verifier *verify.Verifier, w io.Writer) (*status.VerificationStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var dump models.DocumentVerificationRequest
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	p, err := reader.VerifyDump(dump.Files(), verifier)
	if err != nil {
		return nil, err
	}
	vs := p.Status

	for _, c := range status.Categories {
		check := vs.Get(c)
		fmt.Fprintf(w, "%-4s %-12s %s\n", c, check.Verdict, check.Reason)
	}
	for _, dg := range p.DataGroups {
		if r, ok := vs.HashResult(dg); ok {
			fmt.Fprintf(w, "DG%-2d %s\n", dg, r)
		}
	}
	return vs, nil
}
