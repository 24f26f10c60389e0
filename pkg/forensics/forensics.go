// Package forensics keeps copies of intruder photos outside the per-incident
// evidence directory and records each copy in the audit ledger.
package forensics

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"sentinel/pkg/audit"
)

const ledgerName = "ledger.jsonl"

// Archive stores intruder photos as intruder_<yyyyMMdd_HHmmss>.jpg under dir.
type Archive struct {
	dir    string
	ledger *audit.Ledger
}

func NewArchive(dir string) (*Archive, error) {
	if dir == "" {
		dir = "intruders"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ledger, err := audit.OpenLedger(filepath.Join(dir, ledgerName))
	if err != nil {
		return nil, err
	}
	return &Archive{dir: dir, ledger: ledger}, nil
}

// Dir returns the archive directory.
func (a *Archive) Dir() string { return a.dir }

// Ledger exposes the audit ledger for verification.
func (a *Archive) Ledger() *audit.Ledger { return a.ledger }

// SaveIntruderPhoto copies src into the archive and returns the new path and
// its SHA-256.
func (a *Archive) SaveIntruderPhoto(src, incidentID string, at time.Time) (string, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", "", err
	}
	defer in.Close()

	name := fmt.Sprintf("intruder_%s.jpg", at.Format("20060102_150405"))
	dst := filepath.Join(a.dir, name)
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(a.dir, fmt.Sprintf("intruder_%s_%d.jpg", at.Format("20060102_150405"), at.UnixNano()))
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", "", err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return "", "", err
	}
	if err := out.Close(); err != nil {
		return "", "", err
	}
	digest := hex.EncodeToString(h.Sum(nil))

	if _, err := a.ledger.Append(audit.Entry{
		Time:       at,
		Kind:       "intruder_photo",
		IncidentID: incidentID,
		Path:       dst,
		SHA256:     digest,
	}); err != nil {
		return dst, digest, fmt.Errorf("record ledger entry: %w", err)
	}
	return dst, digest, nil
}
