// Package audit records evidence digests in an append-only, hash-chained
// ledger so later tampering with archived files or with the ledger itself
// is detectable.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileDigest computes the SHA-256 of a file as lowercase hex.
func FileDigest(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Entry is one ledger line. Chain is sha256(prev chain + entry fields).
type Entry struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	IncidentID string    `json:"incident_id,omitempty"`
	Path       string    `json:"path"`
	SHA256     string    `json:"sha256"`
	Chain      string    `json:"chain"`
}

// ErrChainBroken is returned by Verify when a line does not link to its predecessor.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Ledger appends entries to a JSON-lines file.
type Ledger struct {
	path string

	mu   sync.Mutex
	head string
}

// OpenLedger opens or creates the ledger at path and loads its head.
func OpenLedger(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	l := &Ledger{path: path}
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.head = entries[n-1].Chain
	}
	return l, nil
}

func link(prev string, e Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s", prev, e.Time.UTC().Format(time.RFC3339Nano), e.Kind, e.IncidentID, e.Path, e.SHA256)
	return hex.EncodeToString(h.Sum(nil))
}

// Append links e to the current head and writes it.
func (l *Ledger) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Chain = link(l.head, e)
	b, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return Entry{}, err
	}
	l.head = e.Chain
	return e, nil
}

// Head returns the chain value of the last entry.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Entries reads every entry in order.
func (l *Ledger) Entries() ([]Entry, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("audit: decode line %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Verify walks the ledger and checks every link.
func (l *Ledger) Verify() error {
	entries, err := l.Entries()
	if err != nil {
		return err
	}
	prev := ""
	for i, e := range entries {
		if link(prev, e) != e.Chain {
			return fmt.Errorf("%w at entry %d", ErrChainBroken, i)
		}
		prev = e.Chain
	}
	return nil
}
