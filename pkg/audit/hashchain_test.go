package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDigest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o600))
	d, err := FileDigest(p)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", d)
}

func TestLedger_AppendReopenVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := OpenLedger(path)
	require.NoError(t, err)

	e1, err := l.Append(Entry{Time: time.Unix(1, 0), Kind: "intruder_photo", Path: "a.jpg", SHA256: "aa"})
	require.NoError(t, err)
	_, err = l.Append(Entry{Time: time.Unix(2, 0), Kind: "intruder_photo", Path: "b.jpg", SHA256: "bb"})
	require.NoError(t, err)
	require.NoError(t, l.Verify())

	reopened, err := OpenLedger(path)
	require.NoError(t, err)
	assert.Equal(t, l.Head(), reopened.Head())
	assert.NotEqual(t, e1.Chain, reopened.Head())
}

func TestLedger_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := OpenLedger(path)
	require.NoError(t, err)
	_, err = l.Append(Entry{Time: time.Unix(1, 0), Kind: "k", Path: "a.jpg", SHA256: "aa"})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(raw), `"aa"`, `"ab"`, 1)), 0o600))

	assert.ErrorIs(t, l.Verify(), ErrChainBroken)
}
