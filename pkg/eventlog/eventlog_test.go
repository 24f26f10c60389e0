package eventlog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"sentinel/pkg/kvstore"
	"sentinel/pkg/structlog"
)

type jsonOnlyStore struct{ kvstore.Store }

func TestLog_FormatAndOrder(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakePassiveClock(time.Date(2024, 3, 1, 9, 5, 7, 0, time.Local))
	l := New(kvstore.NewMemoryStore(), WithClock(clk), WithLogger(structlog.Discard()))

	l.Record(ctx, "first")
	clk.SetTime(clk.Now().Add(time.Minute))
	l.Recordf(ctx, "second %d", 2)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2024-03-01 09:06:07 - second 2", entries[0])
	assert.Equal(t, "2024-03-01 09:05:07 - first", entries[1])
}

func TestLog_CapAppliesToBothBackends(t *testing.T) {
	for name, store := range map[string]kvstore.Store{
		"list": kvstore.NewMemoryStore(),
		"json": jsonOnlyStore{kvstore.NewMemoryStore()},
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := New(store, WithLogger(structlog.Discard()))
			for i := 0; i < MaxEntries+20; i++ {
				l.Recordf(ctx, "entry %d", i)
			}
			entries, err := l.Entries(ctx)
			require.NoError(t, err)
			assert.Len(t, entries, MaxEntries)
			assert.True(t, strings.HasSuffix(entries[0], "entry 119"))

			require.NoError(t, l.Clear(ctx))
			entries, err = l.Entries(ctx)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}
