package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nkkko/reviewfeed/internal/config"
	"github.com/nkkko/reviewfeed/internal/storage"
	"github.com/nkkko/reviewfeed/internal/storage/badger"
	"github.com/nkkko/reviewfeed/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandsRegistered(t *testing.T) {
	require.NotNil(t, rootCmd)

	registered := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		registered[c.Name()] = true
	}
	for _, name := range []string{"watch", "serve", "history"} {
		assert.True(t, registered[name], "expected command %q to be registered", name)
	}

	for _, name := range []string{"config", "backend", "data-dir", "log-level", "storage", "transport"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "missing global flag %q", name)
	}
	assert.NotNil(t, serveCmd.Flags().Lookup("addr"))
	assert.NotNil(t, watchCmd.Flags().Lookup("output"))
	assert.NotNil(t, historyCmd.Flags().Lookup("output"))
}

func sampleEvents(now time.Time) []proto.Event {
	return []proto.Event{
		{
			Kind:       proto.KindLogin,
			Actor:      proto.Actor{Name: "Ada", LastName: "Lovelace", Email: "ada@example.com"},
			OccurredAt: now.Add(-2 * time.Hour),
		},
		{
			Actor:      proto.Actor{Name: "Grace"},
			OccurredAt: now.Add(-time.Hour),
		},
	}
}

func TestPrinterTable(t *testing.T) {
	var buf bytes.Buffer
	p, err := newEventPrinter(&buf, outputTable)
	require.NoError(t, err)

	require.NoError(t, p.print(sampleEvents(time.Now())))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "TIME"))
	assert.Contains(t, lines[1], "login")
	assert.Contains(t, lines[1], "Ada Lovelace")
	assert.Contains(t, lines[1], "ada@example.com")
	assert.Contains(t, lines[2], "Unknown")
	assert.Contains(t, lines[2], "Grace N/A")
	assert.Contains(t, lines[2], "N/A")
}

func TestPrinterJSON(t *testing.T) {
	var buf bytes.Buffer
	p, err := newEventPrinter(&buf, outputJSON)
	require.NoError(t, err)

	require.NoError(t, p.print(sampleEvents(time.Now())))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "login", first["event"])
}

func TestPrinterRejectsUnknownFormat(t *testing.T) {
	_, err := newEventPrinter(&bytes.Buffer{}, "yaml")
	assert.Error(t, err)
}

func TestPrintNewSkipsPrinted(t *testing.T) {
	var buf bytes.Buffer
	p, err := newEventPrinter(&buf, outputJSON)
	require.NoError(t, err)

	events := sampleEvents(time.Now())
	require.NoError(t, p.printNew(events[:1]))
	require.NoError(t, p.printNew(events))
	require.NoError(t, p.printNew(events))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	// Only the current snapshot is remembered
	require.NoError(t, p.printNew(events[1:]))
	assert.Len(t, p.seen, 1)
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dir
	backend, err := badger.Open(dir)
	require.NoError(t, err)
	adapter := storage.NewAdapter(backend, cfg.ToStorageConfig())
	adapter.Save(context.Background(), append(sampleEvents(now), proto.Event{
		Kind:       proto.KindSignup,
		Actor:      proto.Actor{Email: "expired@example.com"},
		OccurredAt: now.Add(-30 * time.Hour),
	}))
	require.NoError(t, adapter.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"history",
		"--storage", "badger",
		"--data-dir", dir,
		"--backend", "http://localhost:3000",
		"--log-level", "error",
		"--output", "table",
	})
	require.NoError(t, Execute())

	assert.Contains(t, out.String(), "ada@example.com")
	assert.Contains(t, out.String(), "Grace")
	assert.NotContains(t, out.String(), "expired@example.com")
}

func TestHistoryCommandBadBackend(t *testing.T) {
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{
		"history",
		"--storage", "memory",
		"--backend", "ftp://example.com",
		"--log-level", "error",
		"--output", "table",
	})
	assert.Error(t, Execute())
}
