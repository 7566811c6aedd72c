package tracelog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speters/rgad/rga"
	"github.com/speters/rgad/rga/rgatest"
)

func readAll(t *testing.T, path string, f Filter) []Entry {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var entries []Entry
	r := NewReader(file, f)
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return entries
		}
		require.NoError(t, err)
		entries = append(entries, e)
	}
}

func TestWriterSession(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "trace.cbor")
	w, err := Create(path, log)
	require.NoError(t, err)

	sim := rgatest.New()
	sim.Unanswered["NF?"] = true
	s := rga.New(sim, rga.WithTracer(w), rga.WithLogger(log))
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	_, err = s.Get(ctx, "noise_floor")
	require.ErrorIs(t, err, rga.ErrDeviceTimeout)
	require.NoError(t, s.Close())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	entries := readAll(t, path, Filter{})
	require.Len(t, entries, 4)
	assert.Equal(t, "ID?", entries[0].Command)
	assert.Equal(t, rgatest.DefaultID, entries[0].Reply)
	assert.Equal(t, rga.OutcomeOK, entries[0].Outcome)
	assert.Equal(t, s.ID().String(), entries[0].Session)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
	assert.Equal(t, "NF?", entries[3].Command)
	assert.Equal(t, rga.OutcomeTimeout, entries[3].Outcome)
	assert.NotEmpty(t, entries[3].Error)

	failed := readAll(t, path, Filter{FailedOnly: true})
	require.Len(t, failed, 1)
	assert.Equal(t, "NF?", failed[0].Command)
	assert.Empty(t, readAll(t, path, Filter{Session: "someone else"}))
}

func TestWriterAppends(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "trace.cbor")
	for i := 0; i < 2; i++ {
		w, err := Create(path, log)
		require.NoError(t, err)
		w.Trace(rga.Record{Seq: uint64(i), Command: "TP?", Outcome: rga.OutcomeOK, Start: time.Now()})
		require.NoError(t, w.Close())
		// ignored after close
		w.Trace(rga.Record{Command: "MR1"})
	}
	assert.Len(t, readAll(t, path, Filter{}), 2)
}

func TestEntryFault(t *testing.T) {
	_, err := rga.Decode([]byte("2\n\r"), rga.ReplyStatus)
	require.Error(t, err)
	e := NewEntry(rga.Record{Command: "EE70", Reply: "2", Outcome: rga.OutcomeFault, Err: err})
	assert.Equal(t, uint8(2), e.Status)
	assert.Contains(t, e.String(), "EE70")
	assert.Contains(t, e.String(), "fault")
}

func TestDump(t *testing.T) {
	log, _ := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "trace.cbor")
	w, err := Create(path, log)
	require.NoError(t, err)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.Trace(rga.Record{Seq: 1, Command: "MR28", Reply: "1.5e-09", Outcome: rga.OutcomeOK, Start: start, Duration: 40 * time.Millisecond})
	w.Trace(rga.Record{Seq: 2, Command: "TP?", Outcome: rga.OutcomeTimeout, Err: rga.ErrDeviceTimeout, Start: start})
	require.NoError(t, w.Close())

	var out bytes.Buffer
	n, err := Dump(&out, path, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "2026-03-01T12:00:00Z"))
	assert.Contains(t, lines[0], `"1.5e-09"`)
	assert.Contains(t, lines[0], "40ms")
	assert.Contains(t, lines[1], rga.ErrDeviceTimeout.Error())

	// a truncated stream is reported
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0644))
	n, err = Dump(io.Discard, path, Filter{})
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}
