package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jeeves/ui/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesSchema(t *testing.T) {
	s := newTestStore(t)

	version, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)

	entries, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Entry{MountID: "m1", Type: "Hello", Raw: `{"Hello":{}}`, Outcome: OutcomeUnhandled, ReceivedAt: at}))
	require.NoError(t, s.Record(ctx, Entry{MountID: "m1", Raw: `nope`, Outcome: OutcomeMalformed, ReceivedAt: at.Add(time.Second)}))
	require.NoError(t, s.Record(ctx, Entry{MountID: "m2", Raw: `{}`, Outcome: OutcomeEmpty}))

	entries, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "m2", entries[0].MountID)
	assert.Equal(t, OutcomeEmpty, entries[0].Outcome)
	assert.False(t, entries[0].ReceivedAt.IsZero())

	assert.Equal(t, "", entries[1].Type)
	assert.Equal(t, "nope", entries[1].Raw)
	assert.Equal(t, OutcomeMalformed, entries[1].Outcome)
	assert.True(t, at.Add(time.Second).Equal(entries[1].ReceivedAt))
	assert.Greater(t, entries[0].ID, entries[1].ID)
}

func TestCountByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, typ := range []string{"A", "B", "A", ""} {
		require.NoError(t, s.Record(ctx, Entry{MountID: "m", Type: typ, Raw: "{}", Outcome: OutcomeDispatched}))
	}

	counts, err := s.CountByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"A": 2, "B": 1, "": 1}, counts)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, Entry{MountID: "m", Type: "T", Raw: `{"T":1}`, Outcome: OutcomeDispatched}))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)

	entries, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"T":1}`, entries[0].Raw)
}

func TestOpen_Fails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "journal.db")

	_, err := Open(path, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeJournalOpenFailed), "got %v", err)
}
