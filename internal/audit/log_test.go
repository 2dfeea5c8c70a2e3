package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

type fakeRepo struct {
	entries  []*domain.AuditEntry
	failNext bool
}

func (f *fakeRepo) Append(_ context.Context, e *domain.AuditEntry) error {
	if f.failNext {
		f.failNext = false
		return assertErr
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeRepo) LastHash(context.Context) (string, error) {
	if len(f.entries) == 0 {
		return "", nil
	}
	return f.entries[len(f.entries)-1].Hash, nil
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLog_ChainsHashToPreviousEntry(t *testing.T) {
	repo := &fakeRepo{}
	l := New(repo, testLogger())

	l.Log(context.Background(), Entry{Action: ActionReadingIngested, ResourceKind: "sensor_reading", ResourceID: "r1"})
	l.Log(context.Background(), Entry{Action: ActionAlertCreated, ResourceKind: "alert", ResourceID: "a1"})

	require.Len(t, repo.entries, 2)
	assert.Empty(t, repo.entries[0].PrevHash, "genesis entry has no predecessor")
	assert.Equal(t, repo.entries[0].Hash, repo.entries[1].PrevHash)
	assert.NotEqual(t, repo.entries[0].Hash, repo.entries[1].Hash)
}

func TestLog_HashIsSha256HexAndVariesWithContent(t *testing.T) {
	repo := &fakeRepo{}
	l := New(repo, testLogger())

	l.Log(context.Background(), Entry{
		Action: ActionReadingIngested, ResourceKind: "sensor_reading", ResourceID: "r1",
		ChangeSet: map[string]any{"value": 2.1, "protocol": "http", "is_anomaly": false},
	})
	l.Log(context.Background(), Entry{
		Action: ActionReadingIngested, ResourceKind: "sensor_reading", ResourceID: "r2",
		ChangeSet: map[string]any{"value": 9.9, "protocol": "mqtt", "is_anomaly": true},
	})

	require.Len(t, repo.entries, 2)
	assert.Len(t, repo.entries[0].Hash, 64, "sha256 hex digest is 64 chars")
	assert.NotEqual(t, repo.entries[0].Hash, repo.entries[1].Hash, "distinct entries must hash differently")
}

func TestLog_WriteFailureIsSwallowedNotPropagated(t *testing.T) {
	repo := &fakeRepo{failNext: true}
	l := New(repo, testLogger())

	// Log has no return value: a write failure must not panic or block
	// the caller (spec.md §7 audit_write_failed is silent/WARN-only).
	l.Log(context.Background(), Entry{Action: ActionReadingIngested, ResourceKind: "sensor_reading", ResourceID: "r1"})
	assert.Empty(t, repo.entries)
}
