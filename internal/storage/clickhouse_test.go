package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-gate/internal/config"
	"github.com/token-gate/internal/models"
)

func TestNewClickHouseDB(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.ClickHouseConfig{
		Host:     "localhost",
		Port:     "9000",
		Database: "token_gate",
		User:     "default",
	}

	db, err := NewClickHouseDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - ClickHouse not available: %v", err)
		return
	}
	defer func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	ctx := testContext(t)
	require.NoError(t, db.Ping(ctx))
	require.NoError(t, RunClickHouseMigrations(ctx, db))

	repo := NewEligibilityAuditRepository(db)
	err = repo.InsertChecks(ctx, []models.EligibilityCheck{{
		SessionID: "session-1",
		Gate:      "meld-token",
		Address:   "0x00000000000000000000000000000000000000aa",
		ChainID:   333000333,
		Balance:   "0",
		Threshold: "5000000000000000000000000",
		Mode:      "gte",
		CheckedAt: time.Now(),
	}})
	assert.NoError(t, err)
}

func TestSplitSQLStatements(t *testing.T) {
	content := `-- header comment
CREATE TABLE a (
    x String
) ENGINE = MergeTree()
ORDER BY x;

-- second
CREATE TABLE b (y UInt8) ENGINE = Memory;
SELECT 1`

	got := splitSQLStatements(content)
	require.Len(t, got, 3)
	assert.Equal(t, "CREATE TABLE a (\n    x String\n) ENGINE = MergeTree()\nORDER BY x", got[0])
	assert.Equal(t, "CREATE TABLE b (y UInt8) ENGINE = Memory", got[1])
	assert.Equal(t, "SELECT 1", got[2])

	assert.Empty(t, splitSQLStatements("-- only a comment\n\n"))
}

func TestEmbeddedClickHouseMigrations(t *testing.T) {
	entries, err := clickhouseMigrations.ReadDir("migrations/clickhouse")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	content, err := clickhouseMigrations.ReadFile("migrations/clickhouse/" + entries[0].Name())
	require.NoError(t, err)
	stmts := splitSQLStatements(string(content))
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], "eligibility_checks")
}

func TestRunClickHouseMigrations_MissingDir(t *testing.T) {
	err := runClickHouseMigrations(context.Background(), nil, fstest.MapFS{}, "migrations/clickhouse")
	assert.Error(t, err)
}

type recordingInserter struct {
	mu      sync.Mutex
	batches [][]models.EligibilityCheck
	err     error
}

func (r *recordingInserter) InsertChecks(_ context.Context, checks []models.EligibilityCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]models.EligibilityCheck(nil), checks...))
	return r.err
}

func (r *recordingInserter) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func TestAuditBuffer_FlushesBatches(t *testing.T) {
	sink := &recordingInserter{}
	buf := NewAuditBuffer(sink, AuditBufferConfig{QueueSize: 10, BatchSize: 2, FlushInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		buf.Run(ctx)
		close(done)
	}()

	buf.Record(ctx, models.EligibilityCheck{Gate: "a"})
	buf.Record(ctx, models.EligibilityCheck{Gate: "b"})
	assert.Eventually(t, func() bool { return sink.total() == 2 }, 2*time.Second, 10*time.Millisecond)

	// The remainder is written on shutdown
	buf.Record(ctx, models.EligibilityCheck{Gate: "c"})
	cancel()
	<-done
	assert.Equal(t, 3, sink.total())
}

func TestAuditBuffer_DropsWhenFull(t *testing.T) {
	sink := &recordingInserter{err: errors.New("clickhouse down")}
	buf := NewAuditBuffer(sink, AuditBufferConfig{QueueSize: 1, BatchSize: 1})

	buf.Record(context.Background(), models.EligibilityCheck{Gate: "a"})
	buf.Record(context.Background(), models.EligibilityCheck{Gate: "b"})
	assert.Equal(t, uint64(1), buf.Dropped())

	// Sink errors are logged, not fatal
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	buf.Run(ctx)
	assert.Equal(t, 1, sink.total())
}
