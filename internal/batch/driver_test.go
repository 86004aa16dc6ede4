package batch

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/frameforge/pipeline/internal/apierr"
	"github.com/frameforge/pipeline/internal/metastore"
	"github.com/frameforge/pipeline/internal/model"
	"github.com/frameforge/pipeline/internal/videopipe"
)

// fakeProcessor answers Process with a scripted outcome keyed by item code,
// and counts how many times each code was attempted.
type fakeProcessor struct {
	mu       sync.Mutex
	attempts map[string]int
	script   map[string][]videopipe.ProcessResult // per-code sequence, last entry repeats once exhausted
}

func newFakeProcessor(script map[string][]videopipe.ProcessResult) *fakeProcessor {
	return &fakeProcessor{attempts: map[string]int{}, script: script}
}

func (f *fakeProcessor) Process(_ context.Context, item model.WorkItem, _ string) videopipe.ProcessResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.script[item.Code]
	n := f.attempts[item.Code]
	f.attempts[item.Code]++
	if n >= len(seq) {
		n = len(seq) - 1
	}
	result := seq[n]
	result.Item = item
	return result
}

func (f *fakeProcessor) attemptsFor(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[code]
}

// fakeVerifier reports a scripted count_by_code sequence per code.
type fakeVerifier struct {
	mu     sync.Mutex
	calls  map[string]int
	counts map[string][]int
}

func newFakeVerifier(counts map[string][]int) *fakeVerifier {
	return &fakeVerifier{calls: map[string]int{}, counts: counts}
}

func (f *fakeVerifier) CountByCode(_ context.Context, _ string, code string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.counts[code]
	n := f.calls[code]
	f.calls[code]++
	if n >= len(seq) {
		n = len(seq) - 1
	}
	if n < 0 {
		return 0, nil
	}
	return seq[n], nil
}

func testConfig() Config {
	return Config{
		MaxWorkers:          2,
		BatchSize:           4,
		SleepBetweenBatches: time.Millisecond,
		MaxRetries:          2,
		Collection:          "frames",
		WorkDir:             "/tmp/batch-driver-test",
	}
}

func TestRunItemsHappyPathReachesCompletion(t *testing.T) {
	items := []model.WorkItem{{Platform: "yt", Code: "a"}, {Platform: "yt", Code: "b"}}
	proc := newFakeProcessor(map[string][]videopipe.ProcessResult{
		"a": {{State: videopipe.StateDone}},
		"b": {{State: videopipe.StateDone}},
	})
	ver := newFakeVerifier(map[string][]int{"a": {3}, "b": {2}})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE content SET is_extracted = true, is_embedded = true WHERE platform = $1 AND code = $2`)).
		WithArgs("yt", "a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE content SET is_extracted = true, is_embedded = true WHERE platform = $1 AND code = $2`)).
		WithArgs("yt", "b").WillReturnResult(sqlmock.NewResult(0, 1))

	d := NewWithDeps(proc, ver, metastore.FromDB(db), testConfig())

	var done []model.WorkItem
	err = d.RunItems(context.Background(), items, func(item model.WorkItem, _ videopipe.ProcessResult) {
		done = append(done, item)
	}, nil)
	require.NoError(t, err)
	require.Len(t, done, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunItemsSkippedItemNeverFlipsFlags(t *testing.T) {
	items := []model.WorkItem{{Platform: "yt", Code: "missing"}}
	proc := newFakeProcessor(map[string][]videopipe.ProcessResult{
		"missing": {{State: videopipe.StateSkipped}},
	})
	ver := newFakeVerifier(nil)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	// No ExpectExec registered: a flag-flip call would fail mock.ExpectationsWereMet.

	d := NewWithDeps(proc, ver, metastore.FromDB(db), testConfig())

	var results []videopipe.ProcessResult
	err = d.RunItems(context.Background(), items, func(_ model.WorkItem, r videopipe.ProcessResult) {
		results = append(results, r)
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, videopipe.StateSkipped, results[0].State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunItemsRetriesTransientFailureThenSucceeds(t *testing.T) {
	items := []model.WorkItem{{Platform: "yt", Code: "flaky"}}
	proc := newFakeProcessor(map[string][]videopipe.ProcessResult{
		"flaky": {
			{State: videopipe.StateError, Err: apierr.Wrap(apierr.KindTransient, fmt.Errorf("ffmpeg timed out"))},
			{State: videopipe.StateDone},
		},
	})
	ver := newFakeVerifier(map[string][]int{"flaky": {4}})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE content SET is_extracted = true, is_embedded = true WHERE platform = $1 AND code = $2`)).
		WithArgs("yt", "flaky").WillReturnResult(sqlmock.NewResult(0, 1))

	cfg := testConfig()
	d := NewWithDeps(proc, ver, metastore.FromDB(db), cfg)

	var results []videopipe.ProcessResult
	err = d.RunItems(context.Background(), items, func(_ model.WorkItem, r videopipe.ProcessResult) {
		results = append(results, r)
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, videopipe.StateDone, results[0].State)
	require.Equal(t, 2, proc.attemptsFor("flaky"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunItemsExhaustsRetriesAndRecordsFinalFailure(t *testing.T) {
	items := []model.WorkItem{{Platform: "yt", Code: "dead"}}
	transientErr := apierr.Wrap(apierr.KindTransient, fmt.Errorf("qdrant unavailable"))
	proc := newFakeProcessor(map[string][]videopipe.ProcessResult{
		"dead": {{State: videopipe.StateError, Err: transientErr}},
	})
	ver := newFakeVerifier(nil)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO extraction_errors`)).
		WithArgs("dead", transientErr.Error(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	cfg := testConfig()
	cfg.MaxRetries = 2
	d := NewWithDeps(proc, ver, metastore.FromDB(db), cfg)

	var results []videopipe.ProcessResult
	err = d.RunItems(context.Background(), items, func(_ model.WorkItem, r videopipe.ProcessResult) {
		results = append(results, r)
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, videopipe.StateError, results[0].State)
	require.Equal(t, 1+cfg.MaxRetries, proc.attemptsFor("dead"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunItemsZeroCountAfterDoneIsRecheckedThenFails(t *testing.T) {
	items := []model.WorkItem{{Platform: "yt", Code: "ghost"}}
	proc := newFakeProcessor(map[string][]videopipe.ProcessResult{
		"ghost": {{State: videopipe.StateDone}},
	})
	ver := newFakeVerifier(map[string][]int{"ghost": {0, 0}})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO extraction_errors`)).
		WithArgs("ghost", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	d := NewWithDeps(proc, ver, metastore.FromDB(db), testConfig())

	var results []videopipe.ProcessResult
	err = d.RunItems(context.Background(), items, func(_ model.WorkItem, r videopipe.ProcessResult) {
		results = append(results, r)
	}, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, apierr.KindConsistency, apierr.KindOf(results[0].Err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunFromMetastoreAdvancesCheckpointAfterEachBatch(t *testing.T) {
	proc := newFakeProcessor(map[string][]videopipe.ProcessResult{
		"a": {{State: videopipe.StateDone}},
	})
	ver := newFakeVerifier(map[string][]int{"a": {1}})

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT last_created_at, last_id FROM extraction_checkpoint WHERE id = 1`)).
		WillReturnError(sql.ErrNoRows)

	rows := sqlmock.NewRows([]string{"id", "platform", "code", "is_downloaded", "is_cropped", "is_extracted", "is_embedded", "created_at"}).
		AddRow("row-1", "yt", "a", true, true, false, false, createdAt)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, platform, code, is_downloaded, is_cropped, is_extracted, is_embedded, created_at`)).
		WithArgs("yt", time.Time{}, "", 4).
		WillReturnRows(rows)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE content SET is_extracted = true, is_embedded = true WHERE platform = $1 AND code = $2`)).
		WithArgs("yt", "a").WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO extraction_checkpoint`)).
		WithArgs(createdAt, "row-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	emptyRows := sqlmock.NewRows([]string{"id", "platform", "code", "is_downloaded", "is_cropped", "is_extracted", "is_embedded", "created_at"})
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, platform, code, is_downloaded, is_cropped, is_extracted, is_embedded, created_at`)).
		WithArgs("yt", createdAt, "row-1", 4).
		WillReturnRows(emptyRows)

	cfg := testConfig()
	d := NewWithDeps(proc, ver, metastore.FromDB(db), cfg)

	err = d.RunFromMetastore(context.Background(), "yt", 0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
