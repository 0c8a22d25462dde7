package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foliosource/bindery/internal/domain"
)

// stubPool satisfies PgxPool with per-method hooks so each test scripts
// exactly the statements it expects to see.
type stubPool struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (p *stubPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.execFn == nil {
		return pgconn.CommandTag{}, errors.New("unexpected Exec")
	}
	return p.execFn(ctx, sql, args...)
}

func (p *stubPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if p.queryRowFn == nil {
		return errRow{err: errors.New("unexpected QueryRow")}
	}
	return p.queryRowFn(ctx, sql, args...)
}

func (p *stubPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.queryFn == nil {
		return nil, errors.New("unexpected Query")
	}
	return p.queryFn(ctx, sql, args...)
}

func (p *stubPool) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	return nil, errors.New("unexpected BeginTx")
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// valRow hands a fixed value list to Scan, assigning positionally the way a
// real row would.
type valRow struct{ vals []any }

func (r valRow) Scan(dest ...any) error { return assignRow(dest, r.vals) }

func assignRow(dest, vals []any) error {
	if len(dest) != len(vals) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(vals))
	}
	for i, v := range vals {
		rv := reflect.ValueOf(dest[i])
		if rv.Kind() != reflect.Pointer || rv.IsNil() {
			return fmt.Errorf("scan dest %d is not a pointer", i)
		}
		elem := rv.Elem()
		if v == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		sv := reflect.ValueOf(v)
		switch {
		case sv.Type().AssignableTo(elem.Type()):
			elem.Set(sv)
		case sv.Type().ConvertibleTo(elem.Type()):
			elem.Set(sv.Convert(elem.Type()))
		default:
			return fmt.Errorf("scan dest %d: cannot assign %T", i, v)
		}
	}
	return nil
}

// stubRows is a canned pgx.Rows over pre-built value lists.
type stubRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *stubRows) Close()                                       {}
func (r *stubRows) Err() error                                   { return r.err }
func (r *stubRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *stubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *stubRows) Values() ([]any, error)                       { return nil, errors.New("not implemented") }
func (r *stubRows) RawValues() [][]byte                          { return nil }
func (r *stubRows) Conn() *pgx.Conn                              { return nil }

func (r *stubRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *stubRows) Scan(dest ...any) error { return assignRow(dest, r.rows[r.idx-1]) }

func queuedJob(id string) domain.Job {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.Job{
		ID:          id,
		Type:        domain.JobTypeNavigation,
		TargetURL:   "https://books.example.com/index.html",
		Priority:    10,
		Status:      domain.JobQueued,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// jobRowVals lays a job out in jobColumns scan order.
func jobRowVals(j domain.Job, meta []byte) []any {
	return []any{
		j.ID, j.Type, j.TargetURL, j.Priority, j.Status, j.Attempts, j.MaxAttempts,
		j.LockedAt, j.LockedBy, j.LastError, meta, j.CreatedAt, j.UpdatedAt, j.CompletedAt,
	}
}

func TestEnqueue_InsertsQueuedRow(t *testing.T) {
	t.Parallel()

	var gotSQL []string
	var gotArgs []any
	pool := &stubPool{queryRowFn: func(_ context.Context, sql string, args ...any) pgx.Row {
		gotSQL = append(gotSQL, sql)
		gotArgs = args
		return valRow{vals: jobRowVals(queuedJob("3f1fbe3e-0000-4000-8000-000000000001"), []byte(`{"seeded":true}`))}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	job, err := repo.Enqueue(context.Background(), domain.EnqueueRequest{
		Type:        domain.JobTypeNavigation,
		TargetURL:   "https://books.example.com/index.html",
		Priority:    10,
		MaxAttempts: 3,
		Metadata:    map[string]any{"seeded": true},
	})
	require.NoError(t, err)

	assert.Equal(t, "3f1fbe3e-0000-4000-8000-000000000001", job.ID)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, true, job.Metadata["seeded"])

	require.Len(t, gotSQL, 1)
	assert.Contains(t, gotSQL[0], "INSERT INTO scrape_job")
	assert.Contains(t, gotSQL[0], "ON CONFLICT")
	require.Len(t, gotArgs, 5)
	assert.Equal(t, domain.JobTypeNavigation, gotArgs[0])
	assert.Equal(t, "https://books.example.com/index.html", gotArgs[1])
	assert.Equal(t, 10, gotArgs[2])
	assert.Equal(t, 3, gotArgs[3])
	assert.JSONEq(t, `{"seeded":true}`, string(gotArgs[4].([]byte)))
}

func TestEnqueue_NilMetadataBecomesEmptyObject(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	pool := &stubPool{queryRowFn: func(_ context.Context, _ string, args ...any) pgx.Row {
		gotArgs = args
		return valRow{vals: jobRowVals(queuedJob("3f1fbe3e-0000-4000-8000-000000000002"), nil)}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	job, err := repo.Enqueue(context.Background(), domain.EnqueueRequest{
		Type:      domain.JobTypeProduct,
		TargetURL: "https://books.example.com/catalogue/some-book/index.html",
	})
	require.NoError(t, err)
	assert.Nil(t, job.Metadata)
	assert.JSONEq(t, `{}`, string(gotArgs[4].([]byte)))
}

func TestEnqueue_DuplicateReturnsLiveJob(t *testing.T) {
	t.Parallel()

	live := queuedJob("3f1fbe3e-0000-4000-8000-00000000000a")
	live.Status = domain.JobRunning
	live.Attempts = 1

	calls := 0
	pool := &stubPool{queryRowFn: func(_ context.Context, sql string, _ ...any) pgx.Row {
		calls++
		if strings.Contains(sql, "INSERT") {
			return errRow{err: pgx.ErrNoRows}
		}
		return valRow{vals: jobRowVals(live, nil)}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	job, err := repo.Enqueue(context.Background(), domain.EnqueueRequest{
		Type:      domain.JobTypeNavigation,
		TargetURL: live.TargetURL,
	})
	require.NoError(t, err)
	assert.Equal(t, live.ID, job.ID)
	assert.Equal(t, domain.JobRunning, job.Status)
	assert.Equal(t, 2, calls)
}

func TestEnqueue_RaceExhaustionIsConflict(t *testing.T) {
	t.Parallel()

	// Insert keeps losing the conflict and the live row keeps vanishing
	// before the fallback select; after two rounds the repo gives up.
	calls := 0
	pool := &stubPool{queryRowFn: func(_ context.Context, _ string, _ ...any) pgx.Row {
		calls++
		return errRow{err: pgx.ErrNoRows}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	_, err := repo.Enqueue(context.Background(), domain.EnqueueRequest{
		Type:      domain.JobTypeCategory,
		TargetURL: "https://books.example.com/catalogue/category/books/travel_2/index.html",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 4, calls)
}

func TestEnqueue_QueryErrorIsWrapped(t *testing.T) {
	t.Parallel()

	pool := &stubPool{queryRowFn: func(_ context.Context, _ string, _ ...any) pgx.Row {
		return errRow{err: errors.New("connection reset")}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	_, err := repo.Enqueue(context.Background(), domain.EnqueueRequest{
		Type:      domain.JobTypeNavigation,
		TargetURL: "https://books.example.com/index.html",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrConflict)
	assert.Contains(t, err.Error(), "op=queue.enqueue")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestDequeue_LeasesViaStoredProcedure(t *testing.T) {
	t.Parallel()

	workerID := "host-1-abc123"
	leased := queuedJob("3f1fbe3e-0000-4000-8000-00000000000b")
	leased.Status = domain.JobRunning
	leased.Attempts = 1
	lockedAt := time.Now().UTC().Truncate(time.Second)
	leased.LockedAt = &lockedAt
	leased.LockedBy = &workerID

	var gotSQL string
	var gotArgs []any
	pool := &stubPool{queryRowFn: func(_ context.Context, sql string, args ...any) pgx.Row {
		gotSQL = sql
		gotArgs = args
		return valRow{vals: jobRowVals(leased, []byte(`{"navigation_id":"nav-1"}`))}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	job, err := repo.Dequeue(context.Background(), workerID, 10*time.Minute)
	require.NoError(t, err)

	assert.Contains(t, gotSQL, "FROM dequeue_job($1, $2)")
	require.Len(t, gotArgs, 2)
	assert.Equal(t, workerID, gotArgs[0])
	assert.Equal(t, 10, gotArgs[1])

	assert.Equal(t, domain.JobRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LockedBy)
	assert.Equal(t, workerID, *job.LockedBy)
	assert.Equal(t, "nav-1", job.Metadata["navigation_id"])
}

func TestDequeue_TTLFloorsAtOneMinute(t *testing.T) {
	t.Parallel()

	var minutes []any
	pool := &stubPool{queryRowFn: func(_ context.Context, _ string, args ...any) pgx.Row {
		minutes = append(minutes, args[1])
		return errRow{err: pgx.ErrNoRows}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	_, _ = repo.Dequeue(context.Background(), "w-1", 10*time.Second)
	_, _ = repo.Dequeue(context.Background(), "w-1", 90*time.Second)
	_, _ = repo.Dequeue(context.Background(), "w-1", 10*time.Minute)

	assert.Equal(t, []any{1, 1, 10}, minutes)
}

func TestDequeue_EmptyQueueIsErrNoJob(t *testing.T) {
	t.Parallel()

	pool := &stubPool{queryRowFn: func(_ context.Context, _ string, _ ...any) pgx.Row {
		return errRow{err: pgx.ErrNoRows}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	_, err := repo.Dequeue(context.Background(), "w-1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrNoJob)
}

func TestComplete_MergesResultIntoMetadata(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	pool := &stubPool{execFn: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	err := repo.Complete(context.Background(), "3f1fbe3e-0000-4000-8000-00000000000c", "w-1", domain.ResultSummary{
		ItemsProcessed: 3,
		ImagesStored:   2,
		DurationMS:     1200,
	})
	require.NoError(t, err)

	assert.Contains(t, gotSQL, "status = 'completed'")
	assert.Contains(t, gotSQL, "locked_by = $2")
	require.Len(t, gotArgs, 3)
	assert.Equal(t, "3f1fbe3e-0000-4000-8000-00000000000c", gotArgs[0])
	assert.Equal(t, "w-1", gotArgs[1])
	merge := string(gotArgs[2].([]byte))
	assert.Contains(t, merge, `"completed_by":"w-1"`)
	assert.Contains(t, merge, `"items_processed":3`)
}

func TestComplete_NoRowMeansLostLease(t *testing.T) {
	t.Parallel()

	pool := &stubPool{execFn: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	err := repo.Complete(context.Background(), "3f1fbe3e-0000-4000-8000-00000000000c", "w-2", domain.ResultSummary{})
	assert.ErrorIs(t, err, domain.ErrLostLease)
}

func TestComplete_MalformedIDIsNotFound(t *testing.T) {
	t.Parallel()

	pool := &stubPool{execFn: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "22P02"}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	err := repo.Complete(context.Background(), "not-a-uuid", "w-1", domain.ResultSummary{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFail_ReturnsResultingStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		row  pgx.Row
		want domain.JobStatus
	}{
		{name: "attempts left requeues", row: valRow{vals: []any{domain.JobQueued}}, want: domain.JobQueued},
		{name: "ceiling dead-letters", row: valRow{vals: []any{domain.JobFailed}}, want: domain.JobFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var gotArgs []any
			pool := &stubPool{queryRowFn: func(_ context.Context, _ string, args ...any) pgx.Row {
				gotArgs = args
				return tc.row
			}}
			repo := NewQueueRepo(pool, 10*time.Minute)

			status, err := repo.Fail(context.Background(), "3f1fbe3e-0000-4000-8000-00000000000d", "w-1", "fetch timeout", domain.ResultSummary{ImageFailures: 1})
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)

			require.Len(t, gotArgs, 4)
			assert.Equal(t, "fetch timeout", gotArgs[2])
			merge := string(gotArgs[3].([]byte))
			assert.Contains(t, merge, `"failed_by":"w-1"`)
			assert.Contains(t, merge, `"last_failure"`)
		})
	}
}

func TestFail_NoRowMeansLostLease(t *testing.T) {
	t.Parallel()

	pool := &stubPool{queryRowFn: func(_ context.Context, _ string, _ ...any) pgx.Row {
		return errRow{err: pgx.ErrNoRows}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	_, err := repo.Fail(context.Background(), "3f1fbe3e-0000-4000-8000-00000000000d", "w-1", "x", domain.ResultSummary{})
	assert.ErrorIs(t, err, domain.ErrLostLease)
}

func TestGet_ParsesMetadata(t *testing.T) {
	t.Parallel()

	j := queuedJob("3f1fbe3e-0000-4000-8000-00000000000e")
	pool := &stubPool{queryRowFn: func(_ context.Context, sql string, args ...any) pgx.Row {
		assert.Contains(t, sql, "WHERE id = $1::uuid")
		assert.Equal(t, []any{j.ID}, args)
		return valRow{vals: jobRowVals(j, []byte(`{"discovered_from":"https://books.example.com/"}`))}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	got, err := repo.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, "https://books.example.com/", got.Metadata["discovered_from"])
}

func TestGet_NotFoundMappings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "no rows", err: pgx.ErrNoRows},
		{name: "malformed uuid", err: &pgconn.PgError{Code: "22P02"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			pool := &stubPool{queryRowFn: func(_ context.Context, _ string, _ ...any) pgx.Row {
				return errRow{err: tc.err}
			}}
			repo := NewQueueRepo(pool, 10*time.Minute)

			_, err := repo.Get(context.Background(), "whatever")
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestStats_CountsPerStatus(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	pool := &stubPool{queryRowFn: func(_ context.Context, sql string, args ...any) pgx.Row {
		assert.Contains(t, sql, "FILTER (WHERE status = 'queued')")
		gotArgs = args
		return valRow{vals: []any{int64(4), int64(2), int64(10), int64(1), int64(2), int64(17)}}
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)

	require.Len(t, gotArgs, 1)
	assert.Equal(t, float64(600), gotArgs[0])

	assert.Equal(t, domain.QueueStats{
		Queued: 4, Running: 2, Completed: 10, Failed: 1, Locked: 2, Total: 17,
	}, stats)
}

func TestRetryable_ListsDeadLetteredJobs(t *testing.T) {
	t.Parallel()

	a := queuedJob("3f1fbe3e-0000-4000-8000-000000000010")
	a.Status = domain.JobFailed
	a.Attempts = 1
	b := queuedJob("3f1fbe3e-0000-4000-8000-000000000011")
	b.Status = domain.JobFailed
	b.Attempts = 2

	var gotArgs []any
	pool := &stubPool{queryFn: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		assert.Contains(t, sql, "FROM get_retryable_jobs($1)")
		gotArgs = args
		return &stubRows{rows: [][]any{jobRowVals(a, nil), jobRowVals(b, nil)}}, nil
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	jobs, err := repo.Retryable(context.Background(), 25)
	require.NoError(t, err)

	assert.Equal(t, []any{25}, gotArgs)
	require.Len(t, jobs, 2)
	assert.Equal(t, a.ID, jobs[0].ID)
	assert.Equal(t, b.ID, jobs[1].ID)
}

func TestRetryable_DefaultsLimit(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	pool := &stubPool{queryFn: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotArgs = args
		return &stubRows{}, nil
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	jobs, err := repo.Retryable(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, []any{50}, gotArgs)
}

func TestRetryable_RowsErrSurfaces(t *testing.T) {
	t.Parallel()

	pool := &stubPool{queryFn: func(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
		return &stubRows{err: errors.New("connection reset")}, nil
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	_, err := repo.Retryable(context.Background(), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRequeue_ReportsWhetherRowMoved(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tag     string
		execErr error
		want    bool
		wantErr bool
	}{
		{name: "failed row requeued", tag: "UPDATE 1", want: true},
		{name: "not requeueable", tag: "UPDATE 0", want: false},
		{name: "active duplicate loses", execErr: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "malformed id", execErr: &pgconn.PgError{Code: "22P02"}, want: false},
		{name: "store failure", execErr: errors.New("connection reset"), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			pool := &stubPool{execFn: func(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
				if tc.execErr != nil {
					return pgconn.CommandTag{}, tc.execErr
				}
				return pgconn.NewCommandTag(tc.tag), nil
			}}
			repo := NewQueueRepo(pool, 10*time.Minute)

			ok, err := repo.Requeue(context.Background(), "3f1fbe3e-0000-4000-8000-000000000012")
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestReleaseOwned_ReturnsRowCount(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	pool := &stubPool{execFn: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		assert.Contains(t, sql, "WHERE locked_by = $1 AND status = 'running'")
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 3"), nil
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	n, err := repo.ReleaseOwned(context.Background(), "host-1-abc123")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, []any{"host-1-abc123"}, gotArgs)
}

func TestRequeueExpired_PassesTTLSeconds(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	pool := &stubPool{execFn: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		assert.Contains(t, sql, "locked_at <= now() - make_interval(secs => $1)")
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 2"), nil
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	n, err := repo.RequeueExpired(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []any{float64(300)}, gotArgs)
}

func TestPurgeFinished_DeletesOldRows(t *testing.T) {
	t.Parallel()

	var gotArgs []any
	pool := &stubPool{execFn: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		assert.Contains(t, sql, "DELETE FROM scrape_job")
		gotArgs = args
		return pgconn.NewCommandTag("DELETE 7"), nil
	}}
	repo := NewQueueRepo(pool, 10*time.Minute)

	n, err := repo.PurgeFinished(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, []any{float64(86400)}, gotArgs)
}
