// Package journal keeps a sqlite history of print jobs and the events that
// happened during them.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	hosterrors "hp45-host/pkg/errors"
	"hp45-host/pkg/log"
	"hp45-host/pkg/printer"
)

//go:embed schema.sql
var schema string

// Job states.
const (
	StatusInProgress  = "in_progress"
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusError       = "error"
	StatusInterrupted = "interrupted"
)

var (
	// ErrNoActiveJob is returned by FinishJob when no job is running.
	ErrNoActiveJob = errors.New("journal: no active job")
	// ErrJobActive is returned by StartJob while another job is running.
	ErrJobActive = errors.New("journal: a job is already in progress")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("journal: job not found")
)

// Job is one print job record. Counters are the engine totals accumulated
// between StartJob and FinishJob.
type Job struct {
	ID            int64    `json:"job_id"`
	Name          string   `json:"name"`
	Status        string   `json:"status"`
	StartTime     float64  `json:"start_time"`
	EndTime       *float64 `json:"end_time"`
	TotalDuration float64  `json:"total_duration"`
	Lines         uint64   `json:"lines"`
	Bursts        uint64   `json:"bursts"`
	Loops         uint64   `json:"loops"`
}

// Event is a timestamped note attached to a job.
type Event struct {
	ID     int64          `json:"id"`
	JobID  *int64         `json:"job_id"`
	Time   float64        `json:"time"`
	Kind   string         `json:"kind"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Totals aggregates every finished job.
type Totals struct {
	TotalJobs   int     `json:"total_jobs"`
	TotalTime   float64 `json:"total_time"`
	LongestJob  float64 `json:"longest_job"`
	TotalLines  uint64  `json:"total_lines"`
	TotalBursts uint64  `json:"total_bursts"`
}

// Journal is a job history backed by a sqlite file.
type Journal struct {
	db  *sql.DB
	now func() time.Time

	mu       sync.Mutex
	activeID int64
	baseline printer.Status

	logger *log.Logger
}

// Open opens or creates the journal at path. Jobs left in progress by a
// previous run are marked interrupted.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, hosterrors.JournalError("open", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, hosterrors.JournalError("schema", err)
	}

	j := &Journal{db: db, now: time.Now, logger: log.GetLogger("journal")}
	res, err := db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, end_time = ? WHERE status = ?`,
		StatusInterrupted, j.stamp(), StatusInProgress)
	if err != nil {
		db.Close()
		return nil, hosterrors.JournalError("recover", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		j.logger.WithField("jobs", n).Warn("marked unfinished jobs interrupted")
	}
	return j, nil
}

func (j *Journal) stamp() float64 {
	return float64(j.now().UnixNano()) / 1e9
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Active returns the id of the running job, or 0.
func (j *Journal) Active() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.activeID
}

// StartJob opens a job. st is the engine status at the start; FinishJob
// records the difference.
func (j *Journal) StartJob(ctx context.Context, name string, st printer.Status) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.activeID != 0 {
		return 0, ErrJobActive
	}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO jobs (name, status, start_time) VALUES (?, ?, ?)`,
		name, StatusInProgress, j.stamp())
	if err != nil {
		return 0, hosterrors.JournalError("start job", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, hosterrors.JournalError("start job", err)
	}
	j.activeID = id
	j.baseline = st
	j.logger.WithFields(log.Fields{"job": id, "name": name}).Info("job started")
	return id, nil
}

// FinishJob closes the running job with the given status.
func (j *Journal) FinishJob(ctx context.Context, status string, st printer.Status) (*Job, error) {
	j.mu.Lock()
	id := j.activeID
	base := j.baseline
	j.mu.Unlock()
	if id == 0 {
		return nil, ErrNoActiveJob
	}

	_, err := j.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, end_time = ?, lines = ?, bursts = ?, loops = ? WHERE id = ?`,
		status, j.stamp(),
		st.Counters.Lines-base.Counters.Lines,
		st.Counters.Bursts-base.Counters.Bursts,
		uint64(st.Loops-base.Loops),
		id)
	if err != nil {
		return nil, hosterrors.JournalError("finish job", err)
	}

	j.mu.Lock()
	if j.activeID == id {
		j.activeID = 0
	}
	j.mu.Unlock()

	job, err := j.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	j.logger.WithFields(log.Fields{
		"job":      id,
		"status":   status,
		"lines":    job.Lines,
		"bursts":   job.Bursts,
		"duration": job.TotalDuration,
	}).Info("job finished")
	return job, nil
}

// RecordEvent stores an event against the running job, or against no job
// when none is running.
func (j *Journal) RecordEvent(ctx context.Context, kind string, detail map[string]any) error {
	var blob any
	if detail != nil {
		data, err := sonnet.Marshal(detail)
		if err != nil {
			return hosterrors.JournalError("encode event", err)
		}
		blob = string(data)
	}
	var jobID any
	if id := j.Active(); id != 0 {
		jobID = id
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (job_id, time, kind, detail) VALUES (?, ?, ?, ?)`,
		jobID, j.stamp(), kind, blob)
	if err != nil {
		return hosterrors.JournalError("record event", err)
	}
	return nil
}

const jobColumns = `id, name, status, start_time, end_time, lines, bursts, loops`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		job Job
		end sql.NullFloat64
	)
	if err := row.Scan(&job.ID, &job.Name, &job.Status, &job.StartTime, &end,
		&job.Lines, &job.Bursts, &job.Loops); err != nil {
		return nil, err
	}
	if end.Valid {
		job.EndTime = &end.Float64
		job.TotalDuration = end.Float64 - job.StartTime
	}
	return &job, nil
}

// Job returns one job by id.
func (j *Journal) Job(ctx context.Context, id int64) (*Job, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, hosterrors.JournalError("read job", err)
	}
	if job.EndTime == nil {
		job.TotalDuration = j.stamp() - job.StartTime
	}
	return job, nil
}

// ListJobs returns up to limit jobs, most recent first. A limit of 0 or
// less returns every job.
func (j *Journal) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, hosterrors.JournalError("list jobs", err)
	}
	defer rows.Close()

	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, hosterrors.JournalError("list jobs", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, hosterrors.JournalError("list jobs", err)
	}
	return jobs, nil
}

// Events returns the events of one job in the order they were recorded.
func (j *Journal) Events(ctx context.Context, jobID int64) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, job_id, time, kind, detail FROM events WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, hosterrors.JournalError("list events", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev     Event
			job    sql.NullInt64
			detail sql.NullString
		)
		if err := rows.Scan(&ev.ID, &job, &ev.Time, &ev.Kind, &detail); err != nil {
			return nil, hosterrors.JournalError("list events", err)
		}
		if job.Valid {
			ev.JobID = &job.Int64
		}
		if detail.Valid {
			if err := sonnet.Unmarshal([]byte(detail.String), &ev.Detail); err != nil {
				return nil, hosterrors.JournalError("decode event", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, hosterrors.JournalError("list events", err)
	}
	return events, nil
}

// Totals sums every job that has ended.
func (j *Journal) Totals(ctx context.Context) (Totals, error) {
	var (
		t       Totals
		total   sql.NullFloat64
		longest sql.NullFloat64
		lines   sql.NullInt64
		bursts  sql.NullInt64
	)
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(end_time - start_time),
		       MAX(end_time - start_time),
		       SUM(lines),
		       SUM(bursts)
		FROM jobs WHERE end_time IS NOT NULL`).
		Scan(&t.TotalJobs, &total, &longest, &lines, &bursts)
	if err != nil {
		return Totals{}, hosterrors.JournalError("totals", err)
	}
	t.TotalTime = total.Float64
	t.LongestJob = longest.Float64
	t.TotalLines = uint64(lines.Int64)
	t.TotalBursts = uint64(bursts.Int64)
	return t, nil
}
