package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/conductor/internal/events"
)

// Journal is the append-only SQLite record of runs and their scheduling
// events. It is an audit trail, not scheduler state: the orchestrator
// never reads it back to make decisions.
type Journal struct {
	db *sql.DB
}

// New opens (or creates) the journal at dbPath. Parent directories are
// created if needed. The connection enables WAL mode, a busy timeout, and
// foreign keys.
func New(ctx context.Context, dbPath string) (*Journal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the connection string;
	// the PRAGMA below covers it.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return initJournal(ctx, db)
}

// NewMemory creates an in-memory journal for testing. The shared cache
// lets every connection see the same database.
func NewMemory(ctx context.Context) (*Journal, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory journal: %w", err)
	}
	return initJournal(ctx, db)
}

func initJournal(ctx context.Context, db *sql.DB) (*Journal, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// One writer plus one reader; more invites SQLITE_BUSY churn.
	db.SetMaxOpenConns(2)

	j := &Journal{db: db}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RunSummary is what FinishRun records about a completed run.
type RunSummary struct {
	Total     int
	Completed int
	Failed    int
	Cancelled int
	WallTime  time.Duration
	Err       string // empty for a clean exit
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running, or if the process died
	Total      int
	Completed  int
	Failed     int
	Cancelled  int
	WallTime   time.Duration
	Err        string
}

// Entry is one recorded scheduling event.
type Entry struct {
	RunID     string
	EventType string
	TaskID    string
	AgentID   string
	File      string
	Detail    string
	CreatedAt time.Time
}

// BeginRun inserts the run row. Call once before recording events for it.
func (j *Journal) BeginRun(ctx context.Context, runID string, startedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at)
		VALUES (?, ?)
	`, runID, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to begin run %s: %w", runID, err)
	}
	return nil
}

// FinishRun closes out the run row with its final counters.
func (j *Journal) FinishRun(ctx context.Context, runID string, summary RunSummary) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := j.db.ExecContext(ctx, `
		UPDATE runs
		SET finished_at = ?, total_tasks = ?, completed = ?, failed = ?, cancelled = ?, wall_ms = ?, error = ?
		WHERE id = ?
	`, time.Now().UTC(), summary.Total, summary.Completed, summary.Failed, summary.Cancelled,
		summary.WallTime.Milliseconds(), summary.Err, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// AppendEvent records one scheduling event under the run. Append-only;
// rows are never updated.
func (j *Journal) AppendEvent(ctx context.Context, runID string, event events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	agentID, file, detail, ts := eventFields(event)
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, event_type, task_id, agent_id, file, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, runID, event.EventType(), event.TaskID(), agentID, file, detail, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.EventType(), err)
	}
	return nil
}

// Runs lists every recorded run, oldest first.
func (j *Journal) Runs(ctx context.Context) ([]RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, total_tasks, completed, failed, cancelled, wall_ms, error
		FROM runs
		ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var finished sql.NullTime
		var wallMS int64
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.Total, &r.Completed, &r.Failed, &r.Cancelled, &wallMS, &r.Err); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		r.WallTime = time.Duration(wallMS) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return out, nil
}

// Events returns the run's recorded events in insertion order.
func (j *Journal) Events(ctx context.Context, runID string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, event_type, task_id, agent_id, file, detail, created_at
		FROM run_events
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RunID, &e.EventType, &e.TaskID, &e.AgentID, &e.File, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// TaskEvents returns every recorded event touching one task, across runs.
func (j *Journal) TaskEvents(ctx context.Context, taskID string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, event_type, task_id, agent_id, file, detail, created_at
		FROM run_events
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.RunID, &e.EventType, &e.TaskID, &e.AgentID, &e.File, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// eventFields flattens the typed event into journal columns. The detail
// column holds whatever does not fit the fixed columns, key=value style.
func eventFields(event events.Event) (agentID, file, detail string, ts time.Time) {
	switch e := event.(type) {
	case events.TaskQueuedEvent:
		detail = fmt.Sprintf("name=%s priority=%s", e.Name, e.Priority)
		ts = e.Timestamp
	case events.TaskStartedEvent:
		agentID = e.Agent
		detail = fmt.Sprintf("name=%s attempt=%d files=%s", e.Name, e.Attempt, strings.Join(e.Files, ","))
		ts = e.Timestamp
	case events.TaskProgressEvent:
		agentID = e.Agent
		detail = fmt.Sprintf("percent=%d note=%s", e.Percent, e.Note)
		ts = e.Timestamp
	case events.TaskCompletedEvent:
		agentID = e.Agent
		detail = fmt.Sprintf("name=%s duration=%s", e.Name, e.Duration)
		ts = e.Timestamp
	case events.TaskFailedEvent:
		agentID = e.Agent
		detail = fmt.Sprintf("name=%s attempt=%d retrying=%t err=%s", e.Name, e.Attempt, e.Retrying, e.Err)
		ts = e.Timestamp
	case events.TaskConflictEvent:
		file = e.File
		detail = fmt.Sprintf("held_by=%s reported_by=%s resolution=%s", e.HeldBy, e.ReportedBy, e.Resolution)
		ts = e.Timestamp
	case events.AgentIdleEvent:
		agentID = e.Agent
		ts = e.Timestamp
	case events.AgentBusyEvent:
		agentID = e.Agent
		detail = "task=" + e.Task
		ts = e.Timestamp
	case events.LockAcquiredEvent:
		agentID = e.Agent
		file = e.File
		detail = "expires=" + e.ExpiresAt.UTC().Format(time.RFC3339)
		ts = e.Timestamp
	case events.LockReleasedEvent:
		agentID = e.Agent
		file = e.File
		ts = e.Timestamp
	case events.LockExpiredEvent:
		agentID = e.Agent
		file = e.File
		detail = "held_for=" + e.HeldFor.String()
		ts = e.Timestamp
	case events.RunProgressEvent:
		detail = fmt.Sprintf("total=%d completed=%d failed=%d running=%d queued=%d cancelled=%d",
			e.Total, e.Completed, e.Failed, e.Running, e.Queued, e.Cancelled)
		ts = e.Timestamp
	}
	return agentID, file, detail, ts
}
