package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists tests, assignments and events in a single SQLite
// file. Event deduplication is enforced by a partial unique index, the same
// way counters stay exact under concurrent writers across processes.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    variants TEXT NOT NULL,
    weights TEXT NOT NULL,
    audience TEXT NOT NULL,
    goals TEXT NOT NULL,
    epsilon REAL NOT NULL DEFAULT 0,
    planned_duration_secs INTEGER NOT NULL DEFAULT 0,
    min_sample_size INTEGER NOT NULL DEFAULT 0,
    stat_config TEXT NOT NULL,
    allow_repeat_exposures INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'draft',
    looks_spent INTEGER NOT NULL DEFAULT 0,
    owner TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL,
    activated_at INTEGER,
    concluded_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_tests_status ON tests(status);

CREATE TABLE IF NOT EXISTS assignments (
    test_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    context TEXT NOT NULL,
    assigned_at INTEGER NOT NULL,
    PRIMARY KEY (test_id, user_id),
    FOREIGN KEY (test_id) REFERENCES tests(id)
);

CREATE INDEX IF NOT EXISTS idx_assignments_user ON assignments(user_id);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    test_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    goal_id TEXT NOT NULL DEFAULT '',
    metric TEXT NOT NULL DEFAULT '',
    value REAL NOT NULL DEFAULT 0,
    dedup INTEGER NOT NULL DEFAULT 0,
    properties TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    FOREIGN KEY (test_id) REFERENCES tests(id)
);

CREATE INDEX IF NOT EXISTS idx_events_test ON events(test_id);
CREATE INDEX IF NOT EXISTS idx_events_test_kind ON events(test_id, kind);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup
    ON events(test_id, user_id, kind, goal_id) WHERE dedup = 1;
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode so readers never block trackers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB returns the underlying database connection for health checks.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// assignmentContext is the JSON blob stored alongside an assignment.
type assignmentContext struct {
	Audience Audience    `json:"audience"`
	Session  SessionInfo `json:"session"`
	Device   DeviceInfo  `json:"device"`
}

func (s *SQLiteStore) CreateTest(ctx context.Context, t *Test) error {
	variantsJSON, err := json.Marshal(t.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}
	weightsJSON, err := json.Marshal(t.Weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	audienceJSON, err := json.Marshal(t.Audience)
	if err != nil {
		return fmt.Errorf("failed to marshal audience: %w", err)
	}
	goalsJSON, err := json.Marshal(t.Goals)
	if err != nil {
		return fmt.Errorf("failed to marshal goals: %w", err)
	}
	statJSON, err := json.Marshal(t.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stat config: %w", err)
	}
	tagsJSON, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tests (id, name, description, type, variants, weights, audience, goals,
		                    epsilon, planned_duration_secs, min_sample_size, stat_config,
		                    allow_repeat_exposures, status, looks_spent, owner, tags, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, string(t.Type),
		string(variantsJSON), string(weightsJSON), string(audienceJSON), string(goalsJSON),
		t.Epsilon, int64(t.PlannedDuration.Seconds()), t.MinSampleSize, string(statJSON),
		boolToInt(t.AllowRepeatExposures), string(t.Status), t.LooksSpent, t.Owner,
		string(tagsJSON), t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert test: %w", err)
	}
	return nil
}

const testColumns = `id, name, description, type, variants, weights, audience, goals,
       epsilon, planned_duration_secs, min_sample_size, stat_config,
       allow_repeat_exposures, status, looks_spent, owner, tags,
       created_at, activated_at, concluded_at`

func (s *SQLiteStore) scanTest(row interface{ Scan(...any) error }) (*Test, error) {
	var t Test
	var typ, status string
	var variantsJSON, weightsJSON, audienceJSON, goalsJSON, statJSON, tagsJSON string
	var durationSecs, createdAt int64
	var repeatExposures int
	var activatedAt, concludedAt sql.NullInt64

	err := row.Scan(&t.ID, &t.Name, &t.Description, &typ,
		&variantsJSON, &weightsJSON, &audienceJSON, &goalsJSON,
		&t.Epsilon, &durationSecs, &t.MinSampleSize, &statJSON,
		&repeatExposures, &status, &t.LooksSpent, &t.Owner, &tagsJSON,
		&createdAt, &activatedAt, &concludedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan test: %w", err)
	}

	t.Type = TestType(typ)
	t.Status = TestStatus(status)
	t.PlannedDuration = time.Duration(durationSecs) * time.Second
	t.AllowRepeatExposures = repeatExposures != 0
	t.CreatedAt = time.Unix(createdAt, 0)
	if activatedAt.Valid {
		at := time.Unix(activatedAt.Int64, 0)
		t.ActivatedAt = &at
	}
	if concludedAt.Valid {
		at := time.Unix(concludedAt.Int64, 0)
		t.ConcludedAt = &at
	}

	if err := json.Unmarshal([]byte(variantsJSON), &t.Variants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
	}
	if err := json.Unmarshal([]byte(weightsJSON), &t.Weights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal weights: %w", err)
	}
	if err := json.Unmarshal([]byte(audienceJSON), &t.Audience); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audience: %w", err)
	}
	if err := json.Unmarshal([]byte(goalsJSON), &t.Goals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal goals: %w", err)
	}
	if err := json.Unmarshal([]byte(statJSON), &t.Stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stat config: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) GetTest(ctx context.Context, id string) (*Test, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+testColumns+` FROM tests WHERE id = ?`, id)
	return s.scanTest(row)
}

func (s *SQLiteStore) ListTests(ctx context.Context) ([]*Test, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+testColumns+` FROM tests ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var tests []*Test
	for rows.Next() {
		t, err := s.scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, rows.Err()
}

func (s *SQLiteStore) TransitionTest(ctx context.Context, id string, from, to TestStatus, at time.Time) error {
	col := ""
	switch to {
	case StatusRunning:
		col = ", activated_at = ?"
	case StatusConcluded, StatusArchived:
		col = ", concluded_at = ?"
	}

	args := []any{string(to)}
	if col != "" {
		args = append(args, at.Unix())
	}
	args = append(args, id, string(from))

	result, err := s.db.ExecContext(ctx,
		`UPDATE tests SET status = ?`+col+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update test status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing test from a stale status.
		var cur string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM tests WHERE id = ?`, id).Scan(&cur)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read test status: %w", err)
		}
		return fmt.Errorf("test %s is %s: %w", id, cur, ErrStaleStatus)
	}
	return nil
}

func (s *SQLiteStore) UpdateWeights(ctx context.Context, id string, weights []float64) error {
	weightsJSON, err := json.Marshal(weights)
	if err != nil {
		return fmt.Errorf("failed to marshal weights: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE tests SET weights = ? WHERE id = ?`, string(weightsJSON), id)
	if err != nil {
		return fmt.Errorf("failed to update weights: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ConsumeLook(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE tests SET looks_spent = looks_spent + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to consume look: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	var looks int
	if err := tx.QueryRowContext(ctx, `SELECT looks_spent FROM tests WHERE id = ?`, id).Scan(&looks); err != nil {
		return 0, fmt.Errorf("failed to read looks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return looks, nil
}

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	ctxJSON, err := json.Marshal(assignmentContext{Audience: a.Audience, Session: a.Session, Device: a.Device})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal assignment context: %w", err)
	}

	// INSERT OR IGNORE collapses concurrent duplicates onto the primary key;
	// the loser reads back whatever row won.
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO assignments (test_id, user_id, variant_id, context, assigned_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.TestID, a.UserID, a.VariantID, string(ctxJSON), a.AssignedAt.Unix(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert assignment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	winner, err := s.GetAssignment(ctx, a.TestID, a.UserID)
	if err != nil {
		return nil, false, err
	}
	return winner, n > 0, nil
}

func (s *SQLiteStore) scanAssignment(row interface{ Scan(...any) error }) (*Assignment, error) {
	var a Assignment
	var ctxJSON string
	var assignedAt int64

	err := row.Scan(&a.TestID, &a.UserID, &a.VariantID, &ctxJSON, &assignedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan assignment: %w", err)
	}

	var c assignmentContext
	if err := json.Unmarshal([]byte(ctxJSON), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assignment context: %w", err)
	}
	a.Audience = c.Audience
	a.Session = c.Session
	a.Device = c.Device
	a.AssignedAt = time.Unix(assignedAt, 0)
	return &a, nil
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, testID, userID string) (*Assignment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT test_id, user_id, variant_id, context, assigned_at
		 FROM assignments WHERE test_id = ? AND user_id = ?`, testID, userID)
	return s.scanAssignment(row)
}

func (s *SQLiteStore) ListAssignmentsByUser(ctx context.Context, userID string) ([]*Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id, user_id, variant_id, context, assigned_at
		 FROM assignments WHERE user_id = ? ORDER BY assigned_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*Assignment
	for rows.Next() {
		a, err := s.scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (s *SQLiteStore) recordEvent(ctx context.Context, a *Assignment, kind EventType, goalID, metric string, value float64, dedup bool, props Properties) (bool, error) {
	propsJSON := []byte("{}")
	if len(props) > 0 {
		var err error
		propsJSON, err = json.Marshal(props)
		if err != nil {
			return false, fmt.Errorf("failed to marshal properties: %w", err)
		}
	}

	// A deduplicated write must be suppressed by ANY prior event of the same
	// kind for the user, including non-dedup rows recorded while repeats were
	// allowed. The unique index alone only guards dedup rows against each
	// other, so the insert checks for existing rows itself; OR IGNORE still
	// backs the index under concurrent writers.
	var result sql.Result
	var err error
	if dedup {
		result, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO events (test_id, user_id, variant_id, kind, goal_id, metric, value, dedup, properties, created_at)
			 SELECT ?, ?, ?, ?, ?, ?, ?, 1, ?, ?
			 WHERE NOT EXISTS (
			     SELECT 1 FROM events WHERE test_id = ? AND user_id = ? AND kind = ? AND goal_id = ?
			 )`,
			a.TestID, a.UserID, a.VariantID, string(kind), goalID, metric, value,
			string(propsJSON), time.Now().Unix(),
			a.TestID, a.UserID, string(kind), goalID,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			`INSERT INTO events (test_id, user_id, variant_id, kind, goal_id, metric, value, dedup, properties, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			a.TestID, a.UserID, a.VariantID, string(kind), goalID, metric, value,
			string(propsJSON), time.Now().Unix(),
		)
	}
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) RecordExposure(ctx context.Context, a *Assignment, dedup bool, props Properties) (bool, error) {
	return s.recordEvent(ctx, a, EventExposure, "", "", 0, dedup, props)
}

func (s *SQLiteStore) RecordConversion(ctx context.Context, a *Assignment, goalID string, value float64, dedup bool, props Properties) (bool, error) {
	return s.recordEvent(ctx, a, EventConversion, goalID, "", value, dedup, props)
}

func (s *SQLiteStore) RecordMetric(ctx context.Context, a *Assignment, name string, value float64, props Properties) error {
	_, err := s.recordEvent(ctx, a, EventMetric, "", name, value, false, props)
	return err
}

func (s *SQLiteStore) VariantSnapshot(ctx context.Context, testID string) ([]VariantStats, error) {
	test, err := s.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	byVariant := make(map[string]*VariantStats, len(test.Variants))
	ordered := make([]VariantStats, len(test.Variants))
	for i, v := range test.Variants {
		ordered[i] = VariantStats{
			VariantID:   v.ID,
			Conversions: make(map[string]int64),
			GoalValues:  make(map[string]MetricAgg),
			Metrics:     make(map[string]MetricAgg),
		}
		byVariant[v.ID] = &ordered[i]
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT variant_id, COUNT(*) FROM events
		 WHERE test_id = ? AND kind = 'exposure' GROUP BY variant_id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan exposures: %w", err)
		}
		if vs := byVariant[id]; vs != nil {
			vs.Exposures = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	convRows, err := s.db.QueryContext(ctx,
		`SELECT variant_id, goal_id, COUNT(*), SUM(value), SUM(value * value) FROM events
		 WHERE test_id = ? AND kind = 'conversion' GROUP BY variant_id, goal_id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversions: %w", err)
	}
	defer convRows.Close()
	for convRows.Next() {
		var id, goalID string
		var agg MetricAgg
		if err := convRows.Scan(&id, &goalID, &agg.Count, &agg.Sum, &agg.SumSq); err != nil {
			return nil, fmt.Errorf("failed to scan conversions: %w", err)
		}
		if vs := byVariant[id]; vs != nil {
			vs.Conversions[goalID] = agg.Count
			vs.GoalValues[goalID] = agg
		}
	}
	if err := convRows.Err(); err != nil {
		return nil, err
	}

	metricRows, err := s.db.QueryContext(ctx,
		`SELECT variant_id, metric, COUNT(*), SUM(value), SUM(value * value) FROM events
		 WHERE test_id = ? AND kind = 'metric' GROUP BY variant_id, metric`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer metricRows.Close()
	for metricRows.Next() {
		var id, name string
		var agg MetricAgg
		if err := metricRows.Scan(&id, &name, &agg.Count, &agg.Sum, &agg.SumSq); err != nil {
			return nil, fmt.Errorf("failed to scan metrics: %w", err)
		}
		if vs := byVariant[id]; vs != nil {
			vs.Metrics[name] = agg
		}
	}
	if err := metricRows.Err(); err != nil {
		return nil, err
	}

	return ordered, nil
}

func (s *SQLiteStore) Outcomes(ctx context.Context, testID, goalID string) (map[string][]float64, error) {
	// One outcome per exposed assignment: the summed converted value, or 0
	// for exposed users who never converted.
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.variant_id, e.user_id,
		       COALESCE((SELECT SUM(c.value) FROM events c
		                 WHERE c.test_id = e.test_id AND c.user_id = e.user_id
		                   AND c.kind = 'conversion' AND c.goal_id = ?), 0)
		FROM events e
		WHERE e.test_id = ? AND e.kind = 'exposure'
		GROUP BY e.variant_id, e.user_id
	`, goalID, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var variantID, userID string
		var value float64
		if err := rows.Scan(&variantID, &userID, &value); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		out[variantID] = append(out[variantID], value)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, testID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_id, user_id, variant_id, kind, goal_id, metric, value, properties, created_at
		 FROM events WHERE test_id = ? ORDER BY id`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var kind, propsJSON string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.TestID, &e.UserID, &e.VariantID, &kind, &e.GoalID, &e.Metric, &e.Value, &propsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = EventType(kind)
		e.CreatedAt = time.Unix(createdAt, 0)
		if propsJSON != "{}" && propsJSON != "" {
			if err := json.Unmarshal([]byte(propsJSON), &e.Properties); err != nil {
				return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
