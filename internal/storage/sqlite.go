package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the conversation log, injections,
// objectives, extracted facts, and the notification delivery log.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "sidekick.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Turns ---

func (s *Store) AppendTurn(t Turn) error {
	_, err := s.db.Exec(`
		INSERT INTO turns (id, role, text, created_at)
		VALUES (?, ?, ?, ?)`,
		t.ID, t.Role, t.Text, t.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecentTurns returns the most recent limit turns in chronological order.
func (s *Store) RecentTurns(limit int) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, role, text, created_at FROM turns
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Role, &t.Text, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into oldest-first order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// LastUserTurnTime returns the timestamp of the most recent user turn.
// Returns ErrNotFound if the user has never spoken.
func (s *Store) LastUserTurnTime() (time.Time, error) {
	var createdAt string
	err := s.db.QueryRow(`
		SELECT created_at FROM turns WHERE role = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, RoleUser,
	).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return t, nil
}

// --- Injections ---

func (s *Store) CreateInjection(inj Injection) error {
	_, err := s.db.Exec(`
		INSERT INTO injections (id, source, text, created_at, consumed)
		VALUES (?, ?, ?, ?, 0)`,
		inj.ID, inj.Source, inj.Text, inj.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// NextUnconsumedInjection returns the oldest unconsumed injection that is
// not older than maxAge. Stale injections stay in the table but are never
// returned. Returns ErrNotFound when nothing is pending.
func (s *Store) NextUnconsumedInjection(maxAge time.Duration) (Injection, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339)
	var inj Injection
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, source, text, created_at FROM injections
		WHERE consumed = 0 AND created_at >= ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, cutoff,
	).Scan(&inj.ID, &inj.Source, &inj.Text, &createdAt)
	if err == sql.ErrNoRows {
		return Injection{}, ErrNotFound
	}
	if err != nil {
		return Injection{}, err
	}
	if inj.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Injection{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return inj, nil
}

// MarkConsumed flips an injection's consumed flag. The guard on consumed = 0
// makes the flip happen at most once; a second call returns ErrNotFound.
func (s *Store) MarkConsumed(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE injections SET consumed = 1, consumed_at = ?
		WHERE id = ? AND consumed = 0`, now, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListInjections(limit int) ([]Injection, error) {
	rows, err := s.db.Query(`
		SELECT id, source, text, created_at, consumed, consumed_at FROM injections
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Injection
	for rows.Next() {
		var inj Injection
		var createdAt string
		var consumed int
		var consumedAt sql.NullString
		if err := rows.Scan(&inj.ID, &inj.Source, &inj.Text, &createdAt, &consumed, &consumedAt); err != nil {
			return nil, err
		}
		if inj.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		inj.Consumed = consumed != 0
		if consumedAt.Valid && consumedAt.String != "" {
			if inj.ConsumedAt, err = time.Parse(time.RFC3339, consumedAt.String); err != nil {
				return nil, fmt.Errorf("parsing consumed_at: %w", err)
			}
		}
		results = append(results, inj)
	}
	return results, rows.Err()
}

// --- Objectives ---

func (s *Store) CreateObjective(o Objective) error {
	cadence := o.Cadence
	if cadence == "" {
		cadence = CadenceDaily
	}
	_, err := s.db.Exec(`
		INSERT INTO objectives (id, title, detail, cadence, active, created_at)
		VALUES (?, ?, ?, ?, 1, ?)`,
		o.ID, o.Title, o.Detail, cadence, o.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetObjective(id string) (Objective, error) {
	var o Objective
	var createdAt string
	var active int
	err := s.db.QueryRow(`
		SELECT id, title, detail, cadence, active, created_at
		FROM objectives WHERE id = ?`, id,
	).Scan(&o.ID, &o.Title, &o.Detail, &o.Cadence, &active, &createdAt)
	if err == sql.ErrNoRows {
		return Objective{}, ErrNotFound
	}
	if err != nil {
		return Objective{}, err
	}
	o.Active = active != 0
	if o.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Objective{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return o, nil
}

// ListObjectives returns objectives oldest-first. With activeOnly set,
// deactivated objectives are excluded.
func (s *Store) ListObjectives(activeOnly bool) ([]Objective, error) {
	query := `SELECT id, title, detail, cadence, active, created_at FROM objectives`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Objective
	for rows.Next() {
		var o Objective
		var createdAt string
		var active int
		if err := rows.Scan(&o.ID, &o.Title, &o.Detail, &o.Cadence, &active, &createdAt); err != nil {
			return nil, err
		}
		o.Active = active != 0
		if o.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, o)
	}
	return results, rows.Err()
}

func (s *Store) DeactivateObjective(id string) error {
	res, err := s.db.Exec(`UPDATE objectives SET active = 0 WHERE id = ? AND active = 1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RecordObjectiveEvent(ev ObjectiveEvent) error {
	// Reject events against unknown objectives up front; SQLite only
	// enforces the reference with foreign_keys on, which we don't rely on.
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM objectives WHERE id = ?`, ev.ObjectiveID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	_, err := s.db.Exec(`
		INSERT INTO objective_events (id, objective_id, note, created_at)
		VALUES (?, ?, ?, ?)`,
		ev.ID, ev.ObjectiveID, ev.Note, ev.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) ObjectiveEventsSince(since time.Time) ([]ObjectiveEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, objective_id, note, created_at FROM objective_events
		WHERE created_at >= ? ORDER BY created_at ASC, id ASC`,
		since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ObjectiveEvent
	for rows.Next() {
		var ev ObjectiveEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.ObjectiveID, &ev.Note, &createdAt); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, ev)
	}
	return results, rows.Err()
}

// --- Extracted facts ---

func (s *Store) SaveFacts(facts []Fact) error {
	if len(facts) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning facts transaction: %w", err)
	}
	for _, f := range facts {
		sourceIDs := f.SourceTurnIDs
		if sourceIDs == "" {
			sourceIDs = "[]"
		}
		if _, err := tx.Exec(`
			INSERT INTO extracted_facts (id, category, item, source_turn_ids, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			f.ID, f.Category, f.Item, sourceIDs, f.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting fact: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) RecentFacts(limit int) ([]Fact, error) {
	rows, err := s.db.Query(`
		SELECT id, category, item, source_turn_ids, created_at FROM extracted_facts
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Fact
	for rows.Next() {
		var f Fact
		var createdAt string
		if err := rows.Scan(&f.ID, &f.Category, &f.Item, &f.SourceTurnIDs, &createdAt); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, f)
	}
	return results, rows.Err()
}

// --- Deliveries ---

func (s *Store) RecordDelivery(d Delivery) error {
	ok := 0
	if d.OK {
		ok = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO deliveries (id, title, body, ok, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.Title, d.Body, ok, d.Error, d.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) RecentDeliveries(limit int) ([]Delivery, error) {
	rows, err := s.db.Query(`
		SELECT id, title, body, ok, error, created_at FROM deliveries
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Delivery
	for rows.Next() {
		var d Delivery
		var createdAt string
		var ok int
		if err := rows.Scan(&d.ID, &d.Title, &d.Body, &ok, &d.Error, &createdAt); err != nil {
			return nil, err
		}
		d.OK = ok != 0
		if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}
