package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// maxErrorLen bounds stored error messages so a verbose generator failure
// cannot bloat the request row.
const maxErrorLen = 1000

// Store wraps a SQLite database holding requests, recipes, and the job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "galley.db")
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

	// Wait briefly on contention instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

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

// migrate applies embedded SQL migration files that haven't been run yet.
func (s *Store) migrate() error {
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

// AppliedMigrations returns applied migration versions in ascending order.
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

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// --- Requests ---

const requestColumns = `id, ingredients_csv, ingredients_hash, status, recipe_id, error_message, webhook_url, created_at, updated_at`

// CreateRequest inserts a new request row. Zero timestamps default to now.
func (s *Store) CreateRequest(r Request) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO recipe_requests (id, ingredients_csv, ingredients_hash, status, recipe_id, error_message, webhook_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?)`,
		r.ID, r.IngredientsCSV, r.Fingerprint, string(r.Status),
		r.RecipeID, r.ErrorMessage, r.WebhookURL, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	return err
}

// GetRequest returns the request with the given id, or ErrNotFound.
func (s *Store) GetRequest(id string) (Request, error) {
	row := s.db.QueryRow(`SELECT `+requestColumns+` FROM recipe_requests WHERE id = ?`, id)
	return scanRequest(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var r Request
	var status, createdAt, updatedAt string
	var recipeID, errMsg, webhook sql.NullString
	err := row.Scan(&r.ID, &r.IngredientsCSV, &r.Fingerprint, &status, &recipeID, &errMsg, &webhook, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, err
	}
	r.Status = RequestStatus(status)
	r.RecipeID = recipeID.String
	r.ErrorMessage = errMsg.String
	r.WebhookURL = webhook.String
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Request{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Request{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// MarkProcessing moves a PENDING request to PROCESSING. The status guard in
// the WHERE clause keeps the lifecycle monotonic under concurrent workers.
func (s *Store) MarkProcessing(id string) error {
	_, err := s.db.Exec(`
		UPDATE recipe_requests SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusProcessing), fmtTime(time.Now()), id, string(StatusPending),
	)
	return err
}

// MarkCompleted resolves a single request with the given recipe.
func (s *Store) MarkCompleted(id, recipeID string) error {
	res, err := s.db.Exec(`
		UPDATE recipe_requests SET status = ?, recipe_id = ?, error_message = NULL, updated_at = ?
		WHERE id = ?`,
		string(StatusCompleted), recipeID, fmtTime(time.Now()), id,
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

// MarkFailed moves a request to FAILED with a bounded error message.
func (s *Store) MarkFailed(id, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE recipe_requests SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(StatusFailed), truncate(errMsg, maxErrorLen), fmtTime(time.Now()), id,
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

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// FindCompletedByFingerprint returns the most recent COMPLETED request
// sharing the fingerprint that has a recipe linked, or ErrNotFound.
func (s *Store) FindCompletedByFingerprint(fingerprint string) (Request, error) {
	row := s.db.QueryRow(`
		SELECT `+requestColumns+` FROM recipe_requests
		WHERE ingredients_hash = ? AND status = ? AND recipe_id IS NOT NULL
		ORDER BY created_at DESC LIMIT 1`,
		fingerprint, string(StatusCompleted),
	)
	return scanRequest(row)
}

// ExistsActiveByFingerprint reports whether any PENDING or PROCESSING
// request shares the fingerprint, excluding excludeID when non-empty.
func (s *Store) ExistsActiveByFingerprint(fingerprint, excludeID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM recipe_requests
		WHERE ingredients_hash = ? AND status IN (?, ?) AND id != ?`,
		fingerprint, string(StatusPending), string(StatusProcessing), excludeID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CompleteAllByFingerprint resolves every active request sharing the
// fingerprint to COMPLETED with the recipe linked. Select and update run in
// one transaction, so the returned rows are exactly the requests the update
// resolved; a request created after the transaction began is not in either.
func (s *Store) CompleteAllByFingerprint(fingerprint, recipeID string) ([]Request, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning fan-out transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+requestColumns+` FROM recipe_requests
		WHERE ingredients_hash = ? AND status IN (?, ?)
		ORDER BY created_at ASC`,
		fingerprint, string(StatusPending), string(StatusProcessing),
	)
	if err != nil {
		return nil, err
	}

	var resolved []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		resolved = append(resolved, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	_, err = tx.Exec(`
		UPDATE recipe_requests
		SET status = ?, recipe_id = ?, error_message = NULL, updated_at = ?
		WHERE ingredients_hash = ? AND status IN (?, ?)`,
		string(StatusCompleted), recipeID, fmtTime(time.Now()),
		fingerprint, string(StatusPending), string(StatusProcessing),
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing fan-out: %w", err)
	}
	return resolved, nil
}

// --- Recipes ---

// SaveRecipe persists a produced recipe. Recipes are written once and never
// updated.
func (s *Store) SaveRecipe(r Recipe) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}

	instructions, err := json.Marshal(r.Instructions)
	if err != nil {
		return fmt.Errorf("marshaling instructions: %w", err)
	}
	ingredients, err := json.Marshal(r.Ingredients)
	if err != nil {
		return fmt.Errorf("marshaling ingredients: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO recipes (id, title, excerpt, instructions, number_of_persons, time_to_cook, time_to_prepare, ingredients, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Title, r.Excerpt, string(instructions), r.NumberOfPersons,
		r.TimeToCook, r.TimeToPrepare, string(ingredients), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
	)
	return err
}

// GetRecipe returns the recipe with the given id, or ErrNotFound.
func (s *Store) GetRecipe(id string) (Recipe, error) {
	var r Recipe
	var instructions, ingredients, createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, title, excerpt, instructions, number_of_persons, time_to_cook, time_to_prepare, ingredients, created_at, updated_at
		FROM recipes WHERE id = ?`, id,
	).Scan(&r.ID, &r.Title, &r.Excerpt, &instructions, &r.NumberOfPersons, &r.TimeToCook, &r.TimeToPrepare, &ingredients, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Recipe{}, ErrNotFound
	}
	if err != nil {
		return Recipe{}, err
	}

	if err := json.Unmarshal([]byte(instructions), &r.Instructions); err != nil {
		return Recipe{}, fmt.Errorf("unmarshaling instructions: %w", err)
	}
	if err := json.Unmarshal([]byte(ingredients), &r.Ingredients); err != nil {
		return Recipe{}, fmt.Errorf("unmarshaling ingredients: %w", err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Recipe{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Recipe{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return r, nil
}

// CountRecipes returns the total number of stored recipes.
func (s *Store) CountRecipes() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM recipes").Scan(&n)
	return n, err
}

// --- Jobs ---

// EnqueueJob inserts a pending job. A zero RunAfter means immediately; a
// zero MaxAttempts defaults to 3.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts,
		fmtTime(runAfter), fmtTime(now), fmtTime(now),
	)
	return err
}

// ClaimNextJob atomically claims the oldest runnable pending job of one of
// the given types, moving it to "running". Returns nil when no job is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := fmtTime(time.Now())
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob marks a job as completed.
func (s *Store) CompleteJob(id string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, fmtTime(time.Now()), id)
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

// FailJob records a failed attempt. Until max_attempts is reached the job
// goes back to pending with an exponential run_after backoff; after that it
// is failed permanently.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, truncate(errMsg, maxErrorLen), fmtTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, truncate(errMsg, maxErrorLen), fmtTime(now.Add(backoff)), fmtTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob returns the job with the given id, or ErrNotFound.
func (s *Store) GetJob(id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRow(`
		SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}

// CountJobs returns the number of jobs of the given type in the given status.
func (s *Store) CountJobs(jobType, status string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE type = ? AND status = ?`, jobType, status).Scan(&n)
	return n, err
}
