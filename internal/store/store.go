// Package store implements the durable family state behind an encrypted
// SQLite database (SQLCipher). It is the single transaction boundary for
// profiles, time budgets and approval requests.
package store

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/familyshield/familyd/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

// SQLStore implements domain.Store on a SQLCipher database.
type SQLStore struct {
	db     *sql.DB
	dbPath string
	retry  retryPolicy

	// mu serializes writers; readers go through database/sql directly.
	mu sync.Mutex

	// now is injectable for reset-boundary tests.
	now func() time.Time
}

// Options configure the store.
type Options struct {
	RetryAttempts int
	RetryBackoff  time.Duration
	// Now overrides the clock (tests only).
	Now func() time.Time
}

// Open opens (or creates) the encrypted database at dbPath, keyed via
// PRAGMA key from the raw key bytes.
func Open(dbPath string, key []byte, opts Options) (*SQLStore, error) {
	keyHex := hex.EncodeToString(key)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &SQLStore{
		db:     db,
		dbPath: dbPath,
		retry:  retryPolicy{attempts: opts.RetryAttempts, backoff: opts.RetryBackoff},
		now:    opts.Now,
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// OpenWithKeyFile is the production path: ensures the key file, the data
// directory, and opens the store.
func OpenWithKeyFile(dbPath, keyPath string, opts Options) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	key, err := NewKeyFile(keyPath).Ensure()
	if err != nil {
		return nil, err
	}
	return Open(dbPath, key, opts)
}

func (s *SQLStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		class TEXT NOT NULL,
		blocked_apps TEXT NOT NULL DEFAULT '[]',
		allowed_categories TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_budgets (
		profile_id TEXT NOT NULL,
		category TEXT NOT NULL,
		seconds INTEGER NOT NULL,
		PRIMARY KEY (profile_id, category)
	);

	CREATE TABLE IF NOT EXISTS time_budgets (
		profile_id TEXT NOT NULL,
		category TEXT NOT NULL,
		day TEXT NOT NULL,
		remaining INTEGER NOT NULL,
		PRIMARY KEY (profile_id, category, day)
	);

	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		resolved_at INTEGER NOT NULL DEFAULT 0,
		resolved_by TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_requests_pending
		ON approval_requests (profile_id, action) WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// day returns the current reset-boundary bucket (local date).
func (s *SQLStore) day() string {
	return s.now().Format("2006-01-02")
}

// --- profiles ---

// CreateProfile adds a new profile with its daily budget allowances.
func (s *SQLStore) CreateProfile(p domain.Profile, dailyBudgets map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocked, _ := json.Marshal(p.BlockedApps)
	categories, _ := json.Marshal(p.AllowedCategories)
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	return s.retry.run("create profile", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.Exec(`
			INSERT OR REPLACE INTO profiles
				(id, display_name, class, blocked_apps, allowed_categories, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.DisplayName, string(p.Class), string(blocked), string(categories), createdAt.Unix(),
		)
		if err != nil {
			return err
		}
		for category, seconds := range dailyBudgets {
			_, err = tx.Exec(`
				INSERT OR REPLACE INTO daily_budgets (profile_id, category, seconds)
				VALUES (?, ?, ?)`,
				p.ID, category, seconds,
			)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// GetProfile returns a profile by id.
func (s *SQLStore) GetProfile(id string) (*domain.Profile, error) {
	var p domain.Profile
	var class, blocked, categories string
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, display_name, class, blocked_apps, allowed_categories, created_at
		FROM profiles WHERE id = ?`, id,
	).Scan(&p.ID, &p.DisplayName, &class, &blocked, &categories, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile %q: %w", id, domain.ErrUnknownProfile)
	}
	if err != nil {
		return nil, err
	}

	p.Class = domain.RoleClass(class)
	p.CreatedAt = time.Unix(createdAt, 0)
	if err := json.Unmarshal([]byte(blocked), &p.BlockedApps); err != nil {
		return nil, fmt.Errorf("corrupt blocked_apps for %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(categories), &p.AllowedCategories); err != nil {
		return nil, fmt.Errorf("corrupt allowed_categories for %q: %w", id, err)
	}
	return &p, nil
}

// ListProfiles returns all profiles ordered by creation time.
func (s *SQLStore) ListProfiles() ([]domain.Profile, error) {
	rows, err := s.db.Query(`
		SELECT id FROM profiles ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	profiles := make([]domain.Profile, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProfile(id)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, nil
}

// SetActiveProfile marks the profile currently at the machine.
func (s *SQLStore) SetActiveProfile(id string) error {
	if _, err := s.GetProfile(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.run("set active profile", func() error {
		_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('active_profile', ?)`, id)
		return err
	})
}

// ActiveProfile returns the active profile, or ErrNotFound if unset.
func (s *SQLStore) ActiveProfile() (*domain.Profile, error) {
	var id string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'active_profile'`).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no active profile: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s.GetProfile(id)
}

// --- time budgets ---

// ensureBudgetRow seeds today's budget row from the daily allowance when
// the reset boundary has been crossed. Caller holds s.mu.
func (s *SQLStore) ensureBudgetRow(tx *sql.Tx, profileID, category, day string) error {
	var allowance int64
	err := tx.QueryRow(`
		SELECT seconds FROM daily_budgets WHERE profile_id = ? AND category = ?`,
		profileID, category,
	).Scan(&allowance)
	if err == sql.ErrNoRows {
		allowance = 0
	} else if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT OR IGNORE INTO time_budgets (profile_id, category, day, remaining)
		VALUES (?, ?, ?, ?)`,
		profileID, category, day, allowance,
	)
	return err
}

// RemainingTime returns today's remaining seconds for a category.
func (s *SQLStore) RemainingTime(profileID, category string) (int64, error) {
	if _, err := s.GetProfile(profileID); err != nil {
		return 0, err
	}

	day := s.day()
	var remaining int64
	err := s.db.QueryRow(`
		SELECT remaining FROM time_budgets
		WHERE profile_id = ? AND category = ? AND day = ?`,
		profileID, category, day,
	).Scan(&remaining)
	if err == sql.ErrNoRows {
		// Day boundary crossed; seed and re-read.
		return s.adjustTime(profileID, category, 0)
	}
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// ConsumeTime decrements today's budget, clamped at zero.
func (s *SQLStore) ConsumeTime(profileID, category string, seconds int64) (int64, error) {
	if seconds < 0 {
		return 0, fmt.Errorf("negative consume of %d seconds", seconds)
	}
	return s.adjustTime(profileID, category, -seconds)
}

// AddTime credits seconds back to today's budget.
func (s *SQLStore) AddTime(profileID, category string, seconds int64) (int64, error) {
	if seconds < 0 {
		return 0, fmt.Errorf("negative credit of %d seconds", seconds)
	}
	return s.adjustTime(profileID, category, seconds)
}

// adjustTime applies a delta to today's budget row inside one transaction,
// seeding the row at the reset boundary and clamping at zero.
func (s *SQLStore) adjustTime(profileID, category string, delta int64) (int64, error) {
	if _, err := s.GetProfile(profileID); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.day()
	var remaining int64
	err := s.retry.run("adjust time budget", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := s.ensureBudgetRow(tx, profileID, category, day); err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE time_budgets SET remaining = MAX(0, remaining + ?)
			WHERE profile_id = ? AND category = ? AND day = ?`,
			delta, profileID, category, day,
		)
		if err != nil {
			return err
		}
		err = tx.QueryRow(`
			SELECT remaining FROM time_budgets
			WHERE profile_id = ? AND category = ? AND day = ?`,
			profileID, category, day,
		).Scan(&remaining)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	return remaining, err
}

// --- approval requests ---

// PutRequest persists a new approval request.
func (s *SQLStore) PutRequest(r domain.PermissionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.run("put request", func() error {
		_, err := s.db.Exec(`
			INSERT INTO approval_requests
				(id, profile_id, kind, action, status, created_at, resolved_at, resolved_by)
			VALUES (?, ?, ?, ?, ?, ?, 0, '')`,
			r.ID, r.ProfileID, string(r.Kind), r.Action, string(r.Status), r.CreatedAt.Unix(),
		)
		return err
	})
}

// GetRequest returns a request by id.
func (s *SQLStore) GetRequest(id string) (*domain.PermissionRequest, error) {
	row := s.db.QueryRow(`
		SELECT id, profile_id, kind, action, status, created_at, resolved_at, resolved_by
		FROM approval_requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %q: %w", id, domain.ErrNotFound)
	}
	return r, err
}

// FindPendingRequest returns the pending request for a (profile, action)
// pair, or nil when none exists.
func (s *SQLStore) FindPendingRequest(profileID, action string) (*domain.PermissionRequest, error) {
	row := s.db.QueryRow(`
		SELECT id, profile_id, kind, action, status, created_at, resolved_at, resolved_by
		FROM approval_requests
		WHERE profile_id = ? AND action = ? AND status = 'pending'`,
		profileID, action)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// FindApprovedRequest returns the most recent approved request for a
// (profile, action) pair, or nil when none exists.
func (s *SQLStore) FindApprovedRequest(profileID, action string) (*domain.PermissionRequest, error) {
	row := s.db.QueryRow(`
		SELECT id, profile_id, kind, action, status, created_at, resolved_at, resolved_by
		FROM approval_requests
		WHERE profile_id = ? AND action = ? AND status = 'approved'
		ORDER BY resolved_at DESC LIMIT 1`,
		profileID, action)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ResolveRequest transitions a pending request to a terminal status.
func (s *SQLStore) ResolveRequest(id string, status domain.RequestStatus, resolvedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retry.run("resolve request", func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var current string
		err = tx.QueryRow(`SELECT status FROM approval_requests WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("request %q: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if domain.RequestStatus(current) != domain.StatusPending {
			return fmt.Errorf("request %q is %s: %w", id, current, domain.ErrAlreadyResolved)
		}

		_, err = tx.Exec(`
			UPDATE approval_requests
			SET status = ?, resolved_at = ?, resolved_by = ?
			WHERE id = ?`,
			string(status), at.Unix(), resolvedBy, id,
		)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListPendingRequests returns all requests still pending, oldest first.
func (s *SQLStore) ListPendingRequests() ([]domain.PermissionRequest, error) {
	rows, err := s.db.Query(`
		SELECT id, profile_id, kind, action, status, created_at, resolved_at, resolved_by
		FROM approval_requests WHERE status = 'pending' ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []domain.PermissionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

// Close releases the database connection.
func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*domain.PermissionRequest, error) {
	var r domain.PermissionRequest
	var kind, status string
	var createdAt, resolvedAt int64

	err := row.Scan(&r.ID, &r.ProfileID, &kind, &r.Action, &status, &createdAt, &resolvedAt, &r.ResolvedBy)
	if err != nil {
		return nil, err
	}
	r.Kind = domain.RequestKind(kind)
	r.Status = domain.RequestStatus(status)
	r.CreatedAt = time.Unix(createdAt, 0)
	if resolvedAt > 0 {
		r.ResolvedAt = time.Unix(resolvedAt, 0)
	}
	return &r, nil
}

// Ensure SQLStore implements domain.Store.
var _ domain.Store = (*SQLStore)(nil)
