// Package plugins persists plugin listings, the slug→identifier ownership
// binding and the user↔plugin ownership relation.
package plugins

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// Plugin is a published plugin project.
type Plugin struct {
	Slug        string    `json:"slug"`
	Identifier  string    `json:"identifier,omitempty"`
	Description string    `json:"description"`
	Visibility  string    `json:"visibility"` // "public" or "unlisted"
	CreatedAt   time.Time `json:"created_at"`
}

// Store provides plugin persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a plugin store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new plugin row. The slug is validated and immutable.
func (s *Store) Create(slug, description string) (*Plugin, error) {
	if err := ValidateSlug(slug); err != nil {
		return nil, err
	}
	_, err := s.db.Exec(
		`INSERT INTO plugins (slug, description) VALUES (?, ?)`,
		slug, description,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("plugin %q already exists", slug)
		}
		return nil, fmt.Errorf("create plugin: %w", err)
	}
	return s.Get(slug)
}

// Get returns the plugin with the given slug, or nil if it does not exist.
func (s *Store) Get(slug string) (*Plugin, error) {
	row := s.db.QueryRow(
		`SELECT slug, COALESCE(identifier, ''), description, visibility, created_at
		 FROM plugins WHERE slug = ?`, slug)
	return scanPlugin(row)
}

// GetByIdentifier returns the plugin bound to the given manifest
// identifier, or nil if the identifier is unclaimed.
func (s *Store) GetByIdentifier(identifier string) (*Plugin, error) {
	row := s.db.QueryRow(
		`SELECT slug, COALESCE(identifier, ''), description, visibility, created_at
		 FROM plugins WHERE identifier = ?`, identifier)
	return scanPlugin(row)
}

// List returns plugins ordered by slug. With publicOnly, unlisted plugins
// are omitted.
func (s *Store) List(publicOnly bool) ([]Plugin, error) {
	query := `SELECT slug, COALESCE(identifier, ''), description, visibility, created_at
	          FROM plugins`
	if publicOnly {
		query += ` WHERE visibility = 'public'`
	}
	query += ` ORDER BY slug`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	var out []Plugin
	for rows.Next() {
		var p Plugin
		var createdAt string
		if err := rows.Scan(&p.Slug, &p.Identifier, &p.Description, &p.Visibility, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTimestamp(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetVisibility flips a plugin between public and unlisted.
func (s *Store) SetVisibility(slug, visibility string) error {
	if visibility != "public" && visibility != "unlisted" {
		return fmt.Errorf("invalid visibility %q", visibility)
	}
	res, err := s.db.Exec(`UPDATE plugins SET visibility = ? WHERE slug = ?`, visibility, slug)
	if err != nil {
		return fmt.Errorf("set visibility: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plugin %q not found", slug)
	}
	return nil
}

// EnsureIdentifierOwnership checks or establishes the binding between a
// plugin slug and the globally-unique identifier declared in its manifest.
//
// If the slug already has a bound identifier the call compares and does not
// mutate. If unbound, it atomically claims the identifier with a
// conditional UPDATE; losing the claim race to another slug shows up as a
// uniqueness violation on the identifier column and yields false, not an
// error. This is what prevents two slugs from publishing under the same
// logical plugin.
func (s *Store) EnsureIdentifierOwnership(slug, identifier string) (bool, error) {
	if identifier == "" {
		return false, fmt.Errorf("empty identifier")
	}

	var existing sql.NullString
	err := s.db.QueryRow(`SELECT identifier FROM plugins WHERE slug = ?`, slug).Scan(&existing)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("plugin %q not found", slug)
	}
	if err != nil {
		return false, fmt.Errorf("lookup plugin %q: %w", slug, err)
	}
	if existing.Valid {
		return existing.String == identifier, nil
	}

	res, err := s.db.Exec(
		`UPDATE plugins SET identifier = ? WHERE slug = ? AND identifier IS NULL`,
		identifier, slug,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Another slug claimed this identifier first.
			return false, nil
		}
		return false, fmt.Errorf("claim identifier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A concurrent writer bound this slug between the read and the
		// update; re-read and compare.
		err := s.db.QueryRow(`SELECT identifier FROM plugins WHERE slug = ?`, slug).Scan(&existing)
		if err != nil {
			return false, fmt.Errorf("re-read plugin %q: %w", slug, err)
		}
		return existing.Valid && existing.String == identifier, nil
	}
	return true, nil
}

// AddOwner associates a user with a plugin.
func (s *Store) AddOwner(userID int, slug string, primary bool) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO users_plugins (user_id, plugin_slug, is_primary_owner)
		 VALUES (?, ?, ?)`,
		userID, slug, boolToInt(primary),
	)
	if err != nil {
		return fmt.Errorf("add owner: %w", err)
	}
	return nil
}

// UserOwnsPlugin reports whether the user may trigger builds and releases
// for the plugin.
func (s *Store) UserOwnsPlugin(userID int, slug string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM users_plugins WHERE user_id = ? AND plugin_slug = ?`,
		userID, slug,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ownership check: %w", err)
	}
	return n > 0, nil
}

// Delete removes a plugin; builds, logs and versions cascade.
func (s *Store) Delete(slug string) error {
	res, err := s.db.Exec(`DELETE FROM plugins WHERE slug = ?`, slug)
	if err != nil {
		return fmt.Errorf("delete plugin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plugin %q not found", slug)
	}
	return nil
}

func scanPlugin(row *sql.Row) (*Plugin, error) {
	var p Plugin
	var createdAt string
	err := row.Scan(&p.Slug, &p.Identifier, &p.Description, &p.Visibility, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = parseTimestamp(createdAt)
	return &p, nil
}

func parseTimestamp(s string) time.Time {
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}

// isUniqueViolation detects a sqlite uniqueness-constraint error by code,
// so unrelated constraint failures are not mistaken for a lost claim race.
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	code := serr.Code()
	return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
