// Package versions binds (plugin slug, semantic version) tuples to builds
// and enforces the pre-release → release promotion rules.
package versions

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Version is a promotable pointer to a specific successful build.
type Version struct {
	PluginSlug       string    `json:"plugin_slug"`
	Version          string    `json:"version"`
	BuildID          int64     `json:"build_id"`
	BTCPayMinVersion string    `json:"btcpay_min_version,omitempty"`
	PreRelease       bool      `json:"pre_release"`
	SignatureProof   string    `json:"signature_proof,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Release commands accepted by UpdateReleaseStatus.
const (
	CommandRelease     = "release"
	CommandUnrelease   = "unrelease"
	CommandSignRelease = "sign_release"
)

// Store provides version persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a version store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SetVersionBuild inserts or updates the (slug, version) row to point at
// the given build. The update path is a single conditional UPDATE: it only
// succeeds while the row is still a pre-release AND the write actually
// changes something (different build, different minimum host version, or a
// promotion to released). A released version is immutable to this method
// until explicitly unreleased. Returns whether the row was written.
func (s *Store) SetVersionBuild(slug, version string, buildID int64, btcpayMinVersion string, preRelease bool) (bool, error) {
	normalized, err := normalize(version)
	if err != nil {
		return false, err
	}
	if btcpayMinVersion != "" {
		if btcpayMinVersion, err = normalize(btcpayMinVersion); err != nil {
			return false, fmt.Errorf("minimum host version: %w", err)
		}
	}

	res, err := s.db.Exec(
		`INSERT INTO versions (plugin_slug, ver, build_id, btcpay_min_ver, pre_release)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(plugin_slug, ver) DO NOTHING`,
		slug, normalized, buildID, btcpayMinVersion, boolToInt(preRelease),
	)
	if err != nil {
		return false, fmt.Errorf("insert version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	// Row exists: conditional update, CAS-style. The WHERE clause encodes
	// the full precondition so there is no read-then-write race window.
	res, err = s.db.Exec(
		`UPDATE versions
		 SET build_id = ?, btcpay_min_ver = ?, pre_release = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE plugin_slug = ? AND ver = ?
		   AND pre_release = 1
		   AND (build_id <> ? OR btcpay_min_ver <> ? OR ? = 0)`,
		buildID, btcpayMinVersion, boolToInt(preRelease),
		slug, normalized,
		buildID, btcpayMinVersion, boolToInt(preRelease),
	)
	if err != nil {
		return false, fmt.Errorf("update version: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateReleaseStatus toggles the pre-release flag. Unreleasing always
// clears the signature proof; signing implies releasing. Returns whether a
// row changed.
func (s *Store) UpdateReleaseStatus(slug, version, command, signatureProof string) (bool, error) {
	normalized, err := normalize(version)
	if err != nil {
		return false, err
	}

	var res sql.Result
	switch command {
	case CommandRelease:
		res, err = s.db.Exec(
			`UPDATE versions SET pre_release = 0, updated_at = CURRENT_TIMESTAMP
			 WHERE plugin_slug = ? AND ver = ? AND pre_release = 1`,
			slug, normalized,
		)
	case CommandUnrelease:
		res, err = s.db.Exec(
			`UPDATE versions SET pre_release = 1, signature_proof = NULL, updated_at = CURRENT_TIMESTAMP
			 WHERE plugin_slug = ? AND ver = ? AND pre_release = 0`,
			slug, normalized,
		)
	case CommandSignRelease:
		if signatureProof == "" {
			return false, fmt.Errorf("signature proof required for %s", CommandSignRelease)
		}
		res, err = s.db.Exec(
			`UPDATE versions SET pre_release = 0, signature_proof = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE plugin_slug = ? AND ver = ?`,
			signatureProof, slug, normalized,
		)
	default:
		return false, fmt.Errorf("unknown release command %q", command)
	}
	if err != nil {
		return false, fmt.Errorf("%s version: %w", command, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Get returns the version row, or nil if absent.
func (s *Store) Get(slug, version string) (*Version, error) {
	normalized, err := normalize(version)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(
		`SELECT plugin_slug, ver, build_id, btcpay_min_ver, pre_release, COALESCE(signature_proof, ''), updated_at
		 FROM versions WHERE plugin_slug = ? AND ver = ?`,
		slug, normalized,
	)
	v, err := scanVersion(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// List returns all versions of a plugin, newest semantic version first.
func (s *Store) List(slug string) ([]Version, error) {
	rows, err := s.db.Query(
		`SELECT plugin_slug, ver, build_id, btcpay_min_ver, pre_release, COALESCE(signature_proof, ''), updated_at
		 FROM versions WHERE plugin_slug = ?`,
		slug,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []Version
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		vi, erri := semver.NewVersion(out[i].Version)
		vj, errj := semver.NewVersion(out[j].Version)
		if erri != nil || errj != nil {
			return out[i].Version > out[j].Version
		}
		return vi.GreaterThan(vj)
	})
	return out, nil
}

// Remove deletes the version row (admin takedown of a released artifact).
func (s *Store) Remove(slug, version string) (bool, error) {
	normalized, err := normalize(version)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(
		`DELETE FROM versions WHERE plugin_slug = ? AND ver = ?`,
		slug, normalized,
	)
	if err != nil {
		return false, fmt.Errorf("remove version: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func scanVersion(scan func(dest ...any) error) (*Version, error) {
	var v Version
	var pre int
	var updatedAt string
	if err := scan(&v.PluginSlug, &v.Version, &v.BuildID, &v.BTCPayMinVersion, &pre, &v.SignatureProof, &updatedAt); err != nil {
		return nil, err
	}
	v.PreRelease = pre == 1
	v.UpdatedAt, _ = time.Parse("2006-01-02 15:04:05", updatedAt)
	return &v, nil
}

// normalize validates the string as semver and returns its canonical form,
// so "1.2.0" and "v1.2.0" land on the same row.
func normalize(version string) (string, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return "", fmt.Errorf("invalid semantic version %q: %w", version, err)
	}
	return v.String(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
