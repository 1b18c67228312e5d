package permission

import (
	"database/sql"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// Decision is a persisted policy verdict for a pattern.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// Rule is one persisted allow/deny pattern for a permission kind.
type Rule struct {
	Kind      Kind       `json:"kind"`
	Pattern   string     `json:"pattern"`
	Decision  Decision   `json:"decision"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Store persists permission rules in DuckDB so "always allow" grants
// survive restarts.
type Store struct {
	conn *sql.DB
}

// OpenStore opens (or creates) the rule database at path. Pass an empty
// path for an in-memory database.
func OpenStore(path string) (*Store, error) {
	conn, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, serr.Wrap(err, "failed to open permission database")
	}
	if err := conn.Ping(); err != nil {
		return nil, serr.Wrap(err, "failed to ping permission database")
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	query := `
		CREATE TABLE IF NOT EXISTS permission_rules (
			kind TEXT NOT NULL,
			pattern TEXT NOT NULL,
			decision TEXT NOT NULL,
			granted_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP,
			PRIMARY KEY (kind, pattern)
		)
	`
	if _, err := s.conn.Exec(query); err != nil {
		return serr.Wrap(err, "failed to create permission_rules table")
	}
	return nil
}

// SetRule inserts or updates a rule. A zero expiresIn means the rule
// never expires.
func (s *Store) SetRule(kind Kind, pattern string, decision Decision, expiresIn time.Duration) error {
	// The duckdb driver cannot bind a *time.Time, so nullable
	// timestamps go through sql.NullTime.
	var expiresAt sql.NullTime
	if expiresIn != 0 {
		expiresAt = sql.NullTime{Time: time.Now().Add(expiresIn), Valid: true}
	}

	query := `
		INSERT INTO permission_rules (kind, pattern, decision, granted_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, pattern)
		DO UPDATE SET
			decision = EXCLUDED.decision,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at
	`
	if _, err := s.conn.Exec(query, string(kind), pattern, string(decision), time.Now(), expiresAt); err != nil {
		return serr.Wrap(err, "failed to set permission rule")
	}

	logger.Info("Set permission rule", "kind", string(kind), "pattern", pattern, "decision", string(decision))
	return nil
}

// Rules returns the unexpired rules for a kind.
func (s *Store) Rules(kind Kind) ([]Rule, error) {
	query := `
		SELECT kind, pattern, decision, granted_at, expires_at
		FROM permission_rules
		WHERE kind = ?
		  AND (expires_at IS NULL OR expires_at > CURRENT_TIMESTAMP)
		ORDER BY granted_at
	`
	rows, err := s.conn.Query(query, string(kind))
	if err != nil {
		return nil, serr.Wrap(err, "failed to query permission rules")
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var expiresAt sql.NullTime
		if err := rows.Scan(&r.Kind, &r.Pattern, &r.Decision, &r.GrantedAt, &expiresAt); err != nil {
			return nil, serr.Wrap(err, "failed to scan permission rule")
		}
		if expiresAt.Valid {
			r.ExpiresAt = &expiresAt.Time
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// RemoveRule deletes a rule, reporting whether it existed.
func (s *Store) RemoveRule(kind Kind, pattern string) (bool, error) {
	result, err := s.conn.Exec(
		`DELETE FROM permission_rules WHERE kind = ? AND pattern = ?`,
		string(kind), pattern,
	)
	if err != nil {
		return false, serr.Wrap(err, "failed to remove permission rule")
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// decide evaluates stored rules against the request's patterns. Denials
// win over allows. The verdict is "allow" only when every specific
// pattern is covered by an unexpired allow rule.
func (s *Store) decide(req Request) (Decision, bool, error) {
	rules, err := s.Rules(req.Kind)
	if err != nil {
		return "", false, err
	}
	if len(rules) == 0 || len(req.Patterns) == 0 {
		return "", false, nil
	}

	for _, rule := range rules {
		if rule.Decision != DecisionDenied {
			continue
		}
		for _, p := range req.Patterns {
			if Match(rule.Pattern, p) {
				return DecisionDenied, true, nil
			}
		}
	}

	for _, p := range req.Patterns {
		covered := false
		for _, rule := range rules {
			if rule.Decision == DecisionAllowed && Match(rule.Pattern, p) {
				covered = true
				break
			}
		}
		if !covered {
			return "", false, nil
		}
	}
	return DecisionAllowed, true, nil
}
