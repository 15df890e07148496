// Package directory resolves group membership from the account store.
//
// Account and credential management live outside the lifecycle engine; this
// package is the engine's read-only view of them. Lookups are never cached:
// the authorization matrix requires fresh membership on every request.
package directory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tasklane/tasklane/internal/permit"
)

// Service looks up the groups a user currently belongs to.
type Service interface {
	GroupsForUser(ctx context.Context, username string) ([]string, error)
}

// Static is a fixed username-to-groups map, used by tests and by the CLI
// when --groups is supplied.
type Static map[string][]string

// GroupsForUser returns the configured groups. Unknown users have no groups,
// which is not an error; they simply fail every permit check.
func (s Static) GroupsForUser(ctx context.Context, username string) ([]string, error) {
	return permit.NormalizeAll(s[username]), nil
}

// SQL reads membership from the user_groups table of the shared database.
type SQL struct {
	db *sql.DB
}

// NewSQL creates a directory backed by the given database handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// GroupsForUser queries current membership. The result reflects committed
// state at call time; it is deliberately not cached.
func (s *SQL) GroupsForUser(ctx context.Context, username string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT group_name FROM user_groups WHERE username = ? ORDER BY group_name", username)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups for %s: %w", username, err)
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return permit.NormalizeAll(groups), rows.Err()
}

// Grant inserts a membership row. Used by tl admin tooling and tests; the
// real account system owns this table in production.
func (s *SQL) Grant(ctx context.Context, username, group string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT IGNORE INTO user_groups (username, group_name) VALUES (?, ?)",
		username, permit.Normalize(group))
	if err != nil {
		return fmt.Errorf("failed to grant group: %w", err)
	}
	return nil
}
