// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ledger

import (
	"fmt"
	"net/url"
	"strings"
)

// Dialect produces the SQL fragments that vary by backend so core code
// never embeds a backend-specific literal (§4.1): placeholder form,
// current-timestamp function, upsert clause, limit/offset syntax, and
// boolean representation.
type Dialect interface {
	// Name identifies the dialect for logging/metrics labels.
	Name() string

	// Placeholder returns the positional bind-parameter marker for
	// argument index n (1-based): "?" for sqlite, "$1"/"$2"/... for
	// postgres.
	Placeholder(n int) string

	// Placeholders renders n sequential placeholders starting at 1,
	// comma-joined, for use in VALUES(...) clauses.
	Placeholders(n int) string

	// Now returns the SQL current-timestamp expression.
	Now() string

	// UpsertSuffix renders an "ON CONFLICT (conflictCols) DO UPDATE SET
	// ..." clause (or dialect equivalent) for the given conflict columns
	// and update assignments. Assignments are "col = value-expr" pairs
	// already rendered by the caller.
	UpsertSuffix(conflictCols []string, assignments []string) string

	// LimitOffset renders a "LIMIT n OFFSET m" clause, omitting either
	// half when not positive.
	LimitOffset(limit, offset int) string

	// Bool renders a boolean literal.
	Bool(v bool) string
}

// Scheme is the recognized backend-selection scheme from a Settings
// backend URL (§6: "embedded-file, client-server, memory").
type Scheme string

const (
	SchemeEmbeddedFile  Scheme = "embedded-file"
	SchemeClientServer  Scheme = "client-server"
	SchemeMemory        Scheme = "memory"
)

// DetectScheme inspects a backend URL and returns the recognized scheme
// plus the scheme-specific connection string: for sqlite/file URLs the
// file path with the scheme prefix stripped, for postgres URLs the whole
// URL unchanged, and for memory URLs an empty string. This is the
// "auto-detection" helper of §4.1.
func DetectScheme(backendURL string) (Scheme, string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing backend url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "sqlite", "file":
		dsn := strings.TrimPrefix(backendURL, u.Scheme+"://")
		return SchemeEmbeddedFile, dsn, nil
	case "postgres", "postgresql":
		return SchemeClientServer, backendURL, nil
	case "memory", "mem":
		return SchemeMemory, "", nil
	default:
		return "", "", fmt.Errorf("unrecognized backend scheme: %q", u.Scheme)
	}
}

// sqliteDialect implements Dialect for modernc.org/sqlite.
type sqliteDialect struct{}

func (sqliteDialect) Name() string              { return "sqlite" }
func (sqliteDialect) Placeholder(int) string     { return "?" }
func (sqliteDialect) Now() string                { return "CURRENT_TIMESTAMP" }
func (sqliteDialect) Bool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (sqliteDialect) Placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ", ")
}

func (sqliteDialect) UpsertSuffix(conflictCols, assignments []string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(conflictCols, ", "), strings.Join(assignments, ", "))
}

func (sqliteDialect) LimitOffset(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	if offset > 0 {
		if limit <= 0 {
			sb.WriteString(" LIMIT -1")
		}
		fmt.Fprintf(&sb, " OFFSET %d", offset)
	}
	return sb.String()
}

// pgDialect implements Dialect for postgres (via jackc/pgx's stdlib driver).
type pgDialect struct{}

func (pgDialect) Name() string { return "postgres" }
func (pgDialect) Placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
func (pgDialect) Now() string { return "NOW()" }
func (pgDialect) Bool(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}

func (pgDialect) Placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ", ")
}

func (pgDialect) UpsertSuffix(conflictCols, assignments []string) string {
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(conflictCols, ", "), strings.Join(assignments, ", "))
}

func (pgDialect) LimitOffset(limit, offset int) string {
	var sb strings.Builder
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", offset)
	}
	return sb.String()
}

// SQLiteDialect returns the sqlite Dialect singleton.
func SQLiteDialect() Dialect { return sqliteDialect{} }

// PostgresDialect returns the postgres Dialect singleton.
func PostgresDialect() Dialect { return pgDialect{} }
