// Package store opens the spatial database, loads geometry tables into layers
// and replaces tables with layer contents.
package store

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"riparian-overlay/pkg/geom"
)

var (
	ErrConnection = errors.New("connection error")
	ErrNotFound   = errors.New("table not found")
	ErrSchema     = geom.ErrSchema
)

// Store is a handle on a spatial-capable relational store. It is used by one caller at a time.
type Store interface {
	// LoadLayer reads every row of table with geomCol decoded to WKB.
	LoadLayer(ctx context.Context, table, geomCol string) (*geom.Layer, error)
	// ReplaceTable drops and recreates table with the layer's rows, keeping its SRID.
	ReplaceTable(ctx context.Context, table string, layer *geom.Layer) error
	Close() error
}

// Opener is the signature of Open, so callers can substitute it.
type Opener func(ctx context.Context, connStr string) (Store, error)

var driverSuffix = regexp.MustCompile(`^(postgres|postgresql)\+[a-z0-9_]+://`)

// Open connects to the store named by connStr. Postgres URLs and keyword DSNs open
// a PostGIS store, anything else is treated as a DuckDB database path.
func Open(ctx context.Context, connStr string) (Store, error) {
	connStr = strings.TrimSpace(connStr)

	if IsPostgres(connStr) {
		s, err := OpenPostGIS(ctx, NormalizePostgres(connStr))
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	s, err := OpenDuckDB(ctx, strings.TrimPrefix(connStr, "duckdb://"))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// IsPostgres reports whether connStr addresses a Postgres server.
func IsPostgres(connStr string) bool {
	lower := strings.ToLower(connStr)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	if driverSuffix.MatchString(lower) {
		return true
	}
	return strings.Contains(lower, "dbname=") || strings.Contains(lower, "host=")
}

// NormalizePostgres strips a "+driver" qualifier such as postgresql+psycopg2://.
func NormalizePostgres(connStr string) string {
	loc := driverSuffix.FindStringIndex(strings.ToLower(connStr))
	if loc == nil {
		return connStr
	}
	scheme := connStr[:strings.Index(connStr, "+")]
	return scheme + "://" + connStr[loc[1]:]
}

// splitTable splits an optionally schema-qualified table name.
func splitTable(table string) (schema, name string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteTable(table string) string {
	schema, name := splitTable(table)
	if schema == "" {
		return quoteIdent(name)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
