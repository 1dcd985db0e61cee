package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"riparian-overlay/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/duckdb/duckdb-go/v2"
)

const registryTable = "spatial_registry"

// DuckStore keeps layers in a DuckDB database with the spatial extension loaded.
// DuckDB geometries carry no SRID, so it is tracked in the spatial_registry table.
type DuckStore struct {
	connector *duckdb.Connector
	db        *sql.DB
	path      string
}

// OpenDuckDB opens (or creates) the DuckDB database at path. An empty path or
// ":memory:" gives an in-memory database.
func OpenDuckDB(ctx context.Context, path string) (*DuckStore, error) {
	if path == ":memory:" {
		path = ""
	}

	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open duckdb %q: %v", ErrConnection, path, err)
	}

	db := sql.OpenDB(connector)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("%w: ping duckdb %q: %v", ErrConnection, path, err)
	}

	// Install spatial extension
	if _, err := db.ExecContext(ctx, "INSTALL spatial; LOAD spatial;"); err != nil {
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("%w: failed to load spatial extension: %v", ErrConnection, err)
	}

	createRegistry := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		table_name VARCHAR,
		column_name VARCHAR,
		srid INTEGER,
		PRIMARY KEY (table_name, column_name)
	)`, registryTable)

	if _, err := db.ExecContext(ctx, createRegistry); err != nil {
		db.Close()
		connector.Close()
		return nil, fmt.Errorf("%w: failed to create srid registry: %v", ErrConnection, err)
	}

	return &DuckStore{
		connector: connector,
		db:        db,
		path:      path,
	}, nil
}

// DB exposes the underlying database for ad-hoc statements.
func (s *DuckStore) DB() *sql.DB {
	return s.db
}

func (s *DuckStore) Close() error {
	err := s.db.Close()
	if cerr := s.connector.Close(); err == nil {
		err = cerr
	}
	return err
}

// registryKey qualifies table with its schema so that "t" and "main.t" share
// one registry entry.
func (s *DuckStore) registryKey(ctx context.Context, table string) (string, error) {
	schema, name := splitTable(table)
	if schema == "" {
		if err := s.db.QueryRowContext(ctx, "SELECT current_schema()").Scan(&schema); err != nil {
			return "", fmt.Errorf("failed to resolve schema of %s: %w", table, err)
		}
	}
	return schema + "." + name, nil
}

// RegisterSRID records the spatial reference of a geometry column.
func (s *DuckStore) RegisterSRID(ctx context.Context, table, geomCol string, srid int) error {
	key, err := s.registryKey(ctx, table)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT OR REPLACE INTO %s VALUES (?, ?, ?)", registryTable),
		key, geomCol, srid,
	)
	if err != nil {
		return fmt.Errorf("failed to register srid of %s.%s: %w", table, geomCol, err)
	}
	return nil
}

func (s *DuckStore) lookupSRID(ctx context.Context, table, geomCol string) (int, error) {
	key, err := s.registryKey(ctx, table)
	if err != nil {
		return 0, err
	}

	var srid int
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT srid FROM %s WHERE table_name = ? AND column_name = ?", registryTable),
		key, geomCol,
	).Scan(&srid)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query srid registry: %w", err)
	}
	return srid, nil
}

type duckColumn struct {
	name     string
	dataType string
}

func (s *DuckStore) columns(ctx context.Context, table string) ([]duckColumn, error) {
	schemaName, name := splitTable(table)

	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = ? AND table_schema = COALESCE(NULLIF(?, ''), current_schema())
		ORDER BY ordinal_position
	`, name, schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s: %w", table, err)
	}
	defer rows.Close()

	var out []duckColumn
	for rows.Next() {
		var c duckColumn
		if err := rows.Scan(&c.name, &c.dataType); err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// selectExpr normalises a column to the Arrow types a Layer works with.
func (c duckColumn) selectExpr(geomCol string) string {
	ident := quoteIdent(c.name)
	upper := strings.ToUpper(c.dataType)

	switch {
	case c.name == geomCol:
		return fmt.Sprintf("ST_AsWKB(%s)::BLOB AS %s", ident, ident)
	case strings.HasPrefix(upper, "GEOMETRY"):
		return fmt.Sprintf("ST_AsText(%s) AS %s", ident, ident)
	case upper == "BOOLEAN", upper == "VARCHAR", upper == "BLOB", upper == "BIGINT", upper == "DOUBLE":
		return ident
	case upper == "TINYINT", upper == "SMALLINT", upper == "INTEGER",
		upper == "UTINYINT", upper == "USMALLINT", upper == "UINTEGER":
		return fmt.Sprintf("CAST(%s AS BIGINT) AS %s", ident, ident)
	case upper == "FLOAT", upper == "REAL", strings.HasPrefix(upper, "DECIMAL"):
		return fmt.Sprintf("CAST(%s AS DOUBLE) AS %s", ident, ident)
	default:
		return fmt.Sprintf("CAST(%s AS VARCHAR) AS %s", ident, ident)
	}
}

func (s *DuckStore) LoadLayer(ctx context.Context, table, geomCol string) (*geom.Layer, error) {
	if geomCol == "" {
		geomCol = geom.DefaultGeometryColumn
	}

	cols, err := s.columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, table)
	}

	var geomColumn *duckColumn
	exprs := make([]string, 0, len(cols))
	for i := range cols {
		if cols[i].name == geomCol {
			geomColumn = &cols[i]
		}
		exprs = append(exprs, cols[i].selectExpr(geomCol))
	}

	if geomColumn == nil {
		return nil, fmt.Errorf("%w: column %q not found in %s", ErrSchema, geomCol, table)
	}
	if !strings.HasPrefix(strings.ToUpper(geomColumn.dataType), "GEOMETRY") {
		return nil, fmt.Errorf("%w: column %q of %s is %s, not a geometry", ErrSchema, geomCol, table, geomColumn.dataType)
	}

	srid, err := s.lookupSRID(ctx, table, geomCol)
	if err != nil {
		return nil, err
	}

	conn, err := s.connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get db connection: %w", err)
	}
	defer conn.Close()

	ar, err := duckdb.NewArrowFromConn(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create arrow from duckdb: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), quoteTable(table))

	reader, err := ar.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer reader.Release()

	var recs []arrow.RecordBatch
	for reader.Next() {
		rec := reader.RecordBatch()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := reader.Err(); err != nil {
		for _, rec := range recs {
			rec.Release()
		}
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}

	return geom.NewLayer(table, reader.Schema(), recs, geomCol, srid)
}

func (s *DuckStore) ReplaceTable(ctx context.Context, table string, layer *geom.Layer) error {
	key, err := s.registryKey(ctx, table)
	if err != nil {
		return err
	}

	conn, err := s.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to get db connection: %w", err)
	}
	defer conn.Close()

	ar, err := duckdb.NewArrowFromConn(conn)
	if err != nil {
		return fmt.Errorf("failed to create arrow from duckdb: %w", err)
	}

	reader, err := layer.RecordReader()
	if err != nil {
		return fmt.Errorf("failed to read layer %s: %w", layer.Name(), err)
	}
	defer reader.Release()

	release, err := ar.RegisterView(reader, "replace_source")
	if err != nil {
		return fmt.Errorf("failed to register layer view: %w", err)
	}
	defer release()

	exec := func(query string) error {
		r, err := ar.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		r.Release()
		return nil
	}

	exprs := make([]string, 0, layer.Schema().NumFields())
	for _, f := range layer.Schema().Fields() {
		ident := quoteIdent(f.Name)
		if f.Name == layer.GeometryColumn() {
			exprs = append(exprs, fmt.Sprintf("ST_GeomFromWKB(%s) AS %s", ident, ident))
			continue
		}
		exprs = append(exprs, ident)
	}

	if err := exec("BEGIN TRANSACTION"); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = exec("ROLLBACK")
		}
	}()

	if err := exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteTable(table))); err != nil {
		return fmt.Errorf("failed to drop %s: %w", table, err)
	}

	createTable := fmt.Sprintf("CREATE TABLE %s AS SELECT %s FROM replace_source", quoteTable(table), strings.Join(exprs, ", "))
	if err := exec(createTable); err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}

	register := fmt.Sprintf("INSERT OR REPLACE INTO %s VALUES (%s, %s, %d)",
		registryTable, quoteLiteral(key), quoteLiteral(layer.GeometryColumn()), layer.SRID())
	if err := exec(register); err != nil {
		return fmt.Errorf("failed to register srid of %s: %w", table, err)
	}

	if err := exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	return nil
}
