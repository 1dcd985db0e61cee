package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"riparian-overlay/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/jackc/pgx/v5"
)

// PostGISStore reads and writes geometry tables on a PostGIS-enabled Postgres server.
type PostGISStore struct {
	conn *pgx.Conn
}

func OpenPostGIS(ctx context.Context, connStr string) (*PostGISStore, error) {
	cfg, err := pgx.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid connection string: %v", ErrConnection, err)
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s:%d/%s: %v", ErrConnection, cfg.Host, cfg.Port, cfg.Database, err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("%w: ping %s: %v", ErrConnection, cfg.Host, err)
	}

	var hasPostGIS bool
	err = conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'postgis')").Scan(&hasPostGIS)
	if err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("%w: failed to query extensions: %v", ErrConnection, err)
	}
	if !hasPostGIS {
		conn.Close(ctx)
		return nil, fmt.Errorf("%w: postgis extension is not installed in %s", ErrConnection, cfg.Database)
	}

	return &PostGISStore{conn: conn}, nil
}

func (s *PostGISStore) Close() error {
	return s.conn.Close(context.Background())
}

func pgIdent(table string) pgx.Identifier {
	schema, name := splitTable(table)
	if schema == "" {
		return pgx.Identifier{name}
	}
	return pgx.Identifier{schema, name}
}

type pgColumn struct {
	name    string
	typname string
}

// arrowField and selectExpr must agree: every column is cast server-side to
// int8, float8, bool, text or WKB bytea.
func (c pgColumn) arrowField(geomCol string) arrow.Field {
	switch {
	case c.name == geomCol:
		return arrow.Field{Name: c.name, Type: arrow.BinaryTypes.Binary, Nullable: true}
	case c.typname == "int2", c.typname == "int4", c.typname == "int8", c.typname == "oid":
		return arrow.Field{Name: c.name, Type: arrow.PrimitiveTypes.Int64, Nullable: true}
	case c.typname == "float4", c.typname == "float8", c.typname == "numeric":
		return arrow.Field{Name: c.name, Type: arrow.PrimitiveTypes.Float64, Nullable: true}
	case c.typname == "bool":
		return arrow.Field{Name: c.name, Type: arrow.FixedWidthTypes.Boolean, Nullable: true}
	default:
		return arrow.Field{Name: c.name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
}

func (c pgColumn) selectExpr(geomCol string) string {
	ident := pgx.Identifier{c.name}.Sanitize()

	switch c.arrowField(geomCol).Type.ID() {
	case arrow.BINARY:
		return fmt.Sprintf("ST_AsBinary(%s) AS %s", ident, ident)
	case arrow.INT64:
		return fmt.Sprintf("%s::int8 AS %s", ident, ident)
	case arrow.FLOAT64:
		return fmt.Sprintf("%s::float8 AS %s", ident, ident)
	case arrow.BOOL:
		return ident
	}

	if c.typname == "geometry" || c.typname == "geography" {
		return fmt.Sprintf("ST_AsText(%s) AS %s", ident, ident)
	}
	return fmt.Sprintf("%s::text AS %s", ident, ident)
}

func (s *PostGISStore) columns(ctx context.Context, qualified string) ([]pgColumn, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT a.attname, t.typname
		FROM pg_attribute a
		JOIN pg_type t ON t.oid = a.atttypid
		WHERE a.attrelid = to_regclass($1) AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum
	`, qualified)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s: %w", qualified, err)
	}
	defer rows.Close()

	var out []pgColumn
	for rows.Next() {
		var c pgColumn
		if err := rows.Scan(&c.name, &c.typname); err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

func (s *PostGISStore) srid(ctx context.Context, table, geomCol string) (int, error) {
	schema, name := splitTable(table)

	var srid int
	err := s.conn.QueryRow(ctx, `
		SELECT COALESCE((
			SELECT srid FROM geometry_columns
			WHERE f_table_schema = COALESCE(NULLIF($1, ''), current_schema())
			AND f_table_name = $2 AND f_geometry_column = $3
			LIMIT 1
		), 0)
	`, schema, name, geomCol).Scan(&srid)
	if err != nil {
		return 0, fmt.Errorf("failed to query geometry_columns: %w", err)
	}
	if srid != 0 {
		return srid, nil
	}

	// Unconstrained geometry column: fall back to the first stored geometry.
	col := pgx.Identifier{geomCol}.Sanitize()
	query := fmt.Sprintf("SELECT ST_SRID(%s) FROM %s WHERE %s IS NOT NULL LIMIT 1", col, pgIdent(table).Sanitize(), col)
	err = s.conn.QueryRow(ctx, query).Scan(&srid)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query srid of %s: %w", table, err)
	}
	return srid, nil
}

func (s *PostGISStore) LoadLayer(ctx context.Context, table, geomCol string) (*geom.Layer, error) {
	if geomCol == "" {
		geomCol = geom.DefaultGeometryColumn
	}
	qualified := pgIdent(table).Sanitize()

	var exists bool
	if err := s.conn.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", qualified).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", table, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, table)
	}

	cols, err := s.columns(ctx, qualified)
	if err != nil {
		return nil, err
	}

	found := false
	fields := make([]arrow.Field, 0, len(cols))
	exprs := make([]string, 0, len(cols))
	for _, c := range cols {
		if c.name == geomCol {
			if c.typname != "geometry" {
				return nil, fmt.Errorf("%w: column %q of %s is %s, not a geometry", ErrSchema, geomCol, table, c.typname)
			}
			found = true
		}
		fields = append(fields, c.arrowField(geomCol))
		exprs = append(exprs, c.selectExpr(geomCol))
	}
	if !found {
		return nil, fmt.Errorf("%w: column %q not found in %s", ErrSchema, geomCol, table)
	}

	srid, err := s.srid(ctx, table, geomCol)
	if err != nil {
		return nil, err
	}

	schema := arrow.NewSchema(fields, nil)
	pool := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(pool, schema)
	defer builder.Release()

	rows, err := s.conn.Query(ctx, fmt.Sprintf("SELECT %s FROM %s", strings.Join(exprs, ", "), qualified))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to decode row of %s: %w", table, err)
		}
		for i, v := range values {
			if err := appendPG(builder.Field(i), v); err != nil {
				return nil, fmt.Errorf("%w: column %q of %s: %v", ErrSchema, fields[i].Name, table, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}

	rec := builder.NewRecordBatch()

	return geom.NewLayer(table, schema, []arrow.RecordBatch{rec}, geomCol, srid)
}

func appendPG(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}

	switch fb := b.(type) {
	case *array.Int64Builder:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("unexpected %T for int8", v)
		}
		fb.Append(n)
	case *array.Float64Builder:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("unexpected %T for float8", v)
		}
		fb.Append(f)
	case *array.BooleanBuilder:
		t, ok := v.(bool)
		if !ok {
			return fmt.Errorf("unexpected %T for bool", v)
		}
		fb.Append(t)
	case *array.BinaryBuilder:
		raw, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("unexpected %T for bytea", v)
		}
		fb.Append(raw)
	case *array.StringBuilder:
		fb.Append(fmt.Sprint(v))
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}

	return nil
}

func pgType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64, arrow.UINT8, arrow.UINT16, arrow.UINT32:
		return "bigint"
	case arrow.FLOAT32, arrow.FLOAT64:
		return "double precision"
	case arrow.BOOL:
		return "boolean"
	default:
		return "text"
	}
}

func pgValue(colType string, v geom.Value) any {
	if v.IsNull() {
		return nil
	}
	switch colType {
	case "bigint":
		if v.Kind == geom.KindInteger {
			return v.Integer
		}
	case "double precision":
		switch v.Kind {
		case geom.KindNumber:
			return v.Number
		case geom.KindInteger:
			return float64(v.Integer)
		}
	case "boolean":
		if v.Kind == geom.KindBool {
			return v.Bool
		}
	}
	return v.String()
}

func (s *PostGISStore) ReplaceTable(ctx context.Context, table string, layer *geom.Layer) error {
	qualified := pgIdent(table).Sanitize()
	geomCol := layer.GeometryColumn()

	geomType := "geometry"
	geomExpr := "ST_GeomFromWKB($%d)"
	if layer.SRID() > 0 {
		geomType = fmt.Sprintf("geometry(Geometry, %d)", layer.SRID())
		geomExpr = fmt.Sprintf("ST_GeomFromWKB($%%d, %d)", layer.SRID())
	}

	fields := layer.Schema().Fields()
	defs := make([]string, 0, len(fields))
	names := make([]string, 0, len(fields))
	params := make([]string, 0, len(fields))
	colTypes := make([]string, len(fields))

	for i, f := range fields {
		ident := pgx.Identifier{f.Name}.Sanitize()
		names = append(names, ident)

		if f.Name == geomCol {
			defs = append(defs, fmt.Sprintf("%s %s", ident, geomType))
			params = append(params, fmt.Sprintf(geomExpr, i+1))
			continue
		}

		colTypes[i] = pgType(f.Type)
		defs = append(defs, fmt.Sprintf("%s %s", ident, colTypes[i]))
		params = append(params, fmt.Sprintf("$%d", i+1))
	}

	features, err := layer.Features()
	if err != nil {
		return err
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Rollback if not committed

	if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", qualified)); err != nil {
		return fmt.Errorf("failed to drop %s: %w", table, err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", qualified, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}

	if len(features) > 0 {
		insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", qualified, strings.Join(names, ", "), strings.Join(params, ", "))

		batch := &pgx.Batch{}
		for _, feature := range features {
			args := make([]any, len(fields))
			for i, f := range fields {
				if f.Name == geomCol {
					if feature.WKB != nil {
						args[i] = feature.WKB
					}
					continue
				}
				args[i] = pgValue(colTypes[i], feature.Attributes[f.Name])
			}
			batch.Queue(insert, args...)
		}

		br := tx.SendBatch(ctx, batch)
		for range len(features) {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("failed to insert into %s: %w", table, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
