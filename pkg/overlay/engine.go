// Package overlay buffers watercourse lines and selects the land-use polygons
// that overlap the buffers with a non-zero area.
package overlay

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"text/template"

	"riparian-overlay/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/duckdb/duckdb-go/v2"
)

var (
	ErrSpatialReferenceMismatch = errors.New("spatial reference mismatch")
	ErrInvalidDistance          = errors.New("invalid buffer distance")
)

const (
	DefaultRefAlias = "watercourse_ref"
	DefaultQuadSegs = 8
	ResultName      = "overlay_result"

	fidCol   = "__overlay_fid"
	shapeCol = "__overlay_shape"
)

// Options control a single overlay run. Zero values pick the defaults.
type Options struct {
	Distance float64
	// Dissolve unions all buffers before matching and emits one row per land-use polygon.
	Dissolve bool
	// RefColumn names the watercourse attribute written to the reference column.
	// Empty means the 1-based position of the watercourse in its layer.
	RefColumn string
	RefAlias  string
	QuadSegs  int
}

func (o Options) withDefaults() Options {
	if o.RefAlias == "" {
		o.RefAlias = DefaultRefAlias
	}
	if o.QuadSegs <= 0 {
		o.QuadSegs = DefaultQuadSegs
	}
	return o
}

// Validate checks the preconditions of an overlay before anything is computed.
func Validate(landUse, watercourses *geom.Layer, distance float64) error {
	if math.IsNaN(distance) || math.IsInf(distance, 0) || distance <= 0 {
		return fmt.Errorf("%w: %v, must be a finite value greater than zero", ErrInvalidDistance, distance)
	}

	if landUse.SRID() != watercourses.SRID() {
		return fmt.Errorf(
			"%w: %s is %s, %s is %s",
			ErrSpatialReferenceMismatch,
			landUse.Name(), sridLabel(landUse.SRID()),
			watercourses.Name(), sridLabel(watercourses.SRID()),
		)
	}

	return nil
}

func sridLabel(srid int) string {
	if srid <= 0 {
		return "an unknown reference"
	}
	return geom.CRSFromSRID(srid)
}

// Engine runs overlays on a private in-memory DuckDB database with the spatial
// extension loaded. It is not safe for concurrent use.
type Engine struct {
	connector *duckdb.Connector
	db        *sql.DB
	conn      driver.Conn
	ar        *duckdb.Arrow
}

func NewEngine(ctx context.Context) (*Engine, error) {
	c, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create duckdb connector: %w", err)
	}

	// Open database connection
	db := sql.OpenDB(c)
	if _, err := db.ExecContext(ctx, "install spatial; load spatial;"); err != nil {
		db.Close()
		c.Close()
		return nil, fmt.Errorf("failed to load spatial extension: %w", err)
	}

	conn, err := c.Connect(ctx)
	if err != nil {
		db.Close()
		c.Close()
		return nil, fmt.Errorf("failed to get db connection: %w", err)
	}

	ar, err := duckdb.NewArrowFromConn(conn)
	if err != nil {
		conn.Close()
		db.Close()
		c.Close()
		return nil, fmt.Errorf("failed to create arrow from duckdb: %w", err)
	}

	return &Engine{
		connector: c,
		db:        db,
		conn:      conn,
		ar:        ar,
	}, nil
}

func (e *Engine) Close() error {
	err := e.conn.Close()
	if cerr := e.db.Close(); err == nil {
		err = cerr
	}
	if cerr := e.connector.Close(); err == nil {
		err = cerr
	}
	return err
}

// Run returns the land-use records whose polygons overlap a watercourse buffer.
// The result keeps the land-use columns and their order, adds the reference
// column last and carries the untouched land-use geometry.
func (e *Engine) Run(ctx context.Context, landUse, watercourses *geom.Layer, opts Options) (*geom.Layer, error) {
	opts = opts.withDefaults()

	if err := Validate(landUse, watercourses, opts.Distance); err != nil {
		return nil, err
	}

	schema, err := resultSchema(landUse, watercourses, opts)
	if err != nil {
		return nil, err
	}

	if landUse.NumRows() == 0 || watercourses.NumRows() == 0 {
		return geom.NewLayer(ResultName, schema, nil, landUse.GeometryColumn(), landUse.SRID())
	}

	defer e.dropTemp(ctx)

	landUseQuery := fmt.Sprintf(
		"create or replace temp table land_use_tmp as select *, ST_GeomFromWKB(%s) as %s from land_use_source",
		ident(landUse.GeometryColumn()), shapeCol,
	)
	if err := e.materialize(ctx, landUse, "land_use_source", landUseQuery); err != nil {
		return nil, fmt.Errorf("failed to stage %s: %w", landUse.Name(), err)
	}

	bufferQuery, err := render(bufferTemplate, map[string]any{
		"FidCol":   fidCol,
		"RefExpr":  refExpr(opts.RefColumn),
		"GeomCol":  ident(watercourses.GeometryColumn()),
		"Distance": strconv.FormatFloat(opts.Distance, 'g', -1, 64),
		"QuadSegs": opts.QuadSegs,
	})
	if err != nil {
		return nil, err
	}
	if err := e.materialize(ctx, watercourses, "watercourse_source", bufferQuery); err != nil {
		return nil, fmt.Errorf("failed to buffer %s: %w", watercourses.Name(), err)
	}

	tmpl := pairwiseTemplate
	if opts.Dissolve {
		tmpl = dissolveTemplate
	}
	query, err := render(tmpl, map[string]any{
		"FidCol":   fidCol,
		"ShapeCol": shapeCol,
		"Alias":    ident(opts.RefAlias),
	})
	if err != nil {
		return nil, err
	}

	outReader, err := e.ar.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to intersect %s with buffered %s: %w", landUse.Name(), watercourses.Name(), err)
	}
	defer outReader.Release()

	var recs []arrow.RecordBatch
	for outReader.Next() {
		rec := outReader.RecordBatch()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := outReader.Err(); err != nil {
		for _, rec := range recs {
			rec.Release()
		}
		return nil, err
	}

	return geom.NewLayer(ResultName, outReader.Schema(), recs, landUse.GeometryColumn(), landUse.SRID())
}

// resultSchema is the land-use schema with the reference column appended.
func resultSchema(landUse, watercourses *geom.Layer, opts Options) (*arrow.Schema, error) {
	if opts.RefColumn != "" {
		if !watercourses.HasColumn(opts.RefColumn) || opts.RefColumn == watercourses.GeometryColumn() {
			return nil, fmt.Errorf("%w: reference column %q is not an attribute of %s", geom.ErrSchema, opts.RefColumn, watercourses.Name())
		}
	}
	if landUse.HasColumn(opts.RefAlias) {
		return nil, fmt.Errorf("%w: reference column %q already exists in %s", geom.ErrSchema, opts.RefAlias, landUse.Name())
	}
	for _, name := range []string{fidCol, shapeCol} {
		if landUse.HasColumn(name) || watercourses.HasColumn(name) {
			return nil, fmt.Errorf("%w: column name %q is reserved", geom.ErrSchema, name)
		}
	}

	fields := append([]arrow.Field{}, landUse.Schema().Fields()...)
	fields = append(fields, arrow.Field{Name: opts.RefAlias, Type: arrow.BinaryTypes.String, Nullable: true})

	return arrow.NewSchema(fields, nil), nil
}

// materialize registers layer as a view (with a 1-based ordinal column) and runs
// query against it. Arrow views can only be scanned once, so query is expected to
// copy the rows into a temp table.
func (e *Engine) materialize(ctx context.Context, layer *geom.Layer, view, query string) error {
	rr, err := withOrdinal(layer)
	if err != nil {
		return err
	}
	defer rr.Release()

	release, err := e.ar.RegisterView(rr, view)
	if err != nil {
		return err
	}
	defer release()

	return e.exec(ctx, query)
}

func (e *Engine) exec(ctx context.Context, query string) error {
	r, err := e.ar.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	r.Release()
	return nil
}

func (e *Engine) dropTemp(ctx context.Context) {
	_ = e.exec(ctx, "drop table if exists land_use_tmp")
	_ = e.exec(ctx, "drop table if exists buffer_tmp")
}

// withOrdinal prepends the row ordinal to every record of the layer.
func withOrdinal(layer *geom.Layer) (array.RecordReader, error) {
	fields := append([]arrow.Field{{Name: fidCol, Type: arrow.PrimitiveTypes.Int64}}, layer.Schema().Fields()...)
	schema := arrow.NewSchema(fields, nil)

	pool := memory.NewGoAllocator()
	builder := array.NewInt64Builder(pool)
	defer builder.Release()

	var recs []arrow.RecordBatch
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()

	var next int64 = 1
	for _, batch := range layer.GetRecords() {
		for range int(batch.NumRows()) {
			builder.Append(next)
			next++
		}
		fids := builder.NewArray()

		cols := append([]arrow.Array{fids}, batch.Columns()...)
		recs = append(recs, array.NewRecordBatch(schema, cols, batch.NumRows()))
		fids.Release()
	}

	return array.NewRecordReader(schema, recs)
}

func refExpr(refColumn string) string {
	if refColumn == "" {
		return fmt.Sprintf("cast(%s as varchar)", fidCol)
	}
	return fmt.Sprintf("cast(%s as varchar)", ident(refColumn))
}

func ident(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func render(text string, data map[string]any) (string, error) {
	tmpl, err := template.New("queryTemplate").Parse(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Null and empty watercourse geometries produce no buffer.
const bufferTemplate = `
create or replace temp table buffer_tmp as
with
buffered as (
select
{{.FidCol}},
{{.RefExpr}} as ref,
ST_Buffer(ST_GeomFromWKB({{.GeomCol}}), {{.Distance}}, {{.QuadSegs}}) as buf
from watercourse_source
where {{.GeomCol}} is not null
)
select * from buffered
where buf is not null and not ST_IsEmpty(buf)
`

const pairwiseTemplate = `
select
l.* exclude ({{.FidCol}}, {{.ShapeCol}}),
b.ref as {{.Alias}}
from land_use_tmp as l
join buffer_tmp as b
on ST_Intersects(l.{{.ShapeCol}}, b.buf)
and ST_Area(ST_Intersection(l.{{.ShapeCol}}, b.buf)) > 0
order by l.{{.FidCol}}, b.{{.FidCol}}
`

const dissolveTemplate = `
with
region as (
select ST_Union_Agg(buf) as buf from buffer_tmp
),
matched as (
select l.{{.FidCol}}
from land_use_tmp as l, region as r
where ST_Intersects(l.{{.ShapeCol}}, r.buf)
and ST_Area(ST_Intersection(l.{{.ShapeCol}}, r.buf)) > 0
)
select
l.* exclude ({{.FidCol}}, {{.ShapeCol}}),
(
	select string_agg(b.ref, ',' order by b.{{.FidCol}})
	from buffer_tmp as b
	where ST_Intersects(l.{{.ShapeCol}}, b.buf)
	and ST_Area(ST_Intersection(l.{{.ShapeCol}}, b.buf)) > 0
) as {{.Alias}}
from land_use_tmp as l
where l.{{.FidCol}} in (select {{.FidCol}} from matched)
order by l.{{.FidCol}}
`
