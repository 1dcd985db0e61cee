// Package projection reprojects layers between spatial references with DuckDB's ST_Transform.
package projection

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"riparian-overlay/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/duckdb/duckdb-go/v2"
)

var ErrUnknownSRID = errors.New("unknown spatial reference")

const transformQuery = `
select
* replace (
	{{- if .Transform }}
	ST_AsWKB(ST_Transform(ST_GeomFromWKB({{.GeomCol}}), '{{.OriginCRS}}', '{{.TargetCRS}}', true))::BLOB as {{.GeomCol}}
	{{- else }}
	{{.GeomCol}}::BLOB as {{.GeomCol}}
	{{- end }}
)
from layer_source
`

// Transform returns a copy of layer with every geometry moved to targetSRID.
// Attributes and row order are kept; null geometries stay null.
func Transform(ctx context.Context, layer *geom.Layer, targetSRID int) (*geom.Layer, error) {
	if layer.SRID() <= 0 {
		return nil, fmt.Errorf("%w: layer %q has no srid", ErrUnknownSRID, layer.Name())
	}
	if targetSRID <= 0 {
		return nil, fmt.Errorf("%w: target srid %d", ErrUnknownSRID, targetSRID)
	}

	c, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	// Load the spatial extension
	db := sql.OpenDB(c)
	defer db.Close()
	if _, err := db.ExecContext(ctx, "install spatial; load spatial;"); err != nil {
		return nil, fmt.Errorf("failed to load spatial extension: %w", err)
	}

	conn, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ar, err := duckdb.NewArrowFromConn(conn)
	if err != nil {
		return nil, err
	}

	rr, err := layer.RecordReader()
	if err != nil {
		return nil, err
	}
	defer rr.Release()

	release, err := ar.RegisterView(rr, "layer_source")
	if err != nil {
		return nil, err
	}
	defer release()

	data := map[string]any{
		"GeomCol":   `"` + strings.ReplaceAll(layer.GeometryColumn(), `"`, `""`) + `"`,
		"OriginCRS": layer.GetCRS(),
		"TargetCRS": geom.CRSFromSRID(targetSRID),
		"Transform": layer.SRID() != targetSRID,
	}

	tmpl, err := template.New("transformQuery").Parse(transformQuery)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, err
	}

	outReader, err := ar.QueryContext(ctx, buf.String())
	if err != nil {
		return nil, fmt.Errorf("failed to transform %s to %s: %w", layer.GetCRS(), geom.CRSFromSRID(targetSRID), err)
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

	return geom.NewLayer(layer.Name(), outReader.Schema(), recs, layer.GeometryColumn(), targetSRID)
}
