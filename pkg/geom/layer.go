package geom

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/paulmach/orb"
)

// ErrSchema is returned when a layer's columns do not match what is required of it.
var ErrSchema = errors.New("schema error")

const DefaultGeometryColumn = "geom"

// Layer is an ordered collection of records held as Arrow record batches.
// The geometry column stores ISO WKB; a null value means the record has no geometry.
type Layer struct {
	name    string
	schema  *arrow.Schema
	records []arrow.RecordBatch
	geomCol string
	srid    int
}

// Feature is one decoded record of a layer.
type Feature struct {
	Attributes map[string]Value
	Geometry   orb.Geometry
	WKB        []byte
}

// NewLayer wraps record batches into a Layer. The schema is required when there are no records.
func NewLayer(name string, schema *arrow.Schema, records []arrow.RecordBatch, geomCol string, srid int) (*Layer, error) {
	if geomCol == "" {
		geomCol = DefaultGeometryColumn
	}

	if schema == nil {
		if len(records) == 0 {
			return nil, fmt.Errorf("%w: layer %q has neither schema nor records", ErrSchema, name)
		}
		schema = records[0].Schema()
	}

	out := &Layer{
		name:    name,
		schema:  schema,
		records: records,
		geomCol: geomCol,
		srid:    srid,
	}

	if err := out.validate(); err != nil {
		return nil, err
	}

	return out, nil
}

func (l *Layer) validate() error {
	indices := l.schema.FieldIndices(l.geomCol)
	if len(indices) == 0 {
		return fmt.Errorf("%w: geometry column %q not found in layer %q", ErrSchema, l.geomCol, l.name)
	}

	field := l.schema.Field(indices[0])
	if !isBinary(field.Type) {
		return fmt.Errorf("%w: geometry column %q of layer %q is %s, expected WKB binary", ErrSchema, l.geomCol, l.name, field.Type)
	}

	for i, rec := range l.records {
		if !rec.Schema().Equal(l.schema) {
			return fmt.Errorf("%w: record batch %d of layer %q does not match the layer schema", ErrSchema, i, l.name)
		}
	}

	return nil
}

func isBinary(t arrow.DataType) bool {
	switch t.ID() {
	case arrow.BINARY, arrow.LARGE_BINARY:
		return true
	}
	return false
}

// Name of the layer, usually the table it was loaded from
func (l *Layer) Name() string {
	return l.name
}

func (l *Layer) Schema() *arrow.Schema {
	return l.schema
}

// Get Apache Arrow Records of the layer
func (l *Layer) GetRecords() []arrow.RecordBatch {
	return l.records
}

func (l *Layer) GeometryColumn() string {
	return l.geomCol
}

func (l *Layer) SRID() int {
	return l.srid
}

// Get CRS as an EPSG string, empty when the SRID is unknown
func (l *Layer) GetCRS() string {
	return CRSFromSRID(l.srid)
}

func (l *Layer) NumRows() int64 {
	var n int64
	for _, rec := range l.records {
		n += rec.NumRows()
	}
	return n
}

// AttributeNames lists the non-geometry columns in schema order.
func (l *Layer) AttributeNames() []string {
	out := make([]string, 0, l.schema.NumFields())
	for _, f := range l.schema.Fields() {
		if f.Name == l.geomCol {
			continue
		}
		out = append(out, f.Name)
	}
	return out
}

// HasColumn reports whether the layer schema has a column with the given name.
func (l *Layer) HasColumn(name string) bool {
	return len(l.schema.FieldIndices(name)) > 0
}

// RecordReader returns a reader over the layer's records. The caller releases it.
func (l *Layer) RecordReader() (array.RecordReader, error) {
	return array.NewRecordReader(l.schema, l.records)
}

// Release the Apache Arrow Records buffer
func (l *Layer) Release() {
	for _, rec := range l.records {
		rec.Release()
	}
	l.records = nil
}

// Features decodes every record into tagged attribute values and an orb geometry.
func (l *Layer) Features() ([]Feature, error) {
	out := make([]Feature, 0, l.NumRows())

	for _, batch := range l.records {
		schema := batch.Schema()
		numRows := int(batch.NumRows())

		for rowIdx := range numRows {
			feature := Feature{Attributes: make(map[string]Value, schema.NumFields()-1)}

			for colIdx := range int(batch.NumCols()) {
				name := schema.Field(colIdx).Name
				col := batch.Column(colIdx)

				if name == l.geomCol {
					raw := binaryAt(col, rowIdx)
					if raw == nil {
						continue
					}
					g, err := DecodeWKB(raw)
					if err != nil {
						return nil, fmt.Errorf("layer %q row %d: %w", l.name, len(out), err)
					}
					feature.WKB = raw
					feature.Geometry = g
					continue
				}

				feature.Attributes[name] = valueAt(col, rowIdx)
			}

			out = append(out, feature)
		}
	}

	return out, nil
}

// GetGeometryType classifies the layer by the geometries it holds.
func (l *Layer) GetGeometryType() (GeometryType, error) {
	features, err := l.Features()
	if err != nil {
		return "", err
	}

	kind := EMPTY
	for _, f := range features {
		t := TypeOf(f.Geometry)
		if t == EMPTY {
			continue
		}
		if kind == EMPTY {
			kind = t
		} else if kind != t {
			return MIXED, nil
		}
	}

	return kind, nil
}
