package geom

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paulmach/orb/encoding/wkb"
)

// BuildLayer assembles a Layer from decoded features. fields describe the attribute
// columns (Int64, Float64, Boolean or String); the WKB geometry column is appended last.
func BuildLayer(name string, srid int, geomCol string, fields []arrow.Field, features []Feature) (*Layer, error) {
	if geomCol == "" {
		geomCol = DefaultGeometryColumn
	}

	all := make([]arrow.Field, 0, len(fields)+1)
	for _, f := range fields {
		if f.Name == geomCol {
			return nil, fmt.Errorf("%w: attribute %q clashes with the geometry column", ErrSchema, f.Name)
		}
		all = append(all, f)
	}
	all = append(all, arrow.Field{Name: geomCol, Type: arrow.BinaryTypes.Binary, Nullable: true})

	schema := arrow.NewSchema(all, nil)

	pool := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(pool, schema)
	defer builder.Release()

	for rowIdx, f := range features {
		for i, field := range fields {
			if err := appendValue(builder.Field(i), f.Attributes[field.Name]); err != nil {
				return nil, fmt.Errorf("%w: row %d column %q: %v", ErrSchema, rowIdx, field.Name, err)
			}
		}

		geomBuilder := builder.Field(len(fields)).(*array.BinaryBuilder)
		switch {
		case f.WKB != nil:
			geomBuilder.Append(f.WKB)
		case f.Geometry != nil:
			raw, err := wkb.Marshal(f.Geometry)
			if err != nil {
				return nil, fmt.Errorf("encode geometry at row %d: %w", rowIdx, err)
			}
			geomBuilder.Append(raw)
		default:
			geomBuilder.AppendNull()
		}
	}

	rec := builder.NewRecordBatch()

	return NewLayer(name, schema, []arrow.RecordBatch{rec}, geomCol, srid)
}

func appendValue(b array.Builder, v Value) error {
	if v.Kind == KindNull {
		b.AppendNull()
		return nil
	}

	switch fb := b.(type) {
	case *array.Int64Builder:
		if v.Kind != KindInteger {
			return fmt.Errorf("expected integer, got %s", v.Kind)
		}
		fb.Append(v.Integer)
	case *array.Float64Builder:
		switch v.Kind {
		case KindNumber:
			fb.Append(v.Number)
		case KindInteger:
			fb.Append(float64(v.Integer))
		default:
			return fmt.Errorf("expected number, got %s", v.Kind)
		}
	case *array.BooleanBuilder:
		if v.Kind != KindBool {
			return fmt.Errorf("expected bool, got %s", v.Kind)
		}
		fb.Append(v.Bool)
	case *array.StringBuilder:
		fb.Append(v.String())
	default:
		return fmt.Errorf("unsupported column type %s", b.Type())
	}

	return nil
}
