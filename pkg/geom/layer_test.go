package geom

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(x0, y0, x1, y1 float64) orb.Polygon {
	return orb.Polygon{orb.Ring{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}
}

func TestBuildLayer(t *testing.T) {
	fields := []arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "landuse", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "area_ha", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "protected", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
	}

	features := []Feature{
		{
			Attributes: map[string]Value{
				"id":        Integer(1),
				"landuse":   Text("Forest"),
				"area_ha":   Number(0.01),
				"protected": Bool(true),
			},
			Geometry: square(0, 0, 10, 10),
		},
		{
			Attributes: map[string]Value{
				"id":      Integer(2),
				"landuse": Text("Meadow"),
			},
		},
	}

	layer, err := BuildLayer("land_use", 25832, "", fields, features)
	require.NoError(t, err)
	defer layer.Release()

	assert.Equal(t, "land_use", layer.Name())
	assert.Equal(t, DefaultGeometryColumn, layer.GeometryColumn())
	assert.Equal(t, 25832, layer.SRID())
	assert.Equal(t, "EPSG:25832", layer.GetCRS())
	assert.Equal(t, int64(2), layer.NumRows())
	assert.Equal(t, []string{"id", "landuse", "area_ha", "protected"}, layer.AttributeNames())
	assert.True(t, layer.HasColumn("landuse"))
	assert.False(t, layer.HasColumn("river"))

	t.Run("decode features", func(t *testing.T) {
		decoded, err := layer.Features()
		require.NoError(t, err)
		require.Len(t, decoded, 2)

		first := decoded[0]
		assert.Equal(t, Integer(1), first.Attributes["id"])
		assert.Equal(t, Text("Forest"), first.Attributes["landuse"])
		assert.Equal(t, KindNumber, first.Attributes["area_ha"].Kind)
		assert.Equal(t, true, first.Attributes["protected"].Any())
		assert.Equal(t, square(0, 0, 10, 10), first.Geometry)
		assert.NotEmpty(t, first.WKB)

		second := decoded[1]
		assert.True(t, second.Attributes["area_ha"].IsNull())
		assert.True(t, second.Attributes["protected"].IsNull())
		assert.Nil(t, second.Geometry)
		assert.Nil(t, second.WKB)
	})

	t.Run("geometry type", func(t *testing.T) {
		kind, err := layer.GetGeometryType()
		require.NoError(t, err)
		assert.Equal(t, POLYGONAL, kind)
	})
}

func TestBuildLayerRejectsKindMismatch(t *testing.T) {
	fields := []arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}
	features := []Feature{{Attributes: map[string]Value{"id": Text("one")}}}

	_, err := BuildLayer("bad", 0, "", fields, features)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestNewLayerValidation(t *testing.T) {
	pool := memory.NewGoAllocator()

	t.Run("missing geometry column", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
		_, err := NewLayer("t", schema, nil, "geom", 0)
		assert.ErrorIs(t, err, ErrSchema)
	})

	t.Run("geometry column is not binary", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: "geom", Type: arrow.BinaryTypes.String}}, nil)
		_, err := NewLayer("t", schema, nil, "geom", 0)
		assert.ErrorIs(t, err, ErrSchema)
	})

	t.Run("no schema and no records", func(t *testing.T) {
		_, err := NewLayer("t", nil, nil, "geom", 0)
		assert.ErrorIs(t, err, ErrSchema)
	})

	t.Run("empty layer keeps schema", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{
			{Name: "name", Type: arrow.BinaryTypes.String},
			{Name: "shape", Type: arrow.BinaryTypes.LargeBinary, Nullable: true},
		}, nil)

		layer, err := NewLayer("t", schema, nil, "shape", 4326)
		require.NoError(t, err)
		assert.Equal(t, int64(0), layer.NumRows())
		assert.Equal(t, []string{"name"}, layer.AttributeNames())

		features, err := layer.Features()
		require.NoError(t, err)
		assert.Empty(t, features)

		kind, err := layer.GetGeometryType()
		require.NoError(t, err)
		assert.Equal(t, EMPTY, kind)
	})

	t.Run("record batch schema mismatch", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: "geom", Type: arrow.BinaryTypes.Binary}}, nil)
		otherSchema := arrow.NewSchema([]arrow.Field{
			{Name: "geom", Type: arrow.BinaryTypes.Binary},
			{Name: "extra", Type: arrow.PrimitiveTypes.Int64},
		}, nil)

		b := array.NewRecordBuilder(pool, otherSchema)
		defer b.Release()
		b.Field(0).(*array.BinaryBuilder).AppendNull()
		b.Field(1).(*array.Int64Builder).Append(1)
		rec := b.NewRecordBatch()
		defer rec.Release()

		_, err := NewLayer("t", schema, []arrow.RecordBatch{rec}, "geom", 0)
		assert.ErrorIs(t, err, ErrSchema)
	})

	t.Run("invalid wkb", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: "geom", Type: arrow.BinaryTypes.Binary, Nullable: true}}, nil)
		b := array.NewRecordBuilder(pool, schema)
		defer b.Release()
		b.Field(0).(*array.BinaryBuilder).Append([]byte{0x01, 0x02})
		rec := b.NewRecordBatch()

		layer, err := NewLayer("t", schema, []arrow.RecordBatch{rec}, "geom", 0)
		require.NoError(t, err)
		defer layer.Release()

		_, err = layer.Features()
		assert.Error(t, err)
	})
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name string
		g    orb.Geometry
		want GeometryType
	}{
		{"nil", nil, EMPTY},
		{"polygon", square(0, 0, 1, 1), POLYGONAL},
		{"multipolygon", orb.MultiPolygon{square(0, 0, 1, 1)}, POLYGONAL},
		{"empty polygon", orb.Polygon{}, EMPTY},
		{"line", orb.LineString{{0, 0}, {1, 1}}, LINEAL},
		{"empty line", orb.LineString{}, EMPTY},
		{"point", orb.Point{1, 2}, PUNTAL},
		{"collection", orb.Collection{orb.Point{1, 2}}, MIXED},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeOf(tt.g))
		})
	}
}

func TestGeographicSRID(t *testing.T) {
	assert.True(t, IsGeographic(4326))
	assert.False(t, IsGeographic(25832))
	assert.Equal(t, "", CRSFromSRID(0))
	assert.Equal(t, "EPSG:3857", CRSFromSRID(3857))
}
