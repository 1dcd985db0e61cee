package sink

import (
	"context"
	stdcsv "encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"riparian-overlay/pkg/geom"
	"riparian-overlay/pkg/store"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var forest = orb.Polygon{orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}

func resultLayer(t *testing.T, features ...geom.Feature) *geom.Layer {
	t.Helper()

	fields := []arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "landuse", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "watercourse_ref", Type: arrow.BinaryTypes.String, Nullable: true},
	}

	layer, err := geom.BuildLayer("landuse_results", 25832, "geom", fields, features)
	require.NoError(t, err)
	return layer
}

func sampleFeatures() []geom.Feature {
	return []geom.Feature{
		{
			Attributes: map[string]geom.Value{
				"id":              geom.Integer(1),
				"landuse":         geom.Text("Forest"),
				"watercourse_ref": geom.Text("1"),
			},
			Geometry: forest,
		},
		{
			Attributes: map[string]geom.Value{
				"id":              geom.Integer(2),
				"landuse":         geom.Null(),
				"watercourse_ref": geom.Text("1"),
			},
		},
	}
}

func readDelimited(t *testing.T, path string, comma rune) [][]string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := stdcsv.NewReader(f)
	r.Comma = comma
	rows, err := r.ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteFileCSV(t *testing.T) {
	dir := t.TempDir()

	t.Run("header rows and wkt geometry", func(t *testing.T) {
		layer := resultLayer(t, sampleFeatures()...)
		defer layer.Release()

		path := filepath.Join(dir, "filtered_land_use_results.csv")
		require.NoError(t, os.WriteFile(path, []byte("stale contents\nstale\n"), 0o644))

		require.NoError(t, WriteFile(path, layer, FileOptions{}))

		rows := readDelimited(t, path, ',')
		require.Len(t, rows, 3)
		assert.Equal(t, []string{"id", "landuse", "watercourse_ref", "geom"}, rows[0])

		assert.Equal(t, []string{"1", "Forest", "1"}, rows[1][:3])
		g, err := wkt.Unmarshal(rows[1][3])
		require.NoError(t, err)
		assert.Equal(t, forest, g)

		// Nulls are written as empty fields.
		assert.Equal(t, []string{"2", "", "1", ""}, rows[2])
	})

	t.Run("custom delimiter", func(t *testing.T) {
		layer := resultLayer(t, sampleFeatures()...)
		defer layer.Release()

		path := filepath.Join(dir, "semicolon.csv")
		require.NoError(t, WriteFile(path, layer, FileOptions{Delimiter: ';'}))

		rows := readDelimited(t, path, ';')
		require.Len(t, rows, 3)
		assert.Equal(t, "Forest", rows[1][1])
	})

	t.Run("empty result still has a header", func(t *testing.T) {
		layer := resultLayer(t)
		defer layer.Release()

		path := filepath.Join(dir, "empty.csv")
		require.NoError(t, WriteFile(path, layer, FileOptions{}))

		rows := readDelimited(t, path, ',')
		require.Len(t, rows, 1)
		assert.Equal(t, []string{"id", "landuse", "watercourse_ref", "geom"}, rows[0])
	})

	t.Run("unwritable path", func(t *testing.T) {
		layer := resultLayer(t, sampleFeatures()...)
		defer layer.Release()

		err := WriteFile(filepath.Join(dir, "missing", "out.csv"), layer, FileOptions{})
		assert.ErrorIs(t, err, ErrIO)
	})

	t.Run("invalid delimiter", func(t *testing.T) {
		layer := resultLayer(t, sampleFeatures()...)
		defer layer.Release()

		err := WriteFile(filepath.Join(dir, "quote.csv"), layer, FileOptions{Delimiter: '"'})
		assert.ErrorIs(t, err, ErrIO)
	})
}

func TestWriteFileParquet(t *testing.T) {
	layer := resultLayer(t, sampleFeatures()...)
	defer layer.Release()

	path := filepath.Join(t.TempDir(), "results.parquet")
	require.NoError(t, WriteFile(path, layer, FileOptions{}))

	pf, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	defer pf.Close()

	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: 1024}, memory.NewGoAllocator())
	require.NoError(t, err)

	table, err := reader.ReadTable(context.Background())
	require.NoError(t, err)
	defer table.Release()

	assert.Equal(t, int64(2), table.NumRows())
	assert.Equal(t, int64(4), table.NumCols())
	assert.Equal(t, "geom", table.Schema().Field(3).Name)
}

func TestWriteFileGeoJSON(t *testing.T) {
	layer := resultLayer(t, sampleFeatures()...)
	defer layer.Release()

	path := filepath.Join(t.TempDir(), "results.geojson")
	require.NoError(t, WriteFile(path, layer, FileOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	assert.Equal(t, forest, fc.Features[0].Geometry)
	assert.Equal(t, "Forest", fc.Features[0].Properties["landuse"])
	assert.Equal(t, "1", fc.Features[0].Properties["watercourse_ref"])
	assert.Nil(t, fc.Features[1].Properties["landuse"])
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, CSV, FormatFor("out.csv"))
	assert.Equal(t, CSV, FormatFor("out.txt"))
	assert.Equal(t, CSV, FormatFor("out"))
	assert.Equal(t, Parquet, FormatFor("out.PARQUET"))
	assert.Equal(t, GeoJSON, FormatFor("out.geojson"))
	assert.Equal(t, GeoJSON, FormatFor("out.json"))
}

type failingStore struct {
	store.Store
	err error
}

func (s failingStore) ReplaceTable(context.Context, string, *geom.Layer) error {
	return s.err
}

func TestWriteTable(t *testing.T) {
	ctx := context.Background()

	t.Run("replace and reload", func(t *testing.T) {
		s, err := store.OpenDuckDB(ctx, "")
		require.NoError(t, err)
		defer s.Close()

		layer := resultLayer(t, sampleFeatures()...)
		defer layer.Release()

		require.NoError(t, WriteTable(ctx, s, "landuse_results", layer))

		loaded, err := s.LoadLayer(ctx, "landuse_results", "geom")
		require.NoError(t, err)
		defer loaded.Release()

		assert.Equal(t, 25832, loaded.SRID())
		got, err := loaded.Features()
		require.NoError(t, err)
		want, err := layer.Features()
		require.NoError(t, err)

		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].Attributes, got[i].Attributes)
			assert.Equal(t, want[i].Geometry, got[i].Geometry)
		}
	})

	t.Run("store failure is a write error", func(t *testing.T) {
		layer := resultLayer(t, sampleFeatures()...)
		defer layer.Release()

		err := WriteTable(ctx, failingStore{err: errors.New("connection reset")}, "landuse_results", layer)
		assert.ErrorIs(t, err, ErrWrite)
		assert.True(t, strings.Contains(err.Error(), "landuse_results"))
	})
}
