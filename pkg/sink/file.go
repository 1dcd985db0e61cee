package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"riparian-overlay/pkg/geom"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

var ErrIO = errors.New("io error")

type Format string

const (
	CSV     Format = "csv"
	Parquet Format = "parquet"
	GeoJSON Format = "geojson"
)

// FileOptions tune the file writer. The zero value writes comma separated text.
type FileOptions struct {
	// Delimiter is the field separator of delimited text output.
	Delimiter rune
	// Format overrides the format picked from the file extension.
	Format Format
}

// FormatFor picks the output format from the path extension, defaulting to delimited text.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return Parquet
	case ".geojson", ".json":
		return GeoJSON
	}
	return CSV
}

// WriteFile writes every record of the layer to path, replacing any existing file.
func WriteFile(path string, layer *geom.Layer, opts FileOptions) error {
	format := opts.Format
	if format == "" {
		format = FormatFor(path)
	}

	var err error
	switch format {
	case CSV:
		err = writeCSV(path, layer, opts.Delimiter)
	case Parquet:
		err = writeParquet(path, layer)
	case GeoJSON:
		err = writeGeoJSON(path, layer)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}

	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}
	return nil
}

func writeCSV(path string, layer *geom.Layer, delimiter rune) error {
	if delimiter == 0 {
		delimiter = ','
	}
	if delimiter == '"' || delimiter == '\r' || delimiter == '\n' || !utf8.ValidRune(delimiter) || delimiter == utf8.RuneError {
		return fmt.Errorf("invalid delimiter %q", delimiter)
	}

	textSchema := wktSchema(layer)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(
		f,
		textSchema,
		csv.WithComma(delimiter),
		csv.WithHeader(true),
		csv.WithNullWriter(""),
	)

	// The header goes out with the first batch, so an empty layer still writes one.
	batches := layer.GetRecords()
	if len(batches) == 0 {
		empty := array.NewRecordBuilder(memory.NewGoAllocator(), layer.Schema())
		defer empty.Release()
		rec := empty.NewRecordBatch()
		defer rec.Release()
		batches = []arrow.RecordBatch{rec}
	}

	for _, batch := range batches {
		rec, err := wktRecord(textSchema, batch, layer.GeometryColumn())
		if err != nil {
			return err
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return fmt.Errorf("failed to write record batch: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	return f.Close()
}

// wktSchema swaps the WKB geometry column for a WKT text column.
func wktSchema(layer *geom.Layer) *arrow.Schema {
	fields := make([]arrow.Field, 0, layer.Schema().NumFields())
	for _, f := range layer.Schema().Fields() {
		if f.Name == layer.GeometryColumn() {
			f = arrow.Field{Name: f.Name, Type: arrow.BinaryTypes.String, Nullable: true}
		}
		fields = append(fields, f)
	}
	return arrow.NewSchema(fields, nil)
}

func wktRecord(schema *arrow.Schema, batch arrow.RecordBatch, geomCol string) (arrow.RecordBatch, error) {
	cols := make([]arrow.Array, batch.NumCols())
	var built []arrow.Array
	defer func() {
		for _, a := range built {
			a.Release()
		}
	}()

	for i := range int(batch.NumCols()) {
		if batch.Schema().Field(i).Name != geomCol {
			cols[i] = batch.Column(i)
			continue
		}

		b := array.NewStringBuilder(memory.NewGoAllocator())
		src := batch.Column(i)
		for row := range src.Len() {
			if src.IsNull(row) {
				b.AppendNull()
				continue
			}

			var raw []byte
			switch c := src.(type) {
			case *array.Binary:
				raw = c.Value(row)
			case *array.LargeBinary:
				raw = c.Value(row)
			}

			g, err := geom.DecodeWKB(raw)
			if err != nil {
				b.Release()
				return nil, fmt.Errorf("row %d: %w", row, err)
			}
			b.Append(wkt.MarshalString(g))
		}

		arr := b.NewArray()
		b.Release()
		built = append(built, arr)
		cols[i] = arr
	}

	return array.NewRecordBatch(schema, cols, batch.NumRows()), nil
}

func writeParquet(path string, layer *geom.Layer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	writer, err := pqarrow.NewFileWriter(
		layer.Schema(),
		f,
		parquet.NewWriterProperties(
			parquet.WithCompression(compress.Codecs.Snappy)),
		pqarrow.DefaultWriterProps(),
	)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	for _, rec := range layer.GetRecords() {
		if err := writer.WriteBuffered(rec); err != nil {
			writer.Close()
			return fmt.Errorf("failed to write record batch: %w", err)
		}
	}

	return writer.Close()
}

func writeGeoJSON(path string, layer *geom.Layer) error {
	features, err := layer.Features()
	if err != nil {
		return err
	}

	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		feature := geojson.NewFeature(f.Geometry)
		for k, v := range f.Attributes {
			feature.Properties[k] = v.Any()
		}
		fc.Append(feature)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal feature collection: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}
