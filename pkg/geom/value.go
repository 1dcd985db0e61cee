package geom

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

type Kind int

const (
	KindNull Kind = iota
	KindText
	KindNumber
	KindInteger
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindText:
		return "text"
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindBool:
		return "bool"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is a tagged attribute value. Only the field matching Kind is meaningful.
// Geometry columns other than the layer's own load as WKT text.
type Value struct {
	Kind    Kind
	Text    string
	Number  float64
	Integer int64
	Bool    bool
}

func Null() Value { return Value{Kind: KindNull} }
func Text(s string) Value { return Value{Kind: KindText, Text: s} }
func Number(f float64) Value { return Value{Kind: KindNumber, Number: f} }
func Integer(n int64) Value { return Value{Kind: KindInteger, Integer: n} }
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Any returns the value as a plain Go value, nil for null.
func (v Value) Any() any {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return v.Number
	case KindInteger:
		return v.Integer
	case KindBool:
		return v.Bool
	}
	return nil
}

func (v Value) String() string {
	switch v.Kind {
	case KindText:
		return v.Text
	case KindNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case KindInteger:
		return strconv.FormatInt(v.Integer, 10)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	}
	return ""
}

// DecodeWKB parses ISO/OGC well-known binary into an orb geometry.
func DecodeWKB(raw []byte) (orb.Geometry, error) {
	g, err := wkb.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode wkb: %w", err)
	}
	return g, nil
}

// valueAt extracts a tagged value from an Arrow column at a given index
func valueAt(col arrow.Array, idx int) Value {
	if col.IsNull(idx) {
		return Null()
	}

	switch c := col.(type) {
	case *array.Float64:
		return Number(c.Value(idx))
	case *array.Float32:
		return Number(float64(c.Value(idx)))
	case *array.Int64:
		return Integer(c.Value(idx))
	case *array.Int32:
		return Integer(int64(c.Value(idx)))
	case *array.Int16:
		return Integer(int64(c.Value(idx)))
	case *array.Int8:
		return Integer(int64(c.Value(idx)))
	case *array.Uint32:
		return Integer(int64(c.Value(idx)))
	case *array.Uint16:
		return Integer(int64(c.Value(idx)))
	case *array.Uint8:
		return Integer(int64(c.Value(idx)))
	case *array.String:
		return Text(c.Value(idx))
	case *array.LargeString:
		return Text(c.Value(idx))
	case *array.Boolean:
		return Bool(c.Value(idx))
	case *array.Binary:
		return Text(string(c.Value(idx)))
	case *array.LargeBinary:
		return Text(string(c.Value(idx)))
	default:
		return Text(col.ValueStr(idx))
	}
}

// binaryAt returns the bytes at idx of a binary column, nil when null.
func binaryAt(col arrow.Array, idx int) []byte {
	if col.IsNull(idx) {
		return nil
	}

	switch c := col.(type) {
	case *array.Binary:
		return c.Value(idx)
	case *array.LargeBinary:
		return c.Value(idx)
	}
	return nil
}
