// Package arrowcodec encodes and decodes Timestore rows as self-describing
// Arrow IPC stream files, the partition file format named by spec.md §4.1
// ("a self-describing columnar file format embedding its own schema").
// Both the local-file and object-store storage drivers write this format;
// only the columnar-db driver (ClickHouse) bypasses it.
package arrowcodec

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/malbeclabs/timestore/internal/model"
)

// ArrowSchema converts a Timestore model.Schema into an Arrow schema. Field
// order is preserved so the resulting file's column order matches the
// dataset schema version it was written against.
func ArrowSchema(s model.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(s))
	for _, f := range s {
		at, err := arrowType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		fields = append(fields, arrow.Field{Name: f.Name, Type: at, Nullable: true})
	}
	return arrow.NewSchema(fields, nil), nil
}

func arrowType(t model.FieldType) (arrow.DataType, error) {
	switch t {
	case model.FieldTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}, nil
	case model.FieldString:
		return arrow.BinaryTypes.String, nil
	case model.FieldDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case model.FieldInteger:
		return arrow.PrimitiveTypes.Int64, nil
	case model.FieldBoolean:
		return arrow.FixedWidthTypes.Boolean, nil
	default:
		return nil, fmt.Errorf("unsupported field type %q", t)
	}
}

// Row is a single ingested record, keyed by field name. Values must already
// be coerced to the Go type matching the field's declared FieldType (time.Time,
// string, float64, int64, bool).
type Row map[string]any

// Encode writes rows to an Arrow IPC stream using the given schema, returning
// the encoded bytes. The schema is embedded in the stream, so a reader never
// needs out-of-band knowledge of column layout.
func Encode(s model.Schema, rows []Row) ([]byte, error) {
	arrowSchema, err := ArrowSchema(s)
	if err != nil {
		return nil, err
	}

	pool := memory.NewGoAllocator()
	bldr := array.NewRecordBuilder(pool, arrowSchema)
	defer bldr.Release()

	for i, f := range s {
		fb := bldr.Field(i)
		for _, row := range rows {
			v, present := row[f.Name]
			if !present || v == nil {
				fb.AppendNull()
				continue
			}
			if err := appendValue(fb, f.Type, v); err != nil {
				return nil, fmt.Errorf("row value for field %q: %w", f.Name, err)
			}
		}
	}

	rec := bldr.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(arrowSchema), ipc.WithAllocator(pool))
	if err := writer.Write(rec); err != nil {
		return nil, fmt.Errorf("writing arrow record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("closing arrow writer: %w", err)
	}
	return buf.Bytes(), nil
}

func appendValue(fb array.Builder, t model.FieldType, v any) error {
	switch t {
	case model.FieldTimestamp:
		tv, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", v)
		}
		fb.(*array.TimestampBuilder).Append(arrow.Timestamp(tv.UnixMicro()))
	case model.FieldString:
		sv, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		fb.(*array.StringBuilder).Append(sv)
	case model.FieldDouble:
		dv, ok := toFloat64(v)
		if !ok {
			return fmt.Errorf("expected float64, got %T", v)
		}
		fb.(*array.Float64Builder).Append(dv)
	case model.FieldInteger:
		iv, ok := toInt64(v)
		if !ok {
			return fmt.Errorf("expected int64, got %T", v)
		}
		fb.(*array.Int64Builder).Append(iv)
	case model.FieldBoolean:
		bv, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", v)
		}
		fb.(*array.BooleanBuilder).Append(bv)
	default:
		return fmt.Errorf("unsupported field type %q", t)
	}
	return nil
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Decode reads an Arrow IPC stream back into rows, using the schema embedded
// in the stream itself.
func Decode(data []byte) (model.Schema, []Row, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("opening arrow ipc reader: %w", err)
	}
	defer reader.Release()

	fieldTypes, schema, err := schemaFromArrow(reader.Schema())
	if err != nil {
		return nil, nil, err
	}

	var rows []Row
	for reader.Next() {
		rec := reader.Record()
		for r := 0; r < int(rec.NumRows()); r++ {
			row := make(Row, len(fieldTypes))
			for c, f := range schema {
				row[f.Name] = readValue(rec.Column(c), r, fieldTypes[c])
			}
			rows = append(rows, row)
		}
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("reading arrow records: %w", err)
	}
	return schema, rows, nil
}

func schemaFromArrow(as *arrow.Schema) ([]model.FieldType, model.Schema, error) {
	fields := as.Fields()
	types := make([]model.FieldType, len(fields))
	s := make(model.Schema, len(fields))
	for i, f := range fields {
		var ft model.FieldType
		switch f.Type.ID() {
		case arrow.TIMESTAMP:
			ft = model.FieldTimestamp
		case arrow.STRING:
			ft = model.FieldString
		case arrow.FLOAT64:
			ft = model.FieldDouble
		case arrow.INT64:
			ft = model.FieldInteger
		case arrow.BOOL:
			ft = model.FieldBoolean
		default:
			return nil, nil, fmt.Errorf("column %q has unsupported arrow type %s", f.Name, f.Type)
		}
		types[i] = ft
		s[i] = model.Field{Name: f.Name, Type: ft}
	}
	return types, s, nil
}

func readValue(col arrow.Array, row int, t model.FieldType) any {
	if col.IsNull(row) {
		return nil
	}
	switch t {
	case model.FieldTimestamp:
		ts := col.(*array.Timestamp).Value(row)
		return time.UnixMicro(int64(ts)).UTC()
	case model.FieldString:
		return col.(*array.String).Value(row)
	case model.FieldDouble:
		return col.(*array.Float64).Value(row)
	case model.FieldInteger:
		return col.(*array.Int64).Value(row)
	case model.FieldBoolean:
		return col.(*array.Boolean).Value(row)
	default:
		return nil
	}
}
