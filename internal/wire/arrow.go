package wire

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-fletcher/internal/tensor"
)

// ShapeSuffix names the companion column that carries a tensor's shape.
const ShapeSuffix = "_shape"

// ErrMalformedRecord is returned when a record does not follow the tensor
// layout: exactly one row, and every "<name>" list<float32> column paired with
// a "<name>_shape" list<int64> column.
var ErrMalformedRecord = errors.New("malformed tensor record")

// Named pairs a tensor with its column name.
type Named struct {
	Name   string
	Tensor *tensor.Tensor
}

// Schema returns the record schema for the given tensor names, in order.
func Schema(names ...string) *arrow.Schema {
	fields := make([]arrow.Field, 0, 2*len(names))
	for _, name := range names {
		fields = append(fields,
			arrow.Field{Name: name, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
			arrow.Field{Name: name + ShapeSuffix, Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		)
	}
	return arrow.NewSchema(fields, nil)
}

// EncodeTensors builds a single-row record holding every tensor. Nil tensors
// are skipped. The caller must Release the record.
func EncodeTensors(mem memory.Allocator, tensors ...Named) (arrow.RecordBatch, error) {
	names := make([]string, 0, len(tensors))
	seen := make(map[string]bool, len(tensors))
	for _, nt := range tensors {
		if nt.Tensor == nil {
			continue
		}
		if nt.Name == "" || strings.HasSuffix(nt.Name, ShapeSuffix) || seen[nt.Name] {
			return nil, fmt.Errorf("%w: bad column name %q", ErrMalformedRecord, nt.Name)
		}
		seen[nt.Name] = true
		names = append(names, nt.Name)
	}

	cols := make([]arrow.Array, 0, 2*len(names))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for _, nt := range tensors {
		if nt.Tensor == nil {
			continue
		}

		dataBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float32)
		values := dataBuilder.ValueBuilder().(*array.Float32Builder)
		dataBuilder.Append(true)
		values.AppendValues(nt.Tensor.Data(), nil)
		cols = append(cols, dataBuilder.NewArray())
		dataBuilder.Release()

		shapeBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int64)
		dims := shapeBuilder.ValueBuilder().(*array.Int64Builder)
		shapeBuilder.Append(true)
		for _, d := range nt.Tensor.Shape() {
			dims.Append(int64(d))
		}
		cols = append(cols, shapeBuilder.NewArray())
		shapeBuilder.Release()
	}

	return array.NewRecordBatch(Schema(names...), cols, 1), nil
}

// DecodeTensors reads every tensor out of a record produced by EncodeTensors.
// The returned tensors own their data; rec may be released afterwards.
func DecodeTensors(rec arrow.RecordBatch) (map[string]*tensor.Tensor, error) {
	if rec.NumRows() != 1 {
		return nil, fmt.Errorf("%w: want 1 row, got %d", ErrMalformedRecord, rec.NumRows())
	}

	schema := rec.Schema()
	out := make(map[string]*tensor.Tensor)
	for i, f := range schema.Fields() {
		if strings.HasSuffix(f.Name, ShapeSuffix) {
			continue
		}

		data, ok := rec.Column(i).(*array.List)
		if !ok {
			return nil, fmt.Errorf("%w: column %q is %s, want list<float32>", ErrMalformedRecord, f.Name, f.Type)
		}
		values, ok := data.ListValues().(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("%w: column %q is %s, want list<float32>", ErrMalformedRecord, f.Name, f.Type)
		}

		idx := schema.FieldIndices(f.Name + ShapeSuffix)
		if len(idx) != 1 {
			return nil, fmt.Errorf("%w: column %q has no %s column", ErrMalformedRecord, f.Name, ShapeSuffix)
		}
		shapeCol, ok := rec.Column(idx[0]).(*array.List)
		if !ok {
			return nil, fmt.Errorf("%w: column %q%s is not a list", ErrMalformedRecord, f.Name, ShapeSuffix)
		}
		dims, ok := shapeCol.ListValues().(*array.Int64)
		if !ok {
			return nil, fmt.Errorf("%w: column %q%s is not list<int64>", ErrMalformedRecord, f.Name, ShapeSuffix)
		}

		start, end := data.ValueOffsets(0)
		ds, de := shapeCol.ValueOffsets(0)
		shape := make(tensor.Shape, 0, de-ds)
		for _, d := range dims.Int64Values()[ds:de] {
			shape = append(shape, int(d))
		}

		if err := shape.Validate(); err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		if n := int64(shape.NumElements()); n != end-start {
			return nil, fmt.Errorf("%w: column %q has %d values for shape %v", tensor.ErrIncompatibleShape, f.Name, end-start, shape)
		}
		t, err := tensor.New(shape, values.Float32Values()[start:end])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", f.Name, err)
		}
		out[f.Name] = t
	}
	return out, nil
}

// WriteIPC writes rec to w as a complete Arrow IPC stream.
func WriteIPC(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

// ReadIPC reads the first record of an Arrow IPC stream and decodes its
// tensors.
func ReadIPC(r io.Reader, mem memory.Allocator) (map[string]*tensor.Tensor, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: empty stream", ErrMalformedRecord)
	}
	return DecodeTensors(reader.Record())
}
