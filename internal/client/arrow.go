package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-tcsa/internal/attention"
	"github.com/23skdu/longbow-tcsa/internal/device"
)

// TensorSchema is the layout of every exported record: one row per tensor.
var TensorSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	},
	nil,
)

// NamedTensor is one decoded row of a tensor record.
type NamedTensor struct {
	Name   string
	Shape  device.Shape
	Values []float32
}

// RecordBatchBuilder creates Arrow RecordBatches from tensors.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildRecordBatch converts tensors into a RecordBatch tagged with the
// variant in the schema metadata. Returns nil for empty input.
func (b *RecordBatchBuilder) BuildRecordBatch(variant string, tensors []NamedTensor) (arrow.RecordBatch, error) {
	if len(tensors) == 0 {
		return nil, nil
	}

	md := arrow.NewMetadata([]string{"variant"}, []string{variant})
	schema := arrow.NewSchema(TensorSchema.Fields(), &md)

	nameBuilder := array.NewStringBuilder(b.mem)
	defer nameBuilder.Release()
	shapeBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Int32)
	defer shapeBuilder.Release()
	valuesBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer valuesBuilder.Release()

	dims := shapeBuilder.ValueBuilder().(*array.Int32Builder)
	vals := valuesBuilder.ValueBuilder().(*array.Float32Builder)

	for _, nt := range tensors {
		if n, ok := nt.Shape.CheckedElements(); !ok || n != len(nt.Values) {
			return nil, fmt.Errorf("tensor %s: shape %v does not match %d values", nt.Name, nt.Shape, len(nt.Values))
		}
		nameBuilder.Append(nt.Name)

		shapeBuilder.Append(true)
		for _, d := range nt.Shape {
			dims.Append(int32(d))
		}

		valuesBuilder.Append(true)
		vals.AppendValues(nt.Values, nil)
	}

	cols := []arrow.Array{nameBuilder.NewArray(), shapeBuilder.NewArray(), valuesBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(schema, cols, int64(len(tensors))), nil
}

// BuildResultRecord exports a forward result: the output tensor (if any)
// as "output", followed by each gate as "gate.<axis>".
func (b *RecordBatchBuilder) BuildResultRecord(variant string, res attention.Result) (arrow.RecordBatch, error) {
	var tensors []NamedTensor
	if res.Output != nil {
		tensors = append(tensors, fromTensor("output", res.Output))
	}
	for _, g := range res.Gates {
		tensors = append(tensors, fromTensor("gate."+attention.AxisName(g.Axis), g.Tensor))
	}
	return b.BuildRecordBatch(variant, tensors)
}

func fromTensor(name string, t device.Tensor) NamedTensor {
	return NamedTensor{Name: name, Shape: t.Shape().Clone(), Values: t.ToHost()}
}

// DecodeRecordBatch is the inverse of BuildRecordBatch.
func DecodeRecordBatch(rec arrow.RecordBatch) ([]NamedTensor, error) {
	if !sameFields(rec.Schema(), TensorSchema) {
		return nil, fmt.Errorf("unexpected schema: %s", rec.Schema())
	}

	names, ok := rec.Column(0).(*array.String)
	if !ok {
		return nil, fmt.Errorf("column name: unexpected type %s", rec.Column(0).DataType())
	}
	shapes := rec.Column(1).(*array.List)
	values := rec.Column(2).(*array.List)
	dims := shapes.ListValues().(*array.Int32)
	vals := values.ListValues().(*array.Float32)

	out := make([]NamedTensor, rec.NumRows())
	for i := range out {
		start, end := shapes.ValueOffsets(i)
		shape := make(device.Shape, 0, end-start)
		for j := start; j < end; j++ {
			shape = append(shape, int(dims.Value(int(j))))
		}

		vs, ve := values.ValueOffsets(i)
		data := make([]float32, ve-vs)
		copy(data, vals.Float32Values()[vs:ve])

		out[i] = NamedTensor{Name: names.Value(i), Shape: shape, Values: data}
	}
	return out, nil
}

func sameFields(a, b *arrow.Schema) bool {
	if a.NumFields() != b.NumFields() {
		return false
	}
	for i := range a.Fields() {
		if !arrow.TypeEqual(a.Field(i).Type, b.Field(i).Type) || a.Field(i).Name != b.Field(i).Name {
			return false
		}
	}
	return true
}
