package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Arrow wire layout: one row per minibatch. Flat activation and label
// buffers ride in variable-length list columns; scalar dimensions ride in
// int32 columns.
var (
	lossRequestSchema = arrow.NewSchema([]arrow.Field{
		{Name: "trans_acts", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "pred_acts", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "labels", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "label_lengths", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "input_lengths", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "alphabet", Type: arrow.PrimitiveTypes.Int32},
		{Name: "minibatch", Type: arrow.PrimitiveTypes.Int32},
		{Name: "max_t", Type: arrow.PrimitiveTypes.Int32},
		{Name: "max_u", Type: arrow.PrimitiveTypes.Int32},
		{Name: "want_grads", Type: arrow.FixedWidthTypes.Boolean},
	}, nil)

	lossResponseSchema = arrow.NewSchema([]arrow.Field{
		{Name: "costs", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "trans_grad", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: "pred_grad", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, nil)
)

func float32ListColumn(rec arrow.RecordBatch, name string) (*array.List, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("missing column %q", name)
	}
	la, ok := rec.Column(indices[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("column %q is not a list", name)
	}
	if _, ok := la.ListValues().(*array.Float32); !ok {
		return nil, fmt.Errorf("column %q is not a float32 list", name)
	}
	return la, nil
}

func int32ListColumn(rec arrow.RecordBatch, name string) (*array.List, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("missing column %q", name)
	}
	la, ok := rec.Column(indices[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("column %q is not a list", name)
	}
	if _, ok := la.ListValues().(*array.Int32); !ok {
		return nil, fmt.Errorf("column %q is not an int32 list", name)
	}
	return la, nil
}

func int32Column(rec arrow.RecordBatch, name string) (*array.Int32, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("missing column %q", name)
	}
	col, ok := rec.Column(indices[0]).(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("column %q is not int32", name)
	}
	return col, nil
}

func float32Row(la *array.List, row int) []float32 {
	start, end := la.ValueOffsets(row)
	return la.ListValues().(*array.Float32).Float32Values()[start:end]
}

func int32Row(la *array.List, row int) []int32 {
	start, end := la.ValueOffsets(row)
	return la.ListValues().(*array.Int32).Int32Values()[start:end]
}

// decodeLossRecord converts one Arrow record batch into loss requests,
// one per row. Row data is copied out so requests outlive the record.
func decodeLossRecord(rec arrow.RecordBatch) ([]lossRequest, error) {
	transCol, err := float32ListColumn(rec, "trans_acts")
	if err != nil {
		return nil, err
	}
	predCol, err := float32ListColumn(rec, "pred_acts")
	if err != nil {
		return nil, err
	}
	labelsCol, err := int32ListColumn(rec, "labels")
	if err != nil {
		return nil, err
	}
	labelLenCol, err := int32ListColumn(rec, "label_lengths")
	if err != nil {
		return nil, err
	}
	inputLenCol, err := int32ListColumn(rec, "input_lengths")
	if err != nil {
		return nil, err
	}
	alphabetCol, err := int32Column(rec, "alphabet")
	if err != nil {
		return nil, err
	}
	minibatchCol, err := int32Column(rec, "minibatch")
	if err != nil {
		return nil, err
	}
	maxTCol, err := int32Column(rec, "max_t")
	if err != nil {
		return nil, err
	}
	maxUCol, err := int32Column(rec, "max_u")
	if err != nil {
		return nil, err
	}

	var wantGradsCol *array.Boolean
	if indices := rec.Schema().FieldIndices("want_grads"); len(indices) > 0 {
		wantGradsCol, _ = rec.Column(indices[0]).(*array.Boolean)
	}

	reqs := make([]lossRequest, rec.NumRows())
	for i := range reqs {
		reqs[i] = lossRequest{
			TransActs:    append([]float32(nil), float32Row(transCol, i)...),
			PredActs:     append([]float32(nil), float32Row(predCol, i)...),
			Labels:       append([]int32(nil), int32Row(labelsCol, i)...),
			LabelLengths: append([]int32(nil), int32Row(labelLenCol, i)...),
			InputLengths: append([]int32(nil), int32Row(inputLenCol, i)...),
			Alphabet:     int(alphabetCol.Value(i)),
			Minibatch:    int(minibatchCol.Value(i)),
			MaxT:         int(maxTCol.Value(i)),
			MaxU:         int(maxUCol.Value(i)),
		}
		if wantGradsCol != nil {
			reqs[i].WantGrads = wantGradsCol.Value(i)
		}
	}
	return reqs, nil
}

// encodeLossResults builds the response record batch, one row per served
// request. Requests without gradients produce empty gradient lists.
func encodeLossResults(alloc memory.Allocator, results []*lossResponse) arrow.RecordBatch {
	costsBuilder := array.NewListBuilder(alloc, arrow.PrimitiveTypes.Float32)
	defer costsBuilder.Release()
	transGradBuilder := array.NewListBuilder(alloc, arrow.PrimitiveTypes.Float32)
	defer transGradBuilder.Release()
	predGradBuilder := array.NewListBuilder(alloc, arrow.PrimitiveTypes.Float32)
	defer predGradBuilder.Release()

	appendRow := func(lb *array.ListBuilder, vals []float32) {
		lb.Append(true)
		lb.ValueBuilder().(*array.Float32Builder).AppendValues(vals, nil)
	}

	for _, res := range results {
		appendRow(costsBuilder, res.Costs)
		appendRow(transGradBuilder, res.TransGrad)
		appendRow(predGradBuilder, res.PredGrad)
	}

	costsArr := costsBuilder.NewArray()
	defer costsArr.Release()
	transGradArr := transGradBuilder.NewArray()
	defer transGradArr.Release()
	predGradArr := predGradBuilder.NewArray()
	defer predGradArr.Release()

	return array.NewRecordBatch(lossResponseSchema,
		[]arrow.Array{costsArr, transGradArr, predGradArr}, int64(len(results)))
}

// encodeLossRequests is the client-side encoder, used by tests and
// tooling to build the request stream.
func encodeLossRequests(alloc memory.Allocator, reqs []lossRequest) arrow.RecordBatch {
	transBuilder := array.NewListBuilder(alloc, arrow.PrimitiveTypes.Float32)
	defer transBuilder.Release()
	predBuilder := array.NewListBuilder(alloc, arrow.PrimitiveTypes.Float32)
	defer predBuilder.Release()
	labelsBuilder := array.NewListBuilder(alloc, arrow.PrimitiveTypes.Int32)
	defer labelsBuilder.Release()
	labelLenBuilder := array.NewListBuilder(alloc, arrow.PrimitiveTypes.Int32)
	defer labelLenBuilder.Release()
	inputLenBuilder := array.NewListBuilder(alloc, arrow.PrimitiveTypes.Int32)
	defer inputLenBuilder.Release()
	alphabetBuilder := array.NewInt32Builder(alloc)
	defer alphabetBuilder.Release()
	minibatchBuilder := array.NewInt32Builder(alloc)
	defer minibatchBuilder.Release()
	maxTBuilder := array.NewInt32Builder(alloc)
	defer maxTBuilder.Release()
	maxUBuilder := array.NewInt32Builder(alloc)
	defer maxUBuilder.Release()
	wantGradsBuilder := array.NewBooleanBuilder(alloc)
	defer wantGradsBuilder.Release()

	appendF32 := func(lb *array.ListBuilder, vals []float32) {
		lb.Append(true)
		lb.ValueBuilder().(*array.Float32Builder).AppendValues(vals, nil)
	}
	appendI32 := func(lb *array.ListBuilder, vals []int32) {
		lb.Append(true)
		lb.ValueBuilder().(*array.Int32Builder).AppendValues(vals, nil)
	}

	for i := range reqs {
		appendF32(transBuilder, reqs[i].TransActs)
		appendF32(predBuilder, reqs[i].PredActs)
		appendI32(labelsBuilder, reqs[i].Labels)
		appendI32(labelLenBuilder, reqs[i].LabelLengths)
		appendI32(inputLenBuilder, reqs[i].InputLengths)
		alphabetBuilder.Append(int32(reqs[i].Alphabet))
		minibatchBuilder.Append(int32(reqs[i].Minibatch))
		maxTBuilder.Append(int32(reqs[i].MaxT))
		maxUBuilder.Append(int32(reqs[i].MaxU))
		wantGradsBuilder.Append(reqs[i].WantGrads)
	}

	arrays := []arrow.Array{
		transBuilder.NewArray(),
		predBuilder.NewArray(),
		labelsBuilder.NewArray(),
		labelLenBuilder.NewArray(),
		inputLenBuilder.NewArray(),
		alphabetBuilder.NewArray(),
		minibatchBuilder.NewArray(),
		maxTBuilder.NewArray(),
		maxUBuilder.NewArray(),
		wantGradsBuilder.NewArray(),
	}
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()

	return array.NewRecordBatch(lossRequestSchema, arrays, int64(len(reqs)))
}
