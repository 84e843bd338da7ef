package main

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tcsa/internal/attention"
	"github.com/23skdu/longbow-tcsa/internal/client"
	"github.com/23skdu/longbow-tcsa/internal/device"
)

func TestDecodeTensor(t *testing.T) {
	backend := device.NewCPUBackend()

	body, err := cbor.Marshal(tensorPayload{Shape: []int{1, 2, 1, 1, 2}, Data: []float32{1, 2, 3, 4}})
	require.NoError(t, err)
	x, err := decodeTensor(bytes.NewReader(body), backend)
	require.NoError(t, err)
	assert.Equal(t, device.Shape{1, 2, 1, 1, 2}, x.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, x.Data())

	body, err = cbor.Marshal(tensorPayload{Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}})
	require.NoError(t, err)
	_, err = decodeTensor(bytes.NewReader(body), backend)
	assert.Error(t, err)
}

func TestParsePooling(t *testing.T) {
	cp, err := parseChannelPooling("spatial")
	require.NoError(t, err)
	assert.Equal(t, attention.ChannelPoolSpatial, cp)
	_, err = parseChannelPooling("frames")
	assert.Error(t, err)

	sp, err := parseSpatialPooling("")
	require.NoError(t, err)
	assert.Equal(t, attention.SpatialPoolTimeChannel, sp)
	_, err = parseSpatialPooling("time")
	assert.Error(t, err)
}

func TestWriteArrowStream(t *testing.T) {
	backend := device.NewCPUBackend()
	model := attention.MustNew(attention.VariantCA, attention.Config{TimeWindows: 2, Channels: 5}, backend)
	x := backend.NewTensor(device.Shape{1, 2, 5, 2, 2}, nil)
	res, err := model.Forward(x)
	require.NoError(t, err)

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildResultRecord(model.Name(), res)
	require.NoError(t, err)
	defer rec.Release()

	var buf bytes.Buffer
	require.NoError(t, writeArrowStream(&buf, rec))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()
	require.True(t, reader.Next())
	assert.Equal(t, int64(2), reader.Record().NumRows())

	variant, ok := reader.Schema().Metadata().GetValue("variant")
	assert.True(t, ok)
	assert.Equal(t, "ca", variant)
}
