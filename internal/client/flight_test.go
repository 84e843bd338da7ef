package client

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-tcsa/internal/device"
)

type received struct {
	path    []string
	tensors []NamedTensor
}

type mockFlightServer struct {
	flight.BaseFlightServer
	records chan received
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	defer reader.Release()

	var got received
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		got.path = desc.Path
	}
	for reader.Next() {
		tensors, err := DecodeRecordBatch(reader.Record())
		if err != nil {
			return err
		}
		got.tensors = append(got.tensors, tensors...)
	}
	s.records <- got
	return nil
}

func startFlightServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mockServer := &mockFlightServer{records: make(chan received, 4)}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mockServer, server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	mockServer, addr := startFlightServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	tensors := []NamedTensor{
		{Name: "gate.time", Shape: device.Shape{1, 2, 1, 1, 1}, Values: []float32{0.25, 0.75}},
	}
	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch("ta-aux", tensors)
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.DoPut(ctx, "gates", rb))

	select {
	case got := <-mockServer.records:
		assert.Equal(t, []string{"gates"}, got.path)
		assert.Equal(t, tensors, got.tensors)
	case <-ctx.Done():
		t.Fatal("server did not receive the record")
	}
}
