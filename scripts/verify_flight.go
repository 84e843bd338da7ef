//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-tcsa/internal/client"
	"github.com/23skdu/longbow-tcsa/internal/device"
)

// Sends one (1,16,16,8,8) tensor to a running `tcsa -flight` server and
// checks the shapes that come back.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to TCSA Flight Server")

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()
	fc := flight.NewClientFromConn(conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Retry loop
	var stream flight.FlightService_DoExchangeClient
	for i := 0; i < 10; i++ {
		stream, err = fc.DoExchange(ctx)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("DoExchange failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open exchange after retries")
	}

	shape := device.Shape{1, 16, 16, 8, 8}
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = float32(i%7) / 7
	}
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch("input", []client.NamedTensor{
		{Name: "input.0", Shape: shape, Values: values},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build record")
	}
	defer rec.Release()

	start := time.Now()
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		log.Fatal().Err(err).Msg("Write failed")
	}
	_ = writer.Close()
	_ = stream.CloseSend()

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read response")
	}
	defer reader.Release()

	if !reader.Next() {
		log.Fatal().Err(reader.Err()).Msg("No result record")
	}
	tensors, err := client.DecodeRecordBatch(reader.Record())
	if err != nil {
		log.Fatal().Err(err).Msg("Decode failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Int("tensors", len(tensors)).Msg("Received result")

	for _, t := range tensors {
		if len(t.Shape) != 5 || t.Shape.NumElements() != len(t.Values) {
			log.Fatal().Str("name", t.Name).Str("shape", t.Shape.String()).Msg("Malformed tensor")
		}
		if t.Name == "output" && !t.Shape.Equal(shape) {
			log.Fatal().Str("shape", t.Shape.String()).Msg("Output shape mismatch")
		}
		log.Info().Str("name", t.Name).Str("shape", t.Shape.String()).Msg("Tensor valid")
	}

	fmt.Println("VERIFICATION PASSED")
}
