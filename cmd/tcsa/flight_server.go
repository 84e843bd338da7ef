package main

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-tcsa/internal/client"
	"github.com/23skdu/longbow-tcsa/internal/device"
)

// TCSAFlightServer runs the pipeline over tensors streamed with DoExchange.
// Every input row whose name starts with "input" is gated and answered with
// one result record.
type TCSAFlightServer struct {
	flight.BaseFlightServer
	model       Forwarder
	backend     device.Backend
	alloc       memory.Allocator
	maxElements int
}

func NewTCSAFlightServer(model Forwarder, backend device.Backend, maxElements int) *TCSAFlightServer {
	return &TCSAFlightServer{
		model:       model,
		backend:     backend,
		alloc:       memory.NewGoAllocator(),
		maxElements: maxElements,
	}
}

func (s *TCSAFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) (err error) {
	// gRPC does not recover handler panics.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("DoExchange panicked")
			err = status.Errorf(codes.Internal, "exchange failed: %v", r)
		}
	}()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	builder := client.NewRecordBatchBuilder(s.alloc)
	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	for reader.Next() {
		tensors, err := client.DecodeRecordBatch(reader.Record())
		if err != nil {
			return err
		}
		for _, nt := range tensors {
			if !strings.HasPrefix(nt.Name, "input") {
				continue
			}
			n, err := validatePayload(tensorPayload{Shape: nt.Shape, Data: nt.Values})
			if err != nil {
				return status.Errorf(codes.InvalidArgument, "%s: %v", nt.Name, err)
			}
			if n > s.maxElements {
				return status.Errorf(codes.ResourceExhausted, "%s: %d values exceed limit %d", nt.Name, n, s.maxElements)
			}

			res, err := s.model.Forward(s.backend.NewTensor(nt.Shape, nt.Values))
			if err != nil {
				return fmt.Errorf("%s: %w", nt.Name, err)
			}
			out, err := builder.BuildResultRecord(s.model.Name(), res)
			if err != nil {
				return err
			}
			if out == nil {
				continue
			}

			if writer == nil {
				writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.alloc))
			}
			err = writer.Write(out)
			out.Release()
			if err != nil {
				return err
			}
			log.Debug().Str("name", nt.Name).Ints("shape", nt.Shape).Msg("DoExchange gated tensor")
		}
	}
	return reader.Err()
}

// StartFlightServer serves DoExchange, rejecting tensors larger than
// maxElements values.
func StartFlightServer(addr string, model Forwarder, backend device.Backend, maxElements int) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewTCSAFlightServer(model, backend, maxElements))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting TCSA Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
