package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-tcsa/internal/attention"
)

// ErrCircuitOpen is returned by Export while the breaker rejects traffic.
var ErrCircuitOpen = errors.New("gate export circuit open")

// Putter is the part of FlightClient the exporter needs.
type Putter interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
}

// GateExporter forwards forward-pass results to a Flight dataset.
type GateExporter struct {
	putter  Putter
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
	dataset string
}

func NewGateExporter(putter Putter, breaker *CircuitBreaker, dataset string) *GateExporter {
	return &GateExporter{
		putter:  putter,
		breaker: breaker,
		builder: NewRecordBatchBuilder(memory.NewGoAllocator()),
		dataset: dataset,
	}
}

// Export pushes res as one record. Nothing is sent for an empty result.
func (e *GateExporter) Export(ctx context.Context, variant string, res attention.Result) error {
	if !e.breaker.Allow() {
		exportTotal.WithLabelValues("rejected").Inc()
		return ErrCircuitOpen
	}

	rec, err := e.builder.BuildResultRecord(variant, res)
	if err != nil {
		// Not the endpoint's fault.
		e.breaker.Success()
		exportTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to build gate record: %w", err)
	}
	if rec == nil {
		e.breaker.Success()
		return nil
	}
	defer rec.Release()

	start := time.Now()
	err = e.putter.DoPut(ctx, e.dataset, rec)
	exportDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.breaker.Failure()
		exportTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("dataset", e.dataset).Str("breaker", e.breaker.State().String()).Msg("Gate export failed")
		return fmt.Errorf("failed to export gates: %w", err)
	}

	e.breaker.Success()
	exportTotal.WithLabelValues("ok").Inc()
	return nil
}
