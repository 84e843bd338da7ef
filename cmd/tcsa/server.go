package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-tcsa/internal/attention"
	"github.com/23skdu/longbow-tcsa/internal/cache"
	"github.com/23skdu/longbow-tcsa/internal/device"
)

var (
	samplesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcsa_samples_processed_total",
		Help: "The total number of batch samples gated",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tcsa_request_duration_seconds",
		Help:    "Time spent processing forward requests",
		Buckets: prometheus.DefBuckets,
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tcsa_requests_total",
		Help: "Forward requests by HTTP status code",
	}, []string{"code"})
)

// Forwarder is the part of attention.Pipeline the server needs.
type Forwarder interface {
	Forward(x device.Tensor) (attention.Result, error)
	Name() string
	Auxiliary() bool
}

// GateExporterInterface forwards raw gates to an external sink.
type GateExporterInterface interface {
	Export(ctx context.Context, variant string, res attention.Result) error
}

// tensorPayload is the CBOR body of /forward requests and responses.
type tensorPayload struct {
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

type gatePayload struct {
	Axis  string    `cbor:"axis"`
	Shape []int     `cbor:"shape"`
	Data  []float32 `cbor:"data"`
}

type forwardResponse struct {
	Shape []int         `cbor:"shape,omitempty"`
	Data  []float32     `cbor:"data,omitempty"`
	Gates []gatePayload `cbor:"gates,omitempty"`
}

type Server struct {
	model    Forwarder
	backend  device.Backend
	exporter GateExporterInterface
	cache    cache.ResponseCache
	sem      *semaphore.Weighted
	maxBatch int64

	// maxElements bounds a single request; maxBatch samples of
	// maxSampleElements each.
	maxElements int64
}

// defaultSampleElements admits e.g. a (16,16,128,128) sample.
const defaultSampleElements = 1 << 22

func NewServer(model Forwarder, backend device.Backend, exporter GateExporterInterface, maxConcurrent int) *Server {
	return &Server{
		model:    model,
		backend:  backend,
		exporter: exporter,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		maxBatch: int64(maxConcurrent),

		maxElements: int64(maxConcurrent) * defaultSampleElements,
	}
}

// WithMaxSampleElements sets the per-sample element budget.
func (s *Server) WithMaxSampleElements(n int) *Server {
	s.maxElements = s.maxBatch * int64(n)
	return s
}

// maxBodyBytes bounds the request body: the shape plus at most nine CBOR
// bytes per value.
func (s *Server) maxBodyBytes() int64 {
	return s.maxElements*9 + 1024
}

// WithCache serves repeated requests from c. Requests whose gates are
// exported always run the pipeline.
func (s *Server) WithCache(c cache.ResponseCache) *Server {
	s.cache = c
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/forward", s.handleForward)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Str("variant", srv.model.Name()).Msg("Starting TCSA Server")
	if srv.exporter != nil {
		log.Info().Msg("Forwarding auxiliary gates over Flight")
	}

	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("tcsa-server")

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForward", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	status := http.StatusOK
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	}()
	fail := func(code int, msg string) {
		status = code
		span.SetStatus(codes.Error, msg)
		http.Error(w, msg, code)
	}

	if r.Method != http.MethodPost {
		fail(http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return
		}
		fail(http.StatusBadRequest, fmt.Sprintf("Bad Request: %v", err))
		return
	}
	var req tensorPayload
	if err := cbor.Unmarshal(raw, &req); err != nil {
		span.RecordError(err)
		fail(http.StatusBadRequest, fmt.Sprintf("Bad Request (CBOR decode): %v", err))
		return
	}
	n, err := validatePayload(req)
	if err != nil {
		fail(http.StatusBadRequest, fmt.Sprintf("Bad Request: %v", err))
		return
	}
	if int64(n) > s.maxElements {
		fail(http.StatusRequestEntityTooLarge, fmt.Sprintf("%d values exceed limit %d", n, s.maxElements))
		return
	}

	span.SetAttributes(
		attribute.String("variant", s.model.Name()),
		attribute.IntSlice("shape", req.Shape),
	)

	cacheable := s.cache != nil && !(s.exporter != nil && s.model.Auxiliary())
	var key uint64
	if cacheable {
		key = cache.Key(s.model.Name(), raw)
		if body, ok := s.cache.Get(key); ok {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			writeCBOR(w, body)
			return
		}
	}

	// Admission control, weighted by batch size
	weight := int64(req.Shape[attention.AxisBatch])
	if weight > s.maxBatch {
		fail(http.StatusRequestEntityTooLarge, fmt.Sprintf("batch %d exceeds limit %d", weight, s.maxBatch))
		return
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		fail(http.StatusServiceUnavailable, "Server busy")
		return
	}
	defer s.sem.Release(weight)

	x := s.backend.NewTensor(device.Shape(req.Shape), req.Data)
	res, err := s.model.Forward(x)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, attention.ErrShapeMismatch) {
			fail(http.StatusBadRequest, err.Error())
		} else {
			fail(http.StatusInternalServerError, err.Error())
		}
		return
	}
	samplesProcessed.Add(float64(weight))

	if s.exporter != nil && s.model.Auxiliary() {
		if err := s.exporter.Export(ctx, s.model.Name(), res); err != nil {
			span.RecordError(err)
			log.Warn().Err(err).Msg("Error forwarding gates")
		}
	}

	body, err := cbor.Marshal(toResponse(res))
	if err != nil {
		fail(http.StatusInternalServerError, err.Error())
		return
	}
	if cacheable {
		s.cache.Put(key, body)
	}
	writeCBOR(w, body)
}

func writeCBOR(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// validatePayload rejects bodies the tensor backend would panic on and
// returns the element count.
func validatePayload(p tensorPayload) (int, error) {
	if len(p.Shape) != attention.Rank {
		return 0, fmt.Errorf("expected rank-%d shape, got %v", attention.Rank, p.Shape)
	}
	n, ok := device.Shape(p.Shape).CheckedElements()
	if !ok {
		return 0, fmt.Errorf("shape %v has a non-positive dimension or more than %d elements", p.Shape, device.MaxElements)
	}
	if n != len(p.Data) {
		return 0, fmt.Errorf("shape %v needs %d values, got %d", p.Shape, n, len(p.Data))
	}
	return n, nil
}

func toResponse(res attention.Result) forwardResponse {
	var out forwardResponse
	if res.Output != nil {
		out.Shape = []int(res.Output.Shape().Clone())
		out.Data = res.Output.ToHost()
		return out
	}
	for _, g := range res.Gates {
		out.Gates = append(out.Gates, gatePayload{
			Axis:  attention.AxisName(g.Axis),
			Shape: []int(g.Tensor.Shape().Clone()),
			Data:  g.Tensor.ToHost(),
		})
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
