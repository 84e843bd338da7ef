package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-tcsa/internal/attention"
	"github.com/23skdu/longbow-tcsa/internal/cache"
	"github.com/23skdu/longbow-tcsa/internal/client"
	"github.com/23skdu/longbow-tcsa/internal/device"
	"github.com/23skdu/longbow-tcsa/internal/weights"
)

var (
	variantName    = flag.String("variant", "tcsa", "Attention preset (tcsa, tca, tca-aux, csa, tsa, ta, ta-aux, ca, ca-aux, sa, ta-linear, t-layer)")
	timeWindows    = flag.Int("time-windows", 16, "Time window length T")
	channels       = flag.Int("channels", 16, "Channel count C")
	timeRatio      = flag.Int("t-ratio", 0, "Time reduction ratio (0 = preset default)")
	channelRatio   = flag.Int("c-ratio", 0, "Channel reduction ratio (0 = preset default)")
	kernelSize     = flag.Int("kernel", 0, "Spatial kernel size, 3 or 7 (0 = 3)")
	auxiliary      = flag.Bool("aux", false, "Return raw gates instead of the gated tensor")
	channelPooling = flag.String("channel-pooling", "time-spatial", "Channel gate pooling: time-spatial or spatial")
	spatialPooling = flag.String("spatial-pooling", "time-channel", "Spatial gate pooling: time-channel or channel")
	seed           = flag.Int64("seed", 1, "Weight initialisation seed")

	weightsPath   = flag.String("weights", "", "Path to weights file")
	weightsFormat = flag.String("weights-format", "cbor", "Weights file format: cbor (checkpoint) or raw")
	precision     = flag.String("precision", "fp32", "Raw weights precision (fp32, fp16)")
	saveWeights   = flag.String("save-weights", "", "Write the current weights as a CBOR checkpoint and exit")

	inputPath  = flag.String("input", "", "CBOR tensor {shape, data} to gate (default: random input)")
	batchSize  = flag.Int("batch", 1, "Batch size of the random input")
	height     = flag.Int("height", 8, "Height of the random input")
	width      = flag.Int("width", 8, "Width of the random input")
	cpuProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration   = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")

	serverAddr    = flag.String("server", "", "Flight server receiving raw gates (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "tcsa_gates", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of batch samples processed concurrently")
	cacheEntries  = flag.Int("cache", 0, "Cache up to N forward responses (0 disables)")
	maxSample     = flag.Int("max-sample-elements", defaultSampleElements, "Largest T*C*H*W accepted per batch sample")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	verbose       = flag.Bool("v", false, "Debug logging")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	backend := device.NewCPUBackend()
	model, err := buildModel(backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build attention pipeline")
	}

	if *saveWeights != "" {
		if err := weights.NewLoader(model).SaveCheckpointFile(*saveWeights, model.Name()); err != nil {
			log.Fatal().Err(err).Msg("Failed to save weights")
		}
		log.Info().Str("path", *saveWeights).Msg("Weights saved")
		return
	}

	var exporter *client.GateExporter
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Connected to Flight Server")
		exporter = client.NewGateExporter(fc, client.NewCircuitBreaker(5, 30*time.Second), *datasetName)
	}

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		if *listenAddr != "" {
			var exp GateExporterInterface
			if exporter != nil {
				exp = exporter
			}
			srv := NewServer(model, backend, exp, *maxConcurrent).WithMaxSampleElements(*maxSample)
			if *cacheEntries > 0 {
				srv.WithCache(cache.NewMapCache(*cacheEntries))
			}
			if *flightAddr == "" {
				startServer(*listenAddr, srv)
				return
			}
			go startServer(*listenAddr, srv)
		}
		StartFlightServer(*flightAddr, model, backend, *maxConcurrent**maxSample)
		return
	}

	x, err := loadInput(backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load input")
	}

	if *duration > 0 {
		soak(model, x, *duration)
		return
	}

	start := time.Now()
	res, err := model.Forward(x)
	if err != nil {
		log.Fatal().Err(err).Msg("Forward failed")
	}
	log.Info().
		Str("variant", model.Name()).
		Str("shape", x.Shape().String()).
		Int("gates", len(res.Gates)).
		Bool("auxiliary", model.Auxiliary()).
		Dur("elapsed", time.Since(start)).
		Msg("Gated tensor")

	if exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := exporter.Export(ctx, model.Name(), res); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent gates")
		return
	}

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildResultRecord(model.Name(), res)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build record")
	}
	defer rec.Release()

	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func buildModel(backend device.Backend) (*attention.Pipeline, error) {
	v, err := attention.ParseVariant(*variantName)
	if err != nil {
		return nil, err
	}
	cp, err := parseChannelPooling(*channelPooling)
	if err != nil {
		return nil, err
	}
	sp, err := parseSpatialPooling(*spatialPooling)
	if err != nil {
		return nil, err
	}

	model, err := attention.New(v, attention.Config{
		TimeWindows:      *timeWindows,
		Channels:         *channels,
		TimeReduction:    *timeRatio,
		ChannelReduction: *channelRatio,
		KernelSize:       *kernelSize,
		Auxiliary:        *auxiliary,
		ChannelPooling:   cp,
		SpatialPooling:   sp,
		Seed:             *seed,
	}, backend)
	if err != nil {
		return nil, err
	}

	if *weightsPath != "" {
		if err := loadWeights(weights.NewLoader(model), model.Name()); err != nil {
			return nil, fmt.Errorf("failed to load weights: %w", err)
		}
	}
	return model, nil
}

func loadWeights(loader *weights.Loader, variant string) error {
	switch *weightsFormat {
	case "cbor":
		return loader.LoadCheckpointFile(*weightsPath, variant)
	case "raw":
		p, err := weights.ParsePrecision(*precision)
		if err != nil {
			return err
		}
		return loader.LoadFromRawBinary(*weightsPath, p)
	default:
		return fmt.Errorf("unknown weights format: %s", *weightsFormat)
	}
}

func parseChannelPooling(s string) (attention.ChannelPooling, error) {
	switch s {
	case "time-spatial", "":
		return attention.ChannelPoolTimeSpatial, nil
	case "spatial":
		return attention.ChannelPoolSpatial, nil
	default:
		return 0, fmt.Errorf("unknown channel pooling: %s", s)
	}
}

func parseSpatialPooling(s string) (attention.SpatialPooling, error) {
	switch s {
	case "time-channel", "":
		return attention.SpatialPoolTimeChannel, nil
	case "channel":
		return attention.SpatialPoolChannel, nil
	default:
		return 0, fmt.Errorf("unknown spatial pooling: %s", s)
	}
}

// loadInput reads the -input tensor, or draws a seeded uniform one.
func loadInput(backend device.Backend) (device.Tensor, error) {
	if *inputPath == "" {
		shape := device.Shape{*batchSize, *timeWindows, *channels, *height, *width}
		if err := validateShape(shape); err != nil {
			return nil, err
		}
		rng := rand.New(rand.NewSource(*seed))
		data := make([]float32, shape.NumElements())
		for i := range data {
			data[i] = rng.Float32()*2 - 1
		}
		return backend.NewTensor(shape, data), nil
	}

	f, err := os.Open(*inputPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeTensor(f, backend)
}

func decodeTensor(r io.Reader, backend device.Backend) (device.Tensor, error) {
	var p tensorPayload
	if err := cbor.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("CBOR decode: %w", err)
	}
	if _, err := validatePayload(p); err != nil {
		return nil, err
	}
	return backend.NewTensor(device.Shape(p.Shape), p.Data), nil
}

func validateShape(shape device.Shape) error {
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("non-positive dimension in %v", shape)
		}
	}
	return nil
}

func soak(model *attention.Pipeline, x device.Tensor, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")

	samples := int64(x.Shape()[attention.AxisBatch])
	startTime := time.Now()
	endTime := startTime.Add(d)
	var total int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := model.Forward(x); err != nil {
			log.Fatal().Err(err).Msg("Forward failed")
		}
		total += samples
		iter++

		if iter%100 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_samples", total).
				Float64("sps", float64(total)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_samples", total).
		Dur("total_time", totalElapsed).
		Float64("avg_sps", float64(total)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("tcsa"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
