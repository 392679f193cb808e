package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-fletcher/internal/server"
)

var (
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Remote Fletcher Flight server to run the demo against (e.g. localhost:9090)")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of kernel calls running at once")
	maxTable      = flag.Int("max-table-elements", 1<<24, "Largest positional table (max_seq_len * d_model) built on request")
	maxResult     = flag.Int("max-result-elements", 1<<26, "Largest attention output plus weights, in values, computed per request")
	maxBody       = flag.Int64("max-body-bytes", 64<<20, "Largest HTTP request body accepted")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	seed          = flag.Int64("seed", 1, "Seed for the demo inputs")
	batch         = flag.Int("batch", 2, "Demo batch size")
	seqLen        = flag.Int("seq-len", 16, "Demo sequence length")
	maxSeqLen     = flag.Int("max-seq-len", 512, "Positional table length")
	dModel        = flag.Int("d-model", 64, "Model width")
	causal        = flag.Bool("causal", false, "Apply a causal mask in the demo")
	maskedRows    = flag.String("masked-rows", "nan", "Policy for fully masked rows: nan or uniform")
	arrowOut      = flag.Bool("arrow", false, "Write the demo output and weights to stdout as an Arrow IPC stream")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		cfg := server.Config{
			ListenAddr:        *listenAddr,
			FlightAddr:        *flightAddr,
			MaxConcurrent:     *maxConcurrent,
			MaxTableElements:  *maxTable,
			MaxResultElements: *maxResult,
			MaxBodyBytes:      *maxBody,
		}
		if err := serve(ctx, cfg); err != nil {
			log.Error().Err(err).Msg("Server failed")
		}
		return
	}

	opts := demoOptions{
		Seed:       *seed,
		Batch:      *batch,
		SeqLen:     *seqLen,
		MaxSeqLen:  *maxSeqLen,
		DModel:     *dModel,
		Causal:     *causal,
		MaskedRows: *maskedRows,
		Remote:     *serverAddr,
		Duration:   *duration,
	}
	if *arrowOut {
		opts.ArrowOut = os.Stdout
	}
	if err := runDemo(ctx, opts); err != nil {
		log.Fatal().Err(err).Msg("Demo failed")
	}
}

// serve runs the HTTP and Flight front ends until ctx is cancelled or one of
// them fails.
func serve(ctx context.Context, cfg server.Config) error {
	engine := server.NewEngine(cfg)
	g, ctx := errgroup.WithContext(ctx)

	if cfg.FlightAddr != "" {
		fs, err := server.NewFlightServer(cfg.FlightAddr, server.NewFlightService(engine))
		if err != nil {
			return err
		}
		g.Go(fs.Serve)
		g.Go(func() error {
			<-ctx.Done()
			fs.Shutdown()
			return nil
		})
	}

	if cfg.ListenAddr != "" {
		srv := server.NewServer(cfg, engine)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	return g.Wait()
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
			semconv.ServiceNameKey.String("fletcher"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
