package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-transducer/gpu"
	"github.com/23skdu/longbow-transducer/rnnt"
)

var (
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	useGPU        = flag.Bool("gpu", false, "Run the loss on the WebGPU backend")
	threads       = flag.Int("threads", 0, "CPU worker threads per batch (0 = GOMAXPROCS)")
	blank         = flag.Int("blank", 0, "Alphabet index of the blank symbol")
	maxConcurrent = flag.Int("max-concurrent", 4096, "Maximum number of concurrent in-flight examples")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	benchmark     = flag.Bool("bench", false, "Run a one-shot benchmark batch and exit")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	benchBatch    = flag.Int("minibatch", 32, "Benchmark/soak minibatch size")
	benchAlphabet = flag.Int("alphabet", 256, "Benchmark/soak alphabet size")
	benchMaxT     = flag.Int("max-t", 150, "Benchmark/soak max input length")
	benchMaxU     = flag.Int("max-u", 40, "Benchmark/soak max output length (labels + 1)")
	benchSeed     = flag.Int64("seed", 1, "Benchmark/soak RNG seed")
	arrowInput    = flag.String("input", "", "Arrow IPC file of loss batches; results stream to stdout")
)

func main() {
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

	var queue *gpu.Queue
	if *useGPU {
		var err error
		queue, err = gpu.AcquireQueue()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to acquire GPU queue")
		}
		log.Info().Str("adapter", queue.AdapterName()).Msg("GPU backend ready")
	}

	if *benchmark || *duration > 0 {
		runBench(queue)
		return
	}

	if *arrowInput != "" {
		runArrowFile(*arrowInput, queue)
		return
	}

	if *listenAddr == "" {
		log.Fatal().Msg("Nothing to do: pass -listen, -input, -bench or -duration")
	}
	startServer(*listenAddr, *blank, *threads, *maxConcurrent, queue)
}

// runArrowFile computes the loss for every batch row of an Arrow IPC file
// and streams the result record to stdout.
func runArrowFile(path string, queue *gpu.Queue) {
	f, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("Failed to open input file")
	}
	defer f.Close()

	alloc := memory.NewGoAllocator()
	reader, err := ipc.NewReader(f, ipc.WithAllocator(alloc))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create IPC reader")
	}
	defer reader.Release()

	srv := NewServer(*blank, *threads, *maxConcurrent, queue)

	var results []*lossResponse
	for reader.Next() {
		reqs, err := decodeLossRecord(reader.Record())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to decode loss record")
		}
		for i := range reqs {
			resp, err := srv.compute(&reqs[i])
			if err != nil {
				log.Fatal().Err(err).Str("status", rnnt.StatusOf(err).String()).Msg("Loss computation failed")
			}
			results = append(results, resp)
		}
	}
	if reader.Err() != nil {
		log.Fatal().Err(reader.Err()).Msg("Error reading Arrow stream")
	}

	rec := encodeLossResults(alloc, results)
	defer rec.Release()

	writer := ipc.NewWriter(os.Stdout, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(alloc))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		log.Fatal().Err(err).Msg("Failed to write arrow stream")
	}
	if err := writer.Close(); err != nil {
		log.Fatal().Err(err).Msg("Failed to close arrow writer")
	}

	log.Info().Int("batches", len(results)).Msg("Arrow file processed")
}

// benchBatchInputs builds one synthetic minibatch with uniformly random
// activations and labels.
func benchBatchInputs(rng *rand.Rand, B, V, maxT, maxU, blank int) rnnt.Batch {
	b := rnnt.Batch{
		TransActs:    make([]float32, maxT*B*V),
		PredActs:     make([]float32, maxU*B*V),
		LabelLengths: make([]int32, B),
		InputLengths: make([]int32, B),
		AlphabetSize: V,
		Minibatch:    B,
	}
	for i := range b.TransActs {
		b.TransActs[i] = rng.Float32()*2 - 1
	}
	for i := range b.PredActs {
		b.PredActs[i] = rng.Float32()*2 - 1
	}
	for i := 0; i < B; i++ {
		b.InputLengths[i] = int32(maxT)
		b.LabelLengths[i] = int32(maxU - 1)
		for j := 0; j < maxU-1; j++ {
			lab := rng.Intn(V - 1)
			if lab >= blank {
				lab++
			}
			b.Labels = append(b.Labels, int32(lab))
		}
	}
	return b
}

func runBench(queue *gpu.Queue) {
	B, V := *benchBatch, *benchAlphabet
	maxT, maxU := *benchMaxT, *benchMaxU

	var opts rnnt.Options
	if queue != nil {
		opts = rnnt.GPUOptions(*blank, maxT, maxU, queue)
	} else {
		opts = rnnt.CPUOptions(*blank, maxT, maxU)
		opts.Threads = *threads
	}

	need, err := rnnt.WorkspaceSize(maxT, maxU, B, V, queue != nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Workspace sizing failed")
	}

	rng := rand.New(rand.NewSource(*benchSeed))
	batch := benchBatchInputs(rng, B, V, maxT, maxU, *blank)
	workspace := make([]byte, need)
	costs := make([]float32, B)
	transGrad := make([]float32, maxT*B*V)
	predGrad := make([]float32, maxU*B*V)

	log.Info().
		Int("minibatch", B).
		Int("alphabet", V).
		Int("max_t", maxT).
		Int("max_u", maxU).
		Int("workspace_bytes", need).
		Str("location", opts.Location.String()).
		Msg("Starting loss benchmark")

	if *duration > 0 {
		startTime := time.Now()
		endTime := startTime.Add(*duration)
		var totalExamples int64
		var iter int

		for time.Now().Before(endTime) {
			if err := rnnt.ComputeLoss(batch, costs, transGrad, predGrad, workspace, opts); err != nil {
				log.Fatal().Err(err).Msg("Loss computation failed")
			}
			totalExamples += int64(B)
			iter++

			if iter%10 == 0 {
				elapsed := time.Since(startTime)
				eps := float64(totalExamples) / elapsed.Seconds()
				log.Info().
					Str("elapsed", elapsed.Round(time.Second).String()).
					Int("iter", iter).
					Int64("total_examples", totalExamples).
					Float64("eps", eps).
					Msg("Soak test progress")
			}
		}

		totalElapsed := time.Since(startTime)
		log.Info().
			Int64("total_examples", totalExamples).
			Dur("total_time", totalElapsed).
			Float64("avg_eps", float64(totalExamples)/totalElapsed.Seconds()).
			Msg("Soak test complete")
		return
	}

	start := time.Now()
	if err := rnnt.ComputeLoss(batch, costs, transGrad, predGrad, workspace, opts); err != nil {
		log.Fatal().Err(err).Msg("Loss computation failed")
	}
	elapsed := time.Since(start)

	log.Info().
		Dur("elapsed", elapsed).
		Float32("cost_0", costs[0]).
		Float64("eps", float64(B)/elapsed.Seconds()).
		Msg("Benchmark batch complete")
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
			semconv.ServiceNameKey.String("transducer"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
