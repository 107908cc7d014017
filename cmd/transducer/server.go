package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-transducer/gpu"
	"github.com/23skdu/longbow-transducer/internal/cache"
	"github.com/23skdu/longbow-transducer/rnnt"
)

var (
	batchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transducer_http_batches_total",
		Help: "The total number of loss batches served",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transducer_http_request_duration_seconds",
		Help:    "Time spent processing loss requests",
		Buckets: prometheus.DefBuckets,
	})

	inflightExamples = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transducer_http_inflight_examples",
		Help: "Examples currently admitted and computing",
	})
)

// lossRequest is one minibatch of loss work on the wire. Activations use
// the library's (t, b, v) / (u, b, v) row-major layout.
type lossRequest struct {
	TransActs    []float32 `cbor:"trans_acts"`
	PredActs     []float32 `cbor:"pred_acts"`
	Labels       []int32   `cbor:"labels"`
	LabelLengths []int32   `cbor:"label_lengths"`
	InputLengths []int32   `cbor:"input_lengths"`
	Alphabet     int       `cbor:"alphabet"`
	Minibatch    int       `cbor:"minibatch"`
	MaxT         int       `cbor:"max_t"`
	MaxU         int       `cbor:"max_u"`
	WantGrads    bool      `cbor:"want_grads"`
}

type lossResponse struct {
	Status     int       `cbor:"status"`
	StatusText string    `cbor:"status_text"`
	Costs      []float32 `cbor:"costs"`
	TransGrad  []float32 `cbor:"trans_grad,omitempty"`
	PredGrad   []float32 `cbor:"pred_grad,omitempty"`
}

type Server struct {
	blank   int
	threads int
	queue   *gpu.Queue
	wsPool  cache.BufferPool
	alloc   memory.Allocator
	sem     *semaphore.Weighted
}

func NewServer(blank, threads, maxConcurrent int, queue *gpu.Queue) *Server {
	return &Server{
		blank:   blank,
		threads: threads,
		queue:   queue,
		wsPool:  cache.NewMapPool(),
		alloc:   memory.NewGoAllocator(),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, blank, threads, maxConcurrent int, queue *gpu.Queue) {
	srv := NewServer(blank, threads, maxConcurrent, queue)

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/loss", srv.handleLoss)
	http.HandleFunc("/loss/arrow", srv.handleLossArrow)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Bool("gpu", queue != nil).Msg("Starting Transducer Server")

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("transducer-server")

// compute runs one request through the loss library, leasing the
// workspace from the pool.
func (s *Server) compute(req *lossRequest) (*lossResponse, error) {
	var opts rnnt.Options
	if s.queue != nil {
		opts = rnnt.GPUOptions(s.blank, req.MaxT, req.MaxU, s.queue)
	} else {
		opts = rnnt.CPUOptions(s.blank, req.MaxT, req.MaxU)
		opts.Threads = s.threads
	}

	need, err := rnnt.WorkspaceSize(req.MaxT, req.MaxU, req.Minibatch, req.Alphabet, s.queue != nil)
	if err != nil {
		return nil, err
	}
	workspace := s.wsPool.Get(need)
	defer s.wsPool.Put(workspace)

	batch := rnnt.Batch{
		TransActs:    req.TransActs,
		PredActs:     req.PredActs,
		Labels:       req.Labels,
		LabelLengths: req.LabelLengths,
		InputLengths: req.InputLengths,
		AlphabetSize: req.Alphabet,
		Minibatch:    req.Minibatch,
	}

	resp := &lossResponse{Costs: make([]float32, req.Minibatch)}
	if req.WantGrads {
		resp.TransGrad = make([]float32, req.MaxT*req.Minibatch*req.Alphabet)
		resp.PredGrad = make([]float32, req.MaxU*req.Minibatch*req.Alphabet)
	}

	if err := rnnt.ComputeLoss(batch, resp.Costs, resp.TransGrad, resp.PredGrad, workspace, opts); err != nil {
		return nil, err
	}
	resp.Status = int(rnnt.StatusSuccess)
	resp.StatusText = rnnt.StatusSuccess.String()
	batchesProcessed.Inc()
	return resp, nil
}

// httpStatusFor maps the loss library's error taxonomy onto HTTP codes:
// caller mistakes are 400s, backend failures 500s.
func httpStatusFor(err error) int {
	if rnnt.StatusOf(err) == rnnt.StatusInvalidValue {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleLoss(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleLoss")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req lossRequest
	decoder := cbor.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.Int("minibatch", req.Minibatch),
		attribute.Int("alphabet", req.Alphabet),
	)

	// Admission control, weighted by examples.
	weight := int64(req.Minibatch)
	if weight <= 0 {
		http.Error(w, "Bad Request: minibatch must be positive", http.StatusBadRequest)
		return
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	inflightExamples.Add(float64(weight))
	defer func() {
		inflightExamples.Sub(float64(weight))
		s.sem.Release(weight)
	}()

	resp, err := s.compute(&req)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("status", rnnt.StatusOf(err).String()).Msg("Loss computation failed")
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) handleLossArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleLossArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var results []*lossResponse
	for reader.Next() {
		reqs, err := decodeLossRecord(reader.Record())
		if err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Bad Request (Arrow decode): %v", err), http.StatusBadRequest)
			return
		}

		for i := range reqs {
			weight := int64(reqs[i].Minibatch)
			if weight <= 0 {
				http.Error(w, "Bad Request: minibatch must be positive", http.StatusBadRequest)
				return
			}
			if err := s.sem.Acquire(ctx, weight); err != nil {
				log.Error().Err(err).Msg("Failed to acquire semaphore for arrow batch")
				http.Error(w, "Server busy", http.StatusServiceUnavailable)
				return
			}
			resp, err := s.compute(&reqs[i])
			s.sem.Release(weight)
			if err != nil {
				span.RecordError(err)
				log.Error().Err(err).Str("status", rnnt.StatusOf(err).String()).Msg("Loss computation failed")
				http.Error(w, err.Error(), httpStatusFor(err))
				return
			}
			results = append(results, resp)
		}
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		http.Error(w, "Stream error", http.StatusInternalServerError)
		return
	}

	rec := encodeLossResults(s.alloc, results)
	defer rec.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		log.Error().Err(err).Msg("Failed to write arrow response")
		_ = writer.Close()
		return
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close arrow writer")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
