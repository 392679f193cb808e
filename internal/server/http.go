package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-fletcher/internal/attention"
	"github.com/23skdu/longbow-fletcher/internal/positional"
	"github.com/23skdu/longbow-fletcher/internal/tensor"
	"github.com/23skdu/longbow-fletcher/internal/wire"
)

const (
	contentTypeCBOR  = "application/cbor"
	contentTypeArrow = "application/vnd.apache.arrow.stream"
)

var tracer = otel.Tracer("fletcher-server")

// errBusy is returned when no admission slot frees up before the request
// context ends.
var errBusy = errors.New("server busy")

// httpError pins an error to a status code.
type httpError struct {
	code int
	err  error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &httpError{code: http.StatusBadRequest, err: fmt.Errorf(format, args...)}
}

// statusFor maps kernel and decode errors onto HTTP status codes.
func statusFor(err error) int {
	var he *httpError
	switch {
	case errors.As(err, &he):
		return he.code
	case errors.Is(err, errBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, tensor.ErrIncompatibleShape),
		errors.Is(err, positional.ErrOutOfRange),
		errors.Is(err, positional.ErrInvalidConfig),
		errors.Is(err, wire.ErrMalformedRecord):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type Server struct {
	cfg    Config
	engine Engine
	alloc  memory.Allocator
	sem    *semaphore.Weighted
}

func NewServer(cfg Config, engine Engine) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:    cfg,
		engine: engine,
		alloc:  memory.NewGoAllocator(),
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/attention", s.endpoint("attention", s.handleAttention))
	mux.HandleFunc("/attention/arrow", s.endpoint("attention_arrow", s.handleAttentionArrow))
	mux.HandleFunc("/positional", s.endpoint("positional", s.handlePositional))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run serves HTTP on cfg.ListenAddr until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("Starting Fletcher Server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down Fletcher Server")
		return srv.Shutdown(shutdownCtx)
	}
}

type handlerFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request) error

// endpoint wraps a POST handler with tracing, metrics and error responses.
// h must not write to w when it returns an error.
func (s *Server) endpoint(name string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "handle_"+name)
		defer span.End()

		start := time.Now()
		code := http.StatusOK
		defer func() {
			requestsTotal.WithLabelValues(name, strconv.Itoa(code)).Inc()
			requestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}()

		var err error
		if r.Method != http.MethodPost {
			err = &httpError{code: http.StatusMethodNotAllowed, err: errors.New("method not allowed")}
		} else {
			err = h(ctx, w, r)
		}
		if err == nil {
			return
		}

		code = statusFor(err)
		span.RecordError(err)
		span.SetAttributes(attribute.Int("http.status_code", code))
		if code >= http.StatusInternalServerError {
			log.Error().Err(err).Str("endpoint", name).Int("code", code).Msg("Request failed")
		} else {
			log.Debug().Err(err).Str("endpoint", name).Int("code", code).Msg("Request rejected")
		}
		writeError(w, code, err)
	}
}

// admit takes an admission slot, waiting until one frees up or ctx ends.
func (s *Server) admit(ctx context.Context) (release func(), err error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		return nil, fmt.Errorf("%w: %v", errBusy, err)
	}
	inflightRequests.Inc()
	return func() {
		inflightRequests.Dec()
		s.sem.Release(1)
	}, nil
}

// decodeBody reads at most cfg.MaxBodyBytes of CBOR into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &httpError{code: http.StatusRequestEntityTooLarge,
				err: fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return badRequest("reading body: %v", err)
	}
	if err := wire.Unmarshal(body, v); err != nil {
		return badRequest("CBOR decode: %v", err)
	}
	return nil
}

func (s *Server) runAttention(ctx context.Context, w http.ResponseWriter, r *http.Request) (output, weights *tensor.Tensor, err error) {
	var req wire.AttentionRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		return nil, nil, err
	}
	policy, err := attention.ParseMaskedRowPolicy(req.MaskedRows)
	if err != nil {
		return nil, nil, badRequest("%v", err)
	}
	q, k, v, mask, err := req.Tensors()
	if err != nil {
		return nil, nil, err
	}

	release, err := s.admit(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	return s.engine.Attention(ctx, q, k, v, mask, policy)
}

func (s *Server) handleAttention(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	out, weights, err := s.runAttention(ctx, w, r)
	if err != nil {
		return err
	}
	return writeCBOR(w, &wire.AttentionResponse{
		Output:  wire.FromTensor(out),
		Weights: wire.FromTensor(weights),
	})
}

// handleAttentionArrow takes the same CBOR request and answers with an Arrow
// IPC stream holding one record with output and weights columns.
func (s *Server) handleAttentionArrow(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	out, weights, err := s.runAttention(ctx, w, r)
	if err != nil {
		return err
	}

	rec, err := wire.EncodeTensors(s.alloc,
		wire.Named{Name: "output", Tensor: out},
		wire.Named{Name: "weights", Tensor: weights},
	)
	if err != nil {
		return err
	}
	defer rec.Release()

	var buf bytes.Buffer
	if err := wire.WriteIPC(&buf, rec); err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentTypeArrow)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
	return nil
}

func (s *Server) handlePositional(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var req wire.PositionalRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		return err
	}

	release, err := s.admit(ctx)
	if err != nil {
		return err
	}
	defer release()

	pe, err := s.engine.Positional(ctx, req.MaxSeqLen, req.DModel, req.SeqLen)
	if err != nil {
		return err
	}
	return writeCBOR(w, wire.FromTensor(pe))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeCBOR(w http.ResponseWriter, v any) error {
	data, err := wire.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	return nil
}

func writeError(w http.ResponseWriter, code int, err error) {
	data, merr := wire.Marshal(&wire.ErrorResponse{Error: err.Error()})
	if merr != nil {
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
