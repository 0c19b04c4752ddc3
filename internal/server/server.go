package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/softlens/detbridge/internal/config"
	"github.com/softlens/detbridge/internal/detection"
)

// Detector runs detection over a batch of decoded images. It is typically a
// *detection.Adapter, but tests substitute a fake.
type Detector interface {
	Forward(ctx context.Context, batched []detection.ImageInput) ([]detection.Result, error)
}

type options struct {
	maxBodyBytes   int64
	requestTimeout time.Duration
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxBodyBytes:   64 << 20,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxBodyBytes caps the size of a POST /v1/detect request body.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) { o.maxBodyBytes = n }
}

// WithRequestTimeout sets the per-request detection deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type handler struct {
	detector Detector
	opts     options
	log      *slog.Logger

	// The detector feeds a single named workspace, so requests take
	// turns rather than interleaving blob writes.
	mu sync.Mutex
}

// NewHandler returns an http.Handler serving POST /v1/detect, /healthz,
// and /metrics.
func NewHandler(detector Detector, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		detector: detector,
		opts:     opts,
		log:      opts.logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/detect", h.handleDetect)
	return mux
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type detectRequest struct {
	// Images holds base64-encoded JPEG or PNG bytes, one per entry.
	Images []string `json:"images"`
}

type detectResponse struct {
	Results []detection.Result `json:"results"`
}

func (h *handler) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.opts.maxBodyBytes)
	var req detectRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", h.opts.maxBodyBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Images) == 0 {
		writeError(w, http.StatusBadRequest, "images field is required")
		return
	}

	inputs := make([]detection.ImageInput, 0, len(req.Images))
	for i, enc := range req.Images {
		raw, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("images[%d]: invalid base64: %v", i, err))
			return
		}
		input, err := detection.ReadImageInput(bytes.NewReader(raw))
		if err != nil {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("images[%d]: %v", i, err))
			return
		}
		inputs = append(inputs, input)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()
	h.mu.Lock()
	results, err := h.detector.Forward(ctx, inputs)
	h.mu.Unlock()
	durationMS := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			h.log.WarnContext(r.Context(), "detection timed out",
				slog.Int("images", len(inputs)),
				slog.Int64("duration_ms", durationMS),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusGatewayTimeout, "detection timed out")
			return
		}
		h.log.ErrorContext(r.Context(), "detection failed",
			slog.Int("images", len(inputs)),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	total := 0
	for _, res := range results {
		total += len(res.Detections)
	}
	h.log.InfoContext(r.Context(), "detection complete",
		slog.Int("images", len(inputs)),
		slog.Int("detections", total),
		slog.Int64("duration_ms", durationMS),
	)

	writeJSON(w, http.StatusOK, detectResponse{Results: results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Server wires the handler into a net/http.Server with graceful shutdown.
type Server struct {
	srv             *http.Server
	log             *slog.Logger
	shutdownTimeout time.Duration
}

// New builds a Server from the server section of the config.
func New(cfg config.ServerConfig, detector Detector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHandler(detector,
		WithMaxBodyBytes(cfg.MaxBodyBytes),
		WithRequestTimeout(cfg.Timeout()),
		WithLogger(logger),
	)
	return &Server{
		srv: &http.Server{
			Addr:              cfg.ListenAddress,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log:             logger,
		shutdownTimeout: 10 * time.Second,
	}
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return <-errCh
}
