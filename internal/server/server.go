package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/example/go-convkit/internal/config"
	"github.com/example/go-convkit/internal/runtime/ops"
	"github.com/example/go-convkit/internal/runtime/tensor"
)

// ParseLogLevel converts a config log-level string to slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// Engine runs the kernels behind the HTTP endpoints.
type Engine interface {
	Conv2D(ctx context.Context, image, filters, bias *tensor.Tensor, cfg ops.Conv2DConfig) (*tensor.Tensor, error)
	ConvTranspose2D(ctx context.Context, image, filters, bias *tensor.Tensor, cfg ops.ConvTranspose2DConfig) (*tensor.Tensor, error)
	GRU(ctx context.Context, input *tensor.Tensor, hidden []float32, w ops.GRUWeights) (*tensor.Tensor, []float32, error)
}

// OpsEngine is the Engine backed by internal/runtime/ops. Kernels are not
// interruptible: the context is checked once before a kernel starts, and a
// started kernel runs to completion.
type OpsEngine struct{}

func (OpsEngine) Conv2D(ctx context.Context, image, filters, bias *tensor.Tensor, cfg ops.Conv2DConfig) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return ops.Conv2D(image, filters, bias, cfg)
}

func (OpsEngine) ConvTranspose2D(ctx context.Context, image, filters, bias *tensor.Tensor, cfg ops.ConvTranspose2DConfig) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return ops.ConvTranspose2D(image, filters, bias, cfg)
}

func (OpsEngine) GRU(ctx context.Context, input *tensor.Tensor, hidden []float32, w ops.GRUWeights) (*tensor.Tensor, []float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cell, err := ops.NewGRUCell(w)
	if err != nil {
		return nil, nil, err
	}

	if hidden != nil {
		if err := cell.SetHidden(hidden); err != nil {
			return nil, nil, err
		}
	}

	out, err := cell.Run(input)
	if err != nil {
		return nil, nil, err
	}

	return out, cell.Hidden(), nil
}

// Option is a functional option for NewHandler.
type Option func(*handler)

// WithMaxBodyBytes caps the request body size. Larger bodies get 413.
// Zero disables the limit.
func WithMaxBodyBytes(n int64) Option {
	return func(h *handler) { h.maxBodyBytes = n }
}

// WithWorkers limits concurrent kernel runs. A slot is held until the engine
// call returns, even when the request has already timed out. Zero means
// unlimited.
func WithWorkers(n int) Option {
	return func(h *handler) {
		if n > 0 {
			h.sem = make(chan struct{}, n)
		}
	}
}

// WithRequestTimeout sets a per-request deadline covering the wait for a
// worker and the kernel run. Zero means no timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *handler) { h.requestTimeout = d }
}

// WithLogger sets a custom slog.Logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *handler) { h.logger = l }
}

// WithKernelDefaults sets the padding, layout and bias defaults applied to
// fields a request leaves empty.
func WithKernelDefaults(k config.KernelConfig) Option {
	return func(h *handler) { h.kernel = k }
}

type handler struct {
	engine         Engine
	kernel         config.KernelConfig
	maxBodyBytes   int64
	sem            chan struct{}
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewHandler builds the HTTP handler. A nil engine uses OpsEngine.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	if engine == nil {
		engine = OpsEngine{}
	}

	h := &handler{
		engine: engine,
		kernel: config.DefaultConfig().Kernel,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/v1/conv2d", h.handleConv2D)
	mux.HandleFunc("/v1/convtranspose2d", h.handleConvTranspose2D)
	mux.HandleFunc("/v1/gru", h.handleGRU)

	return mux
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "dev"
	}

	return info.Main.Version
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

type tensorJSON struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

func (t *tensorJSON) tensor(name string) (*tensor.Tensor, error) {
	if t == nil {
		return nil, nil
	}

	rt, err := tensor.New(t.Data, t.Shape)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ops.ErrInvalidShape, name, err)
	}

	return rt, nil
}

func toJSON(t *tensor.Tensor) tensorJSON {
	return tensorJSON{Shape: t.Shape(), Data: t.Data()}
}

type convRequest struct {
	Image       *tensorJSON `json:"image"`
	Filters     *tensorJSON `json:"filters"`
	Bias        *tensorJSON `json:"bias,omitempty"`
	Stride      []int64     `json:"stride,omitempty"`
	Dilation    []int64     `json:"dilation,omitempty"`
	Padding     string      `json:"padding,omitempty"`
	SameExtra   []int64     `json:"same_extra,omitempty"`
	Groups      int64       `json:"groups,omitempty"`
	Layout      string      `json:"layout,omitempty"`
	BiasMode    string      `json:"bias_mode,omitempty"`
	PadToStride *bool       `json:"pad_to_stride,omitempty"`
}

type gruGateJSON struct {
	Input      *tensorJSON `json:"input"`
	Hidden     *tensorJSON `json:"hidden"`
	InputBias  *tensorJSON `json:"input_bias,omitempty"`
	HiddenBias *tensorJSON `json:"hidden_bias,omitempty"`
}

type gruRequest struct {
	Input   *tensorJSON `json:"input"`
	Hidden  []float32   `json:"hidden,omitempty"`
	Weights struct {
		Update    gruGateJSON `json:"update"`
		Reset     gruGateJSON `json:"reset"`
		Candidate gruGateJSON `json:"candidate"`
	} `json:"weights"`
}

type gruResponse struct {
	Outputs tensorJSON `json:"outputs"`
	Hidden  []float32  `json:"hidden"`
}

// convInputs is a decoded conv request ready for the engine.
type convInputs struct {
	image, filters, bias *tensor.Tensor
	kernel               config.KernelConfig
	kh, kw               int64
	stride, dilation     ops.Pair
	groups               int64
}

func pairOf(name string, v []int64) (ops.Pair, error) {
	switch len(v) {
	case 0:
		return ops.Square(1), nil
	case 1:
		return ops.Square(v[0]), nil
	case 2:
		return ops.Pair{H: v[0], W: v[1]}, nil
	default:
		return ops.Pair{}, fmt.Errorf("%w: %s must have 1 or 2 values, got %d", ops.ErrInvalidConfig, name, len(v))
	}
}

func (h *handler) convInputs(req convRequest) (convInputs, error) {
	var in convInputs

	if req.Image == nil || req.Filters == nil {
		return in, fmt.Errorf("%w: image and filters are required", ops.ErrInvalidConfig)
	}

	var err error
	if in.image, err = req.Image.tensor("image"); err != nil {
		return in, err
	}

	if in.filters, err = req.Filters.tensor("filters"); err != nil {
		return in, err
	}

	if in.bias, err = req.Bias.tensor("bias"); err != nil {
		return in, err
	}

	if in.stride, err = pairOf("stride", req.Stride); err != nil {
		return in, err
	}

	if in.dilation, err = pairOf("dilation", req.Dilation); err != nil {
		return in, err
	}

	in.groups = req.Groups
	if in.groups == 0 {
		in.groups = 1
	}

	in.kernel = h.kernel
	if req.Padding != "" {
		in.kernel.Padding = req.Padding
	}

	if req.Layout != "" {
		in.kernel.Layout = req.Layout
	}

	if req.BiasMode != "" {
		in.kernel.TransposeBias = req.BiasMode
	}

	if req.PadToStride != nil {
		in.kernel.PadToStride = *req.PadToStride
	}

	if len(req.SameExtra) > 0 {
		extra, err := pairOf("same_extra", req.SameExtra)
		if err != nil {
			return in, err
		}

		in.kernel.SameExtraH, in.kernel.SameExtraW = extra.H, extra.W
	}

	if err := in.kernel.Validate(); err != nil {
		return in, fmt.Errorf("%w: %v", ops.ErrInvalidConfig, err)
	}

	layout, _ := in.kernel.LayoutValue()
	if in.filters.Rank() != 4 {
		return in, fmt.Errorf("%w: filters must be rank 4, got %v", ops.ErrInvalidShape, in.filters.Shape())
	}

	if layout == ops.LayoutFilterMajor {
		in.kh, in.kw = in.filters.Dim(2), in.filters.Dim(3)
	} else {
		in.kh, in.kw = in.filters.Dim(0), in.filters.Dim(1)
	}

	return in, nil
}

// kernelCall is a decoded request bound to its engine call.
type kernelCall func(ctx context.Context) (any, []int64, error)

func (h *handler) handleConv2D(w http.ResponseWriter, r *http.Request) {
	h.serveKernel(w, r, "conv2d", func(r *http.Request) (kernelCall, error) {
		var req convRequest
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}

		in, err := h.convInputs(req)
		if err != nil {
			return nil, err
		}

		cfg, err := in.kernel.Conv2DConfig(in.kh, in.kw, in.stride, in.dilation, in.groups)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ops.ErrInvalidConfig, err)
		}

		return func(ctx context.Context) (any, []int64, error) {
			out, err := h.engine.Conv2D(ctx, in.image, in.filters, in.bias, cfg)
			if err != nil {
				return nil, nil, err
			}

			return toJSON(out), out.Shape(), nil
		}, nil
	})
}

func (h *handler) handleConvTranspose2D(w http.ResponseWriter, r *http.Request) {
	h.serveKernel(w, r, "convtranspose2d", func(r *http.Request) (kernelCall, error) {
		var req convRequest
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}

		in, err := h.convInputs(req)
		if err != nil {
			return nil, err
		}

		cfg, err := in.kernel.ConvTranspose2DConfig(in.kh, in.kw, in.stride, in.dilation, in.groups)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ops.ErrInvalidConfig, err)
		}

		return func(ctx context.Context) (any, []int64, error) {
			out, err := h.engine.ConvTranspose2D(ctx, in.image, in.filters, in.bias, cfg)
			if err != nil {
				return nil, nil, err
			}

			return toJSON(out), out.Shape(), nil
		}, nil
	})
}

func gateOf(name string, g gruGateJSON) (ops.GRUGate, error) {
	var (
		gate ops.GRUGate
		err  error
	)

	if gate.Input, err = g.Input.tensor(name + ".input"); err != nil {
		return gate, err
	}

	if gate.Hidden, err = g.Hidden.tensor(name + ".hidden"); err != nil {
		return gate, err
	}

	if gate.InputBias, err = g.InputBias.tensor(name + ".input_bias"); err != nil {
		return gate, err
	}

	if gate.HiddenBias, err = g.HiddenBias.tensor(name + ".hidden_bias"); err != nil {
		return gate, err
	}

	return gate, nil
}

func (h *handler) handleGRU(w http.ResponseWriter, r *http.Request) {
	h.serveKernel(w, r, "gru", func(r *http.Request) (kernelCall, error) {
		var req gruRequest
		if err := h.decode(r, &req); err != nil {
			return nil, err
		}

		if req.Input == nil {
			return nil, fmt.Errorf("%w: input is required", ops.ErrInvalidConfig)
		}

		input, err := req.Input.tensor("input")
		if err != nil {
			return nil, err
		}

		var weights ops.GRUWeights
		if weights.Update, err = gateOf("update", req.Weights.Update); err != nil {
			return nil, err
		}

		if weights.Reset, err = gateOf("reset", req.Weights.Reset); err != nil {
			return nil, err
		}

		if weights.Candidate, err = gateOf("candidate", req.Weights.Candidate); err != nil {
			return nil, err
		}

		return func(ctx context.Context) (any, []int64, error) {
			out, hidden, err := h.engine.GRU(ctx, input, req.Hidden, weights)
			if err != nil {
				return nil, nil, err
			}

			return gruResponse{Outputs: toJSON(out), Hidden: hidden}, out.Shape(), nil
		}, nil
	})
}

// errBadRequest marks malformed request bodies.
var errBadRequest = errors.New("bad request")

func (h *handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return tooLarge
		}

		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}

	return nil
}

// errNoWorker marks requests whose context ended while queued for a slot.
var errNoWorker = errors.New("no worker available")

type kernelResult struct {
	body  any
	shape []int64
	err   error
}

// serveKernel applies the shared method check, body limit, timeout and worker
// slot around the call prepare builds, then logs one line per request. The
// engine call runs on its own goroutine, which owns the worker slot until the
// call returns; a timed-out request answers immediately without freeing it.
func (h *handler) serveKernel(w http.ResponseWriter, r *http.Request, kernel string, prepare func(*http.Request) (kernelCall, error)) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	start := time.Now()

	call, err := prepare(r)
	if err != nil {
		h.fail(w, kernel, start, err)
		return
	}

	ctx := r.Context()

	if h.requestTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	release, err := h.acquire(ctx)
	if err != nil {
		h.fail(w, kernel, start, err)
		return
	}

	done := make(chan kernelResult, 1)

	go func() {
		defer release()

		body, shape, err := call(ctx)
		done <- kernelResult{body: body, shape: shape, err: err}
	}()

	var res kernelResult

	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		h.fail(w, kernel, start, res.err)
		return
	}

	h.logger.Info("kernel request",
		"kernel", kernel,
		"shape", res.shape,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	writeJSON(w, http.StatusOK, res.body)
}

// acquire takes a worker slot. The returned func frees it.
func (h *handler) acquire(ctx context.Context) (func(), error) {
	if h.sem == nil {
		return func() {}, nil
	}

	select {
	case h.sem <- struct{}{}:
		return func() { <-h.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errNoWorker, ctx.Err())
	}
}

func (h *handler) fail(w http.ResponseWriter, kernel string, start time.Time, err error) {
	status := statusFor(err)
	h.logger.Warn("kernel request failed",
		"kernel", kernel,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err.Error(),
	)
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errNoWorker):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, ops.ErrInvalidConfig), errors.Is(err, ops.ErrInvalidShape), errors.Is(err, ops.ErrOutOfMemory):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Server wraps an http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	engine          Engine
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// New creates a Server from cfg. A nil engine uses OpsEngine.
func New(cfg config.Config, engine Engine) *Server {
	return &Server{
		cfg:             cfg,
		engine:          engine,
		logger:          slog.Default(),
		shutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
	}
}

// WithShutdownTimeout overrides the graceful shutdown window.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

// Handler returns the HTTP handler configured from the server config.
func (s *Server) Handler() http.Handler {
	return NewHandler(s.engine,
		WithKernelDefaults(s.cfg.Kernel),
		WithMaxBodyBytes(s.cfg.Server.MaxBodyBytes),
		WithWorkers(s.cfg.Server.Workers),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
		WithLogger(s.logger),
	)
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("server listening",
			"addr", s.cfg.Server.ListenAddr,
			"workers", s.cfg.Server.Workers,
			"max_body_bytes", s.cfg.Server.MaxBodyBytes,
		)

		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}

		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}

		return err
	}
}

// CheckHealth reports whether a running server answers /health with 200.
func CheckHealth(addr string) error {
	host := addr
	if strings.HasPrefix(host, ":") {
		host = net.JoinHostPort("127.0.0.1", strings.TrimPrefix(host, ":"))
	}

	client := &http.Client{Timeout: 3 * time.Second}

	resp, err := client.Get("http://" + host + "/health")
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}

	return nil
}
