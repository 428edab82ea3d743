package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"relieffund/internal/chain"
	"relieffund/internal/config"
	"relieffund/internal/idempotency"
	"relieffund/internal/logging"
	"relieffund/internal/metrics"
	"relieffund/internal/relief"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Donations is satisfied by *relief.Orchestrator.
type Donations interface {
	ProcessDonation(ctx context.Context, req relief.DonationRequest) (relief.DonationOutcome, error)
}

// Distributions is satisfied by *relief.Distributor.
type Distributions interface {
	Distribute(ctx context.Context, req relief.DistributionRequest) (relief.DistributionOutcome, error)
}

type Deps struct {
	Donations     Donations
	Distributions Distributions
	Store         idempotency.Store
	Logger        *zap.Logger
	Metrics       *metrics.Registry

	RPCHealth  func(context.Context) error
	DBHealth   func(context.Context) error
	QueueDepth func() (int, error)
}

type Server struct {
	cfg        config.ServiceConfig
	deps       Deps
	log        *zap.Logger
	httpServer *http.Server

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewServer(cfg config.ServiceConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Store == nil {
		deps.Store = idempotency.NewMemoryStore()
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 24 * time.Hour
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		log:      logger,
		inflight: make(map[string]struct{}),
	}

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Post("/donate", s.handleDonate)
	r.Post("/distribute", s.handleDistribute)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	return r
}

func (s *Server) Start() error {
	s.log.Info("api_listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type donateRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Token  string          `json:"token"`
}

type distributeRequest struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

type successResponse struct {
	Message string         `json:"message"`
	Receipt *chain.Receipt `json:"receipt"`
}

type errorResponse struct {
	Message        string         `json:"message"`
	Kind           string         `json:"kind"`
	Step           string         `json:"step,omitempty"`
	ChargeID       string         `json:"chargeId,omitempty"`
	TxHash         string         `json:"txHash,omitempty"`
	LedgerRecorded *bool          `json:"ledgerRecorded,omitempty"`
	Receipt        *chain.Receipt `json:"receipt,omitempty"`
}

func (s *Server) handleDonate(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "/donate", func(ctx context.Context, body []byte, key string) (int, any) {
		var payload donateRequest
		if err := decodeJSON(body, &payload); err != nil {
			return invalidJSON(err)
		}
		out, err := s.deps.Donations.ProcessDonation(ctx, relief.DonationRequest{
			Amount:         payload.Amount,
			PaymentToken:   payload.Token,
			IdempotencyKey: key,
		})
		if err != nil {
			return errorBody(err, true)
		}
		if out.AlreadyRecorded {
			return http.StatusOK, successResponse{Message: relief.MsgAlreadyRecorded}
		}
		return http.StatusOK, successResponse{Message: relief.MsgDonationSuccess, Receipt: out.Receipt}
	})
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	s.idempotent(w, r, "/distribute", func(ctx context.Context, body []byte, _ string) (int, any) {
		var payload distributeRequest
		if err := decodeJSON(body, &payload); err != nil {
			return invalidJSON(err)
		}
		out, err := s.deps.Distributions.Distribute(ctx, relief.DistributionRequest{
			Recipient: strings.TrimSpace(payload.Recipient),
			Amount:    payload.Amount,
		})
		if err != nil {
			return errorBody(err, false)
		}
		return http.StatusOK, successResponse{Message: relief.MsgDistributionSuccess, Receipt: out.Receipt}
	})
}

type handlerFunc func(ctx context.Context, body []byte, key string) (int, any)

// idempotent reads the body and runs fn. With an X-Idempotency-Key header the
// first response is stored and replayed for the same key and body.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, route string, fn handlerFunc) {
	ctx := r.Context()
	logger := logging.FromContextOr(ctx, s.log)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "could not read request body", Kind: string(relief.KindInvalidRequest)})
		return
	}

	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		status, resp := fn(ctx, body, "")
		writeJSON(w, status, resp)
		return
	}

	storeKey := route + ":" + key
	fingerprint := idempotency.Fingerprint(route, body)
	existing, err := idempotency.Lookup(ctx, s.deps.Store, storeKey, fingerprint)
	switch {
	case errors.Is(err, idempotency.ErrKeyReused):
		writeJSON(w, http.StatusConflict, errorResponse{Message: err.Error(), Kind: string(relief.KindInvalidRequest)})
		return
	case err != nil:
		logger.Error("idempotency_lookup_failed", zap.String("route", route), zap.Error(err))
	case existing != nil:
		s.deps.Metrics.IncReplay(route)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Idempotent-Replayed", "true")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		return
	}

	if !s.claim(storeKey) {
		writeJSON(w, http.StatusConflict, errorResponse{Message: "a request with this idempotency key is in progress", Kind: string(relief.KindInvalidRequest)})
		return
	}
	defer s.release(storeKey)

	status, resp := fn(ctx, body, key)
	encoded, err := json.Marshal(resp)
	if err != nil {
		logger.Error("response_encode_failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// The request may already be cancelled; the record must still land.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	rec := idempotency.NewRecord(fingerprint, status, encoded, time.Now(), s.cfg.IdempotencyWindow)
	if err := s.deps.Store.Save(saveCtx, storeKey, rec); err != nil {
		logger.Error("idempotency_save_failed", zap.String("route", route), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(encoded, '\n'))
}

func (s *Server) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Server) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

func statusFor(kind relief.Kind) int {
	switch kind {
	case relief.KindInvalidRequest:
		return http.StatusBadRequest
	case relief.KindPaymentFailed:
		return http.StatusPaymentRequired
	case relief.KindLedgerFailure:
		return http.StatusInternalServerError
	case relief.KindChainFailure, relief.KindDistributionFailed:
		return http.StatusBadGateway
	case relief.KindChainTimeout, relief.KindDistributionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error, donation bool) (int, any) {
	var rerr *relief.Error
	if !errors.As(err, &rerr) {
		return http.StatusInternalServerError, errorResponse{Message: "internal error", Kind: "Internal"}
	}
	resp := errorResponse{
		Message:  rerr.Message,
		Kind:     string(rerr.Kind),
		Step:     rerr.Step,
		ChargeID: rerr.ChargeID,
		TxHash:   rerr.TxHash,
		Receipt:  rerr.Receipt,
	}
	if donation && rerr.ChargeID != "" {
		recorded := rerr.LedgerRecorded()
		resp.LedgerRecorded = &recorded
	}
	return statusFor(rerr.Kind), resp
}

func invalidJSON(err error) (int, any) {
	return http.StatusBadRequest, errorResponse{
		Message: "Invalid JSON payload: " + err.Error(),
		Kind:    string(relief.KindInvalidRequest),
		Step:    relief.StepValidate,
	}
}

func decodeJSON(body []byte, dst any) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.deps.RPCHealth != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.RPCHealth(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.deps.DBHealth != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.DBHealth(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth := 0
	if s.deps.QueueDepth != nil {
		if depth, err := s.deps.QueueDepth(); err == nil {
			queueDepth = depth
			s.deps.Metrics.SetReconcileDepth(depth)
		} else {
			logging.FromContextOr(ctx, s.log).Warn("reconcile_depth_failed", zap.Error(err))
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string `json:"status"`
		RPC        any    `json:"rpc"`
		Database   any    `json:"database"`
		QueueDepth int    `json:"reconcile_queue_depth"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// accessLog logs one line per request and hands a request-scoped logger to
// the handlers through the context.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqLogger := s.log.With(zap.String("request_id", middleware.GetReqID(r.Context())))
		ctx := logging.ContextWithLogger(r.Context(), reqLogger)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		reqLogger.Info("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}
