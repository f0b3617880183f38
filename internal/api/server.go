package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
	"github.com/JakeFAU/fx-rate-archiver/internal/hash/sha256"
	"github.com/JakeFAU/fx-rate-archiver/internal/metrics"
	"github.com/JakeFAU/fx-rate-archiver/internal/runlog"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	maxGapDays      = 3660
	requestTimeout  = 30 * time.Second
)

// RateReader is the read side of the record store.
type RateReader interface {
	Query(ctx context.Context, source, target string, window *archive.DateRange) ([]archive.Observation, error)
	Sources(ctx context.Context) ([]string, error)
}

// GapAnalyzer previews missing observations.
type GapAnalyzer interface {
	AnalyzeGaps(ctx context.Context, q archive.GapQuery) ([]archive.MissingPoint, error)
}

// RunHistory lists recent runs.
type RunHistory interface {
	Recent(ctx context.Context, limit int) ([]runlog.Entry, error)
}

// Server wires HTTP handlers to the archive.
type Server struct {
	router   chi.Router
	rates    RateReader
	gaps     GapAnalyzer
	runs     RunHistory
	clock    archive.Clock
	logger   *zap.Logger
	timeout  time.Duration
	provider []archive.Provider
	hasher   *sha256.Hasher
}

// Option customizes a Server.
type Option func(*Server)

// WithClock sets the clock used to default date windows.
func WithClock(clock archive.Clock) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithProviders sets the providers /v1/gaps checks when none are requested.
func WithProviders(providers []archive.Provider) Option {
	return func(s *Server) {
		s.provider = providers
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewServer constructs a Server with middleware and routes. runs may be nil.
func NewServer(rates RateReader, gaps GapAnalyzer, runs RunHistory, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		rates:    rates,
		gaps:     gaps,
		runs:     runs,
		clock:    systemClock{},
		logger:   logger,
		timeout:  requestTimeout,
		provider: []archive.Provider{archive.ProviderVisa, archive.ProviderMastercard},
		hasher:   sha256.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources", s.listSources)
		r.Get("/rates/{source}/{target}", s.getRates)
		r.Get("/gaps", s.getGaps)
		r.Get("/runs", s.listRuns)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	sources, err := s.rates.Sources(ctx)
	if err != nil {
		s.logger.Error("list sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	if sources == nil {
		sources = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// getRates handles GET /v1/rates/{source}/{target}?from=&to=&provider=.
// Without from/to the full history is returned.
func (s *Server) getRates(w http.ResponseWriter, r *http.Request) {
	pair, err := archive.ParsePair(chi.URLParam(r, "source") + "/" + chi.URLParam(r, "target"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	window, err := parseOptionalWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var only archive.Provider
	if raw := strings.TrimSpace(r.URL.Query().Get("provider")); raw != "" {
		if only, err = archive.ParseProvider(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	rows, err := s.rates.Query(ctx, pair.Source, pair.Target, window)
	if err != nil {
		s.logger.Error("query rates failed", zap.Stringer("pair", pair), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query rates")
		return
	}
	out := make([]archive.Observation, 0, len(rows))
	for _, o := range rows {
		if only != archive.AnyProvider && o.Provider != only {
			continue
		}
		out = append(out, o)
	}
	s.writeCacheable(w, r, map[string]any{
		"pair":         pair.String(),
		"observations": out,
	})
}

// getGaps handles GET /v1/gaps?pairs=USD/INR,EUR/INR&from=&to=&providers=.
// from/to default to the last 30 days.
func (s *Server) getGaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pairs, err := archive.ParsePairs(splitList(q.Get("pairs")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(pairs) == 0 {
		writeError(w, http.StatusBadRequest, "pairs required")
		return
	}
	window, err := parseOptionalWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if window == nil {
		last, _ := archive.LastNDays(archive.Today(s.clock.Now()), 30)
		window = &last
	}
	if window.Days() > maxGapDays {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("range exceeds %d days", maxGapDays))
		return
	}
	providers := s.provider
	if raw := splitList(q.Get("providers")); len(raw) > 0 {
		providers = providers[:0:0]
		for _, name := range raw {
			p, err := archive.ParseProvider(name)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			providers = append(providers, p)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	points, err := s.gaps.AnalyzeGaps(ctx, archive.GapQuery{Pairs: pairs, Range: *window, Providers: providers})
	if err != nil {
		if errors.Is(err, archive.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("gap analysis failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to analyze gaps")
		return
	}
	if points == nil {
		points = []archive.MissingPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"range":   window.String(),
		"missing": len(points),
		"points":  points,
	})
}

// listRuns handles GET /v1/runs?limit=. 503 when no history is configured.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(v, maxRunLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	entries, err := s.runs.Recent(ctx, limit)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if entries == nil {
		entries = []runlog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": entries})
}

func parseOptionalWindow(r *http.Request) (*archive.DateRange, error) {
	from := strings.TrimSpace(r.URL.Query().Get("from"))
	to := strings.TrimSpace(r.URL.Query().Get("to"))
	if from == "" && to == "" {
		return nil, nil
	}
	if from == "" || to == "" {
		return nil, errors.New("from and to must be given together")
	}
	window, err := archive.ParseDateRange(from, to)
	if err != nil {
		return nil, err
	}
	return &window, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", RequestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", RequestID(r.Context())),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// writeCacheable answers 200 with an ETag, or 304 when the client already
// holds the same body.
func (s *Server) writeCacheable(w http.ResponseWriter, r *http.Request, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	etag := s.hasher.ETag(body)
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(body, '\n'))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
