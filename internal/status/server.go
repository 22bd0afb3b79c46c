// Package status serves a read-only JSON view of the poller.
package status

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"bilisub/internal/eventbus"
	"bilisub/internal/notifier"
	"bilisub/internal/poller"
	rtsup "bilisub/internal/runtime/supervisor"
	"bilisub/internal/subscription"
	"bilisub/internal/task/scheduler"
)

const (
	requestTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	defaultEvents   = 50
)

type Config struct {
	Addr  string
	Token string // optional bearer token
}

type PollerStatus interface {
	Stats() poller.RunnerStats
	PoolStats() poller.PoolStats
}

type TriggerStatus interface {
	Stats() scheduler.Stats
}

type SubscriptionLister interface {
	ListAll(ctx context.Context) (subscription.Snapshot, error)
}

type EventSource interface {
	Recent(n int) []eventbus.Event
}

type SupervisorStatus interface {
	Snapshot() []rtsup.Stats
}

type DeliveryHistory interface {
	Snapshot() []notifier.HistoryItem
}

// Deps are the views the server reads. Routes backed by a nil entry
// answer 404.
type Deps struct {
	Poller        PollerStatus
	Trigger       TriggerStatus
	Subscriptions SubscriptionLister
	Events        EventSource
	Supervisor    SupervisorStatus
	Deliveries    DeliveryHistory
}

type Server struct {
	cfg     Config
	deps    Deps
	log     zerolog.Logger
	started time.Time
}

func New(cfg Config, deps Deps, log zerolog.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, log: log, started: time.Now()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("request_id", "Request-Id"))
	r.Use(hlog.RemoteAddrHandler("remote_ip"))
	r.Use(hlog.AccessHandler(accessLog))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/pool", s.handlePool)
		r.Get("/trigger", s.handleTrigger)
		r.Get("/subscriptions", s.handleSubscriptions)
		r.Get("/subscriptions/{category}", s.handleSubscriptions)
		r.Get("/events", s.handleEvents)
		r.Get("/deliveries", s.handleDeliveries)
		r.Get("/supervisor", s.handleSupervisor)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return nil
}

func accessLog(r *http.Request, status, size int, d time.Duration) {
	hlog.FromRequest(r).Debug().
		Int("status", status).
		Int("size", size).
		Dur("duration", d).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("http")
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	if s.deps.Poller == nil {
		writeError(w, http.StatusNotFound, "poller disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool":   s.deps.Poller.PoolStats(),
		"runner": s.deps.Poller.Stats(),
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trigger == nil {
		writeError(w, http.StatusNotFound, "poller disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Trigger.Stats())
}

type subscriptionView struct {
	Category      subscription.Category `json:"category"`
	ID            int64                 `json:"id"`
	Name          string                `json:"name,omitempty"`
	Owners        int                   `json:"owners"`
	LiveStatus    string                `json:"live_status,omitempty"`
	LastPostTime  int64                 `json:"last_post_time,omitempty"`
	LastVideoTime int64                 `json:"last_video_time,omitempty"`
	EpisodeIndex  string                `json:"episode_index,omitempty"`
	LastCheckedAt *time.Time            `json:"last_checked_at,omitempty"`
}

// Owner ids are chat ids and are only counted.
func viewOf(r subscription.Record) subscriptionView {
	v := subscriptionView{
		Category:      r.Category,
		ID:            r.ID,
		Name:          r.DisplayName,
		Owners:        len(r.Owners),
		LastPostTime:  r.LastPostTime,
		LastVideoTime: r.LastVideoTime,
		EpisodeIndex:  r.EpisodeIndex,
	}
	if r.Category == subscription.Live {
		v.LiveStatus = r.LiveStatus.String()
	}
	if !r.LastCheckedAt.IsZero() {
		t := r.LastCheckedAt
		v.LastCheckedAt = &t
	}
	return v
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Subscriptions == nil {
		writeError(w, http.StatusNotFound, "store unavailable")
		return
	}
	var only subscription.Category
	if raw := chi.URLParam(r, "category"); raw != "" {
		c, err := subscription.ParseCategory(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		only = c
	}
	snap, err := s.deps.Subscriptions.ListAll(r.Context())
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("list subscriptions")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	out := []subscriptionView{}
	for _, cat := range subscription.Categories {
		if only != "" && cat != only {
			continue
		}
		for _, rec := range snap[cat] {
			out = append(out, viewOf(rec))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(out), "subscriptions": out})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotFound, "events disabled")
		return
	}
	n := defaultEvents
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		n = v
	}
	writeJSON(w, http.StatusOK, s.deps.Events.Recent(n))
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deliveries == nil {
		writeError(w, http.StatusNotFound, "notifier disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Deliveries.Snapshot())
}

func (s *Server) handleSupervisor(w http.ResponseWriter, r *http.Request) {
	if s.deps.Supervisor == nil {
		writeError(w, http.StatusNotFound, "supervisor unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Supervisor.Snapshot())
}
