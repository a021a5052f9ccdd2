package netsync

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const defaultSessionLimit = 50

// Admin serves the read-only HTTP status surface of a Server
type Admin struct {
	srv     *Server
	history *History
	log     *zap.SugaredLogger

	http *http.Server
	ln   net.Listener
}

// NewAdmin returns the admin surface of srv. history may be nil.
func NewAdmin(srv *Server, history *History, log *zap.SugaredLogger) *Admin {
	return &Admin{srv: srv, history: history, log: nopIfNil(log)}
}

// Router builds the admin routes
func (a *Admin) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/healthz", a.getHealth)
	r.Get("/status", a.getStatus)
	r.Get("/sessions", a.getSessions)

	return r
}

func (a *Admin) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		a.log.Debugw("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"took", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *Admin) getHealth(w http.ResponseWriter, r *http.Request) {
	st := a.srv.Status()
	if !st.Running {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	UptimeSec float64 `json:"uptime_sec"`
	Status
}

func (a *Admin) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		UptimeSec: Uptime().Seconds(),
		Status:    a.srv.Status(),
	})
}

func (a *Admin) getSessions(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session history disabled"})
		return
	}

	limit := defaultSessionLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	recs, err := a.history.Recent(limit)
	if err != nil {
		a.log.Warnw("read session history", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	if recs == nil {
		recs = []SessionRecord{}
	}

	writeJSON(w, http.StatusOK, recs)
}

// ListenAndServe serves the admin routes on addr in the background
func (a *Admin) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	a.ln = ln
	a.http = &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Errorw("admin server", "err", err)
		}
	}()

	a.log.Infow("admin listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the address the admin server listens on or nil
func (a *Admin) Addr() net.Addr {
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

func (a *Admin) Close() error {
	if a.http == nil {
		return nil
	}
	return a.http.Close()
}
