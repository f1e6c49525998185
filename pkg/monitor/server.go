// Package monitor serves the HTTP and websocket API of the print host:
// engine status, scan-line upload, head control and job history.
package monitor

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	hosterrors "hp45-host/pkg/errors"
	"hp45-host/pkg/journal"
	"hp45-host/pkg/log"
	"hp45-host/pkg/printer"
	"hp45-host/pkg/reactor"
	"hp45-host/pkg/safety"
	"hp45-host/pkg/topology"
)

const maxBodySize = 4 << 20

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7125")
	Addr string

	Engine  *printer.Engine
	Reactor *reactor.Reactor

	// Journal is optional; without it the history endpoints return 404.
	Journal *journal.Journal

	// Safety is optional; with it the head cannot be enabled while the
	// host is shut down.
	Safety *safety.Manager

	// DPI is the initial resolution for packed scan lines. Default 600.
	DPI int

	// Interval between notify_status pushes. Default 250ms.
	Interval time.Duration
}

// Server is the monitor API server.
type Server struct {
	addr     string
	engine   *printer.Engine
	reactor  *reactor.Reactor
	journal  *journal.Journal
	safety   *safety.Manager
	decoder  *topology.Decoder
	interval time.Duration

	httpServer *http.Server

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   atomic.Int64

	startTime time.Time
	logger    *log.Logger
}

// New creates a monitor server.
func New(cfg Config) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	s := &Server{
		addr:      cfg.Addr,
		engine:    cfg.Engine,
		reactor:   cfg.Reactor,
		journal:   cfg.Journal,
		safety:    cfg.Safety,
		decoder:   topology.NewDecoder(),
		interval:  cfg.Interval,
		wsClients: make(map[int64]*wsClient),
		startTime: time.Now(),
		logger:    log.GetLogger("monitor"),
	}
	if cfg.DPI > 0 {
		if _, err := s.decoder.SetDPI(cfg.DPI); err != nil {
			s.logger.WithError(err).Warn("keeping native resolution")
		}
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// SetDPI changes the resolution used to decode packed scan lines and
// returns the effective value.
func (s *Server) SetDPI(ctx context.Context, dpi int) (int, error) {
	v, err := s.onReactor(ctx, func(float64) (any, error) {
		return s.decoder.SetDPI(dpi)
	})
	if err != nil {
		return 0, hosterrors.RequestError("dpi", err.Error())
	}
	return v.(int), nil
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/lines", s.handleLines)
	mux.HandleFunc("/api/control", s.handleControl)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/history/totals", s.handleTotals)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	return s.corsMiddleware(mux)
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return hosterrors.RuntimeErrorInit("monitor", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and pushes status to websocket clients until ctx is
// done, then shuts the server down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("addr", ln.Addr().String()).Info("monitor API listening")

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.broadcastLoop(loopCtx)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.closeClients()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

type callResult struct {
	value any
	err   error
}

// onReactor runs fn on the reactor goroutine and waits for its result.
func (s *Server) onReactor(ctx context.Context, fn func(eventtime float64) (any, error)) (any, error) {
	if s.reactor == nil {
		return fn(float64(time.Since(s.startTime)) / float64(time.Second))
	}
	c := s.reactor.RegisterAsyncCallback(func(eventtime float64) interface{} {
		v, err := fn(eventtime)
		return callResult{v, err}
	})
	v, err := c.WaitContext(ctx)
	if err != nil {
		return nil, err
	}
	switch r := v.(type) {
	case callResult:
		return r.value, r.err
	case error:
		return nil, r
	default:
		return v, nil
	}
}

func (s *Server) eventtime() float64 {
	if s.reactor != nil {
		return s.reactor.Monotonic()
	}
	return time.Since(s.startTime).Seconds()
}

func (s *Server) status() map[string]any {
	st := map[string]any{
		"eventtime": s.eventtime(),
		"status":    s.engine.Status(),
	}
	if s.safety != nil {
		st["safety"] = s.safety.Status()
	}
	return st
}

// REST endpoint handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, map[string]any{"result": s.status()})
}

func (s *Server) handleLines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req linesRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSONError(w, err)
		return
	}
	result, err := s.pushLines(r.Context(), req.Lines)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req controlRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeJSONError(w, err)
		return
	}
	result, err := s.control(r.Context(), req)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.NotFound(w, r)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeJSONError(w, hosterrors.RequestError("limit", "limit must be an integer"))
			return
		}
		limit = n
	}
	jobs, err := s.journal.ListJobs(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": map[string]any{
		"count": len(jobs),
		"jobs":  jobs,
	}})
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.NotFound(w, r)
		return
	}
	totals, err := s.journal.Totals(r.Context())
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": map[string]any{"job_totals": totals}})
}

// CORS middleware so browser dashboards on other origins can call the API.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON helpers

func (s *Server) readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return hosterrors.RequestError("body", err.Error())
	}
	if err := sonnet.Unmarshal(body, v); err != nil {
		return hosterrors.RequestError("body", "invalid JSON: "+err.Error())
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	body, err := sonnet.Marshal(data)
	if err != nil {
		s.logger.WithError(err).Error("unable to encode response")
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// httpStatus maps an error to a response code.
func httpStatus(err error) int {
	if errors.Is(err, reactor.ErrReactorClosed) || errors.Is(err, reactor.ErrQueueFull) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, journal.ErrJobNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, journal.ErrJobActive) || errors.Is(err, journal.ErrNoActiveJob) ||
		errors.Is(err, safety.ErrShutdown) {
		return http.StatusConflict
	}
	code, ok := hosterrors.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case hosterrors.ErrAPIRequest, hosterrors.ErrHeadNozzle, hosterrors.ErrHeadPattern,
		hosterrors.ErrBufferMode, hosterrors.ErrEncoderSettings:
		return http.StatusBadRequest
	case hosterrors.ErrHeadDisabled, hosterrors.ErrBufferFull, hosterrors.ErrDispatchBusy:
		return http.StatusConflict
	case hosterrors.ErrDispatchTimeout, hosterrors.ErrLinkTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	body, merr := sonnet.Marshal(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": err.Error(),
		},
	})
	if merr != nil {
		s.logger.WithError(merr).Error("unable to encode error response")
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
