package cwmp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/acs/pkg/events"
	"github.com/cuemby/acs/pkg/lock"
	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/metrics"
	"github.com/cuemby/acs/pkg/soap"
	"github.com/cuemby/acs/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// CookieName carries the session id between HTTP requests
	CookieName = "session"

	// RetryAfter is advertised to CPEs turned away by the rate limiter
	RetryAfter = 60 * time.Second

	maxBodySize = 10 << 20
)

// Server is the CWMP HTTP endpoint
type Server struct {
	engine     *Engine
	limiter    *rate.Limiter
	httpServer *http.Server
	logger     zerolog.Logger

	// fatalCh carries errors after which the process must not keep serving
	fatalCh chan error
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithRateLimit admits at most perSecond new sessions per second
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// NewServer creates an HTTP handler serving engine
func NewServer(engine *Engine, opts ...ServerOption) *Server {
	s := &Server{
		engine:  engine,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  log.WithComponent("cwmp-server"),
		fatalCh: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves on addr until ctx is done. It returns an error, after
// shutting the listener down, when a request detects clock skew.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("CWMP endpoint listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var fatal error
	select {
	case <-ctx.Done():
	case fatal = <-s.fatalCh:
		s.logger.Error().Err(fatal).Msg("Stopping CWMP endpoint")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("CWMP endpoint failed: %w", err)
		}
	}

	s.logger.Info().Msg("Shutting down CWMP endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown CWMP endpoint: %w", err)
	}
	return fatal
}

// ServeHTTP handles one CPE request
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var sc *types.SessionContext
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		if sc, err = s.engine.LoadSession(ctx, cookie.Value); err != nil {
			s.logger.Error().Err(err).Msg("Failed to load session")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	msg, err := soap.Parse(body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Malformed CWMP request")
		if sc != nil {
			s.abort(ctx, sc)
		}
		http.Error(w, "Malformed request", http.StatusBadRequest)
		return
	}

	if sc == nil {
		if msg.Method != "Inform" {
			http.Error(w, "No session", http.StatusBadRequest)
			return
		}
		if !s.limiter.Allow() {
			metrics.OverloadRejectedTotal.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(RetryAfter.Seconds())))
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
		if sc, err = s.engine.NewSession(ctx, msg); err != nil {
			s.fail(w, ctx, nil, err)
			return
		}
	}

	reply, err := s.engine.ProcessRequest(ctx, sc, &Request{
		Message:       msg,
		Authorization: r.Header.Get("Authorization"),
		HTTPMethod:    r.Method,
	})
	if err != nil {
		s.fail(w, ctx, sc, err)
		return
	}

	if reply.End {
		s.engine.DropSession(ctx, sc.SessionID)
		http.SetCookie(w, &http.Cookie{Name: CookieName, Value: "", Path: "/", MaxAge: -1})
	} else {
		if err := s.engine.SaveSession(ctx, sc); err != nil {
			s.logger.Error().Err(err).Str("device_id", sc.DeviceID).Msg("Failed to park session")
			s.abort(ctx, sc)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: CookieName, Value: sc.SessionID, Path: "/", HttpOnly: true})
	}

	if reply.Status != 0 {
		for k, vs := range reply.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(reply.Status)
		return
	}

	res, err := soap.Render(reply.Message)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to render response")
		s.abort(ctx, sc)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(res.Code)
	_, _ = w.Write(res.Body)
}

// fail maps an engine error to an HTTP status and ends the session
func (s *Server) fail(w http.ResponseWriter, ctx context.Context, sc *types.SessionContext, err error) {
	switch {
	case errors.Is(err, ErrAlreadyInSession):
		s.logger.Warn().Str("device_id", sc.DeviceID).Msg("CPE already in session")
		s.engine.DropSession(ctx, sc.SessionID)
		http.Error(w, "CPE already in session", http.StatusBadRequest)

	case errors.Is(err, ErrProtocol):
		s.logger.Warn().Err(err).Msg("Protocol error")
		if sc != nil {
			s.abort(ctx, sc)
		}
		http.Error(w, "Bad request", http.StatusBadRequest)

	case errors.Is(err, lock.ErrClockSkew):
		s.logger.Error().Err(err).Msg("Clock skew detected")
		if sc != nil {
			s.engine.DropSession(ctx, sc.SessionID)
		}
		select {
		case s.fatalCh <- err:
		default:
		}
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)

	case errors.Is(err, ErrLockLost):
		s.logger.Error().Str("device_id", sc.DeviceID).Msg("Session lock lost")
		sc.LockToken = ""
		s.engine.DropSession(ctx, sc.SessionID)
		http.Error(w, "Session lock lost", http.StatusInternalServerError)

	default:
		s.logger.Error().Err(err).Msg("Failed to process CWMP request")
		if sc != nil {
			s.abort(ctx, sc)
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// abort ends a session without a termination fault
func (s *Server) abort(ctx context.Context, sc *types.SessionContext) {
	s.engine.DropSession(ctx, sc.SessionID)
	endCycle(sc)
	if err := s.engine.endSession(ctx, sc, events.EventSessionEnded, "error"); err != nil {
		s.logger.Error().Err(err).Str("device_id", sc.DeviceID).Msg("Failed to end session")
	}
}
