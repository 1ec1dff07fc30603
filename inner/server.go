package inner

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"golang.org/x/exp/slog"
)

const shutdownTimeout = 5 * time.Second

func AttachPProf(sm *http.ServeMux) {
	sm.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	sm.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	sm.HandleFunc("/debug/pprof/trace", pprof.Trace)
	sm.HandleFunc("/debug/pprof/profile", pprof.Profile)
	sm.HandleFunc("/debug/pprof/", pprof.Index)
}

// Server is the internal HTTP endpoint that exposes metrics and, optionally,
// pprof.
type Server struct {
	log      *slog.Logger
	srv      *http.Server
	listener net.Listener
	done     chan error
}

// Listen binds addr and starts serving m, plus pprof if enablePProf is set.
// Pass "127.0.0.1:0" to bind a random port, see Addr.
func Listen(log *slog.Logger, addr string, m *Metrics, enablePProf bool) (*Server, error) {
	mux := http.NewServeMux()
	m.AttachMetrics(mux)
	if enablePProf {
		AttachPProf(mux)
		log.Info("pprof enabled", slog.String("addr", addr+"/debug/pprof"))
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		log:      log,
		srv:      &http.Server{Handler: mux},
		listener: listener,
		done:     make(chan error, 1),
	}
	go func() {
		log.Info("internal server listening", slog.String("addr", listener.Addr().String()))
		err := s.srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("received error", slog.Any("error", err), slog.String("subService", "httpInternalServer"))
			s.done <- err
			return
		}
		s.done <- nil
	}()
	return s, nil
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close shuts the server down, waiting up to a few seconds for in-flight
// requests.
func (s *Server) Close() error {
	ctx, cc := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cc()
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.done
}
