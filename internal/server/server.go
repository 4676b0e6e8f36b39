package server

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/exprec-hq/exprec/internal/config"
	"github.com/exprec-hq/exprec/internal/experiment"
	"github.com/exprec-hq/exprec/internal/logger"
)

// backlogInterval is how often the writer backlog is reported.
const backlogInterval = 5 * time.Second

// Server accepts recording connections and hands each one to its own
// serve goroutine.
type Server struct {
	cfg   *config.Config
	iface *experiment.Interface

	ln     net.Listener
	status *statusServer

	mu      sync.Mutex
	active  map[net.Conn]struct{}
	closing bool

	handlers   sync.WaitGroup
	background sync.WaitGroup
	stop       chan struct{}
}

// New builds a Server around an already-open experiment interface.
func New(cfg *config.Config, iface *experiment.Interface) *Server {
	return &Server{
		cfg:    cfg,
		iface:  iface,
		active: make(map[net.Conn]struct{}),
		stop:   make(chan struct{}),
	}
}

// Start opens the configured endpoint and begins accepting connections.
// It returns once the listener is live; connection handling continues in
// the background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ep, err := s.cfg.ParseEndpoint()
	if err != nil {
		return err
	}

	if ep.Network == "unix" {
		// A previous run that crashed leaves the socket file behind.
		if err := os.Remove(ep.Address); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	ln, err := net.Listen(ep.Network, ep.Address)
	if err != nil {
		return err
	}
	s.ln = ln
	logger.Get().Info().
		Str("network", ep.Network).
		Str("address", ln.Addr().String()).
		Msg("listening")

	if s.cfg.Server.StatusEndpoint != "" {
		st, err := newStatusServer(s.cfg.Server.StatusEndpoint, s.iface)
		if err != nil {
			ln.Close()
			return err
		}
		s.status = st
	}

	s.background.Add(1)
	go s.reportBacklog()

	s.background.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// Addr is the listener's bound address; nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// StatusAddr is the status endpoint's bound address; nil when the endpoint
// is not configured.
func (s *Server) StatusAddr() net.Addr {
	if s.status == nil {
		return nil
	}
	return s.status.ln.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.background.Done()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Get().Warn().Err(err).Msg("accept failed")
			continue
		}

		if !s.track(nc) {
			nc.Close()
			continue
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer s.untrack(nc)
			newConn(nc, s.iface).serve(ctx)
		}()
	}
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.active[nc] = struct{}{}
	return true
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	delete(s.active, nc)
	s.mu.Unlock()
}

// reportBacklog periodically logs how far the writer lags behind the
// connections.
func (s *Server) reportBacklog() {
	defer s.background.Done()

	ticker := time.NewTicker(backlogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			chunks, records := s.iface.Backlog()
			ev := logger.Get().Debug()
			if chunks > 0 {
				ev = logger.Get().Info()
			}
			ev.Int("chunks", chunks).
				Int("chunk_size", s.iface.ChunkSize()).
				Int("records", records).
				Msg("current write backlog")
		case <-s.stop:
			return
		}
	}
}

// Shutdown stops accepting, closes every live connection so its handler
// can stamp the experiment end, waits for the handlers, and finally drains
// the writer and exports through the interface. The returned error is the
// first failure along that path.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]net.Conn, 0, len(s.active))
	for nc := range s.active {
		conns = append(conns, nc)
	}
	s.mu.Unlock()

	if s.ln != nil {
		s.ln.Close()
	}
	for _, nc := range conns {
		nc.Close()
	}
	s.handlers.Wait()

	close(s.stop)
	s.background.Wait()

	if s.status != nil {
		s.status.close()
	}

	return s.iface.Close(ctx)
}
