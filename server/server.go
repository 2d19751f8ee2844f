// Package server exposes the observability surface: a JSON HTTP API over
// jobs, OLTs, executions, pool stats, and scheduler health, plus a
// WebSocket stream of execution state changes.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fiberhive/oltpoll/config"
	"github.com/fiberhive/oltpoll/errors"
	"github.com/fiberhive/oltpoll/poll"
	"github.com/fiberhive/oltpoll/poll/pool"
	"github.com/fiberhive/oltpoll/poll/schedule"
)

const (
	// MaxClients bounds concurrent WebSocket connections
	MaxClients = 64

	// ShutdownTimeout is how long Stop waits for goroutines to exit
	ShutdownTimeout = 10 * time.Second
)

// Server provides the oltpoll observability API and event stream
type Server struct {
	cfg    *config.Config
	db     *sql.DB
	logger *zap.SugaredLogger

	executions *poll.ExecutionStore
	jobs       *poll.JobStore
	olts       *poll.OLTStore

	pool   *pool.Pool
	ticker *schedule.Ticker

	configWatcher *config.ConfigWatcher

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	httpServer *http.Server

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	broadcastDrops atomic.Int64
}

// NewServer creates the observability server. The pool and ticker are
// queried live for stats; pass their running instances.
func NewServer(
	ctx context.Context,
	cfg *config.Config,
	db *sql.DB,
	p *pool.Pool,
	ticker *schedule.Ticker,
	log *zap.SugaredLogger,
) *Server {
	serverCtx, cancel := context.WithCancel(ctx)

	return &Server{
		cfg:        cfg,
		db:         db,
		logger:     log.Named("server"),
		executions: poll.NewExecutionStore(db),
		jobs:       poll.NewJobStore(db),
		olts:       poll.NewOLTStore(db),
		pool:       p,
		ticker:     ticker,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        serverCtx,
		cancel:     cancel,
	}
}

// SetConfigWatcher attaches the config watcher so Stop can close it.
func (s *Server) SetConfigWatcher(cw *config.ConfigWatcher) {
	s.configWatcher = cw
}

// Run is the client hub loop. Must run in its own goroutine.
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	totalClients := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", totalClients,
	)
}

func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		totalClients := len(s.clients)
		s.mu.Unlock()

		client.close()
		s.logger.Infow("Client disconnected",
			"client_id", client.id,
			"total_clients", totalClients,
		)
		return
	}
	s.mu.Unlock()
}

// Start sets up routes and serves HTTP on the configured port. Blocks
// until the listener fails or Stop shuts it down.
func (s *Server) Start(port int) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()

	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	mux := http.NewServeMux()
	s.setupHTTPRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", actualPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Infow("Server ready",
		"url", fmt.Sprintf("http://localhost:%d", actualPort),
		"port", actualPort,
	)

	err = s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server and cleans up resources
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")

	// Close client connections first so readPump exits before the
	// context is cancelled.
	s.mu.Lock()
	clientsToClose := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clientsToClose = append(clientsToClose, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if len(clientsToClose) > 0 {
		s.logger.Infow("Closing client connections", "count", len(clientsToClose))
		for _, client := range clientsToClose {
			client.conn.Close()
		}
	}

	s.cancel()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnw("HTTP server shutdown error", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", "error", err)
		}
	}

	s.logger.Infow("Server shutdown complete",
		"broadcast_drops", s.broadcastDrops.Load(),
	)
	return nil
}

// findAvailablePort returns the requested port, or the next free one when
// it is taken.
func findAvailablePort(port int) (int, error) {
	for candidate := port; candidate < port+100; candidate++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", candidate))
		if err != nil {
			continue
		}
		ln.Close()
		return candidate, nil
	}
	return 0, errors.Newf("no available port in range %d-%d", port, port+99)
}
