package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bitpool/stratumcore/internal/config"
	"github.com/bitpool/stratumcore/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the Stratum TCP server: the reactor that owns every
// session socket and routes decoded requests into the job/share core.
type Server struct {
	cfg       config.ServerConfig
	logger    *zap.Logger
	sessions  *session.Registry
	newConn   func(net.Conn) *Connection

	listener      net.Listener
	metricsServer *http.Server
	connCount     int64
	shutdown      int32
	wg            sync.WaitGroup

	activeConnections prometheus.Gauge
	totalConnections   prometheus.Counter
	connectionErrors   prometheus.Counter
}

// New creates a new Stratum server instance. newConn builds a Connection
// for each accepted socket, already wired to the repository/validator/
// registry collaborators.
func New(cfg config.ServerConfig, logger *zap.Logger, sessions *session.Registry, newConn func(net.Conn) *Connection) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		sessions: sessions,
		newConn:  newConn,
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratumcore_active_connections",
			Help: "Number of active miner connections.",
		}),
		totalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumcore_connections_total",
			Help: "Total miner connections accepted.",
		}),
		connectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumcore_connection_errors_total",
			Help: "Total connection accept errors.",
		}),
	}
}

// Collectors returns the prometheus collectors owned by the server.
func (s *Server) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.activeConnections, s.totalConnections, s.connectionErrors}
}

// Start begins listening for and accepting connections. It returns an
// error if the listener cannot be created; otherwise it blocks until ctx
// is cancelled or Shutdown is called. Accept errors are logged and
// accepting continues.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var listener net.Listener
	var err error
	if s.cfg.TLS.Enabled {
		listener, err = s.createTLSListener(addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	s.listener = listener
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("server started",
		zap.String("address", addr),
		zap.Bool("tls", s.cfg.TLS.Enabled),
		zap.Int("max_connections", s.cfg.MaxConnections),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shutdown) == 1 {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("failed to accept connection", zap.Error(err))
			s.connectionErrors.Inc()
			continue
		}

		if atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting connection",
				zap.String("remote_addr", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) createTLSListener(addr string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	atomic.AddInt64(&s.connCount, 1)
	s.activeConnections.Inc()
	s.totalConnections.Inc()
	defer func() {
		atomic.AddInt64(&s.connCount, -1)
		s.activeConnections.Dec()
	}()

	stratumConn := s.newConn(conn)

	s.sessions.Add(stratumConn)
	defer s.sessions.Remove(stratumConn.ID())

	s.logger.Debug("new connection",
		zap.String("connection_id", stratumConn.ID()),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	if err := stratumConn.Handle(ctx); err != nil {
		s.logger.Debug("connection closed", zap.String("connection_id", stratumConn.ID()), zap.Error(err))
	}
}

// StartMetricsServer starts a minimal HTTP surface exposing the
// registered prometheus collectors for a collaborator to scrape. The core
// itself has no metrics-exposition feature; this mounts what the core
// instruments.
func (s *Server) StartMetricsServer() error {
	addr := fmt.Sprintf(":%d", s.cfg.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s.metricsServer = &http.Server{Addr: addr, Handler: mux}
	s.logger.Info("metrics server started", zap.String("address", addr))
	return s.metricsServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	for _, sess := range s.sessions.Snapshot() {
		if conn, ok := sess.(*Connection); ok {
			conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, some connections may be forcefully closed")
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}
	return nil
}

// ConnectionCount returns the current number of active connections.
func (s *Server) ConnectionCount() int64 {
	return atomic.LoadInt64(&s.connCount)
}
