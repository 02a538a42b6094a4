// Package daemon provides a reusable coordination daemon that can be
// embedded in other binaries as well as run standalone.
package daemon

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/curiositech/port-daddy/internal/daemon/activity"
	"github.com/curiositech/port-daddy/internal/daemon/agents"
	"github.com/curiositech/port-daddy/internal/daemon/changelog"
	"github.com/curiositech/port-daddy/internal/daemon/collab"
	"github.com/curiositech/port-daddy/internal/daemon/config"
	"github.com/curiositech/port-daddy/internal/daemon/db"
	"github.com/curiositech/port-daddy/internal/daemon/httpapi"
	"github.com/curiositech/port-daddy/internal/daemon/locks"
	"github.com/curiositech/port-daddy/internal/daemon/msg"
	"github.com/curiositech/port-daddy/internal/daemon/ports"
	"github.com/curiositech/port-daddy/internal/daemon/reaper"
	"github.com/curiositech/port-daddy/internal/daemon/salvage"
	"github.com/curiositech/port-daddy/internal/daemon/sessions"
	"github.com/curiositech/port-daddy/internal/daemon/store"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// ServerConfig holds the knobs callers most often override. Everything
// else comes from the config file and environment.
type ServerConfig struct {
	ConfigFile string // optional path to config.yaml
	Addr       string // overrides the configured listen address
	DataDir    string // overrides the configured data directory
	Webhook    collab.WebhookDeliverer
}

// Server is a reusable daemon instance.
type Server struct {
	cfg        *config.Config
	log        *slog.Logger
	sqlDB      *sql.DB
	server     *http.Server
	msgs       *msg.Service
	reaper     *reaper.Reaper
	dispatcher *collab.Dispatcher
}

// NewServer opens the database, runs migrations and wires every
// component. Call Serve to start listening.
func NewServer(sc ServerConfig) (*Server, error) {
	cfg, err := config.Load(sc.ConfigFile)
	if err != nil {
		return nil, err
	}
	if sc.Addr != "" {
		cfg.Addr = sc.Addr
	}
	if sc.DataDir != "" {
		cfg.DataDir = sc.DataDir
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	log := slog.Default()

	sqlDB, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(sqlDB)

	act, err := activity.New(st)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	portReg := ports.NewRegistry(st, cfg, act)
	lockMgr := locks.NewManager(st, act)
	msgSvc, err := msg.NewService(st, cfg, act)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	agentReg := agents.NewRegistry(st, cfg, act)
	sessSvc := sessions.NewService(st, cfg, act)
	salvageSvc := salvage.NewService(st, cfg, act, sessSvc)
	agentReg.SetSalvageCounter(salvageSvc)
	clog := changelog.NewLog(st, act)
	rp := reaper.New(cfg, act, portReg, lockMgr, msgSvc, agentReg, salvageSvc, log)

	var dispatcher *collab.Dispatcher
	if sc.Webhook != nil {
		dispatcher = collab.NewDispatcher(log, sc.Webhook, nil)
		act.AddTap(dispatcher.Tap)
	}

	handler := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Log:       log,
		Ports:     portReg,
		Locks:     lockMgr,
		Msgs:      msgSvc,
		Agents:    agentReg,
		Sessions:  sessSvc,
		Salvage:   salvageSvc,
		Changelog: clog,
		Activity:  act,
		Reaper:    rp,
		Version:   Version,
	})

	h2cHandler := h2c.NewHandler(handler.Router(), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	return &Server{
		cfg: cfg,
		log: log,
		sqlDB: sqlDB,
		server: &http.Server{
			Handler:           h2cHandler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		msgs:       msgSvc,
		reaper:     rp,
		dispatcher: dispatcher,
	}, nil
}

// Config returns the effective configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// SocketPath returns the Unix domain socket path for this server.
func (s *Server) SocketPath() string {
	return filepath.Join(s.cfg.DataDir, "port-daddy.sock")
}

// Serve starts the daemon on TCP and Unix socket listeners. It blocks
// until ctx is cancelled, then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	sockPath := s.SocketPath()
	if err := removeStaleSocket(sockPath); err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("remove stale socket: %w", err)
	}

	tcpLn, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	unixLn, err := net.Listen("unix", sockPath)
	if err != nil {
		_ = tcpLn.Close()
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(sockPath, 0o600); err != nil {
		_ = tcpLn.Close()
		_ = unixLn.Close()
		_ = s.sqlDB.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go s.reaper.Run(reaperCtx)
	if s.dispatcher != nil {
		go s.dispatcher.Run(reaperCtx)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.log.Info("daemon shutting down")

		stopReaper()
		// Evicting subscribers unblocks every SSE/WS/poll handler so
		// Shutdown can drain.
		s.msgs.Broker().CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- s.server.Serve(tcpLn) }()
	go func() { errCh <- s.server.Serve(unixLn) }()
	s.log.Info("daemon listening", "addr", s.cfg.Addr, "socket", sockPath)

	if err := <-errCh; err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}
	<-errCh
	<-shutdownDone

	if s.dispatcher != nil {
		s.dispatcher.Close()
	}

	// Fold the WAL back into the main file so the datadir is a single
	// consistent snapshot after exit.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.log.Warn("wal checkpoint", "error", err)
	}
	if err := s.sqlDB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	_ = os.Remove(sockPath)

	s.log.Info("daemon stopped")
	return nil
}

// removeStaleSocket deletes a leftover socket file if no daemon is
// accepting on it.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", path)
	}
	return os.Remove(path)
}
