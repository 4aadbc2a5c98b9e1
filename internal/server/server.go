// Package server wires together the RESP codec, store, dispatcher, and
// replication packages into a running TCP service: it owns the listener,
// the per-connection goroutine pairs, and the replica handshake task.
package server

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nullbyte-labs/respkv/internal/dispatcher"
	"github.com/nullbyte-labs/respkv/internal/protocol"
	"github.com/nullbyte-labs/respkv/internal/rdb"
	"github.com/nullbyte-labs/respkv/internal/replication"
	"github.com/nullbyte-labs/respkv/internal/store"
)

// Server owns the listener and the shared state every accepted
// connection dispatches against.
type Server struct {
	cfg   *Config
	store *store.Store
	hub   *replication.Hub
	log   *zap.Logger

	listener net.Listener
	ready    chan struct{}
}

// New constructs a Server. The store is freshly created empty; call Run
// to load any configured snapshot and begin accepting connections.
func New(cfg *Config, log *zap.Logger) *Server {
	return &Server{
		cfg:   cfg,
		store: store.New(),
		hub:   replication.NewHub(),
		log:   log,
		ready: make(chan struct{}),
	}
}

// Addr blocks until the listener is bound and returns its address. It is
// meant for tests that bind to port 0 and need to discover the chosen
// port before dialing in.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.listener.Addr()
}

// Run loads the configured snapshot (if any), binds the listener, starts
// the replica handshake task if this server is configured as a replica,
// and accepts connections until ctx is cancelled. It returns once the
// listener is closed and the accept loop and replica task have exited;
// per-connection goroutines are not waited for.
func (s *Server) Run(ctx context.Context) error {
	if err := s.loadSnapshot(); err != nil {
		// Snapshot errors at startup are logged and treated as a warm
		// start with an empty store; they are not fatal.
		s.log.Warn("snapshot load failed, starting with empty store", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: bind %s: %w", addr, err)
	}
	s.listener = ln
	close(s.ready)
	s.log.Info("listening", zap.String("addr", addr))

	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.Mode == ModeReplica {
		g.Go(func() error {
			s.runReplicaOfPrimary(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	g.Go(func() error {
		return s.acceptLoop(gctx)
	})

	return g.Wait()
}

func (s *Server) loadSnapshot() error {
	path := s.cfg.SnapshotPath()
	if path == "" {
		return nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil
	}

	snap, err := rdb.ReadFile(path)
	if err != nil {
		return err
	}
	return s.store.Load(snap)
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}

		go s.serveConnection(ctx, conn)
	}
}

// runReplicaOfPrimary performs the replica handshake against the
// configured master and then applies its command stream, logging and
// returning on any fatal handshake or stream failure. Per spec.md 7, a
// handshake failure is fatal to this task alone: the server keeps
// serving reads with whatever it had loaded at startup.
func (s *Server) runReplicaOfPrimary(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.MasterHost, s.cfg.MasterPort)
	s.log.Info("connecting to master", zap.String("addr", addr))

	client := &replication.ReplicaClient{}
	snap, dec, reader, err := client.Handshake(ctx, addr, s.cfg.Port)
	if err != nil {
		s.log.Error("replica handshake failed", zap.Error(err))
		return
	}
	defer client.Close()

	if err := s.store.Load(snap); err != nil {
		s.log.Error("failed to load snapshot from master", zap.Error(err))
		return
	}
	s.log.Info("replica handshake complete, snapshot loaded")

	cctx := &dispatcher.ConnContext{
		Role:             dispatcher.RoleReplicaOfPrimary,
		Database:         0,
		MasterReplID:     s.cfg.MasterReplID,
		MasterReplOffset: s.cfg.MasterReplOffset,
		ConfigDir:        s.cfg.Dir,
		ConfigDBFilename: s.cfg.DBFilename,
		IsReplicaMode:    true,
	}

	err = client.Stream(ctx, dec, reader, func(cmd *protocol.Command) []byte {
		raw := protocol.EncodeBulkStringArray(cmd.Args)
		res := dispatcher.Dispatch(cmd, cctx, s.store, raw)
		return res.Reply
	})
	if err != nil {
		s.log.Error("replication stream ended", zap.Error(err))
	}
}
