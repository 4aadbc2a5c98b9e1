package server

import (
	"context"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nullbyte-labs/respkv/internal/dispatcher"
	"github.com/nullbyte-labs/respkv/internal/protocol"
	"github.com/nullbyte-labs/respkv/internal/rdb"
	"github.com/nullbyte-labs/respkv/internal/replication"
)

// connState mirrors the per-connection state machine: a connection starts
// NEW, becomes CLIENT on its first command, and may be promoted to
// PRIMARY_OF_REPLICA once it issues a successful PSYNC.
type connState int

const (
	stateNew connState = iota
	stateClient
	statePrimaryOfReplica
)

// serveConnection drives one accepted socket end to end: it owns the
// read loop and spawns the paired write-queue drain goroutine, per
// spec.md's connection driver design. It returns once the connection is
// fully torn down.
func (s *Server) serveConnection(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	log := s.log.With(zap.String("conn_id", connID), zap.String("remote_addr", conn.RemoteAddr().String()))
	log.Debug("connection accepted")

	queue := newWriteQueue()
	defer queue.Close()

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			frame, ok := queue.Pop()
			if !ok {
				return
			}
			if _, err := conn.Write(frame); err != nil {
				log.Debug("write failed, closing connection", zap.Error(err))
				conn.Close()
				return
			}
		}
	}()

	cctx := &dispatcher.ConnContext{
		Role:             dispatcher.RoleClient,
		Database:         0,
		MasterReplID:     s.cfg.MasterReplID,
		MasterReplOffset: s.cfg.MasterReplOffset,
		Hub:              s.hub,
		ConfigDir:        s.cfg.Dir,
		ConfigDBFilename: s.cfg.DBFilename,
		IsReplicaMode:    s.cfg.Mode == ModeReplica,
	}

	var state connState = stateNew
	var link *replication.ReplicaLink

	dec := protocol.NewDecoder()
	buf := make([]byte, 4096)

	defer func() {
		if link != nil {
			s.hub.Remove(link)
		}
		queue.Close()
		<-writeDone
		conn.Close()
		log.Debug("connection closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		dec.Feed(buf[:n])

		for {
			cmd, err := dec.Next()
			if err != nil {
				queue.Push(protocol.EncodeError("ERR " + err.Error()))
				return
			}
			if cmd == nil {
				break
			}

			if state == stateNew {
				state = stateClient
			}

			raw := protocol.EncodeBulkStringArray(cmd.Args)
			res := dispatcher.Dispatch(cmd, cctx, s.store, raw)

			if res.Reply != nil {
				queue.Push(res.Reply)
			}

			if res.Replicate {
				s.hub.Fanout(res.RawCommand)
			}

			if res.BecomeReplicaLink {
				queue.Push(protocol.EncodeRawFrame(rdb.EmptyRDB()))
				link = s.hub.Register(queue, conn.RemoteAddr().String())
				state = statePrimaryOfReplica
				log.Info("replica attached", zap.String("replica_addr", link.Addr()))
			}

			if res.HasListeningPort {
				log.Debug("replica listening port advertised", zap.Int("port", res.RegisterListeningPort))
			}
		}
	}
}
