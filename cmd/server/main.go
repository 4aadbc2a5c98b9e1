package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nullbyte-labs/respkv/internal/replication"
	"github.com/nullbyte-labs/respkv/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dir        string
		dbfilename string
		host       string
		port       int
		replicaof  string
	)

	cmd := &cobra.Command{
		Use:   "respkv-server",
		Short: "A single-node RESP key-value server with primary/replica replication",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(dir, dbfilename, host, port, replicaof)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&dir, "dir", "", "directory containing the RDB snapshot to load at startup")
	flags.StringVar(&dbfilename, "dbfilename", "", "RDB snapshot filename within --dir")
	flags.StringVar(&host, "host", "127.0.0.1", "address to bind the TCP listener to")
	flags.IntVar(&port, "port", 6379, "TCP port to listen on")
	flags.StringVar(&replicaof, "replicaof", "", "\"<host> <port>\" of a primary to replicate from")

	return cmd
}

func run(dir, dbfilename, host string, port int, replicaof string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	cfg := &server.Config{
		Dir:        dir,
		DBFilename: dbfilename,
		Host:       host,
		Port:       port,
	}

	if replicaof != "" {
		masterHost, masterPort, err := parseReplicaOf(replicaof)
		if err != nil {
			return err
		}
		cfg.Mode = server.ModeReplica
		cfg.MasterHost = masterHost
		cfg.MasterPort = masterPort
	}

	cfg.MasterReplID = replication.GenerateReplID()
	cfg.MasterReplOffset = 0

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, log)
	log.Info("starting server", zap.String("host", cfg.Host), zap.Int("port", cfg.Port))

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}

func parseReplicaOf(s string) (host string, port int, err error) {
	n, err := fmt.Sscanf(s, "%s %d", &host, &port)
	if err != nil || n != 2 {
		return "", 0, fmt.Errorf("invalid --replicaof value %q: expected \"<host> <port>\"", s)
	}
	return host, port, nil
}
