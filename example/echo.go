package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Zereker/boltconn"
	"github.com/Zereker/boltconn/chunk"
)

var echoArgs struct {
	addr            string
	metricsAddr     string
	chunkSize       int
	flushThreshold  int
	maxMessage      int
	readHigh        int
	readLow         int
	writeHigh       int
	shutdownTimeout time.Duration
	debug           bool
}

var rootCmd = &cobra.Command{
	Use:   "echo",
	Short: "echo every chunked message back to its sender",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEcho(cmd.Context())
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&echoArgs.addr, "addr", "127.0.0.1:7687", "listen address")
	f.StringVar(&echoArgs.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	f.IntVar(&echoArgs.chunkSize, "chunk-size", chunk.DefaultMaxChunkPayload, "maximum chunk payload in bytes")
	f.IntVar(&echoArgs.flushThreshold, "flush-threshold", chunk.DefaultFlushThreshold, "committed bytes that trigger a flush")
	f.IntVar(&echoArgs.maxMessage, "max-message", 1024*1024, "maximum message size in bytes")
	f.IntVar(&echoArgs.readHigh, "read-high", 0, "pause socket reads at this many buffered bytes (0 disables)")
	f.IntVar(&echoArgs.readLow, "read-low", 0, "resume socket reads at this many buffered bytes")
	f.IntVar(&echoArgs.writeHigh, "write-high", 0, "throttle flushes above this many unwritten bytes (0 disables)")
	f.DurationVar(&echoArgs.shutdownTimeout, "shutdown-timeout", 5*time.Second, "time given to connections on shutdown")
	f.BoolVar(&echoArgs.debug, "debug", false, "enable debug logging")
}

func runEcho(ctx context.Context) error {
	level := slog.LevelInfo
	if echoArgs.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	addr, err := net.ResolveTCPAddr("tcp", echoArgs.addr)
	if err != nil {
		return err
	}

	if echoArgs.metricsAddr != "" {
		registry := prometheus.NewRegistry()
		boltconn.RegisterMetrics(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(echoArgs.metricsAddr, mux); err != nil {
				logger.Error("metrics server failed", "error", err.Error())
			}
		}()
	}

	server, err := boltconn.New(addr,
		boltconn.ServerLoggerOption(logger),
		boltconn.ServerShutdownTimeoutOption(echoArgs.shutdownTimeout))
	if err != nil {
		return err
	}

	return server.ServeConns(ctx, func(raw *net.TCPConn) (*boltconn.Conn, error) {
		id := uuid.New()
		connLogger := logger.With("conn", id.String())

		var conn *boltconn.Conn
		conn, err := boltconn.NewConn(raw,
			boltconn.LoggerOption(connLogger),
			boltconn.CustomCodecOption(boltconn.RawCodec{}),
			boltconn.MessageMaxSize(echoArgs.maxMessage),
			boltconn.ChunkSizeOption(echoArgs.chunkSize),
			boltconn.FlushThresholdOption(echoArgs.flushThreshold),
			boltconn.WatermarkOption(chunk.WatermarkConfig{
				WriteHigh: echoArgs.writeHigh,
				ReadHigh:  echoArgs.readHigh,
				ReadLow:   echoArgs.readLow,
			}),
			boltconn.OnErrorOption(func(err error) boltconn.ErrorAction {
				connLogger.Warn("connection error", "error", err.Error())
				return boltconn.Disconnect
			}),
			// Echo
			boltconn.OnMessageOption(func(m boltconn.Message) error {
				return conn.Write(m)
			}),
		)
		return conn, err
	})
}

func main() {
	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
