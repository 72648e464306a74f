package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fzft/go-reactor/buffer"
	"github.com/fzft/go-reactor/config"
	"github.com/fzft/go-reactor/inet"
	"github.com/fzft/go-reactor/log"
	"github.com/fzft/go-reactor/reactor"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const shutdownCommand = "shutdown"

type serveOptions struct {
	listen    string
	name      string
	threads   int
	admin     string
	reusePort bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		Long: `Run a multi-reactor echo server.

Every message is written back to its sender. A message reading "shutdown"
stops the server, as do SIGINT and SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			opts.apply(cmd, cfg)
			return runServe(cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "listen address (host:port)")
	cmd.Flags().StringVar(&opts.name, "name", "", "server name used in connection names")
	cmd.Flags().IntVarP(&opts.threads, "threads", "t", 0, "IO loops; negative means one per CPU")
	cmd.Flags().StringVar(&opts.admin, "admin", "", "HTTP stats address, empty to disable")
	cmd.Flags().BoolVar(&opts.reusePort, "reuse-port", false, "set SO_REUSEPORT on the listening socket")

	return cmd
}

func (o *serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = o.listen
	}
	if flags.Changed("name") {
		cfg.Server.Name = o.name
	}
	if flags.Changed("threads") {
		cfg.Server.Threads = o.threads
	}
	if flags.Changed("admin") {
		cfg.Admin.Listen = o.admin
	}
	if flags.Changed("reuse-port") {
		cfg.Server.ReusePort = o.reusePort
	}
}

func runServe(cmd *cobra.Command, cfg *config.Config) error {
	if _, err := maxprocs.Set(maxprocs.Logger(log.Logger.Sugar().Infof)); err != nil {
		log.Logger.Warn("serve: failed to set GOMAXPROCS", zap.Error(err))
	}

	loop := reactor.NewEventLoop(reactor.WithPollTimeout(cfg.Server.PollTimeout))
	es, err := newEchoServer(loop, cfg)
	if err != nil {
		return multierr.Append(err, loop.Close())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if sig, ok := <-sigs; ok {
			log.Logger.Warn("serve: caught signal, quitting", zap.Stringer("signal", sig))
			loop.Quit()
		}
	}()

	var admin *http.Server
	if cfg.Admin.Listen != "" {
		admin = &http.Server{Addr: cfg.Admin.Listen, Handler: es.adminHandler()}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Logger.Error("serve: admin server failed", zap.Error(err))
			}
		}()
	}

	es.Start()
	fmt.Fprintf(cmd.OutOrStdout(), "===== %s listening on %s =====\n", cfg.Server.Name, es.server.ListenAddress())
	loop.Loop()
	fmt.Fprintf(cmd.OutOrStdout(), "===== %s stopped =====\n", cfg.Server.Name)

	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, admin.Shutdown(ctx))
		cancel()
	}
	return multierr.Combine(err, es.Close(), loop.Close())
}

// echoServer writes every message back to its sender and quits the base loop
// on the shutdown command.
type echoServer struct {
	loop   *reactor.EventLoop
	server *reactor.TcpServer
	cfg    *config.Config

	messages atomic.Int64
	bytes    atomic.Int64
}

// newEchoServer must run on loop's goroutine.
func newEchoServer(loop *reactor.EventLoop, cfg *config.Config) (*echoServer, error) {
	addr, err := inet.Resolve(cfg.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}

	es := &echoServer{loop: loop, cfg: cfg}
	es.server = reactor.NewTcpServer(loop, addr, cfg.Server.Name,
		reactor.WithReusePort(cfg.Server.ReusePort),
		reactor.WithIOLoopOptions(reactor.WithPollTimeout(cfg.Server.PollTimeout)))
	es.server.SetThreadNum(cfg.IOThreads())
	es.server.SetConnectionCallback(es.onConnection)
	es.server.SetMessageCallback(es.onMessage)
	es.server.SetHighWaterMarkCallback(es.onHighWaterMark, cfg.Server.HighWaterMark)
	return es, nil
}

func (es *echoServer) Start() {
	es.server.Start()
}

func (es *echoServer) Close() error {
	return es.server.Close()
}

func (es *echoServer) onConnection(conn *reactor.TcpConnection) {
	if conn.Connected() {
		log.Logger.Info("connection up", zap.String("conn", conn.Name()), zap.Stringer("peer", conn.PeerAddress()))
	} else {
		log.Logger.Info("connection down", zap.String("conn", conn.Name()), zap.Stringer("peer", conn.PeerAddress()))
	}
}

func (es *echoServer) onMessage(conn *reactor.TcpConnection, buf *buffer.Buffer, receiveTime time.Time) {
	msg := buf.RetrieveAllAsBytes()
	es.messages.Inc()
	es.bytes.Add(int64(len(msg)))
	if err := conn.Send(msg); err != nil {
		log.Logger.Debug("echo dropped", zap.String("conn", conn.Name()), zap.Error(err))
	}

	if strings.TrimSuffix(string(msg), "\n") == shutdownCommand {
		log.Logger.Warn("received shutdown command, server will quit", zap.Stringer("peer", conn.PeerAddress()))
		es.loop.Quit()
		return
	}
	log.Logger.Debug("echoed", zap.String("conn", conn.Name()), zap.Int("bytes", len(msg)), zap.Time("received", receiveTime))
}

// onHighWaterMark stops reading from a peer that does not drain its echoes
// until the backlog is flushed.
func (es *echoServer) onHighWaterMark(conn *reactor.TcpConnection, queued int) {
	log.Logger.Warn("output backlog over high water mark, pausing reads",
		zap.String("conn", conn.Name()), zap.Int("queued", queued))
	conn.StopRead()
	conn.SetWriteCompleteCallback(func(conn *reactor.TcpConnection) {
		conn.SetWriteCompleteCallback(nil)
		conn.StartRead()
	})
}

type serverStats struct {
	Name        string `json:"name"`
	Listen      string `json:"listen"`
	Threads     int    `json:"threads"`
	Connections int    `json:"connections"`
	Messages    int64  `json:"messages"`
	Bytes       int64  `json:"bytes"`
	Iterations  int64  `json:"iterations"`
}

func (es *echoServer) stats() serverStats {
	return serverStats{
		Name:        es.cfg.Server.Name,
		Listen:      es.server.IPPort(),
		Threads:     es.cfg.IOThreads(),
		Connections: es.server.ConnectionCount(),
		Messages:    es.messages.Load(),
		Bytes:       es.bytes.Load(),
		Iterations:  es.loop.Iteration(),
	}
}

func (es *echoServer) adminHandler() http.Handler {
	if !es.cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/healthz", func(c *gin.Context) {
		if !es.server.Started() {
			c.String(http.StatusServiceUnavailable, "starting")
			return
		}
		c.String(http.StatusOK, "ok")
	})
	engine.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, es.stats())
	})
	return engine
}
