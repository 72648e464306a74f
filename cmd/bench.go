package cmd

import (
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/fzft/go-reactor/buffer"
	"github.com/fzft/go-reactor/config"
	"github.com/fzft/go-reactor/inet"
	"github.com/fzft/go-reactor/log"
	"github.com/fzft/go-reactor/reactor"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	server         string
	connections    int
	concurrency    int
	minMessages    int
	maxMessages    int
	timeout        time.Duration
	shutdownServer bool
}

func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Stress an echo server with many clients",
		Long: `Run many clients against an echo server, each on its own event loop.

Every client sends a random number of messages one at a time, waiting for
each echo, then shuts its connection down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runBench(cmd.OutOrStdout(), cfg, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.server, "server", "s", "", "server address (host:port)")
	cmd.Flags().IntVarP(&opts.connections, "connections", "n", 0, "number of clients")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "clients running at once, 0 for all")
	cmd.Flags().IntVar(&opts.minMessages, "min", 0, "minimum messages per client")
	cmd.Flags().IntVar(&opts.maxMessages, "max", 0, "maximum messages per client")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "give up on a client after this long")
	cmd.Flags().BoolVar(&opts.shutdownServer, "shutdown-server", false, "send the shutdown command when done")

	return cmd
}

func (o *benchOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Client.Server = o.server
	}
	if flags.Changed("connections") {
		cfg.Client.Connections = o.connections
	}
	if flags.Changed("min") {
		cfg.Client.Messages[0] = o.minMessages
	}
	if flags.Changed("max") {
		cfg.Client.Messages[1] = o.maxMessages
	}
}

type benchResult struct {
	sent     atomic.Int64
	received atomic.Int64
}

func runBench(out io.Writer, cfg *config.Config, opts *benchOptions) error {
	addr, err := inet.Resolve(cfg.Client.Server)
	if err != nil {
		return fmt.Errorf("resolve server address: %w", err)
	}

	size := opts.concurrency
	if size <= 0 || size > cfg.Client.Connections {
		size = cfg.Client.Connections
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	log.Logger.Info("bench: starting",
		zap.Stringer("server", addr), zap.Int("connections", cfg.Client.Connections), zap.Int("concurrency", size))

	var g errgroup.Group
	var result benchResult
	lo, hi := cfg.Client.Messages[0], cfg.Client.Messages[1]
	start := time.Now()
	for i := 1; i <= cfg.Client.Connections; i++ {
		name := fmt.Sprintf("%s-%d", cfg.Client.Name, i)
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		messages := lo + rng.Intn(hi-lo+1)
		g.Go(func() error {
			done := make(chan error, 1)
			if err := pool.Submit(func() {
				done <- benchClient(addr, name, messages, cfg, opts.timeout, &result)
			}); err != nil {
				return err
			}
			return <-done
		})
	}
	err = g.Wait()
	elapsed := time.Since(start)

	fmt.Fprintf(out, "%d clients, %d messages sent, %d echoed in %s\n",
		cfg.Client.Connections, result.sent.Load(), result.received.Load(), elapsed.Round(time.Millisecond))
	if err != nil {
		return err
	}

	if opts.shutdownServer {
		return shutdownServer(addr, cfg, opts.timeout)
	}
	return nil
}

// benchClient runs one client on its own loop on the calling goroutine. It
// returns once the connection is closed or timeout expires.
func benchClient(addr inet.InetAddress, name string, messages int, cfg *config.Config, timeout time.Duration, result *benchResult) error {
	loop := reactor.NewEventLoop(reactor.WithPollTimeout(cfg.Server.PollTimeout))
	client := reactor.NewTcpClient(loop, addr, name)
	if cfg.Client.Retry {
		client.EnableRetry()
	}

	// loop goroutine only
	var sent, received int
	send := func(conn *reactor.TcpConnection) {
		sent++
		result.sent.Inc()
		if err := conn.SendString(fmt.Sprintf("Hello from %s (%d)\n", name, sent)); err != nil {
			log.Logger.Warn("bench: send failed", zap.String("client", name), zap.Error(err))
		}
	}

	client.SetConnectionCallback(func(conn *reactor.TcpConnection) {
		if conn.Connected() {
			log.Logger.Debug("bench: connected", zap.String("client", name), zap.Stringer("server", conn.PeerAddress()))
			if messages == 0 {
				conn.Shutdown()
				return
			}
			send(conn)
			return
		}
		log.Logger.Debug("bench: disconnected", zap.String("client", name))
		loop.Quit()
	})
	client.SetMessageCallback(func(conn *reactor.TcpConnection, buf *buffer.Buffer, _ time.Time) {
		echoed := strings.Count(buf.RetrieveAllAsString(), "\n")
		received += echoed
		result.received.Add(int64(echoed))
		// One message in flight at a time; wait for the whole echo.
		if received < sent {
			return
		}
		if sent < messages {
			send(conn)
			return
		}
		conn.Shutdown()
	})

	timedOut := false
	loop.RunAfter(timeout, func() {
		timedOut = true
		loop.Quit()
	})

	client.Connect()
	loop.Loop()
	client.Close()
	err := loop.Close()

	log.Logger.Info("bench: client finished",
		zap.String("client", name), zap.Int("sent", sent), zap.Int("received", received))
	if timedOut {
		return fmt.Errorf("%s: timed out after %s with %d/%d echoes", name, timeout, received, messages)
	}
	return err
}

func shutdownServer(addr inet.InetAddress, cfg *config.Config, timeout time.Duration) error {
	loop := reactor.NewEventLoop(reactor.WithPollTimeout(cfg.Server.PollTimeout))
	client := reactor.NewTcpClient(loop, addr, "shutdown")
	client.SetConnectionCallback(func(conn *reactor.TcpConnection) {
		if conn.Connected() {
			log.Logger.Warn("bench: sending shutdown command", zap.Stringer("server", conn.PeerAddress()))
			if err := conn.SendString(shutdownCommand + "\n"); err != nil {
				log.Logger.Warn("bench: send failed", zap.Error(err))
			}
			conn.Shutdown()
			return
		}
		loop.Quit()
	})
	loop.RunAfter(timeout, loop.Quit)

	client.Connect()
	loop.Loop()
	client.Close()
	return loop.Close()
}
