package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fzft/go-reactor/buffer"
	"github.com/fzft/go-reactor/config"
	"github.com/fzft/go-reactor/deps/linenoise"
	"github.com/fzft/go-reactor/inet"
	"github.com/fzft/go-reactor/log"
	"github.com/fzft/go-reactor/reactor"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	historyFileEnv     = "REACTOR_HISTFILE"
	historyFileDefault = ".reactor_history"
	connectTimeout     = 10 * time.Second
	disconnectTimeout  = 3 * time.Second
)

type clientOptions struct {
	server string
	name   string
	retry  bool
}

func NewClientCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Send lines to a server and print what comes back",
		Long: `Connect to a server and send every stdin line to it.

Input is edited with history when stdin is a terminal and read as plain
lines otherwise. Received bytes are printed as they arrive.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			opts.apply(cmd, cfg)
			return runClient(cmd.InOrStdin(), cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVarP(&opts.server, "server", "s", "", "server address (host:port)")
	cmd.Flags().StringVar(&opts.name, "name", "", "client name used in connection names")
	cmd.Flags().BoolVar(&opts.retry, "retry", false, "reconnect whenever the connection drops")

	return cmd
}

func (o *clientOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Client.Server = o.server
	}
	if flags.Changed("name") {
		cfg.Client.Name = o.name
	}
	if flags.Changed("retry") {
		cfg.Client.Retry = o.retry
	}
}

// lineReader yields input lines without their terminator and io.EOF at the
// end of input.
type lineReader interface {
	ReadLine() (string, error)
	Close() error
}

type scannerReader struct {
	scanner *bufio.Scanner
}

func (r *scannerReader) ReadLine() (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *scannerReader) Close() error { return nil }

type terminalReader struct {
	ln      *linenoise.LineNoise
	prompt  string
	history string
}

func newTerminalReader(prompt string) *terminalReader {
	r := &terminalReader{ln: linenoise.New(), prompt: prompt, history: historyPath()}
	if err := r.ln.HistoryLoad(r.history); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Logger.Warn("client: failed to load history", zap.String("path", r.history), zap.Error(err))
	}
	return r
}

func (r *terminalReader) ReadLine() (string, error) {
	line, err := r.ln.Prompt(r.prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	switch line {
	case "":
	case "clear":
		return "", r.ln.ClearScreen()
	default:
		r.ln.AppendHistory(line)
	}
	return line, nil
}

func (r *terminalReader) Close() error {
	if err := r.ln.HistorySave(r.history); err != nil {
		log.Logger.Warn("client: failed to save history", zap.String("path", r.history), zap.Error(err))
	}
	return r.ln.Close()
}

func historyPath() string {
	if p := os.Getenv(historyFileEnv); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return historyFileDefault
	}
	return filepath.Join(home, historyFileDefault)
}

func newLineReader(in io.Reader, prompt string) lineReader {
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return newTerminalReader(prompt)
	}
	return &scannerReader{scanner: bufio.NewScanner(in)}
}

func runClient(in io.Reader, out io.Writer, cfg *config.Config) error {
	addr, err := inet.Resolve(cfg.Client.Server)
	if err != nil {
		return fmt.Errorf("resolve server address: %w", err)
	}

	thread := reactor.NewEventLoopThread(nil, cfg.Client.Name, reactor.WithPollTimeout(cfg.Server.PollTimeout))
	loop := thread.StartLoop()

	client := reactor.NewTcpClient(loop, addr, cfg.Client.Name)
	if cfg.Client.Retry {
		client.EnableRetry()
	}

	up := make(chan struct{}, 1)
	down := make(chan struct{}, 1)
	client.SetConnectionCallback(func(conn *reactor.TcpConnection) {
		signal := down
		if conn.Connected() {
			signal = up
			fmt.Fprintf(out, "connected to %s\n", conn.PeerAddress())
		} else {
			fmt.Fprintf(out, "disconnected from %s\n", conn.PeerAddress())
		}
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	client.SetMessageCallback(func(conn *reactor.TcpConnection, buf *buffer.Buffer, _ time.Time) {
		fmt.Fprint(out, buf.RetrieveAllAsString())
	})
	client.Connect()

	select {
	case <-up:
	case <-time.After(connectTimeout):
		client.Close()
		return multierr.Append(fmt.Errorf("connect to %s: timed out", addr), thread.Stop())
	}

	reader := newLineReader(in, cfg.Client.Name+"> ")
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Logger.Error("client: read input failed", zap.Error(err))
			}
			break
		}
		if line == "" {
			continue
		}
		conn := client.Connection()
		if conn == nil {
			fmt.Fprintln(out, "not connected")
			continue
		}
		if err := conn.SendString(line + "\n"); err != nil {
			fmt.Fprintln(out, err)
		}
	}
	closeErr := reader.Close()

	if client.Connection() != nil {
		select {
		case <-down:
		default:
		}
		client.Disconnect()
		select {
		case <-down:
		case <-time.After(disconnectTimeout):
			log.Logger.Warn("client: server did not close, forcing", zap.String("client", cfg.Client.Name))
		}
	}
	client.Close()
	return multierr.Append(closeErr, thread.Stop())
}
