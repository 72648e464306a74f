package log

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide diagnostic logger. It is a no-op until InitLogger
// or SetOutput installs a real sink.
var Logger = zap.NewNop()

var (
	mu        sync.Mutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	fatalHook zapcore.CheckWriteHook
)

// Options configures InitLogger.
type Options struct {
	Level       string
	File        string
	Development bool
}

func InitLogger(opts Options) error {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
			return err
		}
	}

	var ws zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.File != "" {
		fs, err := NewFileSink(opts.File, time.Second)
		if err != nil {
			return err
		}
		ws = fs
	}

	mu.Lock()
	defer mu.Unlock()
	level.SetLevel(lvl)
	Logger = build(ws, opts.Development)
	return nil
}

// SetOutput swaps the sink every subsequent log line is appended to. Write is
// the append side and Sync the flush side.
func SetOutput(ws zapcore.WriteSyncer) {
	mu.Lock()
	defer mu.Unlock()
	Logger = build(ws, false)
}

// SetLevel changes the minimum enabled level of the installed logger.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// SetFatalHook replaces what happens after a FATAL line is written. The
// default terminates the process.
func SetFatalHook(hook zapcore.CheckWriteHook) {
	mu.Lock()
	defer mu.Unlock()
	fatalHook = hook
	Logger = Logger.WithOptions(zap.WithFatalHook(hook))
}

// Flush pushes buffered log lines to the sink.
func Flush() error {
	mu.Lock()
	l := Logger
	mu.Unlock()
	return l.Sync()
}

func build(ws zapcore.WriteSyncer, development bool) *zap.Logger {
	var config zapcore.EncoderConfig
	if development {
		config = zap.NewDevelopmentEncoderConfig()
	} else {
		config = zap.NewProductionEncoderConfig()
	}
	config.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339Nano))
	}
	config.EncodeLevel = zapcore.CapitalLevelEncoder

	var enc zapcore.Encoder
	if development {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(config)
	} else {
		enc = zapcore.NewJSONEncoder(config)
	}

	opts := []zap.Option{zap.AddCaller(), zap.ErrorOutput(ws)}
	if development {
		opts = append(opts, zap.Development())
	}
	if fatalHook != nil {
		opts = append(opts, zap.WithFatalHook(fatalHook))
	}
	return zap.New(zapcore.NewCore(enc, ws, level), opts...)
}
