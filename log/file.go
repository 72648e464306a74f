package log

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap/zapcore"
)

// FileSink appends log lines to a file. Lines are buffered in memory and a
// background goroutine flushes them every flushInterval.
type FileSink struct {
	*zapcore.BufferedWriteSyncer
	file *os.File
}

func NewFileSink(path string, flushInterval time.Duration) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileSink{
		BufferedWriteSyncer: &zapcore.BufferedWriteSyncer{
			WS:            zapcore.AddSync(f),
			Size:          1024 * 1024,
			FlushInterval: flushInterval,
		},
		file: f,
	}, nil
}

// Close flushes pending lines, stops the flusher and closes the file.
func (s *FileSink) Close() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.file.Close()
}
