package reactor

import (
	"os"
	"testing"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap/zapcore"
)

func TestMain(m *testing.M) {
	// turn fatal diagnostics into panics so affinity violations are observable
	log.SetFatalHook(zapcore.WriteThenPanic)
	os.Exit(m.Run())
}
