package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBenchAgainstEchoServer(t *testing.T) {
	cfg := testConfig()
	rs := startEchoServer(t, cfg)
	cfg.Client.Server = rs.server.ListenAddress().String()
	cfg.Client.Connections = 4
	cfg.Client.Messages = [2]int{1, 5}

	var out syncBuffer
	opts := &benchOptions{concurrency: 2, timeout: 10 * time.Second, shutdownServer: true}
	require.NoError(t, runBench(&out, cfg, opts))
	assert.Contains(t, out.String(), "4 clients")

	assert.NoError(t, rs.wait(t), "shutdown command stops the server")
	msgs := rs.messages.Load()
	assert.GreaterOrEqual(t, msgs, int64(4+1))
}

func TestBenchZeroMessages(t *testing.T) {
	cfg := testConfig()
	rs := startEchoServer(t, cfg)
	cfg.Client.Server = rs.server.ListenAddress().String()
	cfg.Client.Connections = 2
	cfg.Client.Messages = [2]int{0, 0}

	var out syncBuffer
	require.NoError(t, runBench(&out, cfg, &benchOptions{timeout: 5 * time.Second}))
	assert.Contains(t, out.String(), "0 messages sent, 0 echoed")
	assert.Eventually(t, func() bool { return rs.server.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBenchTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Client.Server = "127.0.0.1:1"
	cfg.Client.Connections = 1

	err := runBench(&syncBuffer{}, cfg, &benchOptions{timeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
