package metric

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitReachable(t *testing.T, url string) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestServerStartStop(t *testing.T) {
	const port = 19309
	server := NewServer(port, "/metrics", NewMetricsRegistry())

	started := make(chan error, 1)
	go func() { started <- server.Start() }()

	require.True(t, waitReachable(t, fmt.Sprintf("http://localhost:%d/health", port)))

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", port))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Stop())

	// A stopped server is a clean exit, not an error
	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after Stop")
	}
}

func TestServerStopWithoutStart(t *testing.T) {
	server := NewServer(19310, "/metrics", NewMetricsRegistry())
	assert.NoError(t, server.Stop())
}
