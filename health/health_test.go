package health

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asyncmail/internal/metrics"
)

func TestStartHealthServer(t *testing.T) {
	metrics.ResetForTests()
	metrics.MessagesSent.Add(4)

	server, listener, err := StartHealthServer("127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		_ = listener.Close()
	}()

	baseURL := "http://" + listener.Addr().String()

	resp, err := http.Get(baseURL + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(baseURL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var counters map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&counters))
	assert.Equal(t, int64(4), counters["asyncmail_messages_sent_total"])
	assert.Contains(t, counters, "asyncmail_queue_depth")
}

func TestStartHealthServerExtraRoute(t *testing.T) {
	server, listener, err := StartHealthServer("127.0.0.1:0", Route{
		Pattern: "/send",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
	})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		_ = listener.Close()
	}()

	resp, err := http.Post("http://"+listener.Addr().String()+"/send", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestStartHealthServerBadAddr(t *testing.T) {
	_, _, err := StartHealthServer("256.0.0.1:http")
	assert.Error(t, err)
}
