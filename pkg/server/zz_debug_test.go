package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caldera-labs/mcpd/pkg/broker"
	"github.com/caldera-labs/mcpd/pkg/protocol"
)

func TestDebug_FullFlow(t *testing.T) {
	mr := miniredis.RunT(t)
	procA := newRedisServer(t, mr.Addr())
	procB := newRedisServer(t, mr.Addr())
	ctx := context.Background()

	srvA := httptest.NewServer(procA.Router())
	t.Cleanup(srvA.Close)

	resp, err := http.Post(srvA.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	resp.Body.Close()
	sessionID := resp.Header.Get(protocol.SessionIDHeader)
	require.NotEmpty(t, sessionID)
	t.Logf("sessionID=%q topic=%q", sessionID, broker.SessionTopic(sessionID))

	req, err := http.NewRequest(http.MethodGet, srvA.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(protocol.SessionIDHeader, sessionID)
	streamResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { streamResp.Body.Close() })
	require.Equal(t, http.StatusOK, streamResp.StatusCode)

	require.Eventually(t, func() bool {
		return procA.transport.HasLocalStreams(sessionID)
	}, 2*time.Second, 10*time.Millisecond)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	topic := broker.SessionTopic(sessionID)
	start := time.Now()
	for i := 0; i < 100; i++ {
		n, err := rc.PubSubNumSub(ctx, topic).Result()
		require.NoError(t, err)
		if n[topic] > 0 {
			t.Logf("subscriber visible after %v (iter %d)", time.Since(start), i)
			break
		}
		if i == 99 {
			t.Logf("subscriber NEVER visible after %v", time.Since(start))
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Raw publish from B's broker to the session topic.
	require.NoError(t, procB.broker.Publish(ctx, broker.SessionTopic(sessionID), []byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"data":"cross"}}`)))

	// Probe 2: check whether A persisted it (deliver ran).
	time.Sleep(300 * time.Millisecond)
	entries, err := procA.store.MessagesFrom(ctx, sessionID, "")
	require.NoError(t, err)
	t.Logf("history entries after publish: %d", len(entries))
	for _, e := range entries {
		t.Logf("  event %s: %s", e.EventID, e.Message)
	}

	reader := bufio.NewReader(streamResp.Body)
	deadline := time.After(2 * time.Second)
	lines := make(chan string, 16)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- strings.TrimRight(line, "\r\n")
		}
	}()

	for {
		select {
		case line := <-lines:
			t.Logf("SSE line: %q", line)
			if strings.Contains(line, "cross") {
				assert.True(t, true)
				return
			}
		case <-deadline:
			t.Fatal("timed out")
		}
	}
}
