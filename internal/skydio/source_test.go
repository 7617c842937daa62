package skydio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func testConfig() SourceConfig {
	return SourceConfig{
		BackoffBase: 10 * time.Millisecond,
		BackoffMax:  80 * time.Millisecond,
		MaxRetries:  3,
		ReadTimeout: time.Second,
	}
}

func TestBackoffDelayMonotonicWithCeiling(t *testing.T) {
	s := NewSource("SER", "wss://stream.test", "tok", testConfig(), testLog())

	var prev time.Duration
	for retries := 1; retries <= 10; retries++ {
		d := s.backoffDelay(retries)
		assert.GreaterOrEqual(t, d, prev, "delay must never shrink")
		assert.LessOrEqual(t, d, s.cfg.BackoffMax)
		prev = d
	}
	assert.Equal(t, 20*time.Millisecond, s.backoffDelay(1))
	assert.Equal(t, 40*time.Millisecond, s.backoffDelay(2))
	assert.Equal(t, 80*time.Millisecond, s.backoffDelay(5))
}

func TestBackoffResetsAfterSuccessfulConnection(t *testing.T) {
	// After a successful connect the retry counter goes back to zero, so the
	// next failure starts the ladder from the bottom again.
	s := NewSource("SER", "wss://stream.test", "tok", testConfig(), testLog())
	assert.Equal(t, s.backoffDelay(1), 2*s.cfg.BackoffBase)
}

// streamServer upgrades one websocket connection per request and hands it to fn.
func streamServer(t *testing.T, fn func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSourceEmitsWellFormedMessages(t *testing.T) {
	var gotAuth string
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"latitude":36.47,"longitude":-118.85}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json at all`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","battery":0.9}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSource("SER123", wsURL(srv), "tok-1", testConfig(), testLog())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	first := <-s.Messages()
	assert.Equal(t, 36.47, first["latitude"])

	// The malformed frame is skipped without closing the stream; the status
	// message still comes through even though it carries no position.
	second := <-s.Messages()
	assert.Equal(t, "status", second["type"])

	assert.Equal(t, "ApiToken tok-1", gotAuth)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, s.State())
}

func TestSourceStreamPathIncludesSerial(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.MaxRetries = 1
	s := NewSource("SER456", wsURL(srv), "tok", cfg, testLog())
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, "/data/SER456", gotPath)
}

func TestSourceGivesUpAfterMaxRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	s := NewSource("SER", wsURL(srv), "tok", testConfig(), testLog())
	err := s.Run(context.Background())

	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, StateClosed, s.State())

	// Messages channel is closed once Run returns.
	_, ok := <-s.Messages()
	assert.False(t, ok)
}

func TestSourceReconnectsAfterPeerClose(t *testing.T) {
	connects := make(chan struct{}, 8)
	srv := streamServer(t, func(conn *websocket.Conn) {
		connects <- struct{}{}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		conn.Close() // peer drops the stream
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSource("SER", wsURL(srv), "tok", testConfig(), testLog())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-s.Messages()
	<-connects
	// Peer closed; the source must come back on its own.
	select {
	case <-connects:
	case <-time.After(2 * time.Second):
		t.Fatal("source did not reconnect after peer close")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSourceCancelDuringBackoffUnwinds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.BackoffBase = 10 * time.Second // park the source in its backoff sleep
	cfg.BackoffMax = time.Minute
	s := NewSource("SER", wsURL(srv), "tok", cfg, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("cancellation did not interrupt the backoff sleep")
	}
}
