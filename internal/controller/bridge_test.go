// ABOUTME: Tests for the controller bridge: correlation, deadlines, failover and shutdown.
// ABOUTME: Uses an in-memory socket so frames can be observed and injected directly.

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket is an in-memory Socket.
type fakeSocket struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu      sync.Mutex
	written [][]byte
	onWrite func(data []byte)
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-s.incoming:
		return websocket.TextMessage, data, nil
	case <-s.closed:
		return 0, nil, io.EOF
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("socket closed")
	default:
	}

	s.mu.Lock()
	s.written = append(s.written, data)
	hook := s.onWrite
	s.mu.Unlock()

	if hook != nil {
		hook(data)
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// requests returns every Request frame written to the socket.
func (s *fakeSocket) requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reqs []Request
	for _, data := range s.written {
		var req Request
		if err := json.Unmarshal(data, &req); err == nil && req.ID != "" {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

func (s *fakeSocket) frameTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var types []string
	for _, data := range s.written {
		var c control
		if err := json.Unmarshal(data, &c); err == nil && c.Type != "" {
			types = append(types, c.Type)
		}
	}
	return types
}

func (s *fakeSocket) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.incoming <- data
}

// waitRequest blocks until the n-th request (1-based) has been written.
func (s *fakeSocket) waitRequest(t *testing.T, n int) Request {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.requests()) >= n }, time.Second, time.Millisecond)
	return s.requests()[n-1]
}

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b := NewBridge(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type sendResult struct {
	data json.RawMessage
	err  error
}

func sendAsync(b *Bridge, ctx context.Context, action string, payload any, timeout time.Duration) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		data, err := b.SendRequest(ctx, action, payload, timeout)
		ch <- sendResult{data: data, err: err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan sendResult) sendResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("request did not settle")
		return sendResult{}
	}
}

func TestBridge_RegisterConnection_Roles(t *testing.T) {
	b := newTestBridge(t)
	assert.False(t, b.IsConnected())

	first, err := b.RegisterConnection(newFakeSocket())
	require.NoError(t, err)
	second, err := b.RegisterConnection(newFakeSocket())
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.True(t, b.IsConnected())
	assert.Equal(t, first, b.PrimaryID())

	role, ok := b.Role(first)
	require.True(t, ok)
	assert.Equal(t, RolePrimary, role)

	role, ok = b.Role(second)
	require.True(t, ok)
	assert.Equal(t, RoleStandby, role)

	status := b.Status()
	assert.Equal(t, 2, status.Connections)
	assert.Equal(t, 1, status.Standby)
}

func TestBridge_SendRequest_NoPrimary(t *testing.T) {
	b := newTestBridge(t)

	start := time.Now()
	_, err := b.SendRequest(context.Background(), "click", nil, time.Second)
	assert.ErrorIs(t, err, ErrControllerDisconnected)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, b.PendingCount())
}

func TestBridge_SendRequest_Success(t *testing.T) {
	b := newTestBridge(t)
	sock := newFakeSocket()
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	ch := sendAsync(b, context.Background(), "navigate", map[string]string{"url": "https://example.com"}, time.Second)

	req := sock.waitRequest(t, 1)
	assert.Equal(t, "navigate", req.Action)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, req.Payload)

	sock.push(t, Response{ID: req.ID, OK: true, Data: json.RawMessage(`{"title":"Example"}`)})

	r := awaitResult(t, ch)
	require.NoError(t, r.err)
	assert.JSONEq(t, `{"title":"Example"}`, string(r.data))
	assert.Equal(t, 0, b.PendingCount())
	assert.Equal(t, uint64(1), b.Status().RequestsSucceeded)
}

func TestBridge_SendRequest_RemoteError(t *testing.T) {
	b := newTestBridge(t)
	sock := newFakeSocket()
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	ch := sendAsync(b, context.Background(), "click", nil, time.Second)
	req := sock.waitRequest(t, 1)
	sock.push(t, Response{ID: req.ID, OK: false, Error: "element not found"})

	r := awaitResult(t, ch)
	var remote *RemoteError
	require.ErrorAs(t, r.err, &remote)
	assert.Equal(t, "element not found", remote.Message)
	assert.Equal(t, "click", remote.Action)
}

func TestBridge_SendRequest_Timeout(t *testing.T) {
	b := newTestBridge(t)
	sock := newFakeSocket()
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	_, err = b.SendRequest(context.Background(), "click", map[string]string{"selector": "#go"}, 100*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Contains(t, err.Error(), "timed out after 100ms")
	assert.Equal(t, 0, b.PendingCount())

	// A late response for the same id is dropped without disturbing the bridge.
	req := sock.waitRequest(t, 1)
	assert.NotPanics(t, func() {
		b.HandleResponse(Response{ID: req.ID, OK: true})
	})
	sock.push(t, Response{ID: req.ID, OK: true})

	assert.True(t, b.IsConnected())
	assert.Equal(t, uint64(1), b.Status().RequestsTimedOut)
	require.Eventually(t, func() bool { return b.Status().LateResponses == 2 }, time.Second, time.Millisecond)
}

func TestBridge_UnknownResponseIsNotLate(t *testing.T) {
	b := newTestBridge(t)

	b.HandleResponse(Response{ID: "never-issued", OK: true})
	assert.Zero(t, b.Status().LateResponses)
}

func TestBridge_SendRequest_DefaultTimeout(t *testing.T) {
	b := NewBridge(Config{
		RequestTimeout: 20 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer b.Close()
	_, err := b.RegisterConnection(newFakeSocket())
	require.NoError(t, err)

	_, err = b.SendRequest(context.Background(), "wait", nil, 0)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Contains(t, err.Error(), "timed out after 20ms")
}

func TestBridge_SendRequest_SerializationFailure(t *testing.T) {
	b := newTestBridge(t)
	sock := newFakeSocket()
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	_, err = b.SendRequest(context.Background(), "click", make(chan int), time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, b.PendingCount())
	assert.Empty(t, sock.requests())
}

func TestBridge_SendRequest_ContextCancelled(t *testing.T) {
	b := newTestBridge(t)
	sock := newFakeSocket()
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := sendAsync(b, ctx, "scroll", nil, time.Minute)
	sock.waitRequest(t, 1)
	cancel()

	r := awaitResult(t, ch)
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, b.PendingCount())

	req := sock.waitRequest(t, 1)
	b.HandleResponse(Response{ID: req.ID, OK: true})
	assert.Equal(t, uint64(1), b.Status().LateResponses)
}

func TestBridge_PrimaryLost_PromotesStandby(t *testing.T) {
	b := newTestBridge(t)
	primary := newFakeSocket()
	standby := newFakeSocket()
	_, err := b.RegisterConnection(primary)
	require.NoError(t, err)
	standbyID, err := b.RegisterConnection(standby)
	require.NoError(t, err)

	ch1 := sendAsync(b, context.Background(), "click", nil, time.Minute)
	ch2 := sendAsync(b, context.Background(), "type", nil, time.Minute)
	primary.waitRequest(t, 2)

	_ = primary.Close()

	for _, ch := range []<-chan sendResult{ch1, ch2} {
		r := awaitResult(t, ch)
		assert.ErrorIs(t, r.err, ErrPrimaryLost)
	}

	require.Eventually(t, func() bool { return b.PrimaryID() == standbyID }, time.Second, time.Millisecond)
	assert.True(t, b.IsConnected())
	assert.Equal(t, 0, b.PendingCount())

	// New requests go to the promoted connection.
	ch := sendAsync(b, context.Background(), "reload", nil, time.Second)
	req := standby.waitRequest(t, 1)
	assert.Equal(t, "reload", req.Action)
	standby.push(t, Response{ID: req.ID, OK: true})
	require.NoError(t, awaitResult(t, ch).err)
}

func TestBridge_PrimaryLost_NoStandby(t *testing.T) {
	b := newTestBridge(t)
	sock := newFakeSocket()
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	_ = sock.Close()
	require.Eventually(t, func() bool { return !b.IsConnected() }, time.Second, time.Millisecond)

	_, err = b.SendRequest(context.Background(), "click", nil, time.Second)
	assert.ErrorIs(t, err, ErrControllerDisconnected)
}

func TestBridge_StandbyLost_KeepsPrimary(t *testing.T) {
	b := newTestBridge(t)
	primary := newFakeSocket()
	standby := newFakeSocket()
	primaryID, err := b.RegisterConnection(primary)
	require.NoError(t, err)
	_, err = b.RegisterConnection(standby)
	require.NoError(t, err)

	ch := sendAsync(b, context.Background(), "click", nil, time.Second)
	req := primary.waitRequest(t, 1)

	_ = standby.Close()
	require.Eventually(t, func() bool { return b.Status().Connections == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, primaryID, b.PrimaryID())

	primary.push(t, Response{ID: req.ID, OK: true})
	require.NoError(t, awaitResult(t, ch).err)
}

func TestBridge_Close_RejectsPending(t *testing.T) {
	b := NewBridge(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	sock := newFakeSocket()
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	ch := sendAsync(b, context.Background(), "click", nil, time.Minute)
	sock.waitRequest(t, 1)

	require.NoError(t, b.Close())
	assert.ErrorIs(t, awaitResult(t, ch).err, ErrBridgeClosing)
	assert.True(t, sock.isClosed())
	assert.False(t, b.IsConnected())

	_, err = b.SendRequest(context.Background(), "click", nil, time.Second)
	assert.ErrorIs(t, err, ErrBridgeClosing)

	_, err = b.RegisterConnection(newFakeSocket())
	assert.ErrorIs(t, err, ErrBridgeClosing)

	// Second close is a no-op.
	assert.NoError(t, b.Close())
}

func TestBridge_ConcurrentRequests_SettleOnce(t *testing.T) {
	b := newTestBridge(t)
	sock := newFakeSocket()
	// Echo the action back as data, in reverse arrival order for every other request.
	sock.onWrite = func(data []byte) {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
			return
		}
		go func() {
			resp, _ := json.Marshal(Response{ID: req.ID, OK: true, Data: json.RawMessage(fmt.Sprintf("%q", req.Action))})
			sock.incoming <- resp
		}()
	}
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	var settled atomic.Int32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			action := fmt.Sprintf("action-%d", i)
			data, err := b.SendRequest(context.Background(), action, i, time.Second)
			settled.Add(1)
			if err != nil {
				errs <- err
				return
			}
			if string(data) != fmt.Sprintf("%q", action) {
				errs <- fmt.Errorf("request %s got %s", action, data)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int32(n), settled.Load())
	assert.Equal(t, 0, b.PendingCount())

	ids := make(map[string]bool)
	for _, req := range sock.requests() {
		assert.False(t, ids[req.ID], "duplicate request id %s", req.ID)
		ids[req.ID] = true
	}
	assert.Len(t, ids, n)
}

func TestBridge_AnswersPing(t *testing.T) {
	b := newTestBridge(t)
	sock := newFakeSocket()
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	sock.push(t, control{Type: FramePing})
	require.Eventually(t, func() bool {
		types := sock.frameTypes()
		return len(types) == 1 && types[0] == FramePong
	}, time.Second, time.Millisecond)
}

func TestBridge_MalformedFramesIgnored(t *testing.T) {
	b := newTestBridge(t)
	sock := newFakeSocket()
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	sock.incoming <- []byte("not json")
	sock.incoming <- []byte(`{"ok":true}`)

	ch := sendAsync(b, context.Background(), "click", nil, time.Second)
	req := sock.waitRequest(t, 1)
	sock.push(t, Response{ID: req.ID, OK: true})
	require.NoError(t, awaitResult(t, ch).err)
	assert.True(t, b.IsConnected())
}

func TestBridge_Keepalive_ClosesSilentConnection(t *testing.T) {
	b := NewBridge(Config{
		PingInterval: 10 * time.Millisecond,
		PongTimeout:  40 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer b.Close()

	sock := newFakeSocket()
	_, err := b.RegisterConnection(sock)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, typ := range sock.frameTypes() {
			if typ == FramePing {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return !b.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.True(t, sock.isClosed())
}

func TestBridge_RequestIDsAreTimestamped(t *testing.T) {
	b := newTestBridge(t)
	b.now = func() time.Time { return time.UnixMilli(1700000000000) }

	assert.Equal(t, "1700000000000-1", b.nextRequestID())
	assert.Equal(t, "1700000000000-2", b.nextRequestID())
}

func TestBridge_Handler_WebSocket(t *testing.T) {
	b := newTestBridge(t)
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Controller side: answer every request with its action name.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req Request
			if json.Unmarshal(data, &req) != nil || req.ID == "" {
				continue
			}
			resp, _ := json.Marshal(Response{ID: req.ID, OK: true, Data: json.RawMessage(fmt.Sprintf("%q", req.Action))})
			_ = conn.WriteMessage(websocket.TextMessage, resp)
		}
	}()

	require.Eventually(t, b.IsConnected, time.Second, time.Millisecond)

	data, err := b.SendRequest(context.Background(), "screenshot", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `"screenshot"`, string(data))
}
