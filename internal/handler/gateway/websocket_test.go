package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/dm-gateway/backend/internal/model/protocol"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/messaging"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/registry"
	"github.com/zhouzirui/dm-gateway/backend/internal/service/upstream"
	"github.com/zhouzirui/dm-gateway/backend/internal/testutil/fakews"
)

type testGateway struct {
	server   *httptest.Server
	registry *registry.Registry
	store    *upstream.MemoryMessageStore
	verifier *upstream.JWTVerifier
	handler  *Handler
}

func newTestGateway(t *testing.T, opts Options) *testGateway {
	t.Helper()
	return newTestGatewayWithDirectory(t, opts, upstream.NewMemoryDirectory("alice", "bob"))
}

func newTestGatewayWithDirectory(t *testing.T, opts Options, directory upstream.Directory) *testGateway {
	t.Helper()

	reg := registry.New()
	store := upstream.NewMemoryMessageStore()
	verifier := upstream.NewJWTVerifier("test-secret", "HS256")
	svc := messaging.NewService(
		verifier,
		directory,
		store,
		reg,
		messaging.Options{CallTimeout: time.Second, WriteTimeout: time.Second, CloseSuperseded: true},
		zerolog.Nop(),
	)

	handler := New(svc, opts, zerolog.Nop())
	r := chi.NewRouter()
	handler.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testGateway{server: srv, registry: reg, store: store, verifier: verifier, handler: handler}
}

func (g *testGateway) token(t *testing.T, username string) string {
	t.Helper()
	token, err := g.verifier.Issue(username, time.Hour)
	require.NoError(t, err)
	return token
}

func (g *testGateway) dial(t *testing.T, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func (g *testGateway) connect(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	conn, _, err := g.dial(t, "?token="+g.token(t, username), nil)
	require.NoError(t, err)

	frame := readFrame(t, conn)
	require.Equal(t, protocol.Info("Connected as "+username), frame)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame protocol.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestGatewayRelaysDirectMessage(t *testing.T) {
	req := require.New(t)
	g := newTestGateway(t, Options{})
	alice := g.connect(t, "alice")
	bob := g.connect(t, "bob")

	req.NoError(alice.WriteJSON(map[string]string{"type": "dm", "to": "bob", "content": "hi bob"}))

	delivered := readFrame(t, bob)
	ack := readFrame(t, alice)

	req.Equal(protocol.FrameDM, delivered.Type)
	req.Equal("alice", delivered.From)
	req.Equal("hi bob", delivered.Content)
	req.Equal(protocol.FrameAck, ack.Type)
	req.Equal(ack.MessageID, delivered.MessageID)

	stored := g.store.Conversation("alice", "bob")
	req.Len(stored, 1)
	req.Equal(stored[0].MessageID, ack.MessageID)
	req.Equal(stored[0].CreatedAt, delivered.CreatedAt)
}

func TestGatewayErrorsKeepConnectionOpen(t *testing.T) {
	req := require.New(t)
	g := newTestGateway(t, Options{})
	alice := g.connect(t, "alice")

	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	req.Equal(protocol.Error("Invalid message type"), readFrame(t, alice))

	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"dm","to":"nobody","content":"x"}`)))
	req.Equal(protocol.Error("Recipient 'nobody' does not exist"), readFrame(t, alice))

	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"dm","to":"bob","content":"offline"}`)))
	ack := readFrame(t, alice)
	req.Equal(protocol.FrameAck, ack.Type)
	req.NotEmpty(ack.MessageID)
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	req := require.New(t)
	g := newTestGateway(t, Options{})

	conn, _, err := g.dial(t, "", nil)
	req.NoError(err)

	req.Equal(protocol.Error("Missing token"), readFrame(t, conn))

	_, _, err = conn.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)
	req.Equal(0, g.registry.Count())
}

func TestGatewayRejectsInvalidToken(t *testing.T) {
	req := require.New(t)
	g := newTestGateway(t, Options{})

	conn, _, err := g.dial(t, "?token=forged", nil)
	req.NoError(err)

	req.Equal(protocol.Error("Authentication failed"), readFrame(t, conn))
	_, _, err = conn.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)
}

func TestGatewayAcceptsAuthorizationHeader(t *testing.T) {
	g := newTestGateway(t, Options{})
	header := http.Header{}
	header.Set("Authorization", "Bearer "+g.token(t, "bob"))

	conn, _, err := g.dial(t, "", header)
	require.NoError(t, err)
	require.Equal(t, protocol.Info("Connected as bob"), readFrame(t, conn))
}

func TestGatewayDisconnectDeregisters(t *testing.T) {
	g := newTestGateway(t, Options{})
	alice := g.connect(t, "alice")
	require.Equal(t, 1, g.registry.Count())

	require.NoError(t, alice.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	alice.Close()

	require.Eventually(t, func() bool {
		return g.registry.Count() == 0 && g.handler.ActiveSessions() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayReconnectSupersedesOldConnection(t *testing.T) {
	req := require.New(t)
	g := newTestGateway(t, Options{})
	first := g.connect(t, "alice")
	_ = g.connect(t, "alice")

	req.Equal(protocol.Info("Connection replaced by a newer session"), readFrame(t, first))
	_, _, err := first.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)

	time.Sleep(50 * time.Millisecond)
	req.Equal(1, g.registry.Count())
}

func TestGatewayCapacityLimit(t *testing.T) {
	req := require.New(t)
	g := newTestGateway(t, Options{MaxConnections: 1})
	_ = g.connect(t, "alice")

	_, resp, err := g.dial(t, "?token="+g.token(t, "bob"), nil)
	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.NotNil(resp)
	req.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

// panickingDirectory 查询 "boom" 时 panic，其余用户交给内存目录
type panickingDirectory struct {
	next upstream.Directory
}

func (d panickingDirectory) Exists(ctx context.Context, caller upstream.Caller, username string) (bool, error) {
	if username == "boom" {
		panic("directory exploded")
	}
	return d.next.Exists(ctx, caller, username)
}

func TestGatewayPanicDeregistersSession(t *testing.T) {
	req := require.New(t)
	g := newTestGatewayWithDirectory(t, Options{}, panickingDirectory{next: upstream.NewMemoryDirectory("alice", "bob")})

	alice := g.connect(t, "alice")
	req.Equal(1, g.registry.Count())

	req.NoError(alice.WriteJSON(map[string]string{"type": "dm", "to": "boom", "content": "x"}))

	req.NoError(alice.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := alice.ReadMessage()
	req.Error(err)

	req.Eventually(func() bool {
		return g.registry.Count() == 0 && g.handler.ActiveSessions() == 0
	}, 2*time.Second, 10*time.Millisecond)

	again := g.connect(t, "alice")
	bob := g.connect(t, "bob")
	req.NoError(again.WriteJSON(map[string]string{"type": "dm", "to": "bob", "content": "still here"}))

	delivered := readFrame(t, bob)
	req.Equal("still here", delivered.Content)
	req.Equal(protocol.FrameAck, readFrame(t, again).Type)
}

func TestGatewayKeepaliveExtendsReadDeadline(t *testing.T) {
	req := require.New(t)
	g := newTestGateway(t, Options{PingInterval: 30 * time.Millisecond, ReadTimeout: 120 * time.Millisecond})
	alice := g.connect(t, "alice")

	var pings atomic.Int32
	alice.SetPingHandler(func(data string) error {
		pings.Add(1)
		return alice.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	frames := make(chan protocol.Frame, 4)
	go func() {
		defer close(frames)
		for {
			var frame protocol.Frame
			if err := alice.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	}()

	// 静默时长远超读超时，只靠 pong 续期
	time.Sleep(500 * time.Millisecond)
	req.GreaterOrEqual(pings.Load(), int32(3))
	req.Equal(1, g.registry.Count())

	req.NoError(alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	select {
	case frame, ok := <-frames:
		req.True(ok, "connection closed during keepalive")
		req.Equal(protocol.Error("Invalid message type"), frame)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply after keepalive period")
	}
}

func TestPingLoopStopsWithContext(t *testing.T) {
	transport := fakews.New()
	conn := registry.NewConnection("alice", transport, 0)
	h := New(nil, Options{PingInterval: 10 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.pingLoop(ctx, conn)
		close(done)
	}()

	require.Eventually(t, func() bool { return transport.Pings() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ping loop did not stop")
	}
}

func TestPingLoopStopsWhenConnectionCloses(t *testing.T) {
	transport := fakews.New()
	conn := registry.NewConnection("alice", transport, 0)
	h := New(nil, Options{PingInterval: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, conn.Close())

	done := make(chan struct{})
	go func() {
		h.pingLoop(context.Background(), conn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ping loop kept running on a closed connection")
	}
	require.Zero(t, transport.Pings())
}

func TestBearerCredential(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"query", "/ws?token=abc", "", "abc"},
		{"query wins", "/ws?token=abc", "Bearer xyz", "abc"},
		{"header", "/ws", "Bearer xyz", "xyz"},
		{"header lowercase scheme", "/ws", "bearer xyz", "xyz"},
		{"wrong scheme", "/ws", "Basic xyz", ""},
		{"none", "/ws", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			require.Equal(t, tt.want, bearerCredential(r))
		})
	}
}
