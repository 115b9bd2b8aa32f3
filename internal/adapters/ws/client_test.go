package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/subspace/internal/core"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/gorilla/websocket"
)

type inbox struct {
	ch chan wire.Envelope
}

func (i *inbox) Deliver(env wire.Envelope) { i.ch <- env }

// fakeServer accepts sockets, checks the auth envelope and answers
// auth_success. Each accepted socket is handed to the test.
type fakeServer struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	auths chan wire.AuthPayload
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4), auths: make(chan wire.AuthPayload, 4)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.Parse(data)
		if err != nil || env.Type != wire.TypeAuth {
			_ = conn.Close()
			return
		}
		var p wire.AuthPayload
		_ = env.Decode(&p)
		fs.auths <- p
		reply, _ := wire.Marshal(wire.TypeAuthSuccess, wire.AuthSuccessPayload{UserID: "u-1", Username: p.Username})
		_ = conn.WriteMessage(websocket.TextMessage, reply)
		fs.conns <- conn
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string { return "ws" + strings.TrimPrefix(fs.srv.URL, "http") }

func recv[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestClientAuthenticatesAndRelays(t *testing.T) {
	fs := newFakeServer(t)
	in := &inbox{ch: make(chan wire.Envelope, 8)}
	c := NewClient(Config{URL: fs.url(), Token: "tok", Username: "alice", ReconnectDelay: 50 * time.Millisecond}, in)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	if p := recv(t, fs.auths); p.Token != "tok" || p.Username != "alice" {
		t.Fatalf("auth = %+v", p)
	}
	conn := recv(t, fs.conns)
	if env := recv(t, in.ch); env.Type != wire.TypeAuthSuccess {
		t.Fatalf("first inbound = %s", env.Type)
	}

	env, err := wire.New(wire.TypeJoinVoice, wire.JoinVoicePayload{ChannelID: "lobby"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(env); err != nil {
		t.Fatal(err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	got, err := wire.Parse(data)
	if err != nil || got.Type != wire.TypeJoinVoice {
		t.Fatalf("server read %s, %v", got.Type, err)
	}

	// Pings are answered without reaching the inbound handler.
	ping, _ := wire.Marshal(wire.TypePing, nil)
	if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
		t.Fatal(err)
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := wire.Parse(data); got.Type != wire.TypePong {
		t.Fatalf("reply to ping = %s", got.Type)
	}

	cancel()
	if err := recv(t, done); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if err := c.Send(env); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("send after stop: %v", err)
	}
}

func TestClientReconnectsAndReauthenticates(t *testing.T) {
	fs := newFakeServer(t)
	in := &inbox{ch: make(chan wire.Envelope, 8)}
	c := NewClient(Config{URL: fs.url(), Token: "tok", ReconnectDelay: 50 * time.Millisecond}, in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	recv(t, fs.auths)
	first := recv(t, fs.conns)
	recv(t, in.ch)
	_ = first.Close()

	if p := recv(t, fs.auths); p.Token != "tok" {
		t.Fatalf("re-auth = %+v", p)
	}
	recv(t, fs.conns)
	if env := recv(t, in.ch); env.Type != wire.TypeAuthSuccess {
		t.Fatalf("inbound after reconnect = %s", env.Type)
	}
}

func TestTrySend(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused"}, &inbox{})
	if err := c.TrySend(core.Frame(`{}`)); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("disconnected send: %v", err)
	}

	c.setQueue(make(chan core.Frame, 1))
	if !c.Connected() {
		t.Fatal("client with a queue reports disconnected")
	}
	if err := c.TrySend(core.Frame(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := c.TrySend(core.Frame(`{}`)); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("full queue: %v", err)
	}
}
