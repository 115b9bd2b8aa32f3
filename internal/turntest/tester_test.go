package turntest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/subspace/internal/adapters/rtc"
	"github.com/dkeye/subspace/internal/adapters/turnserver"
	"github.com/dkeye/subspace/internal/diag"
	"github.com/dkeye/subspace/internal/iceconf"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

func newAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := rtc.NewAPI(rtc.Options{IncludeLoopback: true})
	if err != nil {
		t.Fatal(err)
	}
	return api
}

func TestRelayOnlyWithoutTURN(t *testing.T) {
	tester := &Tester{API: newAPI(t), RelayOnly: true}
	for name, run := range map[string]func(context.Context) Result{
		"loopback": tester.RunLoopback,
		"remote":   tester.RunRemote,
	} {
		t.Run(name, func(t *testing.T) {
			res := run(context.Background())
			if res.Status != StatusError {
				t.Fatalf("status = %s (%s)", res.Status, res.Message)
			}
			if !strings.Contains(res.Message, "no TURN server") {
				t.Fatalf("message = %q", res.Message)
			}
		})
	}
}

func TestRemoteWithoutEndpoint(t *testing.T) {
	tester := &Tester{API: newAPI(t)}
	if res := tester.RunRemote(context.Background()); res.Status != StatusError {
		t.Fatalf("status = %s", res.Status)
	}
}

func TestDescribeCandidates(t *testing.T) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=application 9 UDP/DTLS/SCTP webrtc-datachannel",
		"c=IN IP4 0.0.0.0",
		"a=candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host",
		"a=candidate:1 1 udp 2130706431 192.168.1.2 50000 typ host",
		"a=candidate:2 1 udp 16777215 203.0.113.5 3478 typ relay raddr 0.0.0.0 rport 0",
		"a=candidate:garbage",
		"",
	}, "\r\n")}

	got := describeCandidates(desc)
	want := []string{"host 192.168.1.2:50000/udp", "relay 203.0.113.5:3478/udp"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !hasRelay(got) || hasRelay(got[:1]) {
		t.Fatal("relay detection wrong")
	}
}

func TestLoopbackDirect(t *testing.T) {
	if testing.Short() {
		t.Skip("needs ICE over loopback")
	}
	tester := &Tester{API: newAPI(t), Timeout: 10 * time.Second}
	res := tester.RunLoopback(context.Background())
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
	if res.Details.ConnectionType != diag.ConnectionDirect || !res.Details.CanP2P {
		t.Fatalf("details = %+v", res.Details)
	}
	if len(res.Details.LocalCandidates) == 0 || len(res.Details.RemoteCandidates) == 0 {
		t.Fatalf("candidates missing: %+v", res.Details)
	}
}

func startTURN(t *testing.T) iceconf.Config {
	t.Helper()
	const secret = "test-secret"
	srv, err := turnserver.Start(turnserver.Config{
		ListenHost:   "127.0.0.1",
		Realm:        "subspace",
		PublicIP:     "127.0.0.1",
		SharedSecret: secret,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	creds, err := turnserver.IssueCredentials(secret, time.Hour, []string{srv.URI()})
	if err != nil {
		t.Fatal(err)
	}
	return iceconf.Config{
		Servers: []webrtc.ICEServer{{
			URLs:           creds.URIs,
			Username:       creds.Username,
			Credential:     creds.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		}},
		HasRelay: true,
	}
}

func TestLoopbackRelayOnlyThroughEmbeddedTURN(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a TURN allocation on loopback")
	}
	tester := &Tester{API: newAPI(t), ICE: startTURN(t), RelayOnly: true, Timeout: 15 * time.Second}
	res := tester.RunLoopback(context.Background())
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
	if res.Details.ConnectionType != diag.ConnectionRelay || !res.Details.CanRelay {
		t.Fatalf("details = %+v", res.Details)
	}
	for _, c := range res.Details.LocalCandidates {
		if !strings.HasPrefix(c, "relay ") {
			t.Fatalf("relay-only test gathered %q", c)
		}
	}
}

func TestLoopbackTimeoutWithUnreachableTURN(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the test timeout")
	}
	ice := iceconf.Config{
		Servers: []webrtc.ICEServer{{
			URLs:           []string{"turn:192.0.2.1:3478?transport=udp"},
			Username:       "user",
			Credential:     "pass",
			CredentialType: webrtc.ICECredentialTypePassword,
		}},
		HasRelay: true,
	}
	tester := &Tester{API: newAPI(t), ICE: ice, RelayOnly: true, Timeout: time.Second}

	start := time.Now()
	res := tester.RunLoopback(context.Background())
	elapsed := time.Since(start)

	if res.Status != StatusFailed {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("1s test took %v", elapsed)
	}
}

func TestRemoteEcho(t *testing.T) {
	if testing.Short() {
		t.Skip("needs ICE over loopback")
	}
	api := newAPI(t)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ServeEcho(r.Context(), conn, api, webrtc.Configuration{})
	}))
	defer srv.Close()

	tester := &Tester{
		API:     api,
		Timeout: 10 * time.Second,
		EchoURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
	res := tester.RunRemote(context.Background())
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s: %s", res.Status, res.Message)
	}
	if res.Details.RTTMillis <= 0 {
		t.Fatalf("rtt = %v", res.Details.RTTMillis)
	}
}
