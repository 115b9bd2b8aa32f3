package voice

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dkeye/subspace/internal/adapters/rtc"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/media"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/pion/webrtc/v4"
)

// bus carries signals between links in a test. Candidates are dropped
// so the exchanged descriptions fully determine the outcome.
type bus struct {
	mu    sync.Mutex
	queue []wire.Signal
	sent  []wire.Signal
	links map[domain.UserID]*PeerLink
}

func newBus() *bus { return &bus{links: make(map[domain.UserID]*PeerLink)} }

func (b *bus) sender(from domain.UserID) func(wire.Signal) {
	return func(sig wire.Signal) {
		sig.From = from
		b.mu.Lock()
		defer b.mu.Unlock()
		if sig.Kind == wire.SignalCandidate {
			return
		}
		b.queue = append(b.queue, sig)
		b.sent = append(b.sent, sig)
	}
}

func (b *bus) take(kind wire.SignalKind, target domain.UserID) []wire.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out, rest []wire.Signal
	for _, s := range b.queue {
		if s.Kind == kind && s.Target == target {
			out = append(out, s)
		} else {
			rest = append(rest, s)
		}
	}
	b.queue = rest
	return out
}

func (b *bus) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *bus) lastSent(kind wire.SignalKind, from domain.UserID) (wire.Signal, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if s := b.sent[i]; s.Kind == kind && s.From == from {
			return s, true
		}
	}
	return wire.Signal{}, false
}

// settle delivers queued signals until none are left.
func (b *bus) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		for _, l := range b.links {
			l.barrier()
		}
		b.mu.Lock()
		q := b.queue
		b.queue = nil
		b.mu.Unlock()
		if len(q) == 0 {
			return
		}
		for _, sig := range q {
			b.links[sig.Target].HandleSignal(sig)
		}
	}
	t.Fatal("signaling did not settle")
}

func newTestAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := rtc.NewAPI(rtc.Options{IncludeLoopback: true})
	if err != nil {
		t.Fatal(err)
	}
	return api
}

func newTestLink(t *testing.T, api *webrtc.API, b *bus, local, remote domain.UserID, tracks map[domain.MediaKind]webrtc.TrackLocal) *PeerLink {
	t.Helper()
	l, err := newPeerLink(context.Background(), linkConfig{
		API:    api,
		Local:  local,
		Remote: remote,
		Send:   b.sender(local),
		Tracks: tracks,
	})
	if err != nil {
		t.Fatal(err)
	}
	b.links[local] = l
	t.Cleanup(l.Close)
	return l
}

func requireStable(t *testing.T, links ...*PeerLink) {
	t.Helper()
	for _, l := range links {
		if st := l.State(); st != StateStable {
			t.Fatalf("link to %s: negotiation state %s", l.RemoteID(), st)
		}
		if ss := l.SignalingState(); ss != webrtc.SignalingStateStable {
			t.Fatalf("link to %s: signaling state %s", l.RemoteID(), ss)
		}
	}
}

func requireSlots(t *testing.T, l *PeerLink) {
	t.Helper()
	trs := l.Transceivers()
	if len(trs) != len(domain.MediaKinds) {
		t.Fatalf("link to %s has %d transceivers", l.RemoteID(), len(trs))
	}
	for i, k := range domain.MediaKinds {
		if trs[i].Mid() != k.Mid() {
			t.Fatalf("transceiver %d mid = %q, want %q", i, trs[i].Mid(), k.Mid())
		}
		want := webrtc.RTPCodecTypeAudio
		if k.IsVideo() {
			want = webrtc.RTPCodecTypeVideo
		}
		if trs[i].Kind() != want {
			t.Fatalf("transceiver %d kind = %s, want %s", i, trs[i].Kind(), want)
		}
	}
}

func TestPolitenessFollowsIDOrder(t *testing.T) {
	api := newTestAPI(t)
	b := newBus()
	alice := newTestLink(t, api, b, "alice", "bob", nil)
	bob := newTestLink(t, api, b, "bob", "alice", nil)
	if !alice.Polite() || bob.Polite() {
		t.Fatalf("alice polite=%v bob polite=%v", alice.Polite(), bob.Polite())
	}
}

func TestOfferAnswerReachesStable(t *testing.T) {
	api := newTestAPI(t)
	b := newBus()
	alice := newTestLink(t, api, b, "alice", "bob", nil)
	bob := newTestLink(t, api, b, "bob", "alice", nil)

	bob.Negotiate()
	bob.barrier()
	if st := bob.State(); st != StateAwaitingAnswer {
		t.Fatalf("offerer state = %s", st)
	}
	b.settle(t)

	requireStable(t, alice, bob)
	requireSlots(t, alice)
	requireSlots(t, bob)
}

func TestGlareBeforeFirstExchange(t *testing.T) {
	api := newTestAPI(t)
	b := newBus()
	alice := newTestLink(t, api, b, "alice", "bob", nil)
	bob := newTestLink(t, api, b, "bob", "alice", nil)

	alice.Negotiate()
	bob.Negotiate()
	alice.barrier()
	bob.barrier()

	toBob := b.take(wire.SignalOffer, "bob")
	toAlice := b.take(wire.SignalOffer, "alice")
	if len(toBob) != 1 || len(toAlice) != 1 {
		t.Fatalf("offers: to bob %d, to alice %d", len(toBob), len(toAlice))
	}

	// The impolite side keeps its own offer.
	bob.HandleSignal(toBob[0])
	bob.barrier()
	if bob.IgnoredOffers() != 1 {
		t.Fatalf("bob ignored %d offers", bob.IgnoredOffers())
	}
	if st := bob.State(); st != StateAwaitingAnswer {
		t.Fatalf("bob state = %s", st)
	}

	// The polite side has no established session to rewind to and
	// starts over on a fresh connection.
	before := alice.pc.Load()
	alice.HandleSignal(toAlice[0])
	alice.barrier()
	if alice.pc.Load() == before {
		t.Fatal("polite side kept the connection holding its offer")
	}
	if alice.IgnoredOffers() != 0 {
		t.Fatalf("alice ignored %d offers", alice.IgnoredOffers())
	}

	b.settle(t)
	requireStable(t, alice, bob)
	requireSlots(t, alice)
}

func TestGlareOnEstablishedLink(t *testing.T) {
	api := newTestAPI(t)
	b := newBus()
	alice := newTestLink(t, api, b, "alice", "bob", nil)
	bob := newTestLink(t, api, b, "bob", "alice", nil)

	bob.Negotiate()
	b.settle(t)
	requireStable(t, alice, bob)

	alice.Negotiate()
	bob.Negotiate()
	alice.barrier()
	bob.barrier()

	toBob := b.take(wire.SignalOffer, "bob")
	toAlice := b.take(wire.SignalOffer, "alice")
	if len(toBob) != 1 || len(toAlice) != 1 {
		t.Fatalf("offers: to bob %d, to alice %d", len(toBob), len(toAlice))
	}
	bob.HandleSignal(toBob[0])

	before := alice.pc.Load()
	alice.HandleSignal(toAlice[0])
	alice.barrier()
	if alice.pc.Load() != before {
		t.Fatal("established connection was replaced instead of rewound")
	}

	b.settle(t)
	requireStable(t, alice, bob)
	if bob.IgnoredOffers() != 1 || alice.IgnoredOffers() != 0 {
		t.Fatalf("ignored: alice %d, bob %d", alice.IgnoredOffers(), bob.IgnoredOffers())
	}
}

func TestStaleAnswerIsDropped(t *testing.T) {
	api := newTestAPI(t)
	b := newBus()
	alice := newTestLink(t, api, b, "alice", "bob", nil)

	alice.HandleSignal(wire.Signal{
		Kind:        wire.SignalAnswer,
		From:        "bob",
		Target:      "alice",
		Description: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"},
	})
	alice.barrier()
	if st := alice.State(); st != StateIdle {
		t.Fatalf("state = %s", st)
	}
	if ss := alice.SignalingState(); ss != webrtc.SignalingStateStable {
		t.Fatalf("signaling state = %s", ss)
	}
	if n := b.pending(); n != 0 {
		t.Fatalf("%d signals sent in reply to a stale answer", n)
	}
}

func TestDuplicateAnswerAfterStable(t *testing.T) {
	api := newTestAPI(t)
	b := newBus()
	alice := newTestLink(t, api, b, "alice", "bob", nil)
	bob := newTestLink(t, api, b, "bob", "alice", nil)

	bob.Negotiate()
	b.settle(t)
	answer, ok := b.lastSent(wire.SignalAnswer, "alice")
	if !ok {
		t.Fatal("no answer exchanged")
	}

	bob.HandleSignal(answer)
	bob.barrier()
	requireStable(t, alice, bob)
}

func hostCandidate(i int) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", i+1, 50000+i),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func TestEarlyCandidatesAreBufferedThenFlushed(t *testing.T) {
	api := newTestAPI(t)
	b := newBus()
	alice := newTestLink(t, api, b, "alice", "bob", nil)
	bob := newTestLink(t, api, b, "bob", "alice", nil)

	for i := 0; i < 3; i++ {
		alice.HandleSignal(wire.Signal{Kind: wire.SignalCandidate, From: "bob", Target: "alice", Candidate: hostCandidate(i)})
	}
	alice.barrier()
	if n := len(alice.neg.pending); n != 3 {
		t.Fatalf("buffered %d candidates", n)
	}

	bob.Negotiate()
	b.settle(t)
	if n := len(alice.neg.pending); n != 0 {
		t.Fatalf("%d candidates left after remote description", n)
	}
	requireStable(t, alice, bob)
}

func TestCandidateBufferDropsOldest(t *testing.T) {
	api := newTestAPI(t)
	b := newBus()
	alice := newTestLink(t, api, b, "alice", "bob", nil)

	const extra = 6
	for i := 0; i < maxPendingCandidates+extra; i++ {
		alice.HandleSignal(wire.Signal{Kind: wire.SignalCandidate, From: "bob", Target: "alice", Candidate: hostCandidate(i)})
	}
	alice.barrier()
	if n := len(alice.neg.pending); n != maxPendingCandidates {
		t.Fatalf("buffered %d candidates", n)
	}
	if got, want := alice.neg.pending[0].Candidate, hostCandidate(extra).Candidate; got != want {
		t.Fatalf("oldest kept = %q, want %q", got, want)
	}
}

func TestSetTrackRenegotiatesOnlyOnDirectionChange(t *testing.T) {
	api := newTestAPI(t)
	b := newBus()
	mic := media.NewAudioTrack("mic", "alice")
	alice := newTestLink(t, api, b, "alice", "bob", map[domain.MediaKind]webrtc.TrackLocal{domain.KindAudio: mic})
	bob := newTestLink(t, api, b, "bob", "alice", nil)

	trs := alice.Transceivers()
	if d := trs[0].Direction(); d != webrtc.RTPTransceiverDirectionSendrecv {
		t.Fatalf("audio slot direction = %s", d)
	}
	if d := trs[1].Direction(); d != webrtc.RTPTransceiverDirectionRecvonly {
		t.Fatalf("camera slot direction = %s", d)
	}

	bob.Negotiate()
	b.settle(t)
	requireStable(t, alice, bob)

	// Swapping the microphone keeps the sender.
	alice.SetTrack(domain.KindAudio, media.NewAudioTrack("mic-2", "alice"))
	alice.barrier()
	if n := b.pending(); n != 0 {
		t.Fatalf("track replacement sent %d signals", n)
	}

	cam, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "cam", "alice")
	if err != nil {
		t.Fatal(err)
	}
	alice.SetTrack(domain.KindCamera, cam)
	alice.barrier()
	if got := b.take(wire.SignalOffer, "bob"); len(got) != 1 {
		t.Fatalf("enabling the camera sent %d offers", len(got))
	}
	if d := alice.Transceivers()[1].Direction(); d != webrtc.RTPTransceiverDirectionSendrecv {
		t.Fatalf("camera slot direction = %s", d)
	}

	alice.SetTrack(domain.KindCamera, nil)
	alice.barrier()
	if d := alice.Transceivers()[1].Direction(); d != webrtc.RTPTransceiverDirectionRecvonly {
		t.Fatalf("camera slot direction after removal = %s", d)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	api := newTestAPI(t)
	b := newBus()
	alice := newTestLink(t, api, b, "alice", "bob", nil)
	alice.Close()
	alice.Close()
	alice.Negotiate()
	alice.HandleSignal(wire.Signal{Kind: wire.SignalCandidate, Candidate: hostCandidate(0)})
	if st := alice.ConnectionState(); st != webrtc.PeerConnectionStateClosed {
		t.Fatalf("state after close = %s", st)
	}
}
