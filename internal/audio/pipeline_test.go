package audio

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// chanReader hands out packets from a channel and signals every time a
// read starts, so a test knows the previous packet has been handled.
type chanReader struct {
	packets chan *rtp.Packet
	reads   chan struct{}
}

func newChanReader() *chanReader {
	return &chanReader{packets: make(chan *rtp.Packet), reads: make(chan struct{}, 16)}
}

func (r *chanReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	r.reads <- struct{}{}
	pkt, ok := <-r.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

// push delivers pkt and waits until the reader loop has processed it.
func (r *chanReader) push(t *testing.T, pkt *rtp.Packet) {
	t.Helper()
	select {
	case <-r.reads:
	case <-time.After(time.Second):
		t.Fatal("reader loop not waiting")
	}
	r.packets <- pkt
	select {
	case <-r.reads:
	case <-time.After(time.Second):
		t.Fatal("packet not processed")
	}
	// Hand the pending read slot back for the next push.
	r.reads <- struct{}{}
}

type countingSink struct {
	mu     sync.Mutex
	writes int
	closed int
}

func (s *countingSink) WriteRTP(*rtp.Packet) error {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

func (s *countingSink) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *countingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.closed
}

func levelPacket(t *testing.T, level uint8) *rtp.Packet {
	t.Helper()
	ext, err := rtp.AudioLevelExtension{Level: level, Voice: true}.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: make([]byte, 60)}
	if err := pkt.Header.SetExtension(1, ext); err != nil {
		t.Fatal(err)
	}
	return pkt
}

func TestSpeakingSetIsReplacedEachTick(t *testing.T) {
	p := NewPipeline(Options{})
	defer p.Teardown()

	tap := p.StartLocal("me")
	tap(0)
	tap(0)
	if got := p.Sample(); len(got) != 1 || got[0] != "me" {
		t.Fatalf("first tick = %v", got)
	}
	if got := p.Sample(); len(got) != 0 {
		t.Fatalf("silent tick must clear the set, got %v", got)
	}

	tap(LevelSilent)
	if got := p.Sample(); len(got) != 0 {
		t.Fatalf("silence counted as speech: %v", got)
	}
}

func TestAttachRemoteOncePerParticipant(t *testing.T) {
	sinks := map[domain.UserID]*countingSink{}
	p := NewPipeline(Options{Sinks: func(u domain.UserID) (Sink, error) {
		s := &countingSink{}
		sinks[u] = s
		return s, nil
	}})
	defer p.Teardown()

	first, second := newChanReader(), newChanReader()
	if !p.AttachRemote("bob", first, 1) {
		t.Fatal("first audio track must attach")
	}
	if p.AttachRemote("bob", second, 1) {
		t.Fatal("second track for the same participant must not create a node")
	}
	if len(sinks) != 1 {
		t.Fatalf("sinks created = %d", len(sinks))
	}

	first.push(t, levelPacket(t, 5))
	if got := p.Sample(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("speaking = %v", got)
	}
	if w, _ := sinks["bob"].counts(); w != 1 {
		t.Fatalf("sink writes = %d", w)
	}

	if !p.DetachRemote("bob") {
		t.Fatal("detach reported no node")
	}
	if _, closed := sinks["bob"].counts(); closed != 1 {
		t.Fatal("sink not closed on detach")
	}
	if p.DetachRemote("bob") {
		t.Fatal("second detach must be a no-op")
	}
	close(first.packets)
}

func TestEndedTrackReleasesNode(t *testing.T) {
	sinks := map[domain.UserID][]*countingSink{}
	var mu sync.Mutex
	p := NewPipeline(Options{Sinks: func(u domain.UserID) (Sink, error) {
		s := &countingSink{}
		mu.Lock()
		sinks[u] = append(sinks[u], s)
		mu.Unlock()
		return s, nil
	}})
	defer p.Teardown()

	first := newChanReader()
	if !p.AttachRemote("bob", first, 1) {
		t.Fatal("first audio track must attach")
	}
	close(first.packets)

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := p.Node("bob"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("node kept after its track ended")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	_, closed := sinks["bob"][0].counts()
	mu.Unlock()
	if closed != 1 {
		t.Fatalf("sink closed %d times", closed)
	}

	second := newChanReader()
	if !p.AttachRemote("bob", second, 1) {
		t.Fatal("replacement track rejected")
	}
	second.push(t, levelPacket(t, 5))
	if got := p.Sample(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("speaking = %v", got)
	}
	close(second.packets)
}

func TestDeafenSetsGainsWithoutStoppingAnalysis(t *testing.T) {
	sink := &countingSink{}
	p := NewPipeline(Options{Sinks: func(domain.UserID) (Sink, error) { return sink, nil }})
	defer p.Teardown()

	src := newChanReader()
	p.AttachRemote("carol", src, 1)
	node, _ := p.Node("carol")

	p.SetDeafened(true)
	if node.Gain() != 0 {
		t.Fatalf("deafened gain = %v", node.Gain())
	}
	src.push(t, levelPacket(t, 3))
	if w, _ := sink.counts(); w != 0 {
		t.Fatal("deafened node forwarded audio")
	}
	if got := p.Sample(); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("analysis stopped while deafened: %v", got)
	}

	p.AttachRemote("dave", newChanReader(), 1)
	if n, _ := p.Node("dave"); n.Gain() != 0 {
		t.Fatal("node attached while deafened must start muted")
	}

	p.SetDeafened(false)
	if node.Gain() != 1 {
		t.Fatalf("restored gain = %v", node.Gain())
	}
	src.push(t, levelPacket(t, 3))
	if w, _ := sink.counts(); w != 1 {
		t.Fatalf("sink writes after undeafen = %d", w)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	sink := &countingSink{}
	p := NewPipeline(Options{Interval: 10 * time.Millisecond, Sinks: func(domain.UserID) (Sink, error) { return sink, nil }})
	p.Run(context.Background())
	p.StartLocal("me")
	p.AttachRemote("bob", newChanReader(), 0)

	p.Teardown()
	p.Teardown()

	if _, closed := sink.counts(); closed != 1 {
		t.Fatalf("sink closed %d times", closed)
	}
	if p.LocalNode() != nil {
		t.Fatal("local node survived teardown")
	}
	if p.AttachRemote("bob", newChanReader(), 0) {
		t.Fatal("attach after teardown must fail")
	}
	NewPipeline(Options{}).Teardown()
}

func TestSamplerPublishes(t *testing.T) {
	p := NewPipeline(Options{Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer p.Teardown()

	tap := p.StartLocal("me")
	p.Run(ctx)
	deadline := time.After(2 * time.Second)
	for {
		tap(0)
		select {
		case set := <-p.Speaking():
			if len(set) == 1 && set[0] == "me" {
				return
			}
		case <-deadline:
			t.Fatal("no speaking set published")
		}
	}
}

func TestPacketLevel(t *testing.T) {
	if got := PacketLevel(levelPacket(t, 42), 1); got != 42 {
		t.Fatalf("extension level = %d", got)
	}
	plain := &rtp.Packet{Payload: SilenceFrame}
	if got := PacketLevel(plain, 1); got != LevelSilent {
		t.Fatalf("fallback level = %d", got)
	}
}

func TestRecordToWritesOgg(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rec")
	sink, err := RecordTo(dir)("bob")
	if err != nil {
		t.Fatal(err)
	}
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, Timestamp: 960}, Payload: []byte{0x78, 0x01, 0x02, 0x03}}
	if err := sink.WriteRTP(pkt); err != nil {
		t.Fatal(err)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "bob.ogg"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Fatal("empty recording")
	}
	if _, ok := mustSink(t, RecordTo("")).(DiscardSink); !ok {
		t.Fatal("empty dir must discard")
	}
}

func mustSink(t *testing.T, f SinkFactory) Sink {
	t.Helper()
	s, err := f("x")
	if err != nil {
		t.Fatal(err)
	}
	return s
}
