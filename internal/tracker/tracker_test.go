package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"
)

// fakeProtocol is an in-memory TrackerProtocol stand-in so Tracker-level
// announce-loop behavior (STARTED-first, STOPPED-on-shutdown, peer hook
// wiring) can be tested without a real HTTP server.
type fakeProtocol struct {
	mu            sync.Mutex
	announceErr   error
	announceCalls []Event
	peers         []AnnouncePeer
}

func (f *fakeProtocol) Announce(_ context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announceCalls = append(f.announceCalls, params.Event)
	if f.announceErr != nil {
		return nil, f.announceErr
	}
	return &AnnounceResponse{Peers: f.peers, Interval: time.Hour}, nil
}

func (f *fakeProtocol) Scrape(context.Context, [sha1.Size]byte) (*ScrapeResponse, error) {
	return &ScrapeResponse{}, nil
}

func (f *fakeProtocol) events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.announceCalls...)
}

func newTestTracker(t *testing.T, fp *fakeProtocol, opts *TrackerOpts) *Tracker {
	t.Helper()

	tr, err := NewTracker("http://tracker.example/announce", nil, opts)
	if err != nil {
		t.Fatalf("NewTracker error: %v", err)
	}
	u, _ := url.Parse("http://tracker.example/announce")
	tr.trackers[u.String()] = fp
	return tr
}

func TestTracker_Run_AnnouncesStartedFirst(t *testing.T) {
	fp := &fakeProtocol{peers: []AnnouncePeer{{}}}

	var gotPeers []AnnouncePeer
	tr := newTestTracker(t, fp, &TrackerOpts{
		Log:               testLogger(),
		OnAnnounceStart:   func() *AnnounceParams { return &AnnounceParams{} },
		OnAnnounceSuccess: func(peers []AnnouncePeer) { gotPeers = peers },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	// Give the loop a moment to perform its initial STARTED announce,
	// then request shutdown.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ctx cancel")
	}

	events := fp.events()
	if len(events) < 2 {
		t.Fatalf("expected at least 2 announces (started, stopped), got %v", events)
	}
	if events[0] != EventStarted {
		t.Fatalf("first announce event = %v, want EventStarted", events[0])
	}
	if events[len(events)-1] != EventStopped {
		t.Fatalf("last announce event = %v, want EventStopped", events[len(events)-1])
	}
	if len(gotPeers) != 1 {
		t.Fatalf("OnAnnounceSuccess peers = %v, want 1 peer from STARTED response", gotPeers)
	}
}

func TestTracker_Run_StartedFailureIsFatal(t *testing.T) {
	fp := &fakeProtocol{announceErr: errors.New("boom")}

	tr := newTestTracker(t, fp, &TrackerOpts{
		Log:               testLogger(),
		OnAnnounceStart:   func() *AnnounceParams { return &AnnounceParams{} },
		OnAnnounceSuccess: func([]AnnouncePeer) {},
	})

	err := tr.Run(context.Background())
	if err == nil {
		t.Fatal("expected Run to fail when the STARTED announce fails")
	}
}
