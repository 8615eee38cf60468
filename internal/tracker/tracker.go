// Package tracker implements the HTTP/JSON announce and scrape client:
// one request per call, response read to EOF, JSON body. Announce URLs
// are organized into tiers with last-working-URL promotion (BEP 12), but
// only HTTP transports are supported.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"golang.org/x/sync/errgroup"
)

const (
	maxBackoffShift        = 5
	maxConsecutiveFailures = 5
)

// AnnouncePeer is one peer entry in an announce response.
type AnnouncePeer struct {
	PeerID [sha1.Size]byte
	Addr   netip.AddrPort
}

type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	IP         string
	NumWant    uint32
	Port       uint16
}

type AnnounceResponse struct {
	TrackerID string
	Interval  time.Duration
	Peers     []AnnouncePeer
}

type ScrapeResponse struct {
	TrackerID  string
	InfoHash   [sha1.Size]byte
	TotalPeers int64
}

// TrackerError wraps any I/O or malformed-JSON failure talking to a
// tracker.
type TrackerError struct {
	Op  string
	Err error
}

func (e *TrackerError) Error() string { return fmt.Sprintf("tracker: %s: %v", e.Op, e.Err) }
func (e *TrackerError) Unwrap() error { return e.Err }

type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	default:
		return "stopped"
	}
}

// TrackerProtocol is the per-URL client. HTTPTracker is the only
// implementation shipped; the seam exists so Tracker never cares which
// transport answered.
type TrackerProtocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
	Scrape(ctx context.Context, infoHash [sha1.Size]byte) (*ScrapeResponse, error)
}

// Tracker fans announce/scrape calls out across the announce-list tiers,
// promoting whichever URL last answered successfully within its tier
// (BEP 12 tracker tier semantics), and drives the periodic re-announce
// loop while the engine runs.
type Tracker struct {
	tiers             [][]*url.URL
	mu                sync.Mutex
	trackers          map[string]TrackerProtocol
	log               *slog.Logger
	onAnnounceStart   func() *AnnounceParams
	onAnnounceSuccess func(peers []AnnouncePeer)
}

type TrackerOpts struct {
	OnAnnounceStart   func() *AnnounceParams
	OnAnnounceSuccess func(peers []AnnouncePeer)
	Log               *slog.Logger
}

func NewTracker(announce string, announceList [][]string, opts *TrackerOpts) (*Tracker, error) {
	if opts.OnAnnounceStart == nil {
		return nil, errors.New("tracker: OnAnnounceStart hook missing")
	}
	if opts.OnAnnounceSuccess == nil {
		return nil, errors.New("tracker: OnAnnounceSuccess hook missing")
	}

	tiers, err := buildAnnounceURLs(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) {
			tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a]
		})
	}

	log := opts.Log.With("component", "tracker", "tiers", len(tiers))

	return &Tracker{
		log:               log,
		tiers:             tiers,
		onAnnounceStart:   opts.OnAnnounceStart,
		onAnnounceSuccess: opts.OnAnnounceSuccess,
		trackers:          make(map[string]TrackerProtocol),
	}, nil
}

// Run drives the periodic announce loop until ctx is cancelled, sending a
// final STOPPED announce on the way out.
func (t *Tracker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.announceLoop(gctx) })
	return g.Wait()
}

// Announce tries each tracker URL in tier order, falling through to the
// next tier only once the current one is exhausted.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	var lastErr error

	for tierIdx := 0; tierIdx < len(t.tiers); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			tr, err := t.getTracker(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := tr.Announce(ctx, params)
			if err != nil {
				lastErr = err
				continue
			}

			t.promoteWithinTier(tierIdx, i)
			t.log.Info("announce success",
				"tier", tierIdx, "url", u.String(), "peers", len(resp.Peers))
			return resp, nil
		}

		t.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	if lastErr == nil {
		lastErr = errors.New("tracker: all tiers exhausted")
	}
	return nil, lastErr
}

// Scrape queries the first reachable tracker URL for swarm-wide peer
// counts. Unlike Announce, a scrape failure is not tier-promoted — it is
// an informational call, not a connectivity signal.
func (t *Tracker) Scrape(ctx context.Context, infoHash [sha1.Size]byte) (*ScrapeResponse, error) {
	var lastErr error

	for tierIdx := 0; tierIdx < len(t.tiers); tierIdx++ {
		for _, u := range t.snapshotTier(tierIdx) {
			tr, err := t.getTracker(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := tr.Scrape(ctx, infoHash)
			if err != nil {
				lastErr = err
				continue
			}
			return resp, nil
		}
	}

	if lastErr == nil {
		lastErr = errors.New("tracker: scrape: all tiers exhausted")
	}
	return nil, lastErr
}

func (t *Tracker) announceLoop(ctx context.Context) error {
	l := t.log.With("component", "announce loop")
	l.Debug("started")

	startParams := t.onAnnounceStart()
	startParams.Event = EventStarted
	resp, err := t.Announce(ctx, startParams)
	if err != nil {
		// A failed STARTED announce is fatal to the engine: propagate so
		// the supervising errgroup tears everything down.
		return fmt.Errorf("tracker: started announce failed: %w", err)
	}
	t.onAnnounceSuccess(resp.Peers)

	consecutiveFailures := 0
	ticker := time.NewTicker(getNextAnnounceInterval(resp))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done; sending stopped announce", "error", ctx.Err())
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)

			params := t.onAnnounceStart()
			params.Event = EventStopped
			if _, err := t.Announce(sctx, params); err != nil {
				l.Warn("stopped announce failed", "error", err)
			}

			scancel()
			return nil

		case <-ticker.C:
			if consecutiveFailures >= maxConsecutiveFailures {
				return errors.New("tracker: failed announce; exhausted all attempts")
			}

			resp, err := t.Announce(ctx, t.onAnnounceStart())
			if err != nil {
				consecutiveFailures++
				backoff := calculateBackoff(consecutiveFailures, maxBackoffShift)
				ticker.Reset(backoff)
				continue
			}

			t.onAnnounceSuccess(resp.Peers)
			consecutiveFailures = 0
			ticker.Reset(getNextAnnounceInterval(resp))
		}
	}
}

func (t *Tracker) snapshotTier(at int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[at]...)
}

func (t *Tracker) promoteWithinTier(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}

	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) getTracker(u *url.URL) (TrackerProtocol, error) {
	key := u.String()

	t.mu.Lock()
	tr, ok := t.trackers[key]
	t.mu.Unlock()
	if ok {
		return tr, nil
	}

	log := t.log.With("host", u.Host, "path", u.EscapedPath())

	var (
		tracker TrackerProtocol
		err     error
	)

	switch u.Scheme {
	case "http", "https":
		tracker, err = NewHTTPTracker(u, log)
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q (only http/https)", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.trackers[key] = tracker
	t.mu.Unlock()

	return tracker, nil
}

func buildAnnounceURLs(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList))

	if s := strings.TrimSpace(announce); s != "" {
		if u, ok := parseTrackerURL(s); ok {
			tiers = append(tiers, []*url.URL{u})
		}
	}

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, str := range tier {
			if u, ok := parseTrackerURL(str); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no usable http/https announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}

func calculateBackoff(failures int, maxShift int) time.Duration {
	const baseDelay = 15 * time.Second

	shift := failures - 1
	if shift > maxShift {
		shift = maxShift
	}

	delay := baseDelay * (1 << uint(shift))
	if max := config.Load().MaxAnnounceBackoff; delay > max {
		delay = max
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay - (delay / 4) + jitter
}

func getNextAnnounceInterval(resp *AnnounceResponse) time.Duration {
	interval := config.Load().AnnounceInterval
	if interval == 0 {
		interval = 2 * time.Minute
	}
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if min := config.Load().MinAnnounceInterval; min > 0 && interval < min {
		interval = min
	}
	return interval
}
