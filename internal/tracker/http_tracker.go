package tracker

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const maxTrackerResponseSize = 2 * 1024 * 1024 // 2MB

// HTTPTracker speaks the JSON-over-HTTP announce/scrape protocol: one GET
// request, response read to EOF, JSON body. info_hash and peer_id travel
// as raw bytes, percent-encoded by net/url like any other query value.
type HTTPTracker struct {
	baseURL *url.URL
	client  *http.Client
	mu      sync.RWMutex
	logger  *slog.Logger

	trackerID string
}

func NewHTTPTracker(u *url.URL, logger *slog.Logger) (*HTTPTracker, error) {
	return &HTTPTracker{
		logger:  logger.With("type", "http"),
		baseURL: u,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			Timeout: 30 * time.Second,
		},
	}, nil
}

type announceWirePeer struct {
	PeerID string `json:"peer_id"`
	IP     string `json:"ip"`
	Port   string `json:"port"`
}

type announceWireResponse struct {
	FailureReason string             `json:"failure reason"`
	TrackerID     string             `json:"tracker_id"`
	InfoHash      string             `json:"info_hash"`
	Peers         []announceWirePeer `json:"peers"`
}

type scrapeWireResponse struct {
	FailureReason string `json:"failure reason"`
	TrackerID     string `json:"tracker_id"`
	InfoHash      string `json:"info_hash"`
	TotalPeers    int64  `json:"total_peers"`
}

func (ht *HTTPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	body, err := ht.get(ctx, ht.announceURL(params))
	if err != nil {
		return nil, &TrackerError{Op: "announce", Err: err}
	}

	var wire announceWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &TrackerError{Op: "announce: decode json", Err: err}
	}
	if wire.FailureReason != "" {
		return nil, &TrackerError{Op: "announce", Err: fmt.Errorf("tracker failure: %s", wire.FailureReason)}
	}

	peers := make([]AnnouncePeer, 0, len(wire.Peers))
	for i, p := range wire.Peers {
		addr, err := parseWirePeer(p)
		if err != nil {
			return nil, &TrackerError{Op: fmt.Sprintf("announce: peers[%d]", i), Err: err}
		}

		var peerID [sha1.Size]byte
		copy(peerID[:], p.PeerID)

		peers = append(peers, AnnouncePeer{PeerID: peerID, Addr: addr})
	}

	if wire.TrackerID != "" {
		ht.mu.Lock()
		ht.trackerID = wire.TrackerID
		ht.mu.Unlock()
	}

	return &AnnounceResponse{TrackerID: wire.TrackerID, Peers: peers}, nil
}

func (ht *HTTPTracker) Scrape(ctx context.Context, infoHash [sha1.Size]byte) (*ScrapeResponse, error) {
	u := *ht.baseURL
	u.Path = replacePath(u.Path, "scrape")
	q := u.Query()
	q.Set("info_hash", string(infoHash[:]))
	u.RawQuery = q.Encode()

	body, err := ht.get(ctx, u.String())
	if err != nil {
		return nil, &TrackerError{Op: "scrape", Err: err}
	}

	var wire scrapeWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &TrackerError{Op: "scrape: decode json", Err: err}
	}
	if wire.FailureReason != "" {
		return nil, &TrackerError{Op: "scrape", Err: fmt.Errorf("tracker failure: %s", wire.FailureReason)}
	}

	return &ScrapeResponse{
		TrackerID:  wire.TrackerID,
		InfoHash:   infoHash,
		TotalPeers: wire.TotalPeers,
	}, nil
}

func (ht *HTTPTracker) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTrackerResponseSize))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-ok status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func (ht *HTTPTracker) announceURL(params *AnnounceParams) string {
	u := *ht.baseURL
	u.Path = replacePath(u.Path, "announce")
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("ip", params.IP)
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "0")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	ht.mu.RLock()
	trackerID := ht.trackerID
	ht.mu.RUnlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// replacePath swaps the final path segment of base for name, so an
// announce URL like "http://host/announce" yields "http://host/scrape" and
// vice versa, per BEP 3 convention.
func replacePath(base, name string) string {
	if base == "" {
		return "/" + name
	}
	i := len(base) - 1
	for i >= 0 && base[i] != '/' {
		i--
	}
	return base[:i+1] + name
}

func parseWirePeer(p announceWirePeer) (netip.AddrPort, error) {
	addr, err := netip.ParseAddr(p.IP)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad ip %q: %w", p.IP, err)
	}

	port, err := strconv.ParseUint(p.Port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad port %q: %w", p.Port, err)
	}

	return netip.AddrPortFrom(addr, uint16(port)), nil
}
