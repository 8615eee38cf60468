// Command rabbitd is the interactive CLI entry point: it wires a metainfo
// file (or a local path to share), the piece store, the tracker client,
// and the swarm coordinator together, then drives a looping menu — share,
// download, scrape, stop one peer, stop all, list.
package main

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/logging"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/peerid"
	"github.com/prxssh/rabbit/internal/store"
	"github.com/prxssh/rabbit/internal/swarm"
	"github.com/prxssh/rabbit/internal/tracker"
)

const menu = `
1. Share a file or directory
2. Download a torrent
3. Scrape a tracker
4. Stop one peer
5. Stop all peers for a torrent
6. List active torrents
0. Quit
> `

func main() {
	setupLogger()
	log := slog.Default()

	peerID := peerid.MustNew()
	log.Info("peer identity", "peer_id", peerid.String(peerID))

	sess := newSession(log, peerID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(menu)
		if !scanner.Scan() {
			break
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "1":
			sess.share(scanner)
		case "2":
			sess.download(scanner)
		case "3":
			sess.scrape(scanner)
		case "4":
			sess.stopPeer(scanner)
		case "5":
			sess.stopAll(scanner)
		case "6":
			sess.list()
		case "0", "":
			sess.shutdown()
			return
		default:
			fmt.Println("invalid choice")
		}
	}
	sess.shutdown()
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}

func prompt(scanner *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !scanner.Scan() {
		return ""
	}
	return strings.TrimSpace(scanner.Text())
}

// engine bundles one torrent's running swarm with the cancel func that
// tears its announce/accept loops down.
type engine struct {
	sw     *swarm.Swarm
	cancel context.CancelFunc
}

// session is the CLI's in-memory bookkeeping across prompts: every
// engine started this process, keyed by info-hash hex.
type session struct {
	log    *slog.Logger
	peerID [sha1.Size]byte

	mu      sync.Mutex
	engines map[string]*engine
}

func newSession(log *slog.Logger, peerID [sha1.Size]byte) *session {
	return &session{log: log, peerID: peerID, engines: make(map[string]*engine)}
}

func (s *session) share(scanner *bufio.Scanner) {
	path := prompt(scanner, "path to file or directory: ")
	announce := prompt(scanner, "tracker announce url: ")

	cfg := config.Load()

	fi, err := os.Stat(path)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	var (
		info *meta.Info
		st   *store.Store
	)
	if fi.IsDir() {
		info, st, err = store.SplitDir(path, cfg.DefaultPieceLength)
	} else {
		info, st, err = store.Split(path, cfg.DefaultPieceLength)
	}
	if err != nil {
		fmt.Println("error splitting content:", err)
		return
	}

	mi, err := meta.NewMetainfo(info, announce)
	if err != nil {
		fmt.Println("error building metainfo:", err)
		return
	}

	fmt.Println("magnet link:", meta.BuildMagnetURI(mi))
	s.startEngine(mi, st, cfg.DefaultDownloadDir)
}

func (s *session) download(scanner *bufio.Scanner) {
	input := prompt(scanner, "path to .torrent file or magnet link: ")
	saveDir := prompt(scanner, "save directory (blank for default): ")

	cfg := config.Load()
	if saveDir == "" {
		saveDir = cfg.DefaultDownloadDir
	}

	if strings.HasPrefix(input, "magnet:") {
		// A bare magnet link carries no piece-hash table to verify
		// against, and this engine does not fetch torrent metadata from
		// peers, so a real .torrent file is required to download.
		fmt.Println("magnet-only downloads are unsupported: this engine does not fetch torrent metadata from peers")
		return
	}

	data, err := os.ReadFile(input)
	if err != nil {
		fmt.Println("error reading torrent file:", err)
		return
	}

	mi, err := meta.ParseMetainfo(data)
	if err != nil {
		fmt.Println("error parsing torrent file:", err)
		return
	}

	st := store.New(mi.Info)
	s.startEngine(mi, st, saveDir)
}

func (s *session) startEngine(mi *meta.Metainfo, st *store.Store, saveRoot string) {
	cfg := config.Load()
	log := s.log.With("info_hash", hex.EncodeToString(mi.InfoHash[:]))

	sw := swarm.New(&swarm.Opts{
		Log:                 log,
		Info:                mi.Info,
		InfoHash:            mi.InfoHash,
		PeerID:              s.peerID,
		Store:               st,
		ListenAddr:          fmt.Sprintf(":%d", cfg.Port),
		ListenAcceptTimeout: cfg.ListenAcceptTimeout,
		DialTimeout:         cfg.DialTimeout,
		MaxPeers:            cfg.MaxPeers,
		OutboxBuffer:        cfg.PeerOutboundQueueBacklog,
		SaveRoot:            saveRoot,
	})

	ctx, cancel := context.WithCancel(context.Background())

	trk, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, &tracker.TrackerOpts{
		Log:               log,
		OnAnnounceStart:   sw.AnnounceParams,
		OnAnnounceSuccess: func(peers []tracker.AnnouncePeer) { sw.AdmitPeers(ctx, peers) },
	})
	if err != nil {
		fmt.Println("error building tracker client:", err)
		cancel()
		return
	}
	sw.SetTracker(trk)

	key := hex.EncodeToString(mi.InfoHash[:])
	s.mu.Lock()
	s.engines[key] = &engine{sw: sw, cancel: cancel}
	s.mu.Unlock()

	go func() {
		if err := sw.Run(ctx); err != nil {
			log.Warn("engine failed to start", "error", err)
			fmt.Println("engine failed to start:", err)
		}
	}()

	fmt.Println("started engine", key)
}

func (s *session) scrape(scanner *bufio.Scanner) {
	input := prompt(scanner, "path to .torrent file or magnet link: ")

	var (
		infoHash [sha1.Size]byte
		announce string
	)
	if strings.HasPrefix(input, "magnet:") {
		m, err := meta.ParseMagnet(input)
		if err != nil {
			fmt.Println("error parsing magnet link:", err)
			return
		}
		if len(m.Trackers) == 0 {
			fmt.Println("magnet link carries no tracker to scrape")
			return
		}
		infoHash, announce = m.InfoHash, m.Trackers[0]
	} else {
		data, err := os.ReadFile(input)
		if err != nil {
			fmt.Println("error reading torrent file:", err)
			return
		}
		mi, err := meta.ParseMetainfo(data)
		if err != nil {
			fmt.Println("error parsing torrent file:", err)
			return
		}
		infoHash, announce = mi.InfoHash, mi.Announce
	}

	// A torrent this process is already running has a live tracker client
	// with tier state; scrape through its engine instead of standing up a
	// throwaway one.
	if e, ok := s.lookup(hex.EncodeToString(infoHash[:])); ok {
		resp, err := e.sw.Scrape(context.Background())
		if err != nil {
			fmt.Println("scrape failed:", err)
			return
		}
		fmt.Printf("tracker_id=%s info_hash=%x total_peers=%d\n", resp.TrackerID, resp.InfoHash, resp.TotalPeers)
		return
	}

	trk, err := tracker.NewTracker(announce, nil, &tracker.TrackerOpts{
		Log:               s.log,
		OnAnnounceStart:   func() *tracker.AnnounceParams { return &tracker.AnnounceParams{} },
		OnAnnounceSuccess: func([]tracker.AnnouncePeer) {},
	})
	if err != nil {
		fmt.Println("error building tracker client:", err)
		return
	}

	resp, err := trk.Scrape(context.Background(), infoHash)
	if err != nil {
		fmt.Println("scrape failed:", err)
		return
	}
	fmt.Printf("tracker_id=%s info_hash=%x total_peers=%d\n", resp.TrackerID, resp.InfoHash, resp.TotalPeers)
}

func (s *session) stopPeer(scanner *bufio.Scanner) {
	key := prompt(scanner, "torrent info hash (hex): ")
	addrStr := prompt(scanner, "peer address (ip:port): ")

	e, ok := s.lookup(key)
	if !ok {
		fmt.Println("no such torrent:", key)
		return
	}

	addr, err := netip.ParseAddrPort(addrStr)
	if err != nil {
		fmt.Println("bad address:", err)
		return
	}

	if e.sw.StopPeer(addr) {
		fmt.Println("stopped peer", addrStr)
	} else {
		fmt.Println("no such peer connected:", addrStr)
	}
}

func (s *session) stopAll(scanner *bufio.Scanner) {
	key := prompt(scanner, "torrent info hash (hex): ")

	e, ok := s.lookup(key)
	if !ok {
		fmt.Println("no such torrent:", key)
		return
	}
	e.sw.StopAll()
	fmt.Println("stopped all peers for", key)
}

func (s *session) list() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.engines) == 0 {
		fmt.Println("no active torrents")
		return
	}
	for key := range s.engines {
		fmt.Println(" -", key)
	}
}

func (s *session) lookup(key string) (*engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[key]
	return e, ok
}

func (s *session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.engines {
		e.sw.StopAll()
		e.cancel()
		delete(s.engines, key)
	}
}
