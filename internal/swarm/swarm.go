// Package swarm is the coordinator for one torrent's peer exchange: it
// owns the piece store, the per-peer bitfield table, and the replica-count
// table behind one mutex, runs rarest-first piece selection, accepts
// inbound connections, and drives the tracker announce loop. It implements
// session.Coordinator, the narrow capability each peer session consults
// instead of touching this state directly.
//
// The choke policy is deliberately simple: every interested peer gets
// unchoked, so there is no choke loop, no per-peer throughput stats, and
// no optimistic unchoke rotation.
package swarm

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/session"
	"github.com/prxssh/rabbit/internal/store"
	"github.com/prxssh/rabbit/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Opts configures a new Swarm.
type Opts struct {
	Log                 *slog.Logger
	Info                *meta.Info
	InfoHash            [sha1.Size]byte
	PeerID              [sha1.Size]byte
	Store               *store.Store
	Tracker             *tracker.Tracker
	ListenAddr          string        // "" picks an ephemeral port on 0.0.0.0
	ListenAcceptTimeout time.Duration
	DialTimeout         time.Duration
	MaxPeers            int
	OutboxBuffer        int
	SaveRoot            string // destination directory for Export on completion
}

// Swarm is the coordinator for one torrent's peer exchange.
type Swarm struct {
	log      *slog.Logger
	info     *meta.Info
	infoHash [sha1.Size]byte
	peerID   [sha1.Size]byte
	store    *store.Store
	tracker  *tracker.Tracker
	saveRoot string

	listenAddr          string
	listenAcceptTimeout time.Duration
	dialTimeout         time.Duration
	maxPeers            int
	outboxBuffer        int

	mu            sync.Mutex
	peerBitfields map[netip.AddrPort]*bitfield.Bitfield
	replicaCounts []int
	sessions      map[netip.AddrPort]*session.Session

	uploaded   uint64
	downloaded uint64

	ln net.Listener
}

var (
	ErrEngineStartFailed = errors.New("swarm: engine failed to start")
)

// New builds a Swarm ready to Run. It does not wire any tracker hooks: the
// caller builds the Tracker with AnnounceParams/AdmitPeers as its hooks and
// attaches it via Opts.Tracker or SetTracker before Run.
func New(opts *Opts) *Swarm {
	acceptTimeout := opts.ListenAcceptTimeout
	if acceptTimeout <= 0 {
		acceptTimeout = time.Second
	}

	s := &Swarm{
		log:                 opts.Log.With("component", "swarm"),
		info:                opts.Info,
		infoHash:            opts.InfoHash,
		peerID:              opts.PeerID,
		store:               opts.Store,
		tracker:             opts.Tracker,
		saveRoot:            opts.SaveRoot,
		listenAddr:          opts.ListenAddr,
		listenAcceptTimeout: acceptTimeout,
		dialTimeout:         opts.DialTimeout,
		maxPeers:            opts.MaxPeers,
		outboxBuffer:        opts.OutboxBuffer,
		peerBitfields:       make(map[netip.AddrPort]*bitfield.Bitfield),
		replicaCounts:       make([]int, opts.Store.PieceCount()),
		sessions:            make(map[netip.AddrPort]*session.Session),
	}
	return s
}

// Run starts the listener, announces STARTED, and drives inbound accept,
// outbound connect, and tracker re-announce loops until ctx is cancelled.
func (s *Swarm) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: listen: %v", ErrEngineStartFailed, err)
	}
	s.ln = ln
	s.log.Info("listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.tracker.Run(gctx) })
	g.Go(func() error { return s.scrapeLoop(gctx) })

	err = g.Wait()
	_ = s.ln.Close()
	return err
}

// SetTracker attaches the tracker client after construction, breaking the
// construction cycle between Swarm (whose AnnounceParams/AdmitPeers the
// tracker's hooks call into) and Tracker (which Swarm needs to drive its
// announce loop from Run). Callers build the Swarm first, then the
// Tracker with hooks closing over it, then call SetTracker before Run.
func (s *Swarm) SetTracker(t *tracker.Tracker) { s.tracker = t }

// Port returns the TCP port this swarm is listening on, once Run has
// started the listener.
func (s *Swarm) Port() uint16 {
	if s.ln == nil {
		return 0
	}
	addr, ok := s.ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return uint16(addr.Port)
}

// AnnounceParams builds the tracker request for the current engine state;
// used directly as the tracker's OnAnnounceStart hook.
func (s *Swarm) AnnounceParams() *tracker.AnnounceParams {
	s.mu.Lock()
	uploaded, downloaded := s.uploaded, s.downloaded
	s.mu.Unlock()

	left := s.bytesLeft()

	return &tracker.AnnounceParams{
		InfoHash:   s.infoHash,
		PeerID:     s.peerID,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Port:       s.Port(),
		NumWant:    config.Load().NumWant,
	}
}

func (s *Swarm) bytesLeft() uint64 {
	if s.store.Complete() {
		return 0
	}
	total := int64(0)
	for i := 0; i < s.store.PieceCount(); i++ {
		if !s.store.Has(i) {
			l, err := s.store.ExactPieceLength(i)
			if err == nil {
				total += l
			}
		}
	}
	return uint64(total)
}

// AdmitPeers dials every announced peer that is not already connected,
// up to MaxPeers, each running in its own goroutine. The tracker's peer
// list includes this engine itself; that entry is skipped.
func (s *Swarm) AdmitPeers(ctx context.Context, peers []tracker.AnnouncePeer) {
	for _, p := range peers {
		if p.PeerID == s.peerID {
			continue
		}

		s.mu.Lock()
		_, dup := s.sessions[p.Addr]
		full := len(s.sessions) >= s.maxPeers
		s.mu.Unlock()

		if dup || full {
			continue
		}

		go s.connectPeer(ctx, p.Addr)
	}
}

func (s *Swarm) connectPeer(ctx context.Context, addr netip.AddrPort) {
	sess, err := session.Dial(ctx, addr, s.infoHash, s.peerID, s.dialTimeout, &session.Opts{
		Log:          s.log,
		Coordinator:  s,
		OutboxBuffer: s.outboxBuffer,
	})
	if err != nil {
		s.log.Debug("outbound connect failed", "addr", addr, "error", err)
		return
	}
	s.registerSession(sess)
	_ = sess.Run(ctx)
}

func (s *Swarm) acceptLoop(ctx context.Context) error {
	l := s.log.With("component", "accept loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if tc, ok := s.ln.(*net.TCPListener); ok {
			_ = tc.SetDeadline(time.Now().Add(s.listenAcceptTimeout))
		}

		conn, err := s.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			l.Warn("accept failed", "error", err)
			continue
		}

		go s.handleInbound(ctx, conn)
	}
}

func (s *Swarm) handleInbound(ctx context.Context, conn net.Conn) {
	sess, err := session.Accept(conn, s.infoHash, s.peerID, &session.Opts{
		Log:          s.log,
		Coordinator:  s,
		OutboxBuffer: s.outboxBuffer,
	})
	if err != nil {
		s.log.Debug("inbound handshake failed", "remote", conn.RemoteAddr(), "error", err)
		if addr, perr := netip.ParseAddrPort(conn.RemoteAddr().String()); perr == nil {
			s.Stop(addr)
		}
		return
	}
	s.registerSession(sess)
	_ = sess.Run(ctx)
}

func (s *Swarm) registerSession(sess *session.Session) {
	s.mu.Lock()
	s.sessions[sess.Addr()] = sess
	s.mu.Unlock()
}

// --- session.Coordinator ---

func (s *Swarm) BitfieldReceived(addr netip.AddrPort, raw []byte) session.BitfieldReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	bf := bitfield.FromBytes(raw, s.store.PieceCount())
	s.setPeerBitfieldLocked(addr, bf)

	return session.BitfieldReply{Interested: s.store.IsInterested(raw)}
}

func (s *Swarm) setPeerBitfieldLocked(addr netip.AddrPort, bf *bitfield.Bitfield) {
	if old, ok := s.peerBitfields[addr]; ok {
		for i := 0; i < old.Len(); i++ {
			if old.Has(i) {
				s.replicaCounts[i]--
			}
		}
	}
	s.peerBitfields[addr] = bf
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			s.replicaCounts[i]++
		}
	}
}

func (s *Swarm) HaveReceived(addr netip.AddrPort, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bf, ok := s.peerBitfields[addr]
	if !ok {
		bf = bitfield.New(s.store.PieceCount())
		s.peerBitfields[addr] = bf
	}
	if index < 0 || index >= bf.Len() || bf.Has(index) {
		return
	}
	bf.Set(index)
	s.replicaCounts[index]++
}

func (s *Swarm) LocalBitfield() []byte {
	return s.store.Bitfield()
}

func (s *Swarm) NextPieceRequest() session.PieceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := -1
	bestCount := 0
	for i, count := range s.replicaCounts {
		if s.store.Has(i) {
			continue
		}
		if best == -1 || count < bestCount {
			best = i
			bestCount = count
		}
	}
	if best == -1 {
		return session.PieceRequest{Ok: false}
	}

	length, err := s.store.ExactPieceLength(best)
	if err != nil {
		return session.PieceRequest{Ok: false}
	}

	return session.PieceRequest{Index: best, Begin: 0, Length: uint32(length), Ok: true}
}

func (s *Swarm) PieceData(index int) ([]byte, bool) {
	data, ok := s.store.Get(index)
	if ok {
		s.mu.Lock()
		s.uploaded += uint64(len(data))
		s.mu.Unlock()
	}
	return data, ok
}

func (s *Swarm) PieceReceived(addr netip.AddrPort, index int, begin uint32, block []byte) bool {
	added := s.store.Add(store.Piece{Index: index, Data: block})

	s.mu.Lock()
	if added {
		s.downloaded += uint64(len(block))
	}
	s.mu.Unlock()

	complete := s.store.Complete()
	if added && complete {
		s.onComplete()
	}
	return complete
}

func (s *Swarm) onComplete() {
	s.log.Info("download complete, exporting", "dir", s.saveRoot)
	if err := os.MkdirAll(s.saveRoot, 0o755); err != nil {
		s.log.Warn("export: mkdir root failed", "error", err)
		return
	}
	if err := s.store.Export(s.saveRoot); err != nil {
		s.log.Warn("export failed", "error", err)
	}

	if s.tracker == nil {
		return
	}
	params := s.AnnounceParams()
	params.Event = tracker.EventCompleted
	if _, err := s.tracker.Announce(context.Background(), params); err != nil {
		// A failed COMPLETED announce is a warning, never fatal.
		s.log.Warn("completed announce failed", "error", err)
	}
}

func (s *Swarm) Stop(addr netip.AddrPort) {
	s.mu.Lock()
	delete(s.sessions, addr)
	if bf, ok := s.peerBitfields[addr]; ok {
		for i := 0; i < bf.Len(); i++ {
			if bf.Has(i) {
				s.replicaCounts[i]--
			}
		}
		delete(s.peerBitfields, addr)
	}
	s.mu.Unlock()
}

// StopAll tears down every active session, used by the CLI's "stop all"
// command.
func (s *Swarm) StopAll() {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

// StopPeer tears down a single session by address, used by the CLI's
// "stop one peer" command.
func (s *Swarm) StopPeer(addr netip.AddrPort) bool {
	s.mu.Lock()
	sess, ok := s.sessions[addr]
	s.mu.Unlock()
	if !ok {
		return false
	}
	sess.Close()
	return true
}

// Scrape wraps the tracker client's scrape call, logging the result at
// Debug. It serves both the periodic maintenance loop and the CLI's
// scrape command for a torrent this process is already running.
func (s *Swarm) Scrape(ctx context.Context) (*tracker.ScrapeResponse, error) {
	resp, err := s.tracker.Scrape(ctx, s.infoHash)
	if err != nil {
		s.log.Warn("scrape failed", "error", err)
		return nil, err
	}
	s.log.Debug("scrape", "total_peers", resp.TotalPeers)
	return resp, nil
}

// scrapeLoop periodically refreshes swarm-wide peer counts from the
// tracker while the engine runs. Purely informational: scrape failures
// never affect the engine.
func (s *Swarm) scrapeLoop(ctx context.Context) error {
	interval := config.Load().ScrapeInterval
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = s.Scrape(ctx)
		}
	}
}
