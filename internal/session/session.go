// Package session implements the per-connection peer state machine:
// handshake, framed messages, choke/interest bookkeeping, and whole-piece
// REQUEST/PIECE exchange. A session owns its socket and an outbox channel
// drained by a writer goroutine; every swarm-wide decision goes through
// the narrow Coordinator capability instead of shared mutable state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/rabbit/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// BitfieldReply is returned by Coordinator.BitfieldReceived.
type BitfieldReply struct {
	Interested bool
}

// PieceRequest is what the coordinator wants this session to REQUEST next.
// Ok is false when rarest-first selection found no candidate piece.
type PieceRequest struct {
	Index  int
	Begin  uint32
	Length uint32
	Ok     bool
}

// Coordinator is the narrow capability a session uses to consult and
// mutate swarm-wide state: one method per wire event, each returning a
// typed result. Implementations MUST be safe for concurrent use by many
// sessions.
type Coordinator interface {
	// BitfieldReceived records addr's advertised bitfield and reports
	// whether the local side should declare interest in return.
	BitfieldReceived(addr netip.AddrPort, bitfield []byte) BitfieldReply

	// HaveReceived sets bit index in addr's known bitfield, extending it
	// with zeros first if no BITFIELD was ever received from addr.
	HaveReceived(addr netip.AddrPort, index int)

	// LocalBitfield returns the current local bitfield to advertise.
	LocalBitfield() []byte

	// NextPieceRequest runs rarest-first selection and describes the next
	// block this session should ask for.
	NextPieceRequest() PieceRequest

	// PieceData looks up locally stored piece bytes for a REQUEST.
	PieceData(index int) (data []byte, ok bool)

	// PieceReceived verifies and stores a delivered piece, reporting
	// whether the whole torrent is now complete.
	PieceReceived(addr netip.AddrPort, index int, begin uint32, block []byte) (complete bool)

	// Stop tears the session down out of swarm state.
	Stop(addr netip.AddrPort)
}

// Session is one peer-wire connection and its choke/interest state.
type Session struct {
	log   *slog.Logger
	conn  net.Conn
	addr  netip.AddrPort
	coord Coordinator

	state uint32 // atomic bitmask, see mask* constants

	outbox chan *protocol.Message

	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
}

// Opts configures a new Session.
type Opts struct {
	Log          *slog.Logger
	Coordinator  Coordinator
	OutboxBuffer int
}

// Dial opens an outbound TCP connection to addr and performs the
// handshake exchange. The local handshake is always written before the
// remote one is read, so two peers connecting simultaneously can never
// deadlock with both blocked on read.
func Dial(ctx context.Context, addr netip.AddrPort, infoHash, peerID [20]byte, dialTimeout time.Duration, opts *Opts) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}

	if err := handshake(conn, infoHash, peerID); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newSession(conn, addr, opts), nil
}

// Accept wraps an already-accepted inbound connection, performing the
// local-write-then-remote-read handshake exchange and validating the
// remote's info_hash before returning.
func Accept(conn net.Conn, infoHash, peerID [20]byte, opts *Opts) (*Session, error) {
	if err := handshake(conn, infoHash, peerID); err != nil {
		_ = conn.Close()
		return nil, err
	}

	addrPort, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("session: parse remote addr: %w", err)
	}

	return newSession(conn, addrPort, opts), nil
}

func handshake(conn net.Conn, infoHash, peerID [20]byte) error {
	if _, err := protocol.ExchangeHandshake(conn, infoHash, peerID); err != nil {
		return fmt.Errorf("session: handshake: %w", err)
	}
	return nil
}

func newSession(conn net.Conn, addr netip.AddrPort, opts *Opts) *Session {
	buf := opts.OutboxBuffer
	if buf <= 0 {
		buf = 64
	}

	s := &Session{
		log:    opts.Log.With("component", "session", "addr", addr),
		conn:   conn,
		addr:   addr,
		coord:  opts.Coordinator,
		outbox: make(chan *protocol.Message, buf),
	}
	s.setState(maskAmChoking|maskPeerChoking, true)
	return s
}

// Run drives the read and write loops until the connection ends or ctx is
// cancelled, sending the initial BITFIELD on entry.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.SendBitfield(s.coord.LocalBitfield())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	err := g.Wait()
	s.coord.Stop(s.addr)
	return err
}

// Close idempotently shuts the session down. The outbox channel is left
// open: the read loop may still be enqueueing from another goroutine, and
// the writer exits via context cancellation instead.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		s.log.Debug("session closed")
	})
}

func (s *Session) Addr() netip.AddrPort { return s.addr }

func (s *Session) AmChoking() bool      { return s.getState(maskAmChoking) }
func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		next := old
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}

func (s *Session) SendBitfield(bits []byte) { s.enqueue(protocol.MessageBitfield(bits)) }
func (s *Session) SendChoke()               { s.enqueue(protocol.MessageChoke()) }
func (s *Session) SendUnchoke()             { s.enqueue(protocol.MessageUnchoke()) }
func (s *Session) SendInterested()          { s.enqueue(protocol.MessageInterested()) }
func (s *Session) SendNotInterested()       { s.enqueue(protocol.MessageNotInterested()) }
func (s *Session) SendHave(index uint32)    { s.enqueue(protocol.MessageHave(index)) }

func (s *Session) sendRequest(index, begin, length uint32) {
	s.enqueue(protocol.MessageRequest(index, begin, length))
}

func (s *Session) sendPiece(index, begin uint32, block []byte) {
	s.enqueue(protocol.MessagePiece(index, begin, block))
}

func (s *Session) enqueue(m *protocol.Message) {
	if s.stopped.Load() {
		return
	}
	select {
	case s.outbox <- m:
	default:
		s.log.Warn("outbox full, dropping message", "id", m.ID.String())
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m, err := protocol.ReadMessage(s.conn)
		if err != nil {
			return fmt.Errorf("session: read: %w", err)
		}
		if err := s.handle(m); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.outbox:
			if err := protocol.WriteMessage(s.conn, m); err != nil {
				return fmt.Errorf("session: write: %w", err)
			}
		}
	}
}

func (s *Session) handle(m *protocol.Message) error {
	if protocol.IsKeepAlive(m) {
		return nil
	}

	switch m.ID {
	case protocol.Choke:
		s.setState(maskPeerChoking, true)

	case protocol.Unchoke:
		s.setState(maskPeerChoking, false)
		if s.AmInterested() {
			s.requestNext()
		}

	case protocol.Interested:
		s.setState(maskPeerInterested, true)
		s.setState(maskAmChoking, false)
		s.SendUnchoke()

	case protocol.NotInterested:
		s.setState(maskPeerInterested, false)

	case protocol.Have:
		idx, ok := m.ParseHave()
		if !ok {
			return errors.New("session: malformed have")
		}
		s.coord.HaveReceived(s.addr, int(idx))

	case protocol.Bitfield:
		reply := s.coord.BitfieldReceived(s.addr, m.Payload)
		if reply.Interested {
			s.setState(maskAmInterested, true)
			s.SendInterested()
		} else {
			s.setState(maskAmInterested, false)
			s.SendNotInterested()
		}

	case protocol.Request:
		// begin is echoed back but the reply always carries the whole
		// piece, never a sub-block.
		idx, begin, _, ok := m.ParseRequest()
		if !ok {
			return errors.New("session: malformed request")
		}
		if s.AmChoking() {
			return nil
		}
		data, ok := s.coord.PieceData(int(idx))
		if !ok {
			return nil
		}
		s.sendPiece(idx, begin, data)

	case protocol.Piece:
		idx, begin, block, ok := m.ParsePiece()
		if !ok {
			return errors.New("session: malformed piece")
		}
		complete := s.coord.PieceReceived(s.addr, int(idx), begin, block)
		if complete {
			s.setState(maskAmInterested, false)
			s.SendNotInterested()
		} else {
			s.requestNext()
		}

	case protocol.Cancel:
		// accepted, no-op: whole pieces are served per REQUEST, so there
		// is no queued block transfer left to cancel.

	default:
		return fmt.Errorf("session: unknown message id %d", m.ID)
	}

	return nil
}

func (s *Session) requestNext() {
	req := s.coord.NextPieceRequest()
	if !req.Ok {
		return
	}
	s.sendRequest(uint32(req.Index), req.Begin, req.Length)
}
