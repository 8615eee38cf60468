// Package store owns reconstructed piece data for one torrent: it verifies
// and stores pieces, computes bitfields, maps piece index to file spans,
// exports completed content to disk, and (for seeders) splits a local file
// or directory into pieces.
package store

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/meta"
)

// Piece is one fixed-size (except the last) content fragment.
type Piece struct {
	Index int
	Data  []byte
}

// Span is a contiguous run of one piece's bytes living in one file.
type Span struct {
	FileIndex int
	Offset    int64
	Length    int64
}

// fileEntry is a flattened, ordered file list: for a single-file torrent a
// synthetic one-entry list whose disk path is just the torrent name; for a
// multi-file torrent, one entry per info.Files element.
type fileEntry struct {
	relPath []string // path components under the save root's torrent dir; nil means "the torrent file itself"
	length  int64
}

// Store owns every piece of one torrent plus the immutable mapping from
// piece index to the file spans it covers. All mutation happens under one
// mutex; the store is the single serialization point for piece state.
type Store struct {
	mu sync.RWMutex

	info         *meta.Info
	pieceCount   int
	totalLength  int64
	files        []fileEntry
	pieceFileMap [][]Span

	pieces map[int][]byte
}

// New builds a Store for an already-parsed torrent (the leecher path): no
// piece data yet, but the piece-file map and sizing are fixed up front.
func New(info *meta.Info) *Store {
	files := flattenFiles(info)
	total := int64(0)
	for _, f := range files {
		total += f.length
	}

	s := &Store{
		info:        info,
		pieceCount:  len(info.Pieces),
		totalLength: total,
		files:       files,
		pieces:      make(map[int][]byte),
	}
	s.pieceFileMap = buildPieceFileMap(files, int64(info.PieceLength), s.pieceCount)
	return s
}

func flattenFiles(info *meta.Info) []fileEntry {
	if len(info.Files) > 0 {
		out := make([]fileEntry, len(info.Files))
		for i, f := range info.Files {
			out[i] = fileEntry{relPath: f.Path, length: f.Length}
		}
		return out
	}
	return []fileEntry{{relPath: nil, length: info.Length}}
}

// buildPieceFileMap assigns each piece index its ordered list of
// (file, offset, length) spans, walking the flattened file list exactly
// once. Works identically for the single-file degenerate case (one file
// entry) and the multi-file case.
func buildPieceFileMap(files []fileEntry, pieceLength int64, pieceCount int) [][]Span {
	m := make([][]Span, pieceCount)

	fileIdx := 0
	fileOffset := int64(0)

	for p := 0; p < pieceCount; p++ {
		var spans []Span

		// The last piece may be shorter than pieceLength; the file walk
		// below naturally runs out of bytes, so no explicit clamp needed.
		remaining := pieceLength

		for remaining > 0 && fileIdx < len(files) {
			f := files[fileIdx]
			fileRemaining := f.length - fileOffset

			if fileRemaining <= 0 {
				fileIdx++
				fileOffset = 0
				continue
			}

			take := remaining
			if take > fileRemaining {
				take = fileRemaining
			}

			spans = append(spans, Span{FileIndex: fileIdx, Offset: fileOffset, Length: take})
			fileOffset += take
			remaining -= take

			if fileOffset >= f.length {
				fileIdx++
				fileOffset = 0
			}
		}

		m[p] = spans
	}

	return m
}

// ExactPieceLength returns piece_length for every piece except the last,
// which is total_length - (piece_count-1)*piece_length. Correct even when
// piece_count == 1 (the subtraction term is simply zero).
func (s *Store) ExactPieceLength(index int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exactPieceLengthLocked(index)
}

func (s *Store) exactPieceLengthLocked(index int) (int64, error) {
	if index < 0 || index >= s.pieceCount {
		return 0, fmt.Errorf("store: piece index %d out of range [0,%d)", index, s.pieceCount)
	}
	if index < s.pieceCount-1 {
		return int64(s.info.PieceLength), nil
	}
	return s.totalLength - int64(s.pieceCount-1)*int64(s.info.PieceLength), nil
}

// Has reports whether piece index is already stored.
func (s *Store) Has(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pieces[index]
	return ok
}

// Add inserts piece iff it is in range, the correct exact length, its
// SHA-1 matches the torrent's piece-hash table, and it is not already
// present. All other inputs are silently dropped; Add is idempotent.
func (s *Store) Add(p Piece) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Index < 0 || p.Index >= s.pieceCount {
		return false
	}
	if _, ok := s.pieces[p.Index]; ok {
		return false
	}

	exact, err := s.exactPieceLengthLocked(p.Index)
	if err != nil || int64(len(p.Data)) != exact {
		return false
	}

	if sha1.Sum(p.Data) != s.info.Pieces[p.Index] {
		return false
	}

	cp := make([]byte, len(p.Data))
	copy(cp, p.Data)
	s.pieces[p.Index] = cp
	return true
}

// Get returns the stored bytes for piece index, or ok=false if absent.
func (s *Store) Get(index int) (data []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.pieces[index]
	return d, ok
}

// Bitfield returns the MSB-first packed bitmap of stored pieces.
func (s *Store) Bitfield() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := bitfield.New(s.pieceCount)
	for idx := range s.pieces {
		b.Set(idx)
	}
	return b.Bytes()
}

// IsInterested reports whether remote advertises at least one piece this
// store does not yet have.
func (s *Store) IsInterested(remote []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rb := bitfield.FromBytes(remote, s.pieceCount)
	for i := 0; i < s.pieceCount; i++ {
		if rb.Has(i) {
			if _, ok := s.pieces[i]; !ok {
				return true
			}
		}
	}
	return false
}

// Complete reports whether every piece in [0, piece_count) is stored.
func (s *Store) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pieces) == s.pieceCount
}

// PieceCount returns the total number of pieces this torrent has.
func (s *Store) PieceCount() int { return s.pieceCount }

// Export writes every stored piece to its file(s) under rootDir:
// "<root>/<name>" for single-file torrents, "<root>/<name>/<path...>" for
// multi-file ones. Intermediate directories are created as needed.
func (s *Store) Export(rootDir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets := make([]string, len(s.files))
	for i, f := range s.files {
		targets[i] = s.diskPath(rootDir, f)
		if err := os.MkdirAll(filepath.Dir(targets[i]), 0o755); err != nil {
			return fmt.Errorf("store: export: mkdir: %w", err)
		}
	}

	handles := make(map[int]*os.File)
	defer func() {
		for _, f := range handles {
			f.Close()
		}
	}()

	for idx := 0; idx < s.pieceCount; idx++ {
		data, ok := s.pieces[idx]
		if !ok {
			continue
		}

		cursor := data
		for _, span := range s.pieceFileMap[idx] {
			f, ok := handles[span.FileIndex]
			if !ok {
				var err error
				f, err = os.OpenFile(targets[span.FileIndex], os.O_CREATE|os.O_WRONLY, 0o644)
				if err != nil {
					return fmt.Errorf("store: export: open: %w", err)
				}
				handles[span.FileIndex] = f
			}

			if _, err := f.WriteAt(cursor[:span.Length], span.Offset); err != nil {
				return fmt.Errorf("store: export: write: %w", err)
			}
			cursor = cursor[span.Length:]
		}
	}

	return nil
}

func (s *Store) diskPath(rootDir string, f fileEntry) string {
	if f.relPath == nil {
		return filepath.Join(rootDir, s.info.Name)
	}
	parts := append([]string{rootDir, s.info.Name}, f.relPath...)
	return filepath.Join(parts...)
}

// Split ingests a single local file as a seeder: reads it in piece_length
// chunks (the final chunk hashed as-is) and returns both the derived
// torrent Info and a Store already populated with every piece, ready to
// announce STARTED.
func Split(path string, pieceLength int32) (*meta.Info, *Store, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("store: split: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("store: split: %w", err)
	}
	defer f.Close()

	info := &meta.Info{
		Name:        filepath.Base(path),
		PieceLength: pieceLength,
		Length:      fi.Size(),
	}

	s := &Store{pieces: make(map[int][]byte)}

	buf := make([]byte, pieceLength)
	idx := 0
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			hash := sha1.Sum(chunk)
			info.Pieces = append(info.Pieces, hash)
			s.pieces[idx] = chunk
			idx++
		}
		if readErr == io.EOF {
			break
		}
		if readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, nil, fmt.Errorf("store: split: read: %w", readErr)
		}
	}

	s.info = info
	s.pieceCount = len(info.Pieces)
	s.totalLength = info.Length
	s.files = flattenFiles(info)
	s.pieceFileMap = buildPieceFileMap(s.files, int64(pieceLength), s.pieceCount)

	return info, s, nil
}

// SplitDir ingests a local directory tree as a seeder: files are visited
// in sorted, depth-first relative-path order, and piece boundaries may
// span multiple files. Total length is the sum of file byte lengths.
func SplitDir(root string, pieceLength int32) (*meta.Info, *Store, error) {
	paths, err := sortedFileList(root)
	if err != nil {
		return nil, nil, fmt.Errorf("store: split dir: %w", err)
	}

	info := &meta.Info{
		Name:        filepath.Base(root),
		PieceLength: pieceLength,
	}
	s := &Store{pieces: make(map[int][]byte)}

	var buf []byte
	idx := 0

	flushPiece := func() {
		if len(buf) == 0 {
			return
		}
		hash := sha1.Sum(buf)
		info.Pieces = append(info.Pieces, hash)
		s.pieces[idx] = buf
		idx++
		buf = nil
	}

	for _, rel := range paths {
		abs := filepath.Join(root, rel)
		fi, statErr := os.Stat(abs)
		if statErr != nil {
			return nil, nil, fmt.Errorf("store: split dir: stat %s: %w", rel, statErr)
		}

		info.Files = append(info.Files, &meta.File{
			Length: fi.Size(),
			Path:   strings.Split(filepath.ToSlash(rel), "/"),
		})

		f, openErr := os.Open(abs)
		if openErr != nil {
			return nil, nil, fmt.Errorf("store: split dir: open %s: %w", rel, openErr)
		}

		for {
			need := int(pieceLength) - len(buf)
			chunk := make([]byte, need)
			n, readErr := io.ReadFull(f, chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				if len(buf) == int(pieceLength) {
					flushPiece()
				}
			}
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				break
			}
			if readErr != nil {
				f.Close()
				return nil, nil, fmt.Errorf("store: split dir: read %s: %w", rel, readErr)
			}
		}
		f.Close()
	}
	flushPiece()

	var total int64
	for _, fl := range info.Files {
		total += fl.Length
	}

	s.info = info
	s.pieceCount = len(info.Pieces)
	s.totalLength = total
	s.files = flattenFiles(info)
	s.pieceFileMap = buildPieceFileMap(s.files, int64(pieceLength), s.pieceCount)

	return info, s, nil
}

// sortedFileList returns every regular file under root, relative to root,
// sorted by the full relative-path string, depth-first.
func sortedFileList(root string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(rels)
	return rels, nil
}
