package store

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/prxssh/rabbit/internal/meta"
)

func sha1Of(b []byte) [sha1.Size]byte { return sha1.Sum(b) }

func singleFileInfo(content []byte, pieceLength int32) *meta.Info {
	info := &meta.Info{
		Name:        "file.bin",
		PieceLength: pieceLength,
		Length:      int64(len(content)),
	}
	for off := 0; off < len(content); off += int(pieceLength) {
		end := off + int(pieceLength)
		if end > len(content) {
			end = len(content)
		}
		info.Pieces = append(info.Pieces, sha1Of(content[off:end]))
	}
	return info
}

func TestStore_SinglePiece_SingleFile(t *testing.T) {
	content := []byte("hello")
	info := singleFileInfo(content, 5)
	s := New(info)

	if s.PieceCount() != 1 {
		t.Fatalf("piece count = %d, want 1", s.PieceCount())
	}

	exact, err := s.ExactPieceLength(0)
	if err != nil || exact != 5 {
		t.Fatalf("ExactPieceLength(0) = %d, %v, want 5, nil", exact, err)
	}

	if !s.Add(Piece{Index: 0, Data: content}) {
		t.Fatalf("Add rejected a valid piece")
	}
	if s.Add(Piece{Index: 0, Data: content}) {
		t.Fatalf("Add accepted a duplicate piece")
	}
	if !s.Complete() {
		t.Fatalf("store should be complete after its only piece")
	}

	dir := t.TempDir()
	if err := s.Export(dir); err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "file.bin"))
	if err != nil {
		t.Fatalf("read exported file: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("exported content = %q, want %q", got, content)
	}
}

func TestStore_ShortFinalPiece(t *testing.T) {
	// piece_length=4, content="ABCDE" -> 2 pieces, last is 1 byte.
	content := []byte("ABCDE")
	info := singleFileInfo(content, 4)
	s := New(info)

	if s.PieceCount() != 2 {
		t.Fatalf("piece count = %d, want 2", s.PieceCount())
	}

	last, err := s.ExactPieceLength(1)
	if err != nil || last != 1 {
		t.Fatalf("ExactPieceLength(1) = %d, %v, want 1, nil", last, err)
	}

	if !s.Add(Piece{Index: 0, Data: content[0:4]}) {
		t.Fatalf("Add rejected piece 0")
	}
	if !s.Add(Piece{Index: 1, Data: content[4:5]}) {
		t.Fatalf("Add rejected short final piece")
	}
	if !s.Complete() {
		t.Fatalf("store incomplete after both pieces added")
	}

	bf := s.Bitfield()
	if len(bf) != 1 || bf[0] != 0b11000000 {
		t.Fatalf("Bitfield() = %08b, want [11000000]", bf)
	}
}

func TestStore_Add_RejectsBadLength(t *testing.T) {
	content := []byte("hello")
	s := New(singleFileInfo(content, 5))
	if s.Add(Piece{Index: 0, Data: []byte("short")[:3]}) {
		t.Fatalf("Add accepted a piece with wrong exact length")
	}
}

func TestStore_Add_RejectsHashMismatch(t *testing.T) {
	content := []byte("hello")
	s := New(singleFileInfo(content, 5))
	if s.Add(Piece{Index: 0, Data: []byte("jello")}) {
		t.Fatalf("Add accepted a piece whose hash does not match")
	}
}

func TestStore_Add_RejectsOutOfRangeIndex(t *testing.T) {
	content := []byte("hello")
	s := New(singleFileInfo(content, 5))
	if s.Add(Piece{Index: 5, Data: content}) {
		t.Fatalf("Add accepted an out-of-range index")
	}
}

func TestStore_MultiFile_TwoPieces(t *testing.T) {
	// Files of 3 and 5 bytes, piece_length=4: piece 0 spans both files,
	// piece 1 is the remaining 4 bytes of the second file.
	fileA := []byte("AAA")
	fileB := []byte("BBBxx")
	info := &meta.Info{
		Name:        "torrent",
		PieceLength: 4,
		Length:      0,
		Files: []*meta.File{
			{Length: int64(len(fileA)), Path: []string{"a.txt"}},
			{Length: int64(len(fileB)), Path: []string{"sub", "b.txt"}},
		},
	}
	whole := append(append([]byte{}, fileA...), fileB...)
	for off := 0; off < len(whole); off += 4 {
		end := off + 4
		if end > len(whole) {
			end = len(whole)
		}
		info.Pieces = append(info.Pieces, sha1Of(whole[off:end]))
	}

	s := New(info)
	if s.PieceCount() != 2 {
		t.Fatalf("piece count = %d, want 2", s.PieceCount())
	}

	if !s.Add(Piece{Index: 0, Data: whole[0:4]}) {
		t.Fatalf("Add rejected piece 0")
	}
	if !s.Add(Piece{Index: 1, Data: whole[4:8]}) {
		t.Fatalf("Add rejected piece 1")
	}
	if !s.Complete() {
		t.Fatalf("store should be complete")
	}

	dir := t.TempDir()
	if err := s.Export(dir); err != nil {
		t.Fatalf("Export: %v", err)
	}

	gotA, err := os.ReadFile(filepath.Join(dir, "torrent", "a.txt"))
	if err != nil || !bytes.Equal(gotA, fileA) {
		t.Fatalf("a.txt = %q, %v, want %q", gotA, err, fileA)
	}
	gotB, err := os.ReadFile(filepath.Join(dir, "torrent", "sub", "b.txt"))
	if err != nil || !bytes.Equal(gotB, fileB) {
		t.Fatalf("b.txt = %q, %v, want %q", gotB, err, fileB)
	}
}

func TestPieceFileMap_SpansCoverExactPieceLength(t *testing.T) {
	cases := []struct {
		name string
		info *meta.Info
	}{
		{"single file, even split", singleFileInfo(make([]byte, 16), 4)},
		{"single file, short tail", singleFileInfo(make([]byte, 15), 4)},
		{"single piece", singleFileInfo(make([]byte, 3), 4)},
		{"multi-file, piece spans boundary", &meta.Info{
			Name:        "d",
			PieceLength: 4,
			Pieces:      make([][20]byte, 2),
			Files: []*meta.File{
				{Length: 3, Path: []string{"a.txt"}},
				{Length: 5, Path: []string{"b.txt"}},
			},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(tc.info)
			for i := 0; i < s.PieceCount(); i++ {
				exact, err := s.ExactPieceLength(i)
				if err != nil {
					t.Fatalf("ExactPieceLength(%d): %v", i, err)
				}
				var sum int64
				for _, span := range s.pieceFileMap[i] {
					sum += span.Length
				}
				if sum != exact {
					t.Fatalf("piece %d: span sum = %d, want %d", i, sum, exact)
				}
			}
		})
	}
}

func TestStore_IsInterested(t *testing.T) {
	content := []byte("ABCDE")
	info := singleFileInfo(content, 4)
	s := New(info)

	full := []byte{0b11000000}
	if !s.IsInterested(full) {
		t.Fatalf("expected interested when remote has pieces we lack")
	}

	s.Add(Piece{Index: 0, Data: content[0:4]})
	s.Add(Piece{Index: 1, Data: content[4:5]})
	if s.IsInterested(full) {
		t.Fatalf("expected not interested once we have every piece remote has")
	}
}

func TestStore_Has(t *testing.T) {
	content := []byte("hello")
	s := New(singleFileInfo(content, 5))
	if s.Has(0) {
		t.Fatalf("fresh store should not have piece 0")
	}
	s.Add(Piece{Index: 0, Data: content})
	if !s.Has(0) {
		t.Fatalf("store should have piece 0 after Add")
	}
}

func TestSplit_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bin")
	content := []byte("0123456789ABCDE")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	info, s, err := Split(path, 4)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	wantPieces := (len(content) + 3) / 4
	if len(info.Pieces) != wantPieces {
		t.Fatalf("pieces = %d, want %d", len(info.Pieces), wantPieces)
	}
	if !s.Complete() {
		t.Fatalf("store from Split should already be complete")
	}

	out := t.TempDir()
	if err := s.Export(out); err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(out, "sample.bin"))
	if err != nil || !bytes.Equal(got, content) {
		t.Fatalf("exported = %q, %v, want %q", got, err, content)
	}
}

func TestSplitDir_SpansMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("AAA"), 0o644); err != nil {
		t.Fatalf("write a.txt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("BBBBB"), 0o644); err != nil {
		t.Fatalf("write b.txt: %v", err)
	}

	info, s, err := SplitDir(src, 4)
	if err != nil {
		t.Fatalf("SplitDir: %v", err)
	}
	if len(info.Files) != 2 {
		t.Fatalf("files = %d, want 2", len(info.Files))
	}
	if !s.Complete() {
		t.Fatalf("store from SplitDir should already be complete")
	}

	out := t.TempDir()
	if err := s.Export(out); err != nil {
		t.Fatalf("Export: %v", err)
	}
	gotA, err := os.ReadFile(filepath.Join(out, info.Name, "a.txt"))
	if err != nil || !bytes.Equal(gotA, []byte("AAA")) {
		t.Fatalf("a.txt round-trip failed: %q, %v", gotA, err)
	}
	gotB, err := os.ReadFile(filepath.Join(out, info.Name, "sub", "b.txt"))
	if err != nil || !bytes.Equal(gotB, []byte("BBBBB")) {
		t.Fatalf("b.txt round-trip failed: %q, %v", gotB, err)
	}
}
