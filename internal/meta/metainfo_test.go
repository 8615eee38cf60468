package meta

import (
	"bytes"
	"crypto/sha1"
	"reflect"
	"testing"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

func mkPieces(n int) []byte {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{byte('a' + i)}, sha1.Size))
	}
	return buf.Bytes()
}

func mustEncode(t *testing.T, v map[string]any) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		t.Fatalf("bencode marshal: %v", err)
	}
	return buf.Bytes()
}

func TestParseMetainfo_SingleFile_OK(t *testing.T) {
	info := map[string]any{
		"name":         "file.txt",
		"piece length": int64(16384),
		"pieces":       mkPieces(2),
		"length":       int64(1234),
	}

	root := map[string]any{
		"announce":      "http://tracker",
		"creation date": int64(1700000000),
		"created by":    "tester",
		"comment":       "hello",
		"encoding":      "UTF-8",
		"info":          info,
	}

	mi, err := ParseMetainfo(mustEncode(t, root))
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}

	if mi.Announce != "http://tracker" {
		t.Fatalf("announce = %q", mi.Announce)
	}
	if len(mi.AnnounceList) != 0 {
		t.Fatalf("announce-list = %#v, want empty", mi.AnnounceList)
	}

	wantDate := time.Unix(1700000000, 0).UTC()
	if !mi.CreationDate.Equal(wantDate) {
		t.Fatalf("creation date = %v, want %v", mi.CreationDate, wantDate)
	}
	if mi.CreatedBy != "tester" || mi.Comment != "hello" || mi.Encoding != "UTF-8" {
		t.Fatalf("metadata fields mismatch: %#v", mi)
	}

	if mi.Info == nil {
		t.Fatalf("info is nil")
	}
	if mi.Info.Name != "file.txt" {
		t.Fatalf("name = %q", mi.Info.Name)
	}
	if mi.Info.PieceLength != 16384 {
		t.Fatalf("piece length = %d", mi.Info.PieceLength)
	}
	if len(mi.Info.Pieces) != 2 {
		t.Fatalf("pieces len = %d, want 2", len(mi.Info.Pieces))
	}
	if mi.Info.Length != 1234 || len(mi.Info.Files) != 0 {
		t.Fatalf("layout mismatch: length=%d files=%d", mi.Info.Length, len(mi.Info.Files))
	}

	// Verify info hash is sha1 of the bencoded info dict alone.
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	wantHash := sha1.Sum(buf.Bytes())
	if mi.InfoHash != wantHash {
		t.Fatalf("info hash mismatch")
	}
}

func TestHashInfo_MatchesParseMetainfo(t *testing.T) {
	root := map[string]any{
		"announce": "http://tracker",
		"info": map[string]any{
			"name":         "file.txt",
			"piece length": int64(16384),
			"pieces":       mkPieces(2),
			"length":       int64(1234),
		},
	}

	mi, err := ParseMetainfo(mustEncode(t, root))
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}

	got, err := HashInfo(mi.Info)
	if err != nil {
		t.Fatalf("HashInfo error: %v", err)
	}
	if got != mi.InfoHash {
		t.Fatalf("HashInfo(mi.Info) = %x, want %x (ParseMetainfo's own hash)", got, mi.InfoHash)
	}
}

func TestNewMetainfo_BuildsFromLocalInfo(t *testing.T) {
	info := &Info{
		Name:        "seeded.bin",
		PieceLength: 4,
		Length:      4,
		Pieces:      [][sha1.Size]byte{sha1.Sum([]byte("ABCD"))},
	}

	mi, err := NewMetainfo(info, "http://tracker.example/announce")
	if err != nil {
		t.Fatalf("NewMetainfo error: %v", err)
	}
	if mi.Announce != "http://tracker.example/announce" {
		t.Fatalf("announce = %q", mi.Announce)
	}

	want, err := HashInfo(info)
	if err != nil {
		t.Fatalf("HashInfo error: %v", err)
	}
	if mi.InfoHash != want {
		t.Fatalf("info hash = %x, want %x", mi.InfoHash, want)
	}
}

func TestParseMetainfo_MultiFile_OK(t *testing.T) {
	files := []any{
		map[string]any{
			"length": int64(10),
			"path":   []any{"a", "b.txt"},
		},
		map[string]any{"length": int64(20), "path": []any{"c.txt"}},
	}

	info := map[string]any{
		"name":         "dir",
		"piece length": int64(32768),
		"pieces":       mkPieces(1),
		"files":        files,
		"private":      int64(1),
	}

	root := map[string]any{
		"announce": "udp://tracker",
		"info":     info,
	}

	mi, err := ParseMetainfo(mustEncode(t, root))
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}

	if mi.Info == nil || mi.Info.Private != true {
		t.Fatalf("private flag not parsed")
	}
	if mi.Info.Length != 0 || len(mi.Info.Files) != 2 {
		t.Fatalf("files parsed incorrectly: %+v", mi.Info)
	}
	if got := mi.Info.Files[0].Length; got != 10 {
		t.Fatalf("file0 length = %d", got)
	}
	if want := []string{"a", "b.txt"}; !reflect.DeepEqual(mi.Info.Files[0].Path, want) {
		t.Fatalf("file0 path = %#v, want %#v", mi.Info.Files[0].Path, want)
	}
}

func TestParseMetainfo_AnnounceListOnly_OK(t *testing.T) {
	info := map[string]any{
		"name":         "f",
		"piece length": int64(16384),
		"pieces":       mkPieces(1),
		"length":       int64(1),
	}

	tiers := []any{
		[]any{"http://t1", "http://t1b"},
		[]any{"http://t2"},
	}

	root := map[string]any{
		"announce-list": tiers,
		"info":          info,
	}

	mi, err := ParseMetainfo(mustEncode(t, root))
	if err != nil {
		t.Fatalf("ParseMetainfo error: %v", err)
	}
	if mi.Announce != "" || len(mi.AnnounceList) != 2 {
		t.Fatalf("announce/announce-list mismatch: %#v", mi)
	}
}

func TestParseMetainfo_RequiredFieldErrors(t *testing.T) {
	// Missing both announce and announce-list.
	info := map[string]any{
		"name":         "f",
		"piece length": int64(1),
		"pieces":       mkPieces(1),
		"length":       int64(1),
	}
	root := map[string]any{"info": info}
	if _, err := ParseMetainfo(mustEncode(t, root)); err != ErrAnnounceMissing {
		t.Fatalf("want ErrAnnounceMissing, got %v", err)
	}

	// Missing name.
	root = map[string]any{
		"announce": "x",
		"info": map[string]any{
			"piece length": int64(1),
			"pieces":       mkPieces(1),
			"length":       int64(1),
		},
	}
	if _, err := ParseMetainfo(mustEncode(t, root)); err != ErrNameMissing {
		t.Fatalf("want ErrNameMissing, got %v", err)
	}

	// Missing piece length.
	root = map[string]any{
		"announce": "x",
		"info": map[string]any{
			"name":   "f",
			"pieces": mkPieces(1),
			"length": int64(1),
		},
	}
	if _, err := ParseMetainfo(mustEncode(t, root)); err != ErrPieceLenMissing {
		t.Fatalf("want ErrPieceLenMissing, got %v", err)
	}

	// Missing pieces.
	root = map[string]any{
		"announce": "x",
		"info": map[string]any{
			"name":         "f",
			"piece length": int64(1),
			"length":       int64(1),
		},
	}
	if _, err := ParseMetainfo(mustEncode(t, root)); err != ErrPiecesMissing {
		t.Fatalf("want ErrPiecesMissing, got %v", err)
	}

	// Pieces length not a multiple of 20.
	root = map[string]any{
		"announce": "x",
		"info": map[string]any{
			"name":         "f",
			"piece length": int64(1),
			"pieces":       []byte("short"),
			"length":       int64(1),
		},
	}
	if _, err := ParseMetainfo(mustEncode(t, root)); err != ErrPiecesLenInvalid {
		t.Fatalf("want ErrPiecesLenInvalid, got %v", err)
	}

	// Neither length nor files.
	root = map[string]any{
		"announce": "x",
		"info": map[string]any{
			"name":         "f",
			"piece length": int64(1),
			"pieces":       mkPieces(1),
		},
	}
	if _, err := ParseMetainfo(mustEncode(t, root)); err != ErrLayoutInvalid {
		t.Fatalf("want ErrLayoutInvalid, got %v", err)
	}

	// Both length and files.
	root = map[string]any{
		"announce": "x",
		"info": map[string]any{
			"name":         "f",
			"piece length": int64(1),
			"pieces":       mkPieces(1),
			"length":       int64(1),
			"files":        []any{map[string]any{"length": int64(1), "path": []any{"a"}}},
		},
	}
	if _, err := ParseMetainfo(mustEncode(t, root)); err != ErrLayoutInvalid {
		t.Fatalf("want ErrLayoutInvalid, got %v", err)
	}
}

func TestSize(t *testing.T) {
	if got := (&Metainfo{Info: &Info{Length: 42}}).Size(); got != 42 {
		t.Fatalf("single-file total = %d, want 42", got)
	}

	got := (&Metainfo{Info: &Info{Files: []*File{{Length: 10}, {Length: 5}}}}).Size()
	if got != 15 {
		t.Fatalf("multi-file total = %d, want 15", got)
	}

	if got := (&Metainfo{Info: &Info{}}).Size(); got != 0 {
		t.Fatalf("invalid total = %d, want 0", got)
	}
}
