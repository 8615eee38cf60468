package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

// Metainfo is the immutable, typed view of a parsed torrent file: piece
// length, piece-hash table, file list, total length, and tracker URL. It is
// built once at parse time and never mutated afterwards.
type Metainfo struct {
	Info         *Info
	Announce     string
	AnnounceList [][]string
	CreationDate time.Time
	CreatedBy    string
	Comment      string
	Encoding     string
	InfoHash     [sha1.Size]byte
}

type Info struct {
	Name        string
	PieceLength int32
	Pieces      [][sha1.Size]byte
	Private     bool
	Length      int64
	Files       []*File
}

type File struct {
	Length int64
	Path   []string
}

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: both announce and announce-list missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrPiecesLenInvalid    = errors.New("metainfo: 'info' pieces length not multiple of 20")
	ErrLayoutInvalid       = errors.New("metainfo: invalid single/multi-file layout")
	ErrCreationDateInvalid = errors.New("metainfo: invalid creation date")
)

// rawFile and rawInfo mirror the BEP 3 wire dictionaries; bencode-go drives
// decoding/encoding off their struct tags. The "info" sub-dict is re-marshaled
// on its own (never the outer envelope) to compute the info hash, matching
// how a BitTorrent info_hash is actually defined: sha1 of the bencoded info
// value alone.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      []byte    `bencode:"pieces"`
	Private     int64     `bencode:"private,omitempty"`
	Length      int64     `bencode:"length,omitempty"`
	Files       []rawFile `bencode:"files,omitempty"`
}

type rawMetainfo struct {
	Info         rawInfo    `bencode:"info"`
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	CreationDate int64      `bencode:"creation date,omitempty"`
	CreatedBy    string     `bencode:"created by,omitempty"`
	Comment      string     `bencode:"comment,omitempty"`
	Encoding     string     `bencode:"encoding,omitempty"`
}

func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}

	return sum
}

// ParseMetainfo decodes a bencoded BEP 3 torrent file into a Metainfo.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	var raw rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}

	if raw.Announce == "" && len(raw.AnnounceList) == 0 {
		return nil, ErrAnnounceMissing
	}

	info, err := validateInfo(&raw.Info)
	if err != nil {
		return nil, err
	}

	var creationDate time.Time
	if raw.CreationDate != 0 {
		if raw.CreationDate < 0 {
			return nil, ErrCreationDateInvalid
		}
		creationDate = time.Unix(raw.CreationDate, 0).UTC()
	}

	hash, err := infoHash(&raw.Info)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	return &Metainfo{
		Info:         info,
		InfoHash:     hash,
		Announce:     raw.Announce,
		AnnounceList: filterEmptyTiers(raw.AnnounceList),
		CreationDate: creationDate,
		CreatedBy:    raw.CreatedBy,
		Comment:      raw.Comment,
		Encoding:     raw.Encoding,
	}, nil
}

func validateInfo(raw *rawInfo) (*Info, error) {
	if raw.Name == "" {
		return nil, ErrNameMissing
	}
	if raw.PieceLength == 0 {
		return nil, ErrPieceLenMissing
	}
	if raw.PieceLength < 0 {
		return nil, ErrPieceLenNonPositive
	}
	if len(raw.Pieces) == 0 {
		return nil, ErrPiecesMissing
	}
	if len(raw.Pieces)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}
	if raw.Private != 0 && raw.Private != 1 {
		return nil, fmt.Errorf("metainfo: invalid 'private' flag")
	}

	hasLength := raw.Length > 0
	hasFiles := len(raw.Files) > 0

	var (
		length int64
		files  []*File
	)

	switch {
	case hasLength && !hasFiles:
		length = raw.Length
	case hasFiles && !hasLength:
		files = make([]*File, 0, len(raw.Files))
		for i, f := range raw.Files {
			if f.Length < 0 {
				return nil, fmt.Errorf("metainfo: files[%d]: invalid length", i)
			}
			if len(f.Path) == 0 {
				return nil, fmt.Errorf("metainfo: files[%d]: invalid path", i)
			}
			files = append(files, &File{Length: f.Length, Path: f.Path})
		}
	default:
		return nil, ErrLayoutInvalid
	}

	n := len(raw.Pieces) / sha1.Size
	pieces := make([][sha1.Size]byte, n)
	for i := 0; i < n; i++ {
		copy(pieces[i][:], raw.Pieces[i*sha1.Size:(i+1)*sha1.Size])
	}

	return &Info{
		Name:        raw.Name,
		PieceLength: int32(raw.PieceLength),
		Pieces:      pieces,
		Private:     raw.Private == 1,
		Length:      length,
		Files:       files,
	}, nil
}

func filterEmptyTiers(tiers [][]string) [][]string {
	out := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out
}

func infoHash(raw *rawInfo) ([sha1.Size]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, *raw); err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(buf.Bytes()), nil
}

// toRawInfo is the inverse of validateInfo: it flattens an Info back into
// the wire dict shape bencode-go marshals, so a locally-built Info (e.g.
// from Store.Split/SplitDir) can have its info hash computed the same way
// a parsed one does.
func toRawInfo(info *Info) rawInfo {
	raw := rawInfo{
		Name:        info.Name,
		PieceLength: int64(info.PieceLength),
		Length:      info.Length,
	}
	if info.Private {
		raw.Private = 1
	}

	raw.Pieces = make([]byte, len(info.Pieces)*sha1.Size)
	for i, h := range info.Pieces {
		copy(raw.Pieces[i*sha1.Size:], h[:])
	}

	for _, f := range info.Files {
		raw.Files = append(raw.Files, rawFile{Length: f.Length, Path: f.Path})
	}

	return raw
}

// HashInfo computes the info hash of a locally-built Info the same way
// ParseMetainfo derives it for a parsed torrent: SHA-1 of the bencoded
// info dict alone.
func HashInfo(info *Info) ([sha1.Size]byte, error) {
	raw := toRawInfo(info)
	return infoHash(&raw)
}

// NewMetainfo builds a Metainfo around a locally-built Info (the
// seeder-side Store.Split/SplitDir path), computing its info hash and
// attaching the tracker URL the caller wants to announce to.
func NewMetainfo(info *Info, announceURL string) (*Metainfo, error) {
	hash, err := HashInfo(info)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	return &Metainfo{
		Info:     info,
		InfoHash: hash,
		Announce: announceURL,
	}, nil
}
