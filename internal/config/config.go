// Package config defines the tunables for the peer exchange engine: network
// timeouts, peer/upload limits, tracker announce and backoff bounds, and
// seeder split defaults. It follows a single authoritative default builder plus a
// process-wide pointer the rest of the engine reads from, so every
// goroutine observes a consistent snapshot without passing a *Config
// through every call.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"
)

// Config defines behavior and resource limits for the peer exchange engine.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is the directory where downloaded torrents are
	// saved when the caller does not specify one.
	DefaultDownloadDir string

	// ========== Networking ==========

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peer connections
	// allowed.
	MaxPeers int

	// Port is the TCP port this client listens on for incoming peer
	// connections.
	Port uint16

	// ListenAcceptTimeout bounds each Accept call on the listener socket
	// so shutdown can be observed promptly.
	ListenAcceptTimeout time.Duration

	// PeerOutboundQueueBacklog is the maximum number of outbound
	// messages a peer session buffers for its writer loop; while the
	// buffer is full, further messages are dropped.
	PeerOutboundQueueBacklog int

	// ========== Tracker / Announce ==========

	// NumWant is the number of peers to request from the tracker per
	// announce.
	NumWant uint32

	// AnnounceInterval is the re-announce interval used when the tracker
	// suggests none. Zero falls back to two minutes. A tracker-suggested
	// interval always takes precedence.
	AnnounceInterval time.Duration

	// MinAnnounceInterval is a floor on the regular re-announce interval,
	// whatever the tracker suggests. Retries after a failed announce use
	// the backoff delay instead and are not subject to this floor.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps the base delay of the exponential backoff
	// after failed announces; jitter then places the actual wait between
	// 75% and 125% of that delay.
	MaxAnnounceBackoff time.Duration

	// ScrapeInterval is how often a running engine polls the tracker's
	// scrape endpoint for swarm-wide peer counts. Zero disables the
	// periodic scrape.
	ScrapeInterval time.Duration

	// ========== Seeding / Choking ==========

	// UploadSlots is a configured number of upload slots. This engine
	// unchokes every interested peer, and neither the engine nor the CLI
	// reads this value, so it does not limit delivery.
	UploadSlots int

	// ========== Seeder split (share) ==========

	// DefaultPieceLength is used by the CLI's "share" action when
	// splitting a local file or directory that has no pre-existing
	// piece-length choice to inherit.
	DefaultPieceLength int32
}

var current atomic.Pointer[Config]

func init() {
	cfg, err := defaultConfig()
	if err == nil {
		current.Store(&cfg)
	}
}

// Load returns the process-wide configuration snapshot.
func Load() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	cfg, _ := defaultConfig()
	return &cfg
}

// Set replaces the process-wide configuration, e.g. after parsing flags.
func Set(cfg Config) {
	current.Store(&cfg)
}

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() (Config, error) {
	return defaultConfig()
}

func defaultConfig() (Config, error) {
	return Config{
		DefaultDownloadDir:       getDefaultDownloadDir(),
		DialTimeout:              7 * time.Second,
		MaxPeers:                 50,
		Port:                     6969,
		ListenAcceptTimeout:      time.Second,
		PeerOutboundQueueBacklog: 256,
		NumWant:                  50,
		AnnounceInterval:         0,
		MinAnnounceInterval:      20 * time.Minute,
		MaxAnnounceBackoff:       45 * time.Minute,
		ScrapeInterval:           5 * time.Minute,
		UploadSlots:              4,
		DefaultPieceLength:       256 * 1024,
	}, nil
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "rabbit")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "rabbit", "downloads")
	}
}
