package session

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds session store configuration from YAML.
type Config struct {
	// StoreURI selects the storage backend:
	//   "memory://"                        process-local, non-persistent (default)
	//   "file://<base-dir>"                JSONL files on disk
	//   "redis://[:pass@]host:port[/db]"   shared Redis storage
	StoreURI string `yaml:"store_uri"`

	// TTL is the session expiry duration for backends that support it
	// (e.g. "24h"). Empty means sessions never expire.
	TTL string `yaml:"ttl,omitempty"`
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		StoreURI: "memory://",
	}
}

// Open constructs a storage backend from the config's StoreURI.
// Switching backends requires no change to code that consumes the
// Manager; only this construction site knows about concrete stores.
func Open(cfg Config) (StorageBackend, error) {
	uri := cfg.StoreURI
	if uri == "" {
		uri = "memory://"
	}

	var ttl time.Duration
	if cfg.TTL != "" {
		d, err := time.ParseDuration(cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("parse session ttl: %w", err)
		}
		ttl = d
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse session store uri: %w", err)
	}

	switch u.Scheme {
	case "memory", "inmemory":
		return NewMemoryBackend(), nil

	case "file":
		// file:///var/lib/memgo and file://sessions both mean a directory.
		dir := u.Path
		if u.Host != "" {
			dir = u.Host + u.Path
		}
		return NewFileBackend(dir)

	case "redis":
		rc := RedisConfig{
			Addr:       u.Host,
			SessionTTL: ttl,
		}
		if pass, ok := u.User.Password(); ok {
			rc.Password = pass
		}
		if db := strings.TrimPrefix(u.Path, "/"); db != "" {
			n, err := strconv.Atoi(db)
			if err != nil {
				return nil, fmt.Errorf("parse redis db number %q: %w", db, err)
			}
			rc.DB = n
		}
		return NewRedisBackend(rc)

	default:
		return nil, fmt.Errorf("unknown session store scheme: %s", u.Scheme)
	}
}
