package ori

import (
	"os"
	"strconv"

	"github.com/grailbio/base/log"
)

// Options configures a home/checkout Manager. Zero-value fields are
// filled in by Defaults; each has an ITYR_ORI_* environment variable
// override, following bigslice's env-var-driven configuration idiom.
type Options struct {
	// BlockSize is the size, in bytes, of one home-mapping unit.
	BlockSize int
	// EntryLimit bounds the number of distinct blocks held mapped at
	// once (home_manager's mmap_entry_limit).
	EntryLimit int
}

// Option mutates an Options value during construction.
type Option func(*Options)

// WithBlockSize overrides the block size.
func WithBlockSize(n int) Option {
	return func(o *Options) { o.BlockSize = n }
}

// WithEntryLimit overrides the mapped-entry limit.
func WithEntryLimit(n int) Option {
	return func(o *Options) { o.EntryLimit = n }
}

// DefaultOptions returns the baseline configuration, each field
// overridable by its ITYR_ORI_* environment variable.
func DefaultOptions(opts ...Option) Options {
	o := Options{
		BlockSize:  envInt("ITYR_ORI_BLOCK_SIZE", 4096),
		EntryLimit: envInt("ITYR_ORI_ENTRY_LIMIT", 1024),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func envInt(name string, def int) int {
	s := os.Getenv(name)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		log.Error.Printf("ori: ignoring invalid %s=%q: %v", name, s, err)
		return def
	}
	return v
}
