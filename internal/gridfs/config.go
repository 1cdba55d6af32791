package gridfs

import (
	"github.com/bleepstore/gridstore/internal/config"
	"github.com/bleepstore/gridstore/internal/docstore"
)

// OptionsFromConfig returns the bucket template described by cfg. The
// bucket name is included; callers serving several buckets append their own
// BucketName after it.
func OptionsFromConfig(cfg config.BucketConfig) []BucketOption {
	var opts []BucketOption
	if cfg.Name != "" {
		opts = append(opts, BucketName(cfg.Name))
	}
	if cfg.ChunkSizeBytes != 0 {
		opts = append(opts, ChunkSizeBytes(cfg.ChunkSizeBytes))
	}
	if wc := cfg.WriteConcern; wc.W != "" || wc.Journal != nil || wc.WTimeout != 0 {
		opts = append(opts, WriteConcern(docstore.WriteConcern{W: wc.W, Journal: wc.Journal, WTimeout: wc.WTimeout}))
	}
	if cfg.ReadConcern != "" {
		opts = append(opts, ReadConcern(docstore.ReadConcern{Level: cfg.ReadConcern}))
	}
	if cfg.ReadPreference != "" {
		opts = append(opts, ReadPreference(docstore.ReadPreference{Mode: cfg.ReadPreference}))
	}
	return opts
}
