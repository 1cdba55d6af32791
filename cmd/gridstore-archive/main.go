// Package main is gridstore-archive, which moves bucket archives between the
// configured document store and archive backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/bleepstore/gridstore/internal/archive"
	"github.com/bleepstore/gridstore/internal/config"
	"github.com/bleepstore/gridstore/internal/docstore"
	"github.com/bleepstore/gridstore/internal/gridfs"
	"github.com/bleepstore/gridstore/internal/logging"
	"github.com/bleepstore/gridstore/internal/storage"
)

const usage = "Usage: gridstore-archive <export|import|list|inspect> [flags]"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "gridstore-archive: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	switch args[0] {
	case "export":
		return runExport(ctx, args[1:], stdout)
	case "import":
		return runImport(ctx, args[1:], stdout)
	case "list":
		return runList(ctx, args[1:], stdout)
	case "inspect":
		return runInspect(ctx, args[1:], stdout)
	}
	return fmt.Errorf("unknown command %q\n%s", args[0], usage)
}

// common holds the flags every subcommand accepts.
type common struct {
	configPath string
	bucket     string
	backend    string
	logLevel   string
}

func newFlagSet(name string, c *common) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.StringVarP(&c.configPath, "config", "c", "gridstore.yaml", "path to configuration file")
	flags.StringVarP(&c.bucket, "bucket", "b", "", "bucket name (default: bucket.name from config)")
	flags.StringVar(&c.backend, "backend", "", "override archive backend")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	return flags
}

// load reads the configuration and applies the common overrides.
func (c *common) load() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if c.backend != "" {
		cfg.Archive.Backend = c.backend
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	if c.bucket == "" {
		c.bucket = cfg.Bucket.Name
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	return cfg, nil
}

// openBackend opens the archive backend. The returned func releases it.
func openBackend(ctx context.Context, cfg *config.Config) (storage.Backend, func(), error) {
	backend, err := storage.Open(ctx, cfg.Archive)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s archive backend: %w", cfg.Archive.Backend, err)
	}
	release := func() {
		if c, ok := backend.(io.Closer); ok {
			c.Close()
		}
	}
	return backend, release, nil
}

// openBucket opens the document store and the named bucket. The returned
// func closes the store.
func openBucket(ctx context.Context, cfg *config.Config, name string) (*gridfs.Bucket, func(), error) {
	db, err := docstore.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s document store: %w", cfg.Store.Engine, err)
	}
	opts := append(gridfs.OptionsFromConfig(cfg.Bucket), gridfs.BucketName(name))
	b, err := gridfs.NewBucket(db, opts...)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return b, func() { db.Close() }, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runExport(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	flags := newFlagSet("export", &c)
	key := flags.StringP("key", "k", "", "archive key (default: <bucket>/<timestamp>.gsa)")
	compression := flags.String("compression", "", "frame codec: none, zstd, lz4 (default: archive.compression)")
	filename := flags.String("filename", "", "only export uploads of this filename")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	if *compression == "" {
		*compression = cfg.Archive.Compression
	}
	comp, err := archive.ParseCompression(*compression)
	if err != nil {
		return err
	}

	b, closeDB, err := openBucket(ctx, cfg, c.bucket)
	if err != nil {
		return err
	}
	defer closeDB()
	backend, release, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	if *key == "" {
		*key = archive.Key(c.bucket, time.Now())
	}
	opts := archive.ExportOptions{Compression: comp}
	if *filename != "" {
		opts.Filter = docstore.Eq("filename", *filename)
	}
	sum, size, err := archive.ExportTo(ctx, b, backend, *key, opts)
	if err != nil {
		return err
	}
	slog.Info("Export finished", "bucket", c.bucket, "key", *key, "files", sum.Files, "archive_bytes", size)
	return printJSON(stdout, struct {
		Key     string          `json:"key"`
		Size    int64           `json:"size"`
		Summary archive.Summary `json:"summary"`
	}{*key, size, sum})
}

func runImport(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	flags := newFlagSet("import", &c)
	key := flags.StringP("key", "k", "", "archive key (default: the newest archive of the bucket)")
	replace := flags.Bool("replace", false, "replace files that already exist instead of skipping them")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}

	backend, release, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()
	if *key == "" {
		if *key, err = archive.Latest(ctx, backend, c.bucket); err != nil {
			return fmt.Errorf("finding newest archive of %q: %w", c.bucket, err)
		}
	}

	b, closeDB, err := openBucket(ctx, cfg, c.bucket)
	if err != nil {
		return err
	}
	defer closeDB()

	sum, err := archive.ImportFrom(ctx, b, backend, *key, archive.ImportOptions{Replace: *replace})
	if err != nil {
		return err
	}
	slog.Info("Import finished", "bucket", c.bucket, "key", *key, "files", sum.Files, "skipped", sum.Skipped)
	return printJSON(stdout, struct {
		Key     string          `json:"key"`
		Summary archive.Summary `json:"summary"`
	}{*key, sum})
}

func runList(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	flags := newFlagSet("list", &c)
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	backend, release, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	infos, err := archive.List(ctx, backend, c.bucket)
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Fprintf(stdout, "%s\t%d\n", info.Key, info.Size)
	}
	return nil
}

func runInspect(ctx context.Context, args []string, stdout io.Writer) error {
	var c common
	flags := newFlagSet("inspect", &c)
	key := flags.StringP("key", "k", "", "archive key (default: the newest archive of the bucket)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	backend, release, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()
	if *key == "" {
		if *key, err = archive.Latest(ctx, backend, c.bucket); err != nil {
			return fmt.Errorf("finding newest archive of %q: %w", c.bucket, err)
		}
	}

	rc, _, err := backend.Get(ctx, *key)
	if err != nil {
		return err
	}
	defer rc.Close()
	hdr, entries, err := archive.Inspect(rc)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	return printJSON(stdout, struct {
		Key    string          `json:"key"`
		Header archive.Header  `json:"header"`
		Files  []archive.Entry `json:"files"`
	}{*key, hdr, entries})
}
