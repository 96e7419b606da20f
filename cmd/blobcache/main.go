// Command blobcache stores binary payloads behind a bounded-wait persistent
// write with an on-disk fallback tier, and exposes the cache operations for
// scripting and inspection.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/blobcache/blobs"
)

var version = "dev"

// CLI holds the global flags and commands.
type CLI struct {
	Config kong.ConfigFlag `help:"JSONC configuration file." placeholder:"FILE"`

	DB               string        `name:"db" default:"blobcache.db" env:"BLOBCACHE_DB" help:"Persistent store database path."`
	FallbackDir      string        `default:"blobcache-fallback" env:"BLOBCACHE_FALLBACK_DIR" help:"Fallback tier directory."`
	FallbackCapacity int64         `default:"5242880" env:"BLOBCACHE_FALLBACK_CAPACITY" help:"Fallback tier capacity in bytes (0 for unbounded)."`
	PersistTimeout   time.Duration `default:"3s" env:"BLOBCACHE_PERSIST_TIMEOUT" help:"How long a save waits for the persistent store before degrading."`
	LogLevel         string        `default:"info" enum:"debug,info,warn,error" env:"BLOBCACHE_LOG_LEVEL" help:"Log level (${enum})."`
	LogFormat        string        `default:"text" enum:"text,json" env:"BLOBCACHE_LOG_FORMAT" help:"Log format (${enum})."`
	OTLPEndpoint     string        `name:"otlp-endpoint" env:"BLOBCACHE_OTLP_ENDPOINT" help:"OTLP gRPC metrics endpoint (host:port)."`
	MetricsAddr      string        `env:"BLOBCACHE_METRICS_ADDR" help:"Address to serve Prometheus metrics on."`

	TableField map[string]string `name:"table-field" env:"BLOBCACHE_TABLE_FIELD" placeholder:"TABLE=FIELD" help:"Record field holding the payload for tables that do not use \"data\"."`

	Version kong.VersionFlag `help:"Print version and exit."`

	Put       PutCmd       `cmd:"" help:"Save a file as a blob."`
	Get       GetCmd       `cmd:"" help:"Write a blob's bytes."`
	Preload   PreloadCmd   `cmd:"" help:"Warm the cache for a table."`
	Ref       RefCmd       `cmd:"" help:"Encode or decode blob references."`
	Reconcile ReconcileCmd `cmd:"" help:"Promote fallback entries to the persistent store."`
	Watch     WatchCmd     `cmd:"" help:"Log cache broadcasts until interrupted."`
}

func main() {
	if err := run(os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("blobcache"),
		kong.Description("Blob storage cache with a persistent tier and a fallback tier."),
		kong.UsageOnError(),
		kong.Configuration(JSONC),
		kong.Vars{"version": version},
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}

	rt := &runtime{ctx: ctx, cli: &cli, logger: logger, out: os.Stdout}
	defer rt.close()

	return kctx.Run(rt)
}

func (c *CLI) managerOptions() []blobs.Option {
	opts := []blobs.Option{
		blobs.WithPersistTimeout(c.PersistTimeout),
	}
	for table, field := range c.TableField {
		opts = append(opts, blobs.WithTableField(table, field))
	}
	return opts
}
