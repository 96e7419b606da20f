package main

import (
	"bytes"
	"fmt"
	"io"

	"github.com/alecthomas/kong"
	"github.com/tailscale/hujson"
)

// JSONC is a kong configuration loader that accepts JSON with comments and
// trailing commas. Keys are flag names with dashes as underscores, for example:
//
//	{
//	  // where records live
//	  "db": "/var/lib/blobcache/blobs.db",
//	  "fallback_capacity": 10485760,
//	}
func JSONC(r io.Reader) (kong.Resolver, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	b, err = hujson.Standardize(b)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return kong.JSON(bytes.NewReader(b))
}
