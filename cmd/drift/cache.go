package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/driftlabs/drift/cache"
	"github.com/driftlabs/drift/manifest"
)

// handleCacheCommand processes the `drift cache` subcommand.
// Usage:
//
//	drift cache ls                  # list cached programs
//	drift cache add out.dpb         # validate and store a container
//	drift cache rm 3f9a2c           # remove by hash prefix
//	drift cache prune 720h          # drop entries older than a duration
//	drift cache --db path/to.db ls  # explicit database
func handleCacheCommand(args []string, verbose bool) {
	var dbPath string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--db" {
			if i+1 >= len(args) {
				fatalf("--db requires a path")
			}
			dbPath = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	if len(rest) == 0 {
		fatalf("usage: drift cache <ls|add|rm|prune> [args]")
	}

	if dbPath == "" {
		path, err := defaultCachePath()
		if err != nil {
			fatalf("%v", err)
		}
		dbPath = path
	}
	if verbose {
		fmt.Printf("cache database: %s\n", dbPath)
	}

	c, err := cache.Open(dbPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer c.Close()

	switch rest[0] {
	case "ls":
		cacheLs(c)
	case "add":
		cacheAdd(c, rest[1:])
	case "rm":
		cacheRm(c, rest[1:])
	case "prune":
		cachePrune(c, rest[1:])
	default:
		fatalf("unknown cache subcommand %q", rest[0])
	}
}

// defaultCachePath resolves the cache database: the project's drift.toml
// when one is in scope, otherwise ~/.drift/cache.db.
func defaultCachePath() (string, error) {
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return "", err
	}
	if m != nil {
		if !m.CacheEnabled() {
			return "", fmt.Errorf("the compile cache is disabled in %s",
				filepath.Join(m.Dir, manifest.ManifestFile))
		}
		return m.CachePath(), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home dir: %w", err)
	}
	return filepath.Join(home, ".drift", "cache.db"), nil
}

func cacheLs(c *cache.Cache) {
	metas, err := c.List()
	if err != nil {
		fatalf("%v", err)
	}
	if len(metas) == 0 {
		fmt.Println("cache is empty")
		return
	}

	hash := color.New(color.FgYellow).SprintFunc()
	for _, m := range metas {
		name := m.Name
		if name == "" {
			name = "<module>"
		}
		fmt.Printf("%s  %-24s %-12s %8d bytes  %s\n",
			hash(cache.Key(m.Hash)[:12]), name, m.RuntimeTag, m.CodeSize,
			m.Built().Format(time.RFC3339))
	}
}

func cacheAdd(c *cache.Cache, args []string) {
	if len(args) != 1 {
		fatalf("usage: drift cache add <file.dpb>")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fatalf("%v", err)
	}
	meta, err := c.Put(data)
	if err != nil {
		fatalf("%s: %v", args[0], err)
	}
	fmt.Printf("cached %s (%s)\n", args[0], cache.Key(meta.Hash)[:12])
}

func cacheRm(c *cache.Cache, args []string) {
	if len(args) != 1 {
		fatalf("usage: drift cache rm <hash-prefix>")
	}
	hash, err := resolveHashPrefix(c, args[0])
	if err != nil {
		fatalf("%v", err)
	}
	if err := c.Delete(hash); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("removed %s\n", cache.Key(hash)[:12])
}

func cachePrune(c *cache.Cache, args []string) {
	maxAge := 30 * 24 * time.Hour
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			fatalf("invalid age %q: %v", args[0], err)
		}
		maxAge = d
	}
	n, err := c.Prune(time.Now().Add(-maxAge))
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("pruned %d programs\n", n)
}

// resolveHashPrefix expands a hash prefix to the full content hash of the
// single cached program it identifies.
func resolveHashPrefix(c *cache.Cache, prefix string) ([32]byte, error) {
	if len(prefix) == 64 {
		return cache.ParseKey(prefix)
	}
	metas, err := c.List()
	if err != nil {
		return [32]byte{}, err
	}
	var found [][32]byte
	for _, m := range metas {
		if strings.HasPrefix(cache.Key(m.Hash), strings.ToLower(prefix)) {
			found = append(found, m.Hash)
		}
	}
	switch len(found) {
	case 0:
		return [32]byte{}, fmt.Errorf("no cached program matches %q", prefix)
	case 1:
		return found[0], nil
	default:
		return [32]byte{}, fmt.Errorf("%d cached programs match %q, give more digits", len(found), prefix)
	}
}
