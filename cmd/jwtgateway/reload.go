package main

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/jwtgateway/internal/props"
	"github.com/ggoodman/jwtgateway/issuer"
	"github.com/ggoodman/jwtgateway/keys"
	"github.com/ggoodman/jwtgateway/route"
	"github.com/ggoodman/jwtgateway/schema"
)

// reloader re-reads the configuration files and swaps the issuer and route
// snapshots. A failed read keeps the previous snapshots in place.
type reloader struct {
	log        *slog.Logger
	propsFile  string
	yamlFile   string
	issuers    *issuer.Registry
	routes     *route.Registry
	schemas    *schema.Cache
	resolver   *keys.Resolver
	keyWatcher *keys.FileWatcher

	mu sync.Mutex
}

func (rl *reloader) load() (map[string]string, issuer.ExternalSource, error) {
	in := map[string]string{}
	if rl.propsFile != "" {
		p, err := props.ReadFile(rl.propsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read properties: %w", err)
		}
		in = p
	}
	var ext issuer.ExternalSource
	if rl.yamlFile != "" {
		src, err := issuer.LoadYAMLFile(rl.yamlFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read issuer yaml: %w", err)
		}
		ext = src
	}
	return in, ext, nil
}

// reload applies the current file contents. Individual invalid issuers or
// routes are skipped by their parsers; only unreadable files fail.
func (rl *reloader) reload() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	in, ext, err := rl.load()
	if err != nil {
		rl.log.Error("config.reload.fail", slog.String("err", err.Error()))
		return err
	}

	cfgs := issuer.Resolve(rl.log, ext, in)
	if stale := rl.issuers.Swap(cfgs); len(stale) > 0 {
		rl.resolver.Evict(stale...)
		rl.log.Info("issuer.evict", slog.Any("issuers", stale))
	}
	if rl.keyWatcher != nil {
		if err := rl.keyWatcher.Sync(cfgs); err != nil {
			rl.log.Warn("keys.watch.fail", slog.String("err", err.Error()))
		}
	}

	rl.routes.Swap(route.Parse(in, rl.log))
	rl.schemas.Reset()

	rl.log.Info("config.reload.ok",
		slog.Int("issuers", len(cfgs)),
		slog.Int("routes", rl.routes.Load().Len()))
	return nil
}

// watched returns the files whose changes trigger a reload.
func (rl *reloader) watched() []string {
	var out []string
	for _, f := range []string{rl.propsFile, rl.yamlFile} {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
