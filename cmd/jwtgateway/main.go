// Command jwtgateway runs the multi-issuer JWT gateway and its admin
// endpoints.
//
// Configuration comes from GATEWAY_* environment variables, a properties file
// (GATEWAY_PROPERTIES_FILE) holding issuer.*, restapi.* and gateway.* keys,
// and an optional issuer YAML file (GATEWAY_ISSUER_YAML_FILE). Both files are
// watched and reloaded on change.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/jwtgateway/admin"
	"github.com/ggoodman/jwtgateway/broker"
	"github.com/ggoodman/jwtgateway/broker/memory"
	brokerredis "github.com/ggoodman/jwtgateway/broker/redis"
	"github.com/ggoodman/jwtgateway/gateway"
	"github.com/ggoodman/jwtgateway/internal/filewatch"
	"github.com/ggoodman/jwtgateway/internal/logctx"
	"github.com/ggoodman/jwtgateway/internal/props"
	"github.com/ggoodman/jwtgateway/issuer"
	"github.com/ggoodman/jwtgateway/keys"
	"github.com/ggoodman/jwtgateway/metrics"
	"github.com/ggoodman/jwtgateway/route"
	"github.com/ggoodman/jwtgateway/schema"
	"github.com/ggoodman/jwtgateway/token"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "jwtgateway:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.PropertiesFile != "" {
		in, err := props.ReadFile(cfg.PropertiesFile)
		if err != nil {
			return err
		}
		if cfg, err = cfg.Overlay(in); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log := logctx.New(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()})))
	slog.SetDefault(log)

	resolver := keys.NewResolver(
		keys.WithTTL(cfg.JWKSTTL),
		keys.WithFetchTimeout(cfg.JWKSFetchTimeout),
		keys.WithLogger(log),
	)
	keyWatcher, err := keys.NewFileWatcher(resolver, log, filewatch.DefaultDebounce)
	if err != nil {
		return err
	}
	defer keyWatcher.Close()

	rl := &reloader{
		log:        log,
		propsFile:  cfg.PropertiesFile,
		yamlFile:   cfg.IssuerYAMLFile,
		issuers:    issuer.NewRegistry(),
		routes:     route.NewRegistry(),
		schemas:    schema.NewCache(),
		resolver:   resolver,
		keyWatcher: keyWatcher,
	}
	if err := rl.reload(); err != nil {
		return err
	}

	b, closeBroker, err := newBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBroker()

	agg := metrics.New()
	validator := token.NewValidator(resolver, token.WithLeeway(cfg.TokenLeeway), token.WithLogger(log))
	opts := []gateway.Option{
		gateway.WithLogger(log),
		gateway.WithBroker(b),
		gateway.WithMetrics(agg),
		gateway.WithSchemaCache(rl.schemas),
		gateway.WithParserConfig(cfg.ParserConfig()),
		gateway.WithMaxRequestBytes(cfg.MaxRequestBytes),
		gateway.WithMaxQueueSize(cfg.MaxQueueSize),
		gateway.WithCORSOrigins(cfg.Origins()),
		gateway.WithRealm(cfg.Realm),
	}
	if cfg.ResourceMetadata {
		opts = append(opts, gateway.WithResourceMetadata(cfg.ResourceURL))
	}
	dispatcher := gateway.NewDispatcher(rl.issuers, rl.routes, validator, opts...)

	g, ctx := errgroup.WithContext(ctx)

	var tls gateway.TLSFiles
	if cfg.TLSEnabled {
		tls = gateway.TLSFiles{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile}
	}
	g.Go(func() error {
		return gateway.Serve(ctx, log, gateway.NewServer(cfg.Addr(), dispatcher), tls)
	})
	if cfg.AdminPort > 0 {
		ah := admin.New(resolver, rl.issuers, agg,
			admin.WithLogger(log),
			admin.WithBroker(b),
			admin.WithGoCollectors(),
		)
		g.Go(func() error {
			return gateway.Serve(ctx, log, gateway.NewServer(cfg.AdminAddr(), ah), gateway.TLSFiles{})
		})
	}

	g.Go(func() error { return ignoreCanceled(keyWatcher.Run(ctx)) })

	if files := rl.watched(); len(files) > 0 {
		cw, err := filewatch.New(log, filewatch.DefaultDebounce)
		if err != nil {
			return err
		}
		defer cw.Close()
		if _, err := cw.Set(files); err != nil {
			return err
		}
		g.Go(func() error {
			return ignoreCanceled(cw.Run(ctx, func(path string) {
				log.Info("config.file.changed", slog.String("path", path))
				_ = rl.reload()
			}))
		})
	}

	return g.Wait()
}

func newBroker(ctx context.Context, cfg gateway.Config) (broker.Broker, func(), error) {
	switch cfg.Broker {
	case gateway.BrokerRedis:
		rb := brokerredis.New(brokerredis.Config{Addr: cfg.RedisAddr})
		if err := rb.Ping(ctx); err != nil {
			_ = rb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return rb, func() { _ = rb.Close() }, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
