// Command relaymqd runs a single relaymq broker node.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/relaymq/broker/broker"
	"github.com/relaymq/broker/cluster"
	"github.com/relaymq/broker/config"
	"github.com/relaymq/broker/network"
	"github.com/relaymq/broker/pkg/logger"
	"github.com/relaymq/broker/qos"
)

func main() {
	path := flag.String("config", "./config/relaymqd.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(cfg.Log.Level))
	log := logger.NewSlogLogger(level, os.Stdout).Logger()

	if err := run(cfg, log); err != nil {
		log.Error("relaymqd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	sessionStore, err := config.BuildSessionStore(cfg)
	if err != nil {
		return err
	}
	retainedStore := config.BuildRetainedStore()

	hooks, err := config.BuildHooks(cfg)
	if err != nil {
		return err
	}

	var metrics *broker.Metrics
	if cfg.Metrics.Enabled {
		metrics = broker.NewMetrics(prometheus.DefaultRegisterer)
	}

	var report *broker.Reporter
	if cfg.Sentry.DSN != "" {
		report, err = broker.NewReporter(cfg.Sentry.DSN, cfg.Sentry.Environment, "")
		if err != nil {
			log.Warn("sentry init failed, continuing without error reporting", "error", err)
		}
	}

	caps := broker.Capabilities{
		ReceiveMaximum:           cfg.Capabilities.ReceiveMaximum,
		MaximumQoS:               cfg.Capabilities.MaximumQoS,
		MaximumPacketSize:        cfg.Capabilities.MaximumPacketSize,
		TopicAliasMaximum:        cfg.Capabilities.TopicAliasMaximum,
		RetainAvailable:          cfg.Capabilities.RetainAvailable,
		WildcardSubAvailable:     cfg.Capabilities.WildcardSubAvailable,
		SharedSubAvailable:       cfg.Capabilities.SharedSubAvailable,
		SubscriptionIDAvailable:  cfg.Capabilities.SubscriptionIDAvailable,
		MaxSessionExpiryInterval: cfg.Capabilities.MaxSessionExpiryInterval,
		ServerKeepAlive:          cfg.Capabilities.ServerKeepAlive,
	}

	var peers *cluster.Peers
	if cfg.Cluster.Enabled {
		peers, err = cluster.NewPeers(cluster.Config{
			NodeID:  cfg.Cluster.NodeID,
			Address: cfg.Cluster.Address,
			Peers:   cfg.Cluster.Peers,
			Logger:  log,
			Metrics: metrics,
		})
		if err != nil {
			return err
		}
	}

	b := broker.New(broker.Config{
		Capabilities:   caps,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
		SessionStore:   sessionStore,
		RetainedStore:  retainedStore,
		Hooks:          hooks,
		Logger:         log,
		Metrics:        metrics,
		Report:         report,
		QoSConfig:      qos.DefaultConfig(),
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		NodeID:         cfg.Cluster.NodeID,
	})

	if peers != nil {
		peers.Attach(b)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return serveBroker(ctx, b, cfg.Listeners, cfg.SelectTickMs, log, peers)
	})

	if peers != nil {
		group.Go(func() error { return peers.Run(ctx) })
	}

	if metrics != nil && cfg.Metrics.Address != "" {
		group.Go(func() error { return serveMetrics(ctx, cfg.Metrics.Address, metrics) })
	}

	<-ctx.Done()
	if report != nil {
		report.Flush(2 * time.Second)
	}

	return group.Wait()
}

// serveBroker builds every configured listener and runs them all behind
// one Reactor, so the broker's session/subscription/retained state is
// only ever touched from the single goroutine Run owns — regardless of
// how many addresses (plain, TLS, or both) the broker accepts on.
func serveBroker(ctx context.Context, b *broker.Broker, listens []config.Listen, selectTickMs int, log *slog.Logger, peers *cluster.Peers) error {
	lns := make([]*network.Listener, 0, len(listens))
	for _, l := range listens {
		lnCfg := network.DefaultListenerConfig(l.Address)
		if l.CertFile != "" && l.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(l.CertFile, l.KeyFile)
			if err != nil {
				return err
			}
			lnCfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		}

		ln, err := network.NewListener(lnCfg, nil)
		if err != nil {
			return err
		}
		log.Info("listening", "address", l.Address, "tls", lnCfg.TLSConfig != nil)
		lns = append(lns, ln)
	}

	poller, err := network.NewPoller(network.DefaultPollerConfig())
	if err != nil {
		return err
	}

	var clusterDrain func()
	if peers != nil {
		clusterDrain = peers.Drain
	}

	r := broker.NewReactor(b, broker.ReactorConfig{
		Listeners:    lns,
		Poller:       poller,
		TickBudget:   time.Duration(selectTickMs) * time.Millisecond,
		ClusterDrain: clusterDrain,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run() }()

	select {
	case <-ctx.Done():
		r.Stop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func serveMetrics(ctx context.Context, addr string, m *broker.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
