// Package fmtad wires every built package into a single running MTA:
// DNS resolver, SPF/DKIM/DMARC engines, the plain and implicit-TLS
// listeners, and the storage/relay workers. It replaces the teacher's
// single-daemon daemon/smtpd/smtpd.go Initialise/StartAndBlock/Stop
// lifecycle with one that starts two listeners and two workers and
// stops them together, since wire.Listener already owns the accept
// loop the teacher's StartAndBlock used to run directly.
package fmtad

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/fannst/fmta/addr"
	"github.com/fannst/fmta/config"
	"github.com/fannst/fmta/dkim"
	"github.com/fannst/fmta/dmarc"
	"github.com/fannst/fmta/dnsresolver"
	"github.com/fannst/fmta/global"
	"github.com/fannst/fmta/lalog"
	"github.com/fannst/fmta/mailstore"
	"github.com/fannst/fmta/metrics"
	"github.com/fannst/fmta/relay"
	"github.com/fannst/fmta/smtpd"
	"github.com/fannst/fmta/spf"
	"github.com/fannst/fmta/wire"
	"github.com/fannst/fmta/workers"
)

// Daemon bundles every long-running piece FMTA needs: two listeners
// (plain+STARTTLS, implicit TLS) and two background workers (storage,
// relay), all constructed once from Config and a driver pair (spec.md
// §1 Non-goals: the Cassandra/Redis drivers themselves are supplied by
// the caller, never by this package).
type Daemon struct {
	Config  *config.Config
	Logger  *lalog.Logger
	Metrics *metrics.Registry

	plainListener *wire.Listener
	tlsListener   *wire.Listener

	storageLoop *workers.Loop[relay.SessionHandoff]
	relayLoop   *workers.Loop[relay.SessionHandoff]
}

// New constructs every component spec.md §2's component table lists
// and wires them together: the DNS resolver backs SPF, DKIM, DMARC,
// and the relay client's target resolution; the storage and relay
// workers are generic workers.Loop instances fed by the smtpd daemon's
// Enqueue hook.
func New(cfg *config.Config, store mailstore.Store, cache mailstore.SessionCache, authenticate func(identity, username, password string) (string, error)) (*Daemon, error) {
	cfg.EnsureDefaults()
	logger := lalog.DefaultLogger
	reg := metrics.New(nil)

	resolver := dnsresolver.NewResolver(nil, reg)

	authPipeline := &smtpd.AuthPipeline{
		SPF:   &spf.Evaluator{Resolver: resolver, Metrics: reg},
		DKIM:  &dkim.Verifier{Resolver: resolver},
		DMARC: &dmarc.Evaluator{Resolver: resolver},
	}

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	signer, err := relay.LoadSigner(cfg.ServerDomain, cfg.DKIMSelector, cfg.DKIMPrivateKeyFile)
	if err != nil {
		return nil, err
	}

	relayClient := &relay.Client{
		Resolver:   resolver,
		TLSConfig:  tlsConfig,
		HELODomain: cfg.ServerDomain,
		Logger:     logger,
		Metrics:    reg,
		Signer:     signer,
	}

	bounceFrom, err := parseBounceFromAddress(cfg)
	if err != nil {
		return nil, err
	}

	storageWorker := &workers.StorageWorker{Store: store, Cache: cache, Logger: logger, Metrics: reg}
	relayWorker := &workers.RelayWorker{Client: relayClient, BounceFromAddress: bounceFrom}

	storageLoop := &workers.Loop[relay.SessionHandoff]{
		Handle:        storageWorker.Handle,
		HighWaterMark: cfg.StorageQueueHighWaterMark,
	}
	relayLoop := &workers.Loop[relay.SessionHandoff]{
		Handle:        relayWorker.Handle,
		HighWaterMark: cfg.RelayQueueHighWaterMark,
	}

	enqueue := func(_ context.Context, handoff relay.SessionHandoff) error {
		if len(handoff.StorageTargets) > 0 {
			if err := storageLoop.Enqueue(handoff); err != nil {
				return err
			}
		}
		if len(handoff.RelayTargets) > 0 {
			if err := relayLoop.Enqueue(handoff); err != nil {
				return err
			}
		}
		return nil
	}

	plainDaemon := &smtpd.Daemon{
		Config:       cfg,
		Logger:       logger,
		Metrics:      reg,
		Store:        store,
		Cache:        cache,
		AuthPipeline: authPipeline,
		Blacklist:    resolver,
		TLSConfig:    tlsConfig,
		Authenticate: authenticate,
		Enqueue:      enqueue,
		ListenerPort: cfg.PlainPort,
	}
	tlsDaemon := &smtpd.Daemon{
		Config:       cfg,
		Logger:       logger,
		Metrics:      reg,
		Store:        store,
		Cache:        cache,
		AuthPipeline: authPipeline,
		Blacklist:    resolver,
		TLSConfig:    tlsConfig,
		Authenticate: authenticate,
		Enqueue:      enqueue,
		ListenerPort: cfg.ImplicitTLSPort,
	}

	return &Daemon{
		Config:  cfg,
		Logger:  logger,
		Metrics: reg,
		plainListener: &wire.Listener{
			Name:        "smtp-plain",
			Addr:        cfg.PlainAddr,
			Port:        cfg.PlainPort,
			App:         plainDaemon,
			LimitPerSec: cfg.ConnectionRateLimitPerSecond,
			Logger:      logger,
		},
		tlsListener: &wire.Listener{
			Name:        "smtp-implicit-tls",
			Addr:        cfg.ImplicitTLSAddr,
			Port:        cfg.ImplicitTLSPort,
			App:         tlsDaemon,
			LimitPerSec: cfg.ConnectionRateLimitPerSecond,
			TLSConfig:   tlsConfig,
			Logger:      logger,
		},
		storageLoop: storageLoop,
		relayLoop:   relayLoop,
	}, nil
}

func loadTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("fmtad: loading TLS certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, ServerName: cfg.ServerDomain}, nil
}

func parseBounceFromAddress(cfg *config.Config) (addr.Address, error) {
	if cfg.BounceFromAddress == "" {
		return addr.Address{}, nil
	}
	a, err := addr.Parse(cfg.BounceFromAddress)
	if err != nil {
		return addr.Address{}, fmt.Errorf("fmtad: bounce-from-address %q: %w", cfg.BounceFromAddress, err)
	}
	return a, nil
}

// Start binds both listener sockets. Call Serve afterward to run the
// accept loops and workers; splitting the two lets a caller confirm
// the ports bound before blocking.
func (d *Daemon) Start() error {
	if err := d.plainListener.Start(); err != nil {
		return err
	}
	if err := d.tlsListener.Start(); err != nil {
		d.plainListener.Stop()
		return err
	}
	return nil
}

// Serve blocks running both listeners' accept loops and both workers'
// drain loops until Stop is called or global.TriggerShutdown fires.
func (d *Daemon) Serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.storageLoop.Run(ctx)
	go d.relayLoop.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- d.plainListener.Serve() }()
	go func() { errCh <- d.tlsListener.Serve() }()

	err := <-errCh
	d.Stop()
	if second := <-errCh; second != nil && err == nil {
		err = second
	}
	return err
}

// Stop closes both listeners and signals both workers to drain and
// exit (spec.md §5 "a run-flag is checked between iterations").
func (d *Daemon) Stop() {
	global.TriggerShutdown()
	d.plainListener.Stop()
	d.tlsListener.Stop()
	d.storageLoop.Stop()
	d.relayLoop.Stop()
}
