// Package main is the fmtad entry point: it wires config.Load, the
// default in-memory mailstore, and daemon/fmtad.Daemon together behind
// a cobra root command, grounded on BadSMTP's cmd/root.go.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fannst/fmta/config"
	"github.com/fannst/fmta/daemon/fmtad"
	"github.com/fannst/fmta/lalog"
	"github.com/fannst/fmta/mailstore"
)

// DefaultShutdownTimeout bounds how long Stop is given to drain the
// storage and relay queues once a termination signal arrives.
const DefaultShutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:   "fmtad",
	Short: "fmtad is an Internet email MTA",
	Long:  "fmtad accepts mail over SMTP/ESMTP, authenticates senders via SPF/DKIM/DMARC, and stores or relays messages.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadFromDefaultFlagFile(cmd.PersistentFlags())
		if err != nil {
			return fmt.Errorf("fmtad: %w", err)
		}

		// The Cassandra/Redis-backed mailstore drivers are out of scope
		// (spec.md §1 Non-goals); fmtad runs against the in-memory
		// fakes until a real driver package is wired in by a caller
		// that imports this command's pieces directly.
		store := mailstore.NewMemoryStore()
		cache := mailstore.NewMemoryCache()

		daemon, err := fmtad.New(cfg, store, cache, nil)
		if err != nil {
			return fmt.Errorf("fmtad: %w", err)
		}

		if err := daemon.Start(); err != nil {
			return fmt.Errorf("fmtad: %w", err)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			lalog.DefaultLogger.Info("fmtad", nil, "shutdown signal received, draining queues")
			done := make(chan struct{})
			go func() {
				daemon.Stop()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(DefaultShutdownTimeout):
				lalog.DefaultLogger.Warning("fmtad", nil, "shutdown timed out after %s", DefaultShutdownTimeout)
			}
		}()

		return daemon.Serve()
	},
}

// RegisterFlags registers the root command's persistent flags. A
// standalone function rather than an init() so ordering is explicit
// in main().
func RegisterFlags() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Configuration file path")
	pf.String("server-domain", "", "This MTA's own domain")
	pf.String("node-name", "", "Instance name used in logs and metrics")
	pf.String("plain-addr", "", "Address for the STARTTLS-capable listener")
	pf.Int("plain-port", 0, "Port for the STARTTLS-capable listener")
	pf.String("implicit-tls-addr", "", "Address for the implicit-TLS listener")
	pf.Int("implicit-tls-port", 0, "Port for the implicit-TLS listener")
	pf.String("tls-cert-file", "", "Path to TLS certificate file")
	pf.String("tls-key-file", "", "Path to TLS private key file")
	pf.Int("max-message-size", 0, "Maximum DATA payload size in bytes")
	pf.String("dkim-selector", "", "DKIM selector for outbound signing")
	pf.String("dkim-private-key-file", "", "PEM-encoded RSA private key for outbound DKIM signing")
	pf.String("bounce-from-address", "", "Envelope sender address used for bounce messages")
	pf.Int("storage-queue-high-water-mark", 0, "Storage worker backpressure threshold")
	pf.Int("relay-queue-high-water-mark", 0, "Relay worker backpressure threshold")
	pf.Bool("allow-plaintext-auth", false, "Allow AUTH PLAIN outside of TLS")
}
