package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tune/internal/certs"
	"github.com/zsiec/tune/internal/relay"
)

var serveFlags struct {
	addr     string
	verbose  bool
	validity time.Duration
	interval time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve-quic",
	Short: "Receive relayed streams over QUIC and print their envelopes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr := cfg.QUIC.Addr
		if cmd.Flags().Changed("addr") {
			addr = serveFlags.addr
		}

		slog.Info("generating self-signed certificate")
		cert, err := certs.Generate(serveFlags.validity)
		if err != nil {
			return fmt.Errorf("generate certificate: %w", err)
		}
		slog.Info("certificate generated",
			"fingerprint", cert.FingerprintHex(),
			"expires", cert.NotAfter.Format(time.RFC3339),
		)

		p := &envelopePrinter{w: cmd.OutOrStdout(), verbose: serveFlags.verbose}
		srv, err := relay.NewServer(relay.ServerConfig{
			Addr:    addr,
			TLS:     cert.ServerConfig(relay.ALPN),
			Handler: p.handle,
		})
		if err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		slog.Info("tune relay starting", "version", version, "addr", addr)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.Start(ctx, nil)
		})
		g.Go(func() error {
			if serveFlags.interval <= 0 {
				return nil
			}
			t := time.NewTicker(serveFlags.interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					for _, s := range srv.Streams().List() {
						st := s.Stats()
						slog.Info("stream", "key", st.Key, "remote", st.RemoteAddr,
							"packets", st.Packets, "bytes", st.Bytes, "gaps", st.Gaps, "uptime_ms", st.UptimeMs)
					}
				}
			}
		})
		return g.Wait()
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.addr, "addr", "", "listen address (default from settings)")
	f.BoolVarP(&serveFlags.verbose, "verbose", "v", false, "print every envelope")
	f.DurationVar(&serveFlags.validity, "cert-validity", 14*24*time.Hour, "self-signed certificate validity")
	f.DurationVar(&serveFlags.interval, "stats-interval", 10*time.Second, "log stream counters this often, 0 to disable")
}

// envelopePrinter writes one line per envelope, or only stream ends unless
// verbose.
type envelopePrinter struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

func (p *envelopePrinter) handle(_ context.Context, s *relay.Stream, env *relay.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if env.EOS() {
		st := s.Stats()
		_, err := fmt.Fprintf(p.w, "%s: end of stream after %d packets, %d bytes, %d gaps\n",
			st.Key, st.Packets, st.Bytes, st.Gaps)
		return err
	}
	if !p.verbose {
		return nil
	}
	_, err := fmt.Fprintf(p.w, "%s #%d %s t=%s %d bytes\n",
		env.Stream, env.Seq, env.Type, env.Time(), len(env.Payload))
	return err
}
