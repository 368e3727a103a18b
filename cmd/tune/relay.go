package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/zsiec/tune/internal/certs"
	"github.com/zsiec/tune/internal/decoder"
	"github.com/zsiec/tune/internal/graph"
	"github.com/zsiec/tune/internal/node"
	"github.com/zsiec/tune/internal/nodes"
	"github.com/zsiec/tune/internal/relay"
)

var relayFlags struct {
	output      string
	addr        string
	fingerprint string
	streamKey   string
	raw         bool
}

var relayCmd = &cobra.Command{
	Use:   "relay <file|srt://addr>",
	Short: "Forward an input as RTP over QUIC, or decode it to a WAV file",
	Long: `relay parses the input into frames and sends them to a relay server
(see serve-quic) as RTP packets, or as plain frames with --raw.

With --output, or TUNE_OUTPUT, the frames are decoded instead and written
to that path as a WAV file. No audio decoder is built in: the file holds
silence with the stream's length, sample rate and channel count.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		if f.Changed("output") {
			cfg.Output = relayFlags.output
		}
		if f.Changed("addr") {
			cfg.QUIC.Addr = relayFlags.addr
		}
		if f.Changed("fingerprint") {
			cfg.QUIC.Fingerprint = relayFlags.fingerprint
		}
		if f.Changed("stream-key") {
			cfg.QUIC.StreamKey = relayFlags.streamKey
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		log := slog.Default()
		b := graph.New(cfg, log)

		var (
			opts graph.Options
			tail []node.Node
			sent func() uint64
		)
		if cfg.Output != "" {
			opts.Decode = true
			opts.Engine = &decoder.SilenceEngine{}
			log.Warn("no audio decoder built in, writing silence", "output", cfg.Output)
			tail = []node.Node{nodes.NewWAVFormatter(log), nodes.NewFileOutput(cfg.Output, log)}
		} else {
			tlsConf, err := certs.PinnedClientConfig(cfg.QUIC.Fingerprint, relay.ALPN)
			if err != nil {
				return err
			}
			if cfg.QUIC.Fingerprint == "" {
				log.Warn("no relay fingerprint configured, accepting any certificate")
			}
			out := nodes.NewQUICOutput(nodes.QUICConfig{
				Addr:      cfg.QUIC.Addr,
				TLS:       tlsConf,
				StreamKey: cfg.QUIC.StreamKey,
				TypeName:  b.Registry().MIME,
			}, log)
			if err := out.Open(ctx); err != nil {
				return err
			}
			sent = out.Sent
			if !relayFlags.raw {
				rtpOpts := []func(*nodes.RTPFormatter){nodes.RTPOptLogger(log)}
				if cfg.RTP.MTU > 0 {
					rtpOpts = append(rtpOpts, nodes.RTPOptMTU(cfg.RTP.MTU))
				}
				if cfg.RTP.SSRC != 0 {
					rtpOpts = append(rtpOpts, nodes.RTPOptSSRC(cfg.RTP.SSRC))
				}
				tail = append(tail, nodes.NewRTPFormatter(rtpOpts...))
			}
			tail = append(tail, out)
			log.Info("relaying", "addr", cfg.QUIC.Addr, "stream_key", out.StreamKey(), "rtp", !relayFlags.raw)
		}

		st, err := b.Build(ctx, args[0], opts, tail)
		if err != nil {
			for _, n := range tail {
				_ = n.Deactivate()
			}
			return err
		}
		defer st.Close()
		if err := st.Run(ctx); err != nil {
			return err
		}

		if sent != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d packets\n", sent())
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (silence)\n", cfg.Output)
		}
		return nil
	},
}

func init() {
	f := relayCmd.Flags()
	f.StringVarP(&relayFlags.output, "output", "o", "", "write a silent WAV file of the input's length instead of relaying")
	f.StringVar(&relayFlags.addr, "addr", "", "relay server address")
	f.StringVar(&relayFlags.fingerprint, "fingerprint", "", "relay certificate SHA-256 fingerprint (hex)")
	f.StringVar(&relayFlags.streamKey, "stream-key", "", "stream key at the relay")
	f.BoolVar(&relayFlags.raw, "raw", false, "send parsed frames without RTP packetization")
}
