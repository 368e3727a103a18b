package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tune/internal/graph"
	"github.com/zsiec/tune/internal/node"
	"github.com/zsiec/tune/internal/nodes"
	"github.com/zsiec/tune/internal/pipeline"
	"github.com/zsiec/tune/internal/player"
)

var playDecode bool

var playCmd = &cobra.Command{
	Use:   "play [file|srt://addr]",
	Short: "Drive a player from commands read on stdin",
	Long: `play hosts a player and reads one command per line:

  load <input>   replace the current input
  play           start or resume
  pause          hold at the current position
  stop           stop and rewind
  seek <dur>     move to a position such as 1m30s
  status         print the player state
  quit           shut down

Output is discarded; the player reports what it parsed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		log := slog.Default()
		b := graph.New(cfg, log)
		p := player.New(func(ctx context.Context, input string, opts ...func(*pipeline.Stream)) (*pipeline.Stream, error) {
			return b.Build(ctx, input, graph.Options{Decode: playDecode}, []node.Node{nodes.NewNullOutput(log)}, opts...)
		}, log)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return p.Run(ctx) })
		g.Go(func() error {
			defer cancel()
			if len(args) == 1 {
				if err := p.SetInput(ctx, args[0]); err != nil {
					return err
				}
				if err := p.Play(ctx); err != nil {
					return err
				}
			}
			return readCommands(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), p)
		})
		return g.Wait()
	},
}

func init() {
	playCmd.Flags().BoolVar(&playDecode, "decode", false, "decode frames to PCM")
}

// readCommands applies the commands read from r until quit, end of input,
// or ctx is done.
func readCommands(ctx context.Context, r io.Reader, w io.Writer, p *player.Player) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return p.Shutdown(ctx)
			}
			line = l
		}
		quit, err := runCommand(ctx, w, p, line)
		if err != nil {
			fmt.Fprintln(w, "error:", err)
		}
		if quit {
			return nil
		}
	}
}

func runCommand(ctx context.Context, w io.Writer, p *player.Player, line string) (bool, error) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)
	switch verb {
	case "":
		return false, nil
	case "load":
		if arg == "" {
			return false, errors.New("load needs an input")
		}
		return false, p.SetInput(ctx, arg)
	case "play":
		return false, p.Play(ctx)
	case "pause":
		return false, p.Pause(ctx)
	case "stop":
		return false, p.Stop(ctx)
	case "seek":
		ts, err := time.ParseDuration(arg)
		if err != nil {
			return false, fmt.Errorf("seek: %w", err)
		}
		return false, p.Seek(ctx, ts)
	case "status":
		printStatus(w, p.Snapshot())
		return false, nil
	case "quit", "exit":
		return true, p.Shutdown(ctx)
	}
	return false, fmt.Errorf("unknown command %q", verb)
}

func printStatus(w io.Writer, s player.Snapshot) {
	if s.StreamID == "" {
		fmt.Fprintln(w, "no input")
		return
	}
	fmt.Fprintf(w, "%s [%s] %s: %d packets", s.Input, s.StreamID, s.State, s.Packets)
	if s.Info.Duration > 0 {
		fmt.Fprintf(w, ", duration %s", s.Info.Duration.Round(time.Millisecond))
	}
	if s.Err != nil {
		fmt.Fprintf(w, ", error: %v", s.Err)
	}
	fmt.Fprintln(w)
}
