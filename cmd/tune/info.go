package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zsiec/tune/internal/graph"
	"github.com/zsiec/tune/internal/node"
	"github.com/zsiec/tune/internal/nodes"
)

var infoDecode bool

var infoCmd = &cobra.Command{
	Use:   "info <file|srt://addr>",
	Short: "Scan every frame of an input and print its stream information",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		b := graph.New(cfg, slog.Default())
		out := nodes.NewNullOutput(slog.Default())
		st, err := b.Build(ctx, args[0], graph.Options{Decode: infoDecode}, []node.Node{out})
		if err != nil {
			return err
		}
		defer st.Close()

		start := time.Now()
		if err := st.Run(ctx); err != nil {
			return err
		}
		packets, bytes, eos := out.Counts()
		if eos {
			packets--
		}
		printInfo(cmd.OutOrStdout(), args[0], st.Info(), packets, bytes, infoDecode)
		slog.Debug("scan done", "elapsed", time.Since(start))
		return nil
	},
}

func init() {
	infoCmd.Flags().BoolVar(&infoDecode, "decode", false, "run the decoder and count PCM output")
}

func printInfo(w io.Writer, input string, info node.StreamInfo, packets, bytes int64, decoded bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "input\t%s\n", input)
	if info.Mask&node.InfoDataType != 0 {
		fmt.Fprintf(tw, "type\t%s\n", info.DataType)
	}
	if info.Mask&node.InfoSize != 0 {
		fmt.Fprintf(tw, "size\t%s\n", byteSize(info.Size))
	}
	if info.Mask&node.InfoSampleRate != 0 {
		fmt.Fprintf(tw, "sample rate\t%d Hz\n", info.SampleRate)
	}
	if info.Mask&node.InfoChannels != 0 {
		fmt.Fprintf(tw, "channels\t%d\n", info.Channels)
	}
	if info.Mask&node.InfoNominalBitrate != 0 {
		fmt.Fprintf(tw, "bitrate\t%d kbit/s\n", info.NominalBitrate/1000)
	}
	if info.Mask&node.InfoAverageBitrate != 0 {
		fmt.Fprintf(tw, "average bitrate\t%d kbit/s\n", info.AverageBitrate/1000)
	}
	if info.Mask&node.InfoVBR != 0 {
		fmt.Fprintf(tw, "vbr\t%v\n", info.VBR)
	}
	if info.Mask&node.InfoDuration != 0 {
		fmt.Fprintf(tw, "duration\t%s\n", info.Duration.Round(time.Millisecond))
	}
	if decoded {
		fmt.Fprintf(tw, "pcm packets\t%d\n", packets)
		fmt.Fprintf(tw, "pcm data\t%s\n", byteSize(bytes))
	} else {
		fmt.Fprintf(tw, "frames\t%d\n", packets)
		fmt.Fprintf(tw, "frame data\t%s\n", byteSize(bytes))
	}
}

func byteSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB (%d bytes)", float64(n)/float64(div), "KMGTPE"[exp], n)
}
