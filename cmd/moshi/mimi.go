package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/go-moshi/internal/audio"
	"github.com/example/go-moshi/internal/mimi"
	"github.com/example/go-moshi/internal/runtime/tensor"
	"github.com/example/go-moshi/internal/safetensors"
	"github.com/example/go-moshi/internal/stream"
	"github.com/spf13/cobra"
)

func newMimiCmd() *cobra.Command {
	var (
		in       string
		out      string
		codesIn  string
		codesOut string
		chunk    int
	)

	cmd := &cobra.Command{
		Use:   "mimi",
		Short: "Stream a WAV through the Mimi codec (encode, decode or both)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if in == "" && codesIn == "" {
				return fmt.Errorf("either --in or --codes-in is required")
			}
			if in != "" && codesIn != "" {
				return fmt.Errorf("--in and --codes-in are mutually exclusive")
			}
			if out == "" && codesOut == "" {
				return fmt.Errorf("nothing to do: set --out and/or --codes-out")
			}
			if chunk <= 0 {
				chunk = cfg.Audio.ChunkSize
			}

			s, err := loadCodec(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			var codes [][]int
			if codesIn != "" {
				var rows [][]int
				rows, _, err = safetensors.ReadCodes(codesIn)
				codes = transposeCodes(rows)
			} else {
				var pcm []float32
				if pcm, err = readInputWAV(in, cfg.Audio.Channel, cmd.InOrStdin()); err != nil {
					return err
				}
				codes, err = encodeStreaming(s.codec, pcm, chunk)
			}
			if err != nil {
				return err
			}

			if len(codes) == 0 {
				return fmt.Errorf("input is shorter than one %d-sample frame", s.codec.Config().FrameSize())
			}

			if codesOut != "" {
				meta := map[string]string{
					"sample_rate": strconv.Itoa(audio.ExpectedSampleRate),
					"frame_size":  strconv.Itoa(s.codec.Config().FrameSize()),
					"codebooks":   strconv.Itoa(s.codec.NumCodebooks()),
				}
				if err := safetensors.WriteCodes(codesOut, transposeCodes(codes), meta); err != nil {
					return err
				}
			}

			if out == "" {
				return nil
			}

			pcm, err := decodeStreaming(s.codec, codes)
			if err != nil {
				return err
			}
			return writeOutputWAV(out, pcm, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Input WAV (any rate/channels; - for stdin)")
	cmd.Flags().StringVar(&out, "out", "", "Output WAV of the decoded codes (- for stdout)")
	cmd.Flags().StringVar(&codesIn, "codes-in", "", "Decode codes from a safetensors file instead of encoding --in")
	cmd.Flags().StringVar(&codesOut, "codes-out", "", "Write the encoded codes as safetensors")
	cmd.Flags().IntVar(&chunk, "chunk", 0, "Samples per streaming chunk (0 = audio.chunk_size)")

	return cmd
}

// encodeStreaming feeds pcm to the codec chunk by chunk, as a live capture
// would, and returns every completed frame.
func encodeStreaming(codec *mimi.Mimi, pcm []float32, chunk int) ([][]int, error) {
	codec.ResetState()
	start := time.Now()

	var frames [][]int
	for _, c := range chunks(pcm, chunk) {
		x, err := tensor.New(c, []int64{1, 1, int64(len(c))})
		if err != nil {
			return nil, err
		}
		got, err := codec.EncodeStep(stream.Present(x))
		if err != nil {
			return nil, err
		}
		frames = append(frames, got...)
	}

	slog.Info("encoded", "samples", len(pcm), "frames", len(frames), "duration_ms", time.Since(start).Milliseconds())
	return frames, nil
}

// decodeStreaming decodes one frame per step.
func decodeStreaming(codec *mimi.Mimi, frames [][]int) ([]float32, error) {
	codec.ResetState()
	start := time.Now()

	var pcm []float32
	for i := range frames {
		got, err := codec.DecodeStep(frames[i : i+1])
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		if t := got.Tensor(); t != nil {
			pcm = append(pcm, t.RawData()...)
		}
	}

	slog.Info("decoded", "frames", len(frames), "samples", len(pcm), "duration_ms", time.Since(start).Milliseconds())
	return pcm, nil
}

// transposeCodes swaps frame-major [steps][codebooks] codes and the
// codebook-major [codebooks][steps] layout of the codes file.
func transposeCodes(in [][]int) [][]int {
	if len(in) == 0 {
		return nil
	}
	out := make([][]int, len(in[0]))
	for k := range out {
		out[k] = make([]int, len(in))
		for t := range in {
			out[k][t] = in[t][k]
		}
	}
	return out
}
