package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/ranya-runtime/pkg/retry"
	"github.com/harun/ranya-runtime/pkg/stream"
)

var replayChunks bool

var replayCmd = &cobra.Command{
	Use:   "replay <file|->",
	Short: "Assemble a captured SSE stream",
	Long: `Feed a captured chat completion event stream through the SSE decoder and
the stream assembler, then print the aggregated response as JSON. Use "-" to
read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayChunks, "chunks", false, "print every delta before the response")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	open := func(context.Context) (io.ReadCloser, error) {
		if args[0] == "-" {
			return io.NopCloser(cmd.InOrStdin()), nil
		}
		f, err := os.Open(args[0])
		if err != nil {
			return nil, retry.Permanent(err)
		}
		return f, nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	var onChunk func(stream.Delta)
	if replayChunks {
		onChunk = func(d stream.Delta) {
			fmt.Fprintln(out, describeDelta(d))
		}
	}

	driver, err := stream.NewDriver(stream.DriverConfig{
		Open:    open,
		Retry:   retry.Policy{MaxAttempts: 1, Name: "replay"},
		OnChunk: onChunk,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := driver.Drive(ctx)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	return enc.Encode(resp)
}

func describeDelta(d stream.Delta) string {
	switch d.Kind {
	case stream.DeltaContent:
		return fmt.Sprintf("%s %q", d.Kind, d.Text)
	case stream.DeltaToolCall:
		tc := d.ToolCall
		s := fmt.Sprintf("%s index=%d", d.Kind, tc.Index)
		if tc.ID != nil {
			s += fmt.Sprintf(" id=%q", *tc.ID)
		}
		if tc.FunctionName != nil {
			s += fmt.Sprintf(" name=%q", *tc.FunctionName)
		}
		if tc.Arguments != nil {
			s += fmt.Sprintf(" arguments=%q", *tc.Arguments)
		}
		return s
	default:
		return d.Kind.String()
	}
}
