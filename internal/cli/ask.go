package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/ranya-runtime/internal/daemon"
	"github.com/harun/ranya-runtime/pkg/agent"
	"github.com/harun/ranya-runtime/pkg/channels"
)

const askChannel = "cli"

var (
	askSession string
	askJSON    bool
)

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Run one streaming completion",
	Long: `Send one prompt to the configured streaming endpoint and echo the reply as
it arrives. Without arguments the prompt is read from stdin.`,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "cli", "session key")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the final result as JSON instead of streaming text")
	rootCmd.AddCommand(askCmd)
}

// streamRestarted separates the text of a failed attempt from the retry
// that replaces it.
const streamRestarted = "\n[stream restarted]\n"

// echoSink writes streamed chunks to the command output.
type echoSink struct {
	out   io.Writer
	dirty bool // text written since the last restart
}

func (s *echoSink) Deliver(context.Context, channels.Reply) error {
	return nil
}

func (s *echoSink) DeliverChunk(_ context.Context, chunk channels.Chunk) error {
	if chunk.Reset {
		if !s.dirty {
			return nil
		}
		s.dirty = false
		_, err := io.WriteString(s.out, streamRestarted)
		return err
	}
	if chunk.Text == "" {
		return nil
	}
	s.dirty = true
	_, err := io.WriteString(s.out, chunk.Text)
	return err
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	prompt := strings.Join(args, " ")
	if prompt == "" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read prompt: %w", err)
		}
		prompt = string(data)
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt is empty")
	}

	cfg.Logging.Console = true
	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	provider, err := agent.NewOpenAIProvider(agent.OpenAIOptions{
		BaseURL: cfg.Stream.BaseURL,
		APIKey:  cfg.Stream.APIKey,
		Timeout: time.Duration(cfg.Stream.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	runnerCfg := agent.Config{
		Provider:     provider,
		Model:        cfg.Stream.Model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Temperature:  cfg.Agent.Temperature,
		MaxTokens:    cfg.Agent.MaxTokens,
		MaxHistory:   cfg.Agent.MaxHistory,
		Retry:        daemon.StreamRetryPolicy(cfg.Stream, log.Ptr()),
		Logger:       log.Ptr(),
	}
	if !askJSON {
		runnerCfg.Replies = &echoSink{out: out}
	}
	runner, err := agent.NewRunner(runnerCfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result, err := runner.Run(ctx, agent.RunParams{
		SessionKey: askSession,
		Channel:    askChannel,
		Prompt:     prompt,
	})
	if err != nil {
		return err
	}

	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	for _, tc := range result.ToolCalls {
		fmt.Fprintf(out, "\n[tool call %s %s(%s)]", tc.ID, tc.Name, tc.Arguments)
	}
	fmt.Fprintln(out)
	return nil
}
