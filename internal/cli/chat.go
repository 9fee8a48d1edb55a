package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"portfolio-relay/internal/config"
	"portfolio-relay/internal/llm"
	"portfolio-relay/internal/logger"
	"portfolio-relay/internal/relay"

	"github.com/spf13/cobra"
)

type chatOptions struct {
	InputFile   string
	HistoryFile string
}

// newChatCmd sends one message through the same relay path the HTTP server
// uses and prints the streamed reply.
func newChatCmd() *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Ask the portfolio assistant a question from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.InputFile, "file", "F", "", "message file, use -F- for stdin")
	cmd.Flags().StringVar(&opts.HistoryFile, "history", "", "JSON file with earlier messages")
	return cmd
}

func runChat(cmd *cobra.Command, opts *chatOptions, args []string) error {
	input, err := readInput(args, opts.InputFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("input is required")
	}
	history, err := loadHistory(opts.HistoryFile)
	if err != nil {
		return err
	}
	history = append(history, llm.Message{Role: llm.RoleUser, Content: input})

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, closer, err := logger.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	r, err := newRelay(cfg, log)
	if err != nil {
		return err
	}
	stream, err := r.Open(cmd.Context(), history)
	if errors.Is(err, relay.ErrMisconfigured) {
		return fmt.Errorf("%w: set %s", err, config.CredentialEnv)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if _, err := r.Pipe(stream, out, nil); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}

func readInput(args []string, inputFile string, stdin io.Reader) (string, error) {
	if inputFile != "" && len(args) > 0 {
		return "", fmt.Errorf("message args and -F are mutually exclusive")
	}
	if inputFile == "" {
		if len(args) == 0 {
			return "", fmt.Errorf("missing message: provide args or -F")
		}
		return strings.Join(args, " "), nil
	}
	if inputFile == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return trimTrailingNewline(string(data)), nil
	}
	data, err := os.ReadFile(inputFile)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return trimTrailingNewline(string(data)), nil
}

func loadHistory(path string) ([]llm.Message, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	history, err := relay.ParseHistory(json.RawMessage(data))
	if err != nil {
		return nil, fmt.Errorf("parse history %s: %w", path, err)
	}
	return history, nil
}

func trimTrailingNewline(value string) string {
	return strings.TrimRight(value, "\r\n")
}
