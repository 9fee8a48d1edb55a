package cli

import (
	"errors"
	"fmt"
	"strings"

	"portfolio-relay/internal/config"
	"portfolio-relay/internal/llm"

	"github.com/spf13/cobra"
)

type llmOptions struct {
	Type   string
	Model  string
	URL    string
	Token  string
	Stream bool
}

func (o *llmOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Type, "type", "", "override provider type (openai, anthropics, gemini)")
	cmd.Flags().StringVar(&o.Model, "model", "", "override model name")
	cmd.Flags().StringVar(&o.URL, "url", "", "override base url")
	cmd.Flags().StringVar(&o.Token, "token", "", "override access token")
	cmd.Flags().BoolVar(&o.Stream, "stream", false, "stream response")
}

func newLLMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llm",
		Short: "Talk to the upstream provider directly, without the persona",
	}

	cmd.AddCommand(newLLMChatCmd())
	cmd.AddCommand(newLLMTestCmd())
	return cmd
}

type llmChatOptions struct {
	llmOptions
	Prompt string
	System string
}

func newLLMChatCmd() *cobra.Command {
	opts := &llmChatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a raw chat completion request",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.TrimSpace(opts.Prompt)
			if prompt == "" {
				input, err := readInput(nil, "-", cmd.InOrStdin())
				if err != nil {
					return err
				}
				prompt = strings.TrimSpace(input)
			}
			if prompt == "" {
				return errors.New("prompt is required")
			}
			return runLLM(cmd, &opts.llmOptions, buildMessages(opts.System, prompt))
		},
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Prompt, "prompt", "", "prompt content (read stdin if empty)")
	cmd.Flags().StringVar(&opts.System, "system", "", "system prompt")
	return cmd
}

func newLLMTestCmd() *cobra.Command {
	opts := &llmOptions{}
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Check upstream connectivity with the configured credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLLM(cmd, opts, buildMessages("", "ping"))
		},
	}
	opts.bind(cmd)
	return cmd
}

func runLLM(cmd *cobra.Command, opts *llmOptions, messages []llm.Message) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	token := strings.TrimSpace(firstNonEmpty(opts.Token, cfg.LLM.Token))
	if token == "" {
		return fmt.Errorf("no upstream credential: set %s or --token", config.CredentialEnv)
	}
	// Switching provider on the command line also switches the default
	// endpoint and model, unless those are overridden too.
	baseURL, model := cfg.LLM.URL, cfg.LLM.Model
	if opts.Type != "" && opts.Type != cfg.LLM.Type {
		baseURL, model, _ = config.ProviderDefaults(opts.Type)
	}
	model = firstNonEmpty(opts.Model, model)
	client, err := llm.New(llm.ProviderConfig{
		Type:    firstNonEmpty(opts.Type, cfg.LLM.Type),
		BaseURL: firstNonEmpty(opts.URL, baseURL),
		Token:   token,
		Model:   model,
		Timeout: cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}

	req := llm.ChatRequest{
		Model:    model,
		Messages: messages,
	}
	out := cmd.OutOrStdout()

	if opts.Stream {
		_, err = client.ChatStream(cmd.Context(), req, func(delta string) error {
			_, writeErr := fmt.Fprint(out, delta)
			return writeErr
		})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(out)
		return nil
	}

	resp, err := client.Chat(cmd.Context(), req)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, resp.Content)
	return err
}

func buildMessages(system, prompt string) []llm.Message {
	messages := make([]llm.Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: system,
		})
	}
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: prompt,
	})
	return messages
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
