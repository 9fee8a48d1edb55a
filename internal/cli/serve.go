package cli

import (
	"os"
	"os/signal"
	"syscall"

	"portfolio-relay/internal/api"
	"portfolio-relay/internal/config"
	"portfolio-relay/internal/llm"
	"portfolio-relay/internal/logger"
	"portfolio-relay/internal/prompt"
	"portfolio-relay/internal/relay"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat relay HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}

	cmd.Flags().String("addr", "", "listen address (default :3000)")
	cmd.Flags().String("allowed-origins", "", "comma-separated CORS allowlist")
	_ = viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("server.allowed_origins", cmd.Flags().Lookup("allowed-origins"))
	return cmd
}

func runServe(cmd *cobra.Command) error {
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
	origins, err := api.ParseAllowedOrigins(cfg.Server.AllowedOrigins)
	if err != nil {
		return err
	}

	server := api.NewServer(api.ServerOptions{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Controller:      api.NewController(r, cfg.Server.MaxBodyBytes),
		Origins:         origins,
		Logger:          log,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

// newRelay wires the persona prompt and, when a credential is present, the
// upstream client. Without a credential the relay still starts and answers
// chat requests with the not-configured error.
func newRelay(cfg config.Config, log zerolog.Logger) (*relay.Relay, error) {
	instruction, err := prompt.Load(prompt.Persona{
		Owner: cfg.Persona.Owner,
		Site:  cfg.Persona.Site,
		File:  cfg.Persona.PromptFile,
	})
	if err != nil {
		return nil, err
	}

	var client llm.Client
	if cfg.HasCredential() {
		client, err = llm.New(llm.ProviderConfig{
			Type:    cfg.LLM.Type,
			BaseURL: cfg.LLM.URL,
			Token:   cfg.LLM.Token,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		})
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("provider", cfg.LLM.Type).
			Str("model", cfg.LLM.Model).
			Msg("upstream configured")
	} else {
		log.Warn().Msgf("no upstream credential set; export %s to enable chat", config.CredentialEnv)
	}

	return relay.New(relay.Options{
		Client:      client,
		Instruction: instruction,
		Logger:      log,
	}), nil
}
