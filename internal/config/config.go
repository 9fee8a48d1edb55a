package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "PORTFOLIO_RELAY"

// CredentialEnv is also read for llm.token so existing deployments keep
// working without renaming their secret.
const CredentialEnv = "GROQ_API_KEY"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Persona PersonaConfig `mapstructure:"persona"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AllowedOrigins is a comma-separated CORS allowlist. Empty allows
	// same-origin and non-browser callers only.
	AllowedOrigins string `mapstructure:"allowed_origins"`
}

type LLMConfig struct {
	URL     string        `mapstructure:"url"`
	Model   string        `mapstructure:"model"`
	Token   string        `mapstructure:"token"`
	Type    string        `mapstructure:"type"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PersonaConfig struct {
	Owner      string `mapstructure:"owner"`
	Site       string `mapstructure:"site"`
	PromptFile string `mapstructure:"prompt_file"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type providerDefaults struct {
	url   string
	model string
}

// llm.url and llm.model fall back to these when unset, keyed by llm.type.
var defaultsByType = map[string]providerDefaults{
	"openai":     {url: "https://api.groq.com/openai", model: "llama-3.3-70b-versatile"},
	"anthropics": {url: "https://api.anthropic.com", model: "claude-3-5-haiku-latest"},
	"gemini":     {url: "https://generativelanguage.googleapis.com", model: "gemini-2.0-flash"},
}

// SetDefaults registers every key so that environment overrides are picked
// up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.max_body_bytes", int64(1<<20))
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", "")

	v.SetDefault("llm.type", "openai")
	v.SetDefault("llm.url", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.token", "")
	v.SetDefault("llm.timeout", time.Duration(0))

	v.SetDefault("persona.owner", "")
	v.SetDefault("persona.site", "")
	v.SetDefault("persona.prompt_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
}

// BindEnv maps PORTFOLIO_RELAY_<SECTION>_<KEY> onto config keys.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.token", EnvPrefix+"_LLM_TOKEN", CredentialEnv)
}

func Load() (Config, error) {
	return LoadFrom(viper.GetViper())
}

func LoadFrom(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.LLM.Token = strings.TrimSpace(cfg.LLM.Token)
	cfg.applyProviderDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ProviderDefaults returns the base URL and model used for llmType when
// none is configured. ok is false for unknown types.
func ProviderDefaults(llmType string) (url, model string, ok bool) {
	defaults, ok := defaultsByType[llmType]
	return defaults.url, defaults.model, ok
}

func (c *Config) applyProviderDefaults() {
	if strings.TrimSpace(c.LLM.Type) == "" {
		c.LLM.Type = "openai"
	}
	defaults, ok := defaultsByType[c.LLM.Type]
	if !ok {
		return
	}
	if strings.TrimSpace(c.LLM.URL) == "" {
		c.LLM.URL = defaults.url
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		c.LLM.Model = defaults.model
	}
}

// Validate checks static settings. A missing llm.token is allowed: the
// server still starts and reports the chat service as not configured.
func (c Config) Validate() error {
	switch c.LLM.Type {
	case "", "openai", "anthropics", "gemini":
	default:
		return fmt.Errorf("invalid llm.type: %s", c.LLM.Type)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid server.max_body_bytes: %d", c.Server.MaxBodyBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid server.shutdown_timeout: %s", c.Server.ShutdownTimeout)
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("invalid llm.timeout: %s", c.LLM.Timeout)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %s", c.Log.Format)
	}
	return nil
}

// HasCredential reports whether an upstream token is configured.
func (c Config) HasCredential() bool {
	return c.LLM.Token != ""
}
