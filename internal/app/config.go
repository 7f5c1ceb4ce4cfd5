package app

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port          int    `mapstructure:"port"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	Environment   string `mapstructure:"environment"`

	TwilioAuthToken string `mapstructure:"twilio_auth_token"`
	AdminToken      string `mapstructure:"admin_token"`
	AgentDialNumber string `mapstructure:"agent_dial_number"`

	// Transcription
	DeepgramAPIKey string        `mapstructure:"deepgram_api_key"`
	DeepgramURL    string        `mapstructure:"deepgram_url"`
	DeepgramModel  string        `mapstructure:"deepgram_model"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`

	// Suggestions
	OpenAIAPIKey           string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL          string        `mapstructure:"openai_base_url"`
	OpenAIModel            string        `mapstructure:"openai_model"`
	SuggestionTimeout      time.Duration `mapstructure:"suggestion_timeout"`
	MaxInflightSuggestions int64         `mapstructure:"max_inflight_suggestions"`
	AgentScript            string        `mapstructure:"agent_script"`

	// Salesforce. Either SFAccessToken or the JWT bearer triple.
	SFInstanceURL    string        `mapstructure:"sf_instance_url"`
	SFAccessToken    string        `mapstructure:"sf_access_token"`
	SFLoginURL       string        `mapstructure:"sf_login_url"`
	SFClientID       string        `mapstructure:"sf_client_id"`
	SFUsername       string        `mapstructure:"sf_username"`
	SFPrivateKeyPath string        `mapstructure:"sf_private_key_path"`
	PersistTimeout   time.Duration `mapstructure:"persist_timeout"`

	// Optional integrations
	DatabaseURL       string `mapstructure:"database_url"`
	SentryDSN         string `mapstructure:"sentry_dsn"`
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`

	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

var defaults = map[string]any{
	"port":                     3000,
	"public_base_url":          "",
	"environment":              "development",
	"twilio_auth_token":        "",
	"admin_token":              "",
	"agent_dial_number":        "",
	"deepgram_api_key":         "",
	"deepgram_url":             "",
	"deepgram_model":           "nova-2",
	"dial_timeout":             "10s",
	"openai_api_key":           "",
	"openai_base_url":          "",
	"openai_model":             "gpt-4o-mini",
	"suggestion_timeout":       "20s",
	"max_inflight_suggestions": 0,
	"agent_script":             "",
	"sf_instance_url":          "",
	"sf_access_token":          "",
	"sf_login_url":             "https://login.salesforce.com",
	"sf_client_id":             "",
	"sf_username":              "",
	"sf_private_key_path":      "",
	"persist_timeout":          "15s",
	"database_url":             "",
	"sentry_dsn":               "",
	"discord_webhook_url":      "",
	"drain_timeout":            "60s",
}

// LoadConfig reads configuration from a .env file (if present), the process
// environment and an optional file named by CONFIG_FILE. Environment
// variables win over the file.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return loadConfig(os.Getenv("CONFIG_FILE"))
}

func loadConfig(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// UsesJWTBearer reports whether Salesforce tokens are minted with the JWT
// bearer flow rather than taken from SF_ACCESS_TOKEN.
func (c Config) UsesJWTBearer() bool {
	return c.SFAccessToken == "" && c.SFPrivateKeyPath != ""
}

func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate reports every missing or invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	require := func(value, key string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	require(c.DeepgramAPIKey, "DEEPGRAM_API_KEY")
	require(c.OpenAIAPIKey, "OPENAI_API_KEY")
	require(c.SFInstanceURL, "SF_INSTANCE_URL")

	if c.SFAccessToken == "" {
		if c.SFPrivateKeyPath == "" {
			errs = append(errs, errors.New("SF_ACCESS_TOKEN or SF_PRIVATE_KEY_PATH is required"))
		} else {
			require(c.SFClientID, "SF_CLIENT_ID")
			require(c.SFUsername, "SF_USERNAME")
		}
	}

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.MaxInflightSuggestions < 0 {
		errs = append(errs, errors.New("MAX_INFLIGHT_SUGGESTIONS must not be negative"))
	}
	for key, d := range map[string]time.Duration{
		"DIAL_TIMEOUT":       c.DialTimeout,
		"SUGGESTION_TIMEOUT": c.SuggestionTimeout,
		"PERSIST_TIMEOUT":    c.PersistTimeout,
		"DRAIN_TIMEOUT":      c.DrainTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	return errors.Join(errs...)
}
