package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ControllerConfig captures runtime settings for the fine-tuning controller.
type ControllerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	TrainerURL  string `mapstructure:"trainer_url"`
	ProviderURL string `mapstructure:"provider_url"`
	APIKey      string `mapstructure:"api_key"`

	RedisURL    string `mapstructure:"redis_url"`
	PostgresURL string `mapstructure:"postgres_url"`
	StorePath   string `mapstructure:"store_path"`

	Submit SubmitConfig `mapstructure:"submit"`
	Poll   PollConfig   `mapstructure:"poll"`
	Deploy DeployConfig `mapstructure:"deploy"`

	Artifact ArtifactConfig `mapstructure:"artifact"`
}

// SubmitConfig bounds the retry loop around job submission.
type SubmitConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
}

// PollConfig bounds how long the controller waits for a training job.
type PollConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxWait         time.Duration `mapstructure:"max_wait"`
}

// DeployConfig bounds the rollout wait loop.
type DeployConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxWait  time.Duration `mapstructure:"max_wait"`
}

// ArtifactConfig selects where trained artifacts are checksummed from. With
// an empty Addr the controller reads artifacts from the local filesystem.
type ArtifactConfig struct {
	Addr       string `mapstructure:"addr"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	PrivateKey string `mapstructure:"private_key"`
	Root       string `mapstructure:"root"`
	LocalBase  string `mapstructure:"local_base"`
}

// LoadController loads controller configuration from defaults, files, and
// FINETUNE_-prefixed env vars.
func LoadController() (ControllerConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("FINETUNE")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("trainer_url", "http://localhost:8081")
	v.SetDefault("provider_url", "http://localhost:8081")
	v.SetDefault("store_path", "data/deployments.json")

	v.SetDefault("submit.max_attempts", 4)
	v.SetDefault("submit.initial_backoff", 500*time.Millisecond)
	v.SetDefault("submit.max_backoff", 8*time.Second)
	v.SetDefault("submit.lease_ttl", 24*time.Hour)

	v.SetDefault("poll.initial_interval", 5*time.Second)
	v.SetDefault("poll.max_interval", time.Minute)
	v.SetDefault("poll.max_wait", 12*time.Hour)

	v.SetDefault("deploy.interval", 10*time.Second)
	v.SetDefault("deploy.max_wait", 30*time.Minute)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ControllerConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg ControllerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ControllerConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}
