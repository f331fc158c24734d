package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ConductorConfig captures runtime settings for the conductor daemon.
type ConductorConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	APIKey      string `mapstructure:"api_key"`
	ConductorID string `mapstructure:"conductor_id"`

	PostgresDSN string `mapstructure:"postgres_dsn"`
	StorePath   string `mapstructure:"store_path"`
	RedisURL    string `mapstructure:"redis_url"`

	LivenessTTL          time.Duration `mapstructure:"liveness_ttl"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	StepCallbackDeadline time.Duration `mapstructure:"step_callback_deadline"`
	TransientTimeout     time.Duration `mapstructure:"transient_timeout"`

	AutomatedClean   bool   `mapstructure:"automated_clean"`
	AgentCallbackURL string `mapstructure:"agent_callback_url"`
	AgentBundlePath  string `mapstructure:"agent_bundle_path"`
}

// LoadConductor loads conductor configuration from defaults, files, and env vars.
func LoadConductor() (ConductorConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("QUARRY")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8085")
	v.SetDefault("conductor_id", defaultConductorID())
	v.SetDefault("store_path", "./data/nodes.json")
	v.SetDefault("redis_url", "redis://localhost:6379")
	v.SetDefault("liveness_ttl", "30s")
	v.SetDefault("sweep_interval", "30s")
	v.SetDefault("step_callback_deadline", "30m")
	v.SetDefault("transient_timeout", "1h")
	v.SetDefault("automated_clean", true)
	v.SetDefault("agent_callback_url", "http://localhost:8085/v1/agent")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ConductorConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg ConductorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ConductorConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

func defaultConductorID() string {
	host, err := os.Hostname()
	if err != nil {
		return "conductor"
	}
	return host
}
