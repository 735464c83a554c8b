package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`
	// DevModeBypass disables authentication entirely; only honored when
	// Environment is DEV.
	DevModeBypass bool `mapstructure:"dev_mode_bypass"`

	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`

	CompletionService struct {
		URL    string `mapstructure:"url"`
		APIKey string `mapstructure:"api_key"`
		Model  string `mapstructure:"model"`
	} `mapstructure:"completion_service"`

	KnowledgeService struct {
		URL  string `mapstructure:"url"`
		TopK int    `mapstructure:"top_k"`
	} `mapstructure:"knowledge_service"`

	Resilience struct {
		MaxAttempts      int           `mapstructure:"max_attempts"`
		BackoffMin       time.Duration `mapstructure:"backoff_min"`
		BackoffMax       time.Duration `mapstructure:"backoff_max"`
		BackoffFactor    float64       `mapstructure:"backoff_factor"`
		FailureThreshold int           `mapstructure:"failure_threshold"`
		Cooldown         time.Duration `mapstructure:"cooldown"`
		CooldownMax      time.Duration `mapstructure:"cooldown_max"`
		CallTimeout      time.Duration `mapstructure:"call_timeout"`
	} `mapstructure:"resilience"`

	Worker struct {
		PoolSize     int           `mapstructure:"pool_size"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
		LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
		// InputMaxAge bounds how long a job may sit in awaiting_input
		// before it fails with input_timeout. Zero means no timeout.
		InputMaxAge time.Duration `mapstructure:"input_max_age"`
	} `mapstructure:"worker"`

	Pipeline struct {
		File string `mapstructure:"file"`
	} `mapstructure:"pipeline"`

	Auth struct {
		Issuer       string `mapstructure:"issuer"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
	} `mapstructure:"auth"`

	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if path != "" {
		viper.SetConfigFile(path)
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; defaults plus environment are enough
		// for local runs.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "DEV")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")

	viper.SetDefault("knowledge_service.top_k", 10)

	viper.SetDefault("resilience.max_attempts", 3)
	viper.SetDefault("resilience.backoff_min", time.Second)
	viper.SetDefault("resilience.backoff_max", 60*time.Second)
	viper.SetDefault("resilience.backoff_factor", 2.0)
	viper.SetDefault("resilience.failure_threshold", 5)
	viper.SetDefault("resilience.cooldown", 30*time.Second)
	viper.SetDefault("resilience.cooldown_max", 5*time.Minute)
	viper.SetDefault("resilience.call_timeout", 30*time.Second)

	viper.SetDefault("worker.pool_size", 4)
	viper.SetDefault("worker.poll_interval", time.Second)
	viper.SetDefault("worker.lease_ttl", 2*time.Minute)
	viper.SetDefault("worker.input_max_age", time.Duration(0))

	viper.SetDefault("pipeline.file", "config/pipeline.yaml")
}
