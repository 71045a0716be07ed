package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig describes one remote dependency.
type ServiceConfig struct {
	URL        string        `mapstructure:"url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	HealthPath string        `mapstructure:"health_path"`
}

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`
	Server      struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Storage struct {
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		Bucket    string `mapstructure:"bucket"`
		UseSSL    bool   `mapstructure:"use_ssl"`
		PublicURL string `mapstructure:"public_url"`
	} `mapstructure:"storage"`
	Services struct {
		Compliance     ServiceConfig `mapstructure:"compliance"`
		Optimization   ServiceConfig `mapstructure:"optimization"`
		SpecGenerator  ServiceConfig `mapstructure:"spec_generator"`
		Renderer       ServiceConfig `mapstructure:"renderer"`
		WorkflowEngine struct {
			ServiceConfig `mapstructure:",squash"`
			Enabled       bool `mapstructure:"enabled"`
		} `mapstructure:"workflow_engine"`
	} `mapstructure:"services"`
	Health struct {
		ProbeTimeout    time.Duration `mapstructure:"probe_timeout"`
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
		FailureCooldown time.Duration `mapstructure:"failure_cooldown"`
	} `mapstructure:"health"`
	Retry struct {
		MaxAttempts     int           `mapstructure:"max_attempts"`
		InitialInterval time.Duration `mapstructure:"initial_interval"`
		MaxInterval     time.Duration `mapstructure:"max_interval"`
	} `mapstructure:"retry"`
	RateLimit struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`
	Compliance struct {
		HighThreshold   float64 `mapstructure:"high_threshold"`
		MediumThreshold float64 `mapstructure:"medium_threshold"`
		CatalogFile     string  `mapstructure:"catalog_file"`
	} `mapstructure:"compliance"`
	Feedback struct {
		RatingMin             int `mapstructure:"rating_min"`
		RatingMax             int `mapstructure:"rating_max"`
		TrainingPairThreshold int `mapstructure:"training_pair_threshold"`
	} `mapstructure:"feedback"`
	Workflow struct {
		RunTimeout        time.Duration `mapstructure:"run_timeout"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
		ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
		OrphanGrace       time.Duration `mapstructure:"orphan_grace"`
	} `mapstructure:"workflow"`
	Ingestion struct {
		AllowedHosts []string `mapstructure:"allowed_hosts"`
	} `mapstructure:"ingestion"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "180s")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "archflow")
	v.SetDefault("db.name", "archflow")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("storage.bucket", "archflow-renders")

	for _, svc := range []string{"compliance", "optimization", "spec_generator", "renderer", "workflow_engine"} {
		v.SetDefault("services."+svc+".timeout", "60s")
		v.SetDefault("services."+svc+".health_path", "/health")
	}
	v.SetDefault("services.compliance.url", "http://localhost:8101")
	v.SetDefault("services.optimization.url", "http://localhost:8102")
	v.SetDefault("services.spec_generator.url", "http://localhost:8103")
	v.SetDefault("services.renderer.url", "http://localhost:8104")
	v.SetDefault("services.workflow_engine.timeout", "10s")

	v.SetDefault("health.probe_timeout", "3s")
	v.SetDefault("health.refresh_interval", "30s")
	v.SetDefault("health.failure_cooldown", "60s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", "200ms")
	v.SetDefault("retry.max_interval", "2s")

	v.SetDefault("rate_limit.rps", 20)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("compliance.high_threshold", 0.7)
	v.SetDefault("compliance.medium_threshold", 0.5)

	v.SetDefault("feedback.rating_min", 1)
	v.SetDefault("feedback.rating_max", 5)
	v.SetDefault("feedback.training_pair_threshold", 10)

	v.SetDefault("workflow.run_timeout", "15m")
	v.SetDefault("workflow.shutdown_timeout", "30s")
	v.SetDefault("workflow.reconcile_interval", "30s")
	v.SetDefault("workflow.orphan_grace", "5m")

	v.SetDefault("ingestion.allowed_hosts", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in . and ./config; a missing file is
// not an error when searching.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARCHFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Services.Compliance.URL = normalizeURL(config.Services.Compliance.URL)
	config.Services.Optimization.URL = normalizeURL(config.Services.Optimization.URL)
	config.Services.SpecGenerator.URL = normalizeURL(config.Services.SpecGenerator.URL)
	config.Services.Renderer.URL = normalizeURL(config.Services.Renderer.URL)
	config.Services.WorkflowEngine.URL = normalizeURL(config.Services.WorkflowEngine.URL)

	return &config, nil
}

// normalizeURL strips surrounding space and any trailing slash so paths can
// be appended directly.
func normalizeURL(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
