// Package config loads service configuration from a yaml file overlaid with environment
// variables prefixed MASTERFLOW_, e.g. MASTERFLOW_DB_HOST.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Addr         string        `mapstructure:"addr" validate:"required"`
		ReadTimeout  time.Duration `mapstructure:"read_timeout"`
		WriteTimeout time.Duration `mapstructure:"write_timeout"`
	} `mapstructure:"server"`

	DB struct {
		Host     string `mapstructure:"host" validate:"required"`
		Port     int    `mapstructure:"port" validate:"required"`
		User     string `mapstructure:"user" validate:"required"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name" validate:"required"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`

	Redis struct {
		Addr     string `mapstructure:"addr" validate:"required"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers" validate:"required_if=Enabled true"`
		Topic   string   `mapstructure:"topic" validate:"required_if=Enabled true"`
	} `mapstructure:"kafka"`

	Orchestrator struct {
		RetryBase     time.Duration `mapstructure:"retry_base"`
		RetryCap      time.Duration `mapstructure:"retry_cap"`
		RetryJitter   float64       `mapstructure:"retry_jitter"`
		MaxRetries    int           `mapstructure:"max_retries"`
		SweepSchedule string        `mapstructure:"sweep_schedule"`
	} `mapstructure:"orchestrator"`
}

// DSN builds the postgres connection string.
func (c *Config) DSN() string {
	sslMode := c.DB.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, sslMode,
	)
}

// Load reads configuration from the given file, or from the default search paths when path is
// empty, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("MASTERFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config can come entirely from the environment.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "masterflow")
	v.SetDefault("db.name", "masterflow")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("orchestrator.retry_base", time.Second)
	v.SetDefault("orchestrator.retry_cap", 60*time.Second)
	v.SetDefault("orchestrator.retry_jitter", 0.1)
	v.SetDefault("orchestrator.max_retries", 8)
	v.SetDefault("orchestrator.sweep_schedule", "@every 1m")
}
