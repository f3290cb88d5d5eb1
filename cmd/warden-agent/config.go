package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig
	Server   ServerConfig   `mapstructure:"server"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Executor ExecutorConfig `mapstructure:"executor"`
}

type LogConfig struct {
	Level string
}

type ServerConfig struct {
	Addr       string `mapstructure:"addr"`
	CAFile     string `mapstructure:"ca_file"`
	ServerName string `mapstructure:"server_name"`
	Insecure   bool   `mapstructure:"insecure"`
}

type AgentConfig struct {
	Hostname       string        `mapstructure:"hostname"`
	TokenPath      string        `mapstructure:"token_path"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

type ExecutorConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/warden-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("server.addr", "127.0.0.1:9000")
	viper.SetDefault("server.ca_file", "certs/ca.crt")
	viper.SetDefault("agent.token_path", ".warden-token")
	viper.SetDefault("agent.poll_interval", "10s")
	viper.SetDefault("agent.reconnect_delay", "15s")
	viper.SetDefault("executor.timeout", "30s")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	if config.Agent.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			panic(fmt.Errorf("failed to determine hostname: %w", err))
		}
		config.Agent.Hostname = hostname
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == "DEBUG" {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func initLogger(logLevel string) {
	var level slog.Level
	switch strings.ToUpper(logLevel) {
	case "ERROR":
		level = slog.LevelError
	case "WARNING":
		level = slog.LevelWarn
	case "INFO":
		level = slog.LevelInfo
	case "DEBUG":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	logger := slog.New(handler)

	slog.SetDefault(logger)
}
