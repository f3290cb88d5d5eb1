package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/wardenhq/warden/internal/api/http"
	"github.com/wardenhq/warden/internal/db"
)

type Config struct {
	Log      LogConfig
	Http     http.Config
	Listener ListenerConfig
	DB       db.Config `mapstructure:"db"`
	TLS      TLSConfig `mapstructure:"tls"`
}

type ListenerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
}

type TLSConfig struct {
	CAFile      string `mapstructure:"ca_file"`
	CAKeyFile   string `mapstructure:"ca_key_file"`
	CertFile    string `mapstructure:"cert_file"`
	KeyFile     string `mapstructure:"key_file"`
	DomainNames string `mapstructure:"domain_names"`
	IPAddresses string `mapstructure:"ip_addresses"`
}

var config Config

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/warden-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("http.admin_api_key", "WARDEN_ADMIN_API_KEY")

	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("listener.addr", ":9000")
	viper.SetDefault("listener.response_timeout", "35s")
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("db.path", "warden.db")
	viper.SetDefault("tls.ca_file", "certs/ca.crt")
	viper.SetDefault("tls.ca_key_file", "certs/ca.key")
	viper.SetDefault("tls.cert_file", "certs/server.crt")
	viper.SetDefault("tls.key_file", "certs/server.key")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
