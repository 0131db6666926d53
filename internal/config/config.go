package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Download struct {
		DataDir string
		Seed    bool
	}
	Session struct {
		StatusInterval  time.Duration
		FlushInterval   time.Duration
		DiagInterval    time.Duration
		CommandTimeout  time.Duration
		MetadataTimeout time.Duration
		PendingTTL      time.Duration
	}
	Trackers []string
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("SEEDGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("download.datadir", "data/downloads")
	v.SetDefault("download.seed", true)
	v.SetDefault("session.statusinterval", "1s")
	v.SetDefault("session.flushinterval", "750ms")
	v.SetDefault("session.diaginterval", "30s")
	v.SetDefault("session.commandtimeout", "30s")
	v.SetDefault("session.metadatatimeout", "20s")
	v.SetDefault("session.pendingttl", "15s")
	v.SetDefault("trackers", []string{})

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
