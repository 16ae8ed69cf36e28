package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Duel struct {
		Rounds        int    `yaml:"rounds"`
		RoundDuration string `yaml:"roundDuration"`
		Difficulty    int    `yaml:"difficulty"`
		BotWait       string `yaml:"botWait"`
	} `yaml:"duel"`
	Async struct {
		Rounds        int    `yaml:"rounds"`
		Difficulty    int    `yaml:"difficulty"`
		Expiry        string `yaml:"expiry"`
		SweepInterval string `yaml:"sweepInterval"`
	} `yaml:"async"`
	Broadcast struct {
		TopN            int    `yaml:"topN"`
		RefreshInterval string `yaml:"refreshInterval"`
		ChallengeTTL    string `yaml:"challengeTtl"`
		StandingsTTL    string `yaml:"standingsTtl"`
	} `yaml:"broadcast"`
	Questions struct {
		BankTTL          string `yaml:"bankTtl"`
		GeneratorTimeout string `yaml:"generatorTimeout"`
	} `yaml:"questions"`
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Duration parses a duration string or returns the fallback if empty or
// malformed.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// IntOr returns v unless it is zero.
func IntOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
