package config

import (
	"fmt"
	"log/slog"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	RootDir          string `envconfig:"ROOT_DIR" default:"."`
	APIBaseURL       string `envconfig:"API_BASE_URL" default:"https://api.flowsync.dev"`
	APIToken         string `envconfig:"API_TOKEN"`
	RefreshToken     string `envconfig:"REFRESH_TOKEN"`
	FetchConcurrency int    `envconfig:"FETCH_CONCURRENCY" default:"5"`
	LogLevel         string `envconfig:"LOG_LEVEL" default:"info"`
}

type StateEnv struct {
	// Backend for the per-customer sync-state files (map, ledger).
	Type string `envconfig:"STATE_TYPE" default:"local"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"flowsync/"`
	S3Region string `envconfig:"S3_REGION" default:"us-east-1"`
}

type Env struct {
	BaseEnv
	StateEnv
}

const namespace = "FLOWSYNC"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
