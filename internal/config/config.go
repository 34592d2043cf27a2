// Package config loads the platform's typed configuration from environment
// variables and an optional YAML file, resolving each key the way kilroy's
// engine resolves node attributes: explicit value, then env var, then a
// documented default (spec §6 environment table).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved configuration surface named in spec §6.
type Config struct {
	Worker    WorkerConfig
	SelfHeal  SelfHealConfig
	Agent     AgentConfig
	Sandbox   SandboxConfig
	Streaming StreamingConfig
	Artifacts ArtifactsConfig

	Postgres PostgresConfig
	Redis    RedisConfig
}

type WorkerConfig struct {
	Concurrency     int
	LockDurationMs  int
	LockRenewMs     int
	RateLimitPerMin int
}

type SelfHealConfig struct {
	Model string
}

type AgentConfig struct {
	Model           string
	MaxAPICalls     int
	MaxCallsPerStep int
}

type SandboxConfig struct {
	Headless         bool
	BootstrapTimeout time.Duration
	TeardownTimeout  time.Duration
	DriverBinPath    string
}

type StreamingConfig struct {
	VNCPortRange [2]int
	WSPortRange  [2]int
	MaxAgeMinutes int
}

type ArtifactsConfig struct {
	BasePath string
}

type PostgresConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load builds a Config from environment variables (prefixed DAPPTEST_) and,
// if present, a YAML config file at path. Every field has a documented
// default so the zero-config case is runnable against local dev services.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DAPPTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Worker: WorkerConfig{
			Concurrency:     v.GetInt("worker.concurrency"),
			LockDurationMs:  v.GetInt("worker.lockDurationMs"),
			LockRenewMs:     v.GetInt("worker.lockRenewMs"),
			RateLimitPerMin: v.GetInt("worker.rateLimitPerMin"),
		},
		SelfHeal: SelfHealConfig{Model: v.GetString("selfHeal.model")},
		Agent: AgentConfig{
			Model:           v.GetString("agent.model"),
			MaxAPICalls:     v.GetInt("agent.maxApiCalls"),
			MaxCallsPerStep: v.GetInt("agent.maxCallsPerStep"),
		},
		Sandbox: SandboxConfig{
			Headless:         v.GetBool("sandbox.headless"),
			BootstrapTimeout: v.GetDuration("sandbox.bootstrapTimeout"),
			TeardownTimeout:  v.GetDuration("sandbox.teardownTimeout"),
			DriverBinPath:    v.GetString("sandbox.driverBinPath"),
		},
		Streaming: StreamingConfig{
			VNCPortRange:  [2]int{v.GetInt("streaming.vncPort.min"), v.GetInt("streaming.vncPort.max")},
			WSPortRange:   [2]int{v.GetInt("streaming.wsPort.min"), v.GetInt("streaming.wsPort.max")},
			MaxAgeMinutes: v.GetInt("streaming.maxAgeMinutes"),
		},
		Artifacts: ArtifactsConfig{BasePath: v.GetString("artifacts.basePath")},
		Postgres:  PostgresConfig{DSN: v.GetString("postgres.dsn")},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.lockDurationMs", 300_000)
	v.SetDefault("worker.lockRenewMs", 60_000)
	v.SetDefault("worker.rateLimitPerMin", 5)

	v.SetDefault("selfHeal.model", "claude-sonnet-4")
	v.SetDefault("agent.model", "claude-sonnet-4")
	v.SetDefault("agent.maxApiCalls", 60)
	v.SetDefault("agent.maxCallsPerStep", 15)

	v.SetDefault("sandbox.headless", true)
	v.SetDefault("sandbox.bootstrapTimeout", 90*time.Second)
	v.SetDefault("sandbox.teardownTimeout", 30*time.Second)
	v.SetDefault("sandbox.driverBinPath", "dapptest-browser-driver")

	v.SetDefault("streaming.vncPort.min", 5901)
	v.SetDefault("streaming.vncPort.max", 5910)
	v.SetDefault("streaming.wsPort.min", 6081)
	v.SetDefault("streaming.wsPort.max", 6090)
	v.SetDefault("streaming.maxAgeMinutes", 60)

	v.SetDefault("artifacts.basePath", "/tmp/dapptest-artifacts")

	v.SetDefault("postgres.dsn", "postgres://localhost:5432/dapptest?sslmode=disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
}

// ControlPortFor derives the paired control port for a VNC pixel port
// (spec §4.2): portControl = 6081 + (portPixel - 5901).
func ControlPortFor(pixelPort int) int {
	return 6081 + (pixelPort - 5901)
}
