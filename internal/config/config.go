// Package config loads pipelined's layered configuration: built-in
// defaults, optionally overridden by a YAML file, optionally
// overridden again by PIPELINE_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taskforge/pipeline/internal/breaker"
	"github.com/taskforge/pipeline/internal/canary"
	"github.com/taskforge/pipeline/internal/metricsstream"
	"github.com/taskforge/pipeline/internal/orchestrator"
	"github.com/taskforge/pipeline/internal/router"
	"github.com/taskforge/pipeline/internal/workerpool"
)

// Config is the flattened, viper-addressable view of every setting
// pipelined accepts, translated into orchestrator.Config by Build.
type Config struct {
	StorePath    string `mapstructure:"store_path"`
	ListenAddr   string `mapstructure:"listen_addr"`
	NATSURL      string `mapstructure:"nats_url"`
	EscalateSubj string `mapstructure:"escalate_subject"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	QueueCapacity int `mapstructure:"queue_capacity"`

	DevFixPoolMin int `mapstructure:"dev_fix_pool_min"`
	DevFixPoolMax int `mapstructure:"dev_fix_pool_max"`
	QAPoolMin     int `mapstructure:"qa_pool_min"`
	QAPoolMax     int `mapstructure:"qa_pool_max"`
	DeployPoolMin int `mapstructure:"deploy_pool_min"`
	DeployPoolMax int `mapstructure:"deploy_pool_max"`

	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
	CacheMaxSize    int `mapstructure:"cache_max_size"`

	BreakerFailureThreshold float64 `mapstructure:"breaker_failure_threshold"`
	BreakerTimeoutSeconds   int     `mapstructure:"breaker_timeout_seconds"`

	RouterMaxRetries int `mapstructure:"router_max_retries"`

	DeployEnabled bool  `mapstructure:"deploy_enabled"`
	CanaryEnabled bool  `mapstructure:"canary_enabled"`
	CanaryStages  []int `mapstructure:"canary_stages"`

	StallThresholdSeconds int `mapstructure:"stall_threshold_seconds"`
	OpenAlarmSeconds      int `mapstructure:"open_alarm_seconds"`
	DLQAlarm              int `mapstructure:"dlq_alarm"`
}

// Load reads defaults, then file (if path is non-empty and exists),
// then PIPELINE_-prefixed environment variables, highest precedence
// last.
func Load(file string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := orchestrator.DefaultConfig()

	v.SetDefault("store_path", "pipeline.db")
	v.SetDefault("listen_addr", ":9090")
	v.SetDefault("nats_url", "")
	v.SetDefault("escalate_subject", "pipeline.escalate")
	v.SetDefault("otlp_endpoint", "")

	v.SetDefault("queue_capacity", d.QueueCapacity)

	v.SetDefault("dev_fix_pool_min", d.DevFixPool.Min)
	v.SetDefault("dev_fix_pool_max", d.DevFixPool.Max)
	v.SetDefault("qa_pool_min", d.QAPool.Min)
	v.SetDefault("qa_pool_max", d.QAPool.Max)
	v.SetDefault("deploy_pool_min", d.DeployPool.Min)
	v.SetDefault("deploy_pool_max", d.DeployPool.Max)

	v.SetDefault("cache_ttl_seconds", int(d.CacheTTL.Seconds()))
	v.SetDefault("cache_max_size", d.CacheMaxSize)

	v.SetDefault("breaker_failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker_timeout_seconds", int(d.Breaker.TimeoutSeconds.Seconds()))

	v.SetDefault("router_max_retries", d.Router.MaxRetries)

	v.SetDefault("deploy_enabled", d.DeployEnabled)
	v.SetDefault("canary_enabled", d.CanaryEnabled)
	v.SetDefault("canary_stages", d.CanaryStages)

	v.SetDefault("stall_threshold_seconds", int(d.StallThreshold.Seconds()))
	v.SetDefault("open_alarm_seconds", int(d.OpenAlarm.Seconds()))
	v.SetDefault("dlq_alarm", d.DLQAlarm)
}

// Build translates the flattened Config into orchestrator.Config,
// starting from orchestrator.DefaultConfig so any field this package
// doesn't expose still carries a sane value.
func (c Config) Build() orchestrator.Config {
	oc := orchestrator.DefaultConfig()

	oc.StorePath = c.StorePath
	oc.QueueCapacity = c.QueueCapacity

	oc.DevFixPool = withBounds(oc.DevFixPool, c.DevFixPoolMin, c.DevFixPoolMax)
	oc.QAPool = withBounds(oc.QAPool, c.QAPoolMin, c.QAPoolMax)
	oc.DeployPool = withBounds(oc.DeployPool, c.DeployPoolMin, c.DeployPoolMax)

	oc.CacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second
	oc.CacheMaxSize = c.CacheMaxSize

	oc.Breaker = breaker.Config{
		FailureThreshold: c.BreakerFailureThreshold,
		TimeoutSeconds:   time.Duration(c.BreakerTimeoutSeconds) * time.Second,
		SuccessThreshold: oc.Breaker.SuccessThreshold,
		WindowSize:       oc.Breaker.WindowSize,
	}

	oc.Router = router.Config{
		MaxRetries:     c.RouterMaxRetries,
		HandlerTimeout: oc.Router.HandlerTimeout,
	}

	oc.DeployEnabled = c.DeployEnabled
	oc.CanaryEnabled = c.CanaryEnabled
	if len(c.CanaryStages) > 0 {
		oc.CanaryStages = c.CanaryStages
	}
	oc.Canary = canary.DefaultConfig()

	oc.Metrics = metricsstream.DefaultConfig()

	oc.StallThreshold = time.Duration(c.StallThresholdSeconds) * time.Second
	oc.OpenAlarm = time.Duration(c.OpenAlarmSeconds) * time.Second
	oc.DLQAlarm = c.DLQAlarm

	return oc
}

func withBounds(cfg workerpool.Config, min, max int) workerpool.Config {
	if min > 0 {
		cfg.Min = min
	}
	if max > 0 {
		cfg.Max = max
	}
	return cfg
}
