// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Prover     ProverConfig     `mapstructure:"prover"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port       int              `mapstructure:"port"`
	Host       string           `mapstructure:"host"`
	Timeout    string           `mapstructure:"timeout"`
	Middleware MiddlewareConfig `mapstructure:"middleware"`
}

// MiddlewareConfig 中间件配置
type MiddlewareConfig struct {
	APIKey       string  `mapstructure:"api_key"`        // 非空时启用 x-gateway-key 校验（cancel 等管理操作）
	SubmitRPS    float64 `mapstructure:"submit_rps"`     // 提交接口限流 QPS，<=0 不限流
	SubmitBurst  int     `mapstructure:"submit_burst"`   // 限流突发量，<=0 时默认 1
	RequestLog   bool    `mapstructure:"request_log"`    // 请求日志
	AllowOrigins string  `mapstructure:"allow_origins"`  // CORS，空为 "*"
}

// GatewayConfig 网关核心参数（尺寸/时间上限、留存）
type GatewayConfig struct {
	MaxTapeBytes          int    `mapstructure:"max_tape_bytes"`          // 默认 2 MiB
	MaxJobWallTime        string `mapstructure:"max_job_wall_time"`       // 默认 "11m"
	PollInterval          string `mapstructure:"poll_interval"`           // 默认 "3s"
	PollBudget            string `mapstructure:"poll_budget"`             // 单次 alarm 轮询预算，默认 "45s"
	PollDeadline          string `mapstructure:"poll_deadline"`           // 单次 poll 调用绝对上限，默认 "11m"
	MaxRetryDelay         string `mapstructure:"max_retry_delay"`         // backoff 封顶，默认 "60s"
	MaxQueueRetries       int    `mapstructure:"max_queue_retries"`       // 默认 5
	MaxRecoveryAttempts   int    `mapstructure:"max_recovery_attempts"`   // prover 丢 job 恢复上限，默认 3
	MaxClaimRetries       int    `mapstructure:"max_claim_retries"`       // 默认 5
	MaxCompletedJobs      int    `mapstructure:"max_completed_jobs"`      // 默认 200
	CompletedJobRetention string `mapstructure:"completed_job_retention"` // 默认 "24h"
}

// ProverConfig 外部 prover HTTP 配置
type ProverConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`           // 可写 ${ENV_VAR} 或经 secrets 解析
	AccessTokenID   string `mapstructure:"access_token_id"`   // 可选 access-token 对
	AccessToken     string `mapstructure:"access_token"`
	Timeout         string `mapstructure:"timeout"`           // 单请求超时，默认 "30s"
	ReceiptKind     string `mapstructure:"receipt_kind"`      // 默认 "groth16"
	SegmentLimitPo2 int    `mapstructure:"segment_limit_po2"` // 默认 20
	MaxFrames       int    `mapstructure:"max_frames"`
	VerifyReceipt   bool   `mapstructure:"verify_receipt"`
	ExpectedImageID string `mapstructure:"expected_image_id"` // 非空时要求 /health image_id 相等
	HealthCacheTTL  string `mapstructure:"health_cache_ttl"`  // 默认 "30s"
	RetryableCodes  []string `mapstructure:"retryable_codes"` // poll failed 状态下仍可重试的 error_code
	ProvingTimeout  string `mapstructure:"proving_timeout"`   // 默认 "10m"
}

// RelayConfig 链上结算 relayer 配置
type RelayConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	Timeout  string `mapstructure:"timeout"` // 默认 "30s"
}

// StorageConfig 存储配置
type StorageConfig struct {
	Record RecordConfig `mapstructure:"record"`
	Object ObjectConfig `mapstructure:"object"`
	Cache  CacheConfig  `mapstructure:"cache"`
}

// RecordConfig 记录存储配置
type RecordConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // type=postgres 时必填
}

// ObjectConfig 对象存储配置（tape 与 result artifact）
type ObjectConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// CacheConfig 缓存配置（prover health 探测）
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

// QueueConfig 队列配置（proof + claim）
type QueueConfig struct {
	Type string `mapstructure:"type"` // memory | postgres
	DSN  string `mapstructure:"dsn"`  // type=postgres 时必填
}

// WorkerConfig Worker 服务配置
type WorkerConfig struct {
	PollInterval string `mapstructure:"poll_interval"` // 队列空轮询间隔，默认 "1s"
}

// SecretsConfig Secret 解析配置
type SecretsConfig struct {
	Provider string            `mapstructure:"provider"` // env | memory | vault
	Config   map[string]string `mapstructure:"config"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// LoadDefault 从 PROOFGATE_CONFIG 或 configs/gateway.yaml 加载；文件不存在时返回全默认配置
func LoadDefault() (*Config, error) {
	path := os.Getenv("PROOFGATE_CONFIG")
	if path == "" {
		path = "configs/gateway.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		cfg := &Config{}
		replaceEnvVars(cfg)
		return cfg, nil
	}
	return LoadConfig(path)
}

// replaceEnvVars 替换配置中的 ${ENV_VAR} 形式的密钥
func replaceEnvVars(config *Config) {
	config.Prover.APIKey = expandEnv(config.Prover.APIKey)
	config.Prover.AccessToken = expandEnv(config.Prover.AccessToken)
	config.Prover.AccessTokenID = expandEnv(config.Prover.AccessTokenID)
	config.Relay.APIKey = expandEnv(config.Relay.APIKey)
	config.API.Middleware.APIKey = expandEnv(config.API.Middleware.APIKey)
}

func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		if val := os.Getenv(strings.TrimSuffix(strings.TrimPrefix(v, "${"), "}")); val != "" {
			return val
		}
	}
	return v
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
