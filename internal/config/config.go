package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config 应用的全部配置
type Config struct {
	Download DownloadConfig `mapstructure:"download"`
	Redis    RedisConfig    `mapstructure:"redis"`
	OBS      OBSConfig      `mapstructure:"obs"`
	API      APIConfig      `mapstructure:"api"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DownloadConfig 下载引擎参数，大小和时长用字符串表示（"4MiB"、"10s"）
type DownloadConfig struct {
	Workers      int    `mapstructure:"workers"`
	ChunkSize    string `mapstructure:"chunk_size"`
	BufferSize   string `mapstructure:"buffer_size"`
	Timeout      string `mapstructure:"timeout"`
	Deadline     string `mapstructure:"deadline"`
	Retries      int    `mapstructure:"retries"`
	RetryBackoff string `mapstructure:"retry_backoff"`
	FailFast     bool   `mapstructure:"fail_fast"`
	Progress     bool   `mapstructure:"progress"`
	AutoChunk    bool   `mapstructure:"auto_chunk"`

	// 以下字段由 Validate 解析填充
	ChunkSizeBytes    int64         `mapstructure:"-"`
	BufferSizeBytes   int64         `mapstructure:"-"`
	TimeoutDuration   time.Duration `mapstructure:"-"`
	DeadlineDuration  time.Duration `mapstructure:"-"`
	RetryBackoffDelay time.Duration `mapstructure:"-"`
}

// RedisConfig 任务队列和状态存储
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
}

// OBSConfig 华为云对象存储，全部为空时不上传
type OBSConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	AK       string `mapstructure:"ak"`
	SK       string `mapstructure:"sk"`
	Bucket   string `mapstructure:"bucket"`
}

// Enabled 四项配置齐全时才启用上传
func (c OBSConfig) Enabled() bool {
	return c.Endpoint != "" && c.AK != "" && c.SK != "" && c.Bucket != ""
}

// APIConfig HTTP 接口
type APIConfig struct {
	Addr        string `mapstructure:"addr"`
	DownloadDir string `mapstructure:"download_dir"`
	FrontendDir string `mapstructure:"frontend_dir"`
}

// WorkerConfig 队列消费者
type WorkerConfig struct {
	Consumer       string `mapstructure:"consumer"`
	DefaultThreads int    `mapstructure:"default_threads"`
	MaxThreads     int    `mapstructure:"max_threads"`
	RemoveAfter    bool   `mapstructure:"remove_after_upload"`
}

// LoggingConfig 日志
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// flagKeys 命令行参数名到配置键的映射
var flagKeys = map[string]string{
	"workers":      "download.workers",
	"chunk-size":   "download.chunk_size",
	"buffer-size":  "download.buffer_size",
	"timeout":      "download.timeout",
	"deadline":     "download.deadline",
	"retries":      "download.retries",
	"fail-fast":    "download.fail_fast",
	"progress":     "download.progress",
	"auto-chunk":   "download.auto_chunk",
	"log-level":    "logging.level",
	"log-format":   "logging.format",
	"redis-addr":   "redis.addr",
	"api-addr":     "api.addr",
	"download-dir": "api.download_dir",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("download.workers", 8)
	v.SetDefault("download.chunk_size", "4MiB")
	v.SetDefault("download.buffer_size", "")
	v.SetDefault("download.timeout", "10s")
	v.SetDefault("download.deadline", "0s")
	v.SetDefault("download.retries", 0)
	v.SetDefault("download.retry_backoff", "1s")
	v.SetDefault("download.fail_fast", false)
	v.SetDefault("download.progress", true)
	v.SetDefault("download.auto_chunk", false)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "download_tasks")
	v.SetDefault("redis.group", "download-group")

	v.SetDefault("obs.endpoint", "")
	v.SetDefault("obs.ak", "")
	v.SetDefault("obs.sk", "")
	v.SetDefault("obs.bucket", "")

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.download_dir", "/app/downloads")
	v.SetDefault("api.frontend_dir", "./frontend")

	v.SetDefault("worker.consumer", "")
	v.SetDefault("worker.default_threads", 8)
	v.SetDefault("worker.max_threads", 50)
	v.SetDefault("worker.remove_after_upload", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load 按 默认值 < 配置文件 < 环境变量 < 命令行参数 的优先级加载配置。
// configPath 为空时不读取文件；flags 可以为 nil。
// 环境变量名是配置键大写并把 "." 换成 "_"，例如 REDIS_ADDR、OBS_AK、DOWNLOAD_WORKERS。
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("绑定参数 %s 失败: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &cfg, nil
}

// Validate 校验配置并解析大小和时长字段
func (c *Config) Validate() error {
	var errs []error

	d := &c.Download
	if d.Workers < 1 {
		errs = append(errs, fmt.Errorf("download.workers 必须 >= 1，当前为 %d", d.Workers))
	}
	if d.Retries < 0 {
		errs = append(errs, fmt.Errorf("download.retries 不能为负数"))
	}

	var err error
	if d.ChunkSizeBytes, err = parseSize(d.ChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("download.chunk_size: %w", err))
	}
	if d.BufferSize != "" {
		if d.BufferSizeBytes, err = parseSize(d.BufferSize); err != nil {
			errs = append(errs, fmt.Errorf("download.buffer_size: %w", err))
		}
	}
	if d.TimeoutDuration, err = parseDuration(d.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("download.timeout: %w", err))
	}
	if d.DeadlineDuration, err = parseDuration(d.Deadline); err != nil {
		errs = append(errs, fmt.Errorf("download.deadline: %w", err))
	}
	if d.RetryBackoffDelay, err = parseDuration(d.RetryBackoff); err != nil {
		errs = append(errs, fmt.Errorf("download.retry_backoff: %w", err))
	}

	if c.Worker.DefaultThreads < 1 {
		errs = append(errs, fmt.Errorf("worker.default_threads 必须 >= 1"))
	}
	if c.Worker.MaxThreads < c.Worker.DefaultThreads {
		errs = append(errs, fmt.Errorf("worker.max_threads 不能小于 worker.default_threads"))
	}

	return errors.Join(errs...)
}

// parseSize 支持 "4MiB"、"4096"、"1 GiB" 等写法；注意 "4MB" 按十进制计算
func parseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("时长不能为负数: %s", s)
	}
	return d, nil
}
