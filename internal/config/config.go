/*
配置

优先级：命令行参数 > 配置文件 > 默认值
配置文件为 YAML，未知字段直接报错，避免拼写错误被静默忽略
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lineserver/internal/core/storage"
	"lineserver/internal/utils/rlog"
)

const DefaultListen = "0.0.0.0:10497"

var ErrInvalid = errors.New("invalid configuration")

// Config 服务端配置
type Config struct {
	// Listen TCP 监听地址
	Listen string `yaml:"listen"`

	Index   IndexConfig   `yaml:"index"`
	Server  ServerConfig  `yaml:"server"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// IndexConfig 索引与行存储
type IndexConfig struct {
	// Path 索引文件路径，为空时使用 <数据文件>.index
	Path string `yaml:"path"`

	// Persist 是否保存和复用索引文件
	Persist bool `yaml:"persist"`

	// Interval 每隔多少行记录一个索引项，1 为稠密索引
	Interval uint32 `yaml:"interval"`

	// Compression none / snappy / zstd / lz4
	Compression string `yaml:"compression"`

	// ReadBackend pread / mmap
	ReadBackend string `yaml:"read_backend"`
}

// ServerConfig 连接相关限制，0 表示不限制
type ServerConfig struct {
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	// FrameTimeout 一帧开始到达后读完剩余字节的时限
	FrameTimeout time.Duration `yaml:"frame_timeout"`

	// RateLimit 每个连接每秒最多处理的请求数
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// MetricsConfig prometheus 指标
type MetricsConfig struct {
	// Listen /metrics 的 HTTP 监听地址，为空时不开启
	Listen string `yaml:"listen"`
}

// LogConfig 日志
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 默认配置
func Default() Config {
	return Config{
		Listen: DefaultListen,
		Index: IndexConfig{
			Persist:     true,
			Interval:    storage.DefaultIndexInterval,
			Compression: storage.CompressionSnappy.String(),
			ReadBackend: string(storage.BackendPread),
		},
		Server: ServerConfig{
			WriteTimeout: 30 * time.Second,
			FrameTimeout: 10 * time.Second,
			RateBurst:    1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load 在默认配置之上读取 path
func Load(path string) (Config, error) {
	cfg := Default()

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return cfg, nil
}

// Validate 检查所有字段，返回的错误包含全部问题
func (c Config) Validate() error {
	var errs []error
	add := func(format string, v ...any) {
		errs = append(errs, fmt.Errorf(format, v...))
	}

	if strings.TrimSpace(c.Listen) == "" {
		add("listen address is empty")
	}
	if c.Index.Interval == 0 {
		add("index.interval must be at least 1")
	}
	if _, err := storage.ParseCompressionTag(c.Index.Compression); err != nil {
		add("index.compression: %v", err)
	}
	if _, err := storage.ParseReadBackend(c.Index.ReadBackend); err != nil {
		add("index.read_backend: %v", err)
	}
	if c.Server.MaxConnections < 0 {
		add("server.max_connections must not be negative")
	}
	if c.Server.IdleTimeout < 0 {
		add("server.idle_timeout must not be negative")
	}
	if c.Server.WriteTimeout < 0 {
		add("server.write_timeout must not be negative")
	}
	if c.Server.FrameTimeout < 0 {
		add("server.frame_timeout must not be negative")
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit must not be negative")
	}
	if c.Server.RateBurst < 0 {
		add("server.rate_burst must not be negative")
	}
	if _, err := rlog.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log.format: unknown format %q", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// IndexPath 实际使用的索引文件路径
func (c Config) IndexPath(dataPath string) string {
	if c.Index.Path != "" {
		return c.Index.Path
	}
	return storage.DefaultIndexPath(dataPath)
}
