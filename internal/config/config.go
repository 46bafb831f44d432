package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hatago-plugin-host/internal/auth"
	"hatago-plugin-host/pkg/logger"
	"hatago-plugin-host/pkg/signing"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "HATAGO_CONFIG"

// DefaultPath 为未设置环境变量时的配置文件位置。
var DefaultPath = filepath.Join("configs", "hatago.yaml")

// Config 描述了插件宿主在启动阶段需要加载的核心配置。
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Logging      logger.Config     `yaml:"logging"`
	Host         HostConfig        `yaml:"host"`
	Verification signing.Config    `yaml:"verification"`
	TrustedKeys  TrustedKeysConfig `yaml:"trustedKeys"`
	KV           KVConfig          `yaml:"kv"`
	Fetch        FetchConfig       `yaml:"fetch"`
	Events       EventsConfig      `yaml:"events"`
	Plugins      []PluginConfig    `yaml:"plugins"`
}

// ServerConfig 控制管理 API 的监听地址。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	Auth            auth.Config   `yaml:"auth"`
}

// HostConfig 描述宿主运行时档位与版本。
type HostConfig struct {
	Runtime string `yaml:"runtime"`
	// Version 非空时启用 engines.hatago 兼容性检查。
	Version string `yaml:"version"`
	TempDir string `yaml:"tempDir"`
}

// TrustedKeysConfig 描述受信任公钥的来源。
type TrustedKeysConfig struct {
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
	Static []KeyFile   `yaml:"static"`
}

// MySQLConfig 为 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
}

// KeyFile 引用一个 PEM 公钥文件。
type KeyFile struct {
	Path    string `yaml:"path"`
	KeyID   string `yaml:"keyId"`
	Trusted *bool  `yaml:"trusted"`
	Issuer  string `yaml:"issuer"`
	Subject string `yaml:"subject"`
}

// IsTrusted 未显式填写时视为受信任。
func (k KeyFile) IsTrusted() bool {
	return k.Trusted == nil || *k.Trusted
}

// KVConfig 选择 kv 能力的存储后端。
type KVConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig 为 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// FetchConfig 控制 fetch 能力的 HTTP 客户端。
type FetchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// EventsConfig 选择宿主生命周期事件的发布方式。
type EventsConfig struct {
	Driver   string         `yaml:"driver"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	Channel  string         `yaml:"channel"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 为 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Durable  bool   `yaml:"durable"`
}

// PluginConfig 描述启动时需要加载的插件。
type PluginConfig struct {
	Manifest  string `yaml:"manifest"`
	Artifact  string `yaml:"artifact"`
	Signature string `yaml:"signature"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse 解析 YAML 内容，填充默认值并校验。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Host.Runtime == "" {
		c.Host.Runtime = "full"
	}
	if c.TrustedKeys.Driver == "" {
		c.TrustedKeys.Driver = "memory"
	}
	if c.KV.Driver == "" {
		c.KV.Driver = "memory"
	}
	if c.KV.Redis.Prefix == "" {
		c.KV.Redis.Prefix = "hatago:kv:"
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Channel == "" {
		c.Events.Channel = "hatago:events"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "hatago.events"
	}
}

// Validate 检查各个驱动选项是否合法。
func (c *Config) Validate() error {
	switch c.TrustedKeys.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.TrustedKeys.MySQL.DSN) == "" {
			return errors.New("trustedKeys.mysql.dsn 不能为空")
		}
	default:
		return fmt.Errorf("未知的公钥存储驱动: %s", c.TrustedKeys.Driver)
	}
	switch c.KV.Driver {
	case "memory":
	case "redis":
		if c.KV.Redis.Address == "" {
			return errors.New("kv.redis.address 不能为空")
		}
	default:
		return fmt.Errorf("未知的 kv 驱动: %s", c.KV.Driver)
	}
	switch c.Events.Driver {
	case "none", "memory":
	case "redis":
		if c.Events.Redis.Address == "" {
			return errors.New("events.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			return errors.New("events.rabbitmq.url 不能为空")
		}
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}
	for i, key := range c.TrustedKeys.Static {
		if key.Path == "" {
			return fmt.Errorf("trustedKeys.static[%d].path 不能为空", i)
		}
	}
	for i, p := range c.Plugins {
		if p.Manifest == "" {
			return fmt.Errorf("plugins[%d].manifest 不能为空", i)
		}
	}
	return nil
}

// resolvePaths 将相对路径解析为相对于配置文件所在目录。
func (c *Config) resolvePaths(baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	for i := range c.TrustedKeys.Static {
		c.TrustedKeys.Static[i].Path = resolve(c.TrustedKeys.Static[i].Path)
	}
	for i := range c.Plugins {
		c.Plugins[i].Manifest = resolve(c.Plugins[i].Manifest)
		c.Plugins[i].Artifact = resolve(c.Plugins[i].Artifact)
		c.Plugins[i].Signature = resolve(c.Plugins[i].Signature)
	}
	if c.Host.TempDir != "" {
		c.Host.TempDir = resolve(c.Host.TempDir)
	}
}
