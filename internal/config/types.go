package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/strategy"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort       int      `mapstructure:"ListenPort"`
	LogLevel         string   `mapstructure:"LogLevel"`
	LogFilePath      string   `mapstructure:"LogFilePath"`
	LogMaxSize       int      `mapstructure:"LogMaxSize"`
	LogMaxBackups    int      `mapstructure:"LogMaxBackups"`
	LogCompress      bool     `mapstructure:"LogCompress"`
	StorageDriver    string   `mapstructure:"StorageDriver"`
	StoragePath      string   `mapstructure:"StoragePath"`
	UpstreamTimeout  Duration `mapstructure:"UpstreamTimeout"`
	LifecycleTimeout Duration `mapstructure:"LifecycleTimeout"`
}

// SiteConfig 描述一个离线站点：源站、版本号与预缓存清单。
type SiteConfig struct {
	Name            string   `mapstructure:"Name"`
	Domain          string   `mapstructure:"Domain"`
	Upstream        string   `mapstructure:"Upstream"`
	Version         string   `mapstructure:"Version"`
	CachePrefix     string   `mapstructure:"CachePrefix"`
	StaticAssets    []string `mapstructure:"StaticAssets"`
	APIPrefix       string   `mapstructure:"APIPrefix"`
	Strategy        string   `mapstructure:"Strategy"`
	OfflineFallback string   `mapstructure:"OfflineFallback"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// CacheName 返回当前版本对应的缓存名称，例如 compteurs-1.2.0。
func (s SiteConfig) CacheName() string {
	return s.CachePrefix + s.Version
}

// StrategyProfile 返回站点策略与覆盖项合并后的结果（假定 Validate 已经通过）。
func (s SiteConfig) StrategyProfile() strategy.Resolved {
	profile, ok := strategy.Resolve(s.Strategy)
	if !ok {
		profile, _ = strategy.Resolve(strategy.DefaultKey())
	}
	return strategy.Apply(profile, strategy.Options{FallbackDocument: s.OfflineFallback})
}

// SiteSummaries 返回所有站点的缓存名摘要，例如 compteurs:compteurs-1.2.0。
func SiteSummaries(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.CacheName())
	}
	return result
}
