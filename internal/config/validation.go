package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/strategy"
)

var supportedStorageDrivers = map[string]struct{}{
	cache.DriverFS:     {},
	cache.DriverSQLite: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs|sqlite")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.LifecycleTimeout.DurationValue() <= 0 {
		return newFieldError("Global.LifecycleTimeout", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if err := cache.ValidateName(site.Name); err != nil {
			return newFieldError(siteField(site.Name, "Name"), "只能是单段名称")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}

		if site.Version == "" {
			return newFieldError(siteField(site.Name, "Version"), "不能为空")
		}
		if err := cache.ValidateName(site.CacheName()); err != nil {
			return newFieldError(siteField(site.Name, "CachePrefix"), fmt.Sprintf("缓存名 %q 不合法", site.CacheName()))
		}

		seenAssets := map[string]struct{}{}
		for _, asset := range site.StaticAssets {
			if !strings.HasPrefix(asset, "/") {
				return newFieldError(siteField(site.Name, "StaticAssets"), fmt.Sprintf("路径必须以 / 开头: %q", asset))
			}
			if _, exists := seenAssets[asset]; exists {
				return newFieldError(siteField(site.Name, "StaticAssets"), fmt.Sprintf("重复路径: %s", asset))
			}
			seenAssets[asset] = struct{}{}
		}

		if !strings.HasPrefix(site.APIPrefix, "/") {
			return newFieldError(siteField(site.Name, "APIPrefix"), "必须以 / 开头")
		}

		profile, ok := strategy.Resolve(site.Strategy)
		if !ok {
			return newFieldError(siteField(site.Name, "Strategy"), "仅支持 "+strings.Join(strategy.Keys(), "|"))
		}
		site.Strategy = profile.Key

		if profile.FallbackOnFailure {
			if site.OfflineFallback == "" {
				site.OfflineFallback = profile.DefaultFallbackDocument
			}
			if !strings.HasPrefix(site.OfflineFallback, "/") {
				return newFieldError(siteField(site.Name, "OfflineFallback"), "必须以 / 开头")
			}
			// 离线文档只能来自预缓存清单，否则网络失败时永远无法命中。
			if _, ok := seenAssets[site.OfflineFallback]; !ok {
				return newFieldError(siteField(site.Name, "OfflineFallback"), "必须包含在 StaticAssets 中")
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
