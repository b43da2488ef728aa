package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// SiteFields 提供站点/缓存名字段，供 worker 生命周期日志复用。
func SiteFields(site, cacheName string) logrus.Fields {
	return logrus.Fields{
		"site":       site,
		"cache_name": cacheName,
	}
}

// RequestFields 提供站点/域名/策略/响应来源字段，供代理请求日志复用。
func RequestFields(site, domain, strategy, cacheName, source string) logrus.Fields {
	return logrus.Fields{
		"site":       site,
		"domain":     domain,
		"strategy":   strategy,
		"cache_name": cacheName,
		"source":     source,
		"cache_hit":  source == "cache" || source == "fallback",
	}
}
