package strategy

// Profile 描述一个 fetch 策略的静态信息，供配置校验和诊断端使用。
type Profile struct {
	Key         string
	Description string
	// FallbackOnFailure 表示导航请求网络失败时是否回退到离线文档。
	FallbackOnFailure bool
	// DefaultFallbackDocument 是站点未显式配置 OfflineFallback 时使用的文档。
	DefaultFallbackDocument string
}

// Options 描述来自站点配置的覆盖项。
type Options struct {
	FallbackDocument string
}

// Resolved 是策略默认值与站点覆盖合并后的结果。
type Resolved struct {
	Profile
	FallbackDocument string
}

// DefaultKey 返回站点未配置 Strategy 时使用的策略键。
func DefaultKey() string {
	return KeyCacheFirst
}

// Apply 将站点覆盖合并进策略默认值；不支持降级的策略忽略离线文档。
func Apply(profile Profile, opts Options) Resolved {
	resolved := Resolved{Profile: profile}
	if !profile.FallbackOnFailure {
		return resolved
	}
	resolved.FallbackDocument = opts.FallbackDocument
	if resolved.FallbackDocument == "" {
		resolved.FallbackDocument = profile.DefaultFallbackDocument
	}
	return resolved
}
