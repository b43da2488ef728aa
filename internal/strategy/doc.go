// Package strategy 汇总站点可选的 fetch 策略，并提供统一的注册入口。
//
// 策略只描述网络失败时的降级行为：
//   1. cache-first：缓存优先，网络失败直接把错误返回给调用方（严格模式）；
//   2. offline-fallback：缓存优先，导航请求网络失败时返回缓存中的离线文档。
//
// 配置校验、worker 构建与诊断接口都通过本包查询策略元数据。
package strategy
