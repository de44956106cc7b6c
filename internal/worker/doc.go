// Package worker 实现缓存生命周期管理：install 预缓存、activate 清理旧版本命名空间、
// 控制消息、周期刷新，以及把被拦截请求交给策略引擎的请求入口。
//
// 浏览器生命周期被建模为显式状态机：
//
//	new -> installing -> installed -> activating -> activated -> redundant
//
// 在收到 skip-waiting（配置或 SKIP_WAITING 消息）之前 worker 停留在 installed；
// 只有 activated 并接管客户端后才会拦截请求。
package worker
