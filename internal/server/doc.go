// Package server 承载 Fiber HTTP 服务及其中间件链。兜底路由把站点流量交给
// proxy handler；/-/ 之下的路径留给 routes 包注册的控制与诊断路由。
package server
