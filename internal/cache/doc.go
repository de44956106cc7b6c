// Package cache 实现路由使用的带版本缓存命名空间。Storage 按名称提供 Namespace，
// 每个 Namespace 是只覆盖写的 key/value 存储：key 为请求标识（method + 绝对 URL），
// value 为带 Sw-Fetch-Time 新鲜度头的缓冲响应。memory、disk、sqlite 三种后端语义一致，
// 策略与生命周期代码无需关心具体后端。
//
// 命名空间被删除后，旧句柄上的写入会被丢弃，不会让命名空间重新出现。
package cache
