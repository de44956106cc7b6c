// Package strategy 实现四种缓存策略（network-only / network-first / cache-first /
// stale-while-revalidate）以及它们共享的网络竞速原语与错误分类。
//
// 每种策略在各自文件的 init() 中登记元数据，诊断端通过 List() 输出；
// Engine 负责把 routing.Decision 分派到具体策略。
package strategy
