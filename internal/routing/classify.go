// Package routing 把被拦截的请求映射到负责处理它的缓存策略与命名空间。
// 分类过程不做任何 I/O，规则优先级可以单独验证。
package routing

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/verenigd-amsterdam/va-cache-router/internal/cache"
)

// Strategy 是路由决策给出的策略标签。
type Strategy string

const (
	StrategyNone                 Strategy = ""
	StrategyNetworkOnly          Strategy = "network-only"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Rules 是四组按优先级排列的路径前缀。
type Rules struct {
	NetworkOnly          []string
	NetworkFirst         []string
	CacheFirst           []string
	StaleWhileRevalidate []string
}

// DefaultRules 返回站点默认路由表。
func DefaultRules() Rules {
	return Rules{
		NetworkOnly: []string{
			"/api/",
			"/admin/",
			"/sitemap.xml",
			"/robots.txt",
			"/.well-known/",
		},
		NetworkFirst: []string{
			"/verkiezingsprogramma/",
			"/standpunten/",
			"/nieuws/",
			"/doe-mee/",
			"/app/",
			"/over-ons/",
		},
		CacheFirst: []string{
			"/images/",
			"/fonts/",
			"/favicon/",
		},
		StaleWhileRevalidate: []string{
			"/styles.css",
			"/script.js",
			"/manifest.json",
		},
	}
}

// Request 是分类所需的请求描述。
type Request struct {
	URL      *url.URL
	Method   string
	Navigate bool
}

// NavigateHeader 标识页面导航请求（浏览器在导航时发送 Sec-Fetch-Mode: navigate）。
const NavigateHeader = "Sec-Fetch-Mode"

// Describe 从 HTTP 请求中提取分类描述。
func Describe(r *http.Request) Request {
	return Request{
		URL:      r.URL,
		Method:   r.Method,
		Navigate: strings.EqualFold(r.Header.Get(NavigateHeader), "navigate"),
	}
}

// Decision 是分类结果。Intercept=false 时请求不经过缓存，按原样转发。
type Decision struct {
	Intercept bool
	Strategy  Strategy
	Namespace string
	Class     cache.Class
	Navigate  bool
}

// Classifier 把请求映射为策略与命名空间。
type Classifier struct {
	origin *url.URL
	rules  Rules
	names  cache.Names
}

// NewClassifier 构造分类器，origin 为站点自身的 scheme://host。
func NewClassifier(origin *url.URL, rules Rules, names cache.Names) Classifier {
	return Classifier{origin: origin, rules: rules, names: names}
}

// Classify 按 network-only > network-first > cache-first > stale-while-revalidate > 内容类型默认
// 的顺序返回首个匹配的策略。
func (c Classifier) Classify(req Request) Decision {
	if req.URL == nil {
		return Decision{}
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return Decision{}
	}
	if !c.sameOrigin(req.URL) {
		return Decision{}
	}

	p := req.URL.Path
	if p == "" {
		p = "/"
	}
	class := cache.ClassForPath(p)
	decision := Decision{Intercept: true, Navigate: req.Navigate, Class: class}

	switch {
	case matchesPrefix(p, c.rules.NetworkOnly):
		decision.Strategy = StrategyNetworkOnly
		decision.Class = ""
	case matchesPrefix(p, c.rules.NetworkFirst) || req.Navigate:
		decision.Strategy = StrategyNetworkFirst
		decision.Class = cache.ClassDynamic
		decision.Namespace = c.names.Dynamic
	case matchesPrefix(p, c.rules.CacheFirst):
		decision.Strategy = StrategyCacheFirst
		decision.Namespace = c.names.For(class)
	case matchesPrefix(p, c.rules.StaleWhileRevalidate):
		decision.Strategy = StrategyStaleWhileRevalidate
		decision.Class = cache.ClassStatic
		decision.Namespace = c.names.Static
	case class == cache.ClassImages || class == cache.ClassFonts:
		decision.Strategy = StrategyCacheFirst
		decision.Namespace = c.names.For(class)
	default:
		decision.Strategy = StrategyStaleWhileRevalidate
		decision.Namespace = c.names.For(class)
	}
	return decision
}

func (c Classifier) sameOrigin(u *url.URL) bool {
	if c.origin == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func matchesPrefix(p string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern != "" && strings.HasPrefix(p, pattern) {
			return true
		}
	}
	return false
}

// Origin 返回 u 的 scheme://host 部分。
func Origin(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}
}
