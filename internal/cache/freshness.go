package cache

import (
	"strconv"
	"strings"
	"time"
)

// TimestampHeader 是写入缓存时注入的抓取时间（Unix 毫秒）。
const TimestampHeader = "Sw-Fetch-Time"

// Stamp 返回带有抓取时间头的副本，原响应保持不变。
func Stamp(resp *Response, at time.Time) *Response {
	stamped := resp.Clone()
	stamped.Header.Set(TimestampHeader, strconv.FormatInt(at.UnixMilli(), 10))
	return stamped
}

// FetchedAt 解析抓取时间头，缺失或无法解析时返回 false。
func FetchedAt(resp *Response) (time.Time, bool) {
	if resp == nil || resp.Header == nil {
		return time.Time{}, false
	}
	raw := strings.TrimSpace(resp.Header.Get(TimestampHeader))
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// IsExpired 判断缓存条目是否超过 maxAge；没有时间戳的条目一律视为过期。
func IsExpired(resp *Response, maxAge time.Duration, now time.Time) bool {
	fetched, ok := FetchedAt(resp)
	if !ok {
		return true
	}
	return now.Sub(fetched) > maxAge
}

// Freshness 绑定时钟与各类别 maxAge，供缓存优先策略判断是否可以跳过网络。
type Freshness struct {
	names  Names
	maxAge MaxAge
	now    func() time.Time
}

// NewFreshness 构造新鲜度判断器，now 为空时使用 time.Now。
func NewFreshness(names Names, maxAge MaxAge, now func() time.Time) Freshness {
	if now == nil {
		now = time.Now
	}
	return Freshness{names: names, maxAge: maxAge, now: now}
}

// Fresh 表示 namespace 中的条目仍在该命名空间的 maxAge 之内。
func (f Freshness) Fresh(namespace string, resp *Response) bool {
	if resp == nil {
		return false
	}
	return !IsExpired(resp, f.maxAge.ForNamespace(f.names, namespace), f.now())
}
