package cache

import "net/http"

// Response 是完整缓冲后的 HTTP 响应，既是网络结果也是缓存条目的载荷。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK 对应 fetch Response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 复制头部与正文，调用方可以安全修改返回值。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
	}
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return clone
}
