package integration

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// originStub 模拟站点源站，记录每次请求并支持切换为不可用。
type originStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []RecordedRequest
	down     atomic.Bool
	revision atomic.Int32
}

// RecordedRequest 捕获每次请求的方法/路径/Host/Headers，便于断言代理行为。
type RecordedRequest struct {
	Method  string
	Path    string
	Host    string
	Headers http.Header
	Body    []byte
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()

	stub := &originStub{}
	stub.revision.Store(1)

	mux := http.NewServeMux()
	mux.HandleFunc("/offline.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<h1>offline</h1>"))
	})
	mux.HandleFunc("/styles.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{color:red} /* rev " + stub.rev() + " */"))
	})
	mux.HandleFunc("/images/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png:" + r.URL.Path))
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rev":` + stub.rev() + `}`))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<p>" + r.URL.Path + " rev " + stub.rev() + "</p>"))
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.recordRequest(r)
		if stub.down.Load() {
			// 直接断开连接，模拟网络故障。
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					_ = conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start origin stub listener: %v", err)
	}
	server := &http.Server{Handler: handler}

	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()

	t.Cleanup(stub.Close)
	return stub
}

func (s *originStub) Close() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *originStub) rev() string {
	return strconv.Itoa(int(s.revision.Load()))
}

func (s *originStub) bump() {
	s.revision.Add(1)
}

func (s *originStub) setDown(down bool) {
	s.down.Store(down)
}

func (s *originStub) recordRequest(r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Host:    r.Host,
		Headers: cloneHeader(r.Header),
		Body:    body,
	})
	s.mu.Unlock()
	r.Body = io.NopCloser(bytes.NewReader(body))
}

func (s *originStub) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]RecordedRequest, len(s.requests))
	copy(result, s.requests)
	return result
}

func (s *originStub) hits(path string) int {
	count := 0
	for _, req := range s.Requests() {
		if req.Path == path {
			count++
		}
	}
	return count
}

func cloneHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, values := range src {
		cp := make([]string, len(values))
		copy(cp, values)
		dst[k] = cp
	}
	return dst
}

func TestOriginStubServesSitePaths(t *testing.T) {
	stub := newOriginStub(t)

	resp, err := http.Get(stub.URL + "/styles.css")
	if err != nil {
		t.Fatalf("styles request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(body, []byte("rev 1")) {
		t.Fatalf("unexpected styles body: %s", body)
	}

	stub.setDown(true)
	if _, err := http.Get(stub.URL + "/styles.css"); err == nil {
		t.Fatalf("expected transport error while down")
	}

	// 复用连接失败时客户端可能重试一次。
	if got := len(stub.Requests()); got < 2 {
		t.Fatalf("expected at least 2 recorded requests, got %d", got)
	}
}
