package worker

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/pulson/pulson-offline/internal/cache"
)

// Destination 对应 Fetch 规范中的 request.destination。
type Destination string

const (
	DestinationEmpty    Destination = ""
	DestinationDocument Destination = "document"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationImage    Destination = "image"
)

// Request 是被拦截请求的只读快照。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Destination Destination
	ClientID    string
}

// NewRequest 解析 URL 并根据请求头推断 destination。
func NewRequest(method, rawURL string, header http.Header) (*Request, error) {
	if method == "" {
		method = http.MethodGet
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("request url must be absolute")
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{
		Method:      strings.ToUpper(method),
		URL:         parsed,
		Header:      header,
		Destination: DetectDestination(method, header),
	}, nil
}

// Key 返回请求在缓存中的键。
func (r *Request) Key() string {
	return cache.Key(r.URL.String())
}

// IsGet 仅 GET 请求参与缓存读写。
func (r *Request) IsGet() bool {
	return r.Method == http.MethodGet || r.Method == ""
}

// DetectDestination 依次参考 Sec-Fetch-Dest、Sec-Fetch-Mode 与 Accept 头。
func DetectDestination(method string, header http.Header) Destination {
	if header == nil {
		return DestinationEmpty
	}
	if dest := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Dest"))); dest != "" {
		if dest == "empty" {
			return DestinationEmpty
		}
		return Destination(dest)
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Mode"), "navigate") {
		return DestinationDocument
	}
	if method != "" && !strings.EqualFold(method, http.MethodGet) {
		return DestinationEmpty
	}
	if strings.Contains(strings.ToLower(header.Get("Accept")), "text/html") {
		return DestinationDocument
	}
	return DestinationEmpty
}

// SameOrigin 比较 scheme + host（含端口）。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(canonicalHost(a), canonicalHost(b))
}

func canonicalHost(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return host + ":" + port
}
