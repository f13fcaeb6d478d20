package types

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCors     RequestMode = "no-cors"
	ModeCors       RequestMode = "cors"
)

type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseOpaque ResponseType = "opaque"
	ResponseError  ResponseType = "error"
)

type Request struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
	Mode   RequestMode `json:"mode,omitempty"`
	Origin string      `json:"origin,omitempty"`
}

func NewRequest(method, rawURL string) *Request {
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    rawURL,
		Header: make(http.Header),
		Mode:   ModeSameOrigin,
	}
}

func (r *Request) IsGet() bool {
	return strings.EqualFold(r.Method, http.MethodGet)
}

func (r *Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// Key identifies the request inside a bucket: upper-cased method plus the
// URL normalized against the request's origin.
func (r *Request) Key() string {
	return strings.ToUpper(r.Method) + " " + NormalizeURL(r.URL, r.Origin)
}

func (r *Request) Path() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (r *Request) Scheme() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Scheme == "" {
		return "http"
	}
	return strings.ToLower(u.Scheme)
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// NormalizeURL drops the fragment and reduces relative URLs, and absolute
// URLs on origin, to path plus query so "/a", "/a#x", "a" and
// "https://site/a" share a cache key. Cross-origin URLs keep their host.
func NormalizeURL(raw, origin string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""

	if (u.Host == "" && u.Scheme == "") || sameOrigin(u, origin) {
		path := u.EscapedPath()
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if u.RawQuery != "" {
			return path + "?" + u.RawQuery
		}
		return path
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

func sameOrigin(u *url.URL, origin string) bool {
	if origin == "" || u.Host == "" {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return false
	}
	if !strings.EqualFold(u.Scheme, o.Scheme) {
		return false
	}
	return strings.EqualFold(hostPort(u), hostPort(o))
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return u.Hostname() + ":" + port
}

type Response struct {
	Status   int          `json:"status"`
	Header   http.Header  `json:"header,omitempty"`
	Body     []byte       `json:"body,omitempty"`
	Type     ResponseType `json:"type,omitempty"`
	URL      string       `json:"url,omitempty"`
	StoredAt time.Time    `json:"stored_at,omitempty"`
}

func NewResponse(status int, body []byte) *Response {
	return &Response{
		Status: status,
		Header: make(http.Header),
		Body:   body,
		Type:   ResponseBasic,
	}
}

// Cacheable reports whether the response may be written to a bucket:
// status 200 and not a network-level error.
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type != ResponseError
}

func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}
