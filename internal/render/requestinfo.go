package render

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

// ClientRequest is the transport-level request handed in by the HTTP layer.
// All fields are optional; zero values mean "absent".
type ClientRequest struct {
	Protocol string              `json:"protocol"`
	Headers  map[string][]string `json:"headers"`
	Query    map[string][]string `json:"queryParams"`
	Path     string              `json:"path"`
	Method   string              `json:"method"`
	Body     string              `json:"body"`
	Cookies  map[string]string   `json:"cookies"`
}

// ClientResponse is the transport-level response the in-context application
// mutates during a visit.
type ClientResponse struct {
	Headers    map[string][]string `json:"headers"`
	StatusCode int                 `json:"statusCode"`
}

// Request is the immutable request half of one render. Construct with
// NewRequest; do not mutate after construction.
type Request struct {
	Protocol string
	Headers  http.Header
	Query    map[string][]string
	Path     string
	Method   string
	Body     string

	cookies       map[string]string
	hostWhitelist []string
}

// NewRequest builds a Request from transport data. Cookie precedence: an
// already-parsed cookie map wins, then the raw Cookie header, then empty.
func NewRequest(cr *ClientRequest, hostWhitelist []string) *Request {
	if cr == nil {
		return nil
	}
	headers := http.Header{}
	for name, values := range cr.Headers {
		for _, v := range values {
			headers.Add(name, v)
		}
	}
	r := &Request{
		Protocol:      cr.Protocol,
		Headers:       headers,
		Query:         cr.Query,
		Path:          cr.Path,
		Method:        cr.Method,
		Body:          cr.Body,
		hostWhitelist: hostWhitelist,
	}
	switch {
	case cr.Cookies != nil:
		r.cookies = cr.Cookies
	case headers.Get("Cookie") != "":
		r.cookies = parseCookieHeader(headers.Get("Cookie"))
	default:
		r.cookies = map[string]string{}
	}
	return r
}

// Cookies returns the request's cookie mapping.
func (r *Request) Cookies() map[string]string {
	return r.cookies
}

// Host returns the request's Host header after validating it against the
// configured whitelist. Whitelist entries are exact strings, or regular
// expressions when delimited with slashes ("/pattern/"). A request with no
// whitelist configured always errors; the whitelist is required, never
// silently permissive.
func (r *Request) Host() (string, error) {
	if len(r.hostWhitelist) == 0 {
		return "", &ValidationError{Reason: "no hostWhitelist configured"}
	}
	host := r.Headers.Get("Host")
	for _, entry := range r.hostWhitelist {
		if matchHost(entry, host) {
			return host, nil
		}
	}
	return "", &ValidationError{Reason: "host " + host + " is not in the hostWhitelist"}
}

func matchHost(entry, host string) bool {
	if len(entry) > 1 && strings.HasPrefix(entry, "/") && strings.HasSuffix(entry, "/") {
		re, err := regexp.Compile(entry[1 : len(entry)-1])
		if err != nil {
			return false
		}
		return re.MatchString(host)
	}
	return entry == host
}

// parseCookieHeader splits a raw Cookie header into name/value pairs using
// the stdlib parser.
func parseCookieHeader(raw string) map[string]string {
	header := http.Header{}
	header.Set("Cookie", raw)
	req := http.Request{Header: header}
	cookies := map[string]string{}
	for _, c := range req.Cookies() {
		cookies[c.Name] = c.Value
	}
	return cookies
}

// Response is the mutable response half of one render. The in-context
// application sets headers and status; defaults to 200.
type Response struct {
	Headers    http.Header
	StatusCode int
}

// NewResponse builds a Response from transport data, defaulting to 200.
func NewResponse(cr *ClientResponse) *Response {
	resp := &Response{Headers: http.Header{}, StatusCode: http.StatusOK}
	if cr == nil {
		return resp
	}
	for name, values := range cr.Headers {
		for _, v := range values {
			resp.Headers.Add(name, v)
		}
	}
	if cr.StatusCode != 0 {
		resp.StatusCode = cr.StatusCode
	}
	return resp
}

// DeferredFunc is one unit of asynchronous work the application registers to
// postpone render completion.
type DeferredFunc func(ctx context.Context) error

// Info aggregates everything one visit carries across the execution-context
// boundary: the request/response pair, the host whitelist, per-request
// metadata, the shoebox, and the deferred-rendering chain.
type Info struct {
	Request  *Request
	Response *Response
	Metadata map[string]interface{}
	Shoebox  map[string]interface{}

	hostWhitelist []string

	mu       sync.Mutex
	deferred []DeferredFunc
}

// NewInfo creates a fresh Info for one visit.
func NewInfo(req *ClientRequest, resp *ClientResponse, hostWhitelist []string, metadata map[string]interface{}) *Info {
	return &Info{
		Request:       NewRequest(req, hostWhitelist),
		Response:      NewResponse(resp),
		Metadata:      metadata,
		Shoebox:       map[string]interface{}{},
		hostWhitelist: hostWhitelist,
	}
}

// DeferRendering chains fn onto the deferred-rendering chain. The chain is
// strictly sequential: each registered unit runs only after every previously
// registered unit has completed.
func (i *Info) DeferRendering(fn DeferredFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deferred = append(i.deferred, fn)
}

// AwaitDeferred drains the deferred chain in registration order. The first
// error aborts the chain and is returned.
func (i *Info) AwaitDeferred(ctx context.Context) error {
	for {
		i.mu.Lock()
		if len(i.deferred) == 0 {
			i.mu.Unlock()
			return nil
		}
		fn := i.deferred[0]
		i.deferred = i.deferred[1:]
		i.mu.Unlock()

		if err := fn(ctx); err != nil {
			return err
		}
	}
}

// infoExtra is the third serialization slot.
type infoExtra struct {
	HostWhitelist []string               `json:"hostWhitelist"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// Serialize reduces the Info to its four-slot wire tuple:
// [request|nil, response|nil, {hostWhitelist, metadata}, shoebox].
// Absent request or response slots stay nil; the shape is fixed.
func (i *Info) Serialize() []interface{} {
	tuple := make([]interface{}, 4)
	if i.Request != nil {
		tuple[0] = &ClientRequest{
			Protocol: i.Request.Protocol,
			Headers:  map[string][]string(i.Request.Headers),
			Query:    i.Request.Query,
			Path:     i.Request.Path,
			Method:   i.Request.Method,
			Body:     i.Request.Body,
			Cookies:  i.Request.cookies,
		}
	}
	if i.Response != nil {
		tuple[1] = &ClientResponse{
			Headers:    map[string][]string(i.Response.Headers),
			StatusCode: i.Response.StatusCode,
		}
	}
	tuple[2] = infoExtra{HostWhitelist: i.hostWhitelist, Metadata: i.Metadata}
	tuple[3] = i.Shoebox
	return tuple
}

// DeserializeInfo reconstructs an Info from the four-slot wire tuple as it
// comes back out of the execution context.
func DeserializeInfo(tuple []interface{}) (*Info, error) {
	if len(tuple) != 4 {
		return nil, &RenderError{Reason: "serialized render info must have exactly four slots"}
	}
	var req *ClientRequest
	if err := reshape(tuple[0], &req); err != nil {
		return nil, &RenderError{Reason: "malformed request slot", Err: err}
	}
	var resp *ClientResponse
	if err := reshape(tuple[1], &resp); err != nil {
		return nil, &RenderError{Reason: "malformed response slot", Err: err}
	}
	var extra infoExtra
	if err := reshape(tuple[2], &extra); err != nil {
		return nil, &RenderError{Reason: "malformed metadata slot", Err: err}
	}
	var shoebox map[string]interface{}
	if err := reshape(tuple[3], &shoebox); err != nil {
		return nil, &RenderError{Reason: "malformed shoebox slot", Err: err}
	}

	info := NewInfo(req, resp, extra.HostWhitelist, extra.Metadata)
	if shoebox != nil {
		info.Shoebox = shoebox
	}
	return info, nil
}

// reshape converts an arbitrary decoded value into a typed destination by
// round-tripping through JSON.
func reshape(src, dst interface{}) error {
	if src == nil {
		return nil
	}
	raw, err := sonic.Marshal(src)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(raw, dst)
}

// shoeboxEscaper rewrites characters that could terminate a script element or
// trip line-separator parsing quirks into their \uXXXX forms.
var shoeboxEscaper = strings.NewReplacer(
	"&", `\u0026`,
	"<", `\u003c`,
	">", `\u003e`,
	"\u2028", `\u2028`,
	"\u2029", `\u2029`,
)

// EscapeShoeboxJSON applies the shoebox escaping table to serialized JSON.
func EscapeShoeboxJSON(raw string) string {
	return shoeboxEscaper.Replace(raw)
}
