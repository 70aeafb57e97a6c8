package gwcontext

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// HeaderUserID carries the authenticated user to the backend.
const HeaderUserID = "userId"

const defaultScheme = "http://"

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is the gateway's view of one inbound request. The inbound
// fields are read-only; the modify* fields and the outbound header and
// query sets are rewritten by filters before Build.
type Request struct {
	uniqueID    string
	beginTime   time.Time
	clientIP    string
	host        string
	path        string
	uri         string
	method      string
	contentType string
	header      http.Header
	query       url.Values
	inbound     *Inbound

	cookies    map[string]*http.Cookie
	postParams url.Values

	modifyScheme string
	modifyHost   string
	modifyPath   string
	outHeader    http.Header
	outQuery     url.Values
	userID       string
	timeout      time.Duration
}

// NewRequest builds a Request for uniqueID around in.
func NewRequest(uniqueID string, in *Inbound) *Request {
	query, _ := url.ParseQuery(in.RawQuery)
	r := &Request{
		uniqueID:     uniqueID,
		beginTime:    in.ReceivedAt,
		clientIP:     ClientIP(in.Header, in.RemoteAddr),
		host:         in.Host,
		path:         in.Path,
		uri:          in.URI,
		method:       in.Method,
		contentType:  in.Header.Get("Content-Type"),
		header:       in.Header,
		query:        query,
		inbound:      in,
		modifyScheme: defaultScheme,
		modifyHost:   in.Host,
		modifyPath:   in.Path,
		outHeader:    in.Header.Clone(),
		outQuery:     cloneValues(query),
	}
	if r.beginTime.IsZero() {
		r.beginTime = time.Now()
	}
	return r
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func (r *Request) UniqueID() string      { return r.uniqueID }
func (r *Request) BeginTime() time.Time  { return r.beginTime }
func (r *Request) ClientIP() string      { return r.clientIP }
func (r *Request) Host() string          { return r.host }
func (r *Request) Path() string          { return r.path }
func (r *Request) URI() string           { return r.uri }
func (r *Request) Method() string        { return r.method }
func (r *Request) ContentType() string   { return r.contentType }
func (r *Request) Header() http.Header   { return r.header }
func (r *Request) Inbound() *Inbound     { return r.inbound }
func (r *Request) ModifyScheme() string  { return r.modifyScheme }
func (r *Request) ModifyHost() string    { return r.modifyHost }
func (r *Request) ModifyPath() string    { return r.modifyPath }
func (r *Request) UserID() string        { return r.userID }
func (r *Request) Timeout() time.Duration { return r.timeout }

// Body returns the inbound body, nil once released.
func (r *Request) Body() []byte {
	return r.inbound.Body()
}

// SetModifyScheme sets the outbound scheme, e.g. "https://".
func (r *Request) SetModifyScheme(scheme string) { r.modifyScheme = scheme }

// SetModifyHost sets the outbound host:port.
func (r *Request) SetModifyHost(host string) { r.modifyHost = host }

// SetModifyPath sets the outbound path.
func (r *Request) SetModifyPath(path string) { r.modifyPath = path }

// SetUserID records the authenticated user forwarded to the backend.
func (r *Request) SetUserID(id string) { r.userID = id }

// SetTimeout bounds the outbound call; zero leaves the client default.
func (r *Request) SetTimeout(d time.Duration) { r.timeout = d }

// AddHeader appends an outbound header value.
func (r *Request) AddHeader(name, value string) { r.outHeader.Add(name, value) }

// SetHeader replaces an outbound header.
func (r *Request) SetHeader(name, value string) { r.outHeader.Set(name, value) }

// AddQueryParam appends an outbound query parameter.
func (r *Request) AddQueryParam(name, value string) { r.outQuery.Add(name, value) }

// Cookie returns the named inbound cookie.
func (r *Request) Cookie(name string) (*http.Cookie, bool) {
	if r.cookies == nil {
		r.cookies = make(map[string]*http.Cookie)
		for _, c := range (&http.Request{Header: r.header}).Cookies() {
			r.cookies[c.Name] = c
		}
	}
	c, ok := r.cookies[name]
	return c, ok
}

// QueryParams returns all values of an inbound query parameter.
func (r *Request) QueryParams(name string) []string {
	return r.query[name]
}

// PostParams returns values of name from a form body, or the gjson path
// name from a JSON body. Other requests have no post params.
func (r *Request) PostParams(name string) []string {
	switch {
	case r.isFormPost():
		if r.postParams == nil {
			r.postParams, _ = url.ParseQuery(string(r.Body()))
		}
		return r.postParams[name]
	case r.isJSONPost():
		res := gjson.GetBytes(r.Body(), name)
		if !res.Exists() {
			return nil
		}
		return []string{res.String()}
	}
	return nil
}

func (r *Request) isJSONPost() bool {
	return r.method == http.MethodPost && strings.HasPrefix(r.contentType, "application/json")
}

func (r *Request) isFormPost() bool {
	return r.method == http.MethodPost &&
		(strings.HasPrefix(r.contentType, "multipart/form-data") ||
			strings.HasPrefix(r.contentType, "application/x-www-form-urlencoded"))
}

// FinalURL is scheme + host + path of the outbound call.
func (r *Request) FinalURL() string {
	return r.modifyScheme + r.modifyHost + r.modifyPath
}

// Build creates the outbound request. The body is copied out of the pooled
// inbound buffer since the transport may still hold it after a response.
func (r *Request) Build(ctx context.Context) (*http.Request, error) {
	target := r.FinalURL()
	if len(r.outQuery) > 0 {
		target += "?" + r.outQuery.Encode()
	}

	var body *bytes.Reader
	if b := r.Body(); len(b) > 0 {
		body = bytes.NewReader(bytes.Clone(b))
	}

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, r.method, target, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, r.method, target, nil)
	}
	if err != nil {
		return nil, err
	}

	req.Header = r.outHeader.Clone()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	if r.userID != "" {
		req.Header.Set(HeaderUserID, r.userID)
	}
	return req, nil
}
