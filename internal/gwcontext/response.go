package gwcontext

import (
	"encoding/json"
	"net/http"

	"github.com/tidwall/sjson"

	gwerrors "github.com/wudi/tollgate/internal/errors"
)

// Response is what gets written back to the client. It always carries a
// status and a body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// FromBackend copies a backend response. body is the fully read payload.
func FromBackend(resp *http.Response, body []byte) *Response {
	h := resp.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
	// the client transport already decompressed and the length may differ
	h.Del("Content-Length")
	if resp.Uncompressed {
		h.Del("Content-Encoding")
	}
	if body == nil {
		body = []byte{}
	}
	return &Response{Status: resp.StatusCode, Header: h, Body: body}
}

// FromError renders a gateway error as a JSON response.
func FromError(err *gwerrors.GatewayError) *Response {
	if err == nil {
		err = gwerrors.ErrInternal
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{Status: err.Status, Header: h, Body: err.Body()}
}

// FromData wraps data as a 200 JSON response of the form
// {"status":200,"code":0,"data":...}. data that is already a []byte or
// string is used as raw JSON.
func FromData(data any) *Response {
	body := []byte(`{"status":200,"code":0}`)
	var err error
	switch v := data.(type) {
	case nil:
	case []byte:
		body, err = sjson.SetRawBytes(body, "data", v)
	case string:
		if json.Valid([]byte(v)) {
			body, err = sjson.SetRawBytes(body, "data", []byte(v))
		} else {
			body, err = sjson.SetBytes(body, "data", v)
		}
	default:
		body, err = sjson.SetBytes(body, "data", v)
	}
	if err != nil {
		return FromError(gwerrors.Wrap(err, gwerrors.ErrInternal))
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{Status: http.StatusOK, Header: h, Body: body}
}

// FromFallback builds the response a breaker returns instead of calling
// the backend. An empty payload yields err's standard body.
func FromFallback(payload string, err *gwerrors.GatewayError) *Response {
	if payload == "" {
		return FromError(err)
	}
	h := make(http.Header)
	if json.Valid([]byte(payload)) {
		h.Set("Content-Type", "application/json")
	} else {
		h.Set("Content-Type", "text/plain; charset=utf-8")
	}
	return &Response{Status: http.StatusOK, Header: h, Body: []byte(payload)}
}
