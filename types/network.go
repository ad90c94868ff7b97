package types

import (
	"context"
	"strings"
)

const DestinationDocument = "document"

// Request is the transport-neutral view of one intercepted page request.
type Request struct {
	Method      string
	URL         string
	Destination string
	Header      map[string]string
	Body        []byte
}

// Response is an intercepted or cached response. Opaque responses come from
// credential-less cross-origin fetches; callers must replay them untouched.
type Response struct {
	Status int
	Header map[string]string
	Body   []byte
	Opaque bool
}

type FetchOptions struct {
	NoCORS          bool
	OmitCredentials bool
}

type Fetcher interface {
	Fetch(ctx context.Context, req *Request, opts FetchOptions) (*Response, error)
}

type InterceptHandler func(ctx context.Context, req *Request) *Response

// NetworkInterceptor routes every page request to the currently claimed handler.
type NetworkInterceptor interface {
	Claim(handler InterceptHandler)
}

func (r *Request) IsGet() bool {
	return r.Method == "" || strings.EqualFold(r.Method, "GET")
}

func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}

	clone := &Response{
		Status: r.Status,
		Opaque: r.Opaque,
		Header: make(map[string]string, len(r.Header)),
	}

	for k, v := range r.Header {
		clone.Header[k] = v
	}

	if r.Body != nil {
		clone.Body = make([]byte, len(r.Body))
		copy(clone.Body, r.Body)
	}

	return clone
}

func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

func NewEmptyResponse(status int) *Response {
	return &Response{
		Status: status,
		Header: map[string]string{},
		Body:   []byte{},
	}
}
