// Package originclient implements the async GET against the upstream
// origin described in spec §4.2.
package originclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies an OriginError per spec §4.2/§7.
type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindHTTP      ErrorKind = "http"
	KindDecode    ErrorKind = "decode"
)

// OriginError reports a failed fetch and why.
type OriginError struct {
	Kind ErrorKind
	Err  error
}

func (e *OriginError) Error() string {
	return fmt.Sprintf("origin: %s: %v", e.Kind, e.Err)
}

func (e *OriginError) Unwrap() error { return e.Err }

// Response is the result of a successful fetch. Body is the decoded JSON
// value; non-JSON bodies are reported via a decode OriginError instead of
// populating this field (spec §4.2 contract).
type Response struct {
	Status      int
	ContentType string
	Body        any
	RawBody     []byte
}

// Client performs GETs against a fixed origin base URL using a bounded
// connection pool, mirroring the teacher's long-lived http.Client/Transport
// pairing rather than dialing fresh per request.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// New builds a Client. baseURL is the origin's scheme+host (e.g.
// "http://localhost:8080"); timeout bounds each individual fetch per the
// concurrency contract in spec §5 ("Origin fetches carry a separate
// deadline").
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch performs a GET for path against the origin and returns the decoded
// response, or an *OriginError describing why it could not.
func (c *Client) Fetch(ctx context.Context, path string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, &OriginError{Kind: KindTransport, Err: err}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return Response{}, &OriginError{Kind: KindTransport, Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, &OriginError{Kind: KindTransport, Err: err}
	}

	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	out := Response{
		Status:      res.StatusCode,
		ContentType: contentType,
		RawBody:     raw,
	}

	if len(raw) == 0 {
		return out, nil
	}

	// Spec §4.2: the client always attempts JSON decoding of the body,
	// regardless of the declared Content-Type; §4.5 is where the pipeline
	// additionally gates caching on Content-Type being an application/*json
	// media type. A non-JSON body (e.g. a PNG) will fail here and is
	// reported as a decode error, which the pipeline treats as pass-through.
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return out, &OriginError{Kind: KindDecode, Err: err}
	}
	out.Body = decoded

	return out, nil
}

// IsJSONContentType reports whether contentType is an application/*json
// media type (parameters such as "; charset=..." are ignored), per the
// caching gate in spec §4.5.
func IsJSONContentType(contentType string) bool {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}
