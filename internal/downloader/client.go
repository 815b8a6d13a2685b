package downloader

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"dlqueue/internal/config"

	"golang.org/x/time/rate"
)

// Options configures the HTTP client.
type Options struct {
	// Timeout bounds connecting, waiting for response headers and every
	// gap between body reads. A whole transfer may take longer.
	// Default: 30s
	Timeout time.Duration

	// Headers are sent with every request (User-Agent, Referer, cookies).
	Headers map[string]string

	// RateLimit caps body throughput in bytes per second across all
	// transfers sharing the client. Zero means unlimited.
	RateLimit int64

	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:             30 * time.Second,
		MaxIdleConnsPerHost: 16,
	}
}

// OptionsFromConfig adapts the http section of the configuration.
func OptionsFromConfig(cfg config.Config) Options {
	opts := DefaultOptions()
	opts.Timeout = cfg.HTTPTimeout
	opts.Headers = cfg.Headers
	opts.RateLimit = cfg.RateLimit
	return opts
}

// FileInfo is what a HEAD probe learned about a remote file.
type FileInfo struct {
	Size          int64 // -1 when unknown
	ETag          string
	LastModified  string
	AcceptsRanges bool
	Chunked       bool
	ContentType   string
	// Attachment is set when Content-Disposition asks for a download;
	// Filename carries its suggested name, if any.
	Attachment bool
	Filename   string
}

// IsDocument reports whether the response is an HTML page rather than a
// file. A missing Content-Type counts as a page.
func (f *FileInfo) IsDocument() bool {
	if f.Attachment {
		return false
	}
	if f.ContentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(f.ContentType)
	if err != nil {
		return true
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return true
	}
	return false
}

// Resumable reports whether a byte-range resume can be trusted: the origin
// advertises ranges and a fixed length.
func (f *FileInfo) Resumable() bool {
	return f.AcceptsRanges && f.Size > 0 && !f.Chunked
}

// Client is the HTTP client every transfer, manifest and page fetch goes
// through.
type Client struct {
	client  *http.Client
	opts    Options
	limiter *rate.Limiter
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = DefaultOptions().MaxIdleConnsPerHost
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		MaxIdleConns:          opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true, // byte offsets must match the entity on the origin
	}

	c := &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < chunkSize {
			burst = chunkSize
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// do sends req and turns transport failures into NetworkErrors. A cancelled
// ctx is returned as is.
func (c *Client) do(ctx context.Context, op string, req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Op: op, URL: req.URL.String(), Err: err}
	}
	return resp, nil
}

// Probe issues a HEAD request. Origins that reject HEAD are reported as not
// resumable rather than as an error.
func (c *Client) Probe(ctx context.Context, url string) (*FileInfo, error) {
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, "HEAD", req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return &FileInfo{Size: -1}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{Op: "HEAD", URL: url, Status: resp.StatusCode}
	}

	info := &FileInfo{
		Size:          resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		AcceptsRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ContentType:   resp.Header.Get("Content-Type"),
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if disposition, params, err := mime.ParseMediaType(cd); err == nil {
			info.Attachment = disposition == "attachment"
			info.Filename = params["filename"]
		}
	}
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			info.Chunked = true
		}
	}
	return info, nil
}

// Fetch GETs a small resource (playlist, key, page) into memory, refusing
// bodies larger than limit bytes. It returns the final URL after redirects.
func (c *Client) Fetch(ctx context.Context, url string, limit int64) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(ctx, "GET", req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &NetworkError{Op: "GET", URL: url, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &NetworkError{Op: "GET", URL: url, Err: err}
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("GET %s: body larger than %d bytes", url, limit)
	}
	return body, resp.Request.URL.String(), nil
}

// idleReader cancels the request when no Read returns data within timeout.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
	fired   atomic.Bool
}

func newIdleReader(r io.Reader, timeout time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, timeout: timeout}
	ir.timer = time.AfterFunc(timeout, func() {
		ir.fired.Store(true)
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() { ir.timer.Stop() }

// hold stops the idle clock while the transfer itself is the one waiting,
// such as on the rate limiter. The returned func restarts it.
func (ir *idleReader) hold() func() {
	ir.timer.Stop()
	return func() {
		if !ir.fired.Load() {
			ir.timer.Reset(ir.timeout)
		}
	}
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown; start and end
// are -1 for the unsatisfied form "bytes */total".
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	header = strings.TrimPrefix(header, "bytes ")
	rng, size, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	if size == "*" {
		total = -1
	} else if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}

	if rng == "*" {
		return -1, -1, total, nil
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	return start, end, total, nil
}
