package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	allowAllRobots = "User-agent: *\nAllow: /"

	defaultRobotsTTL = time.Hour
	maxRobotsBytes   = 512 << 10
)

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsCache serves robots.txt for each provider host from memory. Colly
// re-reads robots.txt for every unit's collector, so without it each search
// would spend an extra provider request. Concurrent misses for one host
// share a single upstream fetch.
//
// A fetch that keeps timing out is answered allow-all and not cached, so
// the next unit tries the provider again. 5xx answers are not cached either.
type robotsCache struct {
	base    http.RoundTripper
	ttl     time.Duration
	backoff []time.Duration
	now     func() time.Time

	group     singleflight.Group
	mu        sync.Mutex
	hosts     map[string]robotsFile
	hits      atomic.Int64
	fallbacks atomic.Int64
}

type robotsFile struct {
	status  int
	body    []byte
	expires time.Time
}

func newRobotsCache(base http.RoundTripper) *robotsCache {
	return &robotsCache{base: base}
}

func (c *robotsCache) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots cache received nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return c.base.RoundTrip(req)
	}

	host := strings.ToLower(req.URL.Scheme + "://" + req.URL.Host)
	if file, ok := c.lookup(host); ok {
		c.hits.Add(1)
		return file.response(req), nil
	}
	v, err, _ := c.group.Do(host, func() (any, error) {
		return c.fetch(req, host)
	})
	if err != nil {
		return nil, err
	}
	return v.(robotsFile).response(req), nil
}

// Hits is the number of robots.txt requests answered from memory.
func (c *robotsCache) Hits() int64 {
	return c.hits.Load()
}

// Fallbacks is the number of robots.txt requests answered allow-all after timeouts.
func (c *robotsCache) Fallbacks() int64 {
	return c.fallbacks.Load()
}

func (c *robotsCache) lookup(host string) (robotsFile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	file, ok := c.hosts[host]
	if !ok || !c.clock().Before(file.expires) {
		return robotsFile{}, false
	}
	return file, true
}

func (c *robotsCache) store(host string, file robotsFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hosts == nil {
		c.hosts = make(map[string]robotsFile)
	}
	c.hosts[host] = file
}

func (c *robotsCache) fetch(req *http.Request, host string) (robotsFile, error) {
	backoff := c.backoff
	if backoff == nil {
		backoff = robotsRetryBackoff
	}
	for attempt := 0; ; attempt++ {
		resp, err := c.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			file, err := c.read(resp)
			if err != nil {
				return robotsFile{}, err
			}
			if file.status < http.StatusInternalServerError {
				c.store(host, file)
			}
			return file, nil
		}
		if !isTimeout(err) {
			return robotsFile{}, fmt.Errorf("fetch %s/robots.txt: %w", host, err)
		}
		if attempt == len(backoff) {
			c.fallbacks.Add(1)
			return robotsFile{status: http.StatusOK, body: []byte(allowAllRobots)}, nil
		}
		if err := sleepWithContext(req.Context(), backoff[attempt]); err != nil {
			return robotsFile{}, fmt.Errorf("fetch %s/robots.txt: %w", host, err)
		}
	}
}

func (c *robotsCache) read(resp *http.Response) (robotsFile, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return robotsFile{}, fmt.Errorf("read robots.txt: %w", err)
	}
	ttl := c.ttl
	if ttl <= 0 {
		ttl = defaultRobotsTTL
	}
	return robotsFile{status: resp.StatusCode, body: body, expires: c.clock().Add(ttl)}, nil
}

func (c *robotsCache) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (f robotsFile) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    f.status,
		Status:        fmt.Sprintf("%d %s", f.status, http.StatusText(f.status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(bytes.NewReader(f.body)),
		ContentLength: int64(len(f.body)),
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Request:       req,
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
