package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrLookup is returned when a DNS server answers with a failure rcode.
var ErrLookup = errors.New("dns lookup failed")

// DNSClient queries MX records from one configured name server.
type DNSClient struct {
	server  string
	timeout time.Duration
}

// NewDNSClient creates a DNSClient for server ("host" or "host:port").
func NewDNSClient(server string, timeout time.Duration) *DNSClient {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(strings.Trim(server, "[]"), "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSClient{
		server:  server,
		timeout: timeout,
	}
}

// LookupMX sends an MX question for name. A truncated UDP answer is retried over TCP.
func (c *DNSClient) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeMX)

	client := &dns.Client{Timeout: c.timeout}
	r, _, err := client.ExchangeContext(ctx, m, c.server)
	if err == nil && r.Truncated {
		client = &dns.Client{Net: "tcp", Timeout: c.timeout}
		r, _, err = client.ExchangeContext(ctx, m, c.server)
	}
	if err != nil {
		return nil, fmt.Errorf("mx query %s: %w", name, err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: %s for %s", ErrLookup, dns.RcodeToString[r.Rcode], name)
	}

	var records []*net.MX
	for _, answer := range r.Answer {
		if mx, ok := answer.(*dns.MX); ok {
			records = append(records, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}
	return records, nil
}

type cachedMX struct {
	records []*net.MX
	valid   time.Time
}

// CachingLookuper caches successful MX answers for a fixed duration. Failed
// lookups are not cached.
type CachingLookuper struct {
	lookup        MXLookuper
	cacheDuration time.Duration
	lock          *sync.RWMutex
	cache         map[string]cachedMX
	now           func() time.Time
}

// NewCachingLookuper wraps l with a cache of lifetime t.
func NewCachingLookuper(l MXLookuper, t time.Duration) *CachingLookuper {
	return &CachingLookuper{
		lookup:        l,
		cacheDuration: t,
		lock:          &sync.RWMutex{},
		cache:         map[string]cachedMX{},
		now:           time.Now,
	}
}

func copyMX(records []*net.MX) []*net.MX {
	res := make([]*net.MX, 0, len(records))
	for _, r := range records {
		k := *r
		res = append(res, &k)
	}
	return res
}

func (c *CachingLookuper) checkCache(name string) ([]*net.MX, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	e, ok := c.cache[name]
	if !ok || c.now().After(e.valid) {
		return nil, false
	}
	return copyMX(e.records), true
}

// LookupMX implements MXLookuper.
func (c *CachingLookuper) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	name = strings.ToLower(name)
	if res, ok := c.checkCache(name); ok {
		return res, nil
	}
	rec, err := c.lookup.LookupMX(ctx, name)
	if err != nil {
		return nil, err
	}
	valid := c.now().Add(c.cacheDuration)

	c.lock.Lock()
	defer c.lock.Unlock()
	c.cache[name] = cachedMX{
		records: copyMX(rec),
		valid:   valid,
	}
	return copyMX(rec), nil
}
