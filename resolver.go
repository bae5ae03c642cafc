package statbuf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// resolver resolves the transport endpoint host, racing the configured
// resolvers (plain DNS, DNS-over-TLS, DNS-over-HTTPS) against the system
// resolver and taking the first usable answer. Results are cached and
// non-forced refreshes are throttled.
type resolver struct {
	timeout      time.Duration
	cacheTTL     time.Duration
	udpServers   []string
	tlsServers   []string
	dohEndpoints []string

	// systemLookup is swapped out in tests.
	systemLookup func(ctx context.Context, host string) ([]string, error)

	mutex       sync.Mutex
	lastIPs     []string
	lastResolve time.Time
	cachedUntil time.Time
}

func newResolver(config Config) *resolver {
	r := &resolver{
		timeout:  pickDuration(config.DNSTimeout, 800*time.Millisecond),
		cacheTTL: pickDuration(config.DNSCacheTTL, 10*time.Minute),
		systemLookup: func(ctx context.Context, host string) ([]string, error) {
			netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			ips := make([]string, 0, len(netIPs))
			for _, ip := range netIPs {
				ips = append(ips, ip.String())
			}
			return ips, nil
		},
	}
	if config.DNSEnable {
		r.udpServers = append([]string(nil), config.DNSUDPServers...)
		r.tlsServers = append([]string(nil), config.DNSTLSServers...)
		r.dohEndpoints = append([]string(nil), config.DNSDoHEndpoints...)
	}
	return r
}

// refresh resolves host and reports whether the address set changed
// since the previous resolve. Non-forced calls are served from cache
// while it is fresh and are throttled to one resolve per minute.
func (r *resolver) refresh(ctx context.Context, host string, force bool) ([]string, bool, error) {
	r.mutex.Lock()
	if !force {
		if time.Now().Before(r.cachedUntil) || time.Since(r.lastResolve) < time.Minute {
			ips := r.lastIPs
			r.mutex.Unlock()
			return ips, false, nil
		}
	}
	r.mutex.Unlock()

	ips, err := r.resolve(ctx, host)

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.lastResolve = time.Now()
	if err != nil {
		return nil, false, err
	}

	sort.Strings(ips)
	changed := !stringSlicesEqual(ips, r.lastIPs)
	r.lastIPs = ips
	r.cachedUntil = time.Now().Add(r.cacheTTL)
	return ips, changed, nil
}

// resolve races every configured resolver plus the system resolver and
// returns the first non-empty answer.
func (r *resolver) resolve(ctx context.Context, host string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type answer struct {
		ips []string
		err error
	}
	ch := make(chan answer, 1+len(r.udpServers)+len(r.tlsServers)+len(r.dohEndpoints))

	ask := func(fn func() ([]string, error)) {
		go func() {
			ips, err := fn()
			ch <- answer{ips, err}
		}()
	}

	for _, srv := range r.udpServers {
		srv := srv
		ask(func() ([]string, error) { return queryDNS(ctx, host, srv, "udp") })
	}
	for _, srv := range r.tlsServers {
		srv := srv
		ask(func() ([]string, error) { return queryDNS(ctx, host, srv, "tcp-tls") })
	}
	for _, ep := range r.dohEndpoints {
		ep := ep
		ask(func() ([]string, error) { return queryDoH(ctx, host, ep) })
	}
	ask(func() ([]string, error) { return r.systemLookup(ctx, host) })

	var firstErr error
	for i := 0; i < cap(ch); i++ {
		select {
		case a := <-ch:
			if a.err == nil && len(a.ips) > 0 {
				return a.ips, nil
			}
			if firstErr == nil {
				firstErr = a.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns answer for %q", host)
	}
	return nil, firstErr
}

// queryDNS asks one server over plain UDP or DoT for A records.
func queryDNS(ctx context.Context, host, server, network string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)

	c := &dns.Client{Net: network}
	resp, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("%s dns query: %w", network, err)
	}
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s dns query: rcode %d", network, rcodeOf(resp))
	}
	return answerIPs(resp), nil
}

// queryDoH asks one DNS-over-HTTPS endpoint for A records.
func queryDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(host), dns.TypeA)
	payload, err := q.Pack()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh status %d", httpResp.StatusCode)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	var resp dns.Msg
	if err := resp.Unpack(body); err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("doh rcode %d", resp.Rcode)
	}
	return answerIPs(&resp), nil
}

func answerIPs(resp *dns.Msg) []string {
	ips := make([]string, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if a, ok := ans.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips
}

func rcodeOf(resp *dns.Msg) int {
	if resp == nil {
		return -1
	}
	return resp.Rcode
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
