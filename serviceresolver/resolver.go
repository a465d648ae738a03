package serviceresolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const srvSchemePrefix = "srv+"

// DefaultNameserver is the local stub resolver.
const DefaultNameserver = "127.0.0.53:53"

var ErrNoRecords = errors.New("no SRV records")

type Resolver struct {
	Nameserver string
	Client     *dns.Client
}

// NewResolver queries nameserver (host:port). An empty nameserver uses the
// first entry of /etc/resolv.conf, or DefaultNameserver if that is unreadable.
func NewResolver(nameserver string) *Resolver {
	if nameserver == "" {
		nameserver = DefaultNameserver
		if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
			nameserver = net.JoinHostPort(cfg.Servers[0], cfg.Port)
		}
	}
	return &Resolver{
		Nameserver: nameserver,
		Client:     &dns.Client{Timeout: 5 * time.Second},
	}
}

// IsSRVURL reports whether rawURL needs SRV resolution.
func IsSRVURL(rawURL string) bool {
	return strings.HasPrefix(strings.ToLower(rawURL), srvSchemePrefix)
}

// LookupSRV returns the SRV records of name ordered by priority, then by
// descending weight.
func (r *Resolver) LookupSRV(ctx context.Context, name string) ([]*dns.SRV, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.Client.ExchangeContext(ctx, m, r.Nameserver)
	if err != nil {
		return nil, fmt.Errorf("srv lookup of %s failed: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("srv lookup of %s failed: %s", name, dns.RcodeToString[in.Rcode])
	}

	records := make([]*dns.SRV, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoRecords, name)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	return records, nil
}

// ResolveURL turns a srv+http(s) URL into a concrete http(s) URL. Other URLs
// are returned as is.
func (r *Resolver) ResolveURL(ctx context.Context, rawURL string) (string, error) {
	if !IsSRVURL(rawURL) {
		return rawURL, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	scheme := strings.TrimPrefix(strings.ToLower(u.Scheme), srvSchemePrefix)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	records, err := r.LookupSRV(ctx, u.Hostname())
	if err != nil {
		return "", err
	}

	best := records[0]
	u.Scheme = scheme
	u.Host = net.JoinHostPort(strings.TrimSuffix(best.Target, "."), strconv.Itoa(int(best.Port)))
	return u.String(), nil
}
