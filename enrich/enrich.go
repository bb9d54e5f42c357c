// Package enrich attaches registration, DNS and certificate metadata to
// candidate domains. Lookups against external services are rate limited per
// service, cached, and retried with exponential backoff on transient
// failures. A failed lookup never surfaces as an error: it is encoded as null
// fields plus a partial flag, since a domain that fails WHOIS but resolves in
// DNS is still classifiable.
package enrich

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/cse-watch/phishmon/generic"
	lru "github.com/hashicorp/golang-lru"
	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type Config struct {
	Resolver   string           `yaml:"resolver"`
	Timeout    generic.Duration `yaml:"timeout"`
	Retries    int              `yaml:"retries"`
	Backoff    generic.Duration `yaml:"backoff"`
	CacheSize  int              `yaml:"cache-size"`
	TTL        generic.Duration `yaml:"ttl"`
	WhoisRate  float64          `yaml:"whois-rate"`
	WhoisBurst int              `yaml:"whois-burst"`
	DnsRate    float64          `yaml:"dns-rate"`
	DnsBurst   int              `yaml:"dns-burst"`
}

var DefaultConfig = Config{
	Resolver:   "1.1.1.1:53",
	Timeout:    generic.Duration(10 * time.Second),
	Retries:    2,
	Backoff:    generic.Duration(500 * time.Millisecond),
	CacheSize:  20000,
	TTL:        generic.Duration(720 * time.Hour),
	WhoisRate:  1,
	WhoisBurst: 1,
	DnsRate:    20,
	DnsBurst:   10,
}

// Record holds everything learned about one canonical domain. Fields are
// nullable rather than absent: a record always exists after enrichment, even
// when every lookup failed.
type Record struct {
	Fqdn string

	Registrar         *string
	RegistrantOrg     *string
	RegistrantCountry *string
	Created           *time.Time
	Expires           *time.Time
	Updated           *time.Time

	A   []string
	MX  []string
	NS  []string
	TXT []string

	TlsIssuer    *string
	TlsNotBefore *time.Time
	TlsNotAfter  *time.Time

	// RawWhois keeps the unparsed registry response for later analysis;
	// downstream code never interprets it.
	RawWhois string

	// Partial is set when at least one lookup produced no data.
	Partial bool
	// Failures maps a lookup source to the reason it produced no data.
	Failures map[string]string

	FetchedAt time.Time
}

type WhoisData struct {
	Registrar         string
	RegistrantOrg     string
	RegistrantCountry string
	Created           *time.Time
	Expires           *time.Time
	Updated           *time.Time
	NoMatch           bool
	Raw               string
}

type DnsData struct {
	A        []string
	MX       []string
	NS       []string
	TXT      []string
	Nxdomain bool
}

type TlsData struct {
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
}

type WhoisClient interface {
	Lookup(ctx context.Context, fqdn string) (*WhoisData, error)
}

type DnsClient interface {
	Lookup(ctx context.Context, fqdn string) (*DnsData, error)
}

type TlsProber interface {
	Probe(ctx context.Context, fqdn string) (*TlsData, error)
}

// Metrics receives cache statistics; the store's influx service satisfies it.
type Metrics interface {
	CacheHit(kind string, count int)
}

type nopMetrics struct{}

func (nopMetrics) CacheHit(string, int) {}

var NopMetrics Metrics = nopMetrics{}

type Gateway struct {
	conf     Config
	whois    WhoisClient
	dns      DnsClient
	tls      TlsProber
	whoisLim *rate.Limiter
	dnsLim   *rate.Limiter
	cache    *lru.Cache
	metrics  Metrics
}

func NewGateway(conf Config, metrics Metrics) (*Gateway, error) {
	if metrics == nil {
		metrics = NopMetrics
	}
	cache, err := lru.New(conf.CacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create enrichment cache")
	}
	return &Gateway{
		conf:     conf,
		whois:    NewWhoisClient(conf.Timeout.Std()),
		dns:      NewDnsClient(conf.Resolver),
		tls:      NewTlsProber(),
		whoisLim: rate.NewLimiter(rate.Limit(conf.WhoisRate), conf.WhoisBurst),
		dnsLim:   rate.NewLimiter(rate.Limit(conf.DnsRate), conf.DnsBurst),
		cache:    cache,
		metrics:  metrics,
	}, nil
}

func (g *Gateway) WithClients(w WhoisClient, d DnsClient, t TlsProber) *Gateway {
	g.whois = w
	g.dns = d
	g.tls = t
	return g
}

// Enrich gathers WHOIS, DNS and TLS data for a canonical domain. The returned
// error is non-nil only on cancellation; lookup failures are encoded in the
// record itself.
func (g *Gateway) Enrich(ctx context.Context, fqdn string) (*Record, error) {
	if v, ok := g.cache.Get(fqdn); ok {
		cached := v.(*Record)
		if time.Since(cached.FetchedAt) < g.conf.TTL.Std() {
			g.metrics.CacheHit("enrichment", 1)
			// callers own their record; hand out a copy
			return deepcopy.Copy(cached).(*Record), nil
		}
		g.cache.Remove(fqdn)
	}

	rec := &Record{
		Fqdn:      fqdn,
		Failures:  map[string]string{},
		FetchedAt: time.Now(),
	}

	var dnsData *DnsData
	err := g.withRetry(ctx, g.dnsLim, func(opCtx context.Context) error {
		var err error
		dnsData, err = g.dns.Lookup(opCtx, fqdn)
		return err
	})
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, err
	case err != nil:
		rec.Partial = true
		rec.Failures["dns"] = err.Error()
	case dnsData.Nxdomain:
		rec.Partial = true
		rec.Failures["dns"] = "nxdomain"
	default:
		rec.A = dnsData.A
		rec.MX = dnsData.MX
		rec.NS = dnsData.NS
		rec.TXT = dnsData.TXT
	}

	var whoisData *WhoisData
	err = g.withRetry(ctx, g.whoisLim, func(opCtx context.Context) error {
		var err error
		whoisData, err = g.whois.Lookup(opCtx, fqdn)
		return err
	})
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, err
	case err != nil:
		rec.Partial = true
		rec.Failures["whois"] = err.Error()
	case whoisData.NoMatch:
		rec.Partial = true
		rec.Failures["whois"] = "no match"
		rec.RawWhois = whoisData.Raw
	default:
		rec.RawWhois = whoisData.Raw
		rec.Created = whoisData.Created
		rec.Expires = whoisData.Expires
		rec.Updated = whoisData.Updated
		if whoisData.Registrar != "" {
			rec.Registrar = &whoisData.Registrar
		}
		if whoisData.RegistrantOrg != "" {
			rec.RegistrantOrg = &whoisData.RegistrantOrg
		}
		if whoisData.RegistrantCountry != "" {
			rec.RegistrantCountry = &whoisData.RegistrantCountry
		}
	}

	// a TLS probe without an address is pointless
	if len(rec.A) > 0 {
		opCtx, cancel := context.WithTimeout(ctx, g.conf.Timeout.Std())
		tlsData, err := g.tls.Probe(opCtx, fqdn)
		cancel()
		if err != nil {
			rec.Failures["tls"] = err.Error()
		} else {
			rec.TlsIssuer = &tlsData.Issuer
			nb, na := tlsData.NotBefore, tlsData.NotAfter
			rec.TlsNotBefore = &nb
			rec.TlsNotAfter = &na
		}
	}

	if !rec.Partial {
		g.cache.Add(fqdn, deepcopy.Copy(rec).(*Record))
	} else {
		log.Debug().Str("fqdn", fqdn).Msgf("partial enrichment: %v", rec.Failures)
	}

	return rec, nil
}

// withRetry runs fn under the given rate limiter, retrying transient failures
// with exponential backoff. Non-transient failures return immediately.
func (g *Gateway) withRetry(ctx context.Context, lim *rate.Limiter, fn func(context.Context) error) error {
	backoff := g.conf.Backoff.Std()
	var err error
	for attempt := 0; attempt <= g.conf.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = lim.Wait(ctx); err != nil {
			return err
		}
		opCtx, cancel := context.WithTimeout(ctx, g.conf.Timeout.Std())
		err = fn(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return err
		}
	}
	return err
}

// Transient reports whether a lookup failure is worth retrying. Timeouts and
// reset connections are; everything else wastes quota without changing the
// outcome.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if nerr, ok := errors.Cause(err).(net.Error); ok && (nerr.Timeout() || nerr.Temporary()) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "deadline exceeded")
}
