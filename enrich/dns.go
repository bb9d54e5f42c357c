package enrich

import (
	"context"
	"strings"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

type dnsClient struct {
	c        *dns.Client
	resolver string
}

// NewDnsClient returns a DnsClient querying the given resolver (host:port)
// for A, MX, NS and TXT records.
func NewDnsClient(resolver string) DnsClient {
	return &dnsClient{
		c:        new(dns.Client),
		resolver: resolver,
	}
}

func (d *dnsClient) Lookup(ctx context.Context, fqdn string) (*DnsData, error) {
	res := &DnsData{}

	queries := []struct {
		qtype uint16
		dst   *[]string
	}{
		{dns.TypeA, &res.A},
		{dns.TypeMX, &res.MX},
		{dns.TypeNS, &res.NS},
		{dns.TypeTXT, &res.TXT},
	}

	for _, q := range queries {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(fqdn), q.qtype)
		msg.RecursionDesired = true

		in, _, err := d.c.ExchangeContext(ctx, msg, d.resolver)
		if err != nil {
			return nil, errors.Wrap(err, "exchange dns query")
		}
		if in.Rcode == dns.RcodeNameError {
			// the domain does not exist; remaining queries cannot succeed
			return &DnsData{Nxdomain: true}, nil
		}
		if in.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range in.Answer {
			switch t := rr.(type) {
			case *dns.A:
				*q.dst = append(*q.dst, t.A.String())
			case *dns.MX:
				*q.dst = append(*q.dst, strings.TrimSuffix(t.Mx, "."))
			case *dns.NS:
				*q.dst = append(*q.dst, strings.TrimSuffix(t.Ns, "."))
			case *dns.TXT:
				*q.dst = append(*q.dst, strings.Join(t.Txt, ""))
			}
		}
	}

	return res, nil
}
