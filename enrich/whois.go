package enrich

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	ianaWhois = "whois.iana.org"
	whoisPort = "43"

	// registry responses are small; anything beyond this is garbage
	maxWhoisResponse = 1 << 20
)

// responses that mean the domain genuinely does not exist; these are valid
// terminal outcomes, not faults
var noMatchMarkers = []string{
	"no match",
	"not found",
	"no data found",
	"no entries found",
	"object does not exist",
	"the queried object does not exist",
}

var whoisTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02 15:04:05",
}

type whoisClient struct {
	timeout time.Duration

	m       sync.Mutex
	servers map[string]string // tld -> authoritative whois server
}

// NewWhoisClient returns a WhoisClient speaking the plain TCP/43 protocol.
// The authoritative server per TLD is learned from IANA and cached; one
// registrar referral is followed.
func NewWhoisClient(timeout time.Duration) WhoisClient {
	return &whoisClient{
		timeout: timeout,
		servers: make(map[string]string),
	}
}

func (w *whoisClient) Lookup(ctx context.Context, fqdn string) (*WhoisData, error) {
	labels := strings.Split(fqdn, ".")
	tld := labels[len(labels)-1]

	server, err := w.serverForTld(ctx, tld)
	if err != nil {
		return nil, err
	}

	raw, err := w.query(ctx, server, fqdn)
	if err != nil {
		return nil, err
	}

	// registries often delegate the full record to the registrar
	if referral := whoisField(raw, "registrar whois server"); referral != "" && !strings.EqualFold(referral, server) {
		if refRaw, err := w.query(ctx, referral, fqdn); err == nil && refRaw != "" {
			raw = refRaw
		}
	}

	data := parseWhois(raw)
	return data, nil
}

func (w *whoisClient) serverForTld(ctx context.Context, tld string) (string, error) {
	w.m.Lock()
	server, ok := w.servers[tld]
	w.m.Unlock()
	if ok {
		return server, nil
	}

	raw, err := w.query(ctx, ianaWhois, tld)
	if err != nil {
		return "", errors.Wrap(err, "resolve whois server from iana")
	}
	server = whoisField(raw, "whois")
	if server == "" {
		return "", fmt.Errorf("iana lists no whois server for tld '%s'", tld)
	}

	w.m.Lock()
	w.servers[tld] = server
	w.m.Unlock()
	return server, nil
}

func (w *whoisClient) query(ctx context.Context, server, q string) (string, error) {
	d := net.Dialer{Timeout: w.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(server, whoisPort))
	if err != nil {
		return "", errors.Wrap(err, "dial whois server")
	}
	defer conn.Close()

	deadline := time.Now().Add(w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := fmt.Fprintf(conn, "%s\r\n", q); err != nil {
		return "", errors.Wrap(err, "send whois query")
	}

	raw, err := io.ReadAll(io.LimitReader(conn, maxWhoisResponse))
	if err != nil {
		return "", errors.Wrap(err, "read whois response")
	}
	return string(raw), nil
}

// whoisField returns the value of the first "key: value" line matching the
// given key, case-insensitively.
func whoisField(raw, key string) string {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		i := strings.Index(line, ":")
		if i <= 0 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(line[:i]), key) {
			return strings.TrimSpace(line[i+1:])
		}
	}
	return ""
}

func parseWhois(raw string) *WhoisData {
	data := &WhoisData{Raw: raw}

	lowered := strings.ToLower(raw)
	for _, marker := range noMatchMarkers {
		if strings.Contains(lowered, marker) {
			data.NoMatch = true
			return data
		}
	}

	fields := map[string]*string{
		"registrar":               &data.Registrar,
		"registrant organization": &data.RegistrantOrg,
		"registrant organisation": &data.RegistrantOrg,
		"org":                     &data.RegistrantOrg,
		"registrant country":      &data.RegistrantCountry,
		"country":                 &data.RegistrantCountry,
	}
	dates := map[string]**time.Time{
		"creation date":        &data.Created,
		"created":              &data.Created,
		"registered":           &data.Created,
		"registry expiry date": &data.Expires,
		"expiry date":          &data.Expires,
		"expires":              &data.Expires,
		"updated date":         &data.Updated,
		"last updated":         &data.Updated,
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		i := strings.Index(line, ":")
		if i <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:i]))
		val := strings.TrimSpace(line[i+1:])
		if val == "" {
			continue
		}

		if dst, ok := fields[key]; ok && *dst == "" {
			*dst = val
		}
		if dst, ok := dates[key]; ok && *dst == nil {
			if t, ok := parseWhoisTime(val); ok {
				*dst = &t
			}
		}
	}

	return data
}

func parseWhoisTime(s string) (time.Time, bool) {
	for _, layout := range whoisTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
