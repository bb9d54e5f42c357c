package domains

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/weppos/publicsuffix-go/net/publicsuffix"
	"golang.org/x/net/idna"
)

var (
	FqdnIsIpErr = errors.New("fqdn is an IP address instead")
)

type InvalidDomainErr struct {
	Domain string
}

func (err InvalidDomainErr) Error() string {
	return fmt.Sprintf("invalid domain name: %s", err.Domain)
}

// ASCII domain names after punycode conversion: dot-separated LDH labels with
// either an alphabetic or an xn-- TLD
var fqdnRegex = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+(?:xn--[a-z0-9-]{1,59}|[a-z]{2,63})$`)

// Canonicalize reduces a raw domain string to its canonical form: lowercased,
// IDN converted to ASCII (punycode), scheme/path/port remnants and the
// trailing dot stripped. The result is stable under re-canonicalization.
func Canonicalize(raw string) (string, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	s = strings.ReplaceAll(s, "\t", "")
	s = strings.ReplaceAll(s, "\n", "")

	for _, prefix := range []string{"http://", "https://", "//"} {
		if strings.HasPrefix(s, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	if i := strings.IndexAny(s, "/?#"); i != -1 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, ":"); i != -1 {
		port := s[i+1:]
		if port == "" || strings.Trim(port, "0123456789") == "" {
			s = s[:i]
		}
	}
	s = strings.TrimSuffix(s, ".")

	if net.ParseIP(s) != nil {
		return "", FqdnIsIpErr
	}

	ascii, err := idna.ToASCII(s)
	if err != nil {
		return "", errors.Wrap(err, "convert domain to ascii")
	}
	ascii = strings.ToLower(ascii)

	if !fqdnRegex.MatchString(ascii) {
		return "", InvalidDomainErr{raw}
	}
	return ascii, nil
}

// Domain is the canonical identity of a candidate, split in its public suffix
// hierarchy.
type Domain struct {
	Fqdn         string
	Apex         string
	PublicSuffix string
	Tld          string
}

func New(raw string) (*Domain, error) {
	fqdn, err := Canonicalize(raw)
	if err != nil {
		return nil, err
	}

	d := &Domain{
		Fqdn: fqdn,
	}

	splitted := strings.Split(fqdn, ".")
	d.Tld = splitted[len(splitted)-1]

	apex, err := publicsuffix.EffectiveTLDPlusOne(fqdn)
	if err != nil {
		if strings.HasSuffix(err.Error(), "is a suffix") {
			// domain is a public suffix
			d.PublicSuffix = fqdn
			d.Apex = fqdn
			return d, nil
		}
		return nil, err
	}
	d.PublicSuffix = strings.Join(strings.Split(apex, ".")[1:], ".")
	d.Apex = apex

	return d, nil
}
