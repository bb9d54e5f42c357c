package enrich

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/pkg/errors"
)

type tlsProber struct{}

// NewTlsProber returns a TlsProber that records the certificate issuer served
// on port 443. Verification is skipped on purpose: lookalike sites routinely
// serve self-signed or mismatched certificates, and the issuer is evidence
// either way.
func NewTlsProber() TlsProber {
	return &tlsProber{}
}

func (p *tlsProber) Probe(ctx context.Context, fqdn string) (*TlsData, error) {
	d := tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			ServerName:         fqdn,
			InsecureSkipVerify: true,
		},
	}

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(fqdn, "443"))
	if err != nil {
		return nil, errors.Wrap(err, "tls handshake")
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("no peer certificate presented")
	}
	cert := state.PeerCertificates[0]

	issuer := cert.Issuer.CommonName
	if issuer == "" {
		issuer = cert.Issuer.String()
	}

	return &TlsData{
		Issuer:    issuer,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}, nil
}
