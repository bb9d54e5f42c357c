package capture

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
)

const maxRedirects = 5

type httpBackend struct {
	conf   Config
	client *http.Client
}

// NewHttpBackend returns a Backend that fetches the landing page over HTTPS
// with an HTTP fallback. Certificate validation is skipped; evidence of a
// badly configured site is still evidence.
func NewHttpBackend(conf Config) Backend {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
	return &httpBackend{
		conf:   conf,
		client: client,
	}
}

func (b *httpBackend) Fetch(ctx context.Context, fqdn string) (*Page, error) {
	page, err := b.fetch(ctx, "https://"+fqdn)
	if err != nil {
		// plenty of lookalike sites never bother with TLS
		page, err = b.fetch(ctx, "http://"+fqdn)
	}
	return page, err
}

func (b *httpBackend) fetch(ctx context.Context, url string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", b.conf.UserAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch page")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, b.conf.MaxBodySize))
	if err != nil {
		return nil, errors.Wrap(err, "read page body")
	}

	return &Page{
		Body:       body,
		HttpStatus: resp.StatusCode,
		Title:      pageTitle(body, resp.Header.Get("Content-Type")),
		FinalUrl:   resp.Request.URL.String(),
	}, nil
}

// pageTitle extracts the <title> text, decoding the body charset first.
// Returns an empty string for non-HTML or malformed content.
func pageTitle(body []byte, contentType string) string {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		r = bytes.NewReader(body)
	}

	z := html.NewTokenizer(r)
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(z.Text()))
			}
		case html.EndTagToken:
			inTitle = false
		}
	}
}
