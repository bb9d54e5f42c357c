package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cse-watch/phishmon/generic"
	"github.com/pkg/errors"
)

type fakeBackend struct {
	page  *Page
	err   error
	delay time.Duration
}

func (f *fakeBackend) Fetch(ctx context.Context, fqdn string) (*Page, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

func testCoordinator(t *testing.T, b Backend, timeout time.Duration) *Coordinator {
	conf := DefaultConfig
	conf.Timeout = generic.Duration(timeout)
	conf.Dir = t.TempDir()
	return NewCoordinator(conf).WithBackend(b)
}

func TestCaptureSuccess(t *testing.T) {
	b := &fakeBackend{page: &Page{
		Body:       []byte("<html><head><title>Acme Bank - Login</title></head></html>"),
		HttpStatus: 200,
		Title:      "Acme Bank - Login",
		FinalUrl:   "https://acme-login.com/",
	}}
	c := testCoordinator(t, b, time.Second)

	art := c.Capture(context.Background(), "acme-login.com")
	if art.Status != StatusSuccess {
		t.Fatalf("expected status %s, but got %s (%s)", StatusSuccess, art.Status, art.Note)
	}
	if art.Ref == "" {
		t.Fatalf("expected a storage reference")
	}
	if art.Sha256 == "" {
		t.Fatalf("expected a content hash")
	}
	if _, err := os.Stat(art.Ref); err != nil {
		t.Fatalf("expected evidence file at %s: %s", art.Ref, err)
	}
	if filepath.Ext(art.Ref) != ".html" {
		t.Fatalf("unexpected evidence file name: %s", art.Ref)
	}
}

func TestCaptureTimeout(t *testing.T) {
	// backend hangs well beyond the wall clock
	b := &fakeBackend{delay: time.Minute, page: &Page{HttpStatus: 200}}
	c := testCoordinator(t, b, 50*time.Millisecond)

	start := time.Now()
	art := c.Capture(context.Background(), "acme-login.com")
	if art.Status != StatusTimeout {
		t.Fatalf("expected status %s, but got %s", StatusTimeout, art.Status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("capture did not honor the wall clock: %s", elapsed)
	}
	if art.Ref != "" {
		t.Fatalf("timed-out capture must not produce a reference")
	}
}

func TestCaptureBlocked(t *testing.T) {
	b := &fakeBackend{page: &Page{Body: []byte("forbidden"), HttpStatus: 403}}
	c := testCoordinator(t, b, time.Second)

	art := c.Capture(context.Background(), "acme-login.com")
	if art.Status != StatusBlocked {
		t.Fatalf("expected status %s, but got %s", StatusBlocked, art.Status)
	}
	if art.HttpStatus != 403 {
		t.Fatalf("expected http status to be recorded, got %d", art.HttpStatus)
	}
}

func TestCaptureError(t *testing.T) {
	b := &fakeBackend{err: errors.New("connection refused")}
	c := testCoordinator(t, b, time.Second)

	art := c.Capture(context.Background(), "acme-login.com")
	if art.Status != StatusError {
		t.Fatalf("expected status %s, but got %s", StatusError, art.Status)
	}
	if !strings.Contains(art.Note, "connection refused") {
		t.Fatalf("expected failure note, got %q", art.Note)
	}
}

func TestPageTitle(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{"plain", "<html><head><title>Login</title></head></html>", "Login"},
		{"whitespace", "<title>\n  Secure Login  \n</title>", "Secure Login"},
		{"missing", "<html><body>hi</body></html>", ""},
		{"not html", "{\"a\": 1}", ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if actual := pageTitle([]byte(test.body), "text/html"); actual != test.expected {
				t.Fatalf("expected title %q, but got %q", test.expected, actual)
			}
		})
	}
}
