package domains

import (
	"testing"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
		ok       bool
	}{
		{"lowercase", "EXAMPLE.ORG", "example.org", true},
		{"trailing dot", "example.org.", "example.org", true},
		{"scheme and path", "https://login.example.org/signin?next=/", "login.example.org", true},
		{"default port", "example.org:443", "example.org", true},
		{"idn to ascii", "pаypal.com", "xn--pypal-4ve.com", true}, // Cyrillic а
		{"whitespace", "  example.org\n", "example.org", true},
		{"ip address", "192.168.1.1", "", false},
		{"empty", "", "", false},
		{"single label", "localhost", "", false},
		{"leading hyphen", "-bad.example.org", "", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			actual, err := Canonicalize(test.in)
			if test.ok && err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
			if !test.ok && err == nil {
				t.Fatalf("expected error, but got none (result: %q)", actual)
			}
			if actual != test.expected {
				t.Fatalf("expected %q, but got %q", test.expected, actual)
			}
		})
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	for _, in := range []string{
		"Example.ORG",
		"hdfc-login-secure.com",
		"bücher.example",
		"https://www.example.co.uk:8080/x",
	} {
		once, err := Canonicalize(in)
		if err != nil {
			t.Fatalf("failed to canonicalize %q: %s", in, err)
		}
		twice, err := Canonicalize(once)
		if err != nil {
			t.Fatalf("failed to re-canonicalize %q: %s", once, err)
		}
		if once != twice {
			t.Fatalf("canonicalization is not idempotent: %q != %q", once, twice)
		}
	}
}

func TestNew(t *testing.T) {
	d, err := New("www.bank.co.uk")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if d.Fqdn != "www.bank.co.uk" {
		t.Fatalf("expected fqdn %q, but got %q", "www.bank.co.uk", d.Fqdn)
	}
	if d.Apex != "bank.co.uk" {
		t.Fatalf("expected apex %q, but got %q", "bank.co.uk", d.Apex)
	}
	if d.PublicSuffix != "co.uk" {
		t.Fatalf("expected public suffix %q, but got %q", "co.uk", d.PublicSuffix)
	}
	if d.Tld != "uk" {
		t.Fatalf("expected tld %q, but got %q", "uk", d.Tld)
	}
}
