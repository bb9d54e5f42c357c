// Package capture collects visual/content evidence for domains that crossed
// the risk threshold. A capture has exactly one attempt per scan and a hard
// wall-clock timeout; a timed-out capture is a valid terminal outcome, not a
// pipeline fault.
package capture

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cse-watch/phishmon/generic"
	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusTimeout Status = "timeout"
	StatusBlocked Status = "blocked"
	StatusError   Status = "error"
)

type Config struct {
	Timeout     generic.Duration `yaml:"timeout"`
	Dir         string           `yaml:"dir"`
	MaxBodySize int64            `yaml:"max-body-size"`
	UserAgent   string           `yaml:"user-agent"`
}

var DefaultConfig = Config{
	Timeout:     generic.Duration(30 * time.Second),
	Dir:         "evidence",
	MaxBodySize: 2 << 20,
	UserAgent:   "phishmon/1.0 (research)",
}

// Artifact describes one capture attempt. Ref is an opaque storage locator,
// set only on success.
type Artifact struct {
	Fqdn       string
	CapturedAt time.Time
	Status     Status
	Sha256     string
	Ref        string
	HttpStatus int
	Title      string
	FinalUrl   string
	Note       string
}

// Page is what a capture backend returns for a reachable domain.
type Page struct {
	Body       []byte
	HttpStatus int
	Title      string
	FinalUrl   string
}

type Backend interface {
	Fetch(ctx context.Context, fqdn string) (*Page, error)
}

type Coordinator struct {
	conf    Config
	backend Backend
}

func NewCoordinator(conf Config) *Coordinator {
	return &Coordinator{
		conf:    conf,
		backend: NewHttpBackend(conf),
	}
}

func (c *Coordinator) WithBackend(b Backend) *Coordinator {
	c.backend = b
	return c
}

type fetchResult struct {
	page *Page
	err  error
}

// Capture fetches evidence for a domain. It never returns an error: every
// failure mode is encoded in the artifact status.
func (c *Coordinator) Capture(ctx context.Context, fqdn string) *Artifact {
	art := &Artifact{
		Fqdn:       fqdn,
		CapturedAt: time.Now(),
	}

	opCtx, cancel := context.WithTimeout(ctx, c.conf.Timeout.Std())
	defer cancel()

	// the select enforces the wall clock even against a backend that
	// ignores its context
	done := make(chan fetchResult, 1)
	go func() {
		page, err := c.backend.Fetch(opCtx, fqdn)
		done <- fetchResult{page, err}
	}()

	var res fetchResult
	select {
	case <-opCtx.Done():
		art.Status = StatusTimeout
		return art
	case res = <-done:
	}

	if res.err != nil {
		if opCtx.Err() == context.DeadlineExceeded {
			art.Status = StatusTimeout
			return art
		}
		art.Status = StatusError
		art.Note = res.err.Error()
		return art
	}

	page := res.page
	art.HttpStatus = page.HttpStatus
	art.Title = page.Title
	art.FinalUrl = page.FinalUrl

	switch page.HttpStatus {
	case 401, 403, 429, 451:
		art.Status = StatusBlocked
		return art
	}

	art.Sha256 = fmt.Sprintf("%x", sha256.Sum256(page.Body))

	ref, err := c.persist(fqdn, art.CapturedAt, page.Body)
	if err != nil {
		log.Error().Str("fqdn", fqdn).Msgf("failed to store evidence: %s", err)
		art.Status = StatusError
		art.Note = err.Error()
		return art
	}
	art.Ref = ref
	art.Status = StatusSuccess
	return art
}

func (c *Coordinator) persist(fqdn string, at time.Time, body []byte) (string, error) {
	if err := os.MkdirAll(c.conf.Dir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%d.html", fqdn, at.Unix())
	path := filepath.Join(c.conf.Dir, name)
	if err := os.WriteFile(path, body, 0644); err != nil {
		return "", err
	}
	return path, nil
}
