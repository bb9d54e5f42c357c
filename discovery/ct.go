package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/client"
	"github.com/google/certificate-transparency-go/jsonclient"
	"github.com/google/certificate-transparency-go/scanner"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var UnsupportedCertTypeErr = errors.New("provided certificate is not supported")

type CtConfig struct {
	Logs        []string `yaml:"logs"`
	Tail        int64    `yaml:"tail"`
	WorkerCount int      `yaml:"workers"`
}

var DefaultCtConfig = CtConfig{
	Logs:        []string{"ct.googleapis.com/logs/argon2024"},
	Tail:        5000,
	WorkerCount: 5,
}

// CtLog wraps a single CT log endpoint and lazily constructs its client.
type CtLog struct {
	Url string

	mu sync.Mutex
	c  *client.LogClient
}

func (l *CtLog) getClient() (*client.LogClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.c != nil {
		return l.c, nil
	}
	uri := fmt.Sprintf("https://%s", l.Url)
	hc := http.Client{}
	lc, err := client.New(uri, &hc, jsonclient.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "create new log client")
	}
	l.c = lc
	return lc, nil
}

// CtSource tails the most recent entries of configured CT logs and surfaces
// certificate names that mention the brand.
type CtSource struct {
	conf     CtConfig
	keywords []string
}

func NewCtSource(conf CtConfig, keywords []string) *CtSource {
	lowered := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		// hostnames carry no spaces, so "Acme Bank" must match as "acmebank"
		kw = strings.ReplaceAll(strings.ToLower(kw), " ", "")
		if kw != "" {
			lowered = append(lowered, kw)
		}
	}
	return &CtSource{
		conf:     conf,
		keywords: lowered,
	}
}

func (s *CtSource) Name() string {
	return "ct-logs"
}

func (s *CtSource) Discover(ctx context.Context, out chan<- Candidate) error {
	for _, url := range s.conf.Logs {
		l := &CtLog{Url: url}
		if err := s.scanLog(ctx, l, out); err != nil {
			log.Error().Str("log", url).Msgf("failed to scan CT log: %s", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *CtSource) scanLog(ctx context.Context, l *CtLog, out chan<- Candidate) error {
	lc, err := l.getClient()
	if err != nil {
		return err
	}

	sth, err := lc.GetSTH(ctx)
	if err != nil {
		return errors.Wrap(err, "get CT STH")
	}

	end := int64(sth.TreeSize)
	start := end - s.conf.Tail
	if start < 0 {
		start = 0
	}

	scannerOpts := scanner.ScannerOptions{
		FetcherOptions: scanner.FetcherOptions{
			BatchSize:     1000,
			ParallelFetch: s.conf.WorkerCount,
			StartIndex:    start,
			EndIndex:      end,
			Continuous:    false,
		},
		Matcher:     &scanner.MatchAll{},
		PrecertOnly: false,
		NumWorkers:  s.conf.WorkerCount,
	}

	sc := scanner.NewScanner(lc, scannerOpts)
	rleFunc := func(rle *ct.RawLogEntry) {
		entry, err := rle.ToLogEntry()
		if err != nil {
			log.Error().Msgf("failed to parse raw log entry: %s", err)
			return
		}
		names, err := entryNames(entry)
		if err != nil {
			log.Debug().Msgf("failed to read log entry names: %s", err)
			return
		}
		for _, name := range names {
			if kw, ok := s.match(name); ok {
				emit(ctx, out, Candidate{
					Domain:  name,
					Source:  s.Name(),
					Keyword: kw,
				})
			}
		}
	}

	return sc.Scan(ctx, rleFunc, rleFunc)
}

// entryNames collects the subject names of a log entry, for both certificates
// and precertificates.
func entryNames(entry *ct.LogEntry) ([]string, error) {
	var names []string
	switch {
	case entry.X509Cert != nil:
		names = append(names, entry.X509Cert.Subject.CommonName)
		names = append(names, entry.X509Cert.DNSNames...)
	case entry.Precert != nil && entry.Precert.TBSCertificate != nil:
		names = append(names, entry.Precert.TBSCertificate.Subject.CommonName)
		names = append(names, entry.Precert.TBSCertificate.DNSNames...)
	default:
		return nil, UnsupportedCertTypeErr
	}

	res := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, name := range names {
		name = strings.ToLower(strings.TrimPrefix(name, "*."))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		res = append(res, name)
	}
	return res, nil
}

func (s *CtSource) match(name string) (string, bool) {
	for _, kw := range s.keywords {
		if strings.Contains(name, kw) {
			return kw, true
		}
	}
	return "", false
}
