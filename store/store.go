// Package store persists scans and their verdicts in postgres, exposes the
// stored history to the pipeline, and ships runtime counters to influxdb.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cse-watch/phishmon/capture"
	"github.com/cse-watch/phishmon/classify"
	"github.com/cse-watch/phishmon/domains"
	"github.com/cse-watch/phishmon/enrich"
	"github.com/cse-watch/phishmon/pipeline"
	"github.com/cse-watch/phishmon/store/models"
	"github.com/go-pg/pg"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jinzhu/gorm"
	_ "github.com/lib/pq"
	errs "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ActiveScanErr   = errors.New("scan already running, must be finished first")
	NoActiveScanErr = errors.New("no scan running")
	NoVerdictErr    = errors.New("no stored verdict for domain")

	DefaultOpts = Opts{
		VerdictCacheSize: 20000,
	}
)

type Config struct {
	User       string     `yaml:"user"`
	Password   string     `yaml:"password"`
	Host       string     `yaml:"host"`
	Port       int        `yaml:"port"`
	DBName     string     `yaml:"dbname"`
	Debug      bool       `yaml:"debug"`
	InfluxOpts InfluxOpts `yaml:"influxdb"`

	d *gorm.DB
}

func (c *Config) Open() (*gorm.DB, error) {
	var err error
	if c.d == nil {
		c.d, err = gorm.Open("postgres", c.DSN())
	}
	return c.d, err
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

type Opts struct {
	VerdictCacheSize int
}

type debugHook struct{}

func (hook *debugHook) BeforeQuery(qe *pg.QueryEvent) {
	fq, err := qe.FormattedQuery()
	if err != nil {
		return
	}
	log.Debug().Msgf("%s", fq)
}

func (hook *debugHook) AfterQuery(qe *pg.QueryEvent) {}

type Store struct {
	conf Config
	db   *pg.DB
	m    *sync.Mutex

	verdictCache     *lru.Cache
	verdictCacheSize int

	curScan *models.Scan

	influxService InfluxService
}

func NewStore(conf Config, opts Opts) (*Store, error) {
	pgOpts := pg.Options{
		User:     conf.User,
		Password: conf.Password,
		Addr:     fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		Database: conf.DBName,
	}

	db := pg.Connect(&pgOpts)
	if conf.Debug {
		db.AddQueryHook(&debugHook{})
	}

	cache, err := lru.New(opts.VerdictCacheSize)
	if err != nil {
		return nil, errs.Wrap(err, "create verdict cache")
	}

	s := Store{
		conf:             conf,
		db:               db,
		m:                &sync.Mutex{},
		verdictCache:     cache,
		verdictCacheSize: opts.VerdictCacheSize,
		influxService:    NewInfluxService(conf.InfluxOpts),
	}

	if err := s.migrate(); err != nil {
		return nil, errs.Wrap(err, "migrate models")
	}

	return &s, nil
}

// use gorm's auto migrate functionality
func (s *Store) migrate() error {
	g, err := s.conf.Open()
	if err != nil {
		return err
	}

	migrateExamples := []interface{}{
		&models.Scan{},
		&models.Verdict{},
	}
	for _, ex := range migrateExamples {
		if err := g.AutoMigrate(ex).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) hasActiveScan() bool {
	return s.curScan != nil
}

// StartScan records the start of a new scan batch.
func (s *Store) StartScan(suid, brand, seed string, keywords []string, host string) error {
	s.m.Lock()
	defer s.m.Unlock()

	if s.hasActiveScan() {
		return ActiveScanErr
	}
	scan := &models.Scan{
		Suid:      suid,
		Brand:     brand,
		Seed:      seed,
		Keywords:  strings.Join(keywords, ","),
		Host:      host,
		StartTime: time.Now(),
	}

	if err := s.db.Insert(scan); err != nil {
		return err
	}
	s.curScan = scan
	return nil
}

// FinishScan records the end of the currently running scan.
func (s *Store) FinishScan() error {
	s.m.Lock()
	defer s.m.Unlock()

	if !s.hasActiveScan() {
		return NoActiveScanErr
	}
	s.curScan.EndTime = time.Now()
	if err := s.db.Update(s.curScan); err != nil {
		return err
	}
	s.curScan = nil
	return nil
}

// Persist writes a verdict. Replays of the same (scan, fqdn) pair update the
// stored row instead of duplicating it.
func (s *Store) Persist(ctx context.Context, v *pipeline.Verdict) error {
	m := toModel(v)

	_, err := s.db.Model(m).
		OnConflict("(scan_id, fqdn) DO UPDATE").
		Set("stage = EXCLUDED.stage, failed_at = EXCLUDED.failed_at, note = EXCLUDED.note, score = EXCLUDED.score, label = EXCLUDED.label, features = EXCLUDED.features, capture_status = EXCLUDED.capture_status, evidence_ref = EXCLUDED.evidence_ref, completed_at = EXCLUDED.completed_at").
		Insert()
	if err != nil {
		return errs.Wrap(err, "insert verdict")
	}

	s.verdictCache.Add(verdictKey(v.Brand, v.Fqdn), m)
	s.influxService.StoreHit("db-insert", "verdict", 1)
	s.influxService.CacheSize("verdict", s.verdictCache, s.verdictCacheSize)
	return nil
}

// LastVerdict returns the most recent stored verdict for a domain.
func (s *Store) LastVerdict(ctx context.Context, brand, fqdn string) (*pipeline.Verdict, error) {
	if v, ok := s.verdictCache.Get(verdictKey(brand, fqdn)); ok {
		s.influxService.CacheHit("verdict", 1)
		return fromModel(v.(*models.Verdict)), nil
	}

	var m models.Verdict
	err := s.db.Model(&m).
		Where("brand = ?", brand).
		Where("fqdn = ?", fqdn).
		Order("completed_at DESC").
		First()
	if err != nil {
		if strings.Contains(err.Error(), "no rows in result set") {
			return nil, NoVerdictErr
		}
		return nil, err
	}

	s.verdictCache.Add(verdictKey(brand, fqdn), &m)
	return fromModel(&m), nil
}

// RecentVerdicts lists the latest completion stamp per domain for a brand,
// used to warm the dedup index at startup.
func (s *Store) RecentVerdicts(brand string, since time.Time) (map[string]domains.Stamp, error) {
	var ms []*models.Verdict
	err := s.db.Model(&ms).
		Column("fqdn", "completed_at", "model_version").
		Where("brand = ?", brand).
		Where("completed_at > ?", since).
		Select()
	if err != nil {
		return nil, errs.Wrap(err, "select recent verdicts")
	}

	res := make(map[string]domains.Stamp, len(ms))
	for _, m := range ms {
		if cur, ok := res[m.Fqdn]; !ok || m.CompletedAt.After(cur.At) {
			res[m.Fqdn] = domains.Stamp{At: m.CompletedAt, ModelVersion: m.ModelVersion}
		}
	}
	return res, nil
}

// StageHit satisfies the pipeline metrics interface.
func (s *Store) StageHit(stage string, count int) {
	s.influxService.StageHit(stage, count)
}

// CacheHit satisfies the enrichment metrics interface.
func (s *Store) CacheHit(kind string, count int) {
	s.influxService.CacheHit(kind, count)
}

func (s *Store) Close() error {
	if err := s.influxService.Close(); err != nil {
		log.Error().Msgf("failed to close influx service: %s", err)
	}
	return s.db.Close()
}

func verdictKey(brand, fqdn string) string {
	return brand + "/" + fqdn
}

func toModel(v *pipeline.Verdict) *models.Verdict {
	m := &models.Verdict{
		ScanId:      v.ScanId,
		Fqdn:        v.Fqdn,
		Brand:       v.Brand,
		Source:      v.Source,
		Keyword:     v.Keyword,
		Stage:       string(v.Stage),
		FailedAt:    string(v.FailedAt),
		Note:        v.Note,
		CompletedAt: v.CompletedAt,
	}

	if rec := v.Record; rec != nil {
		m.Registrar = rec.Registrar
		m.RegistrantOrg = rec.RegistrantOrg
		m.RegistrantCountry = rec.RegistrantCountry
		m.Created = rec.Created
		m.Expires = rec.Expires
		m.Updated = rec.Updated
		m.ARecords = strings.Join(rec.A, ",")
		m.MxRecords = strings.Join(rec.MX, ",")
		m.NsRecords = strings.Join(rec.NS, ",")
		m.TlsIssuer = rec.TlsIssuer
		m.Partial = rec.Partial
	}

	if res := v.Result; res != nil {
		score := res.Score
		m.Score = &score
		m.Label = string(res.Label)
		m.ModelVersion = res.ModelVersion
		m.Features = joinFeatures(res.Features)
	}

	if art := v.Artifact; art != nil {
		m.CaptureStatus = string(art.Status)
		m.EvidenceRef = art.Ref
		m.EvidenceSha256 = art.Sha256
		m.HttpStatus = art.HttpStatus
		m.PageTitle = art.Title
	}

	return m
}

func fromModel(m *models.Verdict) *pipeline.Verdict {
	v := &pipeline.Verdict{
		ScanId:      m.ScanId,
		Fqdn:        m.Fqdn,
		Brand:       m.Brand,
		Source:      m.Source,
		Keyword:     m.Keyword,
		Stage:       pipeline.Stage(m.Stage),
		FailedAt:    pipeline.Stage(m.FailedAt),
		Note:        m.Note,
		CompletedAt: m.CompletedAt,
	}

	rec := &enrich.Record{
		Fqdn:              m.Fqdn,
		Registrar:         m.Registrar,
		RegistrantOrg:     m.RegistrantOrg,
		RegistrantCountry: m.RegistrantCountry,
		Created:           m.Created,
		Expires:           m.Expires,
		Updated:           m.Updated,
		A:                 splitRecords(m.ARecords),
		MX:                splitRecords(m.MxRecords),
		NS:                splitRecords(m.NsRecords),
		TlsIssuer:         m.TlsIssuer,
		Partial:           m.Partial,
		Failures:          map[string]string{},
	}
	v.Record = rec

	if m.Score != nil {
		v.Result = &classify.Result{
			Score:        *m.Score,
			Label:        classify.Label(m.Label),
			ModelVersion: m.ModelVersion,
		}
	}

	if m.CaptureStatus != "" {
		v.Artifact = &capture.Artifact{
			Fqdn:       m.Fqdn,
			Status:     capture.Status(m.CaptureStatus),
			Ref:        m.EvidenceRef,
			Sha256:     m.EvidenceSha256,
			HttpStatus: m.HttpStatus,
			Title:      m.PageTitle,
		}
	}

	return v
}

func splitRecords(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// joinFeatures flattens a feature snapshot into ordered name=value pairs, so
// a stored verdict can be audited against the model version that scored it.
func joinFeatures(v classify.FeatureVector) string {
	names := classify.FeatureNames()
	values := v.Values()
	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = fmt.Sprintf("%s=%g", name, values[i])
	}
	return strings.Join(pairs, ";")
}
