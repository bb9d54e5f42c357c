package store

import (
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxService buffers runtime counters and flushes them to influxdb at a
// fixed interval.
type InfluxService interface {
	StageHit(stage string, count int)
	CacheHit(kind string, count int)
	StoreHit(status string, insertType string, count int)
	CacheSize(cacheName string, c *lru.Cache, total int)
	io.Closer
}

type influxService struct {
	client    influxdb2.Client
	api       influxapi.WriteAPI
	done      chan bool
	ticker    *time.Ticker
	stageHits map[string]int
	cacheHits map[string]int
	storeHits map[storeHitTuple]int
	cacheSize map[string]cacheInfo
	m         *sync.Mutex
}

type storeHitTuple struct {
	status     string
	insertType string
}

type cacheInfo struct {
	cur   int
	total int
}

func (ifs *influxService) StageHit(stage string, count int) {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.stageHits[stage] += count
}

func (ifs *influxService) CacheHit(kind string, count int) {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.cacheHits[kind] += count
}

func (ifs *influxService) StoreHit(status string, insertType string, count int) {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.storeHits[storeHitTuple{status, insertType}] += count
}

func (ifs *influxService) CacheSize(cacheName string, c *lru.Cache, total int) {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	ifs.cacheSize[cacheName] = cacheInfo{c.Len(), total}
}

func (ifs *influxService) Close() error {
	ifs.done <- true
	ifs.ticker.Stop()

	ifs.write()
	ifs.api.Flush()
	ifs.client.Close()

	return nil
}

func (ifs *influxService) write() {
	ifs.m.Lock()
	defer ifs.m.Unlock()

	for stage, count := range ifs.stageHits {
		tags := map[string]string{
			"stage": stage,
		}
		fields := map[string]interface{}{
			"count": count,
		}
		p := influxdb2.NewPoint("stage-hits", tags, fields, time.Now())
		ifs.api.WritePoint(p)
	}

	for kind, count := range ifs.cacheHits {
		tags := map[string]string{
			"kind": kind,
		}
		fields := map[string]interface{}{
			"count": count,
		}
		p := influxdb2.NewPoint("cache-hits", tags, fields, time.Now())
		ifs.api.WritePoint(p)
	}

	for tuple, count := range ifs.storeHits {
		tags := map[string]string{
			"status": tuple.status,
			"type":   tuple.insertType,
		}
		fields := map[string]interface{}{
			"count": count,
		}
		p := influxdb2.NewPoint("store-hits", tags, fields, time.Now())
		ifs.api.WritePoint(p)
	}

	for cacheName, info := range ifs.cacheSize {
		tags := map[string]string{
			"cacheName": cacheName,
		}
		perc := float64(info.cur) / float64(info.total) * float64(100)
		fields := map[string]interface{}{
			"perc":  perc,
			"cur":   info.cur,
			"total": info.total,
		}
		p := influxdb2.NewPoint("cache", tags, fields, time.Now())
		ifs.api.WritePoint(p)
	}

	ifs.stageHits = map[string]int{}
	ifs.cacheHits = map[string]int{}
	ifs.storeHits = map[storeHitTuple]int{}
	ifs.cacheSize = map[string]cacheInfo{}
}

type InfluxOpts struct {
	Enabled      bool   `yaml:"enabled"`
	ServUrl      string `yaml:"server-url"`
	AuthToken    string `yaml:"auth-token"`
	Organisation string `yaml:"organisation"`
	Bucket       string `yaml:"bucket"`
	Interval     int    `yaml:"interval"` // in seconds
}

// service that is being used when influxdb is disabled
type disabledService struct{}

func (ds *disabledService) StageHit(stage string, count int) {}

func (ds *disabledService) CacheHit(kind string, count int) {}

func (ds *disabledService) StoreHit(status string, insertType string, count int) {}

func (ds *disabledService) CacheSize(cacheName string, c *lru.Cache, total int) {}

func (ds *disabledService) Close() error {
	return nil
}

func NewInfluxService(opts InfluxOpts) InfluxService {
	if !opts.Enabled {
		return &disabledService{}
	}

	client := influxdb2.NewClient(opts.ServUrl, opts.AuthToken)
	api := client.WriteAPI(opts.Organisation, opts.Bucket)

	return NewInfluxServiceWithClient(client, api, opts.Interval)
}

func NewInfluxServiceWithClient(client influxdb2.Client, api influxapi.WriteAPI, interval int) InfluxService {
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	done := make(chan bool)

	is := influxService{
		client:    client,
		api:       api,
		done:      done,
		stageHits: map[string]int{},
		cacheHits: map[string]int{},
		storeHits: map[storeHitTuple]int{},
		cacheSize: map[string]cacheInfo{},
		ticker:    ticker,
		m:         &sync.Mutex{},
	}

	go func() {
		// write to influxdb at interval
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				is.write()
			}
		}
	}()

	return &is
}
