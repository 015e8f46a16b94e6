package fieldlink

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	requests     atomic.Uint64
	retries      atomic.Uint64
	dedupJoins   atomic.Uint64
	queuedWrites atomic.Uint64
	replayed     atomic.Uint64
	cacheHits    atomic.Uint64
	cacheMisses  atomic.Uint64

	probes       atomic.Uint64
	totalProbeMs atomic.Uint64
	minProbeMs   atomic.Uint64
	maxProbeMs   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minProbeMs.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) ObserveProbe(latencyMs int64) {
	if latencyMs < 0 {
		latencyMs = 0
	}
	n := uint64(latencyMs)

	s.probes.Add(1)
	s.totalProbeMs.Add(n)

	for {
		cur := s.minProbeMs.Load()
		if n >= cur {
			break
		}
		if s.minProbeMs.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxProbeMs.Load()
		if n <= cur {
			break
		}
		if s.maxProbeMs.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Requests     uint64
	Retries      uint64
	DedupJoins   uint64
	QueuedWrites uint64
	Replayed     uint64
	CacheHits    uint64
	CacheMisses  uint64

	Probes     uint64
	MinProbeMs uint64
	MaxProbeMs uint64
	AvgProbeMs uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Requests:     s.requests.Load(),
		Retries:      s.retries.Load(),
		DedupJoins:   s.dedupJoins.Load(),
		QueuedWrites: s.queuedWrites.Load(),
		Replayed:     s.replayed.Load(),
		CacheHits:    s.cacheHits.Load(),
		CacheMisses:  s.cacheMisses.Load(),
		Probes:       s.probes.Load(),
	}
	if out.Probes == 0 {
		return out
	}
	minv := s.minProbeMs.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.MinProbeMs = minv
	out.MaxProbeMs = s.maxProbeMs.Load()
	out.AvgProbeMs = s.totalProbeMs.Load() / out.Probes
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
