package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dehc/pkg/domain"
)

// OccupancySample is the member count of one container record.
type OccupancySample struct {
	Container domain.RecordID
	Total     int
	Entering  int
	Leaving   int
	At        time.Time
}

// OccupancyMonitor counts member records (people, say) transitively
// referencing each container record (stations, vessels, lanes) and reports
// the movement since the previous sample.
type OccupancyMonitor struct {
	engine     *Engine
	containers []string
	members    []string
	clock      Clock
	logger     Logger

	total    *prometheus.GaugeVec
	entering *prometheus.GaugeVec
	leaving  *prometheus.GaugeVec

	mu   sync.Mutex
	prev map[domain.RecordID]map[domain.RecordID]struct{}
}

// NewOccupancyMonitor builds a monitor and registers its gauges with reg.
// A nil reg skips registration.
func NewOccupancyMonitor(engine *Engine, containers, members []string, reg prometheus.Registerer, opts ...Option) (*OccupancyMonitor, error) {
	for _, c := range append(append([]string(nil), containers...), members...) {
		if _, err := engine.Registry().SchemaFor(c); err != nil {
			return nil, err
		}
	}
	o := applyOptions(opts)
	labels := []string{"category", "key"}
	m := &OccupancyMonitor{
		engine:     engine,
		containers: append([]string(nil), containers...),
		members:    append([]string(nil), members...),
		clock:      o.clock,
		logger:     o.logger,
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dehc", Name: "occupancy_total", Help: "Members currently referencing the container.",
		}, labels),
		entering: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dehc", Name: "occupancy_entering", Help: "Members added since the previous sample.",
		}, labels),
		leaving: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dehc", Name: "occupancy_leaving", Help: "Members removed since the previous sample.",
		}, labels),
		prev: make(map[domain.RecordID]map[domain.RecordID]struct{}),
	}
	if reg != nil {
		var err error
		if m.total, err = registerCollector(reg, m.total); err != nil {
			return nil, err
		}
		if m.entering, err = registerCollector(reg, m.entering); err != nil {
			return nil, err
		}
		if m.leaving, err = registerCollector(reg, m.leaving); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Sample counts the members of every container record. Containers deleted
// since the previous sample drop out of the gauges.
func (m *OccupancyMonitor) Sample(ctx context.Context) ([]OccupancySample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	next := make(map[domain.RecordID]map[domain.RecordID]struct{})
	var out []OccupancySample
	for _, category := range m.containers {
		keys, err := m.engine.Keys(category)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			id := domain.RecordID{Category: category, Key: key}
			ids, err := m.engine.Members(ctx, id, m.members)
			if err != nil {
				if errors.Is(err, domain.ErrRecordNotFound) {
					continue
				}
				return nil, err
			}
			current := make(map[domain.RecordID]struct{}, len(ids))
			for _, mid := range ids {
				current[mid] = struct{}{}
			}
			before := m.prev[id]
			s := OccupancySample{Container: id, Total: len(current), At: now}
			for mid := range current {
				if _, ok := before[mid]; !ok {
					s.Entering++
				}
			}
			for mid := range before {
				if _, ok := current[mid]; !ok {
					s.Leaving++
				}
			}
			next[id] = current
			out = append(out, s)
			m.total.WithLabelValues(category, key).Set(float64(s.Total))
			m.entering.WithLabelValues(category, key).Set(float64(s.Entering))
			m.leaving.WithLabelValues(category, key).Set(float64(s.Leaving))
		}
	}
	for id := range m.prev {
		if _, ok := next[id]; !ok {
			m.total.DeleteLabelValues(id.Category, id.Key)
			m.entering.DeleteLabelValues(id.Category, id.Key)
			m.leaving.DeleteLabelValues(id.Category, id.Key)
		}
	}
	m.prev = next
	return out, nil
}

// Run samples every interval until ctx is done.
func (m *OccupancyMonitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.Sample(ctx); err != nil {
			m.logger.Warn("occupancy sample failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
