package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/andybalholm/brotli"
)

// snapshotRecord is the serialized form of a Pattern's sliding-window
// history, the payload behind the diagnostic query surface §7
// promises ("retrievable via the supervisor ... query operations").
type snapshotRecord struct {
	Entity           Entity   `json:"entity"`
	Samples          []Sample `json:"samples"`
	Mean             float64  `json:"mean"`
	Variance         float64  `json:"variance"`
	Trend            string   `json:"trend"`
	AnomalyScore     int      `json:"anomaly_score"`
	ObservationCount uint64   `json:"observation_count"`
}

// ExportSnapshot serializes entity's behavior pattern and
// brotli-compresses it, mirroring the teacher's tagged `"brotli"`
// compression paths (kernel/core/mesh/coordinator_test.go) with a
// real compressor behind them instead of a test-only label.
func (s *Supervisor) ExportSnapshot(entity Entity) ([]byte, error) {
	s.mu.Lock()
	p, ok := s.patterns[entity]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("supervisor: no pattern recorded for %s", entity)
	}

	rec := snapshotRecord{
		Entity:           p.Entity,
		Samples:          append([]Sample(nil), p.Samples...),
		Mean:             p.Mean,
		Variance:         p.Variance,
		Trend:            p.Trend.String(),
		AnomalyScore:     p.AnomalyScore,
		ObservationCount: p.ObservationCount,
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("supervisor: marshal snapshot for %s: %w", entity, err)
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("supervisor: compress snapshot for %s: %w", entity, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("supervisor: finalize snapshot for %s: %w", entity, err)
	}
	return buf.Bytes(), nil
}
