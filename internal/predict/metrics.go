package predict

import (
	"context"
	"time"

	"github.com/example/moodcam/internal/emotion"
)

type counters struct {
	total        int64
	failed       int64
	stored       int64
	latencyTotal time.Duration
	dominant     map[emotion.Label]int64
}

func newCounters() counters {
	return counters{dominant: make(map[emotion.Label]int64, len(emotion.Labels))}
}

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalPredictions     int64            `json:"total_predictions"`
	FailedPredictions    int64            `json:"failed_predictions"`
	StoredEmotions       int64            `json:"stored_emotions"`
	SuccessRate          float64          `json:"success_rate"`
	AverageLatencyMs     float64          `json:"average_latency_ms"`
	DominantSinceStart   map[string]int64 `json:"dominant_since_start"`
	UsersByStoredEmotion map[string]int64 `json:"users_by_stored_emotion"`
}

func (s *Service) recordSuccess(dominant emotion.Label, stored bool, latency time.Duration) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.total++
	s.stats.latencyTotal += latency
	s.stats.dominant[dominant]++
	if stored {
		s.stats.stored++
	}
}

func (s *Service) recordFailure() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.total++
	s.stats.failed++
}

// GetMetricsSummary combines in-process counters with persisted emotions.
func (s *Service) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	counts, err := s.store.EmotionCounts(ctx)
	if err != nil {
		return nil, err
	}

	s.statsMu.Lock()
	summary := &MetricsSummary{
		TotalPredictions:     s.stats.total,
		FailedPredictions:    s.stats.failed,
		StoredEmotions:       s.stats.stored,
		DominantSinceStart:   make(map[string]int64, len(emotion.Labels)),
		UsersByStoredEmotion: make(map[string]int64, len(counts)),
	}
	succeeded := s.stats.total - s.stats.failed
	if succeeded > 0 {
		summary.AverageLatencyMs = float64(s.stats.latencyTotal.Milliseconds()) / float64(succeeded)
	}
	for _, l := range emotion.Labels {
		summary.DominantSinceStart[l.Key()] = s.stats.dominant[l]
	}
	s.statsMu.Unlock()

	if summary.TotalPredictions > 0 {
		summary.SuccessRate = float64(succeeded) / float64(summary.TotalPredictions)
	}
	for _, c := range counts {
		summary.UsersByStoredEmotion[c.Emotion] = c.Count
	}
	return summary, nil
}
