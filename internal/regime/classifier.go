// Package regime classifies market conditions by online k-means clustering
// over the engineered feature vector [spread_z, |obi|, volatility,
// |ofi_norm|]. Clusters are stress-ranked so rank 0 is the calmest regime
// and rank K−1 the most suspect. Retraining runs off the hot path and
// publishes a new immutable model atomically.
package regime

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultK is the number of regimes.
const DefaultK = 4

// DefaultRetrainInterval is the minimum gap between fits.
const DefaultRetrainInterval = 10 * time.Second

// minTrainSamples gates the first fit: the classifier stays at regime 0
// until the feature window exceeds this.
const minTrainSamples = 50

// Labels, stress-ranked.
var labels = []string{"Calm", "Stressed", "Execution Hot", "Manipulation Suspected"}

// Label returns the human name for a ranked regime.
func Label(rank int) string {
	if rank >= 0 && rank < len(labels) {
		return labels[rank]
	}
	return "Unknown"
}

// model pairs a fitted clusterer with the raw-cluster→stress-rank
// permutation. Published as a unit; never mutated after publication.
type model struct {
	clusterer *KMeans
	rankMap   []int
	trainedAt time.Time
}

// Classifier owns one session's regime state. Predict runs on the hot path
// against an atomically-loaded model; MaybeRetrain schedules background
// fits with single-flight re-entry protection.
type Classifier struct {
	k        int
	interval time.Duration

	current   atomic.Pointer[model]
	lastTrain atomic.Int64 // unix nanos of the last fit attempt
	inflight  singleflight.Group
	training  atomic.Bool
}

// NewClassifier returns an unfitted classifier for k regimes.
func NewClassifier(k int, retrainInterval time.Duration) *Classifier {
	if k <= 0 {
		k = DefaultK
	}
	if retrainInterval <= 0 {
		retrainInterval = DefaultRetrainInterval
	}
	return &Classifier{k: k, interval: retrainInterval}
}

// K returns the number of regimes.
func (c *Classifier) K() int { return c.k }

// Fitted reports whether a model has been published.
func (c *Classifier) Fitted() bool { return c.current.Load() != nil }

// Predict maps a feature vector to its stress rank. Before the first
// successful fit every snapshot is regime 0 (Calm).
func (c *Classifier) Predict(fv []float64) (rank int, label string) {
	m := c.current.Load()
	if m == nil {
		return 0, Label(0)
	}
	rank = m.rankMap[m.clusterer.Predict(fv)]
	return rank, Label(rank)
}

// ShouldRetrain reports whether a new fit is due: enough samples, the
// retrain interval elapsed, and no fit currently in flight.
func (c *Classifier) ShouldRetrain(sampleCount int, now time.Time) bool {
	if sampleCount <= minTrainSamples {
		return false
	}
	if c.training.Load() {
		return false
	}
	last := c.lastTrain.Load()
	return last == 0 || now.Sub(time.Unix(0, last)) >= c.interval
}

// MaybeRetrain launches a background fit over the given feature-window
// copy when one is due. The caller must pass a snapshot copy; the trainer
// never touches live session state. Returns true if a fit was scheduled.
func (c *Classifier) MaybeRetrain(features [][]float64, now time.Time) bool {
	if !c.ShouldRetrain(len(features), now) {
		return false
	}
	c.training.Store(true)
	c.lastTrain.Store(now.UnixNano())

	go func() {
		defer c.training.Store(false)
		// Single-flight collapses the window between ShouldRetrain and the
		// flag store when two workers race.
		_, _, _ = c.inflight.Do("train", func() (interface{}, error) {
			if err := c.train(features, now); err != nil {
				log.Warn().Err(err).Int("samples", len(features)).
					Msg("regime retrain failed, keeping previous model")
			}
			return nil, nil
		})
	}()
	return true
}

// train fits k-means and publishes the new (clusterer, rankMap) pair.
func (c *Classifier) train(features [][]float64, now time.Time) error {
	km, err := FitKMeans(features, c.k)
	if err != nil {
		return fmt.Errorf("fit: %w", err)
	}

	c.current.Store(&model{
		clusterer: km,
		rankMap:   rankByStress(km.Centroids),
		trainedAt: now,
	})
	log.Debug().Int("samples", len(features)).Int("k", c.k).Msg("regime model published")
	return nil
}

// rankByStress orders raw clusters by centroid stress = spread_z +
// volatility + |ofi_norm| (feature indices 0, 2, 3), ascending, so the
// calmest cluster maps to rank 0.
func rankByStress(centroids [][]float64) []int {
	type scored struct {
		raw    int
		stress float64
	}
	order := make([]scored, len(centroids))
	for i, c := range centroids {
		order[i] = scored{raw: i, stress: c[0] + c[2] + c[3]}
	}
	sort.Slice(order, func(a, b int) bool { return order[a].stress < order[b].stress })

	rankMap := make([]int, len(centroids))
	for rank, s := range order {
		rankMap[s.raw] = rank
	}
	return rankMap
}

// LastTrained returns when the current model was fitted, zero if unfitted.
func (c *Classifier) LastTrained() time.Time {
	if m := c.current.Load(); m != nil {
		return m.trainedAt
	}
	return time.Time{}
}
