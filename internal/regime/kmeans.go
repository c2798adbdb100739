package regime

import (
	"errors"
	"math"
	"math/rand"
)

// Lloyd's algorithm settings. The feature window is small (hundreds of
// rows), so a handful of restarts with a fixed seed keeps fits cheap and
// reproducible.
const (
	kmeansRestarts = 10
	kmeansMaxIters = 100
	kmeansSeed     = 42
)

// ErrTooFewSamples is returned when the training window holds fewer rows
// than clusters.
var ErrTooFewSamples = errors.New("regime: fewer samples than clusters")

// KMeans is a fitted k-means model. Immutable after Fit; safe for
// concurrent Predict calls.
type KMeans struct {
	K         int
	Centroids [][]float64
	inertia   float64
}

// FitKMeans runs Lloyd's algorithm with random restarts and returns the
// best fit by inertia.
func FitKMeans(data [][]float64, k int) (*KMeans, error) {
	if len(data) < k {
		return nil, ErrTooFewSamples
	}
	dim := len(data[0])
	rng := rand.New(rand.NewSource(kmeansSeed))

	best := &KMeans{K: k, inertia: math.Inf(1)}
	for restart := 0; restart < kmeansRestarts; restart++ {
		centroids := initCentroids(data, k, dim, rng)
		assign := make([]int, len(data))

		for iter := 0; iter < kmeansMaxIters; iter++ {
			changed := false
			for i, row := range data {
				c := nearest(centroids, row)
				if c != assign[i] {
					assign[i] = c
					changed = true
				}
			}
			recomputeCentroids(centroids, data, assign, rng)
			if !changed && iter > 0 {
				break
			}
		}

		var inertia float64
		for i, row := range data {
			inertia += sqDist(centroids[assign[i]], row)
		}
		if inertia < best.inertia {
			best.inertia = inertia
			best.Centroids = centroids
		}
	}
	return best, nil
}

// Predict returns the index of the nearest centroid.
func (m *KMeans) Predict(fv []float64) int {
	return nearest(m.Centroids, fv)
}

func initCentroids(data [][]float64, k, dim int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, k)
	seen := make(map[int]bool, k)
	for i := range centroids {
		idx := rng.Intn(len(data))
		for seen[idx] {
			idx = rng.Intn(len(data))
		}
		seen[idx] = true
		centroids[i] = append(make([]float64, 0, dim), data[idx]...)
	}
	return centroids
}

func recomputeCentroids(centroids [][]float64, data [][]float64, assign []int, rng *rand.Rand) {
	k := len(centroids)
	dim := len(centroids[0])
	sums := make([][]float64, k)
	counts := make([]int, k)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	for i, row := range data {
		c := assign[i]
		counts[c]++
		for j, v := range row {
			sums[c][j] += v
		}
	}
	for c := 0; c < k; c++ {
		if counts[c] == 0 {
			// Empty cluster: reseed from a random sample.
			copy(centroids[c], data[rng.Intn(len(data))])
			continue
		}
		for j := 0; j < dim; j++ {
			centroids[c][j] = sums[c][j] / float64(counts[c])
		}
	}
}

func nearest(centroids [][]float64, row []float64) int {
	best, bestDist := 0, math.Inf(1)
	for c, centroid := range centroids {
		if d := sqDist(centroid, row); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
