// Package cluster groups reference documents into semantic buckets with
// seeded K-means over L2-normalized embeddings. On the unit sphere squared
// Euclidean distance is monotone in cosine distance, so Euclidean assignment
// preserves cosine geometry.
package cluster

import (
	"math"
	"math/rand/v2"

	"github.com/ashita-ai/hanrei/internal/vectormath"
)

// Result is one K-means run: assignments per input vector, final centroids,
// and the within-cluster sum of squared distances.
type Result struct {
	Assignments []int
	Centroids   [][]float32
	Inertia     float64
}

// KMeans clusters vecs into k groups. It runs nInit restarts with different
// seeded initializations and keeps the lowest-inertia run. Each restart
// iterates at most maxIter times or until assignments stop changing. The
// same seed over the same input yields the same clustering.
func KMeans(vecs [][]float32, k, nInit, maxIter int, seed int64) Result {
	if k < 1 || len(vecs) == 0 {
		return Result{}
	}
	if k > len(vecs) {
		k = len(vecs)
	}
	if nInit < 1 {
		nInit = 1
	}

	best := Result{Inertia: math.Inf(1)}
	for run := 0; run < nInit; run++ {
		rng := rand.New(rand.NewPCG(uint64(seed), uint64(run))) //nolint:gosec // deterministic clustering, not crypto
		r := runOnce(vecs, k, maxIter, rng)
		if r.Inertia < best.Inertia {
			best = r
		}
	}
	return best
}

func runOnce(vecs [][]float32, k, maxIter int, rng *rand.Rand) Result {
	centroids := initPlusPlus(vecs, k, rng)
	assignments := make([]int, len(vecs))
	for i := range assignments {
		assignments[i] = -1
	}

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, v := range vecs {
			c := nearest(v, centroids)
			if c != assignments[i] {
				assignments[i] = c
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}
		recompute(vecs, assignments, centroids, rng)
	}

	var inertia float64
	for i, v := range vecs {
		inertia += vectormath.SquaredDistance(v, centroids[assignments[i]])
	}
	return Result{Assignments: assignments, Centroids: centroids, Inertia: inertia}
}

// initPlusPlus seeds centroids k-means++ style: the first uniformly, each
// subsequent one weighted by squared distance to the nearest chosen centroid.
func initPlusPlus(vecs [][]float32, k int, rng *rand.Rand) [][]float32 {
	centroids := make([][]float32, 0, k)
	first := vecs[rng.IntN(len(vecs))]
	centroids = append(centroids, cloneVec(first))

	dists := make([]float64, len(vecs))
	for len(centroids) < k {
		var total float64
		for i, v := range vecs {
			d := vectormath.SquaredDistance(v, centroids[0])
			for _, c := range centroids[1:] {
				if dd := vectormath.SquaredDistance(v, c); dd < d {
					d = dd
				}
			}
			dists[i] = d
			total += d
		}
		if total == 0 {
			// All points coincide with chosen centroids; duplicate one.
			centroids = append(centroids, cloneVec(vecs[rng.IntN(len(vecs))]))
			continue
		}
		target := rng.Float64() * total
		idx := 0
		for i, d := range dists {
			target -= d
			if target <= 0 {
				idx = i
				break
			}
		}
		centroids = append(centroids, cloneVec(vecs[idx]))
	}
	return centroids
}

func nearest(v []float32, centroids [][]float32) int {
	best, bestDist := 0, math.Inf(1)
	for i, c := range centroids {
		if d := vectormath.SquaredDistance(v, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// recompute replaces each centroid with the normalized mean of its members.
// An emptied cluster is reseeded from a random point so k is preserved.
func recompute(vecs [][]float32, assignments []int, centroids [][]float32, rng *rand.Rand) {
	members := make([][][]float32, len(centroids))
	for i, v := range vecs {
		c := assignments[i]
		members[c] = append(members[c], v)
	}
	for c := range centroids {
		if len(members[c]) == 0 {
			centroids[c] = cloneVec(vecs[rng.IntN(len(vecs))])
			continue
		}
		centroids[c] = vectormath.NormalizedMean(members[c])
	}
}

// Silhouette returns the mean silhouette coefficient of a clustering, in
// [-1, 1]. Higher is better separated. Clusters of one score zero for their
// members. Returns 0 when fewer than 2 clusters are populated.
func Silhouette(vecs [][]float32, assignments []int, k int) float64 {
	counts := make([]int, k)
	for _, a := range assignments {
		counts[a]++
	}
	populated := 0
	for _, n := range counts {
		if n > 0 {
			populated++
		}
	}
	if populated < 2 {
		return 0
	}

	var total float64
	for i, v := range vecs {
		own := assignments[i]
		if counts[own] <= 1 {
			continue
		}

		// Mean distance to own cluster (a) and to the nearest other (b).
		sums := make([]float64, k)
		for j, w := range vecs {
			if i == j {
				continue
			}
			sums[assignments[j]] += math.Sqrt(vectormath.SquaredDistance(v, w))
		}
		a := sums[own] / float64(counts[own]-1)
		b := math.Inf(1)
		for c := 0; c < k; c++ {
			if c == own || counts[c] == 0 {
				continue
			}
			if m := sums[c] / float64(counts[c]); m < b {
				b = m
			}
		}
		if max := math.Max(a, b); max > 0 {
			total += (b - a) / max
		}
	}
	return total / float64(len(vecs))
}

// SelectK sweeps k over [minK, maxK] and returns the run with the highest
// silhouette score along with its k. Fewer than minK inputs collapse to a
// single cluster.
func SelectK(vecs [][]float32, minK, maxK, nInit, maxIter int, seed int64) (Result, int) {
	if len(vecs) < minK {
		return KMeans(vecs, 1, nInit, maxIter, seed), 1
	}
	if maxK > len(vecs) {
		maxK = len(vecs)
	}

	bestScore := math.Inf(-1)
	var bestResult Result
	bestK := minK
	for k := minK; k <= maxK; k++ {
		r := KMeans(vecs, k, nInit, maxIter, seed)
		score := Silhouette(vecs, r.Assignments, k)
		if score > bestScore {
			bestScore, bestResult, bestK = score, r, k
		}
	}
	return bestResult, bestK
}

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
