// Package vectormath provides the small set of vector operations used by
// bucket clustering and context retrieval. All similarity math runs on
// L2-normalized vectors with cosine geometry.
package vectormath

import "math"

// CosineSimilarity returns the cosine similarity of a and b clamped to [0, 1].
// Downstream scoring treats similarity as a non-negative weight, so negative
// cosine values collapse to zero. Mismatched or empty vectors score zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// Normalize returns the L2-normalized copy of v. A zero vector is returned
// unchanged; callers must not treat it as a valid direction.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		copy(out, v)
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Mean returns the element-wise mean of the given vectors. All vectors must
// share the same dimension; nil is returned for an empty input.
func Mean(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	sums := make([]float64, dim)
	for _, v := range vecs {
		for i := range v {
			sums[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	for i, s := range sums {
		out[i] = float32(s / float64(len(vecs)))
	}
	return out
}

// NormalizedMean returns the L2-normalized mean of the given vectors.
// This is the centroid definition used by the bucket engine.
func NormalizedMean(vecs [][]float32) []float32 {
	m := Mean(vecs)
	if m == nil {
		return nil
	}
	return Normalize(m)
}

// SquaredDistance returns the squared Euclidean distance between a and b.
func SquaredDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
