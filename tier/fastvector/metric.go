package fastvector

import "math"

// cosineSimilarity computes the cosine similarity of two equal-length
// vectors. Zero-magnitude inputs yield 0 rather than dividing by zero.
func cosineSimilarity(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt32(na) * sqrt32(nb))
}

func sqrt32(f float32) float32 {
	return float32(math.Sqrt(float64(f)))
}
