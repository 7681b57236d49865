package embedding

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrZeroVector is returned when a vector cannot be normalized.
var ErrZeroVector = errors.New("zero-length vector")

// L2Norm returns the Euclidean length of v.
func L2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns v scaled to unit length. v is not modified.
func Normalize(v []float32) ([]float32, error) {
	n := L2Norm(v)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, ErrZeroVector
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / n)
	}
	return out, nil
}

// Mean returns the re-normalized mean of vs. All vectors must share a dimension.
func Mean(vs [][]float32) ([]float32, error) {
	if len(vs) == 0 {
		return nil, ErrZeroVector
	}
	dim := len(vs[0])
	sum := make([]float64, dim)
	for _, v := range vs {
		if len(v) != dim {
			return nil, fmt.Errorf("dimension mismatch: %d vs %d", len(v), dim)
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	mean := make([]float32, dim)
	for i, s := range sum {
		mean[i] = float32(s / float64(len(vs)))
	}
	return Normalize(mean)
}

// Cosine returns the cosine similarity of a and b clamped to [-1, 1].
// Mismatched or zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	na, nb := L2Norm(a), L2Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return Clamp(dot / (na * nb))
}

// Clamp limits a similarity score to [-1, 1].
func Clamp(s float64) float64 {
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return s
}

// encodeVector renders v in pgvector's text form, e.g. "[0.1,0.2]".
func encodeVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// decodeVector parses pgvector's text form.
func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector %q", truncate(s, 32))
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
