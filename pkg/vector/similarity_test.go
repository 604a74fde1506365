package vector

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
		epsilon  float64
	}{
		{"identical vectors", []float32{1.0, 0.0, 0.0}, []float32{1.0, 0.0, 0.0}, 1.0, 0.001},
		{"orthogonal vectors", []float32{1.0, 0.0, 0.0}, []float32{0.0, 1.0, 0.0}, 0.0, 0.001},
		{"opposite vectors", []float32{1.0, 0.0, 0.0}, []float32{-1.0, 0.0, 0.0}, -1.0, 0.001},
		{"similar vectors", []float32{1.0, 2.0, 3.0}, []float32{4.0, 5.0, 6.0}, 0.9746318461970762, 0.001},
		{"empty vectors", []float32{}, []float32{}, 0, 0.001},
		{"mismatched dimensions", []float32{1.0, 2.0}, []float32{1.0, 2.0, 3.0}, 0, 0.001},
		{"zero vector", []float32{0.0, 0.0, 0.0}, []float32{1.0, 2.0, 3.0}, 0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CosineSimilarity(tt.a, tt.b)
			if math.Abs(result-tt.expected) > tt.epsilon {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestDotProduct(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
	}{
		{"simple dot product", []float32{1.0, 2.0, 3.0}, []float32{4.0, 5.0, 6.0}, 32.0},
		{"orthogonal vectors", []float32{1.0, 0.0}, []float32{0.0, 1.0}, 0.0},
		{"mismatched dimensions", []float32{1.0, 2.0}, []float32{1.0}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DotProduct(tt.a, tt.b)
			if result != tt.expected {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Run("normalizes vector to unit length", func(t *testing.T) {
		vec := []float32{3.0, 4.0}
		result := Normalize(vec)

		if math.Abs(float64(result[0]-0.6)) > 0.001 {
			t.Errorf("expected [0] = 0.6, got %f", result[0])
		}
		if math.Abs(float64(result[1]-0.8)) > 0.001 {
			t.Errorf("expected [1] = 0.8, got %f", result[1])
		}
		if vec[0] != 3.0 || vec[1] != 4.0 {
			t.Error("original vector was modified")
		}
	})

	t.Run("zero vector returns zero vector", func(t *testing.T) {
		result := Normalize([]float32{0.0, 0.0, 0.0})
		for i, v := range result {
			if v != 0.0 {
				t.Errorf("expected [%d] = 0, got %f", i, v)
			}
		}
	})
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
		epsilon  float64
	}{
		{"identical vectors", []float32{1, 0, 0}, []float32{1, 0, 0}, 0.0, 0.001},
		{"orthogonal vectors", []float32{1, 0, 0}, []float32{0, 1, 0}, 1.0, 0.001},
		{"opposite vectors", []float32{1, 0, 0}, []float32{-1, 0, 0}, 2.0, 0.001},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 2, 3}, 1.0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CosineDistance(tt.a, tt.b)
			if math.Abs(result-tt.expected) > tt.epsilon {
				t.Errorf("expected %f, got %f", tt.expected, result)
			}
		})
	}
}

func TestNearDuplicate(t *testing.T) {
	identical := []float32{1, 2, 3}
	almost := []float32{1.001, 2.001, 3.001}
	distinct := []float32{3, 2, 1}

	if !NearDuplicate(identical, identical, 0.995) {
		t.Error("identical vectors should be a near duplicate of themselves")
	}
	if !NearDuplicate(identical, almost, 0.995) {
		t.Error("nearly identical vectors should be a near duplicate at a 0.995 threshold")
	}
	if NearDuplicate(identical, distinct, 0.995) {
		t.Error("distinct vectors should not be a near duplicate")
	}
}

func BenchmarkCosineSimilarity(b *testing.B) {
	a := make([]float32, 1024)
	vecB := make([]float32, 1024)
	for i := range a {
		a[i] = float32(i) / 1024
		vecB[i] = float32(1024-i) / 1024
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		CosineSimilarity(a, vecB)
	}
}

func BenchmarkNormalize(b *testing.B) {
	vec := make([]float32, 1024)
	for i := range vec {
		vec[i] = float32(i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Normalize(vec)
	}
}
