package pool

import "testing"

func TestGetPutFloat64Slice(t *testing.T) {
	Configure(Config{Enabled: true, MaxSize: 1024})

	buf := GetFloat64Slice(16)
	if len(buf) != 0 {
		t.Fatalf("expected zero-length slice, got len %d", len(buf))
	}
	if cap(buf) < 16 {
		t.Fatalf("expected capacity >= 16, got %d", cap(buf))
	}

	buf = append(buf, 1, 2, 3)
	PutFloat64Slice(buf)

	again := GetFloat64Slice(16)
	if len(again) != 0 {
		t.Fatalf("expected reused slice to be reset to zero length, got %d", len(again))
	}
}

func TestPoolDisabled(t *testing.T) {
	Configure(Config{Enabled: false})
	defer Configure(Config{Enabled: true, MaxSize: 1 << 20})

	buf := GetIntSlice(8)
	if cap(buf) < 8 {
		t.Fatalf("expected capacity >= 8 even when disabled, got %d", cap(buf))
	}
	PutIntSlice(buf) // should be a no-op, must not panic
}

func TestPutFloat32VectorRejectsOversized(t *testing.T) {
	Configure(Config{Enabled: true, MaxSize: 4})
	defer Configure(Config{Enabled: true, MaxSize: 1 << 20})

	oversized := make([]float32, 0, 100)
	PutFloat32Vector(oversized) // must not panic, silently dropped
}
