package scanner

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writeTestPNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create test image: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
}

func TestScanFindsImagesAndSkipsMetadataDir(t *testing.T) {
	root := t.TempDir()
	writeTestPNG(t, filepath.Join(root, "a.png"))
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeTestPNG(t, filepath.Join(root, "sub", "b.png"))

	metaDir := filepath.Join(root, MetadataDir)
	if err := os.Mkdir(metaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeTestPNG(t, filepath.Join(metaDir, "c.png"))

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	handles, err := New(root).Scan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handles) != 2 {
		t.Fatalf("expected 2 handles, got %d", len(handles))
	}
	for _, h := range handles {
		if h.Path == filepath.Join(MetadataDir, "c.png") {
			t.Fatal("metadata directory should have been skipped")
		}
	}
}

func TestHandleOpenDecodesImage(t *testing.T) {
	root := t.TempDir()
	writeTestPNG(t, filepath.Join(root, "a.png"))

	handles, err := New(root).Scan()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("expected 1 handle, got %d", len(handles))
	}
	img, err := handles[0].Open()
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if img.Bounds().Dx() != 2 || img.Bounds().Dy() != 2 {
		t.Fatalf("unexpected image bounds: %v", img.Bounds())
	}
}
