package archive

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestCreate_RoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "case1_20260314_090000")
	if err := os.MkdirAll(filepath.Join(src, "01_triage"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "01_triage", "out.txt"), []byte("evidence body"), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "case1.tar.gz")

	if err := Create(src, dest); err != nil {
		t.Fatalf("Create: %v", err)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gr)

	var names []string
	var body string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		names = append(names, hdr.Name)
		if filepath.Base(hdr.Name) == "out.txt" {
			data, err := io.ReadAll(tr)
			if err != nil {
				t.Fatalf("read entry: %v", err)
			}
			body = string(data)
		}
	}

	found := false
	for _, name := range names {
		if name == "case1_20260314_090000/01_triage/out.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("entries = %v, want paths rooted at the run directory", names)
	}
	if body != "evidence body" {
		t.Errorf("body = %q", body)
	}
}

func TestCreate_MissingSource(t *testing.T) {
	if err := Create(filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "out.tar.gz")); err == nil {
		t.Fatal("expected error for missing source")
	}
}

// TestCreate_DestInsideSourceRejected: archiving into the tree being walked
// would capture the growing archive in itself.
func TestCreate_DestInsideSourceRejected(t *testing.T) {
	src := t.TempDir()
	if err := Create(src, filepath.Join(src, "self.tar.gz")); err == nil {
		t.Fatal("destination inside source must be rejected")
	}
}
