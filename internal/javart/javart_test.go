package javart

import (
	"archive/zip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestRequiredMajorParsesPrismMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"javaVersion": map[string]int{"majorVersion": 21},
		})
	}))
	defer srv.Close()

	p := &Provisioner{Client: srv.Client()}
	// RequiredMajor hardcodes the real Prism URL; swap in a rewrite so the
	// test server answers it instead of the network.
	p.Client.Transport = rewriteTransport{target: srv.URL}

	got := p.RequiredMajor(context.Background(), "1.20.1")
	if got != 21 {
		t.Errorf("RequiredMajor = %d, want 21", got)
	}
}

func TestRequiredMajorFallsBackOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := &Provisioner{Client: srv.Client()}
	p.Client.Transport = rewriteTransport{target: srv.URL}

	got := p.RequiredMajor(context.Background(), "99.99")
	if got != defaultJavaMajor {
		t.Errorf("RequiredMajor fallback = %d, want %d", got, defaultJavaMajor)
	}
}

func TestExtractStrippingRootDropsWrapperDir(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "jre.zip")

	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	zw := zip.NewWriter(f)
	for name, content := range map[string]string{
		"jdk-17.0.9+9-jre/bin/java": "binary-stub",
		"jdk-17.0.9+9-jre/release":  "JAVA_VERSION=17",
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zw.Create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zw.Close: %v", err)
	}
	f.Close()

	dest := filepath.Join(dir, "installed")
	if err := extractStrippingRoot(archivePath, dest); err != nil {
		t.Fatalf("extractStrippingRoot: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dest, "bin", "java"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "binary-stub" {
		t.Errorf("got %q", got)
	}
}

// rewriteTransport redirects every request to target, keeping method/body,
// so hardcoded external URLs can be tested against an httptest server.
type rewriteTransport struct {
	target string
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := http.NewRequest(req.Method, rt.target, req.Body)
	if err != nil {
		return nil, err
	}
	u.Header = req.Header
	return http.DefaultTransport.RoundTrip(u)
}
