package staticfs

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("<html>home</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "css"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "css", "app.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := NewServer(root)
	if err != nil {
		t.Fatal(err)
	}
	return s, root
}

func TestResolve_AllowsFileUnderRoot(t *testing.T) {
	s, _ := newTestServer(t)
	p, err := s.Resolve("/css/app.css")
	if err != nil {
		t.Fatalf("expected allowed, got %v", err)
	}
	if filepath.Base(p) != "app.css" {
		t.Fatalf("unexpected resolved path %q", p)
	}
}

func TestResolve_RootDefaultsToIndex(t *testing.T) {
	s, _ := newTestServer(t)
	p, err := s.Resolve("/")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(p) != "index.html" {
		t.Fatalf("expected index.html, got %q", p)
	}
}

func TestResolve_RejectsLiteralDotDot(t *testing.T) {
	s, _ := newTestServer(t)
	if _, err := s.Resolve("/../etc/passwd"); err != ErrTraversal {
		t.Fatalf("expected ErrTraversal, got %v", err)
	}
}

func TestResolve_RejectsSingleEncodedDotDot(t *testing.T) {
	// S5: GET /..%2f..%2fetc%2fpasswd -> 403.
	s, _ := newTestServer(t)
	if _, err := s.Resolve("/..%2f..%2fetc%2fpasswd"); err != ErrTraversal {
		t.Fatalf("expected ErrTraversal, got %v", err)
	}
}

func TestResolve_RejectsDoubleEncodedDotDot(t *testing.T) {
	// S5: GET /%252e%252e/etc/passwd -> 403.
	s, _ := newTestServer(t)
	if _, err := s.Resolve("/%252e%252e/etc/passwd"); err != ErrTraversal {
		t.Fatalf("expected ErrTraversal, got %v", err)
	}
}

func TestResolve_SiblingDirWithSharedPrefixIsRejected(t *testing.T) {
	// Regression guard for the naive strings.HasPrefix(path, root) bug:
	// "/srv/www-evil" must not be treated as within "/srv/www".
	root := t.TempDir()
	wwwRoot := filepath.Join(root, "www")
	if err := os.Mkdir(wwwRoot, 0o755); err != nil {
		t.Fatal(err)
	}
	evilSibling := filepath.Join(root, "www-evil")
	if err := os.Mkdir(evilSibling, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(evilSibling, "secret.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	if isWithinRoot(evilSibling, wwwRoot) {
		t.Fatal("sibling directory with shared prefix must not be considered within root")
	}
}

func TestServeHTTP_TraversalReturns403(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/..%2f..%2fetc%2fpasswd", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestServeHTTP_UnknownExtensionDefaultsToOctetStream(t *testing.T) {
	s, root := newTestServer(t)
	if err := os.WriteFile(filepath.Join(root, "firmware.bin"), []byte{0x01, 0x02}, 0o644); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/firmware.bin", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("expected application/octet-stream, got %q", ct)
	}
}
