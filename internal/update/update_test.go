package update

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cmsagent/agent/internal/requestclient"
)

func TestVerifyChecksumMatchesAndIsCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pkg.zip")
	content := []byte("package contents")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	hexSum := hex.EncodeToString(sum[:])

	if err := verifyChecksum(path, strings.ToUpper(hexSum)); err != nil {
		t.Fatalf("expected uppercase checksum to match: %v", err)
	}
	if err := verifyChecksum(path, "0000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func buildTestZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractZipRejectsPathTraversal(t *testing.T) {
	data := buildTestZip(t, map[string]string{"../escape.txt": "evil"})
	dir := t.TempDir()
	packagePath := filepath.Join(dir, "pkg.zip")
	if err := os.WriteFile(packagePath, data, 0o600); err != nil {
		t.Fatal(err)
	}
	destDir := filepath.Join(dir, "extracted")
	if err := extractPackage(packagePath, destDir); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestExtractZipAndFindExecutable(t *testing.T) {
	data := buildTestZip(t, map[string]string{
		"agent/agent":     "binary-agent",
		"updater/updater": "binary-updater",
	})
	dir := t.TempDir()
	packagePath := filepath.Join(dir, "pkg.zip")
	if err := os.WriteFile(packagePath, data, 0o600); err != nil {
		t.Fatal(err)
	}
	destDir := filepath.Join(dir, "extracted")
	if err := extractPackage(packagePath, destDir); err != nil {
		t.Fatalf("extractPackage: %v", err)
	}

	agentExe := findExecutable(destDir, "agent", []string{"agent"})
	if agentExe == "" {
		t.Fatal("expected to find agent executable")
	}
	updaterExe := findExecutable(destDir, "updater", []string{"updater"})
	if updaterExe == "" {
		t.Fatal("expected to find updater executable")
	}
}

func TestFindExecutableFallsBackToRecursiveSearch(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "weird", "nested", "path")
	if err := os.MkdirAll(nested, 0o750); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(nested, "agent")
	if err := os.WriteFile(target, []byte("bin"), 0o755); err != nil {
		t.Fatal(err)
	}

	found := findExecutable(dir, "agent", []string{"agent"})
	if found != target {
		t.Fatalf("found = %q, want %q", found, target)
	}
}

func TestMoveWithRetrySucceeds(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("new"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dst, []byte("old"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := moveWithRetry(src, dst, 3, time.Millisecond); err != nil {
		t.Fatalf("moveWithRetry: %v", err)
	}
	content, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "new" {
		t.Fatalf("dst content = %q, want new", content)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("src should no longer exist after a successful move")
	}
}

func TestResolveUpdaterReplacesCurrentWithNew(t *testing.T) {
	dir := t.TempDir()
	current := filepath.Join(dir, "updater")
	if err := os.WriteFile(current, []byte("old"), 0o755); err != nil {
		t.Fatal(err)
	}
	newUpdater := filepath.Join(dir, "new_updater")
	if err := os.WriteFile(newUpdater, []byte("new"), 0o755); err != nil {
		t.Fatal(err)
	}

	e := &Engine{
		currentUpdaterExe: current,
		logger:            zap.NewNop(),
		setState:          func(string) bool { return true },
	}
	got, err := e.resolveUpdater(newUpdater, "updater")
	if err != nil {
		t.Fatalf("resolveUpdater: %v", err)
	}
	if got != current {
		t.Fatalf("got %q, want %q", got, current)
	}
	content, _ := os.ReadFile(current)
	if string(content) != "new" {
		t.Fatal("expected current updater to be replaced with new contents")
	}
}

func TestResolveUpdaterFailsWhenNeitherFound(t *testing.T) {
	e := &Engine{logger: zap.NewNop(), setState: func(string) bool { return true }}
	if _, err := e.resolveUpdater("", "updater"); err == nil {
		t.Fatal("expected error when neither updater is resolvable")
	}
}

func TestInitiateRejectsConcurrentCalls(t *testing.T) {
	e := &Engine{
		logger: zap.NewNop(),
		setState: func(string) bool {
			return true
		},
		requestShutdown: func() {},
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Initiate must observe the lock already held and return immediately
	// without panicking on the nil requestclient/reporter fields.
	e.Initiate(context.Background(), Manifest{Version: "1.2.3", DownloadURL: "http://x", ChecksumSHA256: "abc"})
}

func TestInitiateFailsFastOnInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	var reportedType string
	e := New(Config{
		RequestClient: requestclient.New("http://127.0.0.1:0", 50*time.Millisecond, zap.NewNop()),
		Reporter:      reporterFunc(func(_ context.Context, errorType, _ string, _ map[string]any, _ string) { reportedType = errorType }),
		UpdatesDir:    dir,
		Logger:        zap.NewNop(),
		SetState:      func(string) bool { return true },
		RequestShutdown: func() {},
	})

	e.Initiate(context.Background(), Manifest{})
	if reportedType != "UpdateStartFailed" {
		t.Fatalf("reportedType = %q, want UpdateStartFailed", reportedType)
	}
}

type reporterFunc func(ctx context.Context, errorType, message string, details map[string]any, stack string)

func (f reporterFunc) ReportError(ctx context.Context, errorType, message string, details map[string]any, stack string) {
	f(ctx, errorType, message, details, stack)
}

func TestDownloadRemovesExistingFileBeforeFetching(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh-content"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	destPath := filepath.Join(dir, "agent_update_1.0.0.zip")
	if err := os.WriteFile(destPath, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}

	rc := requestclient.New(srv.URL, 2*time.Second, zap.NewNop())
	rc.SetIdentity("device-1")
	rc.SetToken("session-token")

	e := &Engine{rc: rc, logger: zap.NewNop()}
	if err := e.download(context.Background(), srv.URL+"/download", destPath); err != nil {
		t.Fatalf("download: %v", err)
	}
	content, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "fresh-content" {
		t.Fatalf("content = %q, want fresh-content", content)
	}
}
