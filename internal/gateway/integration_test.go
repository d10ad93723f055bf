package gateway

import (
	"context"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/splax/shipyard/internal/events"
	"github.com/splax/shipyard/internal/gitrepo"
)

// requireGitHTTP skips unless git and its HTTP transport helper are installed.
func requireGitHTTP(t *testing.T) {
	t.Helper()
	out, err := exec.Command("git", "--exec-path").Output()
	if err != nil {
		t.Skip("git binary not available")
	}
	if _, err := os.Stat(filepath.Join(strings.TrimSpace(string(out)), "git-remote-http")); err != nil {
		t.Skip("git http transport not available")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_CONFIG_NOSYSTEM=1",
		"HOME="+dir,
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func gitFails(dir string, args ...string) bool {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_CONFIG_NOSYSTEM=1", "HOME="+dir)
	return cmd.Run() != nil
}

func TestPushOverHTTP(t *testing.T) {
	requireGitHTTP(t)
	store, err := gitrepo.New(t.TempDir(), 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	bus := &recordingBus{}
	srv := httptest.NewServer(New(newCredentials(t), store, bus, quietLogger()))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	work := t.TempDir()
	gitCmd(t, work, "init", "--quiet")
	gitCmd(t, work, "checkout", "--quiet", "-b", "main")
	if err := os.WriteFile(filepath.Join(work, "index.html"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, work, "add", ".")
	gitCmd(t, work, "commit", "--quiet", "-m", "first")
	head := gitCmd(t, work, "rev-parse", "HEAD")

	if !gitFails(work, "push", "http://bob:bob-secret@"+host+"/web.git", "main") {
		t.Fatal("push without write permission should fail")
	}
	if len(bus.snapshot()) != 0 {
		t.Fatal("rejected push must not deploy")
	}

	gitCmd(t, work, "push", "--quiet", "http://alice:alice-secret@"+host+"/web.git", "main")
	got := bus.snapshot()
	if len(got) != 1 || got[0].Type != events.DeployRequested || got[0].CommitRef != head {
		t.Fatalf("expected one deploy request for %s, got %+v", head, got)
	}
	resolved, err := store.Resolve(context.Background(), "web", "refs/heads/main")
	if err != nil || resolved != head {
		t.Fatalf("bare repository main = %q err=%v, want %q", resolved, err, head)
	}

	clone := filepath.Join(t.TempDir(), "clone")
	gitCmd(t, t.TempDir(), "clone", "--quiet", "http://alice:alice-secret@"+host+"/web.git", clone)
	if body, err := os.ReadFile(filepath.Join(clone, "index.html")); err != nil || string(body) != "hello" {
		t.Fatalf("unexpected clone content %q err=%v", body, err)
	}
}
