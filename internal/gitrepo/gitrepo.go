package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/pkg/archive"
)

// DefaultBranch is the branch new repositories point HEAD at.
const DefaultBranch = "main"

// ZeroRef is the object id git uses for a missing ref.
const ZeroRef = "0000000000000000000000000000000000000000"

// ErrNotExist indicates the bare repository has not been created yet.
var ErrNotExist = errors.New("gitrepo: repository does not exist")

// Store manages bare repositories under a root directory.
type Store struct {
	root    string
	timeout time.Duration
}

// New ensures root exists. timeout bounds every non-streaming git command.
func New(root string, timeout time.Duration) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("repository root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve repository root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create repository root: %w", err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Store{root: abs, timeout: timeout}, nil
}

// Path returns the bare repository directory for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.root, name+".git")
}

// Exists reports whether the bare repository for name has been initialised.
func (s *Store) Exists(name string) bool {
	info, err := os.Stat(filepath.Join(s.Path(name), "HEAD"))
	return err == nil && !info.IsDir()
}

// Init creates the bare repository for name if missing.
func (s *Store) Init(ctx context.Context, name string) error {
	if s.Exists(name) {
		return nil
	}
	if _, err := s.run(ctx, "", nil, "init", "--quiet", "--bare", s.Path(name)); err != nil {
		return err
	}
	if _, err := s.bare(ctx, name, nil, "symbolic-ref", "HEAD", "refs/heads/"+DefaultBranch); err != nil {
		return err
	}
	if _, err := s.bare(ctx, name, nil, "config", "http.receivepack", "true"); err != nil {
		return err
	}
	return nil
}

// HeadBranch returns the branch HEAD points at, e.g. "refs/heads/main".
func (s *Store) HeadBranch(ctx context.Context, name string) (string, error) {
	if !s.Exists(name) {
		return "", ErrNotExist
	}
	out, err := s.bare(ctx, name, nil, "symbolic-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Resolve returns the commit id ref points at.
func (s *Store) Resolve(ctx context.Context, name, ref string) (string, error) {
	if !s.Exists(name) {
		return "", ErrNotExist
	}
	out, err := s.bare(ctx, name, nil, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// Checkout materialises commit of repository name into dest, which must be empty.
func (s *Store) Checkout(ctx context.Context, name, commit, dest string) error {
	if !s.Exists(name) {
		return ErrNotExist
	}
	if commit == "" {
		return fmt.Errorf("commit cannot be empty")
	}
	if _, err := s.run(ctx, "", nil, "clone", "--quiet", "--no-checkout", s.Path(name), dest); err != nil {
		return err
	}
	if _, err := s.run(ctx, dest, nil, "checkout", "--quiet", "--detach", commit); err != nil {
		return err
	}
	return nil
}

// Import records the contents of a tar (optionally gzip-compressed) stream
// as a new commit on the default branch and returns the commit id. The
// commit tree is exactly the archive contents.
func (s *Store) Import(ctx context.Context, name string, r io.Reader, message string) (string, error) {
	if err := s.Init(ctx, name); err != nil {
		return "", err
	}
	worktree, err := os.MkdirTemp("", "shipyard-import-")
	if err != nil {
		return "", fmt.Errorf("create import dir: %w", err)
	}
	index := worktree + ".index"
	defer func() {
		os.RemoveAll(worktree)
		os.Remove(index)
	}()
	if err := archive.Untar(r, worktree, &archive.TarOptions{NoLchown: true, ExcludePatterns: []string{".git"}}); err != nil {
		return "", fmt.Errorf("extract archive: %w", err)
	}
	if strings.TrimSpace(message) == "" {
		message = "upload"
	}
	env := []string{"GIT_INDEX_FILE=" + index}
	steps := [][]string{
		{"read-tree", "--empty"},
		{"add", "--all", "--force", "--", "."},
		{"-c", "user.name=shipyard", "-c", "user.email=shipyard@localhost",
			"commit", "--quiet", "--allow-empty", "-m", message},
	}
	for _, step := range steps {
		args := append([]string{"--git-dir", s.Path(name), "--work-tree", worktree}, step...)
		if _, err := s.run(ctx, worktree, env, args...); err != nil {
			return "", err
		}
	}
	return s.Resolve(ctx, name, "HEAD")
}

// Serve runs a git smart-HTTP service ("upload-pack" or "receive-pack") in
// stateless-rpc mode, streaming stdin to the process and its output to stdout.
func (s *Store) Serve(ctx context.Context, name, service string, advertise bool, stdin io.Reader, stdout io.Writer) error {
	if service != "upload-pack" && service != "receive-pack" {
		return fmt.Errorf("unsupported git service %q", service)
	}
	args := []string{service, "--stateless-rpc"}
	if advertise {
		args = append(args, "--advertise-refs")
	}
	args = append(args, s.Path(name))
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s failed: %w: %s", service, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *Store) bare(ctx context.Context, name string, env []string, args ...string) (string, error) {
	return s.run(ctx, "", env, append([]string{"--git-dir", s.Path(name)}, args...)...)
}

func (s *Store) run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(append(os.Environ(), "GIT_TERMINAL_PROMPT=0"), env...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s failed: %w: %s", subcommand(args), err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-c", "--git-dir", "--work-tree":
			i++
		default:
			return args[i]
		}
	}
	return ""
}
