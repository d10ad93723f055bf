package credentials

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/splax/shipyard/internal/domain"
	"github.com/splax/shipyard/pkg/crypto"
)

const (
	// AdminUser is the distinguished platform administrator.
	AdminUser = "admin"

	usersFile         = "users.json"
	reposFile         = "repos.json"
	generatedPassword = 24
)

var repoNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

type usersDocument struct {
	Users []domain.User `json:"users"`
}

// Store persists users and repository permissions as JSON files and answers
// authorization questions for the gateway and API.
type Store struct {
	mu    sync.RWMutex
	dir   string
	users []domain.User
	repos []domain.Repository
	log   *slog.Logger
}

// Open loads the credential files from dir, creating defaults when absent.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	s := &Store{dir: dir, log: logger.With("component", "credentials")}
	if err := s.loadUsers(); err != nil {
		return nil, err
	}
	if err := s.loadRepos(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadUsers() error {
	path := filepath.Join(s.dir, usersFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		admin, err := s.generateAdmin()
		if err != nil {
			return err
		}
		s.users = []domain.User{admin}
		return s.persistUsers(s.users)
	}
	if err != nil {
		return fmt.Errorf("read users: %w", err)
	}
	var doc usersDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedConfig, usersFile, err)
	}
	dirty := false
	for i := range doc.Users {
		if doc.Users[i].Password != "" && !crypto.IsHash(doc.Users[i].Password) {
			hash, err := crypto.HashPassword(doc.Users[i].Password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			doc.Users[i].Password = string(hash)
			dirty = true
		}
	}
	if findUser(doc.Users, AdminUser) < 0 {
		admin, err := s.generateAdmin()
		if err != nil {
			return err
		}
		doc.Users = append(doc.Users, admin)
		dirty = true
	}
	s.users = doc.Users
	if dirty {
		return s.persistUsers(s.users)
	}
	return nil
}

func (s *Store) generateAdmin() (domain.User, error) {
	password, err := crypto.RandomSecret(generatedPassword)
	if err != nil {
		return domain.User{}, err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	s.log.Warn("generated admin credentials", "username", AdminUser, "password", password)
	return domain.User{Username: AdminUser, Password: string(hash)}, nil
}

func (s *Store) loadRepos() error {
	path := filepath.Join(s.dir, reposFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.repos = []domain.Repository{}
		return s.persistRepos(s.repos)
	}
	if err != nil {
		return fmt.Errorf("read repositories: %w", err)
	}
	var repos []domain.Repository
	if err := json.Unmarshal(data, &repos); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedConfig, reposFile, err)
	}
	if repos == nil {
		repos = []domain.Repository{}
	}
	s.repos = repos
	return nil
}

// Authorize checks that username may perform an operation needing perm on repo.
// An empty username denotes an anonymous caller.
func (s *Store) Authorize(repo, username string, perm domain.Permission) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := findRepo(s.repos, repo)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRepository, repo)
	}
	r := s.repos[idx]
	if perm == domain.PermRead && r.AnonRead {
		return nil
	}
	if username == "" {
		return ErrUnauthenticated
	}
	if !r.Allows(username, perm) {
		return fmt.Errorf("%w: %s needs %s on %s", ErrForbidden, username, perm, repo)
	}
	return nil
}

// Authenticate verifies a username and password pair.
func (s *Store) Authenticate(username, password string) error {
	s.mu.RLock()
	idx := findUser(s.users, username)
	var hash string
	if idx >= 0 {
		hash = s.users[idx].Password
	}
	s.mu.RUnlock()
	if idx < 0 || hash == "" {
		return ErrUnauthenticated
	}
	if err := crypto.ComparePassword([]byte(hash), password); err != nil {
		return ErrUnauthenticated
	}
	return nil
}

// RegisterUser adds a new user with the given password.
func (s *Store) RegisterUser(username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return fmt.Errorf("%w: username and password required", ErrMalformedConfig)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if findUser(s.users, username) >= 0 {
		return ErrUserExists
	}
	next := append(cloneUsers(s.users), domain.User{Username: username, Password: string(hash)})
	if err := s.persistUsers(next); err != nil {
		return err
	}
	s.users = next
	return nil
}

// RegisterRepository creates a repository owned by owner with read and write access.
func (s *Store) RegisterRepository(name, owner string) (domain.Repository, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !repoNamePattern.MatchString(name) {
		return domain.Repository{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if findUser(s.users, owner) < 0 {
		return domain.Repository{}, ErrUnauthenticated
	}
	if findRepo(s.repos, name) >= 0 {
		return domain.Repository{}, ErrRepositoryExists
	}
	repo := domain.Repository{
		Name: name,
		Users: []domain.RepoUser{{
			User:        owner,
			Permissions: []domain.Permission{domain.PermRead, domain.PermWrite},
		}},
	}
	next := append(cloneRepos(s.repos), repo)
	if err := s.persistRepos(next); err != nil {
		return domain.Repository{}, err
	}
	s.repos = next
	return cloneRepo(repo), nil
}

// Repository returns a copy of the named repository.
func (s *Store) Repository(name string) (domain.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := findRepo(s.repos, name)
	if idx < 0 {
		return domain.Repository{}, fmt.Errorf("%w: %s", ErrUnknownRepository, name)
	}
	return cloneRepo(s.repos[idx]), nil
}

// Repositories lists all repositories.
func (s *Store) Repositories() []domain.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRepos(s.repos)
}

// Settings returns the full configuration with password hashes removed.
func (s *Store) Settings() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.User, len(s.users))
	for i, u := range s.users {
		users[i] = domain.User{Username: u.Username}
	}
	return domain.Settings{Users: users, Repositories: cloneRepos(s.repos)}
}

// Replace validates raw as a full settings document and persists it. On any
// error the stored configuration is left untouched. Users submitted without a
// password keep their current one.
func (s *Store) Replace(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var settings domain.Settings
	if err := dec.Decode(&settings); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrMalformedConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	users, err := s.resolveUsers(settings.Users)
	if err != nil {
		return err
	}
	repos := settings.Repositories
	if repos == nil {
		repos = []domain.Repository{}
	}
	if err := validateRepos(repos, users); err != nil {
		return err
	}
	if err := s.persistSettings(users, repos); err != nil {
		return err
	}
	s.users = users
	s.repos = cloneRepos(repos)
	return nil
}

func (s *Store) resolveUsers(in []domain.User) ([]domain.User, error) {
	out := make([]domain.User, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, u := range in {
		name := strings.TrimSpace(u.Username)
		if name == "" {
			return nil, fmt.Errorf("%w: user without username", ErrMalformedConfig)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate user %q", ErrMalformedConfig, name)
		}
		seen[name] = struct{}{}
		resolved := domain.User{Username: name}
		switch {
		case u.Password == "":
			idx := findUser(s.users, name)
			if idx < 0 {
				return nil, fmt.Errorf("%w: user %q needs a password", ErrMalformedConfig, name)
			}
			resolved.Password = s.users[idx].Password
			resolved.SessionID = s.users[idx].SessionID
		case crypto.IsHash(u.Password):
			resolved.Password = u.Password
		default:
			hash, err := crypto.HashPassword(u.Password)
			if err != nil {
				return nil, fmt.Errorf("hash password: %w", err)
			}
			resolved.Password = string(hash)
		}
		out = append(out, resolved)
	}
	if _, ok := seen[AdminUser]; !ok {
		return nil, fmt.Errorf("%w: %s user must be present", ErrMalformedConfig, AdminUser)
	}
	return out, nil
}

func validateRepos(repos []domain.Repository, users []domain.User) error {
	seen := make(map[string]struct{}, len(repos))
	for _, r := range repos {
		if !repoNamePattern.MatchString(r.Name) {
			return fmt.Errorf("%w: invalid repository name %q", ErrMalformedConfig, r.Name)
		}
		if _, dup := seen[r.Name]; dup {
			return fmt.Errorf("%w: duplicate repository %q", ErrMalformedConfig, r.Name)
		}
		seen[r.Name] = struct{}{}
		for _, ru := range r.Users {
			if findUser(users, ru.User) < 0 {
				return fmt.Errorf("%w: repository %q references unknown user %q", ErrMalformedConfig, r.Name, ru.User)
			}
			for _, p := range ru.Permissions {
				if !p.Valid() {
					return fmt.Errorf("%w: repository %q has invalid permission %q", ErrMalformedConfig, r.Name, p)
				}
			}
		}
	}
	return nil
}

// SetSession stores the active session id of username; empty clears it.
func (s *Store) SetSession(username, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := findUser(s.users, username)
	if idx < 0 {
		return ErrUnauthenticated
	}
	next := cloneUsers(s.users)
	next[idx].SessionID = sessionID
	if err := s.persistUsers(next); err != nil {
		return err
	}
	s.users = next
	return nil
}

// Session returns the active session id of username.
func (s *Store) Session(username string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := findUser(s.users, username)
	if idx < 0 {
		return "", ErrUnauthenticated
	}
	return s.users[idx].SessionID, nil
}

// HasUser reports whether username exists.
func (s *Store) HasUser(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findUser(s.users, username) >= 0
}

func (s *Store) persistUsers(users []domain.User) error {
	return writeJSONFile(filepath.Join(s.dir, usersFile), usersDocument{Users: users})
}

func (s *Store) persistRepos(repos []domain.Repository) error {
	return writeJSONFile(filepath.Join(s.dir, reposFile), repos)
}

// persistSettings stages both files before renaming either, and rewrites
// users.json from memory if the repos rename fails. Caller holds s.mu.
func (s *Store) persistSettings(users []domain.User, repos []domain.Repository) error {
	usersPath := filepath.Join(s.dir, usersFile)
	reposPath := filepath.Join(s.dir, reposFile)
	usersTmp, err := stageJSONFile(usersPath, usersDocument{Users: users})
	if err != nil {
		return err
	}
	defer os.Remove(usersTmp)
	reposTmp, err := stageJSONFile(reposPath, repos)
	if err != nil {
		return err
	}
	defer os.Remove(reposTmp)

	if err := os.Rename(usersTmp, usersPath); err != nil {
		return fmt.Errorf("replace %s: %w", usersFile, err)
	}
	if err := os.Rename(reposTmp, reposPath); err != nil {
		if restoreErr := s.persistUsers(s.users); restoreErr != nil {
			s.log.Error("restore users after failed settings write", "error", restoreErr)
		}
		return fmt.Errorf("replace %s: %w", reposFile, err)
	}
	return nil
}

// writeJSONFile replaces path atomically with the encoded payload.
func writeJSONFile(path string, payload any) error {
	tmpName, err := stageJSONFile(path, payload)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// stageJSONFile writes the encoded payload to a synced temp file next to path
// and returns its name.
func stageJSONFile(path string, payload any) (string, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(format string, err error) (string, error) {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf(format, filepath.Base(path), err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		return fail("write %s: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync %s: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fail("chmod %s: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return tmpName, nil
}

func findUser(users []domain.User, username string) int {
	for i, u := range users {
		if u.Username == username {
			return i
		}
	}
	return -1
}

func findRepo(repos []domain.Repository, name string) int {
	for i, r := range repos {
		if r.Name == name {
			return i
		}
	}
	return -1
}

func cloneUsers(users []domain.User) []domain.User {
	out := make([]domain.User, len(users))
	copy(out, users)
	return out
}

func cloneRepos(repos []domain.Repository) []domain.Repository {
	out := make([]domain.Repository, len(repos))
	for i, r := range repos {
		out[i] = cloneRepo(r)
	}
	return out
}

func cloneRepo(r domain.Repository) domain.Repository {
	users := make([]domain.RepoUser, len(r.Users))
	for i, u := range r.Users {
		users[i] = domain.RepoUser{User: u.User, Permissions: append([]domain.Permission(nil), u.Permissions...)}
	}
	r.Users = users
	return r
}
