package domain

// Permission is a repository access right.
type Permission string

const (
	PermRead  Permission = "R"
	PermWrite Permission = "W"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == PermRead || p == PermWrite
}

// User is a platform account. Password holds a bcrypt hash once persisted.
type User struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	SessionID string `json:"sessionId,omitempty"`
}

// RepoUser grants permissions on a repository to one user.
type RepoUser struct {
	User        string       `json:"user"`
	Permissions []Permission `json:"permissions"`
}

// Repository is a hosted git repository; its name is also the application subdomain.
type Repository struct {
	Name     string     `json:"name"`
	AnonRead bool       `json:"anonRead"`
	Users    []RepoUser `json:"users"`
}

// Allows reports whether username holds perm on the repository.
func (r Repository) Allows(username string, perm Permission) bool {
	for _, u := range r.Users {
		if u.User != username {
			continue
		}
		for _, p := range u.Permissions {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Settings is the full credential configuration.
type Settings struct {
	Users        []User       `json:"users"`
	Repositories []Repository `json:"repositories"`
}
