package credentials

import "errors"

var (
	// ErrUnknownRepository indicates the named repository is not registered.
	ErrUnknownRepository = errors.New("credentials: unknown repository")
	// ErrUnauthenticated indicates missing or invalid user credentials.
	ErrUnauthenticated = errors.New("credentials: authentication required")
	// ErrForbidden indicates the user lacks the required permission.
	ErrForbidden = errors.New("credentials: permission denied")
	// ErrMalformedConfig indicates settings that failed parsing or validation.
	ErrMalformedConfig = errors.New("credentials: malformed configuration")
	// ErrUserExists indicates a duplicate username.
	ErrUserExists = errors.New("credentials: user already exists")
	// ErrRepositoryExists indicates a duplicate repository name.
	ErrRepositoryExists = errors.New("credentials: repository already exists")
	// ErrInvalidName indicates a repository name unusable as a subdomain.
	ErrInvalidName = errors.New("credentials: invalid repository name")
)
