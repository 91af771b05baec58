package auth

import "context"

// Store is the user catalogue the authentication service reads from.
// Credentials and authorization data are looked up separately: the login
// path needs the password hash, token verification only needs the subject.
// Implementations must be safe for concurrent use.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadSubject(ctx context.Context, userID int64) (*Subject, error)
}

// SeedWriter is the optional bootstrap side of a store. Stores that
// implement it receive the configured seed accounts at service start.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User is a persisted account with its credential.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Seed declares an account to provision at startup: its credential plus
// the roles and permissions it starts with. Seeding an existing username
// overwrites that account.
type Seed struct {
	Username    string
	Password    string
	Roles       []string
	Permissions []string
	Disabled    bool
}
