// Package session authenticates accounts and admits real-time connections.
//
// A successful signup or login issues an HS256 token whose ID names a stored
// Session record. Admission requires both a valid token and a live record, so
// logging out revokes the token immediately.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Tyrowin/presence-chat/internal/credential"
	"github.com/Tyrowin/presence-chat/internal/model"
	"github.com/Tyrowin/presence-chat/internal/store"
)

var (
	// ErrRejected is returned for every failed authentication or admission.
	// It never says which factor failed.
	ErrRejected = errors.New("invalid credentials")

	// ErrUsernameTaken is returned when signing up with a username in use.
	ErrUsernameTaken = errors.New("username already exists")

	// ErrUserIDTaken is returned when signing up with a user id in use.
	ErrUserIDTaken = errors.New("user id already exists")
)

const issuer = "presence-chat"

// Session is the server-side record behind an issued token.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Identity is a verified caller.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
}

type claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
}

// Config configures a Gate.
type Config struct {
	SigningKey []byte
	TTL        time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Gate validates credentials and session tokens.
type Gate struct {
	users    store.Repository[model.User]
	userIDs  store.Repository[string]
	sessions store.Repository[Session]
	verifier *credential.Verifier
	key      []byte
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewGate returns a Gate backed by the given stores. users is keyed by
// username; userIDs maps each user id to the username that owns it.
func NewGate(users store.Repository[model.User], userIDs store.Repository[string], sessions store.Repository[Session], verifier *credential.Verifier, cfg Config) (*Gate, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("session signing key is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		users:    users,
		userIDs:  userIDs,
		sessions: sessions,
		verifier: verifier,
		key:      cfg.SigningKey,
		ttl:      cfg.TTL,
		now:      cfg.Now,
		logger:   cfg.Logger.With("component", "session"),
	}, nil
}

// Register creates an account without issuing a session.
func (g *Gate) Register(ctx context.Context, creds model.Credentials) (model.User, error) {
	creds.Normalize()
	if err := creds.ValidateSignup(); err != nil {
		return model.User{}, err
	}

	hash, err := g.verifier.Hash(creds.Password)
	if err != nil {
		return model.User{}, err
	}

	now := g.now().UTC()
	id := creds.ID
	if id == "" {
		id = uuid.NewString()
	}
	user := model.User{
		ID:           id,
		Username:     creds.Username,
		FullName:     creds.FullName,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	claimed, err := g.userIDs.PutIfAbsent(ctx, user.ID, user.Username)
	if err != nil {
		return model.User{}, fmt.Errorf("claim user id: %w", err)
	}
	if !claimed {
		return model.User{}, ErrUserIDTaken
	}

	stored, err := g.users.PutIfAbsent(ctx, user.Username, user)
	if err == nil && !stored {
		err = ErrUsernameTaken
	}
	if err != nil {
		if releaseErr := g.userIDs.Delete(ctx, user.ID); releaseErr != nil {
			g.logger.Error("failed to release user id", "user_id", user.ID, "error", releaseErr)
		}
		if errors.Is(err, ErrUsernameTaken) {
			return model.User{}, err
		}
		return model.User{}, fmt.Errorf("store user: %w", err)
	}
	g.logger.Info("account created", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// Signup creates an account and issues a session token for it.
func (g *Gate) Signup(ctx context.Context, creds model.Credentials) (string, model.User, error) {
	user, err := g.Register(ctx, creds)
	if err != nil {
		return "", model.User{}, err
	}
	token, err := g.issue(ctx, user)
	if err != nil {
		return "", model.User{}, err
	}
	return token, user, nil
}

// Authenticate checks a username and password. Unknown users and wrong
// passwords both cost one bcrypt comparison and both return ErrRejected.
func (g *Gate) Authenticate(ctx context.Context, creds model.Credentials) (model.User, error) {
	creds.Normalize()
	if err := creds.ValidateLogin(); err != nil {
		return model.User{}, err
	}

	user, err := g.users.Get(ctx, creds.Username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.verifier.VerifyAgainstDummy(creds.Password)
		return model.User{}, ErrRejected
	case err != nil:
		return model.User{}, fmt.Errorf("load user: %w", err)
	}

	if !g.verifier.Verify(creds.Password, user.PasswordHash) {
		return model.User{}, ErrRejected
	}
	return user, nil
}

// Login authenticates and issues a session token.
func (g *Gate) Login(ctx context.Context, creds model.Credentials) (string, model.User, error) {
	user, err := g.Authenticate(ctx, creds)
	if err != nil {
		return "", model.User{}, err
	}
	token, err := g.issue(ctx, user)
	if err != nil {
		return "", model.User{}, err
	}
	return token, user, nil
}

// Admit validates a session token and returns the identity it belongs to.
// Any failure yields ErrRejected.
func (g *Gate) Admit(ctx context.Context, token string) (Identity, model.User, error) {
	parsed, err := g.parse(token)
	if err != nil {
		return Identity{}, model.User{}, ErrRejected
	}

	sess, err := g.sessions.Get(ctx, parsed.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Identity{}, model.User{}, ErrRejected
	case err != nil:
		return Identity{}, model.User{}, fmt.Errorf("load session: %w", err)
	}
	if !g.now().Before(sess.ExpiresAt) {
		if err := g.sessions.Delete(ctx, sess.ID); err != nil {
			g.logger.Warn("failed to delete expired session", "session_id", sess.ID, "error", err)
		}
		return Identity{}, model.User{}, ErrRejected
	}
	if sess.UserID != parsed.UserID || sess.Username != parsed.Subject {
		return Identity{}, model.User{}, ErrRejected
	}

	user, err := g.users.Get(ctx, sess.Username)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Identity{}, model.User{}, ErrRejected
	case err != nil:
		return Identity{}, model.User{}, fmt.Errorf("load user: %w", err)
	}
	if user.ID != sess.UserID {
		return Identity{}, model.User{}, ErrRejected
	}
	owner, err := g.userIDs.Get(ctx, user.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Identity{}, model.User{}, ErrRejected
	case err != nil:
		return Identity{}, model.User{}, fmt.Errorf("load user id: %w", err)
	}
	if owner != user.Username {
		return Identity{}, model.User{}, ErrRejected
	}

	return Identity{UserID: user.ID, Username: user.Username, SessionID: sess.ID}, user, nil
}

// Logout revokes the session behind token. Unknown or malformed tokens are
// ignored.
func (g *Gate) Logout(ctx context.Context, token string) error {
	parsed, err := g.parse(token)
	if err != nil {
		return nil
	}
	if err := g.sessions.Delete(ctx, parsed.ID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// UpdateProfile applies update to the account of id.
func (g *Gate) UpdateProfile(ctx context.Context, id Identity, update model.ProfileUpdate) (model.User, error) {
	if err := update.Validate(); err != nil {
		return model.User{}, err
	}
	now := g.now().UTC()
	user, err := g.users.Update(ctx, id.Username, func(u model.User) (model.User, error) {
		if u.ID != id.UserID {
			return u, ErrRejected
		}
		return update.Apply(u, now), nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.User{}, ErrRejected
	}
	if err != nil {
		return model.User{}, err
	}
	return user, nil
}

// PurgeExpired deletes every expired session record and returns how many
// were removed.
func (g *Gate) PurgeExpired(ctx context.Context) (int, error) {
	sessions, err := g.sessions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	now := g.now()
	purged := 0
	for _, sess := range sessions {
		if now.Before(sess.ExpiresAt) {
			continue
		}
		if err := g.sessions.Delete(ctx, sess.ID); err != nil {
			return purged, fmt.Errorf("delete session %s: %w", sess.ID, err)
		}
		purged++
	}
	return purged, nil
}

func (g *Gate) issue(ctx context.Context, user model.User) (string, error) {
	now := g.now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Username:  user.Username,
		IssuedAt:  now,
		ExpiresAt: now.Add(g.ttl),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Issuer:    issuer,
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(sess.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
		UserID: user.ID,
	})
	signed, err := token.SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}

	if err := g.sessions.Put(ctx, sess.ID, sess); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return signed, nil
}

func (g *Gate) parse(token string) (*claims, error) {
	if token == "" {
		return nil, ErrRejected
	}
	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return g.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return nil, err
	}
	if parsed.ID == "" || parsed.Subject == "" || parsed.UserID == "" {
		return nil, ErrRejected
	}
	return &parsed, nil
}
