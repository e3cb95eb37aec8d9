// Package auth authenticates invocations before they reach the dispatcher.
// Three credential kinds are accepted: JWT bearer tokens, API keys, and raw
// session ids. All of them resolve to a principal backed by a live session.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/store"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// Credentials are the raw authentication inputs extracted from a request.
// Exactly one populated field is used, checked in order: bearer token,
// API key, session id.
type Credentials struct {
	BearerToken string
	APIKey      string
	SessionID   string
}

// Claims is the JWT payload issued and accepted by the service.
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// APIKey is a pre-provisioned machine credential.
type APIKey struct {
	ID     string
	Name   string
	Secret string
	Roles  []string
}

// Authenticator resolves credentials to principals.
type Authenticator struct {
	secret   []byte
	expiry   time.Duration
	sessions store.SessionStore

	mu   sync.RWMutex
	keys map[string]*APIKey // secret -> key
}

// New creates an authenticator. The signing secret must already be
// validated by config loading.
func New(secret string, expiry time.Duration, sessions store.SessionStore) *Authenticator {
	return &Authenticator{
		secret:   []byte(secret),
		expiry:   expiry,
		sessions: sessions,
		keys:     make(map[string]*APIKey),
	}
}

// RegisterAPIKey adds a machine credential.
func (a *Authenticator) RegisterAPIKey(key APIKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key
	a.keys[key.Secret] = &k
}

// IssueToken signs a JWT for an authenticated session.
func (a *Authenticator) IssueToken(p types.Principal) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: p.Username,
		Roles:    p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			ID:        p.SessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Authenticate resolves credentials to a principal, verifying that the
// backing session is still live. A missing credential and an invalid one
// are distinct failures so transports can project 401 reasons precisely.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (types.Principal, error) {
	switch {
	case creds.BearerToken != "":
		return a.fromBearer(ctx, creds.BearerToken)
	case creds.APIKey != "":
		return a.fromAPIKey(ctx, creds.APIKey)
	case creds.SessionID != "":
		return a.fromSession(ctx, creds.SessionID)
	default:
		return types.Principal{}, types.ErrMissingCredential
	}
}

func (a *Authenticator) fromBearer(ctx context.Context, token string) (types.Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		a.audit("ACCESS_DENIED", "jwt", "", "token validation failed")
		return types.Principal{}, fmt.Errorf("%w: %v", types.ErrInvalidCredential, err)
	}

	// The session the token was issued against must still exist.
	sess, err := a.sessions.Get(ctx, claims.ID)
	if err != nil {
		a.audit("ACCESS_DENIED", "jwt", claims.Subject, "session no longer valid")
		return types.Principal{}, fmt.Errorf("%w: session revoked or expired", types.ErrInvalidCredential)
	}
	_ = a.sessions.Touch(ctx, sess.ID)

	p := sess.Principal()
	a.audit("ACCESS_GRANTED", "jwt", p.UserID, "")
	return p, nil
}

// fromAPIKey resolves a machine credential. API keys are backed by a
// synthetic session so downstream ownership checks work unchanged.
func (a *Authenticator) fromAPIKey(ctx context.Context, secret string) (types.Principal, error) {
	a.mu.RLock()
	key, ok := a.keys[secret]
	a.mu.RUnlock()
	if !ok {
		a.audit("ACCESS_DENIED", "apikey", "", "unknown API key")
		return types.Principal{}, fmt.Errorf("%w: unknown API key", types.ErrInvalidCredential)
	}

	userID := "apikey:" + key.ID
	sessions, err := a.sessions.GetByUserID(ctx, userID)
	if err != nil {
		return types.Principal{}, err
	}
	var sess *types.Session
	if len(sessions) > 0 {
		sess = sessions[0]
	} else {
		created := time.Now()
		sess, err = a.sessions.Create(ctx, types.SessionData{
			UserID:    userID,
			Username:  "apikey:" + key.Name,
			Roles:     key.Roles,
			CreatedAt: created,
			ExpiresAt: created.Add(a.expiry),
			Metadata:  map[string]string{"credential": "apikey"},
		})
		if err != nil {
			return types.Principal{}, err
		}
	}
	_ = a.sessions.Touch(ctx, sess.ID)

	p := sess.Principal()
	a.audit("ACCESS_GRANTED", "apikey", p.UserID, "")
	return p, nil
}

func (a *Authenticator) fromSession(ctx context.Context, id string) (types.Principal, error) {
	sess, err := a.sessions.Get(ctx, id)
	if err != nil {
		a.audit("ACCESS_DENIED", "session", "", "session not found or expired")
		return types.Principal{}, fmt.Errorf("%w: %v", types.ErrInvalidCredential, err)
	}
	_ = a.sessions.Touch(ctx, id)

	p := sess.Principal()
	a.audit("ACCESS_GRANTED", "session", p.UserID, "")
	return p, nil
}

// audit emits a structured access decision record.
func (a *Authenticator) audit(decision, method, userID, reason string) {
	ev := log.Info()
	if decision == "ACCESS_DENIED" {
		ev = log.Warn()
	}
	ev.Str("audit", decision).
		Str("method", method).
		Str("user_id", userID).
		Str("reason", reason).
		Msg("Authentication decision")
}

// ExtractCredentials pulls credentials from transport-level header values.
// The bearer prefix is case-insensitive.
func ExtractCredentials(authorization, apiKey, sessionID string) Credentials {
	creds := Credentials{APIKey: apiKey, SessionID: sessionID}
	if authorization != "" {
		parts := strings.SplitN(authorization, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			creds.BearerToken = strings.TrimSpace(parts[1])
		}
	}
	return creds
}
