// Package auth resolves the BrowserCron user of an HTTP request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/log"
)

// DevUserHeader selects the acting user when dev mode is on and no identity
// provider is configured.
const DevUserHeader = "X-BrowserCron-User"

// ErrUnauthorized is returned when a request carries no valid identity.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the verified subject of a token.
type Identity struct {
	ID    string
	Email string
	Name  string
	Image string
}

// Verifier turns a bearer token into an identity.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// OIDCConfig configures ID token verification.
type OIDCConfig struct {
	Issuer     string
	ClientID   string
	HTTPClient *http.Client
}

// OIDCVerifier verifies ID tokens issued by an OpenID Connect provider.
type OIDCVerifier struct {
	verifier   *gooidc.IDTokenVerifier
	httpClient *http.Client
}

// NewOIDCVerifier discovers the issuer and returns a verifier for its tokens.
func NewOIDCVerifier(ctx context.Context, cfg OIDCConfig) (*OIDCVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	issuer := strings.TrimSuffix(strings.TrimSuffix(cfg.Issuer, "/.well-known/openid-configuration"), "/")
	op, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc new provider: %w", err)
	}
	return &OIDCVerifier{
		verifier:   op.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		httpClient: httpClient,
	}, nil
}

// Verify checks the token signature, audience and expiry and returns its claims.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	tok, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	var claims struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode id_token claims: %w", err)
	}
	if claims.Email == "" {
		return nil, fmt.Errorf("%w: token has no email claim", ErrUnauthorized)
	}
	return &Identity{ID: tok.Subject, Email: claims.Email, Name: claims.Name, Image: claims.Picture}, nil
}

// UserStore persists users resolved from requests.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*db.User, error)
	UpsertUser(ctx context.Context, u *db.User) error
}

// Config is the authenticator configuration. Without a Verifier every request
// acts as the demo user.
type Config struct {
	Store    UserStore
	Verifier Verifier
	Dev      bool
	OnError  func(w http.ResponseWriter, r *http.Request, err error)
	Logger   log.Logger
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return errors.New("user store is required")
	}
	if c.OnError == nil {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "auth"})
	return nil
}

// Authenticator is an HTTP middleware placing the acting user in the context.
type Authenticator struct {
	store    UserStore
	verifier Verifier
	dev      bool
	onError  func(w http.ResponseWriter, r *http.Request, err error)
	logger   log.Logger
}

// New returns an authenticator.
func New(cfg Config) (*Authenticator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Authenticator{
		store:    cfg.Store,
		verifier: cfg.Verifier,
		dev:      cfg.Dev,
		onError:  cfg.OnError,
		logger:   cfg.Logger,
	}, nil
}

// Middleware resolves the user and rejects the request when it cannot.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.resolve(r)
		if err != nil {
			a.logger.Debugf("Rejected %s %s: %v", r.Method, r.URL.Path, err)
			a.onError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (a *Authenticator) resolve(r *http.Request) (*db.User, error) {
	ctx := r.Context()
	if a.verifier == nil {
		id := db.DemoUserID
		if a.dev {
			if h := strings.TrimSpace(r.Header.Get(DevUserHeader)); h != "" {
				id = h
			}
		}
		user, err := a.store.GetUser(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user %q", ErrUnauthorized, id)
		}
		return user, err
	}

	raw, ok := bearerToken(r)
	if !ok {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	ident, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if err := a.store.UpsertUser(ctx, &db.User{ID: ident.ID, Email: ident.Email, Name: ident.Name, Image: ident.Image}); err != nil {
		return nil, fmt.Errorf("could not upsert user: %w", err)
	}
	return a.store.GetUser(ctx, ident.ID)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

type ctxKey struct{}

// WithUser returns a context carrying the user.
func WithUser(ctx context.Context, u *db.User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFromContext returns the user placed by the middleware.
func UserFromContext(ctx context.Context) (*db.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*db.User)
	return u, ok && u != nil
}
