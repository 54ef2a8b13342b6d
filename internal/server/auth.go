package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"pidflow/internal/domain"
	"pidflow/internal/engine/auth"
	"pidflow/internal/logging"
	"pidflow/internal/repo"
)

// ActorHeader names the caller without credentials when AllowActorHeader is set.
const ActorHeader = "X-Actor-Id"

const (
	SourceJWT         = "jwt"
	SourceAPIKey      = "api_key"
	SourceActorHeader = "actor_header"
)

type AuthConfig struct {
	JWTSecret        string
	AllowActorHeader bool
	Logger           logrus.FieldLogger
}

// Principal is the EPerson behind a request.
type Principal struct {
	EPerson domain.EPerson
	Admin   bool
	// Roles are informational claims carried by a token; workflow rights
	// come from resource policies, not from here.
	Roles  []string
	Source string
}

func (p Principal) ActorID() string { return p.EPerson.ID }

type principalKey struct{}

var errUnknownEPerson = errors.New("unknown eperson")

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID() != "" {
		return p.ActorID(), nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// authenticator turns request credentials into a Principal.
type authenticator struct {
	cfg   AuthConfig
	repo  repo.Repo
	perms auth.Service
	log   logrus.FieldLogger
}

func newAuthenticator(cfg AuthConfig, r repo.Repo) authenticator {
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return authenticator{cfg: cfg, repo: r, perms: auth.Service{DB: r.DB}, log: log.WithField("component", "auth")}
}

// subject reads the claimed EPerson id. The bearer token wins over an API
// key, and the actor header is only consulted when neither is present.
func (a authenticator) subject(req *http.Request) (id string, roles []string, source string, err error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return "", nil, "", errors.New("malformed authorization header")
		}
		claims, err := a.parseToken(token)
		if err != nil {
			return "", nil, "", err
		}
		return claims.Subject, claims.Roles, SourceJWT, nil
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		k, err := a.repo.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(key))
		if err != nil {
			return "", nil, "", err
		}
		return k.ActorID, nil, SourceAPIKey, nil
	}
	if actor := strings.TrimSpace(req.Header.Get(ActorHeader)); actor != "" && a.cfg.AllowActorHeader {
		a.log.WithField("actor_id", actor).Warn("trusting actor header without credentials")
		return actor, nil, SourceActorHeader, nil
	}
	return "", nil, "", nil
}

func (a authenticator) parseToken(token string) (*jwtClaims, error) {
	if strings.TrimSpace(a.cfg.JWTSecret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// principal loads the EPerson and its administrator status.
func (a authenticator) principal(ctx context.Context, id string, roles []string, source string) (Principal, error) {
	person, err := a.repo.GetEPerson(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return Principal{}, errUnknownEPerson
	}
	if err != nil {
		return Principal{}, err
	}
	admin, err := a.perms.IsAdmin(ctx, nil, person.ID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{EPerson: person, Admin: admin, Roles: roles, Source: source}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	public := map[string]bool{}
	for _, p := range publicPaths(basePath) {
		public[p] = true
	}
	authn := newAuthenticator(cfg, r)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if public[path.Clean(req.URL.Path)] {
				next.ServeHTTP(w, req)
				return
			}
			id, roles, source, err := authn.subject(req)
			if err != nil {
				authn.log.WithError(err).Debug("rejected credentials")
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			if id == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			p, err := authn.principal(req.Context(), id, roles, source)
			switch {
			case errors.Is(err, errUnknownEPerson):
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unknown_eperson", "unknown eperson", map[string]any{"eperson_id": id}))
				return
			case err != nil:
				respondStatusError(w, handleError(err))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
