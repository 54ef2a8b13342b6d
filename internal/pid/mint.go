package pid

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"pidflow/internal/domain"
)

// Service is the external identifier registration endpoint.
type Service interface {
	RegisterIdentifier(ctx context.Context, prefix, suffix string) (string, error)
	PublishResolverURL(ctx context.Context, identifier string) error
}

// FormatSuffix renders [subprefix "-"] id.
func FormatSuffix(id int64, cfg CommunityConfiguration) string {
	var b strings.Builder
	if cfg.Subprefix != "" {
		b.WriteString(cfg.Subprefix)
		b.WriteString("-")
	}
	b.WriteString(strconv.FormatInt(id, 10))
	return b.String()
}

// FormatHandle renders prefix "/" suffix without doubling a trailing slash.
func FormatHandle(id int64, cfg CommunityConfiguration) string {
	prefix := cfg.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + FormatSuffix(id, cfg)
}

var errNoService = errors.New("no external PID service configured")

// Minter turns a handle row id into an identifier string.
type Minter struct {
	Service Service
	Timeout time.Duration
}

// Mint computes the identifier for row id. Epic entries call the external
// service; any failure there is an ExternalServiceError.
func (m Minter) Mint(ctx context.Context, id int64, cfg CommunityConfiguration) (string, error) {
	switch cfg.Type {
	case TypeLocal, "":
		return FormatHandle(id, cfg), nil
	case TypeEpic:
		return m.mintExternal(ctx, id, cfg)
	default:
		return "", domain.NewConfigurationError("unsupported PID type %q", cfg.Type)
	}
}

func (m Minter) mintExternal(ctx context.Context, id int64, cfg CommunityConfiguration) (string, error) {
	if m.Service == nil {
		return "", &domain.ExternalServiceError{Op: "register", Err: errNoService}
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	handle, err := m.Service.RegisterIdentifier(ctx, cfg.Prefix, FormatSuffix(id, cfg))
	if err != nil {
		return "", &domain.ExternalServiceError{Op: "register", Err: err}
	}
	if err := m.Service.PublishResolverURL(ctx, handle); err != nil {
		return "", &domain.ExternalServiceError{Op: "publish", Err: err}
	}
	return handle, nil
}
