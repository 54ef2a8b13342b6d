package handle

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"pidflow/internal/domain"
	"pidflow/internal/metrics"
	"pidflow/internal/repo"
)

// staticSchemes are always accepted by Supports.
var staticSchemes = []string{"info:hdl", "hdl", "http://"}

// Resolution is the outcome of a successful lookup of an identifier.
// Object is nil for a tombstoned Handle or a redirect record.
type Resolution struct {
	Handle domain.Handle     `json:"handle"`
	Object *domain.ObjectRef `json:"object,omitempty"`
}

func (r Resolution) Bound() bool { return r.Object != nil }

// Redirect reports an unbound record that forwards to URL.
func (r Resolution) Redirect() bool { return r.Object == nil && r.Handle.URL != "" }

// FromURL extracts "prefix/suffix" from the last two path segments.
func FromURL(s string) (string, bool) {
	s = strings.TrimRight(s, "/")
	if !strings.Contains(s, "/") {
		return "", false
	}
	parts := strings.Split(s, "/")
	prefix, suffix := parts[len(parts)-2], parts[len(parts)-1]
	if prefix == "" || suffix == "" {
		return "", false
	}
	return prefix + "/" + suffix, true
}

// Resolve finds the Handle for an identifier, trying the exact string and
// then a Handle decomposed from a URL.
func (r *Registry) Resolve(ctx context.Context, identifier string) (res Resolution, err error) {
	ctx, span := startSpan(ctx, "Resolve", attribute.String("pidflow.identifier", identifier))
	defer func() { endSpan(span, err) }()

	row, err := r.find(ctx, nil, identifier)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			metrics.RecordResolve("not_found")
			return Resolution{}, err
		}
		metrics.RecordResolve("error")
		return Resolution{}, &domain.NotResolvableError{Identifier: identifier, Err: err}
	}
	res = Resolution{Handle: row}
	if obj, ok := row.Object(); ok {
		res.Object = &obj
		metrics.RecordResolve("found")
	} else {
		metrics.RecordResolve("unbound")
	}
	return res, nil
}

func (r *Registry) find(ctx context.Context, tx *sql.Tx, identifier string) (domain.Handle, error) {
	row, err := r.Repo.GetHandle(ctx, tx, identifier)
	if !errors.Is(err, repo.ErrNotFound) {
		return row, err
	}
	h, ok := FromURL(identifier)
	if !ok || h == identifier {
		return row, err
	}
	return r.Repo.GetHandle(ctx, tx, h)
}

// Lookup returns the object's Handle. The site has a fixed Handle.
func (r *Registry) Lookup(ctx context.Context, ref domain.ObjectRef) (string, error) {
	if ref.Type == domain.TypeSite {
		return r.SiteHandle(), nil
	}
	key := cacheKey(ref)
	if v, ok := r.lookups.Get(key); ok {
		metrics.RecordLookupCache(true)
		return v.(string), nil
	}
	metrics.RecordLookupCache(false)
	row, err := r.Repo.HandleForObject(ctx, nil, ref)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
		return "", &domain.NotResolvableError{Identifier: ref.String(), Err: err}
	}
	r.lookups.SetDefault(key, row.Handle)
	return row.Handle, nil
}

// Supports reports whether the identifier looks like something this
// registry can resolve.
func (r *Registry) Supports(identifier string) bool {
	for _, s := range staticSchemes {
		if strings.HasPrefix(identifier, s) {
			return true
		}
	}
	for _, p := range r.PID.Current().SupportedPrefixes() {
		if strings.HasPrefix(identifier, p+"/") {
			return true
		}
	}
	_, ok := FromURL(identifier)
	return ok
}

// ResolveToURL returns where a Handle points: its redirect URL, or the
// local resolver page.
func (r *Registry) ResolveToURL(ctx context.Context, h string) (string, error) {
	return r.resolveToURL(ctx, nil, h)
}

func (r *Registry) resolveToURL(ctx context.Context, tx *sql.Tx, h string) (string, error) {
	row, err := r.Repo.GetHandle(ctx, tx, h)
	if err != nil {
		return "", err
	}
	if row.URL != "" {
		return row.URL, nil
	}
	return r.localURL(h), nil
}

func (r *Registry) localURL(h string) string {
	return strings.TrimRight(r.Config.SiteURL, "/") + "/handle/" + h
}

// Prefixes lists the distinct prefixes stored in the handle table.
func (r *Registry) Prefixes(ctx context.Context) ([]string, error) {
	return r.Repo.HandlePrefixes(ctx)
}

func (r *Registry) FindAll(ctx context.Context) ([]domain.Handle, error) {
	return r.Repo.ListHandles(ctx)
}
