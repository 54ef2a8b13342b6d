// Package handle is the persistent identifier registry. It mints, binds,
// resolves, tombstones and migrates Handles stored in the handle table.
package handle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pidflow/internal/domain"
	"pidflow/internal/engine/auth"
	"pidflow/internal/events"
	"pidflow/internal/logging"
	"pidflow/internal/metrics"
	"pidflow/internal/pid"
	"pidflow/internal/repo"
	"pidflow/internal/tracing"
)

const entityKind = "handle"

type Config struct {
	// CanonicalPrefix renders canonical forms; defaults to http://hdl.handle.net/.
	CanonicalPrefix string
	// SiteURL is the public base URL used for local resolution.
	SiteURL string
	// SiteHandle overrides the default <default prefix>/0.
	SiteHandle     string
	LookupCacheTTL time.Duration
}

// Registry owns the handle table. Construct it with New.
type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Events events.Writer
	PID    *pid.Source
	Minter pid.Minter
	Config Config
	Log    logrus.FieldLogger

	lookups *cache.Cache
}

func New(db *sql.DB, src *pid.Source, minter pid.Minter, cfg Config, log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logging.Discard()
	}
	ttl := cfg.LookupCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Auth:    auth.Service{DB: db},
		Events:  events.Writer{DB: db},
		PID:     src,
		Minter:  minter,
		Config:  cfg,
		Log:     log.WithField("component", "handle"),
		lookups: cache.New(ttl, 2*ttl),
	}
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracing.Tracer().Start(ctx, "handle."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func refAttrs(ref domain.ObjectRef) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("pidflow.object.type", ref.Type.String()),
		attribute.Int64("pidflow.object.id", ref.ID),
	}
}

func cacheKey(ref domain.ObjectRef) string {
	return fmt.Sprintf("%d:%d", int(ref.Type), ref.ID)
}

func (r *Registry) invalidate(refs ...domain.ObjectRef) {
	for _, ref := range refs {
		r.lookups.Delete(cacheKey(ref))
	}
}

// allowed gates administrative operations. A non-admin caller is logged and
// the operation silently does nothing.
func (r *Registry) allowed(ctx context.Context, tx *sql.Tx, actorID, op string) (bool, error) {
	ok, err := r.Auth.IsAdmin(ctx, tx, actorID)
	if err != nil {
		return false, err
	}
	if !ok {
		r.Log.WithFields(logrus.Fields{"actor": actorID, "op": op}).Warn("not authorized; ignoring handle operation")
	}
	return ok, nil
}

func (r *Registry) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// configFor picks the configuration of the nearest owning community.
func (r *Registry) configFor(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef) (pid.CommunityConfiguration, error) {
	cfg := r.PID.Current()
	communityID, ok, err := r.Repo.OwningCommunity(ctx, tx, ref)
	if err != nil {
		return pid.CommunityConfiguration{}, err
	}
	if !ok {
		return cfg.DefaultCommunityConfiguration()
	}
	return cfg.ConfigurationFor(communityID)
}

// SiteHandle returns the fixed identifier of the repository itself.
func (r *Registry) SiteHandle() string {
	if r.Config.SiteHandle != "" {
		return r.Config.SiteHandle
	}
	return r.PID.Current().DefaultPrefix() + "/0"
}

// CanonicalForm renders h with the registry-wide canonical resolver prefix.
func (r *Registry) CanonicalForm(h string) string {
	return r.canonicalPrefix() + h
}

func (r *Registry) canonicalPrefix() string {
	if r.Config.CanonicalPrefix == "" {
		return pid.DefaultCanonicalPrefix
	}
	return r.Config.CanonicalPrefix
}

// CanonicalFormFor renders h with the canonical prefix of the community
// owning ref, falling back to the registry-wide prefix.
func (r *Registry) CanonicalFormFor(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef, h string) (string, error) {
	cfg, err := r.configFor(ctx, tx, ref)
	if err != nil {
		return "", err
	}
	return cfg.Canonical(r.canonicalPrefix()) + h, nil
}

// CanonicalFormOf renders a stored row for display. Unbound rows and rows
// whose community cannot be read use the registry-wide prefix.
func (r *Registry) CanonicalFormOf(ctx context.Context, row domain.Handle) string {
	obj, ok := row.Object()
	if !ok {
		return r.CanonicalForm(row.Handle)
	}
	c, err := r.CanonicalFormFor(ctx, nil, obj, row.Handle)
	if err != nil {
		r.Log.WithError(err).WithField("handle", row.Handle).Warn("cannot read community configuration")
		return r.CanonicalForm(row.Handle)
	}
	return c
}

// Mint returns the object's Handle, creating one if it has none.
func (r *Registry) Mint(ctx context.Context, actorID string, ref domain.ObjectRef) (string, error) {
	var h string
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		h, err = r.MintTx(ctx, tx, actorID, ref)
		return err
	})
	if err != nil {
		return "", err
	}
	r.invalidate(ref)
	return h, nil
}

// MintTx is Mint inside the caller's transaction. A failed minting deletes
// the allocated row before returning the error. Lookups cache hits only, so
// a new row leaves no cache entry to drop.
func (r *Registry) MintTx(ctx context.Context, tx *sql.Tx, actorID string, ref domain.ObjectRef) (h string, err error) {
	ctx, span := startSpan(ctx, "Mint", refAttrs(ref)...)
	defer func() { endSpan(span, err) }()

	if ref.Type == domain.TypeSite {
		return r.SiteHandle(), nil
	}
	existing, err := r.Repo.HandleForObject(ctx, tx, ref)
	if err == nil {
		return existing.Handle, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", err
	}
	cfg, err := r.configFor(ctx, tx, ref)
	if err != nil {
		return "", err
	}
	id, err := r.Repo.InsertHandleTx(ctx, tx, domain.Handle{ResourceType: ref.Type, ResourceID: ref.ID})
	if err != nil {
		return "", fmt.Errorf("allocate handle: %w", err)
	}
	h, err = r.Minter.Mint(ctx, id, cfg)
	metrics.RecordMint(string(cfg.Type), err)
	if err != nil {
		r.logMintFailure(ref, err)
		if derr := r.Repo.DeleteHandleTx(ctx, tx, id); derr != nil {
			return "", errors.Join(err, fmt.Errorf("delete handle row %d: %w", id, derr))
		}
		return "", err
	}
	row := domain.Handle{ID: id, Handle: h, ResourceType: ref.Type, ResourceID: ref.ID}
	if err := r.Repo.UpdateHandleTx(ctx, tx, row); err != nil {
		return "", fmt.Errorf("store handle %s: %w", h, err)
	}
	if err := r.Events.Append(ctx, tx, events.HandleMinted, entityKind, h, actorID, events.EventPayload{
		"handle_id":     id,
		"resource_type": ref.Type.String(),
		"resource_id":   ref.ID,
		"pid_type":      string(cfg.Type),
	}); err != nil {
		return "", err
	}
	r.Log.WithFields(logrus.Fields{"handle": h, "object": ref.String()}).Debug("created new handle")
	return h, nil
}

func (r *Registry) logMintFailure(ref domain.ObjectRef, err error) {
	entry := r.Log.WithError(err).WithField("object", ref.String())
	var ext *domain.ExternalServiceError
	if errors.As(err, &ext) {
		entry = entry.WithField("detail", ext.Detail())
	}
	entry.Error("error while attempting to create handle")
}

// Register mints the Handle and, for Items, records its canonical form in
// dc.identifier.uri.
func (r *Registry) Register(ctx context.Context, actorID string, ref domain.ObjectRef) (string, error) {
	var h string
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		h, err = r.RegisterTx(ctx, tx, actorID, ref)
		return err
	})
	return h, err
}

func (r *Registry) RegisterTx(ctx context.Context, tx *sql.Tx, actorID string, ref domain.ObjectRef) (string, error) {
	h, err := r.MintTx(ctx, tx, actorID, ref)
	if err != nil {
		return "", err
	}
	if err := r.populateMetadata(ctx, tx, ref, h); err != nil {
		return "", err
	}
	return h, nil
}

// populateMetadata adds the canonical form to an Item once.
func (r *Registry) populateMetadata(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef, h string) error {
	if ref.Type != domain.TypeItem {
		return nil
	}
	canonical, err := r.CanonicalFormFor(ctx, tx, ref, h)
	if err != nil {
		return err
	}
	ok, err := r.Repo.HasMetadataValue(ctx, tx, ref, domain.FieldIdentifierURI, canonical)
	if err != nil || ok {
		return err
	}
	return r.Repo.AddMetadata(ctx, tx, ref, domain.FieldIdentifierURI, "", canonical)
}

// RegisterIdentifier binds a caller-chosen identifier to the object.
func (r *Registry) RegisterIdentifier(ctx context.Context, actorID string, ref domain.ObjectRef, identifier string) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := r.allowed(ctx, tx, actorID, "register")
		if err != nil || !ok {
			return err
		}
		if err := r.bindTx(ctx, tx, actorID, ref, identifier, events.HandleBound); err != nil {
			return err
		}
		return r.populateMetadata(ctx, tx, ref, identifier)
	})
	r.invalidate(ref)
	return err
}

// Reserve binds the exact identifier without touching metadata.
func (r *Registry) Reserve(ctx context.Context, actorID string, ref domain.ObjectRef, identifier string) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := r.allowed(ctx, tx, actorID, "reserve")
		if err != nil || !ok {
			return err
		}
		return r.bindTx(ctx, tx, actorID, ref, identifier, events.HandleReserved)
	})
	r.invalidate(ref)
	return err
}

// bindTx applies the rebind rules:
// a live Handle on the same object is left alone, a live Handle on another
// object is AlreadyBound, a tombstone of another type is TypeMismatch, and
// anything else is (re)bound to ref.
func (r *Registry) bindTx(ctx context.Context, tx *sql.Tx, actorID string, ref domain.ObjectRef, identifier, evtType string) (err error) {
	ctx, span := startSpan(ctx, "Bind", append(refAttrs(ref), attribute.String("pidflow.handle", identifier))...)
	defer func() { endSpan(span, err) }()

	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return fmt.Errorf("identifier required")
	}
	row, err := r.Repo.GetHandle(ctx, tx, identifier)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		id, err := r.Repo.InsertHandleTx(ctx, tx, domain.Handle{Handle: identifier, ResourceType: ref.Type, ResourceID: ref.ID})
		if err != nil {
			return err
		}
		row.ID = id
	case err != nil:
		return err
	default:
		if err := checkRebind(row, ref); err != nil {
			return err
		}
		if row.Live() {
			return nil
		}
		row.URL = ""
		row.ResourceType, row.ResourceID = ref.Type, ref.ID
		if err := r.Repo.UpdateHandleTx(ctx, tx, row); err != nil {
			return err
		}
	}
	return r.Events.Append(ctx, tx, evtType, entityKind, identifier, actorID, events.EventPayload{
		"handle_id":     row.ID,
		"resource_type": ref.Type.String(),
		"resource_id":   ref.ID,
	})
}

func checkRebind(row domain.Handle, ref domain.ObjectRef) error {
	if obj, ok := row.Object(); ok {
		if obj == ref {
			return nil
		}
		return &domain.AlreadyBoundError{Handle: row.Handle, Bound: obj}
	}
	if row.Tombstoned() && row.ResourceType != ref.Type {
		return &domain.TypeMismatchError{Handle: row.Handle, Recorded: row.ResourceType, Requested: ref.Type}
	}
	return nil
}

// Delete tombstones the object's Handle: the binding is cleared and the
// type is kept so a later restore can only reuse it for the same type.
func (r *Registry) Delete(ctx context.Context, actorID string, ref domain.ObjectRef) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.deleteTx(ctx, tx, actorID, ref)
	})
	r.invalidate(ref)
	return err
}

func (r *Registry) deleteTx(ctx context.Context, tx *sql.Tx, actorID string, ref domain.ObjectRef) (err error) {
	ctx, span := startSpan(ctx, "Delete", refAttrs(ref)...)
	defer func() { endSpan(span, err) }()

	row, err := r.Repo.HandleForObject(ctx, tx, ref)
	if errors.Is(err, repo.ErrNotFound) {
		r.Log.WithField("object", ref.String()).Warn("cannot find handle entry to unbind")
		return nil
	}
	if err != nil {
		return err
	}
	ok, err := r.allowed(ctx, tx, actorID, "delete")
	if err != nil || !ok {
		return err
	}
	row.ResourceID = -1
	if err := r.Repo.UpdateHandleTx(ctx, tx, row); err != nil {
		return err
	}
	r.Log.WithFields(logrus.Fields{"handle": row.Handle, "object": ref.String()}).Debug("unbound handle")
	return r.Events.Append(ctx, tx, events.HandleDeleted, entityKind, row.Handle, actorID, events.EventPayload{
		"resource_type": ref.Type.String(),
		"resource_id":   ref.ID,
	})
}
