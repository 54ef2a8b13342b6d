package handle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"pidflow/internal/domain"
	"pidflow/internal/events"
	"pidflow/internal/repo"
)

// ChangePrefix moves every Handle under oldPrefix to newPrefix, one row
// per transaction in ascending handle_id. With archive the old strings stay
// behind as redirect records, which makes a rerun skip migrated rows.
func (r *Registry) ChangePrefix(ctx context.Context, actorID, oldPrefix, newPrefix string, archive bool) (changed int, err error) {
	ctx, span := startSpan(ctx, "ChangePrefix",
		attribute.String("pidflow.prefix.old", oldPrefix),
		attribute.String("pidflow.prefix.new", newPrefix),
		attribute.Bool("pidflow.archive", archive))
	defer func() { endSpan(span, err) }()

	oldPrefix = strings.TrimRight(strings.TrimSpace(oldPrefix), "/")
	newPrefix = strings.TrimRight(strings.TrimSpace(newPrefix), "/")
	if oldPrefix == "" || newPrefix == "" {
		return 0, fmt.Errorf("old and new prefix required")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	ok, err := r.allowed(ctx, tx, actorID, "change-prefix")
	tx.Rollback()
	if err != nil || !ok {
		return 0, err
	}
	if oldPrefix == newPrefix {
		return 0, nil
	}

	rows, err := r.Repo.HandlesWithPrefix(ctx, nil, oldPrefix)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		newHandle := newPrefix + strings.TrimPrefix(row.Handle, oldPrefix)
		var did bool
		err := r.withTx(ctx, func(tx *sql.Tx) error {
			var err error
			did, err = r.changeHandleTx(ctx, tx, actorID, row.Handle, newHandle, archive)
			return err
		})
		if err != nil {
			return changed, fmt.Errorf("change %s to %s: %w", row.Handle, newHandle, err)
		}
		if did {
			changed++
			if obj, ok := row.Object(); ok {
				r.invalidate(obj)
			}
		}
	}
	if err := r.withTx(ctx, func(tx *sql.Tx) error {
		return r.Events.Append(ctx, tx, events.PrefixChanged, entityKind, oldPrefix, actorID, events.EventPayload{
			"old_prefix": oldPrefix,
			"new_prefix": newPrefix,
			"archive":    archive,
			"changed":    changed,
		})
	}); err != nil {
		return changed, err
	}
	r.Log.WithFields(logrus.Fields{"old": oldPrefix, "new": newPrefix, "changed": changed}).Info("handle prefix changed")
	return changed, nil
}

// ChangeHandle renames one Handle.
func (r *Registry) ChangeHandle(ctx context.Context, actorID, oldHandle, newHandle string, archive bool) error {
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		ok, err := r.allowed(ctx, tx, actorID, "change-handle")
		if err != nil || !ok {
			return err
		}
		_, err = r.changeHandleTx(ctx, tx, actorID, oldHandle, newHandle, archive)
		return err
	})
	r.lookups.Flush()
	return err
}

// changeHandleTx reports false when nothing needed to change.
func (r *Registry) changeHandleTx(ctx context.Context, tx *sql.Tx, actorID, oldHandle, newHandle string, archive bool) (bool, error) {
	if oldHandle == newHandle {
		return false, nil
	}
	row, err := r.Repo.GetHandle(ctx, tx, oldHandle)
	if err != nil {
		return false, err
	}
	existing, err := r.Repo.GetHandle(ctx, tx, newHandle)
	exists := err == nil
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if exists && !row.Live() && row.URL != "" {
		// already migrated redirect
		return false, nil
	}

	if obj, ok := row.Object(); ok && row.Internal() && obj.Type == domain.TypeItem {
		if err := r.rewriteItemIdentifiers(ctx, tx, obj, newHandle, archive); err != nil {
			return false, err
		}
	}

	if !exists {
		row.Handle = newHandle
		if err := r.Repo.UpdateHandleTx(ctx, tx, row); err != nil {
			return false, err
		}
		if archive {
			target, err := r.resolveToURL(ctx, tx, newHandle)
			if err != nil {
				return false, err
			}
			if _, err := r.Repo.InsertHandleTx(ctx, tx, domain.Handle{
				Handle:       oldHandle,
				URL:          target,
				ResourceType: domain.TypeUnset,
				ResourceID:   -1,
			}); err != nil {
				return false, err
			}
		}
	} else {
		if obj, ok := row.Object(); ok {
			if err := checkRebind(existing, obj); err != nil {
				return false, err
			}
			existing.URL = row.URL
			existing.ResourceType, existing.ResourceID = obj.Type, obj.ID
			if err := r.Repo.UpdateHandleTx(ctx, tx, existing); err != nil {
				return false, err
			}
		}
		if archive {
			target, err := r.resolveToURL(ctx, tx, newHandle)
			if err != nil {
				return false, err
			}
			row.URL = target
			row.ResourceType, row.ResourceID = domain.TypeUnset, -1
			if err := r.Repo.UpdateHandleTx(ctx, tx, row); err != nil {
				return false, err
			}
		} else if err := r.Repo.DeleteHandleTx(ctx, tx, row.ID); err != nil {
			return false, err
		}
	}
	return true, r.Events.Append(ctx, tx, events.HandleChanged, entityKind, newHandle, actorID, events.EventPayload{
		"old_handle": oldHandle,
		"new_handle": newHandle,
		"archive":    archive,
	})
}

// rewriteItemIdentifiers points dc.identifier.uri at the new Handle. With
// archive the previous values are kept in dc.identifier.other.
func (r *Registry) rewriteItemIdentifiers(ctx context.Context, tx *sql.Tx, item domain.ObjectRef, newHandle string, archive bool) error {
	if archive {
		uris, err := r.Repo.Metadata(ctx, tx, item, domain.FieldIdentifierURI)
		if err != nil {
			return err
		}
		for _, v := range uris {
			seen, err := r.Repo.HasMetadataValue(ctx, tx, item, domain.FieldIdentifierOther, v.Value)
			if err != nil {
				return err
			}
			if !seen {
				if err := r.Repo.AddMetadata(ctx, tx, item, domain.FieldIdentifierOther, v.Lang, v.Value); err != nil {
					return err
				}
			}
		}
	}
	if err := r.Repo.ClearMetadata(ctx, tx, item, domain.FieldIdentifierURI); err != nil {
		return err
	}
	canonical, err := r.CanonicalFormFor(ctx, tx, item, newHandle)
	if err != nil {
		return err
	}
	return r.Repo.AddMetadata(ctx, tx, item, domain.FieldIdentifierURI, "", canonical)
}
