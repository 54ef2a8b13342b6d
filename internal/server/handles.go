package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"pidflow/internal/domain"
	"pidflow/internal/repo"
)

type handlePath struct {
	Prefix string `path:"prefix"`
	Suffix string `path:"suffix"`
}

func (p handlePath) String() string { return p.Prefix + "/" + p.Suffix }

type objectPath struct {
	Type string `path:"type" enum:"bitstream,bundle,item,collection,community,site"`
	ID   int64  `path:"id"`
}

func (p objectPath) ref() (domain.ObjectRef, error) {
	return ObjectRequest{ResourceType: p.Type, ResourceID: p.ID}.ref()
}

type bindOutput struct {
	Status int
	Body   *HandleResponse
}

func (a api) registerHandles(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "resolve",
		Method:      http.MethodGet,
		Path:        "/resolve",
		Summary:     "Resolve an identifier or resolver URL",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identifier string `query:"identifier" required:"true"`
	}) (*struct {
		Body ResolveResponse `json:"body"`
	}, error) {
		id := strings.TrimSpace(input.Identifier)
		if id == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "identifier required", nil)
		}
		res, err := a.reg.Resolve(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolveResponse `json:"body"`
		}{Body: resolveResponse(ctx, a.reg, res)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-handle",
		Method:      http.MethodGet,
		Path:        "/handles/{prefix}/{suffix}",
		Summary:     "Get a handle record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *handlePath) (*struct {
		Body HandleResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		row, err := a.reg.Repo.GetHandle(ctx, nil, input.String())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HandleResponse `json:"body"`
		}{Body: handleResponse(ctx, a.reg, row)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-handles",
		Method:      http.MethodGet,
		Path:        "/handles",
		Summary:     "List handle records",
	}, func(ctx context.Context, input *struct {
		Prefix string `query:"prefix"`
	}) (*struct {
		Body []HandleResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var rows []domain.Handle
		var err error
		if input.Prefix != "" {
			rows, err = a.reg.Repo.HandlesWithPrefix(ctx, nil, input.Prefix)
		} else {
			rows, err = a.reg.FindAll(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]HandleResponse, 0, len(rows))
		for _, row := range rows {
			out = append(out, handleResponse(ctx, a.reg, row))
		}
		return &struct {
			Body []HandleResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-prefixes",
		Method:      http.MethodGet,
		Path:        "/prefixes",
		Summary:     "Distinct prefixes in the registry",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		prefixes, err := a.reg.Prefixes(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: nonNilSlice(prefixes)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "lookup-handle",
		Method:      http.MethodGet,
		Path:        "/objects/{type}/{id}/handle",
		Summary:     "Handle of an object",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *objectPath) (*struct {
		Body HandleResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ref, err := input.ref()
		if err != nil {
			return nil, handleError(err)
		}
		h, err := a.reg.Lookup(ctx, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HandleResponse `json:"body"`
		}{Body: a.describe(ctx, h, ref)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "mint-handle",
		Method:      http.MethodPost,
		Path:        "/objects/{type}/{id}/handle",
		Summary:     "Mint (or return) the object's handle",
		Description: "Items also get their canonical form recorded in dc.identifier.uri.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *objectPath) (*struct {
		Body HandleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, err := input.ref()
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := a.reg.Repo.ObjectExists(ctx, nil, ref)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok && ref.Type != domain.TypeSite {
			return nil, newAPIError(http.StatusNotFound, "not_found", "object not found", map[string]any{"object": ref.String()})
		}
		h, err := a.reg.Register(ctx, actorID, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HandleResponse `json:"body"`
		}{Body: a.describe(ctx, h, ref)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "delete-handle",
		Method:      http.MethodDelete,
		Path:        "/objects/{type}/{id}/handle",
		Summary:     "Unbind the object's handle, keeping a tombstone",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *objectPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, err := input.ref()
		if err != nil {
			return nil, handleError(err)
		}
		if err := a.reg.Delete(ctx, actorID, ref); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "bind-handle",
		Method:      http.MethodPost,
		Path:        "/handles",
		Summary:     "Bind a caller-chosen identifier to an object",
		Description: "Administrators only. Other callers are ignored.",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body BindRequest `json:"body"`
	}) (*bindOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, err := input.Body.ref()
		if err != nil {
			return nil, handleError(err)
		}
		identifier := strings.TrimSpace(input.Body.Identifier)
		if input.Body.Metadata {
			err = a.reg.RegisterIdentifier(ctx, actorID, ref, identifier)
		} else {
			err = a.reg.Reserve(ctx, actorID, ref, identifier)
		}
		if err != nil {
			return nil, handleError(err)
		}
		row, err := a.reg.Repo.GetHandle(ctx, nil, identifier)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		if obj, ok := row.Object(); err != nil || !ok || obj != ref {
			// Ignored: the caller is not an administrator.
			return &bindOutput{Status: http.StatusAccepted}, nil
		}
		res := handleResponse(ctx, a.reg, row)
		return &bindOutput{Status: http.StatusOK, Body: &res}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "change-prefix",
		Method:      http.MethodPost,
		Path:        "/prefixes/change",
		Summary:     "Move every handle under one prefix to another",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ChangePrefixRequest `json:"body"`
	}) (*struct {
		Body ChangePrefixResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := a.reg.ChangePrefix(ctx, actorID, input.Body.OldPrefix, input.Body.NewPrefix, input.Body.Archive)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChangePrefixResponse `json:"body"`
		}{Body: ChangePrefixResponse{Changed: n}}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "change-handle",
		Method:      http.MethodPost,
		Path:        "/handles/change",
		Summary:     "Rename one handle",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ChangeHandleRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.reg.ChangeHandle(ctx, actorID, input.Body.OldHandle, input.Body.NewHandle, input.Body.Archive); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// describe loads the stored row for h, falling back to a synthetic record
// for the site handle which has no row.
func (a api) describe(ctx context.Context, h string, ref domain.ObjectRef) HandleResponse {
	row, err := a.reg.Repo.GetHandle(ctx, nil, h)
	if err != nil {
		row = domain.Handle{Handle: h, ResourceType: ref.Type, ResourceID: ref.ID}
	}
	return handleResponse(ctx, a.reg, row)
}
