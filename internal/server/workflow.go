package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"pidflow/internal/domain"
	"pidflow/internal/engine"
)

type workflowItemPath struct {
	ID int64 `path:"id" minimum:"1"`
}

type stateOutput struct {
	Body engine.StateResult `json:"body"`
}

func (a api) registerWorkflow(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "submit",
		Method:      http.MethodPost,
		Path:        "/workspace-items",
		Summary:     "Create a workspace item for the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body domain.WorkspaceItem `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		files := make([]engine.SubmitFile, 0, len(input.Body.Files))
		for _, f := range input.Body.Files {
			files = append(files, engine.SubmitFile{Name: f.Name, Size: f.Size, Checksum: f.Checksum})
		}
		ws, err := a.eng.Submit(ctx, engine.SubmitOptions{
			CollectionID:    input.Body.CollectionID,
			SubmitterID:     actorID,
			Title:           strings.TrimSpace(input.Body.Title),
			Files:           files,
			MultipleFiles:   input.Body.MultipleFiles,
			MultipleTitles:  input.Body.MultipleTitles,
			PublishedBefore: input.Body.PublishedBefore,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkspaceItem `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "start-workflow",
		Method:      http.MethodPost,
		Path:        "/workspace-items/{id}/start",
		Summary:     "Send a workspace item into review",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *workflowItemPath) (*stateOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.eng.Start(ctx, engine.StartOptions{WorkspaceItemID: input.ID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: res}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "workflow-status",
		Method:      http.MethodGet,
		Path:        "/workflow-items/{id}",
		Summary:     "Steps, tasks and reviewers of a workflow item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowItemPath) (*struct {
		Body engine.ItemStatus `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		st, err := a.eng.Status(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		st.Steps = nonNilSlice(st.Steps)
		st.Pooled = nonNilSlice(st.Pooled)
		st.Claimed = nonNilSlice(st.Claimed)
		st.StepUsers = nonNilSlice(st.StepUsers)
		return &struct {
			Body engine.ItemStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/workflow-items/{id}/claim",
		Summary:     "Claim the caller's pooled task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workflowItemPath) (*stateOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.eng.Claim(ctx, engine.ClaimOptions{WorkflowItemID: input.ID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: res}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "unclaim-task",
		Method:      http.MethodPost,
		Path:        "/workflow-items/{id}/unclaim",
		Summary:     "Return the caller's claimed task to the pool",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workflowItemPath) (*stateOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.eng.Unclaim(ctx, engine.ClaimOptions{WorkflowItemID: input.ID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: res}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "do-action",
		Method:      http.MethodPost,
		Path:        "/workflow-items/{id}/actions",
		Summary:     "Perform a workflow action",
		Description: "Review actions read `decision` (approve or reject), `reason` and `outcome` from params.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id" minimum:"1"`
		Body ActionRequest `json:"body"`
	}) (*stateOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.eng.DoState(ctx, engine.DoStateOptions{
			WorkflowItemID: input.ID,
			ActionID:       input.Body.ActionID,
			ActorID:        actorID,
			Params:         input.Body.Params,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: res}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "reject",
		Method:      http.MethodPost,
		Path:        "/workflow-items/{id}/reject",
		Summary:     "Send the item back to its submitter",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64         `path:"id" minimum:"1"`
		Body RejectRequest `json:"body"`
	}) (*stateOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.eng.Reject(ctx, engine.RejectOptions{
			WorkflowItemID: input.ID,
			ActorID:        actorID,
			Reason:         strings.TrimSpace(input.Body.Reason),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: res}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "abort",
		Method:      http.MethodPost,
		Path:        "/workflow-items/{id}/abort",
		Summary:     "Administrator: pull the item out of review",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *workflowItemPath) (*stateOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.eng.Abort(ctx, engine.AbortOptions{WorkflowItemID: input.ID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: res}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "assign-item-role",
		Method:      http.MethodPost,
		Path:        "/workflow-items/{id}/roles",
		Summary:     "Administrator: add a member to an item-scoped role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id" minimum:"1"`
		Body RoleAssignRequest `json:"body"`
	}) (*stateOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.eng.AssignItemRole(ctx, engine.AssignRoleOptions{
			WorkflowItemID: input.ID,
			RoleID:         input.Body.RoleID,
			EPersonID:      input.Body.EPersonID,
			ActorID:        actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &stateOutput{Body: res}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "my-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Pooled and claimed tasks of the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.TaskList `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		list, err := a.eng.Tasks(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		list.Pooled = nonNilSlice(list.Pooled)
		list.Claimed = nonNilSlice(list.Claimed)
		return &struct {
			Body engine.TaskList `json:"body"`
		}{Body: list}, nil
	})
}
