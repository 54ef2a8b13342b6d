package engine

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"

	"pidflow/internal/domain"
	"pidflow/internal/events"
	"pidflow/internal/metrics"
)

// enterStep starts a step and keeps going while no one has to act on it.
func (e Engine) enterStep(ctx context.Context, tx *sql.Tx, r *run, step *Step) (*Action, error) {
	outcome, waiting, err := e.enter(ctx, tx, r, step)
	if err != nil || waiting {
		return nil, err
	}
	return e.processOutcome(ctx, tx, r, step, step.Selection, outcome, true)
}

// enter activates the step's selection action. When it needs a person the
// step waits; otherwise the selection runs at once.
func (e Engine) enter(ctx context.Context, tx *sql.Tx, r *run, step *Step) (ActionResult, bool, error) {
	r.result.Step = step.ID
	if err := e.event(ctx, tx, r, events.WorkflowStepEntered, events.EventPayload{"step": step.ID}); err != nil {
		return ActionResult{}, false, err
	}
	metrics.RecordTransition("step")
	if err := e.activate(ctx, tx, r, step, step.Selection); err != nil {
		return ActionResult{}, false, err
	}
	if step.Selection.RequiresUI() {
		return ActionResult{}, true, nil
	}
	outcome, err := e.execute(ctx, tx, r, step, step.Selection)
	return outcome, false, err
}

// processOutcome applies an action's result and follows the workflow until
// it needs a person, archives the item, or fails. It returns the action the
// current actor should see next, or nil.
//
// The loop is bounded by the configured transition limit so that a cycle
// of automatic steps fails instead of running forever.
func (e Engine) processOutcome(ctx context.Context, tx *sql.Tx, r *run, step *Step, action *Action, outcome ActionResult, entered bool) (*Action, error) {
	limit := e.Workflows.MaxTransitions()
	for i := 0; ; i++ {
		if i >= limit {
			return nil, domain.NewConfigurationError("workflow %s exceeded %d transitions at step %s; check the step graph for cycles",
				r.workflow.ID, limit, step.ID)
		}
		switch outcome.Type {
		case ResultPage, ResultError:
			return action, nil
		case ResultCancel, ResultSubmissionPage:
			return nil, nil
		}

		var next *Action
		if outcome.Code == OutcomeComplete {
			next = step.NextAction(action)
		}
		if next != nil {
			if err := e.activate(ctx, tx, r, step, next); err != nil {
				return nil, err
			}
			if next.RequiresUI() {
				if entered {
					// Nobody in this step has acted yet.
					return nil, nil
				}
				if err := e.Pool.CreateOwnedTask(ctx, tx, r.wfi, step.ID, next.ID, r.actor); err != nil {
					return nil, err
				}
				return next, nil
			}
			res, err := e.execute(ctx, tx, r, step, next)
			if err != nil {
				return nil, err
			}
			action, outcome = next, res
			continue
		}

		finisher := r.actor
		if entered {
			finisher = ""
		}
		if err := e.Pool.AddFinishedUser(ctx, tx, r.wfi.ID, step.ID, finisher); err != nil {
			return nil, err
		}
		done := entered || outcome.Code != OutcomeComplete
		if !done {
			var err error
			if done, err = e.Pool.IsStepFinished(ctx, tx, r.wfi.ID, step.poolStep()); err != nil {
				return nil, err
			}
		}
		if !done {
			// Others still have to finish this step.
			if err := e.Pool.DeleteClaimedTask(ctx, tx, r.wfi, step.ID, r.actor); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if err := e.Pool.ClearStep(ctx, tx, r.wfi.ID, step.ID); err != nil {
			return nil, err
		}
		if err := e.Pool.DeleteAllTasks(ctx, tx, r.wfi); err != nil {
			return nil, err
		}

		nextStep := r.workflow.NextStep(step, outcome.Code)
		if nextStep == nil {
			if outcome.Code != OutcomeComplete {
				return nil, domain.NewConfigurationError("No alternate step was found for outcome: %d", outcome.Code)
			}
			return nil, e.archiveTx(ctx, tx, r)
		}
		e.Log.WithFields(logrus.Fields{
			"workflow_item": r.wfi.ID,
			"from":          step.ID,
			"to":            nextStep.ID,
			"outcome":       outcome.Code,
		}).Debug("step finished")

		res, waiting, err := e.enter(ctx, tx, r, nextStep)
		if err != nil {
			return nil, err
		}
		if waiting {
			return nil, nil
		}
		step, action, outcome, entered = nextStep, nextStep.Selection, res, true
	}
}
