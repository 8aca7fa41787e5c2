package dispatch

import (
	"context"
	"log/slog"
	"time"

	"callback-scheduler/internal/capacity"
	"callback-scheduler/internal/marks"
	"callback-scheduler/internal/pbx"
)

// Redialer resubmits callbacks that were dispatched but never answered.
// At most one candidate is handled per tick; the next tick naturally
// re-selects anything still stuck, so there is no retry queue here.

type Redialer struct {
	Repo   marks.Repository
	Oracle capacity.Oracle
	Sink   pbx.Sink

	// TimeoutSeconds is how long a first-attempt mark may sit in a
	// non-terminal state before it is redialed.
	TimeoutSeconds int

	Now func() time.Time
	Log *slog.Logger
}

func (r *Redialer) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

// Redial finds one timed-out operator mark and resubmits it, carrying the
// original call's unique id so downstream answer tracking correlates to the
// first attempt.
//
// Missing configuration (settings, caller id, IVR branch, unique id) aborts
// with an error log and no state change: the guarded INITED transition runs
// only once every required request field is in hand.
func (r *Redialer) Redial(ctx context.Context) error {
	m, ok, err := r.Repo.RedialCandidate(ctx, r.TimeoutSeconds)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	log := r.logger().With("category", string(m.MarkType), "evaluated_call_id", m.EvaluatedCallID)

	settings, ok, err := r.Repo.CategorySettings(ctx, m.MarkType)
	if err != nil {
		return err
	}
	if !ok {
		log.Error("redial aborted: no settings row")
		return nil
	}

	branch, err := r.resolveBranch(ctx, m, settings)
	if err != nil {
		return err
	}
	uniqueID, uok, err := r.Repo.CallUniqueID(ctx, m.EvaluatedCallID)
	if err != nil {
		return err
	}

	if settings.CallerID == "" || m.ClientNumber == "" || branch == "" || !uok {
		log.Error("redial aborted: incomplete call request",
			"have_callerid", settings.CallerID != "",
			"have_number", m.ClientNumber != "",
			"have_branch", branch != "",
			"have_uniqueid", uok,
		)
		return nil
	}

	audio := ""
	if settings.SayOperatorName {
		if a, ok, err := r.Repo.OperatorNameAudio(ctx, m.OperatorNumber); err == nil && ok {
			audio = a
		}
	}

	snap, err := r.Oracle.Snapshot(ctx, settings.DepartmentID)
	if err != nil {
		return err
	}
	if snap.Empty() {
		log.Debug("redial deferred: no free capacity")
		return nil
	}

	// Guarded transition: refuses marks already INITED or ANSWERED, so a
	// concurrent scheduler (or a racing PBX answer) cannot double-submit.
	moved, err := r.Repo.TransitionInited(ctx, m.EvaluatedCallID)
	if err != nil {
		return err
	}
	if !moved {
		log.Debug("redial skipped: mark already in flight or answered")
		return nil
	}

	req := pbx.CallRequest{
		Destination:       m.ClientNumber,
		CallerID:          settings.CallerID,
		CallbackID:        m.EvaluatedCallID,
		IVRBranch:         branch,
		UniqueID:          uniqueID,
		OperatorNameAudio: audio,
	}
	if err := r.Sink.Submit(ctx, req); err != nil {
		log.Error("redial pbx handoff failed", "err", err)
		return err
	}

	log.Info("redial submitted", "destination", m.ClientNumber, "ivr_branch", branch)
	return nil
}

func (r *Redialer) resolveBranch(ctx context.Context, m marks.OperatorMark, settings marks.Settings) (string, error) {
	switch m.MarkType {
	case marks.CategoryIncoming:
		b, _, err := r.Repo.QueueIVRBranch(ctx, m.Queue)
		return b, err
	case marks.CategoryManualOut:
		b, _, err := r.Repo.AgentIVRBranch(ctx, m.OperatorNumber)
		return b, err
	default:
		return settings.IVRBranch, nil
	}
}
