package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"callback-scheduler/internal/capacity"
	"callback-scheduler/internal/carrier"
	"callback-scheduler/internal/marks"
	"callback-scheduler/internal/pbx"
)

// Engine selects eligible call records for one mark category and submits as
// many callbacks as the current capacity snapshot allows.
//
// All collaborators are injected (no package-level state):
// - Repo: record/mark/settings persistence
// - Oracle: free-slot snapshots per department
// - Sink: one-way PBX handoff
// - RNG: carrier-order shuffling; seedable for deterministic tests
// - Now: the clock; substitutable for deterministic tests
//
// Capacity values are hard ceilings against a deliberately stale snapshot;
// small over/under-allocation races against live capacity are accepted.
// Fairness across carriers is statistical over many ticks (shuffled order
// each pass), never guaranteed within one.

type Engine struct {
	Repo   marks.Repository
	Oracle capacity.Oracle
	Sink   pbx.Sink

	RNG *rand.Rand
	Now func() time.Time
	Log *slog.Logger
}

func NewEngine(repo marks.Repository, oracle capacity.Oracle, sink pbx.Sink, rng *rand.Rand) *Engine {
	return &Engine{Repo: repo, Oracle: oracle, Sink: sink, RNG: rng, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

var ErrUnknownCategory = errors.New("dispatch: unknown category")

// Dispatch runs one selection-and-submission pass for a category and returns
// the number of call requests handed to the sink.
//
// Missing configuration (settings row, IVR branch) skips work with a log and
// a nil error: the category retries next tick once configuration appears.
// Transient datastore/oracle failures return an error for the loop to log;
// source state is unchanged, so the next tick retries naturally.
func (e *Engine) Dispatch(ctx context.Context, cat marks.Category) (int, error) {
	if !cat.Valid() {
		return 0, ErrUnknownCategory
	}
	log := e.logger().With("category", string(cat))

	settings, ok, err := e.Repo.CategorySettings(ctx, cat)
	if err != nil {
		return 0, err
	}
	if !ok {
		log.Warn("no settings row, category skipped")
		return 0, nil
	}

	eligible, window, err := e.eligibleRecords(ctx, cat, settings, log)
	if err != nil {
		return 0, err
	}
	if len(eligible) == 0 {
		return 0, nil
	}

	snap, err := e.Oracle.Snapshot(ctx, settings.DepartmentID)
	if err != nil {
		return 0, err
	}
	if snap.Empty() {
		log.Debug("no free capacity", "department_id", settings.DepartmentID)
		return 0, nil
	}

	pool := classify(eligible)
	submitted := 0
	for _, tag := range e.carrierOrder(snap) {
		if len(pool) == 0 {
			break
		}
		var picked []marks.CallRecord
		picked, pool = takeForTag(pool, tag, snap.FreeFor(tag))
		for _, rec := range picked {
			if e.submit(ctx, rec, cat, settings, window, log) {
				submitted++
			}
		}
	}

	if submitted > 0 {
		log.Info("dispatch pass complete", "submitted", submitted, "eligible", len(eligible))
	}
	return submitted, nil
}

// eligibleRecords resolves the category's eligibility policy. The returned
// window is non-nil only for shift-based categories and bounds the
// PROCESSED predicate later.
func (e *Engine) eligibleRecords(ctx context.Context, cat marks.Category, settings marks.Settings, log *slog.Logger) ([]marks.CallRecord, *marks.Window, error) {
	if cat.IsShiftBased() {
		w, open, err := shiftWindow(e.now(), settings)
		if err != nil {
			log.Error("shift window misconfigured", "err", err)
			return nil, nil, nil
		}
		if !open {
			return nil, nil, nil
		}
		recs, err := e.Repo.ShiftRecords(ctx, cat, w)
		if err != nil {
			return nil, nil, err
		}
		return recs, &w, nil
	}

	rec, ok, err := e.Repo.SleepingRecord(ctx, cat, settings.SleepSeconds)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	return []marks.CallRecord{rec}, nil, nil
}

// carrierOrder shuffles the real carriers, then appends the shared pool and,
// when the trunk flag is set, the trunk pool. Shuffling prevents one carrier
// from starving the others when eligible records outnumber capacity.
func (e *Engine) carrierOrder(snap capacity.Snapshot) []carrier.Tag {
	tags := carrier.Real()
	if e.RNG != nil {
		e.RNG.Shuffle(len(tags), func(i, j int) { tags[i], tags[j] = tags[j], tags[i] })
	}
	tags = append(tags, carrier.TagAll)
	if snap.TrunkEnabled {
		tags = append(tags, carrier.TagAllTrunk)
	}
	return tags
}

type classified struct {
	rec marks.CallRecord
	tag carrier.Tag
}

func classify(recs []marks.CallRecord) []classified {
	out := make([]classified, 0, len(recs))
	for _, rec := range recs {
		out = append(out, classified{rec: rec, tag: carrier.Classify(rec.ClientNumber)})
	}
	return out
}

// takeForTag picks up to limit records for a capacity tag, preserving the
// pool's relative order, and returns the remaining pool. The shared tags
// draw from the whole pool irrespective of carrier.
func takeForTag(pool []classified, tag carrier.Tag, limit int) ([]marks.CallRecord, []classified) {
	if limit <= 0 {
		return nil, pool
	}
	any := tag == carrier.TagAll || tag == carrier.TagAllTrunk

	picked := make([]marks.CallRecord, 0, limit)
	rest := make([]classified, 0, len(pool))
	for _, c := range pool {
		if len(picked) < limit && (any || c.tag == tag) {
			picked = append(picked, c.rec)
			continue
		}
		rest = append(rest, c)
	}
	return picked, rest
}

// submit drives one record through the dispatch sequence:
// resolve IVR branch and optional name audio, insert the operator mark,
// hand off to the sink, and only then flip the source record to PROCESSED.
//
// Failure policy per step:
// - missing branch: record dropped this tick, stays NEW
// - mark insert failure: skipped, stays NEW (retry-by-re-eligibility)
// - sink failure: stays NEW; the inserted mark is recovered by redial
// - PROCESSED update failure: logged; next tick re-evaluates
func (e *Engine) submit(ctx context.Context, rec marks.CallRecord, cat marks.Category, settings marks.Settings, window *marks.Window, log *slog.Logger) bool {
	branch, err := e.resolveBranch(ctx, rec, cat, settings)
	if err != nil {
		log.Error("ivr branch unresolved", "record_id", rec.ID, "err", err)
		return false
	}

	audio := ""
	if settings.SayOperatorName {
		a, ok, err := e.Repo.OperatorNameAudio(ctx, rec.OperatorNumber)
		if err != nil {
			log.Error("operator audio lookup failed", "operator", rec.OperatorNumber, "err", err)
		} else if !ok {
			log.Warn("say-name enabled but no audio for operator", "operator", rec.OperatorNumber)
		} else {
			audio = a
		}
	}

	if err := e.Repo.InsertMark(ctx, rec, cat, e.now()); err != nil {
		log.Error("operator mark insert failed, record left eligible", "record_id", rec.ID, "err", err)
		return false
	}

	req := pbx.CallRequest{
		Destination:       rec.ClientNumber,
		CallerID:          settings.CallerID,
		CallbackID:        rec.ID,
		IVRBranch:         branch,
		UniqueID:          rec.UniqueID,
		OperatorNameAudio: audio,
	}
	if err := e.Sink.Submit(ctx, req); err != nil {
		log.Error("pbx handoff failed, record left eligible", "record_id", rec.ID, "err", err)
		return false
	}

	if err := e.Repo.MarkProcessed(ctx, cat, rec.ClientNumber, window); err != nil {
		log.Error("processed update failed", "record_id", rec.ID, "err", err)
	}
	return true
}

func (e *Engine) resolveBranch(ctx context.Context, rec marks.CallRecord, cat marks.Category, settings marks.Settings) (string, error) {
	switch cat {
	case marks.CategoryIncoming:
		b, ok, err := e.Repo.QueueIVRBranch(ctx, rec.Queue)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("no ivr branch for queue %q", rec.Queue)
		}
		return b, nil
	case marks.CategoryManualOut:
		b, ok, err := e.Repo.AgentIVRBranch(ctx, rec.OperatorNumber)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("no ivr branch for agent %q", rec.OperatorNumber)
		}
		return b, nil
	default:
		if settings.IVRBranch == "" {
			return "", fmt.Errorf("no ivr branch configured for %s", cat)
		}
		return settings.IVRBranch, nil
	}
}
