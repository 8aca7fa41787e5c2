package marks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and early development.
// It mirrors the Postgres predicates, including the conditional status
// transitions, so engine tests exercise the same guarantees.
//
// Unlike the SQL repository, single-record picks are deterministic here
// (first inserted wins) to keep test output stable.

type MemoryRepo struct {
	mu sync.Mutex

	Records  []CallRecord
	Marks    []OperatorMark
	Settings map[Category]Settings
	Enabled  map[Category]bool

	QueueBranches map[string]string // queue name -> ivr branch
	AgentBranches map[string]string // operator sip -> ivr branch
	NameAudio     map[string]string // operator sip -> audio file

	// Now substitutes the database clock (now() in SQL predicates).
	Now func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		Settings:      map[Category]Settings{},
		Enabled:       map[Category]bool{},
		QueueBranches: map[string]string{},
		AgentBranches: map[string]string{},
		NameAudio:     map[string]string{},
		Now:           time.Now,
	}
}

func (r *MemoryRepo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *MemoryRepo) EnabledCategories(ctx context.Context) (map[Category]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Category]bool, len(r.Enabled))
	for c, e := range r.Enabled {
		out[c] = e
	}
	return out, nil
}

func (r *MemoryRepo) CategorySettings(ctx context.Context, cat Category) (Settings, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Settings[cat]
	return s, ok, nil
}

func (r *MemoryRepo) ShiftRecords(ctx context.Context, cat Category, w Window) ([]CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	newest := map[string]CallRecord{}
	for _, rec := range r.Records {
		if rec.MarkType != cat || rec.CallbackStatus != CallStatusNew {
			continue
		}
		if rec.CallDate.Before(w.From) || rec.CallDate.After(w.To) {
			continue
		}
		if cur, ok := newest[rec.ClientNumber]; !ok || rec.ID > cur.ID {
			newest[rec.ClientNumber] = rec
		}
	}

	out := make([]CallRecord, 0, len(newest))
	for _, rec := range newest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) SleepingRecord(ctx context.Context, cat Category, sleepSeconds int) (CallRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, rec := range r.Records {
		if rec.MarkType != cat || rec.CallbackStatus != CallStatusNew {
			continue
		}
		if now.After(rec.CallDate.Add(time.Duration(sleepSeconds) * time.Second)) {
			return rec, true, nil
		}
	}
	return CallRecord{}, false, nil
}

func (r *MemoryRepo) QueueIVRBranch(ctx context.Context, queue string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.QueueBranches[queue]
	return b, ok && b != "", nil
}

func (r *MemoryRepo) AgentIVRBranch(ctx context.Context, operatorNumber string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.AgentBranches[operatorNumber]
	return b, ok && b != "", nil
}

func (r *MemoryRepo) OperatorNameAudio(ctx context.Context, operatorNumber string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.NameAudio[operatorNumber]
	return a, ok && a != "", nil
}

func (r *MemoryRepo) InsertMark(ctx context.Context, rec CallRecord, cat Category, dateCallback time.Time) error {
	if rec.ID == 0 || rec.ClientNumber == "" || !cat.Valid() {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Marks = append(r.Marks, OperatorMark{
		EvaluatedCallID: rec.ID,
		ClientNumber:    rec.ClientNumber,
		OperatorNumber:  rec.OperatorNumber,
		Queue:           rec.Queue,
		MarkType:        cat,
		CallAttempts:    1,
		DateCallback:    dateCallback,
		CallbackStatus:  MarkStatusNew,
	})
	return nil
}

func (r *MemoryRepo) MarkProcessed(ctx context.Context, cat Category, clientNumber string, w *Window) error {
	if clientNumber == "" || !cat.Valid() {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.Records {
		rec := &r.Records[i]
		if rec.MarkType != cat || rec.ClientNumber != clientNumber || rec.CallbackStatus != CallStatusNew {
			continue
		}
		if cat.IsShiftBased() && w != nil {
			if rec.CallDate.Before(w.From) || rec.CallDate.After(w.To) {
				continue
			}
		}
		rec.CallbackStatus = CallStatusProcessed
	}
	return nil
}

func (r *MemoryRepo) RedialCandidate(ctx context.Context, timeoutSeconds int) (OperatorMark, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, m := range r.Marks {
		if m.CallAttempts != 1 {
			continue
		}
		if m.CallbackStatus == MarkStatusInited || m.CallbackStatus == MarkStatusAnswered {
			continue
		}
		if now.After(m.DateCallback.Add(time.Duration(timeoutSeconds) * time.Second)) {
			return m, true, nil
		}
	}
	return OperatorMark{}, false, nil
}

func (r *MemoryRepo) TransitionInited(ctx context.Context, evaluatedCallID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	moved := false
	for i := range r.Marks {
		m := &r.Marks[i]
		if m.EvaluatedCallID != evaluatedCallID {
			continue
		}
		if m.CallbackStatus == MarkStatusInited || m.CallbackStatus == MarkStatusAnswered {
			continue
		}
		m.CallbackStatus = MarkStatusInited
		moved = true
	}
	return moved, nil
}

func (r *MemoryRepo) CallUniqueID(ctx context.Context, recordID int64) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.Records {
		if rec.ID == recordID {
			return rec.UniqueID, rec.UniqueID != "", nil
		}
	}
	return "", false, nil
}

func (r *MemoryRepo) DepartmentCallerID(ctx context.Context, cat Category) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.Settings[cat]
	if !ok || s.CallerID == "" {
		return "", false, nil
	}
	return s.CallerID, true, nil
}
