package dispatch

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"callback-scheduler/internal/capacity"
	"callback-scheduler/internal/carrier"
	"callback-scheduler/internal/marks"
	"callback-scheduler/internal/pbx"
)

type stubOracle struct {
	snap capacity.Snapshot
	err  error
}

func (s stubOracle) Snapshot(ctx context.Context, departmentID int64) (capacity.Snapshot, error) {
	return s.snap, s.err
}

type sinkRecorder struct {
	reqs []pbx.CallRequest
	err  error
}

func (s *sinkRecorder) Submit(ctx context.Context, req pbx.CallRequest) error {
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

func snapshot(mts, ks, life, all int, trunk bool, trunkFree int) capacity.Snapshot {
	return capacity.Snapshot{
		Free: map[carrier.Tag]int{
			carrier.TagMTS:      mts,
			carrier.TagKyivstar: ks,
			carrier.TagLifecell: life,
			carrier.TagAll:      all,
			carrier.TagAllTrunk: trunkFree,
		},
		TrunkEnabled: trunk,
	}
}

// noonClock is a fixed instant inside the 09:00-18:00 test shift.
func noonClock() time.Time {
	return time.Date(2026, 8, 27, 12, 0, 0, 0, time.Local)
}

func shiftSettings() marks.Settings {
	return marks.Settings{
		Category:        marks.CategoryLastCall,
		DepartmentID:    1,
		CallerID:        "0800300100",
		AgentShiftStart: "09:00:00",
		AgentShiftEnd:   "18:00:00",
		NeverCallAfter:  "20:00:00",
		IVRBranch:       "support",
	}
}

// offShiftRecord is a NEW last_call record from last night, inside the
// previous-shift-end -> shift-start window at noon.
func offShiftRecord(id int64, number string) marks.CallRecord {
	return marks.CallRecord{
		ID:             id,
		CallDate:       time.Date(2026, 8, 27, 3, 0, 0, 0, time.Local),
		ClientNumber:   number,
		OperatorNumber: "7001",
		Queue:          "support_q",
		UniqueID:       "uid-1",
		MarkType:       marks.CategoryLastCall,
		CallbackStatus: marks.CallStatusNew,
	}
}

func newShiftEngine(t *testing.T, repo *marks.MemoryRepo, snap capacity.Snapshot, sink pbx.Sink) *Engine {
	t.Helper()
	e := NewEngine(repo, stubOracle{snap: snap}, sink, rand.New(rand.NewSource(1)))
	e.Now = noonClock
	repo.Now = noonClock
	return e
}

func TestDispatch_CapacityCeilingPerCarrier(t *testing.T) {
	repo := marks.NewMemoryRepo()
	repo.Settings[marks.CategoryLastCall] = shiftSettings()
	repo.Records = []marks.CallRecord{
		offShiftRecord(1, "+380661111111"), // mts
		offShiftRecord(2, "+380662222222"), // mts
	}
	sink := &sinkRecorder{}
	e := newShiftEngine(t, repo, snapshot(1, 0, 0, 0, false, 0), sink)

	n, err := e.Dispatch(context.Background(), marks.CategoryLastCall)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 1 || len(sink.reqs) != 1 {
		t.Fatalf("submitted = %d (sink %d), want exactly 1", n, len(sink.reqs))
	}

	// The unsubmitted record must remain eligible for the next tick.
	remaining, err := repo.ShiftRecords(context.Background(), marks.CategoryLastCall, marks.Window{
		From: time.Date(2026, 8, 26, 18, 0, 0, 0, time.Local),
		To:   time.Date(2026, 8, 27, 9, 0, 0, 0, time.Local),
	})
	if err != nil {
		t.Fatalf("shift records: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 record still eligible, got %d", len(remaining))
	}
}

func TestDispatch_ZeroCapacityNoWrites(t *testing.T) {
	repo := marks.NewMemoryRepo()
	repo.Settings[marks.CategoryLastCall] = shiftSettings()
	repo.Records = []marks.CallRecord{offShiftRecord(1, "+380661111111")}
	sink := &sinkRecorder{}
	e := newShiftEngine(t, repo, snapshot(0, 0, 0, 0, false, 0), sink)

	n, err := e.Dispatch(context.Background(), marks.CategoryLastCall)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 0 || len(sink.reqs) != 0 {
		t.Fatalf("expected no submissions, got %d (sink %d)", n, len(sink.reqs))
	}
	if len(repo.Marks) != 0 {
		t.Fatalf("expected no operator marks inserted, got %d", len(repo.Marks))
	}
	if repo.Records[0].CallbackStatus != marks.CallStatusNew {
		t.Fatalf("record status = %q, want NEW", repo.Records[0].CallbackStatus)
	}
}

func TestDispatch_NeverExceedsCapacityOrEligible(t *testing.T) {
	repo := marks.NewMemoryRepo()
	repo.Settings[marks.CategoryLastCall] = shiftSettings()
	numbers := []string{
		"+380661111111", "+380662222222", // mts
		"+380671111111", "+380672222222", "+380673333333", // ks
		"+380631111111", // life
		"+380441111111", // unknown (landline)
	}
	for i, num := range numbers {
		repo.Records = append(repo.Records, offShiftRecord(int64(i+1), num))
	}
	sink := &sinkRecorder{}
	snap := snapshot(1, 2, 0, 1, false, 0) // ceiling: 4
	e := newShiftEngine(t, repo, snap, sink)

	n, err := e.Dispatch(context.Background(), marks.CategoryLastCall)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n > 4 {
		t.Fatalf("submitted %d exceeds capacity ceiling 4", n)
	}
	if n != 4 {
		t.Fatalf("submitted = %d, want 4 (1 mts + 2 ks + 1 any)", n)
	}
	if len(sink.reqs) != n {
		t.Fatalf("sink saw %d requests, engine reported %d", len(sink.reqs), n)
	}

	// No destination submitted twice in one pass.
	seen := map[string]bool{}
	for _, req := range sink.reqs {
		if seen[req.Destination] {
			t.Fatalf("destination %s submitted twice", req.Destination)
		}
		seen[req.Destination] = true
	}
}

func TestDispatch_TrunkPoolOnlyWhenEnabled(t *testing.T) {
	repo := marks.NewMemoryRepo()
	repo.Settings[marks.CategoryLastCall] = shiftSettings()
	repo.Records = []marks.CallRecord{
		offShiftRecord(1, "+380441111111"), // unknown carrier, only shared pools can take it
	}
	sink := &sinkRecorder{}

	// Trunk has slots but the flag is off: nothing may go out.
	e := newShiftEngine(t, repo, snapshot(0, 0, 0, 0, false, 5), sink)
	if n, _ := e.Dispatch(context.Background(), marks.CategoryLastCall); n != 0 {
		t.Fatalf("trunk disabled: submitted %d, want 0", n)
	}

	// Same snapshot with the flag on: the trunk pool takes it.
	repo2 := marks.NewMemoryRepo()
	repo2.Settings[marks.CategoryLastCall] = shiftSettings()
	repo2.Records = []marks.CallRecord{offShiftRecord(1, "+380441111111")}
	sink2 := &sinkRecorder{}
	e2 := newShiftEngine(t, repo2, snapshot(0, 0, 0, 0, true, 5), sink2)
	if n, _ := e2.Dispatch(context.Background(), marks.CategoryLastCall); n != 1 {
		t.Fatalf("trunk enabled: submitted %d, want 1", n)
	}
}

func TestDispatch_SinkFailureLeavesRecordNew(t *testing.T) {
	repo := marks.NewMemoryRepo()
	repo.Settings[marks.CategoryLastCall] = shiftSettings()
	repo.Records = []marks.CallRecord{offShiftRecord(1, "+380661111111")}
	sink := &sinkRecorder{err: errors.New("spool full")}
	e := newShiftEngine(t, repo, snapshot(1, 0, 0, 0, false, 0), sink)

	n, err := e.Dispatch(context.Background(), marks.CategoryLastCall)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 0 {
		t.Fatalf("submitted = %d, want 0 on sink failure", n)
	}
	if got := repo.Records[0].CallbackStatus; got != marks.CallStatusNew {
		t.Fatalf("record status = %q, want NEW after failed handoff", got)
	}
}

func TestDispatch_RepeatedTicksProcessOnce(t *testing.T) {
	repo := marks.NewMemoryRepo()
	repo.Settings[marks.CategoryLastCall] = shiftSettings()
	repo.Records = []marks.CallRecord{offShiftRecord(1, "+380661111111")}
	sink := &sinkRecorder{}
	e := newShiftEngine(t, repo, snapshot(3, 3, 3, 3, false, 0), sink)

	first, err := e.Dispatch(context.Background(), marks.CategoryLastCall)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := e.Dispatch(context.Background(), marks.CategoryLastCall)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if first != 1 || second != 0 {
		t.Fatalf("submissions = (%d, %d), want (1, 0)", first, second)
	}
	if got := repo.Records[0].CallbackStatus; got != marks.CallStatusProcessed {
		t.Fatalf("record status = %q, want PROCESSED", got)
	}
	if len(repo.Marks) != 1 {
		t.Fatalf("operator marks = %d, want 1", len(repo.Marks))
	}
}

func TestDispatch_OutsideShiftWindowsIsNoop(t *testing.T) {
	repo := marks.NewMemoryRepo()
	repo.Settings[marks.CategoryLastCall] = shiftSettings()
	repo.Records = []marks.CallRecord{offShiftRecord(1, "+380661111111")}
	sink := &sinkRecorder{}
	e := newShiftEngine(t, repo, snapshot(3, 3, 3, 3, false, 0), sink)
	e.Now = func() time.Time {
		return time.Date(2026, 8, 27, 23, 0, 0, 0, time.Local) // past never_call_after
	}

	n, err := e.Dispatch(context.Background(), marks.CategoryLastCall)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 0 || len(sink.reqs) != 0 {
		t.Fatalf("expected no dispatch outside windows, got %d", n)
	}
}

func TestDispatch_IncomingResolvesQueueBranch(t *testing.T) {
	repo := marks.NewMemoryRepo()
	repo.Settings[marks.CategoryIncoming] = marks.Settings{
		Category:     marks.CategoryIncoming,
		DepartmentID: 1,
		CallerID:     "0800300100",
		SleepSeconds: 60,
	}
	repo.QueueBranches["billing_q"] = "billing"
	repo.Records = []marks.CallRecord{{
		ID:             10,
		CallDate:       noonClock().Add(-5 * time.Minute),
		ClientNumber:   "+380671234567",
		OperatorNumber: "7002",
		Queue:          "billing_q",
		UniqueID:       "uid-10",
		MarkType:       marks.CategoryIncoming,
		CallbackStatus: marks.CallStatusNew,
	}}
	sink := &sinkRecorder{}
	e := newShiftEngine(t, repo, snapshot(0, 1, 0, 0, false, 0), sink)

	n, err := e.Dispatch(context.Background(), marks.CategoryIncoming)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("submitted = %d, want 1", n)
	}
	if got := sink.reqs[0].IVRBranch; got != "billing" {
		t.Fatalf("ivr branch = %q, want %q", got, "billing")
	}
	if got := sink.reqs[0].UniqueID; got != "uid-10" {
		t.Fatalf("unique id = %q, want uid-10", got)
	}
}

func TestDispatch_MissingQueueBranchSkipsRecord(t *testing.T) {
	repo := marks.NewMemoryRepo()
	repo.Settings[marks.CategoryIncoming] = marks.Settings{
		Category:     marks.CategoryIncoming,
		DepartmentID: 1,
		CallerID:     "0800300100",
		SleepSeconds: 60,
	}
	repo.Records = []marks.CallRecord{{
		ID:             10,
		CallDate:       noonClock().Add(-5 * time.Minute),
		ClientNumber:   "+380671234567",
		Queue:          "unmapped_q",
		MarkType:       marks.CategoryIncoming,
		CallbackStatus: marks.CallStatusNew,
	}}
	sink := &sinkRecorder{}
	e := newShiftEngine(t, repo, snapshot(0, 1, 0, 0, false, 0), sink)

	n, err := e.Dispatch(context.Background(), marks.CategoryIncoming)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n != 0 || len(repo.Marks) != 0 {
		t.Fatalf("expected record skipped with no writes, got n=%d marks=%d", n, len(repo.Marks))
	}
	if repo.Records[0].CallbackStatus != marks.CallStatusNew {
		t.Fatalf("record must stay NEW when branch is unresolved")
	}
}

func TestDispatch_SleepThresholdHoldsRecordBack(t *testing.T) {
	repo := marks.NewMemoryRepo()
	repo.Settings[marks.CategoryManualOut] = marks.Settings{
		Category:     marks.CategoryManualOut,
		DepartmentID: 1,
		CallerID:     "0800300100",
		SleepSeconds: 600,
	}
	repo.AgentBranches["7002"] = "sales"
	repo.Records = []marks.CallRecord{{
		ID:             11,
		CallDate:       noonClock().Add(-1 * time.Minute), // younger than sleeptime
		ClientNumber:   "+380951234567",
		OperatorNumber: "7002",
		MarkType:       marks.CategoryManualOut,
		CallbackStatus: marks.CallStatusNew,
	}}
	sink := &sinkRecorder{}
	e := newShiftEngine(t, repo, snapshot(3, 3, 3, 3, false, 0), sink)

	if n, _ := e.Dispatch(context.Background(), marks.CategoryManualOut); n != 0 {
		t.Fatalf("record inside sleep threshold must not dispatch, got %d", n)
	}
}

func TestDispatch_OperatorNameAudioCarried(t *testing.T) {
	repo := marks.NewMemoryRepo()
	s := shiftSettings()
	s.SayOperatorName = true
	repo.Settings[marks.CategoryLastCall] = s
	repo.NameAudio["7001"] = "operator-7001"
	repo.Records = []marks.CallRecord{offShiftRecord(1, "+380661111111")}
	sink := &sinkRecorder{}
	e := newShiftEngine(t, repo, snapshot(1, 0, 0, 0, false, 0), sink)

	if _, err := e.Dispatch(context.Background(), marks.CategoryLastCall); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sink.reqs) != 1 || sink.reqs[0].OperatorNameAudio != "operator-7001" {
		t.Fatalf("expected operator audio cue, got %+v", sink.reqs)
	}
}

func TestDispatch_MissingSettingsRowSkipsCategory(t *testing.T) {
	repo := marks.NewMemoryRepo()
	sink := &sinkRecorder{}
	e := newShiftEngine(t, repo, snapshot(3, 3, 3, 3, false, 0), sink)

	n, err := e.Dispatch(context.Background(), marks.CategoryLastCall)
	if err != nil {
		t.Fatalf("missing settings must not be an error: %v", err)
	}
	if n != 0 {
		t.Fatalf("submitted = %d, want 0", n)
	}
}

func TestCarrierOrder_SeededShuffleIsDeterministic(t *testing.T) {
	snap := snapshot(1, 1, 1, 1, true, 1)

	a := NewEngine(nil, nil, nil, rand.New(rand.NewSource(7)))
	b := NewEngine(nil, nil, nil, rand.New(rand.NewSource(7)))
	orderA := a.carrierOrder(snap)
	orderB := b.carrierOrder(snap)
	if len(orderA) != 5 || len(orderB) != 5 {
		t.Fatalf("expected 3 carriers + all + all_trunk, got %d/%d", len(orderA), len(orderB))
	}
	for i := range orderA {
		if orderA[i] != orderB[i] {
			t.Fatalf("same seed produced different orders: %v vs %v", orderA, orderB)
		}
	}
	if orderA[3] != carrier.TagAll || orderA[4] != carrier.TagAllTrunk {
		t.Fatalf("shared pools must trail the shuffled carriers: %v", orderA)
	}
}

func TestTakeForTag(t *testing.T) {
	pool := classify([]marks.CallRecord{
		{ID: 1, ClientNumber: "+380661111111"},
		{ID: 2, ClientNumber: "+380671111111"},
		{ID: 3, ClientNumber: "+380662222222"},
	})

	picked, rest := takeForTag(pool, carrier.TagMTS, 1)
	if len(picked) != 1 || picked[0].ID != 1 {
		t.Fatalf("expected first mts record, got %+v", picked)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(rest))
	}

	// Shared pool takes anything left, in order.
	picked, rest = takeForTag(rest, carrier.TagAll, 10)
	if len(picked) != 2 || picked[0].ID != 2 || picked[1].ID != 3 {
		t.Fatalf("shared pool pick wrong: %+v", picked)
	}
	if len(rest) != 0 {
		t.Fatalf("expected drained pool, got %d", len(rest))
	}

	if picked, _ := takeForTag(pool, carrier.TagLifecell, 5); len(picked) != 0 {
		t.Fatalf("no lifecell records in pool, got %+v", picked)
	}
}
