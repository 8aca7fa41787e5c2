package marks

import "time"

// CallRecord is a completed call observed by the telephony platform
// (autodial_marks table). The platform inserts these when a call ends;
// the scheduler only ever flips CallbackStatus NEW -> PROCESSED, and only
// through the category-guarded UPDATE predicates in the repository.

type CallRecord struct {
	ID             int64      `json:"id" db:"id"`
	CallDate       time.Time  `json:"calldate" db:"calldate"`
	ClientNumber   string     `json:"client_number" db:"client_number"`
	OperatorNumber string     `json:"operator_number" db:"operator_number"`
	BillSec        int        `json:"billsec" db:"billsec"`
	Queue          string     `json:"queue" db:"queue"`
	UniqueID       string     `json:"uniqueid" db:"uniqueid"`
	RecordingFile  string     `json:"recordingfile" db:"recordingfile"`
	MarkType       Category   `json:"mark_type" db:"mark_type"`
	CallbackStatus CallStatus `json:"callback_status" db:"callback_status"`
}

// OperatorMark is one dispatch attempt derived from a CallRecord
// (operator_marks table).
//
// Invariant: at most one INITED mark may exist per EvaluatedCallID.
// The guarded UPDATE in the repository (status NOT IN INITED/ANSWERED)
// is what enforces it, even if two schedulers ever run concurrently.

type OperatorMark struct {
	EvaluatedCallID int64      `json:"evaluated_call_id" db:"evaluated_call_id"`
	ClientNumber    string     `json:"client_number" db:"client_number"`
	OperatorNumber  string     `json:"operator_number" db:"operator_number"`
	Queue           string     `json:"queue" db:"queue"`
	MarkType        Category   `json:"mark_type" db:"mark_type"`
	CallAttempts    int        `json:"call_attempts" db:"call_attempts"`
	DateCallback    time.Time  `json:"date_callback" db:"date_callback"`
	CallbackStatus  MarkStatus `json:"callback_status" db:"callback_status"`
}

// Category classifies why a call is eligible for a quality callback.
type Category string

const (
	CategoryLastCall    Category = "last_call"
	CategoryLastCallOut Category = "last_call_out"
	CategoryIncoming    Category = "incoming"
	CategoryManualOut   Category = "manual_out"
)

// Categories lists every category in the order the poll loop runs them.
func Categories() []Category {
	return []Category{CategoryLastCall, CategoryLastCallOut, CategoryIncoming, CategoryManualOut}
}

// IsShiftBased reports whether the category's eligibility depends on the
// agent shift window rather than a per-record sleep threshold.
func (c Category) IsShiftBased() bool {
	return c == CategoryLastCall || c == CategoryLastCallOut
}

func (c Category) Valid() bool {
	switch c {
	case CategoryLastCall, CategoryLastCallOut, CategoryIncoming, CategoryManualOut:
		return true
	default:
		return false
	}
}

// CallStatus is the callback lifecycle of a CallRecord.
type CallStatus string

const (
	CallStatusNew       CallStatus = "NEW"
	CallStatusProcessed CallStatus = "PROCESSED"
)

// MarkStatus is the callback lifecycle of an OperatorMark.
// NEW -> INITED -> ANSWERED; ANSWERED is reported by the PBX and is terminal.
type MarkStatus string

const (
	MarkStatusNew      MarkStatus = "NEW"
	MarkStatusInited   MarkStatus = "INITED"
	MarkStatusAnswered MarkStatus = "ANSWERED"
)

// Settings is the per-category configuration row
// (operator_marks_setting joined to departments).
//
// Reloaded every tick; never cached, so operator-side changes take effect
// within one poll interval.
type Settings struct {
	Category     Category `json:"calls_type" db:"calls_type"`
	DepartmentID int64    `json:"dep_id" db:"dep_id"`
	CallerID     string   `json:"callerid" db:"callerid"`

	// Shift window, HH:MM:SS wall-clock strings. Only meaningful for the
	// shift-based categories.
	AgentShiftStart string `json:"agent_shift_start" db:"agent_shift_start"`
	AgentShiftEnd   string `json:"agent_shift_end" db:"agent_shift_end"`
	NeverCallAfter  string `json:"never_call_after" db:"never_call_after"`

	// SleepSeconds delays incoming/manual_out callbacks after the call ends.
	SleepSeconds int `json:"sleeptime" db:"sleeptime"`

	// IVRBranch is the static branch for the shift-based categories.
	IVRBranch string `json:"ivr_branch" db:"ivr_branch"`

	// SayOperatorName enables the operator-name audio cue lookup.
	SayOperatorName bool `json:"say_fio" db:"say_fio"`
}

// Window is a calldate range used by the shift-based PROCESSED predicate.
type Window struct {
	From time.Time
	To   time.Time
}
