package marks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository abstracts data access for call records, operator marks and the
// per-category configuration tables.
//
// IMPORTANT:
// - Lookups that may legitimately find nothing return (zero, false, nil);
//   missing rows are a configuration condition, not an error.
// - Status transitions are conditional UPDATEs. Their WHERE predicates are
//   the real duplicate-submission guard; callers must not weaken them.

type Repository interface {
	// EnabledCategories returns the per-category enable flags, reloaded
	// fresh every poll tick.
	EnabledCategories(ctx context.Context) (map[Category]bool, error)

	// CategorySettings returns the settings row for one category.
	CategorySettings(ctx context.Context, cat Category) (Settings, bool, error)

	// ShiftRecords returns the newest NEW record per distinct client number
	// whose calldate falls inside the window. Shift-based categories only.
	ShiftRecords(ctx context.Context, cat Category, w Window) ([]CallRecord, error)

	// SleepingRecord returns one NEW record older than the sleep threshold.
	// The pick is deliberately unordered (any matching row is acceptable).
	SleepingRecord(ctx context.Context, cat Category, sleepSeconds int) (CallRecord, bool, error)

	// QueueIVRBranch resolves the IVR branch for an incoming-queue callback.
	QueueIVRBranch(ctx context.Context, queue string) (string, bool, error)

	// AgentIVRBranch resolves the IVR branch by the agent's SIP identity.
	AgentIVRBranch(ctx context.Context, operatorNumber string) (string, bool, error)

	// OperatorNameAudio resolves the optional agent-name announcement file.
	OperatorNameAudio(ctx context.Context, operatorNumber string) (string, bool, error)

	// InsertMark records a dispatch attempt for rec with call_attempts = 1.
	InsertMark(ctx context.Context, rec CallRecord, cat Category, dateCallback time.Time) error

	// MarkProcessed flips NEW -> PROCESSED for the category + client number,
	// additionally bounded by the calldate window for shift-based categories
	// (window may be nil otherwise).
	MarkProcessed(ctx context.Context, cat Category, clientNumber string, w *Window) error

	// RedialCandidate returns at most one first-attempt mark stuck past the
	// redial timeout in a non-terminal state.
	RedialCandidate(ctx context.Context, timeoutSeconds int) (OperatorMark, bool, error)

	// TransitionInited moves the mark for evaluatedCallID to INITED, but only
	// when it is not already INITED or ANSWERED. Reports whether a row moved.
	TransitionInited(ctx context.Context, evaluatedCallID int64) (bool, error)

	// CallUniqueID returns the platform unique id of the evaluated call.
	CallUniqueID(ctx context.Context, recordID int64) (string, bool, error)

	// DepartmentCallerID resolves the caller id presented for a category.
	DepartmentCallerID(ctx context.Context, cat Category) (string, bool, error)
}

var ErrInvalidArgument = errors.New("marks: invalid argument")

// PostgresRepo implements Repository against the platform schema:
// autodial_marks, operator_marks, operator_marks_setting, departments,
// config_queue_callbacks, config_agent_marks, operator_name_audio.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) EnabledCategories(ctx context.Context) (map[Category]bool, error) {
	const q = `
SELECT calls_type, enable
FROM operator_marks_setting
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("marks: enabled categories: %w", err)
	}
	defer rows.Close()

	out := make(map[Category]bool, 4)
	for rows.Next() {
		var cat Category
		var enabled bool
		if err := rows.Scan(&cat, &enabled); err != nil {
			return nil, err
		}
		if cat.Valid() {
			out[cat] = enabled
		}
	}
	return out, rows.Err()
}

func (r *PostgresRepo) CategorySettings(ctx context.Context, cat Category) (Settings, bool, error) {
	const q = `
SELECT oms.calls_type,
       d.id,
       d.callerid,
       COALESCE(oms.agent_shift_start::text, ''),
       COALESCE(oms.agent_shift_end::text, ''),
       COALESCE(oms.never_call_after::text, ''),
       COALESCE(oms.sleeptime, 0),
       COALESCE(oms.ivr_branch, ''),
       oms.say_fio
FROM operator_marks_setting oms
JOIN departments d ON d.name = oms.dep_name
WHERE oms.calls_type = $1
LIMIT 1
`
	var s Settings
	err := r.db.QueryRowContext(ctx, q, cat).Scan(
		&s.Category,
		&s.DepartmentID,
		&s.CallerID,
		&s.AgentShiftStart,
		&s.AgentShiftEnd,
		&s.NeverCallAfter,
		&s.SleepSeconds,
		&s.IVRBranch,
		&s.SayOperatorName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, false, nil
		}
		return Settings{}, false, fmt.Errorf("marks: settings for %s: %w", cat, err)
	}
	return s, true, nil
}

func (r *PostgresRepo) ShiftRecords(ctx context.Context, cat Category, w Window) ([]CallRecord, error) {
	// One row per client number: the newest NEW record inside the window.
	const q = `
SELECT DISTINCT ON (client_number)
       id, calldate, client_number, operator_number, billsec, queue, uniqueid, recordingfile
FROM autodial_marks
WHERE mark_type = $1
  AND callback_status = 'NEW'
  AND calldate BETWEEN $2 AND $3
ORDER BY client_number, id DESC
`
	rows, err := r.db.QueryContext(ctx, q, cat, w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("marks: shift records for %s: %w", cat, err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec := CallRecord{MarkType: cat, CallbackStatus: CallStatusNew}
		if err := rows.Scan(
			&rec.ID,
			&rec.CallDate,
			&rec.ClientNumber,
			&rec.OperatorNumber,
			&rec.BillSec,
			&rec.Queue,
			&rec.UniqueID,
			&rec.RecordingFile,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) SleepingRecord(ctx context.Context, cat Category, sleepSeconds int) (CallRecord, bool, error) {
	// LIMIT 1 without ORDER BY: any NEW match past the sleep threshold is
	// acceptable. Selection order is an explicit non-determinism here.
	const q = `
SELECT id, calldate, client_number, operator_number, billsec, queue, uniqueid, recordingfile
FROM autodial_marks
WHERE mark_type = $1
  AND callback_status = 'NEW'
  AND now() > calldate + make_interval(secs => $2)
LIMIT 1
`
	rec := CallRecord{MarkType: cat, CallbackStatus: CallStatusNew}
	err := r.db.QueryRowContext(ctx, q, cat, sleepSeconds).Scan(
		&rec.ID,
		&rec.CallDate,
		&rec.ClientNumber,
		&rec.OperatorNumber,
		&rec.BillSec,
		&rec.Queue,
		&rec.UniqueID,
		&rec.RecordingFile,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, false, nil
		}
		return CallRecord{}, false, fmt.Errorf("marks: sleeping record for %s: %w", cat, err)
	}
	return rec, true, nil
}

func (r *PostgresRepo) QueueIVRBranch(ctx context.Context, queue string) (string, bool, error) {
	const q = `
SELECT mark_ivr_menu
FROM config_queue_callbacks
WHERE queue_name = $1
LIMIT 1
`
	return r.lookupString(ctx, q, queue)
}

func (r *PostgresRepo) AgentIVRBranch(ctx context.Context, operatorNumber string) (string, bool, error) {
	const q = `
SELECT queue_ivr_branch
FROM config_agent_marks
WHERE sip = $1
LIMIT 1
`
	return r.lookupString(ctx, q, operatorNumber)
}

func (r *PostgresRepo) OperatorNameAudio(ctx context.Context, operatorNumber string) (string, bool, error) {
	const q = `
SELECT audio_filename
FROM operator_name_audio
WHERE operator_number = $1
LIMIT 1
`
	return r.lookupString(ctx, q, operatorNumber)
}

func (r *PostgresRepo) InsertMark(ctx context.Context, rec CallRecord, cat Category, dateCallback time.Time) error {
	if rec.ID == 0 || rec.ClientNumber == "" || !cat.Valid() {
		return ErrInvalidArgument
	}
	const q = `
INSERT INTO operator_marks (
  calldate, client_number, operator_number, billsec, queue,
  evaluated_call_id, mark_type, recordingfile,
  call_attempts, date_callback, callback_status
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,1,$9,'NEW'
)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.CallDate,
		rec.ClientNumber,
		rec.OperatorNumber,
		rec.BillSec,
		rec.Queue,
		rec.ID,
		cat,
		rec.RecordingFile,
		dateCallback,
	)
	if err != nil {
		return fmt.Errorf("marks: insert operator mark for call %d: %w", rec.ID, err)
	}
	return nil
}

func (r *PostgresRepo) MarkProcessed(ctx context.Context, cat Category, clientNumber string, w *Window) error {
	if clientNumber == "" || !cat.Valid() {
		return ErrInvalidArgument
	}
	if cat.IsShiftBased() && w != nil {
		const q = `
UPDATE autodial_marks
SET callback_status = 'PROCESSED'
WHERE mark_type = $1
  AND client_number = $2
  AND calldate BETWEEN $3 AND $4
  AND callback_status = 'NEW'
`
		_, err := r.db.ExecContext(ctx, q, cat, clientNumber, w.From, w.To)
		if err != nil {
			return fmt.Errorf("marks: mark processed (%s, windowed): %w", cat, err)
		}
		return nil
	}
	const q = `
UPDATE autodial_marks
SET callback_status = 'PROCESSED'
WHERE mark_type = $1
  AND client_number = $2
  AND callback_status = 'NEW'
`
	_, err := r.db.ExecContext(ctx, q, cat, clientNumber)
	if err != nil {
		return fmt.Errorf("marks: mark processed (%s): %w", cat, err)
	}
	return nil
}

func (r *PostgresRepo) RedialCandidate(ctx context.Context, timeoutSeconds int) (OperatorMark, bool, error) {
	const q = `
SELECT evaluated_call_id, client_number, operator_number, queue, mark_type, call_attempts, date_callback
FROM operator_marks
WHERE call_attempts = 1
  AND callback_status NOT IN ('INITED', 'ANSWERED')
  AND now() > date_callback + make_interval(secs => $1)
LIMIT 1
`
	var m OperatorMark
	err := r.db.QueryRowContext(ctx, q, timeoutSeconds).Scan(
		&m.EvaluatedCallID,
		&m.ClientNumber,
		&m.OperatorNumber,
		&m.Queue,
		&m.MarkType,
		&m.CallAttempts,
		&m.DateCallback,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OperatorMark{}, false, nil
		}
		return OperatorMark{}, false, fmt.Errorf("marks: redial candidate: %w", err)
	}
	return m, true, nil
}

func (r *PostgresRepo) TransitionInited(ctx context.Context, evaluatedCallID int64) (bool, error) {
	// The NOT IN predicate is the single-INITED invariant. Do not remove.
	const q = `
UPDATE operator_marks
SET callback_status = 'INITED'
WHERE evaluated_call_id = $1
  AND callback_status NOT IN ('INITED', 'ANSWERED')
`
	res, err := r.db.ExecContext(ctx, q, evaluatedCallID)
	if err != nil {
		return false, fmt.Errorf("marks: transition inited for %d: %w", evaluatedCallID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRepo) CallUniqueID(ctx context.Context, recordID int64) (string, bool, error) {
	const q = `
SELECT uniqueid
FROM autodial_marks
WHERE id = $1
LIMIT 1
`
	return r.lookupString(ctx, q, recordID)
}

func (r *PostgresRepo) DepartmentCallerID(ctx context.Context, cat Category) (string, bool, error) {
	const q = `
SELECT d.callerid
FROM operator_marks_setting oms
JOIN departments d ON d.name = oms.dep_name
WHERE oms.calls_type = $1
LIMIT 1
`
	return r.lookupString(ctx, q, cat)
}

func (r *PostgresRepo) lookupString(ctx context.Context, q string, arg any) (string, bool, error) {
	var v sql.NullString
	if err := r.db.QueryRowContext(ctx, q, arg).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	if !v.Valid || v.String == "" {
		return "", false, nil
	}
	return v.String, true, nil
}
