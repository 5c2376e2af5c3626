package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cronhub/internal/jobs"
	"cronhub/internal/task/trigger"
	logx "cronhub/pkg/logx"

	"github.com/google/uuid"
)

// dialect captures the few differences between the SQL backends.
type dialect struct {
	name string
	// dollar placeholders ($1, $2, ...) instead of '?'.
	dollar bool
	// forUpdate is appended to row reads inside write transactions.
	forUpdate string
}

// sqlStore implements Store on database/sql. Each operation runs in one
// transaction; acquisition uses compare-and-set updates so concurrent
// schedulers sharing a database never hold the same trigger twice.
type sqlStore struct {
	db      *sql.DB
	d       dialect
	calc    *trigger.Calculator
	log     logx.Logger
	logSize int
	now     func() time.Time
}

const jobColumns = `job_group, job_name, type, description, params, notify, run_count, last_error, log, created_at, updated_at`

const triggerColumns = `job_group, job_name, kind, cron, interval_ns, repeat_count, start_at, end_at, misfire, state, times_fired, prev_fire_at, held_since, held_by, updated_at`

func newSQLStore(db *sql.DB, d dialect, calc *trigger.Calculator, log logx.Logger, logSize int) *sqlStore {
	if logSize <= 0 {
		logSize = jobs.DefaultLogSize
	}
	return &sqlStore{db: db, d: d, calc: calc, log: log, logSize: logSize, now: time.Now}
}

// q rewrites '?' placeholders for the dialect.
func (s *sqlStore) q(query string) string {
	if !s.d.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// tx runs fn in a transaction and commits when it returns nil.
func (s *sqlStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// migrateLegacyTypes rewrites jobs stored before job types existed.
func (s *sqlStore) migrateLegacyTypes(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET type = ? WHERE type IN ('', 'none', 'NONE', 'url')`), string(jobs.TypeHTTP))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("migrated legacy job types", logx.Int64("jobs", n), logx.String("to", string(jobs.TypeHTTP)))
	}
	return nil
}

// ---- encoding ----

type scanner interface {
	Scan(dest ...any) error
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time { return time.Unix(0, n) }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	return jobs.TimePtr(time.Unix(0, n.Int64))
}

func jobArgs(j jobs.Job) ([]any, error) {
	params := j.Params
	if params == nil {
		params = map[string]string{}
	}
	pb, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	entries := j.Log
	if entries == nil {
		entries = []jobs.LogEntry{}
	}
	lb, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	notify := j.Notify
	if notify == "" {
		notify = jobs.NotifyNone
	}
	return []any{
		j.Key.Group, j.Key.Name, string(j.Type), j.Description, string(pb), string(notify),
		j.RunCount, j.LastError, string(lb), nanos(j.CreatedAt), nanos(j.UpdatedAt),
	}, nil
}

func scanJob(row scanner) (jobs.Job, error) {
	var (
		j                 jobs.Job
		typ, params, desc string
		notify, logJSON   string
		created, updated  int64
	)
	if err := row.Scan(&j.Key.Group, &j.Key.Name, &typ, &desc, &params, &notify, &j.RunCount, &j.LastError, &logJSON, &created, &updated); err != nil {
		return jobs.Job{}, err
	}
	j.Description = desc
	t, err := jobs.ParseType(typ)
	if err != nil {
		return jobs.Job{}, err
	}
	j.Type = t
	if p, err := jobs.ParseNotifyPolicy(notify); err == nil {
		j.Notify = p
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
			return jobs.Job{}, fmt.Errorf("job %s params: %w", j.Key, err)
		}
	}
	if logJSON != "" {
		if err := json.Unmarshal([]byte(logJSON), &j.Log); err != nil {
			return jobs.Job{}, fmt.Errorf("job %s log: %w", j.Key, err)
		}
	}
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	return j, nil
}

func triggerArgs(t jobs.Trigger) []any {
	var heldBy sql.NullString
	if t.HeldBy != "" {
		heldBy = sql.NullString{String: t.HeldBy, Valid: true}
	}
	return []any{
		t.Key.Group, t.Key.Name, string(t.Kind), t.Cron, int64(t.Interval), t.RepeatCount,
		nanos(t.StartTime), nullNanos(t.EndTime), string(t.Misfire), string(t.State), t.TimesFired,
		nullNanos(t.PrevFireTime), nullNanos(t.HeldSince), heldBy, nanos(t.UpdatedAt),
	}
}

func scanTrigger(row scanner) (jobs.Trigger, error) {
	var (
		t                    jobs.Trigger
		kind, misfire, state string
		interval, start, upd int64
		end, prev, heldSince sql.NullInt64
		heldBy               sql.NullString
	)
	if err := row.Scan(&t.Key.Group, &t.Key.Name, &kind, &t.Cron, &interval, &t.RepeatCount,
		&start, &end, &misfire, &state, &t.TimesFired, &prev, &heldSince, &heldBy, &upd); err != nil {
		return jobs.Trigger{}, err
	}
	t.Kind = jobs.Kind(kind)
	t.Interval = time.Duration(interval)
	t.StartTime = fromNanos(start)
	t.EndTime = fromNullNanos(end)
	t.Misfire = jobs.Misfire(misfire)
	t.State = jobs.State(state)
	t.PrevFireTime = fromNullNanos(prev)
	t.HeldSince = fromNullNanos(heldSince)
	t.HeldBy = heldBy.String
	t.UpdatedAt = fromNanos(upd)
	return t, nil
}

// ---- row helpers (inside a transaction) ----

func (s *sqlStore) getJobTx(ctx context.Context, tx *sql.Tx, key jobs.Key) (jobs.Job, error) {
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE job_group = ? AND job_name = ?`+s.d.forUpdate), key.Group, key.Name)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, notFound(key)
	}
	return j, err
}

func (s *sqlStore) getTriggerTx(ctx context.Context, tx *sql.Tx, key jobs.Key) (jobs.Trigger, error) {
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+triggerColumns+` FROM triggers WHERE job_group = ? AND job_name = ?`+s.d.forUpdate), key.Group, key.Name)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Trigger{}, notFound(key)
	}
	return t, err
}

func (s *sqlStore) putJobTx(ctx context.Context, tx *sql.Tx, j jobs.Job) error {
	args, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(job_group, job_name) DO UPDATE SET
			type=excluded.type, description=excluded.description, params=excluded.params,
			notify=excluded.notify, run_count=excluded.run_count, last_error=excluded.last_error,
			log=excluded.log, created_at=excluded.created_at, updated_at=excluded.updated_at`), args...)
	return err
}

func (s *sqlStore) putTriggerTx(ctx context.Context, tx *sql.Tx, t jobs.Trigger) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO triggers(`+triggerColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(job_group, job_name) DO UPDATE SET
			kind=excluded.kind, cron=excluded.cron, interval_ns=excluded.interval_ns,
			repeat_count=excluded.repeat_count, start_at=excluded.start_at, end_at=excluded.end_at,
			misfire=excluded.misfire, state=excluded.state, times_fired=excluded.times_fired,
			prev_fire_at=excluded.prev_fire_at, held_since=excluded.held_since,
			held_by=excluded.held_by, updated_at=excluded.updated_at`), triggerArgs(t)...)
	return err
}

// casTriggerTx writes t only if the stored row is still in state `from` and
// held by heldBy (empty means unheld). It reports whether the row changed.
func (s *sqlStore) casTriggerTx(ctx context.Context, tx *sql.Tx, t jobs.Trigger, from jobs.State, heldBy string) (bool, error) {
	cond := `held_since IS NULL`
	args := []any{
		string(t.State), t.TimesFired, nullNanos(t.PrevFireTime), nullNanos(t.HeldSince),
		sql.NullString{String: t.HeldBy, Valid: t.HeldBy != ""}, nanos(t.UpdatedAt),
		t.Key.Group, t.Key.Name, string(from),
	}
	if heldBy != "" {
		cond = `held_by = ?`
		args = append(args, heldBy)
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE triggers SET state = ?, times_fired = ?, prev_fire_at = ?, held_since = ?, held_by = ?, updated_at = ?
		WHERE job_group = ? AND job_name = ? AND state = ? AND `+cond), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) waitingTx(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}) ([]jobs.Trigger, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT `+triggerColumns+` FROM triggers WHERE state = ? AND held_since IS NULL`), string(jobs.StateWaiting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []jobs.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---- Store ----

func (s *sqlStore) AddJob(ctx context.Context, job jobs.Job, trig jobs.Trigger) error {
	if err := validateAdd(job, trig); err != nil {
		return err
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getJobTx(ctx, tx, job.Key); err == nil {
			return fmt.Errorf("%w: %s", jobs.ErrAlreadyExists, job.Key)
		} else if !errors.Is(err, jobs.ErrNotFound) {
			return err
		}
		if err := s.putJobTx(ctx, tx, job); err != nil {
			return err
		}
		return s.putTriggerTx(ctx, tx, trig)
	})
}

func (s *sqlStore) UpsertJob(ctx context.Context, job jobs.Job) error {
	if !job.Key.Valid() {
		return fmt.Errorf("%w: job name required", jobs.ErrInvalidSchedule)
	}
	return s.tx(ctx, func(tx *sql.Tx) error { return s.putJobTx(ctx, tx, job) })
}

func (s *sqlStore) GetJob(ctx context.Context, key jobs.Key) (jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE job_group = ? AND job_name = ?`), key.Group, key.Name)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, notFound(key)
	}
	return j, err
}

func (s *sqlStore) DeleteJob(ctx context.Context, key jobs.Key) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getJobTx(ctx, tx, key); err != nil {
			return err
		}
		t, err := s.getTriggerTx(ctx, tx, key)
		if err == nil && t.Held() {
			return fmt.Errorf("%w: %s", jobs.ErrInFlight, key)
		} else if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM triggers WHERE job_group = ? AND job_name = ?`), key.Group, key.Name); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE job_group = ? AND job_name = ?`), key.Group, key.Name)
		return err
	})
}

func (s *sqlStore) UpsertTrigger(ctx context.Context, trig jobs.Trigger) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getJobTx(ctx, tx, trig.Key); err != nil {
			return err
		}
		cur, err := s.getTriggerTx(ctx, tx, trig.Key)
		if err == nil && cur.Held() && cur.HeldBy != trig.HeldBy {
			return fmt.Errorf("%w: %s", jobs.ErrInFlight, trig.Key)
		} else if err != nil && !errors.Is(err, jobs.ErrNotFound) {
			return err
		}
		return s.putTriggerTx(ctx, tx, trig)
	})
}

func (s *sqlStore) GetTrigger(ctx context.Context, key jobs.Key) (jobs.Trigger, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+triggerColumns+` FROM triggers WHERE job_group = ? AND job_name = ?`), key.Group, key.Name)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Trigger{}, notFound(key)
	}
	return t, err
}

func (s *sqlStore) DeleteTrigger(ctx context.Context, key jobs.Key) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTriggerTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if t.Held() {
			return fmt.Errorf("%w: %s", jobs.ErrInFlight, key)
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM triggers WHERE job_group = ? AND job_name = ?`), key.Group, key.Name)
		return err
	})
}

func (s *sqlStore) ListAll(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY job_group, job_name`)
	if err != nil {
		return nil, err
	}
	var out []Entry
	idx := map[jobs.Key]int{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		idx[j.Key] = len(out)
		out = append(out, Entry{Job: j})
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	trows, err := s.db.QueryContext(ctx, `SELECT `+triggerColumns+` FROM triggers`)
	if err != nil {
		return nil, err
	}
	defer trows.Close()
	for trows.Next() {
		t, err := scanTrigger(trows)
		if err != nil {
			return nil, err
		}
		if i, ok := idx[t.Key]; ok {
			tc := t
			out[i].Trigger = &tc
		}
	}
	return out, trows.Err()
}

func (s *sqlStore) AcquireDueTriggers(ctx context.Context, now time.Time, batch int) ([]Fire, error) {
	var fires []Fire
	err := s.tx(ctx, func(tx *sql.Tx) error {
		fires = fires[:0]
		trigs, err := s.waitingTx(ctx, tx)
		if err != nil {
			return err
		}
		due, exhausted := scanDue(s.calc, trigs, now)
		for _, k := range exhausted {
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE triggers SET state = ?, updated_at = ?
				WHERE job_group = ? AND job_name = ? AND state = ? AND held_since IS NULL`),
				string(jobs.StateComplete), nanos(now), k.Group, k.Name, string(jobs.StateWaiting)); err != nil {
				return err
			}
		}
		for _, c := range due {
			if batch > 0 && len(fires) >= batch {
				break
			}
			id := uuid.NewString()
			held := hold(c.trig, id, now, jobs.StateAcquired)
			ok, err := s.casTriggerTx(ctx, tx, held, jobs.StateWaiting, "")
			if err != nil {
				return err
			}
			if !ok {
				// Another scheduler got there first.
				continue
			}
			job, err := s.getJobTx(ctx, tx, c.trig.Key)
			if err != nil {
				return err
			}
			fires = append(fires, Fire{ID: id, Job: job, Trigger: held, Plan: c.plan, AcquiredAt: now})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fires, nil
}

func (s *sqlStore) AcquireTrigger(ctx context.Context, key jobs.Key, fireID string, now time.Time) (Fire, error) {
	var fire Fire
	err := s.tx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJobTx(ctx, tx, key)
		if err != nil {
			return err
		}
		t, err := s.getTriggerTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := acquirable(t); err != nil {
			return err
		}
		held := hold(t, fireID, now, t.State)
		ok, err := s.casTriggerTx(ctx, tx, held, t.State, "")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", jobs.ErrInFlight, key)
		}
		fire = Fire{ID: fireID, Job: job, Trigger: held, Plan: manualPlan(now), Manual: true, AcquiredAt: now}
		return nil
	})
	return fire, err
}

func (s *sqlStore) BeginExecution(ctx context.Context, key jobs.Key, fireID string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTriggerTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if t.HeldBy != fireID {
			return fmt.Errorf("%w: %s no longer held by %s", jobs.ErrInFlight, key, fireID)
		}
		if t.State != jobs.StateAcquired {
			return nil
		}
		next := t.Clone()
		next.State = jobs.StateExecuting
		next.UpdatedAt = s.now()
		_, err = s.casTriggerTx(ctx, tx, next, jobs.StateAcquired, fireID)
		return err
	})
}

func (s *sqlStore) CompleteFire(ctx context.Context, c Completion) (jobs.Trigger, error) {
	var out jobs.Trigger
	err := s.tx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJobTx(ctx, tx, c.Key)
		if err != nil {
			return err
		}
		var tp *jobs.Trigger
		t, err := s.getTriggerTx(ctx, tx, c.Key)
		switch {
		case err == nil:
			tp = &t
		case !errors.Is(err, jobs.ErrNotFound):
			return err
		}
		var before jobs.State
		if tp != nil {
			before = tp.State
		}
		if applyCompletion(s.calc, &job, tp, c, s.logSize) {
			// The full row is rewritten; the hold check keeps a reclaimed
			// trigger from being overwritten by a late completion.
			ok, err := s.completeTriggerTx(ctx, tx, *tp, before, c.FireID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s no longer held by %s", jobs.ErrInFlight, c.Key, c.FireID)
			}
		}
		if err := s.putJobTx(ctx, tx, job); err != nil {
			return err
		}
		if tp != nil {
			out = *tp
		}
		return nil
	})
	return out, err
}

func (s *sqlStore) completeTriggerTx(ctx context.Context, tx *sql.Tx, t jobs.Trigger, from jobs.State, fireID string) (bool, error) {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE triggers SET state = ?, times_fired = ?, prev_fire_at = ?, held_since = NULL, held_by = NULL, updated_at = ?
		WHERE job_group = ? AND job_name = ? AND state = ? AND held_by = ?`),
		string(t.State), t.TimesFired, nullNanos(t.PrevFireTime), nanos(t.UpdatedAt),
		t.Key.Group, t.Key.Name, string(from), fireID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqlStore) ReleaseFire(ctx context.Context, key jobs.Key, fireID string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTriggerTx(ctx, tx, key)
		if errors.Is(err, jobs.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if t.HeldBy != fireID {
			return nil
		}
		from := t.State
		reclaim(&t, s.now())
		_, err = tx.ExecContext(ctx, s.q(`UPDATE triggers SET state = ?, held_since = NULL, held_by = NULL, updated_at = ?
			WHERE job_group = ? AND job_name = ? AND state = ? AND held_by = ?`),
			string(t.State), nanos(t.UpdatedAt), key.Group, key.Name, string(from), fireID)
		return err
	})
}

func (s *sqlStore) SetState(ctx context.Context, key jobs.Key, from []jobs.State, to jobs.State) (jobs.Trigger, error) {
	var out jobs.Trigger
	err := s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.getTriggerTx(ctx, tx, key)
		if err != nil {
			return err
		}
		out = t
		if !containsState(from, t.State) {
			return fmt.Errorf("%w: %s is %s", ErrStateConflict, key, t.State)
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE triggers SET state = ?, updated_at = ? WHERE job_group = ? AND job_name = ? AND state = ?`),
			string(to), nanos(s.now()), key.Group, key.Name, string(t.State))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s changed concurrently", ErrStateConflict, key)
		}
		out.State = to
		return nil
	})
	return out, err
}

func (s *sqlStore) ClearError(ctx context.Context, key jobs.Key) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		now := nanos(s.now())
		res, err := tx.ExecContext(ctx, s.q(`UPDATE jobs SET last_error = '', updated_at = ? WHERE job_group = ? AND job_name = ?`), now, key.Group, key.Name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(key)
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE triggers SET state = ?, updated_at = ? WHERE job_group = ? AND job_name = ? AND state = ?`),
			string(jobs.StateWaiting), now, key.Group, key.Name, string(jobs.StateError))
		return err
	})
}

func (s *sqlStore) ReleaseStale(ctx context.Context, olderThan time.Time) ([]jobs.Key, error) {
	var keys []jobs.Key
	err := s.tx(ctx, func(tx *sql.Tx) error {
		keys = keys[:0]
		rows, err := tx.QueryContext(ctx, s.q(`SELECT `+triggerColumns+` FROM triggers WHERE held_since IS NOT NULL AND held_since < ?`), nanos(olderThan))
		if err != nil {
			return err
		}
		var held []jobs.Trigger
		for rows.Next() {
			t, err := scanTrigger(rows)
			if err != nil {
				_ = rows.Close()
				return err
			}
			held = append(held, t)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		now := s.now()
		for _, t := range held {
			if !stale(t, olderThan) {
				continue
			}
			from, heldBy := t.State, t.HeldBy
			reclaim(&t, now)
			res, err := tx.ExecContext(ctx, s.q(`UPDATE triggers SET state = ?, held_since = NULL, held_by = NULL, updated_at = ?
				WHERE job_group = ? AND job_name = ? AND state = ? AND held_by = ?`),
				string(t.State), nanos(now), t.Key.Group, t.Key.Name, string(from), heldBy)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 1 {
				keys = append(keys, t.Key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys, nil
}

func (s *sqlStore) NextFireTime(ctx context.Context, now time.Time) (time.Time, bool, error) {
	trigs, err := s.waitingTx(ctx, s.db)
	if err != nil {
		return time.Time{}, false, err
	}
	at, ok := earliest(s.calc, trigs, now)
	return at, ok, nil
}
