package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cronhub/internal/jobs"
	"cronhub/internal/task/trigger"
	logx "cronhub/pkg/logx"
)

var t0 = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func newCalc() *trigger.Calculator { return trigger.NewCalculator(time.UTC, 5*time.Second) }

type driver struct {
	name string
	// open returns a store over the same backing data on every call.
	open    func(t *testing.T) Store
	durable bool
}

func drivers(t *testing.T) []driver {
	t.Helper()
	dir := t.TempDir()
	calc := newCalc()
	opener := func(cfg Config) func(t *testing.T) Store {
		return func(t *testing.T) Store {
			t.Helper()
			st, err := Open(cfg, calc, logx.Nop())
			if err != nil {
				t.Fatalf("Open(%s) error: %v", cfg.Driver, err)
			}
			return st
		}
	}
	return []driver{
		{name: "memory", open: opener(Config{Driver: "memory"})},
		{name: "file", open: opener(Config{Driver: "file", Path: filepath.Join(dir, "file", "cronhub.json")}), durable: true},
		{name: "sqlite", open: opener(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "cronhub.db")}), durable: true},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, d driver, st Store)) {
	for _, d := range drivers(t) {
		d := d
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, d, st)
		})
	}
}

func simpleJob(name string, start time.Time, every time.Duration, repeat int) (jobs.Job, jobs.Trigger) {
	key := jobs.NewKey("reports", name)
	job := jobs.Job{
		Key:       key,
		Type:      jobs.TypeHTTP,
		Params:    map[string]string{jobs.ParamURL: "http://example.invalid/" + name},
		CreatedAt: start,
		UpdatedAt: start,
	}
	trig := jobs.Trigger{
		Key:         key,
		Kind:        jobs.KindSimple,
		Interval:    every,
		RepeatCount: repeat,
		StartTime:   start,
		State:       jobs.StateWaiting,
		UpdatedAt:   start,
	}
	return job, trig
}

func mustAdd(t *testing.T, st Store, job jobs.Job, trig jobs.Trigger) {
	t.Helper()
	if err := st.AddJob(context.Background(), job, trig); err != nil {
		t.Fatalf("AddJob(%s) error: %v", job.Key, err)
	}
}

func complete(f Fire, at time.Time, ok bool) Completion {
	c := Completion{
		Key:      f.Trigger.Key,
		FireID:   f.ID,
		Manual:   f.Manual,
		RecordAs: f.Plan.RecordAs,
		Skipped:  f.Plan.Skipped,
		At:       at,
		OK:       ok,
		Log:      jobs.LogEntry{At: at, FireID: f.ID, OK: ok, Message: "done"},
	}
	if !ok {
		c.Error = "boom"
	}
	return c
}

func TestAddGetListDelete(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		ctx := context.Background()
		jb, tb := simpleJob("b", t0, time.Minute, -1)
		ja, ta := simpleJob("a", t0, time.Minute, -1)
		mustAdd(t, st, jb, tb)
		mustAdd(t, st, ja, ta)

		if err := st.AddJob(ctx, ja, ta); !errors.Is(err, jobs.ErrAlreadyExists) {
			t.Fatalf("duplicate AddJob error = %v, want ErrAlreadyExists", err)
		}

		got, err := st.GetJob(ctx, ja.Key)
		if err != nil {
			t.Fatalf("GetJob error: %v", err)
		}
		if got.Params[jobs.ParamURL] != ja.Params[jobs.ParamURL] || got.Type != jobs.TypeHTTP {
			t.Fatalf("GetJob = %+v, want %+v", got, ja)
		}

		all, err := st.ListAll(ctx)
		if err != nil {
			t.Fatalf("ListAll error: %v", err)
		}
		if len(all) != 2 || all[0].Job.Key.Name != "a" || all[1].Job.Key.Name != "b" {
			t.Fatalf("ListAll order = %+v", all)
		}
		if all[0].Trigger == nil || all[0].Trigger.State != jobs.StateWaiting {
			t.Fatalf("ListAll trigger = %+v, want waiting", all[0].Trigger)
		}

		if err := st.DeleteJob(ctx, ja.Key); err != nil {
			t.Fatalf("DeleteJob error: %v", err)
		}
		if _, err := st.GetTrigger(ctx, ja.Key); !errors.Is(err, jobs.ErrNotFound) {
			t.Fatalf("GetTrigger after delete error = %v, want ErrNotFound", err)
		}
		if err := st.DeleteJob(ctx, ja.Key); !errors.Is(err, jobs.ErrNotFound) {
			t.Fatalf("second DeleteJob error = %v, want ErrNotFound", err)
		}
	})
}

func TestUpsertTriggerRequiresJob(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		_, trig := simpleJob("orphan", t0, time.Minute, 0)
		if err := st.UpsertTrigger(context.Background(), trig); !errors.Is(err, jobs.ErrNotFound) {
			t.Fatalf("UpsertTrigger error = %v, want ErrNotFound", err)
		}
	})
}

func TestAcquireOrdersAndHolds(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		ctx := context.Background()
		jl, tl := simpleJob("late", t0.Add(2*time.Second), time.Minute, -1)
		je, te := simpleJob("early", t0, time.Minute, -1)
		jf, tf := simpleJob("future", t0.Add(time.Hour), time.Minute, -1)
		mustAdd(t, st, jl, tl)
		mustAdd(t, st, je, te)
		mustAdd(t, st, jf, tf)

		now := t0.Add(3 * time.Second)
		fires, err := st.AcquireDueTriggers(ctx, now, 10)
		if err != nil {
			t.Fatalf("AcquireDueTriggers error: %v", err)
		}
		if len(fires) != 2 || fires[0].Trigger.Key.Name != "early" || fires[1].Trigger.Key.Name != "late" {
			t.Fatalf("fires = %+v, want early then late", fires)
		}
		if fires[0].Trigger.State != jobs.StateAcquired || fires[0].ID == "" {
			t.Fatalf("fire trigger = %+v, want acquired with id", fires[0].Trigger)
		}

		again, err := st.AcquireDueTriggers(ctx, now, 10)
		if err != nil {
			t.Fatalf("second AcquireDueTriggers error: %v", err)
		}
		if len(again) != 0 {
			t.Fatalf("second acquisition returned %d fires, want 0", len(again))
		}

		next, ok, err := st.NextFireTime(ctx, now)
		if err != nil || !ok || !next.Equal(tf.StartTime) {
			t.Fatalf("NextFireTime = %v, %v, %v, want %v", next, ok, err, tf.StartTime)
		}

		f := fires[0]
		if err := st.BeginExecution(ctx, f.Trigger.Key, f.ID); err != nil {
			t.Fatalf("BeginExecution error: %v", err)
		}
		got, err := st.CompleteFire(ctx, complete(f, now, true))
		if err != nil {
			t.Fatalf("CompleteFire error: %v", err)
		}
		if got.State != jobs.StateWaiting || got.Held() || got.TimesFired != 1 {
			t.Fatalf("completed trigger = %+v, want waiting, unheld, fired once", got)
		}
		if got.PrevFireTime == nil || !got.PrevFireTime.Equal(t0) {
			t.Fatalf("PrevFireTime = %v, want %v", got.PrevFireTime, t0)
		}
		job, err := st.GetJob(ctx, f.Trigger.Key)
		if err != nil {
			t.Fatalf("GetJob error: %v", err)
		}
		if job.RunCount != 1 || len(job.Log) != 1 || job.LastError != "" {
			t.Fatalf("job bookkeeping = run %d log %d err %q", job.RunCount, len(job.Log), job.LastError)
		}
	})
}

func TestConcurrentAcquireNeverDuplicates(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		const n = 24
		for i := 0; i < n; i++ {
			j, tr := simpleJob(string(rune('a'+i)), t0, time.Minute, 0)
			mustAdd(t, st, j, tr)
		}

		var (
			mu   sync.Mutex
			seen = map[jobs.Key]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					fires, err := st.AcquireDueTriggers(context.Background(), t0.Add(time.Second), 3)
					if err != nil {
						t.Errorf("AcquireDueTriggers error: %v", err)
						return
					}
					if len(fires) == 0 {
						return
					}
					mu.Lock()
					for _, f := range fires {
						seen[f.Trigger.Key]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != n {
			t.Fatalf("acquired %d distinct triggers, want %d", len(seen), n)
		}
		for k, c := range seen {
			if c != 1 {
				t.Fatalf("trigger %s acquired %d times", k, c)
			}
		}
	})
}

func TestCompleteFireExhaustsTrigger(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		ctx := context.Background()
		j, tr := simpleJob("once", t0, time.Minute, 0)
		mustAdd(t, st, j, tr)

		fires, err := st.AcquireDueTriggers(ctx, t0, 1)
		if err != nil || len(fires) != 1 {
			t.Fatalf("AcquireDueTriggers = %d fires, %v", len(fires), err)
		}
		got, err := st.CompleteFire(ctx, complete(fires[0], t0, true))
		if err != nil {
			t.Fatalf("CompleteFire error: %v", err)
		}
		if got.State != jobs.StateComplete {
			t.Fatalf("state = %s, want complete", got.State)
		}
		if _, ok, _ := st.NextFireTime(ctx, t0.Add(time.Hour)); ok {
			t.Fatalf("completed trigger still has a next fire time")
		}
	})
}

func TestAcquireCompletesExhaustedWaitingTrigger(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		ctx := context.Background()
		j, tr := simpleJob("ended", t0, time.Minute, -1)
		tr.EndTime = jobs.TimePtr(t0.Add(-time.Second))
		mustAdd(t, st, j, tr)

		if _, err := st.AcquireDueTriggers(ctx, t0.Add(time.Minute), 5); err != nil {
			t.Fatalf("AcquireDueTriggers error: %v", err)
		}
		got, err := st.GetTrigger(ctx, tr.Key)
		if err != nil {
			t.Fatalf("GetTrigger error: %v", err)
		}
		if got.State != jobs.StateComplete {
			t.Fatalf("state = %s, want complete", got.State)
		}
	})
}

func TestDeleteHeldTriggerIsRejected(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		ctx := context.Background()
		j, tr := simpleJob("busy", t0, time.Minute, -1)
		mustAdd(t, st, j, tr)
		if _, err := st.AcquireDueTriggers(ctx, t0, 1); err != nil {
			t.Fatalf("AcquireDueTriggers error: %v", err)
		}
		if err := st.DeleteJob(ctx, j.Key); !errors.Is(err, jobs.ErrInFlight) {
			t.Fatalf("DeleteJob error = %v, want ErrInFlight", err)
		}
		if err := st.DeleteTrigger(ctx, j.Key); !errors.Is(err, jobs.ErrInFlight) {
			t.Fatalf("DeleteTrigger error = %v, want ErrInFlight", err)
		}
	})
}

func TestReleaseStaleReclaimsAndIgnoresLateCompletion(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		ctx := context.Background()
		j, tr := simpleJob("stuck", t0, time.Minute, -1)
		mustAdd(t, st, j, tr)
		fires, err := st.AcquireDueTriggers(ctx, t0, 1)
		if err != nil || len(fires) != 1 {
			t.Fatalf("AcquireDueTriggers = %d fires, %v", len(fires), err)
		}

		none, err := st.ReleaseStale(ctx, t0)
		if err != nil || len(none) != 0 {
			t.Fatalf("ReleaseStale(fresh) = %v, %v, want nothing", none, err)
		}
		keys, err := st.ReleaseStale(ctx, t0.Add(10*time.Minute))
		if err != nil {
			t.Fatalf("ReleaseStale error: %v", err)
		}
		if len(keys) != 1 || keys[0] != j.Key {
			t.Fatalf("ReleaseStale = %v, want [%s]", keys, j.Key)
		}
		got, _ := st.GetTrigger(ctx, j.Key)
		if got.State != jobs.StateWaiting || got.Held() || got.TimesFired != 0 {
			t.Fatalf("reclaimed trigger = %+v, want waiting and unfired", got)
		}

		if _, err := st.CompleteFire(ctx, complete(fires[0], t0.Add(11*time.Minute), true)); err != nil {
			t.Fatalf("late CompleteFire error: %v", err)
		}
		got, _ = st.GetTrigger(ctx, j.Key)
		if got.TimesFired != 0 || got.State != jobs.StateWaiting {
			t.Fatalf("late completion changed trigger: %+v", got)
		}
		job, _ := st.GetJob(ctx, j.Key)
		if job.RunCount != 1 {
			t.Fatalf("RunCount = %d, want 1", job.RunCount)
		}
	})
}

func TestPermanentFailureAndClearError(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		ctx := context.Background()
		j, tr := simpleJob("broken", t0, time.Minute, -1)
		mustAdd(t, st, j, tr)
		fires, _ := st.AcquireDueTriggers(ctx, t0, 1)
		if len(fires) != 1 {
			t.Fatalf("acquired %d fires, want 1", len(fires))
		}
		c := complete(fires[0], t0, false)
		c.Permanent = true
		got, err := st.CompleteFire(ctx, c)
		if err != nil {
			t.Fatalf("CompleteFire error: %v", err)
		}
		if got.State != jobs.StateError {
			t.Fatalf("state = %s, want error", got.State)
		}
		job, _ := st.GetJob(ctx, j.Key)
		if job.LastError != "boom" {
			t.Fatalf("LastError = %q, want boom", job.LastError)
		}

		if err := st.ClearError(ctx, j.Key); err != nil {
			t.Fatalf("ClearError error: %v", err)
		}
		got, _ = st.GetTrigger(ctx, j.Key)
		job, _ = st.GetJob(ctx, j.Key)
		if got.State != jobs.StateWaiting || job.LastError != "" {
			t.Fatalf("after ClearError state=%s err=%q", got.State, job.LastError)
		}
		if err := st.ClearError(ctx, jobs.NewKey("reports", "missing")); !errors.Is(err, jobs.ErrNotFound) {
			t.Fatalf("ClearError(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestPauseDuringExecutionSurvivesCompletion(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		ctx := context.Background()
		j, tr := simpleJob("pausable", t0, time.Minute, -1)
		mustAdd(t, st, j, tr)
		fires, _ := st.AcquireDueTriggers(ctx, t0, 1)
		if len(fires) != 1 {
			t.Fatalf("acquired %d fires, want 1", len(fires))
		}
		_ = st.BeginExecution(ctx, j.Key, fires[0].ID)

		from := []jobs.State{jobs.StateWaiting, jobs.StateAcquired, jobs.StateExecuting, jobs.StateError}
		if _, err := st.SetState(ctx, j.Key, from, jobs.StatePaused); err != nil {
			t.Fatalf("SetState(paused) error: %v", err)
		}
		got, err := st.CompleteFire(ctx, complete(fires[0], t0, true))
		if err != nil {
			t.Fatalf("CompleteFire error: %v", err)
		}
		if got.State != jobs.StatePaused || got.Held() || got.TimesFired != 1 {
			t.Fatalf("trigger = %+v, want paused, released, fired once", got)
		}
		if _, err := st.SetState(ctx, j.Key, []jobs.State{jobs.StateWaiting}, jobs.StatePaused); !errors.Is(err, ErrStateConflict) {
			t.Fatalf("SetState from waiting error = %v, want ErrStateConflict", err)
		}
	})
}

func TestManualAcquireKeepsSchedule(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		ctx := context.Background()
		j, tr := simpleJob("manual", t0.Add(time.Hour), time.Minute, -1)
		mustAdd(t, st, j, tr)

		f, err := st.AcquireTrigger(ctx, j.Key, "manual-1", t0)
		if err != nil {
			t.Fatalf("AcquireTrigger error: %v", err)
		}
		if !f.Manual || f.Trigger.State != jobs.StateWaiting {
			t.Fatalf("manual fire = %+v, want manual and waiting", f)
		}
		if _, err := st.AcquireTrigger(ctx, j.Key, "manual-2", t0); !errors.Is(err, jobs.ErrInFlight) {
			t.Fatalf("second AcquireTrigger error = %v, want ErrInFlight", err)
		}
		if fires, _ := st.AcquireDueTriggers(ctx, t0.Add(2*time.Hour), 5); len(fires) != 0 {
			t.Fatalf("held trigger was acquired by the schedule: %+v", fires)
		}
		got, err := st.CompleteFire(ctx, complete(f, t0, true))
		if err != nil {
			t.Fatalf("CompleteFire error: %v", err)
		}
		if got.TimesFired != 0 || got.PrevFireTime != nil || got.Held() {
			t.Fatalf("manual completion touched schedule: %+v", got)
		}
	})
}

func TestReopenKeepsHoldsUntilReclaimed(t *testing.T) {
	for _, d := range drivers(t) {
		if !d.durable {
			continue
		}
		d := d
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			st := d.open(t)
			j, tr := simpleJob("crash", t0, time.Minute, -1)
			mustAdd(t, st, j, tr)
			if fires, err := st.AcquireDueTriggers(ctx, t0, 1); err != nil || len(fires) != 1 {
				t.Fatalf("AcquireDueTriggers = %d, %v", len(fires), err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close error: %v", err)
			}

			st = d.open(t)
			defer st.Close()
			got, err := st.GetTrigger(ctx, j.Key)
			if err != nil {
				t.Fatalf("GetTrigger after reopen error: %v", err)
			}
			if got.State != jobs.StateAcquired || !got.Held() {
				t.Fatalf("reopened trigger = %+v, want acquired and held", got)
			}
			keys, err := st.ReleaseStale(ctx, time.Now().Add(time.Hour))
			if err != nil || len(keys) != 1 {
				t.Fatalf("ReleaseStale = %v, %v", keys, err)
			}
			fires, err := st.AcquireDueTriggers(ctx, t0.Add(time.Second), 1)
			if err != nil || len(fires) != 1 {
				t.Fatalf("re-acquire after reclaim = %d, %v", len(fires), err)
			}
		})
	}
}

func TestFileStoreMigratesLegacyType(t *testing.T) {
	dir := t.TempDir()
	snap := `{"jobs":[{"key":{"group":"DEFAULT","name":"old"},"type":"none","params":{"url":"http://x"},"run_count":3,"created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-01T00:00:00Z"}],"triggers":[]}`
	if err := os.WriteFile(filepath.Join(dir, "cronhub.snapshot.json"), []byte(snap), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "cronhub.json")}, newCalc(), logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()
	j, err := st.GetJob(context.Background(), jobs.NewKey("", "old"))
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if j.Type != jobs.TypeHTTP || j.RunCount != 3 {
		t.Fatalf("migrated job = %+v, want type http and run count kept", j)
	}
}

func TestFileStoreWritesAfterTornJournalSurviveReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	valid, validTrig := simpleJob("kept", t0, time.Minute, -1)
	head, err := json.Marshal(mutation{Jobs: []jobs.Job{valid}, Triggers: []jobs.Trigger{validTrig}})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		journal string
		want    []string
	}{
		{name: "only torn line", journal: `{"jobs":[{"key":{"gro`, want: []string{"after"}},
		{name: "torn after valid", journal: string(head) + "\n" + `{"jobs":[{"key":{"gro`, want: []string{"kept", "after"}},
		{name: "valid without newline", journal: string(head), want: []string{"kept", "after"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			if err := os.WriteFile(filepath.Join(dir, "cronhub.journal.jsonl"), []byte(tt.journal), 0o600); err != nil {
				t.Fatalf("seed journal: %v", err)
			}
			cfg := Config{Driver: "file", Path: filepath.Join(dir, "cronhub.json")}
			st, err := Open(cfg, newCalc(), logx.Nop())
			if err != nil {
				t.Fatalf("Open error: %v", err)
			}
			j, tr := simpleJob("after", t0, time.Minute, -1)
			mustAdd(t, st, j, tr)
			if err := st.Close(); err != nil {
				t.Fatalf("Close error: %v", err)
			}

			st, err = Open(cfg, newCalc(), logx.Nop())
			if err != nil {
				t.Fatalf("reopen error: %v", err)
			}
			defer st.Close()
			for _, name := range tt.want {
				if _, err := st.GetJob(ctx, jobs.NewKey("reports", name)); err != nil {
					t.Fatalf("GetJob(%s) after reopen error: %v", name, err)
				}
			}
		})
	}
}

func TestSQLiteMigratesLegacyType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cronhub.db")
	cfg := Config{Driver: "sqlite", Path: path}
	st, err := Open(cfg, newCalc(), logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	db := st.(*sqlStore).db
	if _, err := db.Exec(`INSERT INTO jobs(job_group, job_name, type, created_at, updated_at) VALUES('DEFAULT', 'old', 'none', 0, 0)`); err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}
	_ = st.Close()

	st, err = Open(cfg, newCalc(), logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer st.Close()
	var typ string
	if err := st.(*sqlStore).db.QueryRow(`SELECT type FROM jobs WHERE job_name = 'old'`).Scan(&typ); err != nil {
		t.Fatalf("select type: %v", err)
	}
	if typ != string(jobs.TypeHTTP) {
		t.Fatalf("stored type = %q, want http", typ)
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	s := &sqlStore{d: dialect{dollar: true}}
	got := s.q(`UPDATE triggers SET state = ? WHERE job_group = ? AND job_name = ?`)
	want := `UPDATE triggers SET state = $1 WHERE job_group = $2 AND job_name = $3`
	if got != want {
		t.Fatalf("q() = %q, want %q", got, want)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "etcd"}, newCalc(), logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestReleaseFireKeepsSlotDue(t *testing.T) {
	forEachDriver(t, func(t *testing.T, _ driver, st Store) {
		ctx := context.Background()
		j, tr := simpleJob("released", t0, time.Minute, -1)
		mustAdd(t, st, j, tr)
		fires, _ := st.AcquireDueTriggers(ctx, t0, 1)
		if len(fires) != 1 {
			t.Fatalf("acquired %d fires, want 1", len(fires))
		}
		if err := st.ReleaseFire(ctx, j.Key, "someone-else"); err != nil {
			t.Fatalf("ReleaseFire(foreign) error: %v", err)
		}
		if got, _ := st.GetTrigger(ctx, j.Key); !got.Held() {
			t.Fatalf("foreign release dropped the hold")
		}
		if err := st.ReleaseFire(ctx, j.Key, fires[0].ID); err != nil {
			t.Fatalf("ReleaseFire error: %v", err)
		}
		again, err := st.AcquireDueTriggers(ctx, t0.Add(time.Second), 1)
		if err != nil || len(again) != 1 {
			t.Fatalf("re-acquire = %d, %v, want 1 fire", len(again), err)
		}
		if !again[0].Plan.RecordAs.Equal(t0) {
			t.Fatalf("re-acquired slot = %v, want %v", again[0].Plan.RecordAs, t0)
		}
	})
}
