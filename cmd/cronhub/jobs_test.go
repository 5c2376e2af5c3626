package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"cronhub/internal/jobs"
	"cronhub/internal/task/scheduler"
)

func TestDecodeJobSpecsSingleAndList(t *testing.T) {
	one := []byte(`
group: reports
name: daily
type: http
params:
  url: https://example.com/run
schedule: "0 6 * * *"
misfire: fire_now
start_time: 2030-01-01T00:00:00Z
`)
	specs, err := decodeJobSpecs(one)
	if err != nil {
		t.Fatalf("decode single: %v", err)
	}
	if len(specs) != 1 || specs[0].Name != "daily" || specs[0].StartTime == nil || specs[0].StartTime.Year() != 2030 {
		t.Fatalf("specs = %+v", specs)
	}

	list := []byte(`[{"name":"a","type":"mqtt","schedule":"1m","repeat_count":3},{"name":"b","type":"http","schedule":"5m"}]`)
	specs, err = decodeJobSpecs(list)
	if err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(specs) != 2 || specs[0].RepeatCount == nil || *specs[0].RepeatCount != 3 {
		t.Fatalf("specs = %+v", specs)
	}

	if _, err := decodeJobSpecs([]byte("name: x\nschedul: 1m\n")); err == nil {
		t.Fatal("unknown field accepted")
	}
	if _, err := decodeJobSpecs(nil); err == nil {
		t.Fatal("empty file accepted")
	}
}

func TestExitCodeFollowsResultCode(t *testing.T) {
	cases := map[int]int{
		scheduler.CodeInvalid:      2,
		scheduler.CodeNotFound:     3,
		scheduler.CodeConflict:     4,
		scheduler.CodeExpiredEnd:   5,
		scheduler.CodeNotRunning:   6,
		scheduler.CodeStoreFailure: 1,
	}
	for code, want := range cases {
		err := fmt.Errorf("wrapped: %w", scheduler.Result{Code: code, Msg: "x"})
		if got := exitCode(err); got != want {
			t.Errorf("exitCode(%d) = %d, want %d", code, got, want)
		}
	}
	if got := exitCode(fmt.Errorf("plain")); got != 1 {
		t.Errorf("exitCode(plain) = %d", got)
	}
}

func TestBriefTableAndYAMLRender(t *testing.T) {
	next := time.Date(2030, 1, 1, 6, 0, 0, 0, time.UTC)
	groups := []scheduler.JobGroupBriefView{{
		Group: "reports",
		Jobs:  []scheduler.JobBrief{{Name: "daily", State: jobs.StateWaiting, NextFireTime: &next, RunCount: 7, LastError: "boom\nstack"}},
	}}
	var buf bytes.Buffer
	if err := briefTable(&buf, groups); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"GROUP", "reports", "daily", "2030-01-01T06:00:00Z", "boom stack"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}

	outputFormat = "yaml"
	t.Cleanup(func() { outputFormat = "json" })
	buf.Reset()
	if err := render(&buf, groups); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "run_count: 7") {
		t.Fatalf("yaml = %s", buf.String())
	}
}
