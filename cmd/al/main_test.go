package main

import (
	"os"
	"path/filepath"
	"testing"

	"actionline/internal/domain"
)

func TestParseInputs(t *testing.T) {
	in, err := parseInputs([]string{"value=5", "name=bob", `tags=["a","b"]`}, `{"value":1,"keep":true}`)
	if err != nil {
		t.Fatalf("parse inputs: %v", err)
	}
	if in["value"] != float64(5) {
		t.Fatalf("expected pair to override JSON value, got %v", in["value"])
	}
	if in["name"] != "bob" || in["keep"] != true {
		t.Fatalf("unexpected inputs %v", in)
	}
	if tags, ok := in["tags"].([]any); !ok || len(tags) != 2 {
		t.Fatalf("expected JSON array for tags, got %v", in["tags"])
	}
	if _, err := parseInputs([]string{"novalue"}, ""); err == nil {
		t.Fatalf("expected error for pair without '='")
	}
	if _, err := parseInputs(nil, "{"); err == nil {
		t.Fatalf("expected error for bad JSON")
	}
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yml")
	body := `plan_id: nightly
mode: autonomous
steps:
  - action: demo.counter.set
    inputs:
      value: 3
  - action: demo.counter.reset
    confirmed: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	plan, err := loadPlan(path)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if plan.PlanID != "nightly" || len(plan.Steps) != 2 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	if plan.Steps[0].Mode != domain.ModeAutonomous || plan.Steps[0].Inputs["value"] != 3 {
		t.Fatalf("unexpected first step %+v", plan.Steps[0])
	}
	if !plan.Steps[1].Confirmed {
		t.Fatalf("expected second step confirmed")
	}

	empty := filepath.Join(t.TempDir(), "empty.yml")
	if err := os.WriteFile(empty, []byte("plan_id: x\nsteps: []\n"), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	if _, err := loadPlan(empty); err != domain.ErrEmptyPlan {
		t.Fatalf("expected ErrEmptyPlan, got %v", err)
	}
}

func TestParseActionBudgets(t *testing.T) {
	got, err := parseActionBudgets([]string{"demo.counter.set=2.5", " demo.counter.reset = 10"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got["demo.counter.set"] != 2.5 || got["demo.counter.reset"] != 10 {
		t.Fatalf("unexpected budgets %v", got)
	}
	if _, err := parseActionBudgets([]string{"demo.counter.set"}); err == nil {
		t.Fatalf("expected error without amount")
	}
}

func TestParseWindows(t *testing.T) {
	got, err := parseWindows([]string{"Mon, tue@09:00-17:30", "sat@00:00-23:59"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || len(got[0].Days) != 2 || got[0].Days[0] != "mon" || got[0].End != "17:30" || got[1].Start != "00:00" {
		t.Fatalf("unexpected windows %+v", got)
	}
	for _, bad := range []string{"mon 09:00-17:00", "mon@0900", "mon@17:00-09:00", "@09:00-10:00"} {
		if _, err := parseWindows([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if ws, err := parseWindows(nil); err != nil || len(ws) != 0 {
		t.Fatalf("no items should clear windows, got %v %v", ws, err)
	}
}
