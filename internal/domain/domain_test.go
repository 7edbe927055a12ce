package domain

import (
	"testing"
	"time"
)

func TestStricterNeverLoosens(t *testing.T) {
	assisted := PolicyFor(ModeAssisted)
	got := Stricter(assisted, PolicyFor(ModeAutonomous))
	if got.Mode != ModeAssisted || !got.ConfirmRequired || got.MaxSteps != 6 {
		t.Fatalf("autonomous loosened assisted: %+v", got)
	}
	got = Stricter(PolicyFor(ModeAutonomous), PolicyFor(ModeInteractive))
	if got.Mode != ModeInteractive || !got.ConfirmRequired || got.MaxSteps != 4 {
		t.Fatalf("interactive did not tighten autonomous: %+v", got)
	}
}

func TestExecutionWindows(t *testing.T) {
	w := ExecutionWindow{Days: []string{"mon", "Tue"}, Start: "9:00", End: "17:30"}
	if err := w.Validate(); err != nil {
		t.Fatalf("valid window rejected: %v", err)
	}
	monday := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		at   time.Time
		want bool
	}{
		{monday.Add(9 * time.Hour), true},
		{monday.Add(17*time.Hour + 30*time.Minute), true},
		{monday.Add(17*time.Hour + 31*time.Minute), false},
		{monday.Add(8*time.Hour + 59*time.Minute), false},
		{monday.Add(24*time.Hour + 12*time.Hour), true},
		{monday.Add(48*time.Hour + 12*time.Hour), false},
	}
	for _, c := range cases {
		if got := WithinWindows([]ExecutionWindow{w}, c.at); got != c.want {
			t.Fatalf("%s: got %v want %v", c.at, got, c.want)
		}
	}
	if !WithinWindows(nil, monday) {
		t.Fatalf("no windows must mean always open")
	}
	for _, bad := range []ExecutionWindow{
		{Days: nil, Start: "09:00", End: "10:00"},
		{Days: []string{"funday"}, Start: "09:00", End: "10:00"},
		{Days: []string{"mon"}, Start: "9am", End: "10:00"},
		{Days: []string{"mon"}, Start: "11:00", End: "10:00"},
	} {
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected error for %+v", bad)
		}
	}
}
