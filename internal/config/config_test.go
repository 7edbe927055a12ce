package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Budget.Daily == nil || *cfg.Budget.Daily != 100 {
		t.Fatalf("expected daily budget 100, got %v", cfg.Budget.Daily)
	}
	if got := cfg.CanonicalRole("owner"); got != "admin" {
		t.Fatalf("owner should alias admin, got %s", got)
	}
	l := cfg.Limits("proj-1")
	if l.ProjectID != "proj-1" || l.RatePerMinute != 60 || l.RatePerHour != 1000 || *l.DailyBudget != 100 {
		t.Fatalf("unexpected limits %+v", l)
	}
	if p := cfg.Policy(); p.Mode != "assisted" || !p.ConfirmRequired {
		t.Fatalf("expected assisted policy, got %+v", p)
	}
}

func TestFromYAMLRejectsBadPolicy(t *testing.T) {
	cases := map[string]string{
		"missing id":       "budget:\n  daily: 5\n",
		"negative budget":  "project:\n  id: p\nbudget:\n  daily: -1\n",
		"unknown role":     "project:\n  id: p\nroles:\n  mappings:\n    - role: superuser\n      condition: 'true'\n",
		"bad condition":    "project:\n  id: p\nroles:\n  mappings:\n    - role: admin\n      condition: 'len(user) > 0'\n",
		"bad cron":         "project:\n  id: p\nschedules:\n  - id: s1\n    cron: 'every day'\n    action: demo.counter.reset\n",
		"alert over 100":   "project:\n  id: p\nalerts:\n  - name: a\n    threshold_percent: 150\n",
		"duplicate sched":  "project:\n  id: p\nschedules:\n  - {id: s, cron: '* * * * *', action: a}\n  - {id: s, cron: '* * * * *', action: a}\n",
		"adaptive min>max": "project:\n  id: p\nbudget:\n  adaptive: {enabled: true, min: 10, max: 1}\n",
		"unknown mode":     "project:\n  id: p\nexecution:\n  mode: yolo\n",
		"bad window":       "project:\n  id: p\nexecution:\n  windows:\n    - {days: [mon], start: '18:00', end: '09:00'}\n",
		"negative hourly":  "project:\n  id: p\nbudget:\n  rate_per_hour: -1\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestFromYAMLMappingsUseAliases(t *testing.T) {
	doc := strings.Join([]string{
		"project:",
		"  id: p",
		"roles:",
		"  aliases: {maintainer: operator}",
		"  mappings:",
		"    - role: maintainer",
		"      condition: 'user.org_id == \"acme\"'",
	}, "\n")
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	l := cfg.Limits("p")
	if len(l.RoleMappings) != 1 || l.RoleMappings[0].Role != "operator" {
		t.Fatalf("expected aliased mapping, got %+v", l.RoleMappings)
	}
}

func TestFromYAMLExecutionWindows(t *testing.T) {
	doc := strings.Join([]string{
		"project:",
		"  id: p",
		"execution:",
		"  mode: autonomous",
		"  windows:",
		"    - days: [mon, tue, wed, thu, fri]",
		"      start: '09:00'",
		"      end: '17:00'",
	}, "\n")
	cfg, err := FromYAML([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Policy().Mode != "autonomous" {
		t.Fatalf("expected autonomous policy, got %+v", cfg.Policy())
	}
	l := cfg.Limits("p")
	if len(l.Windows) != 1 || len(l.Windows[0].Days) != 5 || l.Windows[0].End != "17:00" {
		t.Fatalf("windows not carried into limits: %+v", l.Windows)
	}
}
