package topic

import (
	"errors"
	"testing"
)

func TestSplitRegular(t *testing.T) {
	tests := []struct {
		name   string
		levels []string
	}{
		{"a/b", []string{"", "a", "b"}},
		{"a", []string{"", "a"}},
		{"a//b", []string{"", "a", "", "b"}},
		{"a/b/", []string{"", "a", "b", ""}},
		{"$SYS/broker/uptime", []string{"$SYS", "broker", "uptime"}},
	}

	for _, tt := range tests {
		levels, group, err := Split(tt.name)
		if err != nil {
			t.Fatalf("Split(%q): %v", tt.name, err)
		}
		if group != "" {
			t.Errorf("Split(%q) group = %q, want empty", tt.name, group)
		}
		if len(levels) != len(tt.levels) {
			t.Fatalf("Split(%q) = %v, want %v", tt.name, levels, tt.levels)
		}
		for i := range levels {
			if levels[i] != tt.levels[i] {
				t.Errorf("Split(%q) = %v, want %v", tt.name, levels, tt.levels)
				break
			}
		}
	}
}

func TestSplitShared(t *testing.T) {
	levels, group, err := Split("$share/workers/jobs/+/status")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if group != "workers" {
		t.Errorf("group = %q, want workers", group)
	}
	want := []string{"", "jobs", "+", "status"}
	if len(levels) != len(want) {
		t.Fatalf("levels = %v, want %v", levels, want)
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Fatalf("levels = %v, want %v", levels, want)
		}
	}
}

func TestSplitSharedInvalid(t *testing.T) {
	for _, name := range []string{
		"$share",
		"$share/g",
		"$share/g/",
		"$share//a",
		"",
	} {
		if _, _, err := Split(name); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("Split(%q) = %v, want ErrInvalidTopic", name, err)
		}
	}
}

func TestSplitFilterWildcardPlacement(t *testing.T) {
	if _, _, err := SplitFilter("a/#/b"); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("non-final # accepted: %v", err)
	}
	if _, _, err := SplitFilter("a/#"); err != nil {
		t.Errorf("final # rejected: %v", err)
	}
	if _, _, err := SplitFilter("#"); err != nil {
		t.Errorf("lone # rejected: %v", err)
	}
}

func TestSplitName(t *testing.T) {
	if _, err := SplitName("a/+/c"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("wildcard name accepted")
	}
	if _, err := SplitName("a/#"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("wildcard name accepted")
	}
	if _, err := SplitName("$share/g/a"); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("$share name accepted")
	}
	levels, err := SplitName("sensors/room1/temp")
	if err != nil {
		t.Fatalf("SplitName: %v", err)
	}
	if levels.String() != "sensors/room1/temp" {
		t.Errorf("round-trip = %q", levels.String())
	}
}

func TestLevelsString(t *testing.T) {
	for _, name := range []string{"a/b", "$SYS/x", "a//b/"} {
		levels, _, err := Split(name)
		if err != nil {
			t.Fatalf("Split(%q): %v", name, err)
		}
		if levels.String() != name {
			t.Errorf("String() = %q, want %q", levels.String(), name)
		}
	}
}
