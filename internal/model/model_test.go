package model

import "testing"

func TestCompareTimestamps(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"", "2024-01-01T00:00:00Z", -1},
		{"2024-01-01T00:00:00Z", "", 1},
		{"2024-01-01T00:00:01Z", "2024-01-01T00:00:02Z", -1},
		{"2024-01-02T00:00:00Z", "2024-01-01T00:00:00Z", 1},
	}
	for _, c := range cases {
		if got := CompareTimestamps(c.a, c.b); got != c.want {
			t.Errorf("CompareTimestamps(%q, %q) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestWatermarkWithNeverGoesBackward(t *testing.T) {
	w := Watermark{Forward: "2024-01-02T00:00:00Z"}
	w = w.With(Forward, "2024-01-01T00:00:00Z")
	if w.Forward != "2024-01-02T00:00:00Z" {
		t.Fatalf("watermark moved backward: %s", w.Forward)
	}
	w = w.With(Forward, "2024-01-03T00:00:00Z")
	if w.Forward != "2024-01-03T00:00:00Z" {
		t.Fatalf("watermark did not advance: %s", w.Forward)
	}
}

func TestWatermarkDirectionsIndependent(t *testing.T) {
	var w Watermark
	w = w.With(Forward, "2024-01-01T00:00:00Z")
	w = w.With(Recover, "2024-01-02T00:00:00Z")
	if w.Get(Forward) != "2024-01-01T00:00:00Z" || w.Get(Recover) != "2024-01-02T00:00:00Z" {
		t.Fatalf("directions interfered: %+v", w)
	}
}

func TestHealthSnapshotGate(t *testing.T) {
	cases := []struct {
		name string
		h    HealthSnapshot
		want GateAction
	}{
		{"primary down", HealthSnapshot{}, GatePaused},
		{"standby down", HealthSnapshot{PrimaryDB: true}, GateError},
		{"auth down on standby", HealthSnapshot{PrimaryDB: true, StandbyDB: true, PrimaryAuth: true}, GateAuthError},
		{"auth down on primary", HealthSnapshot{PrimaryDB: true, StandbyDB: true, StandbyAuth: true}, GateDBOnly},
		{"fully healthy", HealthSnapshot{PrimaryDB: true, StandbyDB: true, PrimaryAuth: true, StandbyAuth: true}, GateFull},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.h.Gate(); got != c.want {
				t.Errorf("Gate() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestDocumentEffectiveTimestamp(t *testing.T) {
	d := Document{CreatedAt: "2024-01-01T00:00:00Z"}
	if d.EffectiveTimestamp() != "2024-01-01T00:00:00Z" {
		t.Fatalf("expected fallback to CreatedAt")
	}
	d.UpdatedAt = "2024-01-02T00:00:00Z"
	if d.EffectiveTimestamp() != "2024-01-02T00:00:00Z" {
		t.Fatalf("expected UpdatedAt to take precedence")
	}
	if (Document{}).HasTimestamp() {
		t.Fatalf("empty document should report no timestamp")
	}
}
