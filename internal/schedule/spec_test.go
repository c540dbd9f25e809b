package schedule

import (
	"testing"
	"time"
)

func TestSpecNextAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	at := now.Add(time.Hour)

	next, ok, err := At(at).Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatal("expected a next run")
	}
	if !next.Equal(at) {
		t.Errorf("next = %v, want %v", next, at)
	}
}

func TestSpecNextAtPastDue(t *testing.T) {
	now := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	_, ok, err := At(now.Add(-time.Hour)).Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ok {
		t.Error("a past one-shot should have no next run")
	}
}

func TestSpecNextEvery(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next, ok, err := Every(5 * time.Minute).Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatal("expected a next run")
	}
	if want := now.Add(5 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestSpecNextCron(t *testing.T) {
	spec, err := Cron("0 */5 * * *")
	if err != nil {
		t.Fatalf("Cron() error = %v", err)
	}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next, ok, err := spec.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !ok {
		t.Fatal("expected a next run")
	}
	if !next.After(now) {
		t.Errorf("next = %v, want after %v", next, now)
	}
}

func TestSpecCronWithSeconds(t *testing.T) {
	spec, err := Cron("*/10 * * * * *")
	if err != nil {
		t.Fatalf("Cron() error = %v", err)
	}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next, _, err := spec.Next(now)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if next.Sub(now) > 10*time.Second {
		t.Errorf("seconds-field expression fired %v out", next.Sub(now))
	}
}

func TestSpecCronDescriptor(t *testing.T) {
	if _, err := Cron("@hourly"); err != nil {
		t.Fatalf("Cron(@hourly) error = %v", err)
	}
}

func TestCronInvalid(t *testing.T) {
	if _, err := Cron("not a cron expr"); err == nil {
		t.Error("expected error for an invalid expression")
	}
	if _, err := Cron(""); err == nil {
		t.Error("expected error for an empty expression")
	}
}

func TestParseAt(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"rfc3339", "2026-03-01T09:30:00Z", false},
		{"loose form", "2026-03-01 09:30", false},
		{"garbage", "not-a-date", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseAt(tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAt(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if !tt.wantErr && spec.Kind != "at" {
				t.Errorf("Kind = %q, want at", spec.Kind)
			}
		})
	}
}

func TestSpecNextUnknownKind(t *testing.T) {
	if _, _, err := (Spec{Kind: "sometimes"}).Next(time.Now()); err == nil {
		t.Error("expected error for an unknown kind")
	}
}
