package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/pfcoder/lcd-core/internal/miner"
)

func mustWindow(t *testing.T, start, end, label string) TimeWindow {
	t.Helper()
	w, err := NewTimeWindow(start, end, label)
	if err != nil {
		t.Fatalf("NewTimeWindow(%s, %s): %v", start, end, err)
	}
	return w
}

func mustTime(t *testing.T, s string) TimeOfDay {
	t.Helper()
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		t.Fatalf("ParseTimeOfDay(%s): %v", s, err)
	}
	return tod
}

func TestTimeWindowContains(t *testing.T) {
	day := mustWindow(t, "08:00:00", "18:00:00", "main")
	night := mustWindow(t, "22:00:00", "06:00:00", "switch")
	empty := mustWindow(t, "12:00:00", "12:00:00", "main")

	tests := []struct {
		name   string
		window TimeWindow
		at     string
		want   bool
	}{
		{"day start inclusive", day, "08:00:00", true},
		{"day end inclusive", day, "18:00:00", true},
		{"day middle", day, "12:30:00", true},
		{"day before", day, "07:59:59", false},
		{"day after", day, "18:00:01", false},
		{"night late evening", night, "23:30:00", true},
		{"night early morning", night, "03:00:00", true},
		{"night start", night, "22:00:00", true},
		{"night end", night, "06:00:00", true},
		{"night midday", night, "12:00:00", false},
		{"equal bounds at bound", empty, "12:00:00", false},
		{"equal bounds elsewhere", empty, "01:00:00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.window.Contains(mustTime(t, tt.at)); got != tt.want {
				t.Errorf("%s.Contains(%s) = %v, want %v", tt.window, tt.at, got, tt.want)
			}
		})
	}
}

func TestParseTimeOfDayRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "25:00:00", "8:00", "noon"} {
		if _, err := ParseTimeOfDay(s); err == nil {
			t.Errorf("ParseTimeOfDay(%q) should fail", s)
		}
	}
}

func TestActiveProfile(t *testing.T) {
	windows := []TimeWindow{
		mustWindow(t, "08:00:00", "20:00:00", "main"),
		mustWindow(t, "22:00:00", "06:00:00", "switch"),
	}
	at := func(h, m int) time.Time {
		return time.Date(2024, 3, 1, h, m, 0, 0, time.Local)
	}

	got, err := ActiveProfile(windows, at(9, 0))
	if err != nil || got != "main" {
		t.Errorf("09:00 = %q, %v", got, err)
	}
	got, err = ActiveProfile(windows, at(2, 0))
	if err != nil || got != "switch" {
		t.Errorf("02:00 = %q, %v", got, err)
	}
	if _, err := ActiveProfile(windows, at(21, 0)); !errors.Is(err, ErrNoActiveWindow) {
		t.Errorf("21:00 error = %v, want ErrNoActiveWindow", err)
	}
}

func TestPerfMode(t *testing.T) {
	windows := []TimeWindow{mustWindow(t, "00:00:00", "07:00:00", "高功")}

	if got := PerfMode(windows, time.Date(2024, 3, 1, 3, 0, 0, 0, time.Local)); got != miner.RunModeHighPower {
		t.Errorf("03:00 perf = %q", got)
	}
	if got := PerfMode(windows, time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local)); got != miner.RunModeNormal {
		t.Errorf("09:00 perf = %q, want default normal", got)
	}
	if got := PerfMode(nil, time.Now()); got != miner.RunModeNormal {
		t.Errorf("no windows perf = %q", got)
	}
}

func TestEffectiveRunMode(t *testing.T) {
	tests := []struct {
		account, perf, want miner.RunMode
	}{
		{miner.RunModeHighPower, miner.RunModeHighPower, miner.RunModeHighPower},
		{miner.RunModeHighPower, miner.RunModeNormal, miner.RunModeNormal},
		{miner.RunModeNormal, miner.RunModeHighPower, miner.RunModeNormal},
		{miner.RunModeNormal, miner.RunModeNormal, miner.RunModeNormal},
	}
	for _, tt := range tests {
		if got := EffectiveRunMode(tt.account, tt.perf); got != tt.want {
			t.Errorf("EffectiveRunMode(%s, %s) = %s, want %s", tt.account, tt.perf, got, tt.want)
		}
	}
}

func TestSelectAccount(t *testing.T) {
	m := miner.Machine{Account: miner.Account{Name: "primary"}}
	if a, ok := SelectAccount(m, ProfileMain); !ok || a.Name != "primary" {
		t.Errorf("main profile = %v, %v", a, ok)
	}
	if _, ok := SelectAccount(m, "switch"); ok {
		t.Error("switch profile without alternate should not select")
	}
	m.Alternate = &miner.Account{Name: "alt"}
	if a, ok := SelectAccount(m, "switch"); !ok || a.Name != "alt" {
		t.Errorf("switch profile = %v, %v", a, ok)
	}
}
