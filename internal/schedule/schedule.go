// Package schedule resolves which account profile and performance mode are
// active at a given wall-clock time.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/pfcoder/lcd-core/internal/miner"
)

// ProfileMain selects a machine's primary account. Any other profile label
// selects its alternate account.
const ProfileMain = "main"

var ErrNoActiveWindow = errors.New("schedule: no time window covers the current time")

// TimeOfDay is a second-resolution local wall-clock time.
type TimeOfDay struct {
	secs int
}

// NewTimeOfDay builds a TimeOfDay from its components.
func NewTimeOfDay(hour, min, sec int) TimeOfDay {
	return TimeOfDay{secs: hour*3600 + min*60 + sec}
}

// ParseTimeOfDay parses "15:04:05".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse(time.TimeOnly, s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return NewTimeOfDay(t.Hour(), t.Minute(), t.Second()), nil
}

// At returns the local wall-clock time of t.
func At(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute(), t.Second())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.secs/3600, (t.secs%3600)/60, t.secs%60)
}

func (t TimeOfDay) Before(o TimeOfDay) bool { return t.secs < o.secs }

// TimeWindow labels a daily interval. Start after End spans midnight.
type TimeWindow struct {
	Start TimeOfDay
	End   TimeOfDay
	Label string
}

// NewTimeWindow parses start and end in "15:04:05" form.
func NewTimeWindow(start, end, label string) (TimeWindow, error) {
	s, err := ParseTimeOfDay(start)
	if err != nil {
		return TimeWindow{}, err
	}
	e, err := ParseTimeOfDay(end)
	if err != nil {
		return TimeWindow{}, err
	}
	return TimeWindow{Start: s, End: e, Label: label}, nil
}

// Contains reports whether t falls inside the window, bounds inclusive.
// A window whose start equals its end never matches.
func (w TimeWindow) Contains(t TimeOfDay) bool {
	switch {
	case w.Start.secs < w.End.secs:
		return t.secs >= w.Start.secs && t.secs <= w.End.secs
	case w.Start.secs > w.End.secs:
		return t.secs >= w.Start.secs || t.secs <= w.End.secs
	default:
		return false
	}
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("%s %s-%s", w.Label, w.Start, w.End)
}

// match returns the label of the first window containing now.
func match(windows []TimeWindow, now time.Time) (string, bool) {
	at := At(now)
	for _, w := range windows {
		if w.Contains(at) {
			return w.Label, true
		}
	}
	return "", false
}

// ActiveProfile returns the label of the first account window covering now.
func ActiveProfile(windows []TimeWindow, now time.Time) (string, error) {
	label, ok := match(windows, now)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoActiveWindow, At(now))
	}
	return label, nil
}

// PerfMode returns the run mode of the first performance window covering
// now, or normal when none does.
func PerfMode(windows []TimeWindow, now time.Time) miner.RunMode {
	label, ok := match(windows, now)
	if !ok {
		return miner.RunModeNormal
	}
	return miner.ParseRunMode(label)
}

// SelectAccount picks the account for profile. It returns false when the
// profile needs an alternate the machine does not have.
func SelectAccount(m miner.Machine, profile string) (miner.Account, bool) {
	if profile == ProfileMain {
		return m.Account, true
	}
	if m.Alternate == nil {
		return miner.Account{}, false
	}
	return *m.Alternate, true
}

// EffectiveRunMode downgrades to normal unless both the account and the
// current performance window ask for high-power.
func EffectiveRunMode(account, perf miner.RunMode) miner.RunMode {
	if account == miner.RunModeHighPower && perf == miner.RunModeHighPower {
		return miner.RunModeHighPower
	}
	return miner.RunModeNormal
}
