package miner

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// RunMode is the performance profile requested for a device.
type RunMode string

const (
	RunModeNormal    RunMode = "normal"
	RunModeHighPower RunMode = "high-power"
)

// ParseRunMode maps inventory and API labels onto a RunMode.
// Anything that is not recognisably high-power is treated as normal.
func ParseRunMode(s string) RunMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high-power", "highpower", "high", "高功", "1":
		return RunModeHighPower
	default:
		return RunModeNormal
	}
}

// WorkMode returns the integer encoding the devices use for this run mode.
func (m RunMode) WorkMode() WorkMode {
	if m == RunModeHighPower {
		return WorkModeHighPower
	}
	return WorkModeNormal
}

func (m *RunMode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("run mode: %w", err)
		}
		s = strconv.Itoa(n)
	}
	*m = ParseRunMode(s)
	return nil
}

// WorkMode is the device-side integer work mode (0 normal, 1 high-power).
type WorkMode int

const (
	WorkModeNormal    WorkMode = 0
	WorkModeHighPower WorkMode = 1
)

// RunMode returns the label matching the integer work mode.
func (w WorkMode) RunMode() RunMode {
	if w == WorkModeHighPower {
		return RunModeHighPower
	}
	return RunModeNormal
}

// UnmarshalJSON accepts an integer, a numeric string or a run mode label.
// Work modes are always emitted as plain integers.
func (w *WorkMode) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*w = WorkMode(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("work mode: expected string or integer: %w", err)
	}
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		*w = WorkMode(n)
		return nil
	}
	*w = ParseRunMode(s).WorkMode()
	return nil
}

// Status is the administrative state of a device in the inventory.
type Status int

const (
	StatusOffline Status = iota
	StatusOnline
)

// ParseStatus returns StatusOnline for "online" or the inventory label "上线".
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "上线", "online":
		return StatusOnline
	default:
		return StatusOffline
	}
}

func (s Status) String() string {
	if s == StatusOnline {
		return "online"
	}
	return "offline"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	*s = ParseStatus(v)
	return nil
}

// Account is a set of pool credentials a device can be switched to.
type Account struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Password string  `json:"password"`
	Pool1    string  `json:"pool1"`
	Pool2    string  `json:"pool2"`
	Pool3    string  `json:"pool3"`
	RunMode  RunMode `json:"run_mode"`
}

// Usable reports whether all three pool URLs are configured.
func (a Account) Usable() bool {
	return a.Pool1 != "" && a.Pool2 != "" && a.Pool3 != ""
}

// Prefix returns the account name up to the first dot.
func (a Account) Prefix() string {
	return userPrefix(a.Name)
}

// PoolConfig is a single pool slot as written to a device.
type PoolConfig struct {
	URL      string `json:"url"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Machine is one inventory row: a device and the accounts it may run.
type Machine struct {
	ID        int64    `json:"id"`
	IP        string   `json:"ip"`
	Vendor    Vendor   `json:"vendor"`
	Status    Status   `json:"status"`
	Account   Account  `json:"account"`
	Alternate *Account `json:"alternate,omitempty"`
	RunMode   RunMode  `json:"run_mode,omitempty"`
	Note      string   `json:"note,omitempty"`
}

// MachineInfo is a formatted telemetry snapshot of one device.
type MachineInfo struct {
	IP       string `json:"ip"`
	Vendor   Vendor `json:"vendor"`
	Model    string `json:"model"`
	Elapsed  string `json:"elapsed"`
	HashReal string `json:"hash_real"`
	HashAvg  string `json:"hash_avg"`
	Temp     string `json:"temp"`
	Fan      string `json:"fan"`
	Mode     string `json:"mode"`
	Pool1    string `json:"pool1"`
	Worker1  string `json:"worker1"`
	Pool2    string `json:"pool2"`
	Worker2  string `json:"worker2"`
	Record   Record `json:"record"`
}

// Record is the numeric telemetry row persisted for each successful query.
type Record struct {
	ID        int64    `json:"id"`
	IP        string   `json:"ip"`
	Model     string   `json:"model"`
	WorkMode  WorkMode `json:"work_mode"`
	HashReal  float64  `json:"hash_real"`
	HashAvg   float64  `json:"hash_avg"`
	Temp0     float64  `json:"temp_0"`
	Temp1     float64  `json:"temp_1"`
	Temp2     float64  `json:"temp_2"`
	Power     int      `json:"power"`
	CreatedAt int64    `json:"created_at"`
}

// AccountSuffix derives the per-device worker tag from an IPv4 address:
// a.b.c.d becomes "cxd".
func AccountSuffix(ip string) (string, error) {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 || net.ParseIP(ip).To4() == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return parts[2] + "x" + parts[3], nil
}

// WorkerName appends the IP-derived suffix to an account or pool user.
func WorkerName(user, ip string) (string, error) {
	suffix, err := AccountSuffix(ip)
	if err != nil {
		return "", err
	}
	return user + "." + suffix, nil
}

func userPrefix(user string) string {
	if i := strings.IndexByte(user, '.'); i >= 0 {
		return user[:i]
	}
	return user
}

// formatElapsed renders seconds as "1H 2M 3S".
func formatElapsed(secs int64) string {
	return fmt.Sprintf("%dH %dM %dS", secs/3600, (secs%3600)/60, secs%60)
}
