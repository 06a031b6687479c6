// Package miner implements the vendor protocol clients used to query and
// reconfigure mining rigs, and the detection logic that picks a client for
// an address whose vendor is not known yet.
package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Vendor is the closed set of supported device families.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorAnt
	VendorAvalon
	VendorBlueStar
)

func (v Vendor) String() string {
	switch v {
	case VendorAnt:
		return "ant"
	case VendorAvalon:
		return "avalon"
	case VendorBlueStar:
		return "bluestar"
	default:
		return "unknown"
	}
}

// ParseVendor parses the lower-case vendor names used by the inventory.
func ParseVendor(s string) (Vendor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ant", "antminer":
		return VendorAnt, nil
	case "avalon":
		return VendorAvalon, nil
	case "bluestar":
		return VendorBlueStar, nil
	case "", "unknown":
		return VendorUnknown, nil
	default:
		return VendorUnknown, fmt.Errorf("%w: %q", ErrVendorNotSupported, s)
	}
}

func (v Vendor) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Vendor) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("vendor: %w", err)
	}
	parsed, err := ParseVendor(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Info describes a vendor client.
type Info struct {
	Vendor Vendor `json:"vendor"`
	Name   string `json:"name"`
	Detail string `json:"detail"`
}

// Miner is the capability set every vendor client provides.
type Miner interface {
	Info() Info
	// Detect returns nil when the probe response belongs to this vendor
	// and ErrVendorNotSupported otherwise.
	Detect(headers []string, body string) error
	Query(ctx context.Context, ip string, timeout time.Duration) (*MachineInfo, error)
	SwitchAccountIfDifferent(ctx context.Context, ip string, account Account, force bool) error
	Reboot(ctx context.Context, ip string) error
	ConfigurePools(ctx context.Context, ip string, pools []PoolConfig) error
	ConfigureMode(ctx context.Context, ip string, mode RunMode) error
	Configure(ctx context.Context, ip string, mode RunMode, pools []PoolConfig) error
}

// Registry holds one client per vendor.
type Registry struct {
	ant      Miner
	avalon   Miner
	bluestar Miner
	detector *Detector
}

// NewRegistry builds a registry and a detector that probes the clients in
// the order Ant, Avalon, BlueStar.
func NewRegistry(ant, avalon, bluestar Miner, opts ...DetectorOption) *Registry {
	r := &Registry{ant: ant, avalon: avalon, bluestar: bluestar}
	r.detector = NewDetector(r.Ordered(), opts...)
	return r
}

// For returns the client registered for v.
func (r *Registry) For(v Vendor) (Miner, error) {
	switch v {
	case VendorAnt:
		return r.ant, nil
	case VendorAvalon:
		return r.avalon, nil
	case VendorBlueStar:
		return r.bluestar, nil
	case VendorUnknown:
		return nil, fmt.Errorf("%w: vendor must be detected first", ErrVendorNotSupported)
	default:
		return nil, fmt.Errorf("%w: %d", ErrVendorNotSupported, int(v))
	}
}

// Ordered returns the clients in detection order.
func (r *Registry) Ordered() []Miner {
	return []Miner{r.ant, r.avalon, r.bluestar}
}

// Resolve returns the client for hint, probing the device when the hint
// is VendorUnknown.
func (r *Registry) Resolve(ctx context.Context, ip string, hint Vendor) (Miner, error) {
	if hint != VendorUnknown {
		return r.For(hint)
	}
	return r.detector.Detect(ctx, ip)
}
