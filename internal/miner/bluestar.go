package miner

import (
	"context"
	"time"
)

// BlueStarClient is registered so vendor dispatch stays exhaustive. Every
// operation fails and detection never selects it.
type BlueStarClient struct{}

// NewBlueStarClient creates the placeholder client.
func NewBlueStarClient() *BlueStarClient {
	return &BlueStarClient{}
}

// Info describes the vendor.
func (c *BlueStarClient) Info() Info {
	return Info{Vendor: VendorBlueStar, Name: VendorBlueStar.String(), Detail: "BlueStar miner"}
}

// Detect never claims a device.
func (c *BlueStarClient) Detect(headers []string, body string) error {
	return ErrVendorNotSupported
}

// Query is not implemented.
func (c *BlueStarClient) Query(ctx context.Context, ip string, timeout time.Duration) (*MachineInfo, error) {
	return nil, ErrNotImplemented
}

// SwitchAccountIfDifferent is not implemented.
func (c *BlueStarClient) SwitchAccountIfDifferent(ctx context.Context, ip string, account Account, force bool) error {
	return ErrNotImplemented
}

// Reboot is not implemented.
func (c *BlueStarClient) Reboot(ctx context.Context, ip string) error {
	return ErrNotImplemented
}

// ConfigurePools is not implemented.
func (c *BlueStarClient) ConfigurePools(ctx context.Context, ip string, pools []PoolConfig) error {
	return ErrNotImplemented
}

// ConfigureMode is not implemented.
func (c *BlueStarClient) ConfigureMode(ctx context.Context, ip string, mode RunMode) error {
	return ErrNotImplemented
}

// Configure is not implemented.
func (c *BlueStarClient) Configure(ctx context.Context, ip string, mode RunMode, pools []PoolConfig) error {
	return ErrNotImplemented
}
