package miner

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Pinger checks whether a host answers ICMP echo.
type Pinger interface {
	Ping(ctx context.Context, ip string) error
}

// ICMPPinger sends a single echo request per call.
type ICMPPinger struct {
	Timeout    time.Duration
	Privileged bool
}

func NewICMPPinger(timeout time.Duration, privileged bool) *ICMPPinger {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ICMPPinger{Timeout: timeout, Privileged: privileged}
}

func (p *ICMPPinger) Ping(ctx context.Context, ip string) error {
	pinger, err := probing.NewPinger(ip)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPing, ip, err)
	}
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPing, ip, err)
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("%w: %s: no reply", ErrPing, ip)
	}
	return nil
}
