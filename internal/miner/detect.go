package miner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultProbeTimeout = 3 * time.Second
	maxProbeBody        = 1 << 20
)

// Detector identifies the vendor behind an address with a single HTTP probe.
type Detector struct {
	client     *http.Client
	candidates []Miner
	probeURL   func(ip string) string
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithProbeTimeout overrides the 3s probe timeout.
func WithProbeTimeout(d time.Duration) DetectorOption {
	return func(det *Detector) {
		if d > 0 {
			det.client.Timeout = d
		}
	}
}

// WithProbeURL overrides how the probe URL is built from an IP.
func WithProbeURL(fn func(ip string) string) DetectorOption {
	return func(det *Detector) {
		if fn != nil {
			det.probeURL = fn
		}
	}
}

// NewDetector returns a detector that tries candidates in order.
func NewDetector(candidates []Miner, opts ...DetectorOption) *Detector {
	d := &Detector{
		client:     &http.Client{Timeout: defaultProbeTimeout},
		candidates: candidates,
		probeURL:   func(ip string) string { return "http://" + ip },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect probes ip and returns the first client whose Detect accepts the
// response. Results are not cached.
func (d *Detector) Detect(ctx context.Context, ip string) (Miner, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.probeURL(ip), nil)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", ip, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", ip, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		return nil, fmt.Errorf("detect %s: read body: %w", ip, err)
	}

	headers := make([]string, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, name+": "+v)
		}
	}

	for _, m := range d.candidates {
		if m == nil {
			continue
		}
		if m.Detect(headers, string(body)) == nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrVendorNotSupported, ip)
}
