package miner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync/atomic"
	"time"

	"github.com/icholy/digest"
	"go.uber.org/zap"
)

const (
	antStatsPath   = "/cgi-bin/stats.cgi"
	antGetConfPath = "/cgi-bin/get_miner_conf.cgi"
	antSetConfPath = "/cgi-bin/set_miner_conf.cgi"
	antRebootPath  = "/cgi-bin/reboot.cgi"

	antPoolSlots      = 3
	antDefaultTimeout = 10 * time.Second
	antRebootTimeout  = 5 * time.Second
)

// AntClient talks to the Antminer CGI endpoints using HTTP digest auth.
type AntClient struct {
	httpClient    *http.Client
	username      string
	password      string
	transport     http.RoundTripper
	rebootTimeout time.Duration
	baseURL       func(ip string) string
	logger        *zap.Logger
}

// AntOption configures an AntClient.
type AntOption func(*AntClient)

// WithAntCredentials overrides the root/root digest credentials.
func WithAntCredentials(username, password string) AntOption {
	return func(c *AntClient) {
		c.username = username
		c.password = password
	}
}

// WithAntBaseURL overrides how the device base URL is derived from an IP.
func WithAntBaseURL(fn func(ip string) string) AntOption {
	return func(c *AntClient) {
		if fn != nil {
			c.baseURL = fn
		}
	}
}

// WithAntTransport sets the round tripper underneath the digest layer.
func WithAntTransport(rt http.RoundTripper) AntOption {
	return func(c *AntClient) {
		c.transport = rt
	}
}

// WithAntRebootTimeout overrides the 5s reboot request timeout.
func WithAntRebootTimeout(d time.Duration) AntOption {
	return func(c *AntClient) {
		if d > 0 {
			c.rebootTimeout = d
		}
	}
}

// NewAntClient creates an AntClient.
func NewAntClient(logger *zap.Logger, opts ...AntOption) *AntClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &AntClient{
		username:      "root",
		password:      "root",
		rebootTimeout: antRebootTimeout,
		baseURL:       func(ip string) string { return "http://" + ip },
		logger:        logger.Named("ant"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = &http.Client{
		Timeout: antDefaultTimeout,
		Transport: &digest.Transport{
			Username:  c.username,
			Password:  c.password,
			Transport: c.transport,
		},
	}
	return c
}

// Info describes the vendor.
func (c *AntClient) Info() Info {
	return Info{Vendor: VendorAnt, Name: VendorAnt.String(), Detail: "Antminer over HTTP digest"}
}

// Detect matches the digest realm the Antminer web server advertises.
func (c *AntClient) Detect(headers []string, body string) error {
	for _, h := range headers {
		if strings.Contains(h, "antMiner") {
			return nil
		}
	}
	return ErrVendorNotSupported
}

type antStats struct {
	Info struct {
		Type string `json:"type"`
	} `json:"INFO"`
	Stats []struct {
		Elapsed int64   `json:"elapsed"`
		Rate5s  float64 `json:"rate_5s"`
		RateAvg float64 `json:"rate_avg"`
	} `json:"STATS"`
}

// Query reads stats.cgi and the pool config into one snapshot.
func (c *AntClient) Query(ctx context.Context, ip string, timeout time.Duration) (*MachineInfo, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := c.do(ctx, http.MethodGet, ip, antStatsPath, nil)
	if err != nil {
		return nil, err
	}
	var stats antStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("%w: ant stats from %s: %v", ErrProtocolParse, ip, err)
	}

	conf, err := c.getConfig(ctx, ip)
	if err != nil {
		return nil, err
	}

	model := stats.Info.Type
	if model == "" {
		model = "unknown"
	}
	var elapsed int64
	var rate5s, rateAvg float64
	if len(stats.Stats) > 0 {
		elapsed = stats.Stats[0].Elapsed
		rate5s = stats.Stats[0].Rate5s
		rateAvg = stats.Stats[0].RateAvg
	}

	return &MachineInfo{
		IP:       ip,
		Vendor:   VendorAnt,
		Model:    model,
		Elapsed:  formatElapsed(elapsed),
		HashReal: fmt.Sprintf("%.3f GH/s", rate5s),
		HashAvg:  fmt.Sprintf("%.3f GH/s", rateAvg),
		Temp:     "0",
		Fan:      "0",
		Mode:     "",
		Pool1:    conf.Pools[0].URL,
		Worker1:  conf.Pools[0].User,
		Pool2:    conf.Pools[1].URL,
		Worker2:  conf.Pools[1].User,
		Record: Record{
			IP:        ip,
			Model:     model,
			WorkMode:  WorkModeNormal,
			HashReal:  rate5s,
			HashAvg:   rateAvg,
			CreatedAt: time.Now().Unix(),
		},
	}, nil
}

func (c *AntClient) SwitchAccountIfDifferent(ctx context.Context, ip string, account Account, force bool) error {
	worker, err := WorkerName(account.Name, ip)
	if err != nil {
		return err
	}

	conf, err := c.getConfig(ctx, ip)
	if err != nil {
		return err
	}
	if !force && conf.sameAccount(account) {
		c.logger.Debug("account unchanged", zap.String("ip", ip), zap.String("worker", conf.Pools[0].User))
		return nil
	}

	conf.applyAccount(account, worker)
	if err := c.setConfig(ctx, ip, conf); err != nil {
		return err
	}
	c.logger.Info("account switched", zap.String("ip", ip), zap.String("worker", worker))
	return c.Reboot(ctx, ip)
}

// Reboot requests a restart. The device drops the connection while it
// goes down, so disconnects and timeouts after a connection was made are
// not reported. Failing to connect at all is.
func (c *AntClient) Reboot(ctx context.Context, ip string) error {
	ctx, cancel := context.WithTimeout(ctx, c.rebootTimeout)
	defer cancel()

	var connected atomic.Bool
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { connected.Store(true) },
	})

	_, err := c.do(ctx, http.MethodGet, ip, antRebootPath, nil)
	if err != nil && !connected.Load() {
		return fmt.Errorf("ant reboot %s: no connection: %w", ip, err)
	}
	return IgnoreRebootDisconnect(err)
}

// ConfigurePools rewrites the pool slots in the device config and reboots.
func (c *AntClient) ConfigurePools(ctx context.Context, ip string, pools []PoolConfig) error {
	conf, err := c.getConfig(ctx, ip)
	if err != nil {
		return err
	}
	if err := conf.applyPools(pools, ip); err != nil {
		return err
	}
	if err := c.setConfig(ctx, ip, conf); err != nil {
		return err
	}
	return c.Reboot(ctx, ip)
}

// ConfigureMode is unsupported: the firmware exposes no work mode switch
// through the CGI API.
func (c *AntClient) ConfigureMode(ctx context.Context, ip string, mode RunMode) error {
	return fmt.Errorf("%w: ant work mode cannot be configured", ErrVendorNotSupported)
}

// Configure applies pools only; mode is ignored for this vendor.
func (c *AntClient) Configure(ctx context.Context, ip string, mode RunMode, pools []PoolConfig) error {
	if mode == RunModeHighPower {
		c.logger.Warn("ignoring run mode", zap.String("ip", ip), zap.String("mode", string(mode)))
	}
	return c.ConfigurePools(ctx, ip, pools)
}

func (c *AntClient) getConfig(ctx context.Context, ip string) (*antConfig, error) {
	data, err := c.do(ctx, http.MethodGet, ip, antGetConfPath, nil)
	if err != nil {
		return nil, err
	}
	conf, err := parseAntConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ip, err)
	}
	return conf, nil
}

func (c *AntClient) setConfig(ctx context.Context, ip string, conf *antConfig) error {
	body, err := json.Marshal(conf)
	if err != nil {
		return fmt.Errorf("failed to encode ant config: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, ip, antSetConfPath, body)
	return err
}

func (c *AntClient) do(ctx context.Context, method, ip, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL(ip)+path, reader)
	if err != nil {
		return nil, fmt.Errorf("ant %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ant %s %s%s: %w", method, ip, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s%s", ErrAuth, ip, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ant %s%s: unexpected status code: %d", ip, path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ant %s%s: read body: %w", ip, path, err)
	}
	return data, nil
}

type antPool struct {
	URL  string `json:"url"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// antConfig keeps every non-pool field as raw JSON so a read-modify-write
// cycle leaves the tuning settings untouched.
type antConfig struct {
	Pools  []antPool
	fields map[string]json.RawMessage
}

func parseAntConfig(data []byte) (*antConfig, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: ant config: %v", ErrProtocolParse, err)
	}

	conf := &antConfig{fields: fields}
	if raw, ok := fields["pools"]; ok {
		if err := json.Unmarshal(raw, &conf.Pools); err != nil {
			return nil, fmt.Errorf("%w: ant pools: %v", ErrProtocolParse, err)
		}
	}
	delete(conf.fields, "pools")
	for len(conf.Pools) < antPoolSlots {
		conf.Pools = append(conf.Pools, antPool{})
	}
	return conf, nil
}

func (c *antConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.fields)+1)
	for k, v := range c.fields {
		out[k] = v
	}
	pools, err := json.Marshal(c.Pools)
	if err != nil {
		return nil, err
	}
	out["pools"] = pools
	return json.Marshal(out)
}

func (c *antConfig) sameAccount(account Account) bool {
	return userPrefix(c.Pools[0].User) == account.Prefix()
}

// applyAccount points all three slots at the account. The third slot
// reuses pool2's URL; devices in the field are configured that way.
func (c *antConfig) applyAccount(account Account, worker string) {
	urls := [antPoolSlots]string{account.Pool1, account.Pool2, account.Pool2}
	for i, url := range urls {
		c.Pools[i] = antPool{URL: url, User: worker, Pass: account.Password}
	}
}

func (c *antConfig) applyPools(pools []PoolConfig, ip string) error {
	for i, p := range pools {
		if i >= antPoolSlots {
			break
		}
		worker, err := WorkerName(p.User, ip)
		if err != nil {
			return err
		}
		c.Pools[i] = antPool{URL: p.URL, User: worker, Pass: p.Password}
	}
	c.Pools[2].URL = c.Pools[1].URL
	return nil
}
