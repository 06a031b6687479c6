package miner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	avalonPort           = 4028
	avalonPollInterval   = 100 * time.Millisecond
	avalonIdlePolls      = 3
	avalonCommandTimeout = 3 * time.Second
	avalonPoolPrefix     = "stratum+tcp://"
)

var (
	avalonStatusRe = regexp.MustCompile(`(?s)SYSTEMSTATU\[Work: ([^,\]]*).*?\bElapsed\[(\d+)\].*?\bTemp\[(-?\d+)\].*?GHSspd\[(\d+\.?\d*)\].*?GHSavg\[(\d+\.?\d*)\].*?MTavg\[(-?\d+) (-?\d+) (-?\d+)\].*?WORKMODE\[(\d+)\]`)
	avalonPoolRe   = regexp.MustCompile(`POOL=\d+,URL=([^,]+),.*?User=([^,]+),`)
	avalonUserRe   = regexp.MustCompile(`User=([^,]+),`)
	avalonModelRe  = regexp.MustCompile(`MODEL=([^,]+),`)
	avalonPowerRe  = regexp.MustCompile(`PS\[(\d+) (\d+) (\d+) (\d+) (\d+) (\d+)\]`)
)

// DialFunc opens a connection to a device.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// AvalonClient speaks the cgminer-style text protocol on port 4028.
// Every command uses its own connection.
type AvalonClient struct {
	port         int
	username     string
	password     string
	timeout      time.Duration
	pollInterval time.Duration
	idlePolls    int
	dial         DialFunc
	pinger       Pinger
	logger       *zap.Logger
}

// AvalonOption configures an AvalonClient.
type AvalonOption func(*AvalonClient)

// WithAvalonPort overrides the cgminer API port 4028.
func WithAvalonPort(port int) AvalonOption {
	return func(c *AvalonClient) {
		if port > 0 {
			c.port = port
		}
	}
}

// WithAvalonCredentials sets the device web login sent with setpool.
func WithAvalonCredentials(username, password string) AvalonOption {
	return func(c *AvalonClient) {
		c.username = username
		c.password = password
	}
}

// WithAvalonTimeout sets the per-command timeout used by write operations.
func WithAvalonTimeout(d time.Duration) AvalonOption {
	return func(c *AvalonClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAvalonPollInterval sets the pause between reads of a reply.
func WithAvalonPollInterval(d time.Duration) AvalonOption {
	return func(c *AvalonClient) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithAvalonDialer replaces the TCP dialer.
func WithAvalonDialer(dial DialFunc) AvalonOption {
	return func(c *AvalonClient) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithAvalonPinger replaces the ICMP pinger used after a failed switch.
func WithAvalonPinger(p Pinger) AvalonOption {
	return func(c *AvalonClient) {
		if p != nil {
			c.pinger = p
		}
	}
}

// NewAvalonClient creates an AvalonClient.
func NewAvalonClient(logger *zap.Logger, opts ...AvalonOption) *AvalonClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := &net.Dialer{}
	c := &AvalonClient{
		port:         avalonPort,
		username:     "root",
		password:     "root",
		timeout:      avalonCommandTimeout,
		pollInterval: avalonPollInterval,
		idlePolls:    avalonIdlePolls,
		dial:         dialer.DialContext,
		pinger:       NewICMPPinger(time.Second, false),
		logger:       logger.Named("avalon"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Info describes the vendor.
func (c *AvalonClient) Info() Info {
	return Info{Vendor: VendorAvalon, Name: VendorAvalon.String(), Detail: "Avalon over cgminer TCP API"}
}

// Detect matches the device web page title.
func (c *AvalonClient) Detect(headers []string, body string) error {
	if strings.Contains(body, "Avalon Device") {
		return nil
	}
	return ErrVendorNotSupported
}

type avalonStatus struct {
	workStatus string
	elapsed    int64
	temp       float64
	hashReal   float64
	hashAvg    float64
	boardTemps [3]float64
	workMode   WorkMode
}

type avalonPower struct {
	controlVolt float64
	hashVolt    float64
	amperage    float64
	power       float64
}

// Query collects version, pools, estats and power into one snapshot.
func (c *AvalonClient) Query(ctx context.Context, ip string, timeout time.Duration) (*MachineInfo, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	version, err := c.command(ctx, ip, "version", timeout)
	if err != nil {
		return nil, err
	}
	model := "Avalon"
	if m := avalonModelRe.FindStringSubmatch(version); m != nil {
		model = m[1]
	}

	status, err := c.queryStatus(ctx, ip, timeout)
	if err != nil {
		return nil, err
	}
	pools, err := c.queryPools(ctx, ip, timeout)
	if err != nil {
		return nil, err
	}
	power, err := c.queryPower(ctx, ip, timeout)
	if err != nil {
		return nil, err
	}

	for len(pools) < 2 {
		pools = append(pools, PoolConfig{})
	}

	temps := make([]string, 0, 4)
	temps = append(temps, formatFloat(status.temp))
	for _, t := range status.boardTemps {
		temps = append(temps, formatFloat(t))
	}

	return &MachineInfo{
		IP:       ip,
		Vendor:   VendorAvalon,
		Model:    model,
		Elapsed:  formatElapsed(status.elapsed),
		HashReal: fmt.Sprintf("%.2f THS", status.hashReal/1000),
		HashAvg:  fmt.Sprintf("%.2f THS", status.hashAvg/1000),
		Temp:     strings.Join(temps, "/"),
		Fan:      "0",
		Mode:     string(status.workMode.RunMode()),
		Pool1:    strings.TrimPrefix(pools[0].URL, avalonPoolPrefix),
		Worker1:  pools[0].User,
		Pool2:    strings.TrimPrefix(pools[1].URL, avalonPoolPrefix),
		Worker2:  pools[1].User,
		Record: Record{
			IP:        ip,
			Model:     model,
			WorkMode:  status.workMode,
			HashReal:  status.hashReal,
			HashAvg:   status.hashAvg,
			Temp0:     status.boardTemps[0],
			Temp1:     status.boardTemps[1],
			Temp2:     status.boardTemps[2],
			Power:     int(power.power),
			CreatedAt: time.Now().Unix(),
		},
	}, nil
}

// SwitchAccountIfDifferent rewrites all pool slots and the work mode when
// either differs, then reboots. When the sequence fails but the device
// still answers ping, the switch is reported as successful and retried on
// the next cycle.
func (c *AvalonClient) SwitchAccountIfDifferent(ctx context.Context, ip string, account Account, force bool) error {
	err := c.switchAccount(ctx, ip, account, force)
	if err == nil {
		return nil
	}

	c.logger.Info("switch failed, probing device", zap.String("ip", ip), zap.Error(err))
	if pingErr := c.pinger.Ping(ctx, ip); pingErr != nil {
		return fmt.Errorf("%w: %w", pingErr, err)
	}
	return nil
}

func (c *AvalonClient) switchAccount(ctx context.Context, ip string, account Account, force bool) error {
	worker, err := WorkerName(account.Name, ip)
	if err != nil {
		return err
	}

	current, err := c.queryAccount(ctx, ip, c.timeout)
	if err != nil {
		return err
	}
	status, err := c.queryStatus(ctx, ip, c.timeout)
	if err != nil {
		return err
	}

	target := account.RunMode.WorkMode()
	if !force && userPrefix(current) == account.Prefix() && status.workMode == target {
		c.logger.Debug("account unchanged", zap.String("ip", ip), zap.String("worker", current))
		return nil
	}

	urls := []string{account.Pool1, account.Pool2, account.Pool3}
	for slot, url := range urls {
		if err := c.setPool(ctx, ip, slot, PoolConfig{URL: url, User: worker, Password: account.Password}); err != nil {
			return err
		}
	}
	if err := c.setWorkMode(ctx, ip, target); err != nil {
		return err
	}
	if err := c.Reboot(ctx, ip); err != nil {
		return err
	}
	c.logger.Info("account switched", zap.String("ip", ip), zap.String("worker", worker), zap.Int("work_mode", int(target)))
	return nil
}

// Reboot sends the reboot command without waiting for a reply. Dial
// failures are reported; disconnects while writing are expected.
func (c *AvalonClient) Reboot(ctx context.Context, ip string) error {
	conn, deadline, err := c.open(ctx, ip, c.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return IgnoreRebootDisconnect(err)
	}
	_, err = conn.Write([]byte("ascset|0,reboot,0"))
	return IgnoreRebootDisconnect(err)
}

// ConfigurePools writes pools slot by slot and reboots.
func (c *AvalonClient) ConfigurePools(ctx context.Context, ip string, pools []PoolConfig) error {
	if err := c.writePools(ctx, ip, pools); err != nil {
		return err
	}
	return c.Reboot(ctx, ip)
}

// ConfigureMode writes the integer work mode and reboots.
func (c *AvalonClient) ConfigureMode(ctx context.Context, ip string, mode RunMode) error {
	if err := c.setWorkMode(ctx, ip, mode.WorkMode()); err != nil {
		return err
	}
	return c.Reboot(ctx, ip)
}

// Configure writes pools, then the work mode, then reboots. The first
// failing command ends the sequence.
func (c *AvalonClient) Configure(ctx context.Context, ip string, mode RunMode, pools []PoolConfig) error {
	if err := c.writePools(ctx, ip, pools); err != nil {
		return err
	}
	if err := c.setWorkMode(ctx, ip, mode.WorkMode()); err != nil {
		return err
	}
	return c.Reboot(ctx, ip)
}

func (c *AvalonClient) writePools(ctx context.Context, ip string, pools []PoolConfig) error {
	for slot, p := range pools {
		worker, err := WorkerName(p.User, ip)
		if err != nil {
			return err
		}
		url := p.URL
		if !strings.HasPrefix(url, avalonPoolPrefix) {
			url = avalonPoolPrefix + url
		}
		if err := c.setPool(ctx, ip, slot, PoolConfig{URL: url, User: worker, Password: p.Password}); err != nil {
			return err
		}
	}
	return nil
}

func (c *AvalonClient) setPool(ctx context.Context, ip string, slot int, p PoolConfig) error {
	cmd := fmt.Sprintf("ascset|0,setpool,%s,%s,%d,%s,%s,%s", c.username, c.password, slot, p.URL, p.User, p.Password)
	_, err := c.command(ctx, ip, cmd, c.timeout)
	return err
}

func (c *AvalonClient) setWorkMode(ctx context.Context, ip string, mode WorkMode) error {
	_, err := c.command(ctx, ip, fmt.Sprintf("ascset|0,workmode,%d", mode), c.timeout)
	return err
}

func (c *AvalonClient) queryAccount(ctx context.Context, ip string, timeout time.Duration) (string, error) {
	res, err := c.command(ctx, ip, "pools", timeout)
	if err != nil {
		return "", err
	}
	m := avalonUserRe.FindStringSubmatch(res)
	if m == nil {
		return "", fmt.Errorf("%w: no pool user in response from %s", ErrProtocolParse, ip)
	}
	return m[1], nil
}

func (c *AvalonClient) queryPools(ctx context.Context, ip string, timeout time.Duration) ([]PoolConfig, error) {
	res, err := c.command(ctx, ip, "pools", timeout)
	if err != nil {
		return nil, err
	}
	return parseAvalonPools(res), nil
}

func (c *AvalonClient) queryStatus(ctx context.Context, ip string, timeout time.Duration) (*avalonStatus, error) {
	res, err := c.command(ctx, ip, "estats", timeout)
	if err != nil {
		return nil, err
	}
	status, err := parseAvalonStatus(res)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ip, err)
	}
	return status, nil
}

func (c *AvalonClient) queryPower(ctx context.Context, ip string, timeout time.Duration) (*avalonPower, error) {
	res, err := c.command(ctx, ip, "ascset|0,hashpower", timeout)
	if err != nil {
		return nil, err
	}
	return parseAvalonPower(res), nil
}

func parseAvalonStatus(res string) (*avalonStatus, error) {
	m := avalonStatusRe.FindStringSubmatch(res)
	if m == nil {
		return nil, fmt.Errorf("%w: estats response not recognised", ErrProtocolParse)
	}

	var (
		st  avalonStatus
		err error
	)
	st.workStatus = strings.TrimSpace(m[1])
	if st.elapsed, err = strconv.ParseInt(m[2], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: elapsed: %v", ErrProtocolParse, err)
	}
	floats := []*float64{&st.temp, &st.hashReal, &st.hashAvg, &st.boardTemps[0], &st.boardTemps[1], &st.boardTemps[2]}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(m[3+i], 64); err != nil {
			return nil, fmt.Errorf("%w: field %d: %v", ErrProtocolParse, 3+i, err)
		}
	}
	mode, err := strconv.Atoi(m[9])
	if err != nil {
		return nil, fmt.Errorf("%w: work mode: %v", ErrProtocolParse, err)
	}
	st.workMode = WorkMode(mode)
	return &st, nil
}

func parseAvalonPools(res string) []PoolConfig {
	var pools []PoolConfig
	for _, m := range avalonPoolRe.FindAllStringSubmatch(res, -1) {
		pools = append(pools, PoolConfig{URL: m[1], User: m[2]})
	}
	return pools
}

// parseAvalonPower reads the PS[...] tuple. Power is a secondary metric, so
// an unrecognised response yields zeros.
func parseAvalonPower(res string) *avalonPower {
	p := &avalonPower{}
	m := avalonPowerRe.FindStringSubmatch(res)
	if m == nil {
		return p
	}
	p.controlVolt, _ = strconv.ParseFloat(m[2], 64)
	p.hashVolt, _ = strconv.ParseFloat(m[3], 64)
	p.amperage, _ = strconv.ParseFloat(m[4], 64)
	p.power, _ = strconv.ParseFloat(m[5], 64)
	return p
}

func (c *AvalonClient) open(ctx context.Context, ip string, timeout time.Duration) (net.Conn, time.Time, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	addr := net.JoinHostPort(ip, strconv.Itoa(c.port))
	conn, err := c.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, deadline, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, deadline, nil
}

// command writes cmd on a fresh connection and reads the reply.
func (c *AvalonClient) command(ctx context.Context, ip, cmd string, timeout time.Duration) (string, error) {
	conn, deadline, err := c.open(ctx, ip, timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return "", fmt.Errorf("%s %q: %w", ip, cmd, err)
	}
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("%s %q: write: %w", ip, cmd, err)
	}

	data, err := c.readResponse(ctx, conn, deadline)
	if err != nil {
		return "", fmt.Errorf("%s %q: %w", ip, cmd, err)
	}
	return string(data), nil
}

// readResponse polls the connection until the peer closes, the device goes
// quiet for idlePolls consecutive polls after sending data, or the
// deadline passes. A deadline with nothing read is a timeout.
func (c *AvalonClient) readResponse(ctx context.Context, conn net.Conn, deadline time.Time) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	idle := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		if !now.Before(deadline) {
			if buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, ErrTransportTimeout
		}

		poll := now.Add(c.pollInterval)
		if poll.After(deadline) {
			poll = deadline
		}
		if err := conn.SetReadDeadline(poll); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransportRead, err)
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			idle = 0
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			if buf.Len() == 0 {
				return nil, fmt.Errorf("%w: connection closed without data", ErrTransportRead)
			}
			return buf.Bytes(), nil
		case isTimeout(err):
			if n > 0 || buf.Len() == 0 {
				continue
			}
			idle++
			if idle >= c.idlePolls {
				return buf.Bytes(), nil
			}
		default:
			return nil, fmt.Errorf("%w: %v", ErrTransportRead, err)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
