package miner

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
)

const (
	avalonVersionFixture = `STATUS=S,When=1700000000,Code=22,Msg=CGMiner versions,Description=cgminer 4.11.1|VERSION=0,CGMiner=4.11.1,API=3.7,PROD=AvalonMiner 1246-83,MODEL=1246-83,HWTYPE=MM4v2_X3,SWTYPE=MM314,|`
	avalonPoolsFixture   = `STATUS=S,When=1700000000,Code=7,Msg=3 Pool(s),Description=cgminer 4.11.1|POOL=0,URL=stratum+tcp://btc.ss.poolin.com:443,Status=Alive,Priority=0,Quota=1,Accepted=10,Rejected=0,User=cctrix.190x8,Last Share Time=0,|POOL=1,URL=stratum+tcp://btc-b.ss.poolin.com:443,Status=Alive,Priority=1,Quota=1,Accepted=0,Rejected=0,User=cctrix.190x8,Last Share Time=0,|POOL=2,URL=stratum+tcp://btc-c.ss.poolin.com:443,Status=Alive,Priority=2,Quota=1,Accepted=0,Rejected=0,User=cctrix.190x8,Last Share Time=0,|`
	avalonEstatsFixture  = `STATUS=S,When=1700000000,Code=70,Msg=CGMiner stats,Description=cgminer 4.11.1|STATS=0,ID=AVA10,Elapsed=1697,Calls=0,MM ID0=Ver[1246-83-21120101_4ec6bb0_61407fa] SYSTEMSTATU[Work: In Work, Hash Board: 3 ] Elapsed[1697] BOOTBY[0x04.00000000] LW[8458] MH[0 0 0] HW[0] DH[1.384%] Temp[38] TMax[81] TAvg[71] Fan1[2670] FanR[49%] Vo[294] GHSspd[84230.51] DHspd[1.384%] GHSmm[85015.79] GHSavg[83180.84] WU[1162019.32] Freq[503.01] MTmax[81 79 80] MTavg[72 71 70] TA[480] ECHU[0 0 0] WORKMODE[1],|`
	avalonPowerFixture   = `STATUS=I,When=1700000000,Code=118,Msg=ASC 0 set info: PS[0 1196 1284 230 2953 1284],Description=cgminer 4.11.1|`
)

// fakeAvalon is a TCP server answering one command per connection.
type fakeAvalon struct {
	ln       net.Listener
	mu       sync.Mutex
	commands []string
	respond  func(cmd string) string
}

func newFakeAvalon(t *testing.T, respond func(cmd string) string) *fakeAvalon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	f := &fakeAvalon{ln: ln, respond: respond}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeAvalon) serve(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	cmd := string(buf[:n])

	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	if resp := f.respond(cmd); resp != "" {
		conn.Write([]byte(resp))
	}
}

func (f *fakeAvalon) dial(ctx context.Context, network, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, f.ln.Addr().String())
}

func (f *fakeAvalon) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func avalonResponder(estats string) func(string) string {
	return func(cmd string) string {
		switch {
		case cmd == "version":
			return avalonVersionFixture
		case cmd == "pools":
			return avalonPoolsFixture
		case cmd == "estats":
			return estats
		case cmd == "ascset|0,hashpower":
			return avalonPowerFixture
		case strings.HasPrefix(cmd, "ascset|0,setpool"), strings.HasPrefix(cmd, "ascset|0,workmode"):
			return "STATUS=I,Code=118,Msg=ASC 0 set OK|"
		default:
			return ""
		}
	}
}

type stubPinger struct {
	err   error
	calls int
}

func (p *stubPinger) Ping(ctx context.Context, ip string) error {
	p.calls++
	return p.err
}

func newTestAvalon(dev *fakeAvalon, opts ...AvalonOption) *AvalonClient {
	base := []AvalonOption{
		WithAvalonDialer(dev.dial),
		WithAvalonPollInterval(20 * time.Millisecond),
		WithAvalonTimeout(2 * time.Second),
		WithAvalonPinger(&stubPinger{}),
	}
	return NewAvalonClient(zap.NewNop(), append(base, opts...)...)
}

func TestAvalonQuery(t *testing.T) {
	dev := newFakeAvalon(t, avalonResponder(avalonEstatsFixture))
	client := newTestAvalon(dev)

	info, err := client.Query(context.Background(), "192.168.190.8", 2*time.Second)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"model", info.Model, "1246-83"},
		{"elapsed", info.Elapsed, "0H 28M 17S"},
		{"hash real", info.HashReal, "84.23 THS"},
		{"hash avg", info.HashAvg, "83.18 THS"},
		{"temp", info.Temp, "38/72/71/70"},
		{"mode", info.Mode, "high-power"},
		{"pool1", info.Pool1, "btc.ss.poolin.com:443"},
		{"worker1", info.Worker1, "cctrix.190x8"},
		{"pool2", info.Pool2, "btc-b.ss.poolin.com:443"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	rec := info.Record
	if rec.Power != 2953 {
		t.Errorf("power = %d, want 2953", rec.Power)
	}
	if rec.WorkMode != WorkModeHighPower {
		t.Errorf("work mode = %d, want 1", rec.WorkMode)
	}
	if rec.Temp0 != 72 || rec.Temp1 != 71 || rec.Temp2 != 70 {
		t.Errorf("board temps = %v/%v/%v", rec.Temp0, rec.Temp1, rec.Temp2)
	}
}

func TestAvalonQueryRejectsMalformedStatus(t *testing.T) {
	dev := newFakeAvalon(t, avalonResponder("STATUS=S,Msg=nothing useful|"))
	client := newTestAvalon(dev)

	_, err := client.Query(context.Background(), "192.168.190.8", time.Second)
	if !errors.Is(err, ErrProtocolParse) {
		t.Errorf("expected ErrProtocolParse, got %v", err)
	}
}

func TestParseAvalonPowerTolerant(t *testing.T) {
	p := parseAvalonPower("garbage")
	if p.power != 0 || p.amperage != 0 {
		t.Errorf("expected zero power, got %+v", p)
	}

	p = parseAvalonPower(avalonPowerFixture)
	if p.controlVolt != 1196 || p.hashVolt != 1284 || p.amperage != 230 || p.power != 2953 {
		t.Errorf("unexpected power tuple %+v", p)
	}
}

func TestAvalonSwitchAccount(t *testing.T) {
	account := Account{
		Name:     "newacct",
		Password: "auto",
		Pool1:    "stratum+tcp://a.pool:443",
		Pool2:    "stratum+tcp://b.pool:443",
		Pool3:    "stratum+tcp://c.pool:443",
		RunMode:  RunModeNormal,
	}

	t.Run("rewrites pools and work mode", func(t *testing.T) {
		dev := newFakeAvalon(t, avalonResponder(avalonEstatsFixture))
		client := newTestAvalon(dev)

		if err := client.SwitchAccountIfDifferent(context.Background(), "192.168.190.8", account, false); err != nil {
			t.Fatalf("switch failed: %v", err)
		}

		want := []string{
			"pools",
			"estats",
			"ascset|0,setpool,root,root,0,stratum+tcp://a.pool:443,newacct.190x8,auto",
			"ascset|0,setpool,root,root,1,stratum+tcp://b.pool:443,newacct.190x8,auto",
			"ascset|0,setpool,root,root,2,stratum+tcp://c.pool:443,newacct.190x8,auto",
			"ascset|0,workmode,0",
			"ascset|0,reboot,0",
		}
		waitForCommands(t, dev, len(want))
		got := dev.recorded()
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("command %d = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("same account and mode is a no-op", func(t *testing.T) {
		dev := newFakeAvalon(t, avalonResponder(avalonEstatsFixture))
		client := newTestAvalon(dev)

		same := account
		same.Name = "cctrix"
		same.RunMode = RunModeHighPower
		if err := client.SwitchAccountIfDifferent(context.Background(), "192.168.190.8", same, false); err != nil {
			t.Fatalf("switch failed: %v", err)
		}
		if got := dev.recorded(); len(got) != 2 {
			t.Errorf("expected only the two read commands, got %v", got)
		}
	})

	t.Run("mode mismatch forces rewrite", func(t *testing.T) {
		dev := newFakeAvalon(t, avalonResponder(avalonEstatsFixture))
		client := newTestAvalon(dev)

		same := account
		same.Name = "cctrix"
		if err := client.SwitchAccountIfDifferent(context.Background(), "192.168.190.8", same, false); err != nil {
			t.Fatalf("switch failed: %v", err)
		}
		waitForCommands(t, dev, 7)
	})

	t.Run("failure with live ping is success", func(t *testing.T) {
		dev := newFakeAvalon(t, avalonResponder("not an estats reply"))
		pinger := &stubPinger{}
		client := newTestAvalon(dev, WithAvalonPinger(pinger))

		if err := client.SwitchAccountIfDifferent(context.Background(), "192.168.190.8", account, false); err != nil {
			t.Errorf("expected ping fallback to succeed, got %v", err)
		}
		if pinger.calls != 1 {
			t.Errorf("expected 1 ping, got %d", pinger.calls)
		}
	})

	t.Run("failure with dead ping reports both", func(t *testing.T) {
		dev := newFakeAvalon(t, avalonResponder("not an estats reply"))
		pinger := &stubPinger{err: ErrPing}
		client := newTestAvalon(dev, WithAvalonPinger(pinger))

		err := client.SwitchAccountIfDifferent(context.Background(), "192.168.190.8", account, false)
		if !errors.Is(err, ErrPing) {
			t.Errorf("expected ErrPing, got %v", err)
		}
		if !errors.Is(err, ErrProtocolParse) {
			t.Errorf("expected the switch error to be kept, got %v", err)
		}
	})
}

func TestAvalonConfigurePoolsPrefixesURL(t *testing.T) {
	dev := newFakeAvalon(t, avalonResponder(avalonEstatsFixture))
	client := newTestAvalon(dev)

	pools := []PoolConfig{{URL: "a.pool:443", User: "alice", Password: "x"}}
	if err := client.ConfigurePools(context.Background(), "10.1.2.3", pools); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	waitForCommands(t, dev, 2)
	got := dev.recorded()
	if got[0] != "ascset|0,setpool,root,root,0,stratum+tcp://a.pool:443,alice.2x3,x" {
		t.Errorf("unexpected setpool command %q", got[0])
	}
	if got[1] != "ascset|0,reboot,0" {
		t.Errorf("expected reboot, got %q", got[1])
	}
}

func TestAvalonConfigureMode(t *testing.T) {
	pools := []PoolConfig{
		{URL: "a.pool:443", User: "alice", Password: "x"},
		{URL: "stratum+tcp://b.pool:443", User: "alice", Password: "x"},
	}
	setpools := []string{
		"ascset|0,setpool,root,root,0,stratum+tcp://a.pool:443,alice.2x3,x",
		"ascset|0,setpool,root,root,1,stratum+tcp://b.pool:443,alice.2x3,x",
	}

	tests := []struct {
		name string
		run  func(c *AvalonClient) error
		want []string
	}{
		{
			name: "mode high-power",
			run: func(c *AvalonClient) error {
				return c.ConfigureMode(context.Background(), "10.1.2.3", RunModeHighPower)
			},
			want: []string{"ascset|0,workmode,1", "ascset|0,reboot,0"},
		},
		{
			name: "mode normal",
			run: func(c *AvalonClient) error {
				return c.ConfigureMode(context.Background(), "10.1.2.3", RunModeNormal)
			},
			want: []string{"ascset|0,workmode,0", "ascset|0,reboot,0"},
		},
		{
			name: "pools and high-power",
			run: func(c *AvalonClient) error {
				return c.Configure(context.Background(), "10.1.2.3", RunModeHighPower, pools)
			},
			want: append(append([]string{}, setpools...), "ascset|0,workmode,1", "ascset|0,reboot,0"),
		},
		{
			name: "pools and normal",
			run: func(c *AvalonClient) error {
				return c.Configure(context.Background(), "10.1.2.3", RunModeNormal, pools)
			},
			want: append(append([]string{}, setpools...), "ascset|0,workmode,0", "ascset|0,reboot,0"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeAvalon(t, avalonResponder(avalonEstatsFixture))
			if err := tt.run(newTestAvalon(dev)); err != nil {
				t.Fatalf("configure failed: %v", err)
			}
			waitForCommands(t, dev, len(tt.want))
			got := dev.recorded()
			if strings.Join(got, "\n") != strings.Join(tt.want, "\n") {
				t.Errorf("commands = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAvalonConfigureStopsOnFailure(t *testing.T) {
	dev := newFakeAvalon(t, avalonResponder(avalonEstatsFixture))
	var dials int
	var mu sync.Mutex
	// Second connection is the workmode command.
	flaky := func(ctx context.Context, network, addr string) (net.Conn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 2 {
			return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
		}
		return dev.dial(ctx, network, addr)
	}
	client := newTestAvalon(dev, WithAvalonDialer(flaky))

	pools := []PoolConfig{{URL: "a.pool:443", User: "alice", Password: "x"}}
	if err := client.Configure(context.Background(), "10.1.2.3", RunModeHighPower, pools); err == nil {
		t.Fatal("expected the workmode failure to be returned")
	}
	got := dev.recorded()
	if len(got) != 1 || !strings.HasPrefix(got[0], "ascset|0,setpool") {
		t.Errorf("commands = %q, want only the setpool before the failure", got)
	}
	if dials != 2 {
		t.Errorf("dials = %d, reboot must not be attempted", dials)
	}
}

func TestAvalonReboot(t *testing.T) {
	t.Run("disconnect is ignored", func(t *testing.T) {
		dev := newFakeAvalon(t, func(string) string { return "" })
		client := newTestAvalon(dev)
		if err := client.Reboot(context.Background(), "192.168.1.10"); err != nil {
			t.Errorf("reboot returned %v", err)
		}
	})

	t.Run("dial failure is reported", func(t *testing.T) {
		refused := func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
		}
		client := NewAvalonClient(zap.NewNop(), WithAvalonDialer(refused))
		if err := client.Reboot(context.Background(), "192.168.1.10"); err == nil {
			t.Error("expected dial error")
		}
	})
}

// chunkedServer writes each chunk with a pause in between and then keeps
// the connection open without sending more data.
func chunkedServer(t *testing.T, chunks []string, gap time.Duration) DialFunc {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 256)
				if _, err := conn.Read(buf); err != nil {
					return
				}
				for _, c := range chunks {
					if _, err := conn.Write([]byte(c)); err != nil {
						return
					}
					time.Sleep(gap)
				}
				<-done
			}(conn)
		}
	}()

	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, ln.Addr().String())
	}
}

func TestAvalonReadLoop(t *testing.T) {
	t.Run("reassembles chunks", func(t *testing.T) {
		dial := chunkedServer(t, []string{"STATUS=S|", "POOL=0,", "URL=x,|"}, 30*time.Millisecond)
		client := NewAvalonClient(zap.NewNop(), WithAvalonDialer(dial), WithAvalonPollInterval(20*time.Millisecond))

		res, err := client.command(context.Background(), "192.168.1.10", "pools", 2*time.Second)
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if res != "STATUS=S|POOL=0,URL=x,|" {
			t.Errorf("got %q", res)
		}
	})

	t.Run("silent device times out at the deadline", func(t *testing.T) {
		dial := chunkedServer(t, nil, 0)
		client := NewAvalonClient(zap.NewNop(), WithAvalonDialer(dial), WithAvalonPollInterval(20*time.Millisecond))

		timeout := 300 * time.Millisecond
		start := time.Now()
		_, err := client.command(context.Background(), "192.168.1.10", "estats", timeout)
		elapsed := time.Since(start)

		if !errors.Is(err, ErrTransportTimeout) {
			t.Fatalf("expected ErrTransportTimeout, got %v", err)
		}
		if elapsed < timeout {
			t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
		}
	})

	t.Run("close without data is a read failure", func(t *testing.T) {
		dev := newFakeAvalon(t, func(string) string { return "" })
		client := newTestAvalon(dev)

		_, err := client.command(context.Background(), "192.168.1.10", "version", time.Second)
		if !errors.Is(err, ErrTransportRead) {
			t.Errorf("expected ErrTransportRead, got %v", err)
		}
	})
}

func waitForCommands(t *testing.T, dev *fakeAvalon, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(dev.recorded()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d commands, got %v", n, dev.recorded())
}
