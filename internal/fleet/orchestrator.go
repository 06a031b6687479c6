// Package fleet runs vendor operations across many devices at once and
// applies the time-of-day account switching policy.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pfcoder/lcd-core/internal/metrics"
	"github.com/pfcoder/lcd-core/internal/miner"
	"github.com/pfcoder/lcd-core/internal/schedule"
)

var (
	ErrNoInventory        = errors.New("fleet: no inventory configured")
	ErrNothingToConfigure = errors.New("fleet: neither pools nor run mode given")
)

// Resolver returns the vendor client for an address. A VendorUnknown hint
// means the device is probed first.
type Resolver interface {
	Resolve(ctx context.Context, ip string, hint miner.Vendor) (miner.Miner, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// RecordSink persists telemetry from successful queries.
type RecordSink interface {
	InsertRecord(ctx context.Context, rec *miner.Record) error
	UpsertDevice(ctx context.Context, info *miner.MachineInfo) error
}

// Inventory loads the current machine list and schedule tables.
type Inventory interface {
	Load(ctx context.Context) (*ScheduleInputs, error)
}

// ScheduleInputs is everything one switch cycle needs.
type ScheduleInputs struct {
	Machines       []miner.Machine
	AccountWindows []schedule.TimeWindow
	PerfWindows    []schedule.TimeWindow
}

// Orchestrator fans device operations out across goroutines.
type Orchestrator struct {
	resolver    Resolver
	logger      *zap.Logger
	failures    *FailureCounter
	inventory   Inventory
	notifier    Notifier
	sink        RecordSink
	concurrency int
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithInventory(inv Inventory) Option {
	return func(o *Orchestrator) { o.inventory = inv }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithRecordSink(s RecordSink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

// WithFailureCounter shares a counter between orchestrators.
func WithFailureCounter(c *FailureCounter) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.failures = c
		}
	}
}

// WithConcurrency caps in-flight device operations. Zero means one
// goroutine per device.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

// WithClock overrides the wall clock used for schedule resolution and
// alert timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Orchestrator. A nil logger discards output.
func New(resolver Resolver, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		resolver: resolver,
		logger:   logger.Named("fleet"),
		failures: NewFailureCounter(DefaultAlertThreshold),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Failures exposes the debounce counter.
func (o *Orchestrator) Failures() *FailureCounter {
	return o.failures
}

// BatchOption adjusts a single batch call.
type BatchOption func(*batchConfig)

type batchConfig struct {
	vendor miner.Vendor
}

// WithVendor skips detection and uses the client for v.
func WithVendor(v miner.Vendor) BatchOption {
	return func(c *batchConfig) { c.vendor = v }
}

func newBatchConfig(opts []BatchOption) batchConfig {
	var c batchConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

type task[T any] struct {
	ip   string
	note string
	run  func(ctx context.Context) (T, error)
}

type outcome[T any] struct {
	val  T
	err  error
	done bool
}

// runAll executes every task concurrently and waits for all of them. A
// failing task never cancels its siblings.
func runAll[T any](ctx context.Context, o *Orchestrator, op string, tasks []task[T]) *Result[T] {
	start := time.Now()
	outcomes := make([]outcome[T], len(tasks))

	var g errgroup.Group
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("device task panicked",
						zap.String("op", op),
						zap.String("ip", t.ip),
						zap.Any("panic", r),
					)
					outcomes[i] = outcome[T]{err: fmt.Errorf("%w: %v", miner.ErrTaskJoin, r), done: true}
				}
			}()
			began := time.Now()
			v, err := t.run(ctx)
			metrics.ObserveDevice(op, err, time.Since(began))
			outcomes[i] = outcome[T]{val: v, err: err, done: true}
			return nil
		})
	}
	_ = g.Wait()

	res := &Result[T]{Succeeded: make([]T, 0, len(tasks))}
	for i, t := range tasks {
		oc := outcomes[i]
		switch {
		case !oc.done:
			res.Failed = append(res.Failed, Failure{IP: t.ip, Note: t.note, Err: miner.ErrTaskJoin})
		case oc.err != nil:
			o.logger.Info("device operation failed",
				zap.String("op", op),
				zap.String("ip", t.ip),
				zap.Error(oc.err),
			)
			res.Failed = append(res.Failed, Failure{IP: t.ip, Note: t.note, Err: oc.err})
		default:
			res.Succeeded = append(res.Succeeded, oc.val)
		}
	}

	metrics.ObserveBatch(op, len(res.Failed), time.Since(start))
	o.logger.Info("batch finished",
		zap.String("op", op),
		zap.Int("total", len(tasks)),
		zap.Int("succeeded", len(res.Succeeded)),
		zap.Int("failed", len(res.Failed)),
		zap.Duration("took", time.Since(start)),
	)
	return res
}

// Scan queries prefix.offset .. prefix.(offset+count-1), where prefix is
// the first three octets of ipBase.
func (o *Orchestrator) Scan(ctx context.Context, ipBase string, offset, count int, timeout time.Duration) *Result[*miner.MachineInfo] {
	ips, err := RangeTargets(ipBase, offset, count)
	if err != nil {
		return &Result[*miner.MachineInfo]{Failed: []Failure{{IP: ipBase, Err: err}}}
	}
	return runAll(ctx, o, "scan", o.queryTasks(ips, timeout, batchConfig{}))
}

// Watch queries every ip.
func (o *Orchestrator) Watch(ctx context.Context, ips []string, timeout time.Duration, opts ...BatchOption) *Result[*miner.MachineInfo] {
	return runAll(ctx, o, "watch", o.queryTasks(ips, timeout, newBatchConfig(opts)))
}

func (o *Orchestrator) queryTasks(ips []string, timeout time.Duration, cfg batchConfig) []task[*miner.MachineInfo] {
	tasks := make([]task[*miner.MachineInfo], 0, len(ips))
	for _, ip := range ips {
		ip := ip
		tasks = append(tasks, task[*miner.MachineInfo]{
			ip: ip,
			run: func(ctx context.Context) (*miner.MachineInfo, error) {
				m, err := o.resolver.Resolve(ctx, ip, cfg.vendor)
				if err != nil {
					return nil, err
				}
				info, err := m.Query(ctx, ip, timeout)
				if err != nil {
					return nil, err
				}
				o.store(ctx, info)
				return info, nil
			},
		})
	}
	return tasks
}

// store hands a snapshot to the record sink. Sink errors are logged and do
// not fail the query.
func (o *Orchestrator) store(ctx context.Context, info *miner.MachineInfo) {
	if o.sink == nil {
		return
	}
	err := o.sink.InsertRecord(ctx, &info.Record)
	if err == nil {
		err = o.sink.UpsertDevice(ctx, info)
	}
	metrics.IncRecordStored(err)
	if err != nil {
		o.logger.Warn("store telemetry", zap.String("ip", info.IP), zap.Error(err))
	}
}

// RebootBatch reboots every ip.
func (o *Orchestrator) RebootBatch(ctx context.Context, ips []string, opts ...BatchOption) *Result[string] {
	cfg := newBatchConfig(opts)
	tasks := make([]task[string], 0, len(ips))
	for _, ip := range ips {
		ip := ip
		tasks = append(tasks, task[string]{
			ip: ip,
			run: func(ctx context.Context) (string, error) {
				m, err := o.resolver.Resolve(ctx, ip, cfg.vendor)
				if err != nil {
					return "", err
				}
				return ip, m.Reboot(ctx, ip)
			},
		})
	}
	return runAll(ctx, o, "reboot", tasks)
}

// ConfigureBatch writes pools to every ip, and the run mode too when mode
// is set. With no pools only the run mode is written. Devices reboot
// afterwards.
func (o *Orchestrator) ConfigureBatch(ctx context.Context, ips []string, pools []miner.PoolConfig, mode miner.RunMode, opts ...BatchOption) *Result[string] {
	cfg := newBatchConfig(opts)
	tasks := make([]task[string], 0, len(ips))
	for _, ip := range ips {
		ip := ip
		tasks = append(tasks, task[string]{
			ip: ip,
			run: func(ctx context.Context) (string, error) {
				if len(pools) == 0 && mode == "" {
					return "", ErrNothingToConfigure
				}
				m, err := o.resolver.Resolve(ctx, ip, cfg.vendor)
				if err != nil {
					return "", err
				}
				switch {
				case len(pools) == 0:
					return ip, m.ConfigureMode(ctx, ip, mode)
				case mode == "":
					return ip, m.ConfigurePools(ctx, ip, pools)
				default:
					return ip, m.Configure(ctx, ip, mode, pools)
				}
			},
		})
	}
	return runAll(ctx, o, "configure", tasks)
}

// SwitchIfNeeded moves every online machine that has an alternate account
// onto the account selected by the current time window, then debounces
// the failures.
func (o *Orchestrator) SwitchIfNeeded(ctx context.Context, in ScheduleInputs) (*Result[string], error) {
	now := o.now()
	profile, err := schedule.ActiveProfile(in.AccountWindows, now)
	if err != nil {
		return nil, err
	}
	perf := schedule.PerfMode(in.PerfWindows, now)
	metrics.SetActiveProfile(profile, perf)

	o.logger.Info("switch cycle",
		zap.String("profile", profile),
		zap.String("perf", string(perf)),
		zap.Int("machines", len(in.Machines)),
	)

	var tasks []task[string]
	for _, machine := range in.Machines {
		if machine.Status != miner.StatusOnline || machine.Alternate == nil {
			continue
		}
		account, ok := schedule.SelectAccount(machine, profile)
		if !ok {
			continue
		}
		account.RunMode = schedule.EffectiveRunMode(account.RunMode, perf)

		ip, vendor := machine.IP, machine.Vendor
		tasks = append(tasks, task[string]{
			ip:   ip,
			note: machine.Note,
			run: func(ctx context.Context) (string, error) {
				m, err := o.resolver.Resolve(ctx, ip, vendor)
				if err != nil {
					return "", err
				}
				return ip, m.SwitchAccountIfDifferent(ctx, ip, account, false)
			},
		})
	}

	res := runAll(ctx, o, "switch", tasks)
	o.debounce(ctx, now, tasks, res)
	return res, nil
}

// SwitchFromInventory loads the inventory and runs SwitchIfNeeded.
func (o *Orchestrator) SwitchFromInventory(ctx context.Context) (*Result[string], error) {
	if o.inventory == nil {
		return nil, ErrNoInventory
	}
	in, err := o.inventory.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	return o.SwitchIfNeeded(ctx, *in)
}

func (o *Orchestrator) debounce(ctx context.Context, now time.Time, tasks []task[string], res *Result[string]) {
	failed := make(map[string]bool, len(res.Failed))
	for _, f := range res.Failed {
		failed[f.Key()] = true
	}

	var alert []string
	for _, t := range tasks {
		key := Failure{IP: t.ip, Note: t.note}.Key()
		if !failed[key] {
			o.failures.Reset(key)
			continue
		}
		if o.failures.RecordFailure(key) {
			alert = append(alert, key)
		}
	}
	if len(alert) == 0 {
		return
	}

	msg := now.Format("15:04:05") + " device unreachable: " + strings.Join(alert, "")
	o.logger.Warn("alerting on unreachable devices", zap.Strings("keys", alert))
	if o.notifier == nil {
		return
	}
	err := o.notifier.Notify(ctx, msg)
	metrics.IncAlert(err)
	if err != nil {
		o.logger.Error("send alert", zap.Error(err))
	}
}
