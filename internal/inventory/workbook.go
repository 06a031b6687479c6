// Package inventory reads the fleet roster and switching timetable from an
// XLSX workbook.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/pfcoder/lcd-core/internal/fleet"
	"github.com/pfcoder/lcd-core/internal/miner"
	"github.com/pfcoder/lcd-core/internal/schedule"
)

// Machine sheet columns.
const (
	colVendor     = 0
	colPosition   = 2
	colIP         = 3
	colStatus     = 4
	colAccount    = 8
	colPool       = 9
	colAltAccount = 10
	colAltPool    = 11
	colMode       = 12
	colAltMode    = 13
	colNote       = 14
)

const (
	avalonPoolPrefix = "stratum+tcp://"
	accountPassword  = "auto"
)

// Config names the workbook and its sheets. An empty MachineSheets list
// means every sheet that is not one of the lookup sheets.
type Config struct {
	Path             string   `json:"path"`
	MachineSheets    []string `json:"machineSheets"`
	PoolSheet        string   `json:"poolSheet"`
	AccountTimeSheet string   `json:"accountTimeSheet"`
	PerfTimeSheet    string   `json:"perfTimeSheet"`
}

// Workbook implements fleet.Inventory over an XLSX file. The file is
// re-read on every Load so edits apply on the next cycle.
type Workbook struct {
	cfg    Config
	logger *zap.Logger
}

// NewWorkbook creates a Workbook. A nil logger discards output.
func NewWorkbook(cfg Config, logger *zap.Logger) *Workbook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workbook{cfg: cfg, logger: logger.Named("inventory")}
}

func (w *Workbook) Load(ctx context.Context) (*fleet.ScheduleInputs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := excelize.OpenFile(w.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open workbook %s: %w", w.cfg.Path, err)
	}
	defer f.Close()

	return w.parse(f)
}

func (w *Workbook) parse(f *excelize.File) (*fleet.ScheduleInputs, error) {
	pools, err := readPools(f, w.cfg.PoolSheet)
	if err != nil {
		return nil, err
	}

	accountWindows, err := readWindows(f, w.cfg.AccountTimeSheet)
	if err != nil {
		return nil, err
	}
	perfWindows, err := readWindows(f, w.cfg.PerfTimeSheet)
	if err != nil {
		return nil, err
	}

	in := &fleet.ScheduleInputs{
		AccountWindows: accountWindows,
		PerfWindows:    perfWindows,
	}
	for _, sheet := range w.machineSheets(f) {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		for i, row := range rows {
			if i == 0 {
				continue
			}
			m, ok := w.machineFromRow(row, pools)
			if !ok {
				continue
			}
			in.Machines = append(in.Machines, m)
		}
	}

	w.logger.Info("inventory loaded",
		zap.Int("machines", len(in.Machines)),
		zap.Int("pools", len(pools)),
		zap.Int("accountWindows", len(accountWindows)),
		zap.Int("perfWindows", len(perfWindows)),
	)
	return in, nil
}

func (w *Workbook) machineSheets(f *excelize.File) []string {
	if len(w.cfg.MachineSheets) > 0 {
		return w.cfg.MachineSheets
	}
	lookup := map[string]bool{
		w.cfg.PoolSheet:        true,
		w.cfg.AccountTimeSheet: true,
		w.cfg.PerfTimeSheet:    true,
	}
	var sheets []string
	for _, name := range f.GetSheetList() {
		if !lookup[name] {
			sheets = append(sheets, name)
		}
	}
	return sheets
}

// machineFromRow builds a machine, skipping rows with an unknown vendor,
// no address, or accounts whose pool type does not resolve to three pools.
func (w *Workbook) machineFromRow(row []string, pools map[string][]string) (miner.Machine, bool) {
	vendor, err := miner.ParseVendor(cell(row, colVendor))
	if err != nil || vendor == miner.VendorUnknown {
		return miner.Machine{}, false
	}
	ip := cell(row, colIP)
	if ip == "" {
		return miner.Machine{}, false
	}

	name, poolKey := cell(row, colAccount), cell(row, colPool)
	if name == "" || poolKey == "" {
		return miner.Machine{}, false
	}
	account, ok := buildAccount(name, lookupPools(pools, poolKey, vendor), cell(row, colMode))
	if !ok {
		w.logger.Debug("skipping row without usable pools", zap.String("ip", ip), zap.String("pool", poolKey))
		return miner.Machine{}, false
	}

	m := miner.Machine{
		IP:      ip,
		Vendor:  vendor,
		Status:  miner.ParseStatus(cell(row, colStatus)),
		Account: account,
		Note:    cell(row, colPosition) + " " + cell(row, colNote),
	}

	if altName := cell(row, colAltAccount); altName != "" {
		alt, ok := buildAccount(altName, lookupPools(pools, cell(row, colAltPool), vendor), cell(row, colAltMode))
		if !ok {
			w.logger.Debug("skipping row without usable alternate pools", zap.String("ip", ip))
			return miner.Machine{}, false
		}
		m.Alternate = &alt
	}
	return m, true
}

func buildAccount(name string, pools []string, mode string) (miner.Account, bool) {
	if len(pools) != 3 {
		return miner.Account{}, false
	}
	a := miner.Account{
		Name:     name,
		Password: accountPassword,
		Pool1:    pools[0],
		Pool2:    pools[1],
		Pool3:    pools[2],
		RunMode:  miner.ParseRunMode(mode),
	}
	return a, a.Usable()
}

// lookupPools resolves a pool type. Avalon devices take scheme-qualified
// URLs.
func lookupPools(pools map[string][]string, key string, vendor miner.Vendor) []string {
	urls, ok := pools[key]
	if !ok {
		return nil
	}
	prefix := ""
	if vendor == miner.VendorAvalon {
		prefix = avalonPoolPrefix
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		out = append(out, prefix+u)
	}
	return out
}

// readPools reads "type, pool1, pool2, pool3" rows.
func readPools(f *excelize.File, sheet string) (map[string][]string, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read pool sheet %s: %w", sheet, err)
	}
	pools := make(map[string][]string, len(rows))
	for _, row := range rows {
		key := cell(row, 0)
		if key == "" || len(row) < 4 {
			continue
		}
		pools[key] = []string{cell(row, 1), cell(row, 2), cell(row, 3)}
	}
	return pools, nil
}

// readWindows reads "label, start, end" rows after the header.
func readWindows(f *excelize.File, sheet string) ([]schedule.TimeWindow, error) {
	if sheet == "" {
		return nil, nil
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read time sheet %s: %w", sheet, err)
	}
	var windows []schedule.TimeWindow
	for i, row := range rows {
		if i == 0 || cell(row, 0) == "" {
			continue
		}
		w, err := schedule.NewTimeWindow(cell(row, 1), cell(row, 2), cell(row, 0))
		if err != nil {
			return nil, fmt.Errorf("sheet %s row %d: %w", sheet, i+1, err)
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
