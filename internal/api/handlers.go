package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pfcoder/lcd-core/internal/fleet"
	"github.com/pfcoder/lcd-core/internal/miner"
	"github.com/pfcoder/lcd-core/internal/schedule"
)

const defaultRecordWindow = 24 * time.Hour

// batchRequest is the common body of the device batch endpoints.
type batchRequest struct {
	IPs       []string           `json:"ips"`
	Vendor    string             `json:"vendor"`
	TimeoutMs int                `json:"timeout_ms"`
	Pools     []miner.PoolConfig `json:"pools"`
	Mode      string             `json:"mode"`
}

func (req *batchRequest) options() ([]fleet.BatchOption, error) {
	if req.Vendor == "" {
		return nil, nil
	}
	v, err := miner.ParseVendor(req.Vendor)
	if err != nil {
		return nil, err
	}
	return []fleet.BatchOption{fleet.WithVendor(v)}, nil
}

func (s *Server) timeout(ms int) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return s.cfg.Watch.Timeout
}

// decodeBatch reads a batch body and rejects it when no ips are named.
func (s *Server) decodeBatch(w http.ResponseWriter, r *http.Request) (*batchRequest, []fleet.BatchOption, bool) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, nil, false
	}
	if len(req.IPs) == 0 {
		http.Error(w, "ips is required", http.StatusBadRequest)
		return nil, nil, false
	}
	opts, err := req.options()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, nil, false
	}
	return &req, opts, true
}

// handleScan queries a contiguous address range or whole subnets.
// POST /api/scan
// Body: {"ip_base": "192.168.1.0", "offset": 1, "count": 254} or
// {"subnet": "192.168.1.0/24"}; subnet "auto" scans the local networks.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IPBase    string `json:"ip_base"`
		Offset    int    `json:"offset"`
		Count     int    `json:"count"`
		Subnet    string `json:"subnet"`
		TimeoutMs int    `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	timeout := s.timeout(req.TimeoutMs)

	var res *fleet.Result[*miner.MachineInfo]
	switch {
	case req.Subnet != "":
		var ips []string
		if req.Subnet == "auto" {
			for _, subnet := range fleet.LocalSubnets() {
				expanded, err := fleet.ExpandSubnet(subnet)
				if err != nil {
					continue
				}
				ips = append(ips, expanded...)
			}
		} else {
			expanded, err := fleet.ExpandSubnet(req.Subnet)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			ips = expanded
		}
		if len(ips) == 0 {
			http.Error(w, "no addresses to scan", http.StatusBadRequest)
			return
		}
		res = s.fleet.Watch(r.Context(), ips, timeout)
	case req.IPBase != "" && req.Count > 0:
		res = s.fleet.Scan(r.Context(), req.IPBase, req.Offset, req.Count, timeout)
	default:
		http.Error(w, "ip_base and count, or subnet, is required", http.StatusBadRequest)
		return
	}

	s.PublishTelemetry(res.Succeeded)
	s.jsonResponse(w, res)
}

// handleWatch queries a list of known devices.
// POST /api/watch
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	res := s.fleet.Watch(r.Context(), req.IPs, s.timeout(req.TimeoutMs), opts...)
	s.PublishTelemetry(res.Succeeded)
	s.jsonResponse(w, res)
}

// handleReboot reboots a list of devices.
// POST /api/reboot
func (s *Server) handleReboot(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	res := s.fleet.RebootBatch(r.Context(), req.IPs, opts...)
	s.hub.Broadcast(Message{Type: "batch", Data: map[string]interface{}{"op": "reboot", "result": res}})
	s.jsonResponse(w, res)
}

// handleConfigure writes pools, the run mode, or both to devices.
// POST /api/configure
// Body: {"ips": [...], "pools": [{"url": "...", "user": "...", "password": "..."}], "mode": "high-power"}
func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}
	if len(req.Pools) == 0 && req.Mode == "" {
		http.Error(w, "pools or mode is required", http.StatusBadRequest)
		return
	}
	if len(req.Pools) > 3 {
		http.Error(w, "at most three pools are allowed", http.StatusBadRequest)
		return
	}
	var mode miner.RunMode
	if req.Mode != "" {
		mode = miner.ParseRunMode(req.Mode)
	}
	res := s.fleet.ConfigureBatch(r.Context(), req.IPs, req.Pools, mode, opts...)
	s.hub.Broadcast(Message{Type: "batch", Data: map[string]interface{}{"op": "configure", "result": res}})
	s.jsonResponse(w, res)
}

// handleSwitch runs one account switch cycle from the inventory now.
// POST /api/switch
func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	res, err := s.fleet.SwitchFromInventory(r.Context())
	switch {
	case errors.Is(err, fleet.ErrNoInventory):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, schedule.ErrNoActiveWindow):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("switch", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.hub.Broadcast(Message{Type: "batch", Data: map[string]interface{}{"op": "switch", "result": res}})
	s.jsonResponse(w, res)
}

// handleGetMiners returns every device seen by a query.
// GET /api/miners
func (s *Server) handleGetMiners(w http.ResponseWriter, r *http.Request) {
	devices, err := s.storage.GetDevices(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, devices)
}

// handleGetLatest returns the cached snapshot of one device.
// GET /api/miners/{ip}/latest
func (s *Server) handleGetLatest(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	info, ok := s.latest.Get(ip)
	if !ok {
		http.Error(w, "no telemetry for "+ip, http.StatusNotFound)
		return
	}
	s.jsonResponse(w, info)
}

// handleGetRecords returns stored telemetry, oldest first.
// GET /api/records?ip=&start=&end= (unix seconds, default last 24h)
func (s *Server) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end := time.Now().Unix()
	if v := q.Get("end"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid end", http.StatusBadRequest)
			return
		}
		end = parsed
	}
	start := end - int64(defaultRecordWindow/time.Second)
	if v := q.Get("start"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid start", http.StatusBadRequest)
			return
		}
		start = parsed
	}

	records, err := s.storage.QueryRecordsByTime(r.Context(), q.Get("ip"), start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []miner.Record{}
	}
	s.jsonResponse(w, records)
}

// handleClearRecords deletes records created before a cutoff.
// DELETE /api/records?before= (unix seconds)
func (s *Server) handleClearRecords(w http.ResponseWriter, r *http.Request) {
	before, err := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)
	if err != nil {
		http.Error(w, "before is required", http.StatusBadRequest)
		return
	}
	deleted, err := s.storage.ClearRecordsBefore(r.Context(), before)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]int64{"deleted": deleted})
}

// handleTestAlert sends a message through every configured alert sink.
// POST /api/alerts/test
// Body (optional): {"message": "..."}
func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		http.Error(w, "alerts are not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	// Empty body is fine
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Message == "" {
		req.Message = time.Now().Format("15:04:05") + " lcd test alert"
	}

	if err := s.notifier.Notify(r.Context(), req.Message); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.jsonResponse(w, map[string]bool{"success": true})
}

// jsonResponse sends a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encode JSON response", zap.Error(err))
	}
}
