package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/queue"
)

// Handlers implements the monitoring and operations endpoints
type Handlers struct {
	store     *queue.Store
	intake    *queue.Intake
	bus       *events.Bus
	accounts  []config.Account
	byAccount map[string]config.Account
	broker    BrokerStatus
	startedAt time.Time
	log       zerolog.Logger
}

// NewHandlers creates the API handlers
func NewHandlers(store *queue.Store, intake *queue.Intake, bus *events.Bus, accounts []config.Account, broker BrokerStatus, log zerolog.Logger) *Handlers {
	byAccount := make(map[string]config.Account, len(accounts))
	for _, acc := range accounts {
		byAccount[acc.AccountID] = acc
	}
	return &Handlers{
		store:     store,
		intake:    intake,
		bus:       bus,
		accounts:  accounts,
		byAccount: byAccount,
		broker:    broker,
		startedAt: time.Now(),
		log:       log.With().Str("component", "api").Logger(),
	}
}

// admitRequest is the POST /api/events body
type admitRequest struct {
	AccountID string                 `json:"account_id"`
	Command   string                 `json:"command"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// rebalanceRequest is the POST /api/accounts/{accountID}/rebalance body
type rebalanceRequest struct {
	DryRun  bool                   `json:"dry_run,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// accountView is the JSON shape for configured accounts
type accountView struct {
	AccountID          string            `json:"account_id"`
	TradingMode        string            `json:"trading_mode"`
	AllocationChannel  string            `json:"allocation_channel"`
	CashReservePercent float64           `json:"cash_reserve_percent"`
	RebalanceSchedule  string            `json:"rebalance_schedule,omitempty"`
	Replacements       map[string]string `json:"replacements,omitempty"`
}

// HandleLiveness answers the process liveness probe
// GET /health
func (h *Handlers) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleQueueHealth reports the operator-facing health rule: healthy means
// no event has needed a retry and nothing is waiting out a market close
// GET /api/health
func (h *Handlers) HandleQueueHealth(w http.ResponseWriter, r *http.Request) {
	healthy, err := h.store.Healthy()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stats, err := h.store.Stats(time.Now())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]interface{}{
		"healthy": healthy,
		"stats":   stats,
	})
}

// HandleListEvents lists queue contents
// GET /api/events?state=active|delayed|all
func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		state = "active"
	}

	var list []*queue.Event
	var err error
	switch state {
	case "active":
		list, err = h.store.ListActive()
	case "delayed":
		list, err = h.store.ListDelayed()
	case "all":
		var delayed []*queue.Event
		list, err = h.store.ListActive()
		if err == nil {
			delayed, err = h.store.ListDelayed()
			list = append(list, delayed...)
		}
	default:
		h.writeError(w, http.StatusBadRequest, "state must be active, delayed or all")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if list == nil {
		list = []*queue.Event{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": list,
		"count":  len(list),
	})
}

// HandleQueueStats returns queue depth and age statistics
// GET /api/events/stats
func (h *Handlers) HandleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(time.Now())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// HandleAdmitEvent admits an event through the same intake as external
// triggers, so deduplication applies to manual submissions too
// POST /api/events
func (h *Handlers) HandleAdmitEvent(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, ok := h.byAccount[req.AccountID]; !ok {
		h.writeError(w, http.StatusNotFound, "unknown account")
		return
	}

	command := queue.Command(req.Command)
	if !command.Valid() {
		h.writeError(w, http.StatusBadRequest, "unknown command")
		return
	}

	result, err := h.intake.Admit(req.AccountID, command, req.Payload)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusAccepted
	if result.Deduplicated {
		// Idempotent re-trigger, nothing new was queued
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

// HandleGetEvent returns one event by id
// GET /api/events/{eventID}
func (h *Handlers) HandleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	event, err := h.store.Get(eventID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if event == nil {
		h.writeError(w, http.StatusNotFound, "event not found")
		return
	}
	h.writeJSON(w, http.StatusOK, event)
}

// HandleRemoveEvent is the manual escape hatch for stuck events. Removal is
// the only way an event leaves the system other than terminal success.
// DELETE /api/events/{eventID}
func (h *Handlers) HandleRemoveEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	removed, err := h.store.Remove(eventID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		h.writeError(w, http.StatusNotFound, "event not found")
		return
	}

	h.log.Info().Str("event_id", eventID).Msg("Event removed by operator")
	h.bus.EmitData("api", &events.EventRemovedData{EventID: eventID})
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// HandleListAccounts lists the configured accounts
// GET /api/accounts
func (h *Handlers) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	views := make([]accountView, 0, len(h.accounts))
	for _, acc := range h.accounts {
		views = append(views, accountView{
			AccountID:          acc.AccountID,
			TradingMode:        acc.TradingMode,
			AllocationChannel:  acc.AllocationChannel,
			CashReservePercent: acc.CashReservePercent,
			RebalanceSchedule:  acc.RebalanceSchedule,
			Replacements:       acc.Replacements,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": views,
		"count":    len(views),
	})
}

// HandleTriggerRebalance admits a rebalance for one account
// POST /api/accounts/{accountID}/rebalance
func (h *Handlers) HandleTriggerRebalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if _, ok := h.byAccount[accountID]; !ok {
		h.writeError(w, http.StatusNotFound, "unknown account")
		return
	}

	var req rebalanceRequest
	if r.Body != nil {
		// An empty body means a plain rebalance
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	command := queue.CommandRebalance
	if req.DryRun {
		command = queue.CommandDryRunRebalance
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["source"] = "api"

	result, err := h.intake.Admit(accountID, command, payload)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusAccepted
	if result.Deduplicated {
		status = http.StatusOK
	}
	h.writeJSON(w, status, result)
}

// HandleSystemStatus reports process and host level status
// GET /api/system/status
func (h *Handlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuAvg, memUsed := h.getSystemStats()

	stats, err := h.store.Stats(time.Now())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
		"cpu_percent":    cpuAvg,
		"memory_percent": memUsed,
		"broker": map[string]interface{}{
			"connected":    h.broker.IsConnected(),
			"trading_mode": h.broker.TradingMode(),
		},
		"queue": stats,
	})
}

// getSystemStats calculates CPU and RAM usage percentages.
// Uses a 100ms CPU sampling interval to keep the endpoint fast.
func (h *Handlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
