package adminapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/aras-services/mailauthd/internal/cache"
	"github.com/aras-services/mailauthd/internal/worker"
)

// StatsView is the read-mostly occupancy/counter snapshot returned by
// GET /stats (spec §4.L).
type StatsView struct {
	Cache    cache.Stats  `json:"cache"`
	Worker   worker.Stats `json:"worker"`
	Topology Topology     `json:"topology"`
}

// Topology reports the shape of the pipeline context this process
// constructed at startup — how many passdb/userdb entries are chained,
// and whether a master passdb chain is configured — so an operator can
// confirm a deployment's wiring without reading its config file.
type Topology struct {
	PassdbEntries  int  `json:"passdb_entries"`
	UserdbEntries  int  `json:"userdb_entries"`
	MasterEntries  int  `json:"master_entries"`
	HasMasterChain bool `json:"has_master_chain"`
}

// flushRequest is the POST /cache/flush body (spec §4.L: "validator
// checks the request body ({"reason": "..."}, reason required)").
type flushRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type handlers struct {
	cache    *cache.Cache
	worker   *worker.Pool
	topology Topology
	validate *validator.Validate
	logger   *zap.Logger
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]string{"status": "ok"}, "")
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	view := StatsView{Cache: h.cache.Stats(), Topology: h.topology}
	if h.worker != nil {
		view.Worker = h.worker.Stats()
	}
	writeSuccess(w, view, "stats retrieved")
}

func (h *handlers) cacheFlush(w http.ResponseWriter, r *http.Request) {
	var body flushRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeValidationError(w, "malformed request body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeValidationError(w, err.Error())
		return
	}
	h.cache.Flush()
	h.logger.Info("cache flushed via admin API", zap.String("reason", body.Reason))
	writeSuccess(w, nil, "cache flushed")
}

func (h *handlers) workersDrain(w http.ResponseWriter, r *http.Request) {
	if h.worker == nil {
		writeValidationError(w, "no worker pool configured")
		return
	}
	h.worker.Drain()
	h.logger.Info("worker pool draining via admin API")
	writeSuccess(w, nil, "worker pool draining")
}
