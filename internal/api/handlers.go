package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/executor"
	"polycopy/internal/store"
	"polycopy/pkg/micros"
	"polycopy/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	store   *store.Store
	runtime *config.Runtime
	exec    *executor.Executor
	state   *executor.StateReader
	logger  *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(st *store.Store, runtime *config.Runtime, exec *executor.Executor, state *executor.StateReader, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:   st,
		runtime: runtime,
		exec:    exec,
		state:   state,
		logger:  logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// positionJSON is one open position in the portfolio response.
type positionJSON struct {
	AssetID  string `json:"assetId"`
	MarketID string `json:"marketId"`
	Shares   string `json:"shares"`
}

type exposureJSON struct {
	Key      string `json:"key"`
	Exposure string `json:"exposure"`
}

type metricsJSON struct {
	Equity                 string  `json:"equity"`
	Cash                   string  `json:"cash"`
	Exposure               string  `json:"exposure"`
	Pnl                    string  `json:"pnl"`
	Pnl1h                  string  `json:"pnl1h"`
	Pnl24h                 string  `json:"pnl24h"`
	Pnl7d                  string  `json:"pnl7d"`
	Pnl30d                 string  `json:"pnl30d"`
	ExposurePct            float64 `json:"exposurePct"`
	RiskUtilizationPct     float64 `json:"riskUtilizationPct"`
	MaxDrawdownPct         float64 `json:"maxDrawdownPct"`
	CurrentDrawdownPct     float64 `json:"currentDrawdownPct"`
	DrawdownUtilizationPct float64 `json:"drawdownUtilizationPct"`
}

// HandleGlobalPortfolio returns positions, exposure breakdowns and the
// headline metrics for the executable portfolio.
func (h *Handlers) HandleGlobalPortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := h.state.Read(ctx, types.ScopeExecGlobal, "")
	if err != nil {
		h.logger.Error("read portfolio state", "error", err)
		h.writeError(w, http.StatusInternalServerError, "portfolio state unavailable")
		return
	}

	positions, err := h.store.Positions(ctx, types.ScopeExecGlobal, "*")
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "positions unavailable")
		return
	}
	posOut := make([]positionJSON, 0, len(positions))
	for _, p := range positions {
		posOut = append(posOut, positionJSON{
			AssetID:  p.AssetID,
			MarketID: p.MarketID,
			Shares:   micros.String(p.ShareMicros),
		})
	}

	byMarket := make([]exposureJSON, 0, len(state.ExposureByMarket))
	for k, v := range state.ExposureByMarket {
		byMarket = append(byMarket, exposureJSON{Key: k, Exposure: micros.String(v)})
	}
	byUser := make([]exposureJSON, 0, len(state.ExposureByLeader))
	for k, v := range state.ExposureByLeader {
		byUser = append(byUser, exposureJSON{Key: k, Exposure: micros.String(v)})
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"positions":        posOut,
		"exposureByMarket": byMarket,
		"exposureByUser":   byUser,
		"metrics":          h.buildMetrics(r, state),
	})
}

// buildMetrics derives the dashboard headline numbers from portfolio state
// and the trailing equity snapshots.
func (h *Handlers) buildMetrics(r *http.Request, state *types.PortfolioState) metricsJSON {
	ctx := r.Context()
	gr := h.runtime.Guardrails("")
	equity := state.EquityMicros
	exposure := state.TotalExposureMicros

	cash := micros.Sub(equity, exposure)
	if snap, err := h.store.LatestSnapshot(ctx, types.ScopeExecGlobal, ""); err == nil && snap != nil && !micros.IsZero(snap.CashMicros) {
		cash = snap.CashMicros
	}

	pnlWindow := func(d time.Duration) string {
		base, ok, err := h.store.EquityAt(ctx, types.ScopeExecGlobal, "", time.Now().Add(-d))
		if err != nil || !ok {
			return "0"
		}
		return micros.String(micros.Sub(equity, base))
	}

	drawdown := micros.Sub(state.PeakEquityMicros, equity)
	if drawdown.Sign() < 0 {
		drawdown = micros.Zero()
	}
	drawdownLimit := micros.MulBps(state.PeakEquityMicros, gr.MaxDrawdownLimitBps)

	return metricsJSON{
		Equity:                 micros.String(equity),
		Cash:                   micros.String(cash),
		Exposure:               micros.String(exposure),
		Pnl:                    micros.String(micros.Sub(equity, micros.New(h.runtime.System().InitialBankrollMicros))),
		Pnl1h:                  pnlWindow(time.Hour),
		Pnl24h:                 pnlWindow(24 * time.Hour),
		Pnl7d:                  pnlWindow(7 * 24 * time.Hour),
		Pnl30d:                 pnlWindow(30 * 24 * time.Hour),
		ExposurePct:            pct(exposure, equity),
		RiskUtilizationPct:     pct(exposure, micros.MulBps(equity, gr.MaxTotalExposureBps)),
		MaxDrawdownPct:         float64(gr.MaxDrawdownLimitBps) / 100,
		CurrentDrawdownPct:     pct(drawdown, state.PeakEquityMicros),
		DrawdownUtilizationPct: pct(drawdown, drawdownLimit),
	}
}

func pct(part, whole *big.Int) float64 {
	return float64(micros.RatioBps(part, whole)) / 100
}

// attemptJSON is the wire form of a copy attempt; big quantities render as
// decimal strings.
type attemptJSON struct {
	ID             string             `json:"id"`
	Scope          types.Scope        `json:"scope"`
	FollowedUserID string             `json:"followedUserId,omitempty"`
	GroupKey       string             `json:"groupKey"`
	Decision       types.Decision     `json:"decision"`
	ReasonCodes    []types.ReasonCode `json:"reasonCodes"`
	SourceType     types.SourceType   `json:"sourceType"`
	BufferedCount  int                `json:"bufferedTradeCount"`
	Side           types.Side         `json:"side"`
	AssetID        string             `json:"assetId"`
	MarketID       string             `json:"marketId,omitempty"`
	TargetNotional string             `json:"targetNotional"`
	FilledNotional string             `json:"filledNotional"`
	FilledShares   string             `json:"filledShares"`
	VWAPPrice      int64              `json:"vwapPriceMicros"`
	FilledRatioBps int64              `json:"filledRatioBps"`
	TheirRefPrice  int64              `json:"theirReferencePriceMicros"`
	MidPrice       int64              `json:"midPriceMicrosAtDecision"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// HandleCopyAttempts pages the decision log newest-first.
func (h *Handlers) HandleCopyAttempts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	attempts, total, err := h.store.ListCopyAttempts(r.Context(), limit, q.Get("cursor"), q.Get("assetId"))
	if err != nil {
		h.logger.Error("list attempts", "error", err)
		h.writeError(w, http.StatusInternalServerError, "attempts unavailable")
		return
	}

	items := make([]attemptJSON, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, attemptJSON{
			ID:             a.ID,
			Scope:          a.Scope,
			FollowedUserID: a.FollowedUserID,
			GroupKey:       a.GroupKey,
			Decision:       a.Decision,
			ReasonCodes:    a.ReasonCodes,
			SourceType:     a.SourceType,
			BufferedCount:  a.BufferedTradeCount,
			Side:           a.Side,
			AssetID:        a.AssetID,
			MarketID:       a.MarketID,
			TargetNotional: micros.String(a.TargetNotionalMicros),
			FilledNotional: micros.String(a.FilledNotionalMicros),
			FilledShares:   micros.String(a.FilledShareMicros),
			VWAPPrice:      a.VWAPPriceMicros,
			FilledRatioBps: a.FilledRatioBps,
			TheirRefPrice:  a.TheirReferencePriceMicros,
			MidPrice:       a.MidPriceMicrosAtDecision,
			CreatedAt:      a.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

// HandleFollowedUsers lists the configured leader wallets.
func (h *Handlers) HandleFollowedUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListFollowedUsers(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "followed users unavailable")
		return
	}
	if users == nil {
		users = []types.FollowedUser{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// HandleGetGlobalConfig returns the live global configuration document.
func (h *Handlers) HandleGetGlobalConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.runtime.GlobalDocument())
}

// HandlePostGlobalConfig merges a partial update into the global sections.
func (h *Handlers) HandlePostGlobalConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := h.runtime.ApplyGlobalPatch(body); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, h.runtime.GlobalDocument())
}

// HandleGetUserConfig returns the effective config for one leader.
func (h *Handlers) HandleGetUserConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.runtime.LeaderDocument(r.PathValue("id")))
}

// HandlePostUserConfig merges a per-leader override patch; empty string
// fields mean "inherit the global value".
func (h *Handlers) HandlePostUserConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	id := r.PathValue("id")
	if err := h.runtime.ApplyLeaderPatch(id, body); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, h.runtime.LeaderDocument(id))
}

// HandlePause toggles the copy engine.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	switch req.Action {
	case "PAUSE":
		err := h.runtime.SetCopyEngineEnabled(false)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "RESUME":
		err := h.runtime.SetCopyEngineEnabled(true)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		h.writeError(w, http.StatusBadRequest, "action must be PAUSE or RESUME")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"copyEngineEnabled": h.runtime.System().CopyEngineEnabled,
	})
}

// HandleConfigTest replays the last 24h of recorded groups against the
// current configuration without persisting any decisions.
func (h *Handlers) HandleConfigTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Scope != "GLOBAL" {
		h.writeError(w, http.StatusBadRequest, "scope must be GLOBAL")
		return
	}

	total, executed, skipped, err := h.exec.Replay(r.Context(), time.Now().Add(-24*time.Hour))
	if err != nil {
		h.logger.Error("config replay", "error", err)
		h.writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{
		"total":    total,
		"executed": executed,
		"skipped":  skipped,
	})
}
