package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/registry"
	"polymarket-trainbot/internal/session"
	"polymarket-trainbot/internal/strategy"
	"polymarket-trainbot/pkg/types"
)

// Handlers holds the REST and WebSocket endpoint implementations.
type Handlers struct {
	reg      *registry.Registry
	client   *exchange.Client
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(reg *registry.Registry, client *exchange.Client, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	return &Handlers{
		reg:    reg,
		client: client,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger.With("component", "api"),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: message}})
}

// writeRegistryErr maps registry errors onto HTTP statuses.
func writeRegistryErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, registry.ErrBotRunning):
		writeErr(w, http.StatusConflict, "bot_running", err.Error())
	default:
		writeErr(w, http.StatusBadRequest, "invalid_request", err.Error())
	}
}

// HandleHealth implements GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"time":       time.Now().UTC(),
		"killswitch": h.reg.Killswitch(),
	})
}

// HandleListBots implements GET /api/bots.
func (h *Handlers) HandleListBots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.List())
}

// HandleCreateBot implements POST /api/bots.
func (h *Handlers) HandleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req botRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Profile != "" {
		p, ok := config.Profiles()[req.Profile]
		if !ok {
			writeErr(w, http.StatusBadRequest, "unknown_profile", "unknown profile "+strconv.Quote(req.Profile))
			return
		}
		req.BotConfig.ApplyProfile(p)
	}

	bot, err := h.reg.Create(req.BotConfig, req.WalletSecret)
	if err != nil {
		writeRegistryErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bot)
}

// HandleGetBot implements GET /api/bots/{id}. A running bot returns the
// live session snapshot; a stopped one returns its config and status.
func (h *Handlers) HandleGetBot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if sess, ok := h.reg.Session(id); ok {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}
	view, err := h.reg.Get(id)
	if err != nil {
		writeRegistryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleUpdateBot implements PUT /api/bots/{id}.
func (h *Handlers) HandleUpdateBot(w http.ResponseWriter, r *http.Request) {
	var req botRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	bot, err := h.reg.Update(r.PathValue("id"), req.BotConfig, req.WalletSecret)
	if err != nil {
		writeRegistryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bot)
}

// HandleDeleteBot implements DELETE /api/bots/{id}. ?force=true stops a
// running bot first.
func (h *Handlers) HandleDeleteBot(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := h.reg.Delete(r.Context(), r.PathValue("id"), force); err != nil {
		writeRegistryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// HandleStartBot implements POST /api/bots/{id}/start.
func (h *Handlers) HandleStartBot(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Start(r.Context(), r.PathValue("id")); err != nil {
		writeRegistryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// HandleStopBot implements POST /api/bots/{id}/stop.
func (h *Handlers) HandleStopBot(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.Stop(r.Context(), r.PathValue("id")); err != nil {
		writeRegistryErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

// HandlePauseBot implements POST /api/bots/{id}/pause.
func (h *Handlers) HandlePauseBot(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, s *session.Session) error {
		return s.Pause(ctx)
	})
}

// HandleResumeBot implements POST /api/bots/{id}/resume.
func (h *Handlers) HandleResumeBot(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, s *session.Session) error {
		return s.Resume(ctx)
	})
}

// HandleCloseBot implements POST /api/bots/{id}/close.
func (h *Handlers) HandleCloseBot(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, s *session.Session) error {
		return s.ClosePosition(ctx)
	})
}

// HandleTradeBot implements POST /api/bots/{id}/trade.
func (h *Handlers) HandleTradeBot(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	side := types.Side(req.Side)
	if side != types.BUY && side != types.SELL {
		writeErr(w, http.StatusBadRequest, "invalid_side", "side must be BUY or SELL")
		return
	}

	h.withSession(w, r, func(ctx context.Context, s *session.Session) error {
		return s.ManualTrade(ctx, side, req.AmountUSD)
	})
}

// HandleGetTarget implements GET /api/bots/{id}/target.
func (h *Handlers) HandleGetTarget(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.reg.Session(r.PathValue("id"))
	if !ok {
		writeErr(w, http.StatusConflict, "bot_not_running", "bot is not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": sess.Snapshot().Target})
}

// HandleSetTarget implements POST /api/bots/{id}/target.
func (h *Handlers) HandleSetTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Price <= 0 || req.Price >= 1 {
		writeErr(w, http.StatusBadRequest, "invalid_price", "price must be in (0, 1)")
		return
	}

	action := types.Side(req.Action)
	var cond strategy.Condition
	switch action {
	case types.BUY:
		cond = strategy.CondAtOrBelow
	case types.SELL:
		cond = strategy.CondAtOrAbove
	default:
		writeErr(w, http.StatusBadRequest, "invalid_side", "action must be BUY or SELL")
		return
	}

	h.withSession(w, r, func(ctx context.Context, s *session.Session) error {
		return s.SetTarget(ctx, strategy.Target{
			Action:    action,
			Price:     req.Price,
			Condition: cond,
			Reason:    "manual_target",
			CreatedAt: time.Now().UTC(),
		})
	})
}

// HandleActivities implements GET /api/bots/{id}/activities?limit=N.
func (h *Handlers) HandleActivities(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.reg.Session(r.PathValue("id"))
	if !ok {
		writeErr(w, http.StatusConflict, "bot_not_running", "bot is not running")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	writeJSON(w, http.StatusOK, sess.Activities(limit))
}

// HandleChartData implements GET /api/bots/{id}/chart-data?points=N.
func (h *Handlers) HandleChartData(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.reg.Session(r.PathValue("id"))
	if !ok {
		writeErr(w, http.StatusConflict, "bot_not_running", "bot is not running")
		return
	}
	points, _ := strconv.Atoi(r.URL.Query().Get("points"))
	if points <= 0 {
		points = 600
	}
	writeJSON(w, http.StatusOK, sess.ChartData(points))
}

// HandleSpikeStatus implements GET /api/bots/{id}/spike-status.
func (h *Handlers) HandleSpikeStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.reg.Session(r.PathValue("id"))
	if !ok {
		writeErr(w, http.StatusConflict, "bot_not_running", "bot is not running")
		return
	}
	writeJSON(w, http.StatusOK, sess.SpikeStatus())
}

// HandleOrderBook implements GET /api/bots/{id}/orderbook.
func (h *Handlers) HandleOrderBook(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.reg.Session(r.PathValue("id"))
	if !ok {
		writeErr(w, http.StatusConflict, "bot_not_running", "bot is not running")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	book, err := h.client.GetOrderBook(ctx, sess.TokenID(), 10)
	if err != nil {
		writeErr(w, http.StatusBadGateway, "orderbook_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"book":    book,
		"metrics": exchange.ComputeBookMetrics(book),
	})
}

// HandleGetSettings implements GET /api/settings.
func (h *Handlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reg.Settings())
}

// HandleUpdateSettings implements POST /api/settings.
func (h *Handlers) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var s config.GlobalSettings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.reg.UpdateSettings(s); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_settings", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// HandleProfiles implements GET /api/profiles.
func (h *Handlers) HandleProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.Profiles())
}

// HandleKill implements POST /api/kill. An empty body engages.
func (h *Handlers) HandleKill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	engage := true
	if req.Engage != nil {
		engage = *req.Engage
	}
	h.reg.SetKillswitch(engage)
	writeJSON(w, http.StatusOK, map[string]any{"killswitch": engage})
}

// HandleWebSocket implements GET /ws: upgrade, send the init snapshot,
// then stream bus events.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn, h.initEvent())
}

// initEvent is the first frame every dashboard client receives.
func (h *Handlers) initEvent() types.Event {
	bots := h.reg.List()
	snapshots := make(map[string]session.Snapshot)
	for _, view := range bots {
		if sess, ok := h.reg.Session(view.Bot.ID); ok {
			snapshots[view.Bot.ID] = sess.Snapshot()
		}
	}
	return types.Event{
		Type:      types.EvtInit,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"bots":       bots,
			"sessions":   snapshots,
			"settings":   h.reg.Settings(),
			"killswitch": h.reg.Killswitch(),
		},
	}
}

// withSession runs fn against the bot's running session.
func (h *Handlers) withSession(w http.ResponseWriter, r *http.Request, fn func(context.Context, *session.Session) error) {
	sess, ok := h.reg.Session(r.PathValue("id"))
	if !ok {
		writeErr(w, http.StatusConflict, "bot_not_running", "bot is not running")
		return
	}
	if err := fn(r.Context(), sess); err != nil {
		writeErr(w, http.StatusBadRequest, "command_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}
