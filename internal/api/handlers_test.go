package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/registry"
	"polymarket-trainbot/internal/store"
)

func testHandlers(t *testing.T) *Handlers {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	cfg := &config.Server{
		DataDir: t.TempDir(),
		API: config.APIConfig{
			CLOBBaseURL:  "http://127.0.0.1:0",
			GammaBaseURL: "http://127.0.0.1:0",
			ChainID:      137,
		},
		Dashboard: config.DashboardConfig{Port: 8000},
	}
	client := exchange.NewClient(cfg.API, logger)
	reg := registry.New(context.Background(), cfg, st, client, nil, logger)
	return NewHandlers(reg, client, NewHub(logger), nil, logger)
}

func doJSON(t *testing.T, fn http.HandlerFunc, method, target string, body any, pathValues map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	decodeBody(t, rec, &resp)
	return resp.Error.Code
}

func createBot(t *testing.T, h *Handlers) config.BotConfig {
	t.Helper()

	rec := doJSON(t, h.HandleCreateBot, "POST", "/api/bots", map[string]any{
		"name":     "btc-hourly",
		"token_id": "7132107",
		"dry_run":  true,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var bot config.BotConfig
	decodeBody(t, rec, &bot)
	return bot
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	rec := doJSON(t, h.HandleHealth, "GET", "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "ok" || body["killswitch"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestCreateBotRedactsSecret(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	bot := createBot(t, h)

	if bot.ID == "" {
		t.Error("no id assigned")
	}
	if bot.WalletSecretEncrypted != "enc:***" {
		t.Errorf("secret in response = %q", bot.WalletSecretEncrypted)
	}
	if bot.StrategyMode != config.ModeSpikeFade {
		t.Errorf("defaults not applied: %+v", bot)
	}
}

func TestCreateBotFromProfile(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	rec := doJSON(t, h.HandleCreateBot, "POST", "/api/bots", map[string]any{
		"name":     "edge-bot",
		"token_id": "7132107",
		"dry_run":  true,
		"profile":  "edge",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var bot config.BotConfig
	decodeBody(t, rec, &bot)
	if bot.SpikeThresholdPct != 12.0 || bot.TradeSizeUSD != 5.0 {
		t.Errorf("edge profile not applied: %+v", bot)
	}

	rec = doJSON(t, h.HandleCreateBot, "POST", "/api/bots", map[string]any{
		"name":     "x",
		"token_id": "1",
		"dry_run":  true,
		"profile":  "nonsense",
	}, nil)
	if rec.Code != http.StatusBadRequest || errCode(t, rec) != "unknown_profile" {
		t.Errorf("unknown profile: status %d code %q", rec.Code, errCode(t, rec))
	}
}

func TestCreateBotValidation(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	rec := doJSON(t, h.HandleCreateBot, "POST", "/api/bots", map[string]any{
		"name":    "no-market",
		"dry_run": true,
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if errCode(t, rec) != "invalid_request" {
		t.Errorf("code = %q", errCode(t, rec))
	}
}

func TestGetBot(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	bot := createBot(t, h)

	rec := doJSON(t, h.HandleGetBot, "GET", "/api/bots/"+bot.ID, nil, map[string]string{"id": bot.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view registry.BotView
	decodeBody(t, rec, &view)
	if view.Bot.ID != bot.ID || view.Status != "stopped" {
		t.Errorf("view = %+v", view)
	}
	if strings.Contains(rec.Body.String(), "enc:unset") {
		t.Error("ciphertext leaked into response")
	}

	rec = doJSON(t, h.HandleGetBot, "GET", "/api/bots/missing", nil, map[string]string{"id": "missing"})
	if rec.Code != http.StatusNotFound || errCode(t, rec) != "not_found" {
		t.Errorf("missing bot: status %d code %q", rec.Code, errCode(t, rec))
	}
}

func TestUpdateBot(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	bot := createBot(t, h)

	rec := doJSON(t, h.HandleUpdateBot, "PUT", "/api/bots/"+bot.ID, map[string]any{
		"name":     "renamed",
		"token_id": "7132107",
		"dry_run":  true,
	}, map[string]string{"id": bot.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var updated config.BotConfig
	decodeBody(t, rec, &updated)
	if updated.Name != "renamed" || updated.ID != bot.ID {
		t.Errorf("updated = %+v", updated)
	}
	if !updated.CreatedAt.Equal(bot.CreatedAt) {
		t.Error("update changed created_at")
	}
}

func TestDeleteBot(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	bot := createBot(t, h)

	rec := doJSON(t, h.HandleDeleteBot, "DELETE", "/api/bots/"+bot.ID, nil, map[string]string{"id": bot.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = doJSON(t, h.HandleGetBot, "GET", "/api/bots/"+bot.ID, nil, map[string]string{"id": bot.ID})
	if rec.Code != http.StatusNotFound {
		t.Errorf("deleted bot still served: %d", rec.Code)
	}
}

// Lifecycle commands against a stopped bot answer 409, not 404 or 500.
func TestCommandsRequireRunningBot(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	bot := createBot(t, h)
	pv := map[string]string{"id": bot.ID}

	cases := []struct {
		name string
		fn   http.HandlerFunc
		body any
	}{
		{"pause", h.HandlePauseBot, nil},
		{"resume", h.HandleResumeBot, nil},
		{"close", h.HandleCloseBot, nil},
		{"trade", h.HandleTradeBot, map[string]any{"side": "BUY", "amount_usd": 5}},
		{"get target", h.HandleGetTarget, nil},
		{"set target", h.HandleSetTarget, map[string]any{"action": "BUY", "price": 0.5}},
		{"activities", h.HandleActivities, nil},
		{"chart data", h.HandleChartData, nil},
		{"spike status", h.HandleSpikeStatus, nil},
		{"orderbook", h.HandleOrderBook, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, tc.fn, "POST", "/api/bots/"+bot.ID+"/x", tc.body, pv)
			if rec.Code != http.StatusConflict || errCode(t, rec) != "bot_not_running" {
				t.Errorf("status %d code %q", rec.Code, errCode(t, rec))
			}
		})
	}
}

func TestTradeRejectsBadSide(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	bot := createBot(t, h)

	rec := doJSON(t, h.HandleTradeBot, "POST", "/api/bots/"+bot.ID+"/trade",
		map[string]any{"side": "HOLD"}, map[string]string{"id": bot.ID})
	if rec.Code != http.StatusBadRequest || errCode(t, rec) != "invalid_side" {
		t.Errorf("status %d code %q", rec.Code, errCode(t, rec))
	}
}

func TestSetTargetRejectsBadPrice(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	bot := createBot(t, h)

	for _, price := range []float64{0, 1, 1.5, -0.2} {
		rec := doJSON(t, h.HandleSetTarget, "POST", "/api/bots/"+bot.ID+"/target",
			map[string]any{"action": "BUY", "price": price}, map[string]string{"id": bot.ID})
		if rec.Code != http.StatusBadRequest || errCode(t, rec) != "invalid_price" {
			t.Errorf("price %v: status %d code %q", price, rec.Code, errCode(t, rec))
		}
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	rec := doJSON(t, h.HandleGetSettings, "GET", "/api/settings", nil, nil)
	var s config.GlobalSettings
	decodeBody(t, rec, &s)
	if s.SlippageTolerance != 0.06 {
		t.Errorf("default settings = %+v", s)
	}

	s.DailyLossLimitUSD = 25
	rec = doJSON(t, h.HandleUpdateSettings, "POST", "/api/settings", s, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h.HandleGetSettings, "GET", "/api/settings", nil, nil)
	decodeBody(t, rec, &s)
	if s.DailyLossLimitUSD != 25 {
		t.Errorf("settings not applied: %+v", s)
	}

	// Invalid settings are rejected and do not stick.
	bad := s
	bad.MaxSpreadPct = 0
	rec = doJSON(t, h.HandleUpdateSettings, "POST", "/api/settings", bad, nil)
	if rec.Code != http.StatusBadRequest || errCode(t, rec) != "invalid_settings" {
		t.Errorf("status %d code %q", rec.Code, errCode(t, rec))
	}
}

func TestProfilesListed(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)
	rec := doJSON(t, h.HandleProfiles, "GET", "/api/profiles", nil, nil)

	var profiles map[string]config.Profile
	decodeBody(t, rec, &profiles)
	for _, name := range []string{"normal", "live", "edge", "custom"} {
		if _, ok := profiles[name]; !ok {
			t.Errorf("profile %q missing", name)
		}
	}
}

func TestKillswitchEndpoint(t *testing.T) {
	t.Parallel()

	h := testHandlers(t)

	// Empty body engages.
	rec := doJSON(t, h.HandleKill, "POST", "/api/kill", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["killswitch"] != true {
		t.Errorf("engage body = %v", body)
	}

	rec = doJSON(t, h.HandleHealth, "GET", "/health", nil, nil)
	decodeBody(t, rec, &body)
	if body["killswitch"] != true {
		t.Error("killswitch not visible in health")
	}

	engage := false
	rec = doJSON(t, h.HandleKill, "POST", "/api/kill", map[string]any{"engage": &engage}, nil)
	decodeBody(t, rec, &body)
	if body["killswitch"] != false {
		t.Errorf("reset body = %v", body)
	}
}
