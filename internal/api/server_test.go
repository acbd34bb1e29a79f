package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-trader/internal/chain"
	"token-trader/internal/execution"
	"token-trader/internal/storage"
	"token-trader/internal/storage/memory"
)

const testSecret = "s3cret"

type fixture struct {
	store  *memory.Store
	hub    *Hub
	server *Server
	asset  storage.Asset
}

func newFixture(t *testing.T, wallets int, secret string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	specs := make([]storage.WalletSpec, 0, wallets)
	for i := 0; i < wallets; i++ {
		specs = append(specs, storage.WalletSpec{
			Address:       fmt.Sprintf("0xw%02d", i),
			SpendPerEntry: decimal.RequireFromString("0.1"),
			Enabled:       true,
		})
	}
	require.NoError(t, store.SyncWallets(ctx, specs))

	asset, err := store.UpsertAsset(ctx, storage.NewAsset{Address: "0xtoken", Symbol: "TKN", Name: "Token"})
	require.NoError(t, err)
	asset, err = store.ApplyEnrichment(ctx, asset.ID, storage.AggregateUpdate{
		Symbol:        "TKN",
		Name:          "Token",
		PairAddress:   "0xpair",
		LastPrice:     decimal.RequireFromString("0.5"),
		LastLiquidity: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)

	paper := chain.NewPaper(chain.PriceFunc(func(context.Context, string) (decimal.Decimal, error) {
		return decimal.RequireFromString("0.5"), nil
	}))
	hub := NewHub(store, zerolog.Nop())
	engine := execution.New(store, paper, execution.Options{MaxSellAttempts: 2}, zerolog.Nop(), hub)
	srv := NewServer(Options{JWTSecret: secret}, store, engine, hub, zerolog.Nop())
	return &fixture{store: store, hub: hub, server: srv, asset: asset}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGetAssetSnapshot(t *testing.T) {
	f := newFixture(t, 1, "")

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/assets/%d", f.asset.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "TKN", snap.Symbol)
	assert.True(t, snap.LastPrice.Equal(decimal.RequireFromString("0.5")))
	assert.Nil(t, snap.Position)
	assert.Nil(t, snap.MarkToMarket)
}

func TestGetAssetErrors(t *testing.T) {
	f := newFixture(t, 1, "")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/assets/999", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/assets/abc", "", nil).Code)
}

func TestForceEnterRequiresToken(t *testing.T) {
	f := newFixture(t, 1, testSecret)
	path := fmt.Sprintf("/api/assets/%d/enter", f.asset.ID)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, path, "", nil).Code)

	forged, err := IssueToken("other", "ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, path, forged, nil).Code)

	token, err := IssueToken(testSecret, "ops", time.Minute)
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, path, token, map[string]any{"reason": "manual"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res ResultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, execution.Confirmed, res.State)
	assert.Equal(t, "manual", res.Reason)
	require.NotNil(t, res.Position)
	assert.True(t, res.Position.Open)
	assert.NotEmpty(t, res.RequestID)
}

func TestSnapshotShowsOpenPosition(t *testing.T) {
	f := newFixture(t, 1, "")
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/assets/%d/enter", f.asset.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/assets/%d", f.asset.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.Position)
	require.NotNil(t, snap.BoundWalletID)
	require.NotNil(t, snap.MarkToMarket)
	// 0.1 spent at 0.5 buys 0.2 tokens, valued back at 0.1.
	assert.True(t, snap.MarkToMarket.Equal(decimal.RequireFromString("0.1")), snap.MarkToMarket.String())

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/assets/%d/exit", f.asset.ID), "", map[string]any{"archive": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res ResultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Archived)
	require.NotNil(t, res.Position)
	assert.False(t, res.Position.Open)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/assets/%d", f.asset.ID), "", nil)
	snap = Snapshot{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.True(t, snap.Finalized)
	assert.Nil(t, snap.BoundWalletID)
	assert.Nil(t, snap.MarkToMarket)
	require.NotNil(t, snap.Position)
	assert.Equal(t, "forced", *snap.Position.Outcome)
}

func TestForceOverrideStatuses(t *testing.T) {
	f := newFixture(t, 0, "")

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/assets/%d/enter", f.asset.ID), "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/assets/%d/exit", f.asset.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res ResultView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Archived, "exit without a position archives the asset")

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/assets/%d/enter", f.asset.ID), "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/assets/999/enter", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/assets/%d/exit", f.asset.ID), strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	bad := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestListEndpoints(t *testing.T) {
	f := newFixture(t, 2, "")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, fmt.Sprintf("/api/assets/%d/enter", f.asset.ID), "", nil).Code)

	var wallets []WalletView
	rec := f.do(t, http.MethodGet, "/api/wallets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallets))
	require.Len(t, wallets, 2)
	bound := 0
	for _, w := range wallets {
		if w.BoundAssetID != nil {
			bound++
		}
	}
	assert.Equal(t, 1, bound)

	var positions []PositionView
	rec = f.do(t, http.MethodGet, "/api/positions?open=true", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, f.asset.ID, positions[0].AssetID)

	var assets []Snapshot
	rec = f.do(t, http.MethodGet, "/api/assets", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &assets))
	require.Len(t, assets, 1)
	assert.NotNil(t, assets[0].Position)
}

func TestMetricsMounted(t *testing.T) {
	store := memory.NewStore()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("tokentrader_up 1\n"))
	})
	srv := NewServer(Options{Metrics: metrics}, store, nil, nil, zerolog.Nop())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tokentrader_up")
}

func TestWebsocketPushesStateChanges(t *testing.T) {
	f := newFixture(t, 1, "")
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/assets/%d/enter", f.asset.ID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt Event
	require.NoError(t, json.Unmarshal(msg, &evt))
	assert.Equal(t, EventSnapshot, evt.Type)
	require.NotNil(t, evt.Snapshot)
	assert.Equal(t, f.asset.ID, evt.Snapshot.AssetID)
	require.NotNil(t, evt.Snapshot.Position)
	assert.True(t, evt.Snapshot.Position.Open)
}

func TestHubIgnoresRejectedResults(t *testing.T) {
	f := newFixture(t, 1, "")
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	f.hub.OnResult(context.Background(), execution.Result{AssetID: f.asset.ID, State: execution.Rejected})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "rejected results must not be pushed")
}
