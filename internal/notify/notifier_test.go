package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-trader/internal/execution"
	"token-trader/internal/storage"
	"token-trader/internal/storage/memory"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	amount := decimal.RequireFromString("12.5")
	note := Notification{At: time.Now(), Action: "enter", State: "confirmed", AssetID: 7, Symbol: "TKN", Address: "0xabc", Amount: &amount, TxID: "0xtx"}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"ENTER confirmed", "TKN (0xabc)", "Amount: 12.5", "Tx: 0xtx"} {
		if !strings.Contains(text, want) {
			t.Fatalf("消息缺少 %q: %s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{At: time.Now()}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

type captured struct {
	notes []Notification
	err   error
}

func (c *captured) Notify(_ context.Context, note Notification) error {
	c.notes = append(c.notes, note)
	return c.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	a, b := &captured{}, &captured{err: errors.New("down")}
	err := Fanout{a, b, NewLogNotifier(testLogger())}.Notify(context.Background(), Notification{})
	if err == nil {
		t.Fatal("子通知器失败时应返回错误")
	}
	if len(a.notes) != 1 || len(b.notes) != 1 {
		t.Fatalf("每个通知器都应收到消息: %d %d", len(a.notes), len(b.notes))
	}
}

func TestTradesFiltersResults(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	asset, err := store.UpsertAsset(ctx, storage.NewAsset{Address: "0xabc", Symbol: "TKN"})
	if err != nil {
		t.Fatalf("创建资产失败: %v", err)
	}

	sink := &captured{}
	trades := NewTrades(sink, store, time.Second, testLogger())

	trades.OnResult(ctx, execution.Result{Action: execution.ActionEnter, State: execution.Rejected, Class: execution.ClassContention, AssetID: asset.ID})
	if len(sink.notes) != 0 {
		t.Fatalf("竞争拒绝不应通知: %#v", sink.notes)
	}

	pos := storage.Position{WalletID: 2, EntryAmount: decimal.NewFromInt(4), EntryCost: decimal.RequireFromString("0.1"), EntryTx: "0xentry"}
	trades.OnResult(ctx, execution.Result{Action: execution.ActionEnter, State: execution.Confirmed, AssetID: asset.ID, Position: &pos})
	trades.OnResult(ctx, execution.Result{Action: execution.ActionEnter, State: execution.Rejected, Class: execution.ClassPartial, AssetID: asset.ID})

	if len(sink.notes) != 2 {
		t.Fatalf("应发送 2 条通知, 实际 %d", len(sink.notes))
	}
	first := sink.notes[0]
	if first.Symbol != "TKN" || first.TxID != "0xentry" || first.WalletID != 2 {
		t.Fatalf("通知内容不正确: %#v", first)
	}
	if !sink.notes[1].Alert {
		t.Fatal("部分执行应标记为告警")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
