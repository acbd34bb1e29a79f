package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func fastClient() ClientOptions {
	return ClientOptions{Timeout: time.Second, Retries: 2, RetryInitial: time.Millisecond}
}

func TestNumberTolerantDecoding(t *testing.T) {
	var payload struct {
		A Number `json:"a"`
		B Number `json:"b"`
		C Number `json:"c"`
		D Number `json:"d"`
		E Number `json:"e"`
	}
	raw := `{"a": 12.5, "b": "7", "c": null, "d": "", "e": "n/a"}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("宽松解析不应报错: %v", err)
	}
	if !payload.A.Decimal().Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("数字解析错误: %s", payload.A.Decimal())
	}
	if payload.B.Count() != 7 {
		t.Fatalf("字符串数字解析错误: %d", payload.B.Count())
	}
	for name, n := range map[string]Number{"c": payload.C, "d": payload.D, "e": payload.E} {
		if n.Valid() {
			t.Fatalf("字段 %s 应为无效", name)
		}
		if n.CountPtr() != nil || n.Flag() != nil {
			t.Fatalf("无效字段 %s 不应产生可选值", name)
		}
	}
}

func TestSaturatingConversion(t *testing.T) {
	huge := decimal.RequireFromString("1e40")
	if got := SaturateInt64(huge); got != math.MaxInt64 {
		t.Fatalf("应饱和到 MaxInt64, 实际 %d", got)
	}
	if got := SaturateInt64(huge.Neg()); got != math.MinInt64 {
		t.Fatalf("应饱和到 MinInt64, 实际 %d", got)
	}
	if got := SaturateInt64(decimal.RequireFromString("41.9")); got != 41 {
		t.Fatalf("应截断小数, 实际 %d", got)
	}
	if got := SaturateDecimal(huge); !got.Equal(maxStored) {
		t.Fatalf("应饱和到列上限, 实际 %s", got)
	}
	if got := SaturateDecimal(huge.Neg()); !got.Equal(minStored) {
		t.Fatalf("应饱和到列下限, 实际 %s", got)
	}
	if got := NumberOf(decimal.NewFromInt(-5)).Count(); got != 0 {
		t.Fatalf("负数计数应钳制为 0, 实际 %d", got)
	}
}

func TestChunk(t *testing.T) {
	got := Chunk([]string{"a", "b", "c", "d", "e"}, 2)
	if len(got) != 3 || len(got[2]) != 1 {
		t.Fatalf("分批结果错误: %v", got)
	}
	if Chunk(nil, 30) != nil {
		t.Fatal("空输入应返回 nil")
	}
}

func TestDexScreenerBatchesAndPicksDeepestPair(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasPrefix(r.URL.Path, "/tokens/v1/ethereum/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		addrs := strings.Split(strings.TrimPrefix(r.URL.Path, "/tokens/v1/ethereum/"), ",")
		if len(addrs) > 2 {
			t.Errorf("batch too large: %d", len(addrs))
		}
		var pairs []map[string]any
		for _, a := range addrs {
			pairs = append(pairs,
				map[string]any{
					"pairAddress": "0xshallow" + a,
					"baseToken":   map[string]string{"address": strings.ToUpper(a), "symbol": "T"},
					"priceUsd":    "0.5",
					"liquidity":   map[string]any{"usd": 100},
				},
				map[string]any{
					"pairAddress": "0xdeep" + a,
					"baseToken":   map[string]string{"address": a, "symbol": "T"},
					"priceUsd":    "0.51",
					"liquidity":   map[string]any{"usd": 5000},
					"txns":        map[string]any{"h24": map[string]any{"buys": 120, "sells": "40"}},
					"volume":      map[string]any{"h24": 999.5},
					"marketCap":   "1e30",
				},
			)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pairs)
	}))
	defer srv.Close()

	src := NewDexScreener(DexScreenerOptions{BaseURL: srv.URL, Chain: "ethereum", BatchSize: 2, Client: fastClient()}, noopLogger())
	got, err := src.Lookup(context.Background(), []string{"0xa", "0xb", "0xc"})
	if err != nil {
		t.Fatalf("查询不应报错: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("期望 2 次批量请求, 实际 %d", calls.Load())
	}
	if len(got) != 3 {
		t.Fatalf("期望 3 条记录, 实际 %d", len(got))
	}
	rec := got["0xb"]
	if rec.PairAddress != "0xdeep0xb" {
		t.Fatalf("应选择流动性最高的交易对, 实际 %s", rec.PairAddress)
	}
	if rec.TxBuys != 120 || rec.TxSells != 40 {
		t.Fatalf("交易数解析错误: %d/%d", rec.TxBuys, rec.TxSells)
	}
	if !rec.MarketCap.Equal(maxStored) {
		t.Fatalf("市值应被饱和, 实际 %s", rec.MarketCap)
	}
}

func TestDexScreenerRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	src := NewDexScreener(DexScreenerOptions{BaseURL: srv.URL, Client: fastClient()}, noopLogger())
	if _, err := src.Lookup(context.Background(), []string{"0xa"}); err != nil {
		t.Fatalf("429 后重试应成功: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("期望 3 次请求, 实际 %d", calls.Load())
	}
}

func TestDexScreenerClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	src := NewDexScreener(DexScreenerOptions{BaseURL: srv.URL, Client: fastClient()}, noopLogger())
	_, err := src.Lookup(context.Background(), []string{"0xa"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("应返回 400 StatusError, 实际 %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx 不应重试, 实际请求 %d 次", calls.Load())
	}
}

func TestGoPlusLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/token_security/1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("contract_addresses") != "0xa,0xb" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"code":1,"message":"OK","result":{"0xA":{"holder_count":"321","is_mintable":"1","is_open_source":"0","buy_tax":"0.05","sell_tax":""}}}`))
	}))
	defer srv.Close()

	src := NewGoPlus(GoPlusOptions{BaseURL: srv.URL, Client: fastClient()}, noopLogger())
	got, err := src.Lookup(context.Background(), []string{"0xa", "0xb"})
	if err != nil {
		t.Fatalf("查询不应报错: %v", err)
	}
	rec, ok := got["0xa"]
	if !ok {
		t.Fatal("地址应被规范化为小写")
	}
	if rec.HolderCount == nil || *rec.HolderCount != 321 {
		t.Fatalf("持有人数解析错误: %v", rec.HolderCount)
	}
	if rec.Mintable == nil || !*rec.Mintable || rec.OpenSource == nil || *rec.OpenSource {
		t.Fatal("审计标记解析错误")
	}
	if rec.SellTax != nil {
		t.Fatal("空卖出税应为 nil")
	}
}

type stubSource struct {
	name    string
	records map[string]Record
	err     error
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) Lookup(context.Context, []string) (map[string]Record, error) {
	return s.records, s.err
}

func TestCompositeMergesAndDegrades(t *testing.T) {
	holders := int64(50)
	primary := stubSource{name: "p", records: map[string]Record{"0xa": {Address: "0xa", Price: decimal.NewFromInt(1)}}}
	secondary := stubSource{name: "s", records: map[string]Record{"0xa": {HolderCount: &holders}, "0xz": {}}}
	broken := stubSource{name: "b", err: errors.New("boom")}

	c := NewComposite(primary, []Source{broken, secondary}, noopLogger())
	got, err := c.Lookup(context.Background(), []string{"0xa"})
	if err != nil {
		t.Fatalf("次要数据源失败不应影响结果: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("只应返回主数据源已知的地址, 实际 %d", len(got))
	}
	if got["0xa"].HolderCount == nil || *got["0xa"].HolderCount != 50 {
		t.Fatal("应合并次要数据源字段")
	}

	c = NewComposite(stubSource{name: "p", err: errors.New("down")}, nil, noopLogger())
	if _, err := c.Lookup(context.Background(), []string{"0xa"}); err == nil {
		t.Fatal("主数据源失败应返回错误")
	}
}
