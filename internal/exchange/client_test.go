package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

func TestAtoi64(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
	}{
		{"12050", 12050},
		{"+3", 3},
		{"-150", -150},
		{"1234.00", 1234},
		{"", 0},
		{"-", 0},
		{" 500 ", 500},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := atoi64(tt.in); got != tt.want {
			t.Errorf("atoi64(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestAtof(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
	}{
		{"+3.50", 3.5},
		{"-1.25", -1.25},
		{"0.00", 0},
		{"", 0},
		{"-", 0},
	}
	for _, tt := range tests {
		if got := atof(tt.in); got != tt.want {
			t.Errorf("atof(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTimeFromTmd(t *testing.T) {
	t.Parallel()

	got := timeFromTmd("093015")
	if got.Hour() != 9 || got.Minute() != 30 || got.Second() != 15 {
		t.Errorf("timeFromTmd(093015) = %v, want 09:30:15", got)
	}
	if got.Location() != types.KST {
		t.Errorf("location = %v, want KST", got.Location())
	}

	// Malformed input falls back to roughly now.
	before := time.Now().Add(-time.Minute)
	if fb := timeFromTmd("bad"); fb.Before(before) {
		t.Errorf("fallback time %v too old", fb)
	}
}

func TestTrForDemoSwap(t *testing.T) {
	t.Parallel()

	live := &Client{demo: false}
	demo := &Client{demo: true}

	if got := live.trFor("TTTC0802U"); got != "TTTC0802U" {
		t.Errorf("live trFor = %q, want TTTC0802U", got)
	}
	if got := demo.trFor("TTTC0802U"); got != "VTTC0802U" {
		t.Errorf("demo trFor = %q, want VTTC0802U", got)
	}
	// Quotation codes are shared between environments.
	if got := demo.trFor(trQuote); got != trQuote {
		t.Errorf("demo trFor(%s) = %q, want unchanged", trQuote, got)
	}
}

func TestClassifyBroker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		msgCd string
		msg1  string
		want  types.ErrKind
	}{
		{"throttled", "EGW00201", "초당 거래건수를 초과하였습니다", types.ErrRateLimited},
		{"insufficient funds", "APBK0013", "주문가능금액을 초과했습니다", types.ErrInsufficientFunds},
		{"market closed", "APBK0919", "장종료 되었습니다", types.ErrMarketClosed},
		{"closed by keyword", "APBK0100", "주문시간이 아닙니다", types.ErrMarketClosed},
		{"other refusal", "APBK9999", "기타 오류", types.ErrBrokerRejected},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classifyBroker(tt.msgCd, tt.msg1, "/test")
			if got := types.KindOf(err); got != tt.want {
				t.Errorf("classifyBroker(%s) kind = %s, want %s", tt.msgCd, got, tt.want)
			}
		})
	}
}

// newBrokerServer serves auth plus the given handler and returns a Client
// pointed at it.
func newBrokerServer(t *testing.T, demo bool, handle func(w http.ResponseWriter, r *http.Request)) *Client {
	t.Helper()
	var tokens atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/tokenP", func(w http.ResponseWriter, r *http.Request) {
		tokens.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 86400})
	})
	mux.HandleFunc("/", handle)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.BrokerConfig{
		AppKey: "k", AppSecret: "s",
		AccountNo: "12345678", AccountProd: "01",
		Demo: demo, BaseURL: srv.URL,
	}
	return NewClient(cfg, NewTokenManager(cfg, testLogger()), testLogger())
}

func TestGetQuoteDecodesEnvelope(t *testing.T) {
	t.Parallel()
	c := newBrokerServer(t, false, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uapi/domestic-stock/v1/quotations/inquire-price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("FID_INPUT_ISCD"); got != "005930" {
			t.Errorf("FID_INPUT_ISCD = %q", got)
		}
		if got := r.Header.Get("tr_id"); got != trQuote {
			t.Errorf("tr_id = %q, want %s", got, trQuote)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0", "msg_cd": "MCA00000", "msg1": "정상처리",
			"output": map[string]string{
				"stck_prpr": "71500",
				"prdy_vrss": "+500",
				"prdy_ctrt": "+0.70",
				"acml_vol":  "12345678",
				"stck_oprc": "71000",
				"stck_hgpr": "71900",
				"stck_lwpr": "70800",
			},
		})
	})

	q, err := c.GetQuote(context.Background(), "005930")
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if q.Price != 71500 {
		t.Errorf("Price = %d, want 71500", q.Price)
	}
	if q.PrevClose != 71000 {
		t.Errorf("PrevClose = %d, want 71000", q.PrevClose)
	}
	if q.ChangeRate != 0.7 {
		t.Errorf("ChangeRate = %v, want 0.7", q.ChangeRate)
	}
	if q.Source != types.SourceREST {
		t.Errorf("Source = %s, want REST", q.Source)
	}
}

func TestPlaceOrderDemoUsesDemoTr(t *testing.T) {
	t.Parallel()
	c := newBrokerServer(t, true, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("tr_id"); got != "VTTC0802U" {
			t.Errorf("tr_id = %q, want VTTC0802U", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0", "msg_cd": "APBK0000", "msg1": "정상",
			"output": map[string]string{
				"KRX_FWDG_ORD_ORGNO": "06010",
				"ODNO":               "0000112233",
				"ORD_TMD":            "091533",
			},
		})
	})

	res, err := c.PlaceOrder(context.Background(), "000111", types.BUY, 66, 12100)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.BrokerOrderID != "0000112233" {
		t.Errorf("BrokerOrderID = %q", res.BrokerOrderID)
	}
	if res.OrgNo != "06010" {
		t.Errorf("OrgNo = %q, want 06010", res.OrgNo)
	}
}

func TestPlaceOrderRejectionClassified(t *testing.T) {
	t.Parallel()
	c := newBrokerServer(t, false, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "1", "msg_cd": "APBK0013", "msg1": "주문가능금액을 초과했습니다",
		})
	})

	_, err := c.PlaceOrder(context.Background(), "000111", types.BUY, 10, 50000)
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := types.KindOf(err); kind != types.ErrInsufficientFunds {
		t.Errorf("kind = %s, want INSUFFICIENT_FUNDS", kind)
	}
}

func TestPlaceOrderValidatesInput(t *testing.T) {
	t.Parallel()
	c := &Client{}

	_, err := c.PlaceOrder(context.Background(), "000111", types.BUY, 0, 1000)
	if kind := types.KindOf(err); kind != types.ErrValidation {
		t.Errorf("qty=0 kind = %s, want VALIDATION", kind)
	}
	_, err = c.PlaceOrder(context.Background(), "000111", types.SELL, 10, 0)
	if kind := types.KindOf(err); kind != types.ErrValidation {
		t.Errorf("price=0 kind = %s, want VALIDATION", kind)
	}
}

func TestCancelOrderRequiresOrgNo(t *testing.T) {
	t.Parallel()
	c := &Client{}

	err := c.CancelOrder(context.Background(), "12345", "")
	if kind := types.KindOf(err); kind != types.ErrValidation {
		t.Errorf("missing org no kind = %s, want VALIDATION", kind)
	}
}

func TestListDayOrdersDecodesRows(t *testing.T) {
	t.Parallel()
	c := newBrokerServer(t, false, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0", "msg_cd": "MCA00000", "msg1": "ok",
			"output1": []map[string]string{
				{
					"odno": "0001", "krx_fwdg_ord_orgno": "06010", "pdno": "000111",
					"sll_buy_dvsn_cd": "02", "ord_qty": "66", "tot_ccld_qty": "66",
					"rmn_qty": "0", "ord_unpr": "12100", "ord_tmd": "091533", "cncl_yn": "N",
				},
				{
					"odno": "0002", "krx_fwdg_ord_orgno": "06010", "pdno": "000222",
					"sll_buy_dvsn_cd": "01", "ord_qty": "10", "tot_ccld_qty": "0",
					"rmn_qty": "10", "ord_unpr": "5000", "ord_tmd": "101000", "cncl_yn": "Y",
				},
			},
		})
	})

	orders, err := c.ListDayOrders(context.Background())
	if err != nil {
		t.Fatalf("ListDayOrders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}
	if orders[0].Side != types.BUY || orders[0].FilledQty != 66 {
		t.Errorf("order[0] = %+v", orders[0])
	}
	if orders[1].Side != types.SELL || !orders[1].Cancelled {
		t.Errorf("order[1] = %+v", orders[1])
	}
}

func TestGetBalanceDecodesTotalsAndHoldings(t *testing.T) {
	t.Parallel()
	c := newBrokerServer(t, false, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0", "msg_cd": "MCA00000", "msg1": "ok",
			"output1": []map[string]string{
				{"pdno": "005930", "prdt_name": "삼성전자", "hldg_qty": "10", "pchs_avg_pric": "71000.00"},
				{"pdno": "", "prdt_name": "", "hldg_qty": "0", "pchs_avg_pric": "0"},
			},
			"output2": []map[string]string{
				{
					"dnca_tot_amt": "10000000", "tot_evlu_amt": "10715000",
					"scts_evlu_amt": "715000", "evlu_pfls_smtl_amt": "5000",
				},
			},
		})
	})

	bal, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.CashAvailable != 10_000_000 {
		t.Errorf("CashAvailable = %d", bal.CashAvailable)
	}
	if len(bal.Holdings) != 1 {
		t.Fatalf("holdings = %d, want 1 (empty row dropped)", len(bal.Holdings))
	}
	if bal.Holdings[0].Symbol != "005930" || bal.Holdings[0].AvgCost != 71000 {
		t.Errorf("holding = %+v", bal.Holdings[0])
	}
}
