// Package exchange implements the broker OpenAPI REST and WebSocket clients.
//
// The REST client (Client) talks to the KIS-style domestic-stock API:
//   - GetQuote:       GET  /uapi/domestic-stock/v1/quotations/inquire-price
//   - GetOrderbook:   GET  /uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn
//   - GetDailySeries: GET  /uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice
//   - PlaceOrder:     POST /uapi/domestic-stock/v1/trading/order-cash
//   - CancelOrder:    POST /uapi/domestic-stock/v1/trading/order-rvsecncl
//   - ListDayOrders:  GET  /uapi/domestic-stock/v1/trading/inquire-daily-ccld
//   - GetBalance:     GET  /uapi/domestic-stock/v1/trading/inquire-balance
//   - ScreenMarket:   four ranking endpoints fanned out by screener.go
//
// Every request is rate-limited via per-category TokenBuckets, retried on 5xx,
// authenticated with a Bearer token plus app key headers, and the tr_id code
// is swapped automatically for the demo (paper trading) environment. Broker
// responses arrive in an rt_cd/msg1/output envelope with every numeric field
// encoded as a string; decoding stays in this package.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tgparkk/StockBot-sub002/internal/config"
	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// StreamCap is the broker-imposed limit on concurrent realtime registrations.
// A symbol consumes two (trade print + orderbook).
const StreamCap = 41

// trID codes per transaction. The demo environment prefixes order and
// account transactions with V instead of T.
const (
	trQuote     = "FHKST01010100"
	trOrderbook = "FHKST01010200"
	trDaily     = "FHKST03010100"
)

// OrderResult is the broker's acknowledgement of a submitted order. OrgNo is
// the KRX forwarding organization number; it must be stored because cancel
// requires it.
type OrderResult struct {
	BrokerOrderID string
	OrgNo         string
	SubmittedAt   time.Time
}

// kisEnvelope is the uniform response wrapper. rt_cd "0" means success;
// anything else carries a msg_cd/msg1 pair describing the refusal.
type kisEnvelope struct {
	RtCd    string          `json:"rt_cd"`
	MsgCd   string          `json:"msg_cd"`
	Msg1    string          `json:"msg1"`
	Output  json.RawMessage `json:"output"`
	Output1 json.RawMessage `json:"output1"`
	Output2 json.RawMessage `json:"output2"`
}

// Client is the broker REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http     *resty.Client
	auth     *TokenManager
	rl       *RateLimiter
	acctNo   string
	acctProd string
	demo     bool
	logger   *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.BrokerConfig, auth *TokenManager, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json; charset=utf-8")

	return &Client{
		http:     httpClient,
		auth:     auth,
		rl:       NewRateLimiter(cfg.Demo),
		acctNo:   cfg.AccountNo,
		acctProd: cfg.AccountProd,
		demo:     cfg.Demo,
		logger:   logger.With("component", "broker"),
	}
}

// trFor resolves a live tr_id to its demo counterpart when needed.
func (c *Client) trFor(live string) string {
	if c.demo && strings.HasPrefix(live, "T") {
		return "V" + live[1:]
	}
	return live
}

// call performs one authenticated request with envelope decoding. It retries
// once after re-auth when the broker reports an expired token, and once
// after a short sleep when it reports throttling.
func (c *Client) call(ctx context.Context, bucket *TokenBucket, method, trID, path string,
	params map[string]string, body any) (*kisEnvelope, error) {

	if err := bucket.Wait(ctx); err != nil {
		return nil, types.WrapError(types.ErrShutdown, err, "%s %s", method, path)
	}

	for attempt := 0; ; attempt++ {
		headers, err := c.auth.authHeaders(ctx, trID)
		if err != nil {
			return nil, err
		}

		var env kisEnvelope
		req := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetResult(&env)
		if params != nil {
			req.SetQueryParams(params)
		}
		if body != nil {
			req.SetBody(body)
		}

		var resp *resty.Response
		if method == http.MethodGet {
			resp, err = req.Get(path)
		} else {
			resp, err = req.Post(path)
		}
		if err != nil {
			return nil, types.WrapError(types.ErrTransport, err, "%s %s", method, path)
		}

		// Expired token: re-issue once and replay.
		if attempt == 0 && (resp.StatusCode() == http.StatusUnauthorized || env.MsgCd == "EGW00123") {
			c.logger.Warn("access token rejected, re-issuing", "msg_cd", env.MsgCd)
			c.auth.Invalidate()
			continue
		}
		// Throttled: one courtesy sleep and replay.
		if attempt == 0 && (resp.StatusCode() == http.StatusTooManyRequests || env.MsgCd == "EGW00201") {
			c.logger.Warn("rate limited by broker, backing off", "path", path)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		if resp.StatusCode() != http.StatusOK {
			return nil, types.NewError(types.ErrTransport,
				"%s %s: status %d: %s", method, path, resp.StatusCode(), resp.String())
		}
		if env.RtCd != "0" {
			return nil, classifyBroker(env.MsgCd, env.Msg1, path)
		}
		return &env, nil
	}
}

// classifyBroker maps an envelope refusal to an error kind. The broker
// reports most order-path failures only through Korean msg1 text, so a few
// keyword matches are unavoidable.
func classifyBroker(msgCd, msg1, path string) error {
	switch {
	case msgCd == "EGW00201":
		return types.NewError(types.ErrRateLimited, "%s: %s", path, msg1)
	case strings.Contains(msg1, "가능금액") || strings.Contains(msg1, "잔고") && strings.Contains(msg1, "부족"):
		return types.NewError(types.ErrInsufficientFunds, "%s: %s", path, msg1)
	case msgCd == "APBK0919" || strings.Contains(msg1, "장종료") || strings.Contains(msg1, "주문시간"):
		return types.NewError(types.ErrMarketClosed, "%s: %s", path, msg1)
	default:
		return types.NewError(types.ErrBrokerRejected, "%s: [%s] %s", path, msgCd, msg1)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Quotations
// ————————————————————————————————————————————————————————————————————————

// GetQuote fetches the current price snapshot for one symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	params := map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         symbol,
	}
	env, err := c.call(ctx, c.rl.Quote, http.MethodGet, trQuote,
		"/uapi/domestic-stock/v1/quotations/inquire-price", params, nil)
	if err != nil {
		return nil, fmt.Errorf("get quote %s: %w", symbol, err)
	}

	var out struct {
		Price      string `json:"stck_prpr"`
		PrevDiff   string `json:"prdy_vrss"`
		ChangeRate string `json:"prdy_ctrt"`
		Volume     string `json:"acml_vol"`
		Open       string `json:"stck_oprc"`
		High       string `json:"stck_hgpr"`
		Low        string `json:"stck_lwpr"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return nil, fmt.Errorf("get quote %s: decode output: %w", symbol, err)
	}

	price := atoi64(out.Price)
	if price <= 0 {
		return nil, types.NewError(types.ErrNotFound, "get quote %s: empty price", symbol)
	}
	return &types.Quote{
		Symbol:     symbol,
		Price:      price,
		ChangeRate: atof(out.ChangeRate),
		Volume:     atoi64(out.Volume),
		Open:       atoi64(out.Open),
		High:       atoi64(out.High),
		Low:        atoi64(out.Low),
		PrevClose:  price - atoi64(out.PrevDiff),
		Timestamp:  time.Now(),
		Source:     types.SourceREST,
	}, nil
}

// GetOrderbook fetches the ten-level depth snapshot for one symbol.
func (c *Client) GetOrderbook(ctx context.Context, symbol string) (*types.Orderbook, error) {
	params := map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         symbol,
	}
	env, err := c.call(ctx, c.rl.Quote, http.MethodGet, trOrderbook,
		"/uapi/domestic-stock/v1/quotations/inquire-asking-price-exp-ccn", params, nil)
	if err != nil {
		return nil, fmt.Errorf("get orderbook %s: %w", symbol, err)
	}

	// Levels arrive as forty individually named fields; decode to a map and
	// index by suffix.
	var out map[string]string
	if err := json.Unmarshal(env.Output1, &out); err != nil {
		return nil, fmt.Errorf("get orderbook %s: decode output: %w", symbol, err)
	}

	book := &types.Orderbook{
		Symbol:    symbol,
		Asks:      make([]types.OrderbookLevel, 0, 10),
		Bids:      make([]types.OrderbookLevel, 0, 10),
		TotalAsk:  atoi64(out["total_askp_rsqn"]),
		TotalBid:  atoi64(out["total_bidp_rsqn"]),
		Timestamp: time.Now(),
	}
	for i := 1; i <= 10; i++ {
		book.Asks = append(book.Asks, types.OrderbookLevel{
			Price: atoi64(out[fmt.Sprintf("askp%d", i)]),
			Qty:   atoi64(out[fmt.Sprintf("askp_rsqn%d", i)]),
		})
		book.Bids = append(book.Bids, types.OrderbookLevel{
			Price: atoi64(out[fmt.Sprintf("bidp%d", i)]),
			Qty:   atoi64(out[fmt.Sprintf("bidp_rsqn%d", i)]),
		})
	}
	return book, nil
}

// GetDailySeries fetches up to n OHLCV bars for the given period
// (D daily, W weekly, M monthly), ordered oldest to newest.
func (c *Client) GetDailySeries(ctx context.Context, symbol, period string, n int) ([]types.Candle, error) {
	switch period {
	case "D", "W", "M":
	default:
		return nil, types.NewError(types.ErrValidation, "daily series: bad period %q", period)
	}
	if n <= 0 {
		return nil, types.NewError(types.ErrValidation, "daily series: n must be > 0")
	}

	// Calendar span padded for weekends and holidays.
	days := n * 2
	switch period {
	case "W":
		days = n * 8
	case "M":
		days = n * 32
	}
	now := time.Now().In(types.KST)
	params := map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_INPUT_ISCD":         symbol,
		"FID_INPUT_DATE_1":       now.AddDate(0, 0, -days).Format("20060102"),
		"FID_INPUT_DATE_2":       now.Format("20060102"),
		"FID_PERIOD_DIV_CODE":    period,
		"FID_ORG_ADJ_PRC":        "0", // adjusted prices
	}
	env, err := c.call(ctx, c.rl.Quote, http.MethodGet, trDaily,
		"/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice", params, nil)
	if err != nil {
		return nil, fmt.Errorf("get daily %s: %w", symbol, err)
	}

	var rows []struct {
		Date   string `json:"stck_bsop_date"`
		Open   string `json:"stck_oprc"`
		High   string `json:"stck_hgpr"`
		Low    string `json:"stck_lwpr"`
		Close  string `json:"stck_clpr"`
		Volume string `json:"acml_vol"`
	}
	if err := json.Unmarshal(env.Output2, &rows); err != nil {
		return nil, fmt.Errorf("get daily %s: decode output: %w", symbol, err)
	}

	// Broker returns newest first, sometimes with empty padding rows.
	candles := make([]types.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		if r.Date == "" {
			continue
		}
		candles = append(candles, types.Candle{
			Date:   r.Date,
			Open:   atoi64(r.Open),
			High:   atoi64(r.High),
			Low:    atoi64(r.Low),
			Close:  atoi64(r.Close),
			Volume: atoi64(r.Volume),
		})
	}
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return candles, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trading
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder submits a limit order and returns the broker order id plus the
// KRX forwarding org number needed for cancellation.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side types.Side, qty, limitPrice int64) (*OrderResult, error) {
	if qty <= 0 || limitPrice <= 0 {
		return nil, types.NewError(types.ErrValidation,
			"place order %s: qty=%d price=%d", symbol, qty, limitPrice)
	}

	trID := c.trFor("TTTC0802U") // buy
	if side == types.SELL {
		trID = c.trFor("TTTC0801U")
	}
	body := map[string]string{
		"CANO":         c.acctNo,
		"ACNT_PRDT_CD": c.acctProd,
		"PDNO":         symbol,
		"ORD_DVSN":     "00", // limit order
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     strconv.FormatInt(limitPrice, 10),
	}
	env, err := c.call(ctx, c.rl.Order, http.MethodPost, trID,
		"/uapi/domestic-stock/v1/trading/order-cash", nil, body)
	if err != nil {
		return nil, fmt.Errorf("place order %s %s: %w", side, symbol, err)
	}

	var out struct {
		OrgNo   string `json:"KRX_FWDG_ORD_ORGNO"`
		OrderNo string `json:"ODNO"`
		Tmd     string `json:"ORD_TMD"`
	}
	if err := json.Unmarshal(env.Output, &out); err != nil {
		return nil, fmt.Errorf("place order %s %s: decode output: %w", side, symbol, err)
	}
	if out.OrderNo == "" {
		return nil, types.NewError(types.ErrBrokerRejected,
			"place order %s %s: no order number in response", side, symbol)
	}

	c.logger.Info("order submitted",
		"symbol", symbol, "side", side, "qty", qty, "price", limitPrice,
		"order_no", out.OrderNo)
	return &OrderResult{
		BrokerOrderID: out.OrderNo,
		OrgNo:         out.OrgNo,
		SubmittedAt:   timeFromTmd(out.Tmd),
	}, nil
}

// CancelOrder cancels the full remaining quantity of a resting order.
// Both the broker order id and the forwarding org number are required.
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID, orgNo string) error {
	if brokerOrderID == "" || orgNo == "" {
		return types.NewError(types.ErrValidation,
			"cancel order: order id and org no are both required")
	}
	body := map[string]string{
		"CANO":              c.acctNo,
		"ACNT_PRDT_CD":      c.acctProd,
		"KRX_FWDG_ORD_ORGNO": orgNo,
		"ORGN_ODNO":         brokerOrderID,
		"ORD_DVSN":          "00",
		"RVSE_CNCL_DVSN_CD": "02", // cancel (01 = revise)
		"ORD_QTY":           "0",
		"ORD_UNPR":          "0",
		"QTY_ALL_ORD_YN":    "Y",
	}
	_, err := c.call(ctx, c.rl.Order, http.MethodPost, c.trFor("TTTC0803U"),
		"/uapi/domestic-stock/v1/trading/order-rvsecncl", nil, body)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", brokerOrderID, err)
	}
	c.logger.Info("order cancelled", "order_no", brokerOrderID)
	return nil
}

// ListDayOrders returns every order submitted today, filled or not.
func (c *Client) ListDayOrders(ctx context.Context) ([]types.DayOrder, error) {
	today := time.Now().In(types.KST).Format("20060102")
	params := map[string]string{
		"CANO":            c.acctNo,
		"ACNT_PRDT_CD":    c.acctProd,
		"INQR_STRT_DT":    today,
		"INQR_END_DT":     today,
		"SLL_BUY_DVSN_CD": "00", // both sides
		"INQR_DVSN":       "00",
		"PDNO":            "",
		"CCLD_DVSN":       "00", // filled and unfilled
		"ORD_GNO_BRNO":    "",
		"ODNO":            "",
		"INQR_DVSN_3":     "00",
		"INQR_DVSN_1":     "",
		"CTX_AREA_FK100":  "",
		"CTX_AREA_NK100":  "",
	}
	env, err := c.call(ctx, c.rl.Account, http.MethodGet, c.trFor("TTTC8001R"),
		"/uapi/domestic-stock/v1/trading/inquire-daily-ccld", params, nil)
	if err != nil {
		return nil, fmt.Errorf("list day orders: %w", err)
	}

	var rows []struct {
		OrderNo   string `json:"odno"`
		OrgNo     string `json:"krx_fwdg_ord_orgno"`
		Symbol    string `json:"pdno"`
		SideCode  string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
		Qty       string `json:"ord_qty"`
		FilledQty string `json:"tot_ccld_qty"`
		Remaining string `json:"rmn_qty"`
		Price     string `json:"ord_unpr"`
		Tmd       string `json:"ord_tmd"`
		CancelYn  string `json:"cncl_yn"`
	}
	if err := json.Unmarshal(env.Output1, &rows); err != nil {
		return nil, fmt.Errorf("list day orders: decode output: %w", err)
	}

	orders := make([]types.DayOrder, 0, len(rows))
	for _, r := range rows {
		if r.OrderNo == "" {
			continue
		}
		side := types.BUY
		if r.SideCode == "01" {
			side = types.SELL
		}
		orders = append(orders, types.DayOrder{
			BrokerOrderID: r.OrderNo,
			OrgNo:         r.OrgNo,
			Symbol:        r.Symbol,
			Side:          side,
			Qty:           atoi64(r.Qty),
			FilledQty:     atoi64(r.FilledQty),
			RemainingQty:  atoi64(r.Remaining),
			LimitPrice:    atoi64(r.Price),
			SubmittedAt:   timeFromTmd(r.Tmd),
			Cancelled:     r.CancelYn == "Y",
		})
	}
	return orders, nil
}

// GetBalance returns the account snapshot: cash, valuations, and holdings.
func (c *Client) GetBalance(ctx context.Context) (*types.Balance, error) {
	params := map[string]string{
		"CANO":                  c.acctNo,
		"ACNT_PRDT_CD":          c.acctProd,
		"AFHR_FLPR_YN":          "N",
		"OFL_YN":                "",
		"INQR_DVSN":             "02",
		"UNPR_DVSN":             "01",
		"FUND_STTL_ICLD_YN":     "N",
		"FNCG_AMT_AUTO_RDPT_YN": "N",
		"PRCS_DVSN":             "00",
		"CTX_AREA_FK100":        "",
		"CTX_AREA_NK100":        "",
	}
	env, err := c.call(ctx, c.rl.Account, http.MethodGet, c.trFor("TTTC8434R"),
		"/uapi/domestic-stock/v1/trading/inquire-balance", params, nil)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}

	var holdRows []struct {
		Symbol  string `json:"pdno"`
		Name    string `json:"prdt_name"`
		Qty     string `json:"hldg_qty"`
		AvgCost string `json:"pchs_avg_pric"`
	}
	if err := json.Unmarshal(env.Output1, &holdRows); err != nil {
		return nil, fmt.Errorf("get balance: decode holdings: %w", err)
	}
	var totals []struct {
		Cash       string `json:"dnca_tot_amt"`
		TotalValue string `json:"tot_evlu_amt"`
		StockValue string `json:"scts_evlu_amt"`
		PnL        string `json:"evlu_pfls_smtl_amt"`
	}
	if err := json.Unmarshal(env.Output2, &totals); err != nil {
		return nil, fmt.Errorf("get balance: decode totals: %w", err)
	}

	bal := &types.Balance{}
	if len(totals) > 0 {
		bal.CashAvailable = atoi64(totals[0].Cash)
		bal.TotalValue = atoi64(totals[0].TotalValue)
		bal.StockValue = atoi64(totals[0].StockValue)
		bal.UnrealizedPnL = atoi64(totals[0].PnL)
	}
	for _, h := range holdRows {
		qty := atoi64(h.Qty)
		if h.Symbol == "" || qty <= 0 {
			continue
		}
		bal.Holdings = append(bal.Holdings, types.Holding{
			Symbol:  h.Symbol,
			Name:    strings.TrimSpace(h.Name),
			Qty:     qty,
			AvgCost: int64(atof(h.AvgCost)),
		})
	}
	return bal, nil
}

// ————————————————————————————————————————————————————————————————————————
// String-field decoding helpers
// ————————————————————————————————————————————————————————————————————————

// atoi64 parses a broker numeric string, tolerating blanks, signs, and
// decimal tails ("12050", "+3", "1234.00", "-").
func atoi64(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" || s == "+" {
		return 0
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "+"), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// atof parses a broker rate string ("+3.50" → 3.5).
func atof(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" || s == "+" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimPrefix(s, "+"), 64)
	if err != nil {
		return 0
	}
	return v
}

// timeFromTmd turns an HHMMSS order timestamp into a full time today (KST).
// Falls back to now when the field is blank or malformed.
func timeFromTmd(tmd string) time.Time {
	now := time.Now().In(types.KST)
	if len(tmd) != 6 {
		return now
	}
	h := int(atoi64(tmd[0:2]))
	m := int(atoi64(tmd[2:4]))
	s := int(atoi64(tmd[4:6]))
	return time.Date(now.Year(), now.Month(), now.Day(), h, m, s, 0, types.KST)
}
