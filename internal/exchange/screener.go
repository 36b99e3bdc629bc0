// screener.go implements the market screening sweep.
//
// One ScreenMarket call fans out to four ranking endpoints and returns four
// ranked lists (gap, volume, momentum, technical). The scheduler calls this
// exactly once per time slot; the sweep self-throttles with a courtesy sleep
// between calls on top of the shared Screen token bucket.
//
// The gap list reuses the fluctuation ranking with the open-relative sort:
// during the pre-market window, when gap slots run, the expected-price change
// rate IS the opening gap. Technical candidates come from the quote-balance
// ranking (bid/ask imbalance is the strongest cheap technical proxy the
// ranking API offers); a composite TechScore is computed locally for every
// row so slot filters can gate on it uniformly.
package exchange

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

const (
	trVolumeRank   = "FHPST01710000"
	trFluctuation  = "FHPST01700000"
	trQuoteBalance = "FHPST01720000"
)

// marketCode maps the screening universe to the broker's input code.
func marketCode(m types.Market) string {
	switch m {
	case types.MarketKOSPI:
		return "0001"
	case types.MarketKOSDAQ:
		return "1001"
	default:
		return "0000"
	}
}

// ScreenMarket runs the four-way ranking sweep. Individual endpoint failures
// degrade to an empty list; the sweep fails only when every list came back
// empty and at least one call errored.
func (c *Client) ScreenMarket(ctx context.Context, market types.Market) (*types.ScreenResult, error) {
	res := &types.ScreenResult{FetchedAt: time.Now()}
	var firstErr error

	keep := func(name string, items []types.ScreenItem, err error) []types.ScreenItem {
		if err != nil {
			c.logger.Warn("screening endpoint failed", "list", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		return items
	}

	gap, err := c.fetchFluctuation(ctx, market, "2")
	res.Gap = keep("gap", gap, err)
	c.courtesySleep(ctx)

	vol, err := c.fetchVolumeRank(ctx, market)
	res.Volume = keep("volume", vol, err)
	c.courtesySleep(ctx)

	mom, err := c.fetchFluctuation(ctx, market, "0")
	res.Momentum = keep("momentum", mom, err)
	c.courtesySleep(ctx)

	tech, err := c.fetchQuoteBalance(ctx, market)
	res.Technical = keep("technical", tech, err)

	if len(res.Gap) == 0 && len(res.Volume) == 0 &&
		len(res.Momentum) == 0 && len(res.Technical) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return res, nil
}

// courtesySleep pauses 50-100ms between screening calls so the sweep never
// bursts the shared REST budget.
func (c *Client) courtesySleep(ctx context.Context) {
	d := time.Duration(50+rand.Intn(51)) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// fetchFluctuation pulls the fluctuation ranking. sortCode "0" ranks by
// change rate (momentum list), "2" by open-relative rate (the gap proxy).
func (c *Client) fetchFluctuation(ctx context.Context, market types.Market, sortCode string) ([]types.ScreenItem, error) {
	params := map[string]string{
		"fid_cond_mrkt_div_code": "J",
		"fid_cond_scr_div_code":  "20170",
		"fid_input_iscd":         marketCode(market),
		"fid_rank_sort_cls_code": sortCode,
		"fid_input_cnt_1":        "0",
		"fid_prc_cls_code":       "0",
		"fid_input_price_1":      "",
		"fid_input_price_2":      "",
		"fid_vol_cnt":            "",
		"fid_trgt_cls_code":      "0",
		"fid_trgt_exls_cls_code": "0",
		"fid_div_cls_code":       "0",
		"fid_rsfl_rate1":         "",
		"fid_rsfl_rate2":         "",
	}
	env, err := c.call(ctx, c.rl.Screen, http.MethodGet, trFluctuation,
		"/uapi/domestic-stock/v1/ranking/fluctuation", params, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol     string `json:"stck_shrn_iscd"`
		Name       string `json:"hts_kor_isnm"`
		Price      string `json:"stck_prpr"`
		ChangeRate string `json:"prdy_ctrt"`
		Volume     string `json:"acml_vol"`
	}
	if err := decodeRows(env, &rows); err != nil {
		return nil, err
	}

	items := make([]types.ScreenItem, 0, len(rows))
	for _, r := range rows {
		if r.Symbol == "" {
			continue
		}
		item := types.ScreenItem{
			Symbol:     r.Symbol,
			Name:       r.Name,
			Price:      atoi64(r.Price),
			ChangeRate: atof(r.ChangeRate),
			Volume:     atoi64(r.Volume),
			Momentum:   atof(r.ChangeRate),
		}
		if sortCode == "2" {
			item.GapRate = item.ChangeRate
		}
		item.TechScore = techScore(item.ChangeRate, item.VolumeRatio, 0)
		items = append(items, item)
	}
	return items, nil
}

func (c *Client) fetchVolumeRank(ctx context.Context, market types.Market) ([]types.ScreenItem, error) {
	params := map[string]string{
		"FID_COND_MRKT_DIV_CODE": "J",
		"FID_COND_SCR_DIV_CODE":  "20171",
		"FID_INPUT_ISCD":         marketCode(market),
		"FID_DIV_CLS_CODE":       "0",
		"FID_BLNG_CLS_CODE":      "1", // vs average volume
		"FID_TRGT_CLS_CODE":      "111111111",
		"FID_TRGT_EXLS_CLS_CODE": "000000",
		"FID_INPUT_PRICE_1":      "",
		"FID_INPUT_PRICE_2":      "",
		"FID_VOL_CNT":            "",
		"FID_INPUT_DATE_1":       "",
	}
	env, err := c.call(ctx, c.rl.Screen, http.MethodGet, trVolumeRank,
		"/uapi/domestic-stock/v1/quotations/volume-rank", params, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol      string `json:"mksc_shrn_iscd"`
		Name        string `json:"hts_kor_isnm"`
		Price       string `json:"stck_prpr"`
		ChangeRate  string `json:"prdy_ctrt"`
		Volume      string `json:"acml_vol"`
		VolumeRatio string `json:"vol_inrt"` // today vs recent average, percent
	}
	if err := decodeRows(env, &rows); err != nil {
		return nil, err
	}

	items := make([]types.ScreenItem, 0, len(rows))
	for _, r := range rows {
		if r.Symbol == "" {
			continue
		}
		ratio := atof(r.VolumeRatio) / 100
		item := types.ScreenItem{
			Symbol:      r.Symbol,
			Name:        r.Name,
			Price:       atoi64(r.Price),
			ChangeRate:  atof(r.ChangeRate),
			Volume:      atoi64(r.Volume),
			VolumeRatio: ratio,
			Momentum:    atof(r.ChangeRate),
		}
		item.TechScore = techScore(item.ChangeRate, ratio, 0)
		items = append(items, item)
	}
	return items, nil
}

func (c *Client) fetchQuoteBalance(ctx context.Context, market types.Market) ([]types.ScreenItem, error) {
	params := map[string]string{
		"fid_cond_mrkt_div_code": "J",
		"fid_cond_scr_div_code":  "20172",
		"fid_input_iscd":         marketCode(market),
		"fid_rank_sort_cls_code": "0", // net buy-side balance first
		"fid_div_cls_code":       "0",
		"fid_trgt_cls_code":      "0",
		"fid_trgt_exls_cls_code": "0",
		"fid_input_price_1":      "",
		"fid_input_price_2":      "",
		"fid_vol_cnt":            "",
	}
	env, err := c.call(ctx, c.rl.Screen, http.MethodGet, trQuoteBalance,
		"/uapi/domestic-stock/v1/ranking/quote-balance", params, nil)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Symbol     string `json:"mksc_shrn_iscd"`
		Name       string `json:"hts_kor_isnm"`
		Price      string `json:"stck_prpr"`
		ChangeRate string `json:"prdy_ctrt"`
		Volume     string `json:"acml_vol"`
		TotalAsk   string `json:"total_askp_rsqn"`
		TotalBid   string `json:"total_bidp_rsqn"`
	}
	if err := decodeRows(env, &rows); err != nil {
		return nil, err
	}

	items := make([]types.ScreenItem, 0, len(rows))
	for _, r := range rows {
		if r.Symbol == "" {
			continue
		}
		imbalance := bidImbalance(atoi64(r.TotalBid), atoi64(r.TotalAsk))
		item := types.ScreenItem{
			Symbol:     r.Symbol,
			Name:       r.Name,
			Price:      atoi64(r.Price),
			ChangeRate: atof(r.ChangeRate),
			Volume:     atoi64(r.Volume),
			Momentum:   atof(r.ChangeRate),
		}
		item.TechScore = techScore(item.ChangeRate, item.VolumeRatio, imbalance)
		items = append(items, item)
	}
	return items, nil
}

// decodeRows unmarshals whichever output field the ranking endpoint used.
func decodeRows(env *kisEnvelope, dst any) error {
	raw := env.Output
	if len(raw) == 0 || string(raw) == "null" {
		raw = env.Output1
	}
	if len(raw) == 0 || string(raw) == "null" {
		return types.NewError(types.ErrDataUnavailable, "ranking response carried no rows")
	}
	return json.Unmarshal(raw, dst)
}

// bidImbalance maps total bid vs ask depth to [-1, 1]; positive means
// buy-side pressure.
func bidImbalance(bid, ask int64) float64 {
	total := bid + ask
	if total == 0 {
		return 0
	}
	return float64(bid-ask) / float64(total)
}

// techScore is the composite 0..100 local technical score used to gate and
// rank screening rows: base 50, change-rate contribution capped at +-25,
// volume-ratio up to +15, book imbalance up to +-10.
func techScore(changeRate, volumeRatio, imbalance float64) float64 {
	s := 50.0
	cr := changeRate * 5
	if cr > 25 {
		cr = 25
	} else if cr < -25 {
		cr = -25
	}
	s += cr
	vr := volumeRatio * 3
	if vr > 15 {
		vr = 15
	}
	s += vr
	s += imbalance * 10
	if s < 0 {
		s = 0
	} else if s > 100 {
		s = 100
	}
	return s
}
