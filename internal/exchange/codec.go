// codec.go decodes the realtime WebSocket wire format.
//
// The broker multiplexes two frame styles over one socket:
//
//   - Control frames are JSON: subscribe/unsubscribe acknowledgements carrying
//     an rt_cd/msg1 body, and PINGPONG keepalives that must be echoed back
//     verbatim.
//
//   - Data frames are plain text: "flag|tr_id|count|payload" where flag 0
//     means plaintext (1 would be AES-encrypted, which we never request),
//     count is the number of records batched in the frame, and payload is
//     caret-separated fields for all records back to back.
//
// Field positions are fixed by the broker. Only the indices the bot consumes
// are named here; the stride is derived from the record count so appended
// trailing fields in a future API revision do not break decoding.
package exchange

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tgparkk/StockBot-sub002/pkg/types"
)

// Realtime tr_id codes. One symbol subscription registers both.
const (
	trStreamTrade = "H0STCNT0" // trade prints
	trStreamBook  = "H0STASP0" // orderbook snapshots
)

// Minimum fields per record the decoder needs to see.
const (
	tradeFieldMin = 14 // through ACML_VOL
	bookFieldMin  = 45 // through total bid quantity
)

// wsRequest is the outgoing subscribe/unsubscribe message.
type wsRequest struct {
	Header wsRequestHeader `json:"header"`
	Body   wsRequestBody   `json:"body"`
}

type wsRequestHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"` // "1" subscribe, "2" unsubscribe
	ContentType string `json:"content-type"`
}

type wsRequestBody struct {
	Input wsRequestInput `json:"input"`
}

type wsRequestInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"` // symbol
}

func newStreamRequest(approvalKey, trID, symbol string, subscribe bool) wsRequest {
	trType := "1"
	if !subscribe {
		trType = "2"
	}
	return wsRequest{
		Header: wsRequestHeader{
			ApprovalKey: approvalKey,
			CustType:    "P",
			TrType:      trType,
			ContentType: "utf-8",
		},
		Body: wsRequestBody{Input: wsRequestInput{TrID: trID, TrKey: symbol}},
	}
}

// controlFrame is a decoded JSON control message. For PINGPONG frames only
// TrID and Raw are meaningful; Raw is echoed back unchanged.
type controlFrame struct {
	TrID  string
	TrKey string
	RtCd  string
	MsgCd string
	Msg1  string
	Raw   []byte
}

// IsPing reports whether this is a keepalive that must be echoed.
func (c *controlFrame) IsPing() bool { return c.TrID == "PINGPONG" }

// AckOK reports whether a subscribe/unsubscribe acknowledgement succeeded.
// The broker answers an already-registered subscribe with its own msg code,
// which the caller treats as success (subscribe is idempotent).
func (c *controlFrame) AckOK() bool {
	return c.RtCd == "0" || strings.Contains(c.Msg1, "ALREADY IN SUBSCRIBE")
}

// isDataFrame reports whether raw is a delimited data frame rather than a
// JSON control message.
func isDataFrame(raw []byte) bool {
	return len(raw) > 0 && (raw[0] == '0' || raw[0] == '1')
}

// parseControlFrame decodes a JSON control message.
func parseControlFrame(raw []byte) (*controlFrame, error) {
	var msg struct {
		Header struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"header"`
		Body struct {
			RtCd  string `json:"rt_cd"`
			MsgCd string `json:"msg_cd"`
			Msg1  string `json:"msg1"`
		} `json:"body"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("control frame: %w", err)
	}
	return &controlFrame{
		TrID:  msg.Header.TrID,
		TrKey: msg.Header.TrKey,
		RtCd:  msg.Body.RtCd,
		MsgCd: msg.Body.MsgCd,
		Msg1:  msg.Body.Msg1,
		Raw:   raw,
	}, nil
}

// parseDataFrame decodes one delimited frame into stream events. A frame may
// batch several records; each becomes its own event.
func parseDataFrame(raw []byte) ([]types.StreamEvent, error) {
	parts := strings.SplitN(string(raw), "|", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("data frame: want 4 segments, got %d", len(parts))
	}
	if parts[0] == "1" {
		// Encrypted payload; subscriptions are registered with encrypt off,
		// so this indicates a server-side config problem.
		return nil, fmt.Errorf("data frame: unexpected encrypted payload")
	}

	trID := parts[1]
	count := int(atoi64(parts[2]))
	if count <= 0 {
		return nil, fmt.Errorf("data frame: bad record count %q", parts[2])
	}
	fields := strings.Split(parts[3], "^")
	stride := len(fields) / count

	var minFields int
	switch trID {
	case trStreamTrade:
		minFields = tradeFieldMin
	case trStreamBook:
		minFields = bookFieldMin
	default:
		return nil, fmt.Errorf("data frame: unknown tr_id %q", trID)
	}
	if stride < minFields {
		return nil, fmt.Errorf("data frame %s: %d fields per record, want >= %d",
			trID, stride, minFields)
	}

	events := make([]types.StreamEvent, 0, count)
	for i := 0; i < count; i++ {
		rec := fields[i*stride : (i+1)*stride]
		switch trID {
		case trStreamTrade:
			events = append(events, decodeTradeRecord(rec))
		case trStreamBook:
			events = append(events, decodeBookRecord(rec))
		}
	}
	return events, nil
}

// decodeTradeRecord maps one trade print record.
// Indices: 0 symbol, 1 HHMMSS, 2 price, 5 change rate, 12 print qty,
// 13 accumulated volume.
func decodeTradeRecord(f []string) types.StreamEvent {
	symbol := f[0]
	return types.StreamEvent{
		Type:   types.EventTrade,
		Symbol: symbol,
		Trade: &types.StreamTrade{
			Symbol:     symbol,
			Price:      atoi64(f[2]),
			ChangeRate: atof(f[5]),
			TradeQty:   atoi64(f[12]),
			Volume:     atoi64(f[13]),
			Timestamp:  timeFromTmd(f[1]),
		},
	}
}

// decodeBookRecord maps one orderbook snapshot record.
// Indices: 0 symbol, 1 HHMMSS, 3..12 ask prices, 13..22 bid prices,
// 23..32 ask quantities, 33..42 bid quantities, 43/44 totals.
func decodeBookRecord(f []string) types.StreamEvent {
	symbol := f[0]
	book := &types.Orderbook{
		Symbol:    symbol,
		Asks:      make([]types.OrderbookLevel, 0, 10),
		Bids:      make([]types.OrderbookLevel, 0, 10),
		TotalAsk:  atoi64(f[43]),
		TotalBid:  atoi64(f[44]),
		Timestamp: timeFromTmd(f[1]),
	}
	for i := 0; i < 10; i++ {
		book.Asks = append(book.Asks, types.OrderbookLevel{
			Price: atoi64(f[3+i]),
			Qty:   atoi64(f[23+i]),
		})
		book.Bids = append(book.Bids, types.OrderbookLevel{
			Price: atoi64(f[13+i]),
			Qty:   atoi64(f[33+i]),
		})
	}
	return types.StreamEvent{Type: types.EventOrderbook, Symbol: symbol, Book: book}
}
