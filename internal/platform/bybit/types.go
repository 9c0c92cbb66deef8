package bybit

import "encoding/json"

// envelope is the common Bybit v5 response wrapper. retCode 0 means success.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type tickerResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

// klineResult carries candles as string arrays:
// [startTime, open, high, low, close, volume, turnover], newest first.
type klineResult struct {
	List [][]string `json:"list"`
}

type orderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type createOrderRequest struct {
	Category         string `json:"category"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"` // "Buy" or "Sell"
	OrderType        string `json:"orderType"`
	Qty              string `json:"qty"`
	Price            string `json:"price,omitempty"`
	TriggerPrice     string `json:"triggerPrice,omitempty"`
	TriggerDirection int    `json:"triggerDirection,omitempty"` // 1 rise, 2 fall
	ReduceOnly       bool   `json:"reduceOnly,omitempty"`
	TimeInForce      string `json:"timeInForce,omitempty"`
	OrderLinkID      string `json:"orderLinkId,omitempty"`
}

type cancelOrderRequest struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"orderId"`
}

// tradingStopRequest sets position-attached TP/SL in one call. Zeroed prices
// clear the protection.
type tradingStopRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	TakeProfit  string `json:"takeProfit"`
	StopLoss    string `json:"stopLoss"`
	TpslMode    string `json:"tpslMode"`
	PositionIdx int    `json:"positionIdx"`
}
