package kite

// envelope is the standard Kite Connect response wrapper.
type envelope struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

type orderResponse struct {
	envelope
	Data struct {
		OrderID string `json:"order_id"`
	} `json:"data"`
}

type kiteOrder struct {
	OrderID         string  `json:"order_id"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int     `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	Status          string  `json:"status"`
	OrderTimestamp  string  `json:"order_timestamp"`
	ExchangeUpdate  string  `json:"exchange_update_timestamp"`
}

type ordersResponse struct {
	envelope
	Data []kiteOrder `json:"data"`
}

type kitePosition struct {
	TradingSymbol string  `json:"tradingsymbol"`
	Quantity      int     `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	PnL           float64 `json:"pnl"`
}

type positionsResponse struct {
	envelope
	Data struct {
		Net []kitePosition `json:"net"`
		Day []kitePosition `json:"day"`
	} `json:"data"`
}

type marginsResponse struct {
	envelope
	Data struct {
		Available struct {
			Cash      float64 `json:"cash"`
			LiveBal   float64 `json:"live_balance"`
			Collatrl  float64 `json:"collateral"`
			IntradayP float64 `json:"intraday_payin"`
		} `json:"available"`
	} `json:"data"`
}
