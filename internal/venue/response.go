package venue

// Response is the venue envelope of every REST reply.
type Response[T any] struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  T      `json:"result"`
	Time    int64  `json:"time"`
}

type listResult[T any] struct {
	Category string `json:"category"`
	List     []T    `json:"list"`
}

type orderCreateResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type orderRecord struct {
	Symbol       string `json:"symbol"`
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Side         string `json:"side"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	OrderStatus  string `json:"orderStatus"`
	RejectReason string `json:"rejectReason"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

type positionRecord struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	AvgPrice      string `json:"avgPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIdx   int    `json:"positionIdx"`
	UpdatedTime   string `json:"updatedTime"`
}

type walletRecord struct {
	AccountType string       `json:"accountType"`
	TotalEquity string       `json:"totalEquity"`
	Coin        []coinRecord `json:"coin"`
}

type coinRecord struct {
	Coin                string `json:"coin"`
	Equity              string `json:"equity"`
	WalletBalance       string `json:"walletBalance"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
}

type instrumentRecord struct {
	Symbol        string        `json:"symbol"`
	Status        string        `json:"status"`
	PriceFilter   priceFilter   `json:"priceFilter"`
	LotSizeFilter lotSizeFilter `json:"lotSizeFilter"`
}

type priceFilter struct {
	TickSize string `json:"tickSize"`
}

type lotSizeFilter struct {
	QtyStep          string `json:"qtyStep"`
	MinOrderQty      string `json:"minOrderQty"`
	MinNotionalValue string `json:"minNotionalValue"`
}

// klineResult rows are [start, open, high, low, close, volume, turnover], newest first.
type klineResult struct {
	Symbol string     `json:"symbol"`
	List   [][]string `json:"list"`
}
