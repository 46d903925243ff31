package quoteapi

// quoteResponse is the subset of the aggregator's /swap/price and
// /swap/quote answers we read. Transaction is only present on /swap/quote.
type quoteResponse struct {
	BuyToken           string       `json:"buyToken"`
	SellToken          string       `json:"sellToken"`
	BuyAmount          string       `json:"buyAmount"`
	SellAmount         string       `json:"sellAmount"`
	LiquidityAvailable *bool        `json:"liquidityAvailable"`
	Route              route        `json:"route"`
	Transaction        *transaction `json:"transaction"`
}

type route struct {
	Fills []fill `json:"fills"`
}

type fill struct {
	Source        string `json:"source"`
	ProportionBps string `json:"proportionBps"`
}

// transaction is the call the taker must make: calldata for the router at
// To, carrying Value wei of native coin.
type transaction struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

type errorResponse struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}
