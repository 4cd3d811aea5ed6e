package exchange

import "polymarket-trainbot/pkg/types"

// BookMetrics summarizes order-book health for pre-trade validation.
// Depth is measured in USD over the top levels of each side
// (price × size summed), spread as a percentage of the best bid.
type BookMetrics struct {
	BestBid     float64 `json:"best_bid"`
	BestAsk     float64 `json:"best_ask"`
	BidDepthUSD float64 `json:"bid_depth_usd"`
	AskDepthUSD float64 `json:"ask_depth_usd"`
	SpreadPct   float64 `json:"spread_pct"`
	Empty       bool    `json:"empty"` // no levels on either side
}

// metricsDepthLevels is how many top-of-book levels count toward depth.
const metricsDepthLevels = 5

// ComputeBookMetrics derives health metrics from a parsed book.
// An empty book yields Empty=true with zero depth; callers must treat
// that as unhealthy rather than divide by a zero best bid.
func ComputeBookMetrics(book *types.OrderBook) BookMetrics {
	m := BookMetrics{
		BestBid: book.BestBid(),
		BestAsk: book.BestAsk(),
	}
	if len(book.Bids) == 0 && len(book.Asks) == 0 {
		m.Empty = true
		return m
	}

	for i, l := range book.Bids {
		if i >= metricsDepthLevels {
			break
		}
		m.BidDepthUSD += l.Price * l.Size
	}
	for i, l := range book.Asks {
		if i >= metricsDepthLevels {
			break
		}
		m.AskDepthUSD += l.Price * l.Size
	}

	if m.BestBid > 0 && m.BestAsk > 0 {
		m.SpreadPct = 100 * (m.BestAsk - m.BestBid) / m.BestBid
	}
	return m
}
