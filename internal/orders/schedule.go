package orders

import (
	"math"

	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/eddiefleurent/spx_calendar/internal/util"
)

// StartingPrice turns a signed composite mid into the first limit price.
// The price type follows the sign unless the intent already fixes it. A fixed
// type whose mid has the opposite sign starts at one tick.
func StartingPrice(mid float64, pt models.PriceType, tick float64) (float64, models.PriceType) {
	switch {
	case pt == "":
		pt = models.PriceDebit
		if mid < 0 {
			pt = models.PriceCredit
		}
	case pt == models.PriceDebit && mid < 0, pt == models.PriceCredit && mid > 0:
		return tick, pt
	}
	price := util.RoundToTick(math.Abs(mid), tick)
	if price < tick {
		price = tick
	}
	return price, pt
}

// NextPrice steps current toward the market after attempt n timed out.
// Debits move up and credits move down. The result stays on the tick grid,
// never retreats, never drops below one tick and never exceeds the
// concession budget measured from start.
func NextPrice(intent *models.TradeIntent, start, current float64, n int) float64 {
	tick := intent.TickSize
	delta := intent.Steps.Delta(n)

	var next float64
	if intent.PriceType == models.PriceDebit {
		next = util.RoundToTick(util.Add(current, delta), tick)
		if intent.MaxConcession > 0 {
			if limit := util.RoundDownToTick(util.Add(start, intent.MaxConcession), tick); next > limit {
				next = limit
			}
		}
		if next < current {
			next = current
		}
	} else {
		next = util.RoundToTick(util.Sub(current, delta), tick)
		if intent.MaxConcession > 0 {
			if limit := util.RoundToTick(util.Sub(start, intent.MaxConcession), tick); next < limit {
				next = limit
			}
		}
		if next > current {
			next = current
		}
	}

	if next < tick {
		next = tick
	}
	return next
}
