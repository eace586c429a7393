package storage

import "github.com/eddiefleurent/spx_calendar/internal/models"

// computeStatistics folds closed trades, oldest first, into Statistics.
func computeStatistics(trades []models.Trade) *Statistics {
	stats := &Statistics{}
	var equity, peak float64

	for _, t := range trades {
		if t.Status != models.StatusClosed {
			continue
		}
		pnl := t.RealizedPnL
		stats.TotalTrades++
		stats.TotalPnL += pnl

		if pnl > 0 {
			stats.WinningTrades++
			if stats.CurrentStreak >= 0 {
				stats.CurrentStreak++
			} else {
				stats.CurrentStreak = 1
			}
			stats.AverageWin += (pnl - stats.AverageWin) / float64(stats.WinningTrades)
		} else {
			stats.LosingTrades++
			if stats.CurrentStreak <= 0 {
				stats.CurrentStreak--
			} else {
				stats.CurrentStreak = -1
			}
			stats.AverageLoss += (pnl - stats.AverageLoss) / float64(stats.LosingTrades)
		}

		// Drawdown is peak-to-trough on cumulative realized P&L
		equity += pnl
		if equity > peak {
			peak = equity
		}
		if dd := equity - peak; dd < stats.MaxDrawdown {
			stats.MaxDrawdown = dd
		}
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
	}
	return stats
}
