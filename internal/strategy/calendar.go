// Package strategy resolves the contracts of the SPX double calendar.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/sirupsen/logrus"
)

const expirationLayout = "2006-01-02"

// ErrNoExpiration is returned when the chain has no usable expiration.
var ErrNoExpiration = errors.New("no suitable expiration")

// CalendarConfig selects the double calendar's strikes and expirations.
type CalendarConfig struct {
	Symbol      string
	OptionRoot  string
	TargetDelta float64
	ShortDTE    int
	LongDTE     int
}

// CalendarResolver picks a short put and call near TargetDelta at ShortDTE
// and buys the same strikes at LongDTE.
type CalendarResolver struct {
	broker broker.Broker
	logger logrus.FieldLogger
	loc    *time.Location
	now    func() time.Time
	config CalendarConfig
}

// NewCalendarResolver creates a resolver. Expiration distances are measured in loc.
func NewCalendarResolver(b broker.Broker, cfg CalendarConfig, loc *time.Location, logger logrus.FieldLogger) *CalendarResolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if loc == nil {
		loc = time.UTC
	}
	if cfg.OptionRoot == "" {
		cfg.OptionRoot = cfg.Symbol
	}
	return &CalendarResolver{
		broker: b,
		logger: logger.WithField("component", "strategy"),
		loc:    loc,
		now:    time.Now,
		config: cfg,
	}
}

// Resolve returns the four opening legs: short put, short call, long put, long call.
func (r *CalendarResolver) Resolve(ctx context.Context) (*models.ResolvedContracts, error) {
	underlying, err := r.broker.GetUnderlyingPrice(ctx, r.config.Symbol)
	if err != nil {
		return nil, fmt.Errorf("get %s price: %w", r.config.Symbol, err)
	}

	exps, err := r.broker.GetExpirations(ctx, r.config.Symbol)
	if err != nil {
		return nil, fmt.Errorf("get expirations: %w", err)
	}
	today := r.now().In(r.loc)
	shortExp, err := nearestExpiration(exps, today, r.config.ShortDTE)
	if err != nil {
		return nil, fmt.Errorf("short leg (%d DTE): %w", r.config.ShortDTE, err)
	}
	longExp, err := nearestExpiration(exps, today, r.config.LongDTE)
	if err != nil {
		return nil, fmt.Errorf("long leg (%d DTE): %w", r.config.LongDTE, err)
	}
	if longExp <= shortExp {
		return nil, fmt.Errorf("long expiration %s is not after short expiration %s", longExp, shortExp)
	}

	shortChain, err := r.broker.GetOptionChain(ctx, r.config.Symbol, shortExp, true)
	if err != nil {
		return nil, fmt.Errorf("get %s chain: %w", shortExp, err)
	}
	putStrike, callStrike := broker.FindDeltaStrikes(shortChain, r.config.TargetDelta)
	if putStrike == 0 || callStrike == 0 {
		return nil, fmt.Errorf("no strikes near %.2f delta in %s chain", r.config.TargetDelta, shortExp)
	}

	longChain, err := r.broker.GetOptionChain(ctx, r.config.Symbol, longExp, false)
	if err != nil {
		return nil, fmt.Errorf("get %s chain: %w", longExp, err)
	}

	var legs []models.Leg
	for _, spec := range []struct {
		chain []broker.Option
		exp   string
		typ   broker.OptionType
		side  models.Side
	}{
		{shortChain, shortExp, broker.OptionTypePut, models.SideSellToOpen},
		{shortChain, shortExp, broker.OptionTypeCall, models.SideSellToOpen},
		{longChain, longExp, broker.OptionTypePut, models.SideBuyToOpen},
		{longChain, longExp, broker.OptionTypeCall, models.SideBuyToOpen},
	} {
		strike := putStrike
		if spec.typ == broker.OptionTypeCall {
			strike = callStrike
		}
		leg, err := r.leg(spec.chain, spec.exp, spec.typ, strike, spec.side)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}

	r.logger.WithFields(logrus.Fields{
		"underlying":  underlying,
		"short_exp":   shortExp,
		"long_exp":    longExp,
		"put_strike":  putStrike,
		"call_strike": callStrike,
	}).Info("resolved double calendar")

	return &models.ResolvedContracts{
		ShortExpiration: shortExp,
		LongExpiration:  longExp,
		Legs:            legs,
		PutStrike:       putStrike,
		CallStrike:      callStrike,
		UnderlyingPrice: underlying,
	}, nil
}

func (r *CalendarResolver) leg(chain []broker.Option, exp string, typ broker.OptionType, strike float64, side models.Side) (models.Leg, error) {
	opt := broker.GetOptionByStrike(chain, strike, typ)
	if opt == nil {
		return models.Leg{}, fmt.Errorf("%s %.2f %s not listed", exp, strike, typ)
	}
	symbol := opt.Symbol
	if symbol == "" {
		var err error
		symbol, err = broker.FormatOCCSymbol(r.config.OptionRoot, exp, typ, strike)
		if err != nil {
			return models.Leg{}, err
		}
	}
	return models.Leg{
		Symbol:     symbol,
		Side:       side,
		Ratio:      1,
		OptionType: string(typ),
		Strike:     strike,
		Expiration: exp,
	}, nil
}

// nearestExpiration returns the future expiration whose DTE is closest to
// target. Ties go to the earlier date.
func nearestExpiration(exps []string, today time.Time, target int) (string, error) {
	day := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	best := ""
	bestDiff := math.MaxInt
	bestDTE := 0
	for _, e := range exps {
		d, err := time.Parse(expirationLayout, e)
		if err != nil {
			continue
		}
		dte := int(d.Sub(day).Hours() / 24)
		if dte <= 0 {
			continue
		}
		diff := dte - target
		if diff < 0 {
			diff = -diff
		}
		if diff < bestDiff || (diff == bestDiff && dte < bestDTE) {
			best, bestDiff, bestDTE = e, diff, dte
		}
	}
	if best == "" {
		return "", ErrNoExpiration
	}
	return best, nil
}
