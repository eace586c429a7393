// Command integration runs read-only checks of the calendar flow against the
// Tradier sandbox. It never places orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eddiefleurent/spx_calendar/internal/broker"
	"github.com/eddiefleurent/spx_calendar/internal/config"
	"github.com/eddiefleurent/spx_calendar/internal/execution"
	"github.com/eddiefleurent/spx_calendar/internal/models"
	"github.com/eddiefleurent/spx_calendar/internal/orders"
	"github.com/eddiefleurent/spx_calendar/internal/strategy"
	"github.com/sirupsen/logrus"
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Environment.Mode != "paper" {
		logger.Fatal("Integration checks must run in paper mode. Set environment.mode: 'paper' in config.yaml")
	}

	// Always sandbox, whatever the endpoint says
	b := broker.NewCircuitBreakerBroker(
		broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, true).
			WithLogger(logger).
			WithTimeout(cfg.GetBrokerTimeout()),
		logger,
	)
	resolver := strategy.NewCalendarResolver(b, strategy.CalendarConfig{
		Symbol:      cfg.Strategy.Symbol,
		OptionRoot:  cfg.Strategy.OptionRoot,
		TargetDelta: cfg.Strategy.TargetDelta,
		ShortDTE:    cfg.Strategy.ShortDTE,
		LongDTE:     cfg.Strategy.LongDTE,
	}, cfg.Location(), logger)

	var resolved *models.ResolvedContracts
	var quote *broker.CompositeQuote

	checks := []check{
		{"Broker connectivity", func(ctx context.Context) error {
			px, err := b.GetUnderlyingPrice(ctx, cfg.Strategy.Symbol)
			if err != nil {
				return err
			}
			fmt.Printf("  %s last: %.2f\n", cfg.Strategy.Symbol, px)
			return nil
		}},
		{"Expirations", func(ctx context.Context) error {
			exps, err := b.GetExpirations(ctx, cfg.Strategy.Symbol)
			if err != nil {
				return err
			}
			if len(exps) == 0 {
				return fmt.Errorf("no expirations listed")
			}
			fmt.Printf("  %d expirations, first %s\n", len(exps), exps[0])
			return nil
		}},
		{"Contract resolution", func(ctx context.Context) error {
			r, err := resolver.Resolve(ctx)
			if err != nil {
				return err
			}
			resolved = r
			fmt.Printf("  short %s / long %s, put %.0f call %.0f\n",
				r.ShortExpiration, r.LongExpiration, r.PutStrike, r.CallStrike)
			for _, leg := range r.Legs {
				fmt.Printf("    %-14s %s\n", leg.Side, leg.Symbol)
			}
			return nil
		}},
		{"Composite quote", func(ctx context.Context) error {
			if resolved == nil {
				return fmt.Errorf("no resolved contracts")
			}
			q, err := b.GetQuote(ctx, resolved.Legs)
			if err != nil {
				return err
			}
			quote = q
			fmt.Printf("  bid %.2f ask %.2f mid %.2f\n", q.Bid, q.Ask, q.Mid)
			return nil
		}},
		{"Entry price ladder", func(ctx context.Context) error {
			if quote == nil {
				return fmt.Errorf("no quote")
			}
			entry := cfg.Execution.Entry
			intent := &models.TradeIntent{
				Kind:          models.IntentEntry,
				PriceType:     models.PriceDebit,
				Steps:         entry.Steps(),
				MaxConcession: entry.MaxConcession,
				TickSize:      cfg.Execution.TickSize,
			}
			start, _ := orders.StartingPrice(quote.Mid, intent.PriceType, intent.TickSize)
			prices := []string{fmt.Sprintf("%.2f", start)}
			cur := start
			for n := 1; n < entry.MaxAttempts; n++ {
				cur = orders.NextPrice(intent, start, cur, n)
				prices = append(prices, fmt.Sprintf("%.2f", cur))
			}
			fmt.Printf("  %s\n", strings.Join(prices, " -> "))
			return nil
		}},
		{"Open orders", func(ctx context.Context) error {
			open, err := b.GetOpenOrders(ctx)
			if err != nil {
				return err
			}
			ours := 0
			for _, o := range open {
				if strings.HasPrefix(o.Tag, "cal-") {
					ours++
					fmt.Printf("  %s %s %s\n", o.ID, o.Tag, o.State)
				}
			}
			fmt.Printf("  %d open, %d ours (entry tag prefix %q)\n", len(open), ours, execution.EntryTagPrefix)
			return nil
		}},
	}

	passed := 0
	for i, c := range checks {
		fmt.Printf("Check %d: %s\n", i+1, c.name)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.run(ctx)
		cancel()
		if err != nil {
			fmt.Printf("  FAILED: %v\n\n", err)
			continue
		}
		passed++
		fmt.Print("  PASSED\n\n")
	}

	fmt.Printf("%d/%d checks passed\n", passed, len(checks))
	if passed != len(checks) {
		os.Exit(1)
	}
}
