package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/catalog"
	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/quotes"
)

const (
	diagnoseTimeout = 15 * time.Second
	diagnoseSample  = 10 * time.Second
)

// DiagnoseMode checks venue connectivity, builds the catalog and samples the
// quote stream, then exits.
func (a *App) DiagnoseMode(ctx context.Context, deps *Dependencies) error {
	log := a.logger.With(slog.String("mode", "diagnose"))

	if deps.Venue != nil {
		pctx, cancel := context.WithTimeout(ctx, diagnoseTimeout)
		err := deps.Venue.Ping(pctx)
		cancel()
		if err != nil {
			return fmt.Errorf("app: diagnose ping: %w", err)
		}
		log.InfoContext(ctx, "broker reachable")

		tctx, cancel := context.WithTimeout(ctx, diagnoseTimeout)
		serverTime, err := deps.Venue.ServerTime(tctx)
		cancel()
		if err != nil {
			log.WarnContext(ctx, "server time unavailable", slog.String("error", err.Error()))
		} else {
			log.InfoContext(ctx, "server time",
				slog.Time("server", serverTime),
				slog.Duration("skew", time.Since(serverTime)),
			)
		}
	} else {
		log.InfoContext(ctx, "no broker rest endpoint configured, skipping connectivity checks")
	}

	instruments, err := a.instruments(ctx, deps)
	if err != nil {
		return err
	}
	cat, err := catalog.Build(instruments)
	if err != nil {
		return fmt.Errorf("app: diagnose catalog: %w", err)
	}
	var mul, div int
	for _, t := range cat.Triangles() {
		if t.Combinator == domain.CombinatorDiv {
			div++
		} else {
			mul++
		}
	}
	log.InfoContext(ctx, "catalog built",
		slog.Int("instruments", len(instruments)),
		slog.Int("triangles", cat.Len()),
		slog.Int("mul", mul),
		slog.Int("div", div),
		slog.Int("symbols", len(cat.Symbols())),
	)

	if deps.Stream == nil || len(cat.Symbols()) == 0 {
		return nil
	}
	sample := quotes.NewCache()
	counts, err := sampleQuotes(ctx, deps.Stream, cat.Symbols(), diagnoseSample, sample)
	if err != nil {
		return fmt.Errorf("app: diagnose quote sample: %w", err)
	}
	last := sample.All()
	sort.Slice(last, func(i, j int) bool { return last[i].Symbol < last[j].Symbol })
	for _, q := range last {
		log.InfoContext(ctx, "quote sample",
			slog.String("symbol", q.Symbol),
			slog.Int("updates", counts[q.Symbol]),
			slog.Float64("bid", q.Bid),
			slog.Float64("ask", q.Ask),
			slog.Float64("mid", q.Mid()),
		)
	}
	log.InfoContext(ctx, "diagnose complete",
		slog.Int("symbols_quoted", len(counts)),
		slog.Int("symbols_requested", len(cat.Symbols())),
	)
	return nil
}

// sampleQuotes counts valid updates per symbol for the given window and keeps
// the latest of each in cache.
func sampleQuotes(ctx context.Context, stream domain.QuoteStream, symbols []string, window time.Duration, cache *quotes.Cache) (map[string]int, error) {
	sctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ch, err := stream.Subscribe(sctx, symbols)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for {
		select {
		case <-sctx.Done():
			return counts, nil
		case u, ok := <-ch:
			if !ok {
				return counts, nil
			}
			if u.Quote().Valid() {
				counts[u.Symbol]++
				cache.Apply(u)
			}
		}
	}
}
