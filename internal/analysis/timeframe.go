package analysis

import (
	"context"
	"fmt"
	"sync"

	"equity-screener/internal/market"
)

// SeriesLoader loads candle series for several timeframes. Loaded series are
// memoized for the loader's lifetime, so a loader is scoped to one screening
// pass and discarded with it.
type SeriesLoader struct {
	store market.CandleStore

	mu     sync.RWMutex
	series map[string]*market.Series
}

// NewSeriesLoader creates a loader over the candle store
func NewSeriesLoader(store market.CandleStore) *SeriesLoader {
	return &SeriesLoader{
		store:  store,
		series: make(map[string]*market.Series),
	}
}

// LoadAll fetches every requested timeframe in parallel. A timeframe that
// fails to load is omitted; the error of the primary timeframe is returned.
func (l *SeriesLoader) LoadAll(ctx context.Context, instrumentID int64, limits map[market.Timeframe]int, primary market.Timeframe) (map[market.Timeframe]*market.Series, error) {
	result := make(map[market.Timeframe]*market.Series, len(limits))

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		primaryErr error
	)
	for tf, limit := range limits {
		wg.Add(1)
		go func(tf market.Timeframe, limit int) {
			defer wg.Done()

			series, err := l.Load(ctx, instrumentID, tf, limit)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if tf == primary {
					primaryErr = err
				}
				return
			}
			result[tf] = series
		}(tf, limit)
	}
	wg.Wait()

	if primaryErr != nil {
		return nil, primaryErr
	}
	return result, nil
}

// Load fetches one series, reusing one already loaded by this loader
func (l *SeriesLoader) Load(ctx context.Context, instrumentID int64, tf market.Timeframe, limit int) (*market.Series, error) {
	key := fmt.Sprintf("%d:%s:%d", instrumentID, tf, limit)
	l.mu.RLock()
	cached, ok := l.series[key]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	series, err := l.store.LoadSeries(ctx, instrumentID, tf, limit)
	if err != nil {
		return nil, fmt.Errorf("load %s series for %d: %w", tf, instrumentID, err)
	}
	if err := series.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.series[key] = series
	l.mu.Unlock()
	return series, nil
}

// Len reports how many series the loader holds
func (l *SeriesLoader) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.series)
}
