package dispatcher

import (
	"context"
	"sync"

	"github.com/August26/stealthfetch-go/internal/model"
)

// RunBatch dispatches all URLs concurrently, bounded by concurrency, and
// returns results in completion order.
func RunBatch(ctx context.Context, d *Dispatcher, urls []string, concurrency int) []model.Result {
	if concurrency < 1 {
		concurrency = 1
	}

	resultsCh := make(chan model.Result, len(urls))
	wg := &sync.WaitGroup{}

	sem := make(chan struct{}, concurrency)

	for _, u := range urls {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			resultsCh <- d.Dispatch(ctx, Request{URL: u})
		}()
	}

	wg.Wait()
	close(resultsCh)

	out := make([]model.Result, 0, len(urls))
	for r := range resultsCh {
		out = append(out, r)
	}
	return out
}
