package database

import (
	"context"
	"sync"
	"time"
)

var serverTime = time.Date(2024, 5, 1, 10, 0, 30, 0, time.UTC)

// mockPool is a Pool whose probe and query outcomes are scripted by the test.
type mockPool struct {
	mu sync.Mutex

	probeErrs   []error // returned in order, then probes succeed
	probeAlways error   // when set every probe fails with it
	probes      int

	queryFn func(sql string) (*Result, error)
	queries []string

	acquireErr    error
	acquires      int
	releases      int
	clientQueries []string

	closed   int
	closeErr error
}

func (p *mockPool) Probe(ctx context.Context) (time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.probeAlways != nil {
		return time.Time{}, p.probeAlways
	}
	if len(p.probeErrs) > 0 {
		err := p.probeErrs[0]
		p.probeErrs = p.probeErrs[1:]
		return time.Time{}, err
	}
	return serverTime, nil
}

func (p *mockPool) Query(ctx context.Context, sql string) (*Result, error) {
	p.mu.Lock()
	p.queries = append(p.queries, sql)
	fn := p.queryFn
	p.mu.Unlock()
	return p.run(fn, sql)
}

func (p *mockPool) run(fn func(string) (*Result, error), sql string) (*Result, error) {
	if fn != nil {
		return fn(sql)
	}
	return &Result{Columns: []string{"?column?"}, Rows: [][]any{{int32(1)}}, CommandTag: "SELECT 1"}, nil
}

func (p *mockPool) Acquire(ctx context.Context) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquires++
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return &mockClient{pool: p}, nil
}

func (p *mockPool) Database() string { return "stats_db" }

func (p *mockPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return p.closeErr
}

func (p *mockPool) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probes
}

func (p *mockPool) setProbeAlways(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeAlways = err
}

func (p *mockPool) queryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queries)
}

type mockClient struct {
	pool *mockPool
}

func (c *mockClient) Query(ctx context.Context, sql string) (*Result, error) {
	c.pool.mu.Lock()
	c.pool.clientQueries = append(c.pool.clientQueries, sql)
	fn := c.pool.queryFn
	c.pool.mu.Unlock()
	return c.pool.run(fn, sql)
}

func (c *mockClient) Release() {
	c.pool.mu.Lock()
	defer c.pool.mu.Unlock()
	c.pool.releases++
}
