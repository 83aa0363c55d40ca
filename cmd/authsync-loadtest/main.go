package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
	"github.com/SmallHorseBrother/jianwen-community-sub000/password"
	providermem "github.com/SmallHorseBrother/jianwen-community-sub000/provider/memory"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
	"github.com/SmallHorseBrother/jianwen-community-sub000/storage"
	storemem "github.com/SmallHorseBrother/jianwen-community-sub000/store/memory"
)

// client is one simulated app install: its own provider session, durable
// scope and coordinator. Profiles are shared like a real backend.
type client struct {
	phone    string
	coord    *jianwen.Coordinator
	provider *providermem.Provider
	queue    *queue.Queue
}

type sample struct {
	op string
	d  time.Duration
}

func main() {
	var (
		clients     = flag.Int("clients", 64, "number of simulated app installs")
		rounds      = flag.Int("rounds", 200, "racing rounds per client")
		latency     = flag.Duration("provider-latency", 2*time.Millisecond, "artificial provider latency")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		verbose     = flag.Bool("v", false, "log coordinator output")
		concurrency = flag.Int("concurrency", 3, "operations fired at once per round")
	)
	flag.Parse()

	if *clients <= 0 || *rounds <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "clients, rounds, and concurrency must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var cleanup func()
	var rdb redis.UniversalClient
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() {
			_ = rdb.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = rdb.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	profiles := storemem.New()
	fleet := make([]*client, *clients)

	fmt.Printf("registering %d clients...\n", *clients)
	startSeed := time.Now()
	for i := range fleet {
		c, err := newClient(ctx, rdb, profiles, i, *latency, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "client %d: %v\n", i, err)
			os.Exit(1)
		}
		defer c.close()
		fleet[i] = c
	}
	fmt.Printf("registered in %s\n", time.Since(startSeed).Round(time.Millisecond))

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		samples    = make([]sample, 0, *clients**rounds**concurrency)
		failures   atomic.Int64
		violations atomic.Int64
	)

	start := time.Now()
	for w, c := range fleet {
		wg.Add(1)
		go func(worker int, c *client) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for round := 0; round < *rounds; round++ {
				got, failed := c.race(ctx, r, *concurrency)
				failures.Add(failed)

				if v := c.check(ctx); v != "" {
					violations.Add(1)
					fmt.Fprintf(os.Stderr, "client %d round %d: %s\n", worker, round, v)
				}

				mu.Lock()
				samples = append(samples, got...)
				mu.Unlock()
			}
		}(w, c)
	}
	wg.Wait()
	total := time.Since(start)

	fmt.Println("---- results ----")
	byOp := make(map[string][]time.Duration)
	for _, s := range samples {
		byOp[s.op] = append(byOp[s.op], s.d)
	}
	ops := make([]string, 0, len(byOp))
	for op := range byOp {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	for _, op := range ops {
		printStats(op, computeStats(total, byOp[op]))
	}
	fmt.Printf("total=%s failures=%d violations=%d\n", total.Round(time.Millisecond), failures.Load(), violations.Load())

	if violations.Load() > 0 {
		os.Exit(1)
	}
}

func newClient(ctx context.Context, rdb redis.UniversalClient, profiles *storemem.Store, i int, latency time.Duration, logger *slog.Logger) (*client, error) {
	durable, err := storage.NewRedis(rdb, fmt.Sprintf("loadtest:%d", i))
	if err != nil {
		return nil, err
	}

	pw := password.DefaultConfig()
	pw.Memory = 8 * 1024
	pw.Parallelism = 1
	p, err := providermem.New(nil,
		providermem.WithStorage(durable, ""),
		providermem.WithPasswordConfig(pw),
		providermem.WithLatency(latency),
		providermem.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	q := queue.New(logger)
	coord, err := jianwen.New().
		WithIdentityProvider(p).
		WithProfileStore(profiles).
		WithStorage(durable, storage.NewMemory()).
		WithQueue(q).
		WithLogger(logger).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		p.Close()
		return nil, err
	}
	coord.HydrateSession(ctx)

	c := &client{phone: fmt.Sprintf("139%08d", i), coord: coord, provider: p, queue: q}
	if _, err := coord.Register(ctx, jianwen.RegisterRequest{
		Identifier:  c.phone,
		Secret:      "loadtest-secret",
		DisplayName: fmt.Sprintf("client-%d", i),
	}); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// race fires n random operations at once, the way a UI double-tap or a
// logout followed by a fast re-login does.
func (c *client) race(ctx context.Context, r *rand.Rand, n int) ([]sample, int64) {
	type op struct {
		name string
		fn   func() error
	}
	choices := []op{
		{"login", func() error {
			_, err := c.coord.Login(ctx, c.phone, "loadtest-secret")
			return err
		}},
		{"logout", func() error { return c.coord.Logout(ctx) }},
		{"update", func() error {
			bio := fmt.Sprintf("bio-%d", time.Now().UnixNano())
			_, err := c.coord.UpdateProfile(ctx, jianwen.ProfileUpdate{Bio: &bio})
			return err
		}},
	}

	picked := make([]op, n)
	for i := range picked {
		picked[i] = choices[r.Intn(len(choices))]
	}

	var (
		wg     sync.WaitGroup
		out    = make([]sample, n)
		failed atomic.Int64
	)
	for i, o := range picked {
		wg.Add(1)
		go func(i int, o op) {
			defer wg.Done()
			t0 := time.Now()
			err := o.fn()
			out[i] = sample{op: o.name, d: time.Since(t0)}
			if err != nil && !expected(err) {
				failed.Add(1)
			}
		}(i, o)
	}
	wg.Wait()
	return out, failed.Load()
}

// expected reports failures that are correct outcomes of a race, such as
// a login queued behind another login or an update after a logout.
func expected(err error) bool {
	switch jianwen.CodeOf(err) {
	case jianwen.CodeInvalidState, jianwen.CodeNotAuthenticated:
		return true
	}
	return false
}

// check verifies the user-state invariant once the queue is idle.
func (c *client) check(ctx context.Context) string {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.queue.Wait(wctx); err != nil {
		return "queue did not drain: " + err.Error()
	}
	st := c.coord.State()
	if st.IsAuthenticated != (st.User != nil) {
		return fmt.Sprintf("authenticated=%v with user=%v", st.IsAuthenticated, st.User != nil)
	}
	if st.IsLoading {
		return "left in a loading state"
	}
	return ""
}

func (c *client) close() {
	_ = c.coord.Close()
	c.provider.Close()
}

type phaseStats struct {
	total   time.Duration
	ops     int
	p50     time.Duration
	p95     time.Duration
	p99     time.Duration
	opsPerS float64
}

func computeStats(total time.Duration, samples []time.Duration) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:   total,
		ops:     len(samples),
		p50:     percentile(samples, 50),
		p95:     percentile(samples, 95),
		p99:     percentile(samples, 99),
		opsPerS: float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
