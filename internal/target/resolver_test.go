package target

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"
	"tunnel/internal/tunnelerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name    string
	targets []Target
	// failures is the number of List calls that fail before one succeeds
	failures int32
	err      error
	calls    atomic.Int32
	delay    time.Duration
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) List(ctx context.Context, yield func(Target) bool) error {
	n := f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= f.failures {
		return f.err
	}
	for _, t := range f.targets {
		if !yield(t) {
			return nil
		}
	}
	return nil
}

func tgt(source, name string) Target {
	return Target{
		ID:          source + "/" + name,
		DisplayName: name,
		Protocol:    ProtocolTCP,
		RemoteHost:  name + ".internal",
		RemotePort:  5432,
		Source:      source,
	}
}

func ids(ts []Target) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	sort.Strings(out)
	return out
}

func newTestResolver(sources ...Source) *Resolver {
	r := NewResolver(sources...)
	r.retryDelay = time.Millisecond
	return r
}

func TestResolver_TargetsRestartable(t *testing.T) {
	r := newTestResolver(
		&fakeSource{name: "rds", targets: []Target{tgt("rds", "orders"), tgt("rds", "billing")}},
		&fakeSource{name: "elb", targets: []Target{tgt("elb", "api:443")}},
	)
	seq := r.Targets(context.Background())

	first, errs, err := Collect(seq)
	require.NoError(t, err)
	assert.Empty(t, errs)

	second, errs, err := Collect(seq)
	require.NoError(t, err)
	assert.Empty(t, errs)

	assert.Equal(t, ids(first), ids(second))
	assert.Equal(t, []string{"elb/api:443", "rds/billing", "rds/orders"}, ids(first))
}

func TestResolver_DeduplicatesByID(t *testing.T) {
	r := newTestResolver(
		&fakeSource{name: "a", targets: []Target{tgt("static", "db")}},
		&fakeSource{name: "b", targets: []Target{tgt("static", "db")}},
	)
	got, _, err := Collect(r.Targets(context.Background()))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestResolver_RetriesOnceThenSucceeds(t *testing.T) {
	src := &fakeSource{name: "rds", targets: []Target{tgt("rds", "orders")}, failures: 1, err: errors.New("throttled")}
	r := newTestResolver(src)

	got, errs, err := Collect(r.Targets(context.Background()))
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestResolver_LookupErrorAfterSecondFailure(t *testing.T) {
	failing := &fakeSource{name: "elasticache", failures: 10, err: errors.New("service unavailable")}
	healthy := &fakeSource{name: "rds", targets: []Target{tgt("rds", "orders")}}
	r := newTestResolver(failing, healthy)

	got, errs, err := Collect(r.Targets(context.Background()))
	require.NoError(t, err)
	assert.Len(t, got, 1, "healthy sources keep yielding")
	require.Len(t, errs, 1)
	assert.True(t, tunnelerr.IsLookup(errs[0]))
	assert.Equal(t, int32(2), failing.calls.Load())
}

func TestResolver_AuthErrorNotRetried(t *testing.T) {
	src := &fakeSource{name: "rds", failures: 10, err: tunnelerr.Auth("describe db instances", errors.New("ExpiredToken"))}
	r := newTestResolver(src)

	_, _, err := Collect(r.Targets(context.Background()))
	require.Error(t, err)
	assert.True(t, tunnelerr.IsAuth(err))
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestResolver_CancelledContext(t *testing.T) {
	r := newTestResolver(&fakeSource{name: "slow", delay: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := Collect(r.Targets(ctx))
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("listing did not stop after cancellation")
	}
}

func TestResolver_EarlyBreakStopsSources(t *testing.T) {
	many := make([]Target, 0, 100)
	for i := range 100 {
		many = append(many, tgt("static", fmt.Sprintf("db-%03d", i)))
	}
	r := newTestResolver(&fakeSource{name: "static", targets: many})

	count := 0
	for _, err := range r.Targets(context.Background()) {
		require.NoError(t, err)
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestFilter(t *testing.T) {
	r := newTestResolver(
		&fakeSource{name: "rds", targets: []Target{tgt("rds", "orders")}},
		&fakeSource{name: "elb", targets: []Target{tgt("elb", "api:443")}},
	)
	got, _, err := Collect(Filter(r.Targets(context.Background()), "elb"))
	require.NoError(t, err)
	assert.Equal(t, []string{"elb/api:443"}, ids(got))
}

func TestResolver_Sources(t *testing.T) {
	r := NewResolver(&fakeSource{name: "rds"}, NewStaticSource(nil))
	assert.Equal(t, []string{"rds", SourceStatic}, r.Sources())
}
