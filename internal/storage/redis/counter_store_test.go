package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

// fakeRedis answers the counter commands from memory by intercepting them
// in a client hook, so no server is needed.
type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]int64
	ttls    map[string]time.Duration
	fail    error
	history []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("fake redis does not dial")
	}
}

func (f *fakeRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			if err := f.process(cmd); err != nil {
				return err
			}
		}
		return nil
	}
}

func (f *fakeRedis) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		return f.process(cmd)
	}
}

func (f *fakeRedis) process(cmd redis.Cmder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		cmd.SetErr(f.fail)
		return f.fail
	}
	args := cmd.Args()
	f.history = append(f.history, cmd.Name())
	switch cmd.Name() {
	case "incrby":
		key := args[1].(string)
		f.values[key] += args[2].(int64)
		cmd.(*redis.IntCmd).SetVal(f.values[key])
	case "mget":
		out := make([]interface{}, 0, len(args)-1)
		for _, a := range args[1:] {
			if v, ok := f.values[a.(string)]; ok {
				out = append(out, strconv.FormatInt(v, 10))
			} else {
				out = append(out, nil)
			}
		}
		cmd.(*redis.SliceCmd).SetVal(out)
	case "del":
		var n int64
		for _, a := range args[1:] {
			if _, ok := f.values[a.(string)]; ok {
				delete(f.values, a.(string))
				n++
			}
		}
		cmd.(*redis.IntCmd).SetVal(n)
	case "expire":
		key := args[1].(string)
		_, ok := f.values[key]
		if ok {
			f.ttls[key] = time.Duration(args[2].(int64)) * time.Second
		}
		cmd.(*redis.BoolCmd).SetVal(ok)
	default:
		err := errors.New("unsupported command " + cmd.Name())
		cmd.SetErr(err)
		return err
	}
	return nil
}

func newTestStore(t *testing.T) (*CounterStore, *fakeRedis) {
	t.Helper()
	fake := newFakeRedis()
	client := redis.NewClient(&redis.Options{Addr: "fake:6379"})
	client.AddHook(fake)
	t.Cleanup(func() { client.Close() })
	return NewCounterStoreWithClient(client, "test:"), fake
}

func TestCounterStorePrefixesKeys(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	if n, err := store.IncrementBy(ctx, "hello:content.read:calls", 2); err != nil || n != 2 {
		t.Fatalf("increment: %d %v", n, err)
	}
	if err := store.Expire(ctx, "hello:content.read:calls", 48*time.Hour); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, ok := fake.values["test:hello:content.read:calls"]; !ok {
		t.Fatalf("key not prefixed: %v", fake.values)
	}
	if fake.ttls["test:hello:content.read:calls"] != 48*time.Hour {
		t.Fatalf("ttl not applied: %v", fake.ttls)
	}

	values, err := store.MultiGet(ctx, []string{"hello:content.read:calls", "missing"})
	if err != nil {
		t.Fatalf("mget: %v", err)
	}
	if len(values) != 2 || values[0] != 2 || values[1] != 0 {
		t.Fatalf("unexpected values: %v", values)
	}

	if err := store.Delete(ctx, "hello:content.read:calls"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fake.values) != 0 {
		t.Fatalf("delete left keys behind: %v", fake.values)
	}
	if err := store.Delete(ctx); err != nil {
		t.Fatalf("empty delete should be a no-op: %v", err)
	}
}

func TestCounterStoreWrapsFailures(t *testing.T) {
	store, fake := newTestStore(t)
	fake.fail = errors.New("LOADING Redis is loading the dataset in memory")

	_, err := store.IncrementBy(context.Background(), "a", 1)
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if _, err := store.MultiGet(context.Background(), []string{"a"}); err == nil {
		t.Fatalf("expected mget failure")
	}
}

func TestMeterOverRedisFallsBackAndRecovers(t *testing.T) {
	store, fake := newTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	meter := plugin.NewMeter(store, func() time.Time { return now }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	meter.Record(ctx, "hello", "content.write", true)
	if got := fake.values["test:hello:content.write:denied:hour:2026030110"]; got != 1 {
		t.Fatalf("hourly denied bucket not written: %v", fake.values)
	}

	fake.mu.Lock()
	fake.fail = errors.New("connection refused")
	fake.mu.Unlock()
	meter.Record(ctx, "hello", "content.write", false)
	if !meter.Degraded() {
		t.Fatalf("meter should degrade when redis fails")
	}

	fake.mu.Lock()
	fake.fail = nil
	fake.mu.Unlock()
	usage := meter.Usage(ctx, "hello", "content.write")
	if meter.Degraded() {
		t.Fatalf("meter should recover once redis answers")
	}
	if usage.Calls != 1 || usage.Denied != 1 || usage.DeniedDay != 1 {
		t.Fatalf("unexpected usage from redis: %+v", usage)
	}
}
