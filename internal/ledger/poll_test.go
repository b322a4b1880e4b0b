package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollStopsOnVerdict(t *testing.T) {
	calls := 0
	v, err := Poll(context.Background(), Policy{Interval: time.Millisecond, MaxAttempts: 5}, func(_ context.Context, n int) (int, Verdict, error) {
		calls++
		if n == 2 {
			return 42, Stop, nil
		}
		return 0, Retry, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("期望第二次返回 42, 实际 %d %v", v, err)
	}
	if calls != 2 {
		t.Fatalf("期望调用 2 次, 实际 %d", calls)
	}
}

func TestPollExhaustion(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := Poll(context.Background(), Policy{Interval: time.Millisecond, MaxAttempts: 3}, func(context.Context, int) (string, Verdict, error) {
		calls++
		return "", Retry, boom
	})
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, boom) {
		t.Fatalf("错误应包含 ErrAttemptsExhausted 与最后一次错误: %v", err)
	}
	if calls != 3 {
		t.Fatalf("期望调用 3 次, 实际 %d", calls)
	}
}

func TestPollHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Poll(ctx, Policy{Interval: time.Hour, MaxAttempts: 10}, func(context.Context, int) (int, Verdict, error) {
		cancel()
		return 0, Retry, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
}

func TestPolicyBackoff(t *testing.T) {
	b := Policy{Interval: 100 * time.Millisecond, Multiplier: 2, MaxInterval: 300 * time.Millisecond}.backOff()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("第 %d 次间隔应为 %s, 实际 %s", i+1, w, got)
		}
	}

	constant := Policy{Interval: 50 * time.Millisecond}.backOff()
	for i := 0; i < 3; i++ {
		if got := constant.NextBackOff(); got != 50*time.Millisecond {
			t.Fatalf("固定间隔应为 50ms, 实际 %s", got)
		}
	}
}

func TestPollStopWithErrorIsReturned(t *testing.T) {
	bad := errors.New("reverted")
	calls := 0
	v, err := Poll(context.Background(), Policy{Interval: time.Millisecond, MaxAttempts: 5}, func(context.Context, int) (int, Verdict, error) {
		calls++
		return 7, Stop, bad
	})
	if !errors.Is(err, bad) || errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("Stop 携带的错误应原样返回: %v", err)
	}
	if v != 7 || calls != 1 {
		t.Fatalf("Stop 后不应继续, 值 %d 调用 %d 次", v, calls)
	}
}

func TestPollSkipsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := Poll(ctx, Policy{Interval: time.Millisecond, MaxAttempts: 3}, func(context.Context, int) (int, Verdict, error) {
		calls++
		return 0, Retry, nil
	})
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Fatalf("已取消的 context 不应触发尝试: %v, %d", err, calls)
	}
}
