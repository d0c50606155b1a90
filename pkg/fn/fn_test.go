package fn

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// --- Result ---

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok should be ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatal("wrong unwrap")
	}

	e := Err[int](errors.New("fail"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("Err should be err")
	}
}

func TestErrf(t *testing.T) {
	r := Errf[string]("code %d", 404)
	_, err := r.Unwrap()
	if err == nil || err.Error() != "code 404" {
		t.Fatal("Errf wrong message")
	}
}

func TestFromPair(t *testing.T) {
	if r := FromPair(5, nil); !r.IsOk() {
		t.Fatal("nil error should be ok")
	}
	if r := FromPair(0, errors.New("x")); !r.IsErr() {
		t.Fatal("non-nil error should be err")
	}
}

func TestUnwrapOr(t *testing.T) {
	if Ok(1).UnwrapOr(9) != 1 {
		t.Fatal("should return value")
	}
	if Err[int](errors.New("x")).UnwrapOr(9) != 9 {
		t.Fatal("should return fallback")
	}
}

func TestCollect(t *testing.T) {
	all := []Result[int]{Ok(1), Ok(2), Ok(3)}
	vs, err := Collect(all).Unwrap()
	if err != nil || len(vs) != 3 || vs[1] != 2 {
		t.Fatal("Collect should keep order")
	}

	boom := errors.New("boom")
	mixed := []Result[int]{Ok(1), Err[int](boom), Ok(3)}
	if _, err := Collect(mixed).Unwrap(); !errors.Is(err, boom) {
		t.Fatal("Collect should surface the error")
	}
}

// --- slices ---

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, strconv.Itoa)
	if len(got) != 3 || got[2] != "3" {
		t.Fatal("Map wrong output")
	}
}

func TestFilter(t *testing.T) {
	got := Filter([]int{1, 2, 3, 4}, func(v int) bool { return v%2 == 0 })
	if len(got) != 2 || got[0] != 2 {
		t.Fatal("Filter wrong output")
	}
}

func TestFilterMap(t *testing.T) {
	got := FilterMap([]string{"1", "x", "3"}, func(s string) (int, bool) {
		v, err := strconv.Atoi(s)
		return v, err == nil
	})
	if len(got) != 2 || got[1] != 3 {
		t.Fatal("FilterMap wrong output")
	}
}

func TestGroupBy(t *testing.T) {
	got := GroupBy([]int{1, 2, 3, 4, 5}, func(v int) int { return v % 2 })
	if len(got[0]) != 2 || len(got[1]) != 3 {
		t.Fatal("GroupBy wrong buckets")
	}
}

func TestUnique(t *testing.T) {
	got := Unique([]string{"a", "b", "a", "c", "b"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatal("Unique should keep first occurrence order")
	}
}

func TestKeys(t *testing.T) {
	got := Keys(map[string]int{"a": 1, "b": 2})
	if len(got) != 2 {
		t.Fatal("Keys wrong length")
	}
}

// --- parallel ---

func TestParMapResultOrder(t *testing.T) {
	items := []int{5, 4, 3, 2, 1}
	results := ParMapResult(items, 2, func(v int) Result[string] {
		time.Sleep(time.Duration(v) * time.Millisecond)
		return Ok(strconv.Itoa(v))
	})
	vs, err := Collect(results).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range items {
		if vs[i] != strconv.Itoa(v) {
			t.Fatalf("result %d out of order: %s", i, vs[i])
		}
	}
}

func TestParMapResultBoundedWorkers(t *testing.T) {
	var running, peak atomic.Int32
	ParMapResult(make([]int, 20), 3, func(int) Result[int] {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return Ok(0)
	})
	if peak.Load() > 3 {
		t.Fatalf("peak concurrency %d exceeds worker bound", peak.Load())
	}
}

func TestParMapResultEmpty(t *testing.T) {
	results := ParMapResult(nil, 4, func(int) Result[int] { return Ok(1) })
	if len(results) != 0 {
		t.Fatal("empty input should produce no results")
	}
}

func TestFanOutResult(t *testing.T) {
	r := FanOutResult(
		func() Result[int] { return Ok(1) },
		func() Result[int] { return Ok(2) },
	)
	vs, err := r.Unwrap()
	if err != nil || len(vs) != 2 || vs[0] != 1 || vs[1] != 2 {
		t.Fatal("FanOutResult wrong output")
	}

	boom := errors.New("boom")
	r = FanOutResult(
		func() Result[int] { return Ok(1) },
		func() Result[int] { return Err[int](boom) },
	)
	if _, err := r.Unwrap(); !errors.Is(err, boom) {
		t.Fatal("FanOutResult should surface the error")
	}
}

// --- retry ---

func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	opts := RetryOpts{MaxAttempts: 5, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		attempts++
		if attempts < 3 {
			return Errf[int]("attempt %d", attempts)
		}
		return Ok(attempts)
	})
	v, err := r.Unwrap()
	if err != nil || v != 3 {
		t.Fatalf("Retry = %d, %v", v, err)
	}
}

func TestRetryExhausted(t *testing.T) {
	attempts := 0
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		attempts++
		return Errf[int]("always fails")
	})
	if r.IsOk() {
		t.Fatal("exhausted retry should be err")
	}
	if attempts != 3 {
		t.Fatalf("made %d attempts, want 3", attempts)
	}
}

func TestRetryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Hour, MaxWait: time.Hour}
	r := Retry(ctx, opts, func(context.Context) Result[int] {
		return Errf[int]("fail")
	})
	_, err := r.Unwrap()
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
