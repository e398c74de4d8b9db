package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"repub/internal/site"
	logx "repub/pkg/logx"
)

func loginCounter(counter *atomic.Int32) LoginFunc {
	return func(context.Context) (*site.Session, error) {
		counter.Add(1)
		return site.NewSession("seller@example.com")
	}
}

func TestAcquireReusesSession(t *testing.T) {
	c := New(time.Hour, logx.Nop())
	var logins atomic.Int32

	first, err := c.Acquire(context.Background(), "acc-1", loginCounter(&logins))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := c.Acquire(context.Background(), "acc-1", loginCounter(&logins))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first != second {
		t.Fatal("expected the cached session")
	}
	if logins.Load() != 1 {
		t.Fatalf("logins = %d", logins.Load())
	}
}

func TestAcquireExpiresByTTL(t *testing.T) {
	c := New(time.Minute, logx.Nop())
	var logins atomic.Int32

	now := time.Now()
	c.now = func() time.Time { return now }

	if _, err := c.Acquire(context.Background(), "acc-1", loginCounter(&logins)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Acquire(context.Background(), "acc-1", loginCounter(&logins)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if logins.Load() != 2 {
		t.Fatalf("logins = %d, want 2 after ttl expiry", logins.Load())
	}
}

func TestAcquireLoginErrorNotCached(t *testing.T) {
	c := New(time.Hour, logx.Nop())
	boom := errors.New("site down")

	_, err := c.Acquire(context.Background(), "acc-1", func(context.Context) (*site.Session, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected login error, got %v", err)
	}

	var logins atomic.Int32
	if _, err := c.Acquire(context.Background(), "acc-1", loginCounter(&logins)); err != nil {
		t.Fatalf("acquire after failure: %v", err)
	}
	if logins.Load() != 1 {
		t.Fatal("failed login must not leave a cached session")
	}
}

func TestInvalidateForcesRelogin(t *testing.T) {
	c := New(time.Hour, logx.Nop())
	var logins atomic.Int32

	if _, err := c.Acquire(context.Background(), "acc-1", loginCounter(&logins)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c.Invalidate("acc-1")
	if _, err := c.Acquire(context.Background(), "acc-1", loginCounter(&logins)); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if logins.Load() != 2 {
		t.Fatalf("logins = %d", logins.Load())
	}
}

func TestAcquireSingleFlightPerAccount(t *testing.T) {
	c := New(time.Hour, logx.Nop())
	var logins atomic.Int32
	release := make(chan struct{})

	slowLogin := func(context.Context) (*site.Session, error) {
		logins.Add(1)
		<-release
		return site.NewSession("seller@example.com")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Acquire(context.Background(), "acc-1", slowLogin); err != nil {
				t.Errorf("acquire: %v", err)
			}
		}()
	}

	// Another account is not blocked by acc-1's in-flight login.
	done := make(chan struct{})
	go func() {
		defer close(done)
		var other atomic.Int32
		if _, err := c.Acquire(context.Background(), "acc-2", loginCounter(&other)); err != nil {
			t.Errorf("acquire acc-2: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acc-2 acquire blocked behind acc-1 login")
	}

	close(release)
	wg.Wait()
	if logins.Load() != 1 {
		t.Fatalf("logins = %d, want single flight", logins.Load())
	}
}
