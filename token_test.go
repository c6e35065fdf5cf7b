package swagent

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTokenWait(t *testing.T) {
	tok := NewToken()
	if tok.Wait(context.Background(), 5*time.Millisecond) {
		t.Fatalf("token should not be ready")
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		tok.Set("abc")
	}()
	if !tok.Wait(context.Background(), time.Second) {
		t.Fatalf("token should arrive")
	}
	tok.Set("def")
	if got := tok.Value(); got != "def" {
		t.Fatalf("Value() = %q", got)
	}
}

func TestTokenWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if NewToken().Wait(ctx, time.Second) {
		t.Fatalf("cancelled wait must report false")
	}
	var nilToken *Token
	if nilToken.Wait(context.Background(), time.Millisecond) || nilToken.Value() != "" {
		t.Fatalf("nil token must behave as absent")
	}
}

func TestBusyGuardExclusive(t *testing.T) {
	var g busyGuard
	release, ok := g.TryAcquire()
	if !ok {
		t.Fatalf("first acquire must succeed")
	}
	if _, ok := g.TryAcquire(); ok {
		t.Fatalf("second acquire must be rejected")
	}
	release()
	release()
	if g.Busy() {
		t.Fatalf("guard should be free after release")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
	)
	hold, _ := g.TryAcquire()
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := g.TryAcquire(); ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	hold()
	if acquired != 0 {
		t.Fatalf("no goroutine may acquire a held guard, got %d", acquired)
	}
}

func TestErrorListJoin(t *testing.T) {
	var errs ErrorList
	if !errs.Empty() || errs.ErrorOrNil() != nil {
		t.Fatalf("zero ErrorList must be empty")
	}
	errs.Add(nil)
	errs.Add(NewItemError(BackendSandboxed, "hello", &ChangeError{ChangeID: "3", Text: "cannot refresh"}))
	errs.Add(NewItemError(BackendOS, "curl", errMessage("E: Unable to locate package curl\n")))
	want := "Snap hello error: cannot refresh - Apt curl error: E: Unable to locate package curl"
	if got := errs.Join(" - "); got != want {
		t.Fatalf("Join() = %q", got)
	}
	if errs.Len() != 2 {
		t.Fatalf("Len() = %d", errs.Len())
	}
}

type errMessage string

func (e errMessage) Error() string { return string(e) }
