package transport

import (
	"encoding/json"
	"testing"
	"time"
)

func TestResolveSuccess(t *testing.T) {
	cfg := DefaultRetryConfig()
	out := cfg.Resolve(&RetryToken{RetryCount: 5, RetryItems: AllItems()}, nil, time.Now())
	if out.Kind != OutcomeSuccess {
		t.Fatalf("kind = %v, want success", out.Kind)
	}
	if out.Token != nil {
		t.Error("success must clear the token")
	}
}

func TestResolveFirstFailure(t *testing.T) {
	cfg := DefaultRetryConfig()
	now := time.Now()
	failed := AllItems()

	out := cfg.Resolve(nil, &failed, now)
	if out.Kind != OutcomeTransientFailure {
		t.Fatalf("kind = %v, want transient", out.Kind)
	}
	if out.Token.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", out.Token.RetryCount)
	}
	if !out.NextActionAt.After(now) {
		t.Error("nextActionAt must be in the future")
	}
	if out.NextActionAt.After(now.Add(5 * time.Minute)) {
		t.Error("first retry should be shortly in the future")
	}
}

func TestResolveThirdFailureDelay(t *testing.T) {
	cfg := DefaultRetryConfig()
	now := time.Now()
	failed := AllItems()

	out := cfg.Resolve(&RetryToken{RetryCount: 2, RetryItems: failed}, &failed, now)
	if out.Kind != OutcomeTransientFailure {
		t.Fatalf("kind = %v, want transient", out.Kind)
	}
	if out.Token.RetryCount != 3 {
		t.Errorf("retryCount = %d, want 3", out.Token.RetryCount)
	}
	if !out.NextActionAt.After(now.Add(2 * time.Minute)) {
		t.Errorf("nextActionAt = %v, want > now+2m", out.NextActionAt.Sub(now))
	}
}

func TestResolvePermanentFailure(t *testing.T) {
	cfg := DefaultRetryConfig()
	failed := AllItems()

	out := cfg.Resolve(&RetryToken{RetryCount: 100, RetryItems: failed}, &failed, time.Now())
	if out.Kind != OutcomePermanentFailure {
		t.Fatalf("kind = %v, want permanent", out.Kind)
	}
	if out.Token != nil {
		t.Error("permanent failure must clear the token")
	}
}

func TestBackoffMonotoneAndCapped(t *testing.T) {
	cfg := DefaultRetryConfig()
	prev := time.Duration(0)
	for i := 1; i <= 20; i++ {
		d := cfg.Backoff(i)
		if d < prev {
			t.Fatalf("backoff(%d) = %v < backoff(%d) = %v", i, d, i-1, prev)
		}
		if d > cfg.Cap {
			t.Fatalf("backoff(%d) = %v exceeds cap", i, d)
		}
		prev = d
	}
	if cfg.Backoff(1000) != cfg.Cap {
		t.Error("very large counts must saturate at the cap")
	}
}

func TestRetryTokenJSONAll(t *testing.T) {
	tok := RetryToken{RetryCount: 3, RetryItems: AllItems()}
	raw, err := tok.Encode()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"retryCount":3,"retryItems":"ALL"}`
	if raw != want {
		t.Errorf("encoded = %s, want %s", raw, want)
	}

	decoded, err := DecodeRetryToken(&raw)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RetryCount != 3 || !decoded.RetryItems.All {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestRetryTokenJSONSubset(t *testing.T) {
	tok := RetryToken{RetryCount: 1, RetryItems: RetryItems{IDs: []string{"item-1", "item-4"}}}
	raw, err := tok.Encode()
	if err != nil {
		t.Fatal(err)
	}

	var roundTrip RetryToken
	if err := json.Unmarshal([]byte(raw), &roundTrip); err != nil {
		t.Fatal(err)
	}
	if roundTrip.RetryItems.All {
		t.Error("subset token must not decode as ALL")
	}
	if len(roundTrip.RetryItems.IDs) != 2 || roundTrip.RetryItems.IDs[1] != "item-4" {
		t.Errorf("ids = %v", roundTrip.RetryItems.IDs)
	}
}

func TestDecodeRetryTokenNil(t *testing.T) {
	tok, err := DecodeRetryToken(nil)
	if err != nil || tok != nil {
		t.Errorf("nil input should decode to nil token, got %+v, %v", tok, err)
	}
	empty := ""
	tok, err = DecodeRetryToken(&empty)
	if err != nil || tok != nil {
		t.Errorf("empty input should decode to nil token, got %+v, %v", tok, err)
	}
}
