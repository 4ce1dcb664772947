package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/arcline/gateway/internal/config"
)

func TestLocalAllowWithinBurst(t *testing.T) {
	l := NewLocal(map[string]config.PolicyConfig{
		"chat": {Rate: 10, Period: time.Minute, Burst: 3},
	})
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "chat", "caller-1")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be within burst", i+1)
		}
	}

	allowed, err := l.Allow(ctx, "chat", "caller-1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Error("request beyond burst should be denied")
	}
}

func TestLocalCallersAreIndependent(t *testing.T) {
	l := NewLocal(map[string]config.PolicyConfig{
		"chat": {Rate: 10, Period: time.Minute, Burst: 1},
	})
	defer l.Close()

	ctx := context.Background()
	if allowed, _ := l.Allow(ctx, "chat", "caller-1"); !allowed {
		t.Fatal("first caller's first request should pass")
	}
	if allowed, _ := l.Allow(ctx, "chat", "caller-1"); allowed {
		t.Fatal("first caller's second request should be denied")
	}
	if allowed, _ := l.Allow(ctx, "chat", "caller-2"); !allowed {
		t.Error("second caller must not share the first caller's bucket")
	}
}

func TestLocalPoliciesAreIndependent(t *testing.T) {
	l := NewLocal(map[string]config.PolicyConfig{
		"chat":    {Rate: 10, Period: time.Minute, Burst: 1},
		"archive": {Rate: 10, Period: time.Minute, Burst: 1},
	})
	defer l.Close()

	ctx := context.Background()
	l.Allow(ctx, "chat", "caller-1")
	if allowed, _ := l.Allow(ctx, "chat", "caller-1"); allowed {
		t.Fatal("chat bucket should be exhausted")
	}
	if allowed, _ := l.Allow(ctx, "archive", "caller-1"); !allowed {
		t.Error("archive policy must meter separately from chat")
	}
}

// An unknown policy is a wiring bug caught at startup; at request time it
// must not turn into a denial.
func TestLocalUnknownPolicyFailsOpen(t *testing.T) {
	l := NewLocal(nil)
	defer l.Close()

	allowed, err := l.Allow(context.Background(), "ghost", "caller-1")
	if !allowed {
		t.Error("unknown policy must not deny")
	}
	if err == nil {
		t.Error("unknown policy should report an error")
	}
}

func TestLocalBurstDefaultsToRate(t *testing.T) {
	l := NewLocal(map[string]config.PolicyConfig{
		"auth-public": {Rate: 5, Period: time.Minute},
	})
	defer l.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if allowed, _ := l.Allow(ctx, "auth-public", "1.2.3.4"); !allowed {
			t.Fatalf("request %d should be within the default burst", i+1)
		}
	}
	if allowed, _ := l.Allow(ctx, "auth-public", "1.2.3.4"); allowed {
		t.Error("sixth request should be denied")
	}
}

func TestValidatePolicies(t *testing.T) {
	cfgs := map[string]config.PolicyConfig{
		"chat": {Rate: 10},
	}

	if err := ValidatePolicies(map[string]bool{"chat": true}, cfgs); err != nil {
		t.Errorf("declared policy should validate: %v", err)
	}
	if err := ValidatePolicies(map[string]bool{"ghost": true}, cfgs); err == nil {
		t.Error("undeclared policy reference should fail validation")
	}
}
