package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/memgo-dev/memgo/pkg/memorybank"
)

func TestModeFromFlags(t *testing.T) {
	tests := []struct {
		name     string
		eager    bool
		onDemand bool
		want     Mode
		wantErr  error
	}{
		{name: "neither", want: ModeOff},
		{name: "eager only", eager: true, want: ModeEager},
		{name: "on-demand only", onDemand: true, want: ModeOnDemand},
		{name: "both conflict", eager: true, onDemand: true, wantErr: ErrModeConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ModeFromFlags(tt.eager, tt.onDemand)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ModeFromFlags() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ModeFromFlags() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ModeFromFlags() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "defaults", policy: DefaultPolicy()},
		{name: "off mode", policy: Policy{Mode: ModeOff}},
		{name: "unknown mode", policy: Policy{Mode: "preload"}, wantErr: true},
		{name: "negative top k", policy: Policy{Mode: ModeEager, TopK: -1}, wantErr: true},
		{name: "negative timeout", policy: Policy{Mode: ModeEager, Timeout: -time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRejectsConflict(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	if _, err := New(bank, Policy{Mode: "preload"}); err == nil {
		t.Fatal("New() with unknown mode succeeded, want error")
	}
	if _, err := New(nil, DefaultPolicy()); err == nil {
		t.Fatal("New() without bank succeeded, want error")
	}
}

func TestRetrieveEager(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	ctx := context.Background()
	err := bank.AddSession(ctx, memorybank.Record{
		AppName:   "app",
		UserID:    "alice",
		SessionID: "s1",
		Content:   "user: I adopted a crocodile\nagent: wonderful",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}

	r, err := New(bank, Policy{Mode: ModeEager})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := r.Retrieve(ctx, "app", "alice", "tell me about my crocodile")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if result.Empty() {
		t.Fatal("Retrieve() found nothing, want the archived record")
	}
	if !r.Eager() || r.OnDemand() {
		t.Error("mode accessors disagree with ModeEager")
	}
}

func TestRetrieveOffReturnsEmpty(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	ctx := context.Background()
	_ = bank.AddSession(ctx, memorybank.Record{
		AppName: "app", UserID: "alice", SessionID: "s1",
		Content: "user: crocodile", CreatedAt: time.Now(),
	})

	r, err := New(bank, Policy{Mode: ModeOff})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := r.Retrieve(ctx, "app", "alice", "crocodile")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if !result.Empty() {
		t.Fatal("Retrieve() in off mode returned records")
	}
}

// failingBank simulates a memory backend outage.
type failingBank struct{}

func (failingBank) AddSession(ctx context.Context, rec memorybank.Record) error {
	return memorybank.ErrUnavailable
}

func (failingBank) Search(ctx context.Context, appName, userID, query string, topK int) (*memorybank.RetrievalResult, error) {
	return nil, memorybank.ErrUnavailable
}

func (failingBank) Ping(ctx context.Context) error { return memorybank.ErrUnavailable }
func (failingBank) Close() error                   { return nil }

func TestRetrieveDegradesOnBackendFailure(t *testing.T) {
	r, err := New(failingBank{}, Policy{Mode: ModeEager})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := r.Retrieve(context.Background(), "app", "alice", "anything")
	if err != nil {
		t.Fatalf("Retrieve() error = %v, want degradation to empty result", err)
	}
	if !result.Empty() {
		t.Fatal("Retrieve() returned records from a failing backend")
	}
}

// slowBank blocks until its context is done.
type slowBank struct{ failingBank }

func (slowBank) Search(ctx context.Context, appName, userID, query string, topK int) (*memorybank.RetrievalResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetrieveTimesOut(t *testing.T) {
	r, err := New(slowBank{}, Policy{Mode: ModeOnDemand, Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	start := time.Now()
	result, err := r.Retrieve(context.Background(), "app", "alice", "q")
	if err != nil {
		t.Fatalf("Retrieve() error = %v, want timeout degradation", err)
	}
	if !result.Empty() {
		t.Fatal("Retrieve() returned records from a stalled backend")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Retrieve() took %s, timeout did not bound the call", elapsed)
	}
}

func TestRetrieveScopeErrorPropagates(t *testing.T) {
	bank := memorybank.NewInMemory()
	defer bank.Close()

	r, err := New(bank, Policy{Mode: ModeEager})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := r.Retrieve(context.Background(), "", "alice", "q"); !errors.Is(err, memorybank.ErrMissingScope) {
		t.Errorf("Retrieve() without app error = %v, want ErrMissingScope", err)
	}
}
