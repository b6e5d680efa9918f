package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// runContract exercises the HistoryStore guarantees against one backend.
func runContract(t *testing.T, newStore func(t *testing.T) HistoryStore) {
	t.Helper()

	t.Run("get missing session is empty", func(t *testing.T) {
		store := newStore(t)
		transcript, err := store.Get(context.Background(), "missing")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if transcript.Len() != 0 {
			t.Errorf("Len() = %d, want 0", transcript.Len())
		}
	})

	t.Run("append preserves order", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		first := []Turn{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		}
		second := []Turn{
			{Role: RoleUser, Content: "how are you"},
			{Role: RoleAssistant, Content: "fine"},
		}
		if err := store.AppendAtomic(ctx, "S1", first); err != nil {
			t.Fatalf("AppendAtomic() error = %v", err)
		}
		if err := store.AppendAtomic(ctx, "S1", second); err != nil {
			t.Fatalf("AppendAtomic() error = %v", err)
		}

		transcript, err := store.Get(ctx, "S1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		want := []string{"hi", "hello", "how are you", "fine"}
		if transcript.Len() != len(want) {
			t.Fatalf("Len() = %d, want %d", transcript.Len(), len(want))
		}
		for i, content := range want {
			if transcript[i].Content != content {
				t.Errorf("turn %d content = %q, want %q", i, transcript[i].Content, content)
			}
		}
		if transcript[0].Role != RoleUser || transcript[1].Role != RoleAssistant {
			t.Errorf("unexpected roles: %v, %v", transcript[0].Role, transcript[1].Role)
		}
	})

	t.Run("sessions are independent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if err := store.AppendAtomic(ctx, "A", []Turn{{Role: RoleUser, Content: "a"}}); err != nil {
			t.Fatalf("AppendAtomic() error = %v", err)
		}
		transcript, err := store.Get(ctx, "B")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if transcript.Len() != 0 {
			t.Errorf("session B should be empty, got %d turns", transcript.Len())
		}
	})

	t.Run("clear removes transcript", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if err := store.AppendAtomic(ctx, "S1", []Turn{{Role: RoleUser, Content: "hi"}}); err != nil {
			t.Fatalf("AppendAtomic() error = %v", err)
		}
		if err := store.Clear(ctx, "S1"); err != nil {
			t.Fatalf("Clear() error = %v", err)
		}
		transcript, err := store.Get(ctx, "S1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if transcript.Len() != 0 {
			t.Errorf("Len() after clear = %d, want 0", transcript.Len())
		}
	})

	t.Run("clear is idempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			if err := store.Clear(ctx, "never-written"); err != nil {
				t.Fatalf("Clear() #%d error = %v", i, err)
			}
		}
	})

	t.Run("retried exchange is appended once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		turns := []Turn{
			{Role: RoleUser, Content: "hi", ExchangeID: "ex-1"},
			{Role: RoleAssistant, Content: "hello", ExchangeID: "ex-1"},
		}
		for i := 0; i < 3; i++ {
			if err := store.AppendAtomic(ctx, "S1", turns); err != nil {
				t.Fatalf("AppendAtomic() #%d error = %v", i, err)
			}
		}
		transcript, err := store.Get(ctx, "S1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if transcript.Len() != 2 {
			t.Errorf("Len() = %d, want 2", transcript.Len())
		}
	})

	t.Run("concurrent appends keep pairs together", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const calls = 20

		var wg sync.WaitGroup
		errs := make(chan error, calls)
		for i := 0; i < calls; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("ex-%d", i)
				errs <- store.AppendAtomic(ctx, "S1", []Turn{
					{Role: RoleUser, Content: id, ExchangeID: id},
					{Role: RoleAssistant, Content: id, ExchangeID: id},
				})
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("AppendAtomic() error = %v", err)
			}
		}

		transcript, err := store.Get(ctx, "S1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if transcript.Len() != 2*calls {
			t.Fatalf("Len() = %d, want %d", transcript.Len(), 2*calls)
		}
		for i := 0; i < transcript.Len(); i += 2 {
			user, assistant := transcript[i], transcript[i+1]
			if user.Role != RoleUser || assistant.Role != RoleAssistant {
				t.Fatalf("turns %d/%d are not a user/assistant pair", i, i+1)
			}
			if user.ExchangeID != assistant.ExchangeID {
				t.Fatalf("turns %d/%d come from different exchanges", i, i+1)
			}
		}
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if err := store.AppendAtomic(ctx, "", []Turn{{Role: RoleUser}}); !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("empty session id: got %v, want ErrInvalidSessionID", err)
		}
		if err := store.AppendAtomic(ctx, "S1", nil); !errors.Is(err, ErrInvalidTurn) {
			t.Errorf("empty batch: got %v, want ErrInvalidTurn", err)
		}
		if err := store.AppendAtomic(ctx, "S1", []Turn{{Role: "system", Content: "x"}}); !errors.Is(err, ErrInvalidTurn) {
			t.Errorf("bad role: got %v, want ErrInvalidTurn", err)
		}
		if _, err := store.Get(ctx, "../etc"); !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("traversal id: got %v, want ErrInvalidSessionID", err)
		}
	})

	t.Run("closed store fails", func(t *testing.T) {
		store := newStore(t)
		if err := store.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if _, err := store.Get(context.Background(), "S1"); !errors.Is(err, ErrStorageClosed) {
			t.Errorf("Get() after close: got %v, want ErrStorageClosed", err)
		}
		if err := store.Ping(context.Background()); !errors.Is(err, ErrStorageClosed) {
			t.Errorf("Ping() after close: got %v, want ErrStorageClosed", err)
		}
	})
}

func TestMemoryBackend_Contract(t *testing.T) {
	runContract(t, func(t *testing.T) HistoryStore {
		return NewMemoryBackend()
	})
}

func TestMemoryBackend_GetReturnsCopy(t *testing.T) {
	store := NewMemoryBackend()
	ctx := context.Background()

	if err := store.AppendAtomic(ctx, "S1", []Turn{{Role: RoleUser, Content: "hi"}}); err != nil {
		t.Fatalf("AppendAtomic() error = %v", err)
	}
	transcript, _ := store.Get(ctx, "S1")
	transcript[0].Content = "mutated"

	again, _ := store.Get(ctx, "S1")
	if again[0].Content != "hi" {
		t.Errorf("stored turn was mutated through Get result: %q", again[0].Content)
	}
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"uuid", "2f1b6c1e-4e0a-4c55-9d8e-0c6f0f4f7c11", false},
		{"cognito sub", "us-east-1:abc123", false},
		{"empty", "", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"traversal", "..", true},
		{"control char", "a\nb", true},
		{"too long", string(make([]byte, maxSessionIDLength+1)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}
