package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"parley/internal/core/domain"
)

func seedMessage(id string, sender, receiver domain.UserID) *domain.ChatMessage {
	return &domain.ChatMessage{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    "hello " + id,
		Type:       domain.MessageTypeText,
		Status:     domain.StatusNotDelivered,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

func TestSaveAndGetByID(t *testing.T) {
	store := NewMemoryMessageStore()
	ctx := context.Background()

	msg := seedMessage("m1", "alice", "bob")
	if err := store.Save(ctx, msg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.GetByID(ctx, "m1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Content != msg.Content || got.SenderID != "alice" {
		t.Errorf("GetByID() = %+v, want saved message", got)
	}

	// Returned message is a copy; mutating it must not touch the store.
	got.Content = "tampered"
	again, _ := store.GetByID(ctx, "m1")
	if again.Content == "tampered" {
		t.Error("GetByID() returned shared state")
	}

	if _, err := store.GetByID(ctx, "missing"); err != domain.ErrMessageNotFound {
		t.Errorf("GetByID(missing) error = %v, want ErrMessageNotFound", err)
	}
}

func TestListConversationNewestFirst(t *testing.T) {
	store := NewMemoryMessageStore()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		sender, receiver := domain.UserID("alice"), domain.UserID("bob")
		if i%2 == 0 {
			sender, receiver = receiver, sender
		}
		if err := store.Save(ctx, seedMessage(fmt.Sprintf("m%d", i), sender, receiver)); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	// A message in an unrelated conversation must not leak in.
	if err := store.Save(ctx, seedMessage("other", "alice", "carol")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	tests := []struct {
		name    string
		page    int
		limit   int
		wantIDs []string
	}{
		{"first page", 1, 2, []string{"m5", "m4"}},
		{"second page", 2, 2, []string{"m3", "m2"}},
		{"last partial page", 3, 2, []string{"m1"}},
		{"past the end", 4, 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Direction of the lookup must not matter.
			got, err := store.ListConversation(ctx, "bob", "alice", tt.page, tt.limit)
			if err != nil {
				t.Fatalf("ListConversation() error = %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("ListConversation() returned %d messages, want %d", len(got), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if got[i].ID != want {
					t.Errorf("message[%d].ID = %q, want %q", i, got[i].ID, want)
				}
			}
		})
	}
}

func TestUpdateStatusIdempotent(t *testing.T) {
	store := NewMemoryMessageStore()
	ctx := context.Background()

	if err := store.Save(ctx, seedMessage("m1", "alice", "bob")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	changed, err := store.UpdateStatus(ctx, "m1", domain.StatusSeen)
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if !changed {
		t.Error("UpdateStatus() changed = false, want true on first transition")
	}

	changed, err = store.UpdateStatus(ctx, "m1", domain.StatusSeen)
	if err != nil {
		t.Fatalf("UpdateStatus() repeat error = %v", err)
	}
	if changed {
		t.Error("UpdateStatus() changed = true on repeat, want false")
	}

	got, _ := store.GetByID(ctx, "m1")
	if got.Status != domain.StatusSeen {
		t.Errorf("status = %q, want %q", got.Status, domain.StatusSeen)
	}

	if _, err := store.UpdateStatus(ctx, "missing", domain.StatusSeen); err != domain.ErrMessageNotFound {
		t.Errorf("UpdateStatus(missing) error = %v, want ErrMessageNotFound", err)
	}
}
