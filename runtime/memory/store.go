package memory

import "context"

// Store persists conversation memory.
//
// Load never reports a missing record as an error: downstream code treats
// absent memory as empty, so eviction is invisible to callers.
type Store interface {
	// Load returns the conversation's memory, or a zero Memory with the
	// ConversationID set when none is stored.
	Load(ctx context.Context, conversationID string) (Memory, error)

	// Save stores the memory and refreshes its TTL.
	Save(ctx context.Context, m Memory) error

	// Delete removes the conversation's memory. Removing an absent record
	// is not an error.
	Delete(ctx context.Context, conversationID string) error
}
