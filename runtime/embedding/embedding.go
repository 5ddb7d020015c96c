// Package embedding defines the contract for dense-vector embedding clients
// used by the vehicle retriever. Implementations live under
// features/embeddings and map provider failures to model.ProviderError.
package embedding

import "context"

// Client produces embedding vectors for batches of input texts.
// Implementations must be safe for concurrent use; the background task pool
// issues several builds at once.
type Client interface {
	// Embed returns one vector per input text, in input order. The returned
	// slice always has len(texts) entries on success.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
