// Package retrieval ranks dealership inventory against conversation queries
// using cosine similarity over stored vehicle embeddings.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driveline-ai/driveline/runtime/embedding"
	"github.com/driveline-ai/driveline/runtime/inventory"
	"github.com/driveline-ai/driveline/runtime/telemetry"
)

type (
	// Result pairs a vehicle with its similarity to the query.
	Result struct {
		Vehicle inventory.Vehicle
		// Score is cosine similarity, possibly boosted by preference
		// matches. Never above 1.0.
		Score float64
	}

	// SearchContext carries conversation-derived constraints that refine
	// a base query.
	SearchContext struct {
		// BudgetLow and BudgetHigh bound the acceptable price. Results
		// are filtered only when both are present.
		BudgetLow  *float64
		BudgetHigh *float64
		// VehicleType keeps only vehicles whose description mentions it.
		VehicleType string
		// Preferences boost similarity by 0.10 per vehicle match.
		Preferences map[string]string
		// Urgent adds an availability qualifier to the derived queries.
		Urgent bool
	}

	// Retriever embeds queries and ranks a dealership's active vehicles.
	Retriever struct {
		store   inventory.Store
		client  embedding.Client
		logger  telemetry.Logger
		metrics telemetry.Metrics

		batchSize int
		workers   int
	}

	// Option configures a Retriever.
	Option func(*Retriever)
)

const (
	// DefaultTopK is used when callers pass a non-positive topK.
	DefaultTopK = 5
	// preferenceBoost is added to similarity per matching preference.
	preferenceBoost = 0.10

	defaultBatchSize = 16
	defaultWorkers   = 4
)

// WithLogger sets the retriever logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// WithMetrics sets the retriever metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// WithBatchSize bounds how many texts go into one embedding call during
// EnsureEmbeddings.
func WithBatchSize(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithWorkers bounds how many embedding batches run concurrently during
// EnsureEmbeddings.
func WithWorkers(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.workers = n
		}
	}
}

// New returns a Retriever over the given store and embedding client.
func New(store inventory.Store, client embedding.Client, opts ...Option) *Retriever {
	r := &Retriever{
		store:     store,
		client:    client,
		batchSize: defaultBatchSize,
		workers:   defaultWorkers,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	return r
}

// Search returns the dealership's topK active vehicles most similar to the
// query.
func (r *Retriever) Search(ctx context.Context, dealershipID uuid.UUID, query string, topK int) ([]Result, error) {
	start := time.Now()
	defer func() {
		r.metrics.RecordTimer(telemetry.MetricRetrievalLatency, time.Since(start), "operation", "search")
	}()

	if topK <= 0 {
		topK = DefaultTopK
	}
	vectors, err := r.client.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	ranked, err := r.rank(ctx, dealershipID, vectors[0])
	if err != nil {
		return nil, err
	}
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

// SearchWithContext expands the base query with conversation constraints,
// merges the per-query rankings, and reranks with preference boosts.
func (r *Retriever) SearchWithContext(ctx context.Context, dealershipID uuid.UUID, base string, sc SearchContext, topK int) ([]Result, error) {
	start := time.Now()
	defer func() {
		r.metrics.RecordTimer(telemetry.MetricRetrievalLatency, time.Since(start), "operation", "search_context")
	}()

	if topK <= 0 {
		topK = DefaultTopK
	}
	queries := deriveQueries(base, sc)
	vectors, err := r.client.Embed(ctx, queries)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed queries: %w", err)
	}
	if len(vectors) != len(queries) {
		return nil, fmt.Errorf("retrieval: embedding count mismatch: %d texts, %d vectors", len(queries), len(vectors))
	}

	// Merge per-query rankings in query order so the base query outranks
	// its qualified variants on ties.
	var merged []Result
	seen := make(map[string]bool)
	for _, vec := range vectors {
		ranked, err := r.rank(ctx, dealershipID, vec)
		if err != nil {
			return nil, err
		}
		if len(ranked) > topK {
			ranked = ranked[:topK]
		}
		for _, res := range ranked {
			key := dedupeKey(res.Vehicle)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, res)
		}
	}

	filtered := merged[:0]
	for _, res := range merged {
		if !withinBudget(res.Vehicle, sc) {
			continue
		}
		if !matchesType(res.Vehicle, sc.VehicleType) {
			continue
		}
		res.Score = boost(res, sc.Preferences)
		filtered = append(filtered, res)
	}

	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered, nil
}

// EnsureEmbeddings builds vectors for the dealership's active vehicles that
// have none or whose canonical text changed. It returns how many vectors it
// built and is safe to run repeatedly.
func (r *Retriever) EnsureEmbeddings(ctx context.Context, dealershipID uuid.UUID) (int, error) {
	vehicles, err := r.store.List(ctx, dealershipID, inventory.ListFilter{Status: inventory.StatusActive})
	if err != nil {
		return 0, fmt.Errorf("retrieval: list vehicles: %w", err)
	}
	existing, err := r.store.ListEmbeddings(ctx, dealershipID)
	if err != nil {
		return 0, fmt.Errorf("retrieval: list embeddings: %w", err)
	}
	hashes := make(map[uuid.UUID]string, len(existing))
	for _, e := range existing {
		hashes[e.VehicleID] = e.InputHash
	}

	var stale []inventory.Vehicle
	for _, v := range vehicles {
		if hashes[v.ID] != inventory.InputHash(v) {
			stale = append(stale, v)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		built int
		first error
		sem   = make(chan struct{}, r.workers)
	)
	for start := 0; start < len(stale); start += r.batchSize {
		end := start + r.batchSize
		if end > len(stale) {
			end = len(stale)
		}
		batch := stale[start:end]

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			n, err := r.buildBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			built += n
			if err != nil && first == nil {
				first = err
			}
		}()
	}
	wg.Wait()

	r.metrics.IncCounter(telemetry.MetricEmbeddingsBuilt, float64(built))
	r.logger.Info(ctx, "embeddings ensured",
		"dealership_id", dealershipID.String(), "stale", len(stale), "built", built)
	return built, first
}

// RefreshVehicle rebuilds one vehicle's embedding if its canonical text
// changed. A vehicle that no longer exists has its vector removed instead.
func (r *Retriever) RefreshVehicle(ctx context.Context, vehicleID uuid.UUID) error {
	v, err := r.store.Get(ctx, vehicleID)
	if errors.Is(err, inventory.ErrNotFound) {
		return r.store.DeleteEmbedding(ctx, vehicleID)
	}
	if err != nil {
		return fmt.Errorf("retrieval: get vehicle: %w", err)
	}

	hash := inventory.InputHash(v)
	if cur, err := r.store.GetEmbedding(ctx, vehicleID); err == nil && cur.InputHash == hash {
		return nil
	}
	if _, err := r.buildBatch(ctx, []inventory.Vehicle{v}); err != nil {
		return err
	}
	r.metrics.IncCounter(telemetry.MetricEmbeddingsBuilt, 1)
	return nil
}

// RemoveVehicle drops the vehicle's embedding. Missing vectors are fine.
func (r *Retriever) RemoveVehicle(ctx context.Context, vehicleID uuid.UUID) error {
	return r.store.DeleteEmbedding(ctx, vehicleID)
}

func (r *Retriever) buildBatch(ctx context.Context, batch []inventory.Vehicle) (int, error) {
	texts := make([]string, len(batch))
	for i, v := range batch {
		texts[i] = inventory.EmbeddingInput(v)
	}
	vectors, err := r.client.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("retrieval: embed batch: %w", err)
	}
	if len(vectors) != len(batch) {
		return 0, fmt.Errorf("retrieval: embedding count mismatch: %d texts, %d vectors", len(batch), len(vectors))
	}

	now := time.Now().UTC()
	built := 0
	for i, v := range batch {
		e := inventory.Embedding{
			VehicleID:    v.ID,
			DealershipID: v.DealershipID,
			Vector:       vectors[i],
			InputHash:    inventory.InputHash(v),
			UpdatedAt:    now,
		}
		if err := r.store.PutEmbedding(ctx, e); err != nil {
			return built, fmt.Errorf("retrieval: put embedding: %w", err)
		}
		built++
	}
	return built, nil
}

// rank scores every active vehicle that has an embedding, best first. Ties
// break on newer listings so ordering is stable across runs.
func (r *Retriever) rank(ctx context.Context, dealershipID uuid.UUID, queryVec []float32) ([]Result, error) {
	vehicles, err := r.store.List(ctx, dealershipID, inventory.ListFilter{Status: inventory.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("retrieval: list vehicles: %w", err)
	}
	embeddings, err := r.store.ListEmbeddings(ctx, dealershipID)
	if err != nil {
		return nil, fmt.Errorf("retrieval: list embeddings: %w", err)
	}
	vectors := make(map[uuid.UUID][]float32, len(embeddings))
	for _, e := range embeddings {
		vectors[e.VehicleID] = e.Vector
	}

	results := make([]Result, 0, len(vehicles))
	for _, v := range vehicles {
		vec, ok := vectors[v.ID]
		if !ok {
			continue
		}
		results = append(results, Result{Vehicle: v, Score: Cosine(queryVec, vec)})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths
// and zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// deriveQueries returns the base query plus up to three qualified variants.
func deriveQueries(base string, sc SearchContext) []string {
	queries := []string{base}
	switch {
	case sc.BudgetLow != nil && sc.BudgetHigh != nil:
		queries = append(queries, fmt.Sprintf("%s between $%.0f and $%.0f", base, *sc.BudgetLow, *sc.BudgetHigh))
	case sc.BudgetHigh != nil:
		queries = append(queries, fmt.Sprintf("%s under $%.0f", base, *sc.BudgetHigh))
	case sc.BudgetLow != nil:
		queries = append(queries, fmt.Sprintf("%s over $%.0f", base, *sc.BudgetLow))
	}
	if sc.VehicleType != "" {
		queries = append(queries, base+" "+sc.VehicleType)
	}
	if sc.Urgent {
		queries = append(queries, base+" available now")
	}
	return queries
}

func dedupeKey(v inventory.Vehicle) string {
	return fmt.Sprintf("%d|%s|%s", v.Year, strings.ToLower(v.Make), strings.ToLower(v.Model))
}

func withinBudget(v inventory.Vehicle, sc SearchContext) bool {
	if sc.BudgetLow == nil || sc.BudgetHigh == nil {
		return true
	}
	return v.Price >= *sc.BudgetLow && v.Price <= *sc.BudgetHigh
}

func matchesType(v inventory.Vehicle, vehicleType string) bool {
	if vehicleType == "" {
		return true
	}
	return strings.Contains(strings.ToLower(v.Description), strings.ToLower(vehicleType))
}

// boost raises the score by preferenceBoost for every preference whose
// value appears in the vehicle's description or features, capped at 1.0.
func boost(res Result, prefs map[string]string) float64 {
	score := res.Score
	for _, want := range prefs {
		if want == "" {
			continue
		}
		if vehicleMentions(res.Vehicle, want) {
			score += preferenceBoost
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func vehicleMentions(v inventory.Vehicle, term string) bool {
	term = strings.ToLower(term)
	if strings.Contains(strings.ToLower(v.Description), term) {
		return true
	}
	for _, f := range v.Features {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}
