package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// Chunk is a stored piece of reference text with its embedding.
type Chunk struct {
	ID     string    `json:"id"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector"`
}

// Match is a chunk scored against a query vector.
type Match struct {
	Chunk Chunk
	Score float64
}

// Store keeps chunks in redis and searches them by cosine similarity.
type Store struct {
	client *backend.Client
	prefix string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPrefix sets the key prefix for chunk records.
func WithPrefix(prefix string) StoreOption {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore creates a chunk store from an existing redis client.
func NewStore(client *backend.Client, opts ...StoreOption) *Store {
	store := &Store{
		client: client,
		prefix: "reportforge:chunk:",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// Add stores a chunk and returns its generated ID.
func (s *Store) Add(ctx context.Context, text string, vector []float32) (string, error) {
	chunk := Chunk{
		ID:     uuid.New().String(),
		Text:   text,
		Vector: vector,
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chunk: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(chunk.ID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), chunk.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to store chunk: %w", err)
	}
	return chunk.ID, nil
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int64, error) {
	count, err := s.client.SCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// Search returns up to k chunks ranked by cosine similarity to the query
// vector. An empty store yields an empty result, not an error.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	matches := make([]Match, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.key(id)).Result()
		if err == backend.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load chunk %s: %w", id, err)
		}

		var chunk Chunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chunk %s: %w", id, err)
		}

		matches = append(matches, Match{Chunk: chunk, Score: cosineSimilarity(query, chunk.Vector)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// cosineSimilarity returns the cosine of the angle between two vectors,
// or 0 when either has zero magnitude or dimensions differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
