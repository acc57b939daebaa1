// internal/adapter/docstore/store.go

// Package docstore defines a minimal partitioned document store and provides
// PostgreSQL and in-memory implementations of it.
//
// Documents are JSON bodies addressed by ID and placed in exactly one
// partition. Queries are a conjunction of field conditions evaluated
// server-side, with an optional projection of top-level fields. Batches are
// scoped to one partition and apply all-or-nothing.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Operator is a comparison applied by a Condition
type Operator string

const (
	OpEqual   Operator = "="
	OpGreater Operator = ">"
	OpIn      Operator = "IN"
)

// DefaultPageSize is used when a query does not set one
const DefaultPageSize = 100

var (
	// ErrConflict is returned when an item with the same ID already exists
	ErrConflict = errors.New("document already exists")

	// ErrPartitionMismatch is returned when an item is added to a batch of another partition
	ErrPartitionMismatch = errors.New("document partition key does not match batch")

	// ErrUnsupportedCondition is returned for conditions a store cannot evaluate
	ErrUnsupportedCondition = errors.New("unsupported condition")
)

// Condition compares the value at a dotted JSON path against Value.
// For OpIn, Value must be a []string. The "id" field of a document must
// equal its Item.ID.
type Condition struct {
	Field string
	Op    Operator
	Value interface{}
}

// Predicate is a conjunction of conditions
type Predicate []Condition

// Eq builds an equality condition
func Eq(field string, value interface{}) Condition {
	return Condition{Field: field, Op: OpEqual, Value: value}
}

// Gt builds a greater-than condition
func Gt(field string, value interface{}) Condition {
	return Condition{Field: field, Op: OpGreater, Value: value}
}

// In builds a set membership condition
func In(field string, values []string) Condition {
	return Condition{Field: field, Op: OpIn, Value: values}
}

// Query describes a server-side filter and projection
type Query struct {
	// PartitionKey scopes the query to one partition; empty spans all of them
	PartitionKey string

	Where Predicate

	// Select lists top-level fields to return; empty returns whole documents
	Select []string

	PageSize int
}

// Item is a document placed in a partition
type Item struct {
	ID           string
	PartitionKey string
	Body         json.RawMessage
}

// Iterator walks the pages of a query result. It is forward-only; restart by
// issuing the query again.
type Iterator interface {
	HasMoreResults() bool
	ReadNext(ctx context.Context) ([]json.RawMessage, error)
}

// ItemResult is the outcome of one operation in a batch
type ItemResult struct {
	ID         string
	StatusCode int
}

// BatchResponse reports the outcome of a batch execution
type BatchResponse struct {
	StatusCode int
	Results    []ItemResult
}

// IsSuccessStatusCode reports whether every operation in the batch was applied
func (r *BatchResponse) IsSuccessStatusCode() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Batch queues creates for a single partition
type Batch interface {
	Create(item Item) Batch
	Execute(ctx context.Context) (*BatchResponse, error)
}

// Container is a collection of partitioned documents
type Container interface {
	Query(q Query) Iterator
	CreateItem(ctx context.Context, item Item) (Item, error)
	CreateBatch(partitionKey string) Batch
}

// ReadAll drains an iterator, decoding every item into T
func ReadAll[T any](ctx context.Context, it Iterator) ([]T, error) {
	var results []T
	for it.HasMoreResults() {
		page, err := it.ReadNext(ctx)
		if err != nil {
			return nil, err
		}

		for _, raw := range page {
			var item T
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("error decoding document: %w", err)
			}
			results = append(results, item)
		}
	}
	return results, nil
}

// failedBatch builds the response for a batch rejected at index failedAt.
// Cosmos-style: the failing item carries the cause, the rest fail as dependencies.
func failedBatch(items []Item, failedAt int, status int) *BatchResponse {
	results := make([]ItemResult, len(items))
	for i, item := range items {
		results[i] = ItemResult{ID: item.ID, StatusCode: http.StatusFailedDependency}
		if i == failedAt {
			results[i].StatusCode = status
		}
	}
	return &BatchResponse{StatusCode: status, Results: results}
}

func succeededBatch(items []Item) *BatchResponse {
	results := make([]ItemResult, len(items))
	for i, item := range items {
		results[i] = ItemResult{ID: item.ID, StatusCode: http.StatusCreated}
	}
	return &BatchResponse{StatusCode: http.StatusOK, Results: results}
}
