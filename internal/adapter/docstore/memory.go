// internal/adapter/docstore/memory.go

package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// MemoryContainer is an in-process Container. It is used for local
// development and as the store behind repository tests.
type MemoryContainer struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewMemoryContainer creates an empty in-memory container
func NewMemoryContainer() *MemoryContainer {
	return &MemoryContainer{
		items: make(map[string]Item),
	}
}

// Len returns the number of stored documents, visible or not
func (c *MemoryContainer) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// PartitionOf returns the partition key a document was stored under
func (c *MemoryContainer) PartitionOf(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[id]
	return item.PartitionKey, ok
}

// CreateItem stores a single document
func (c *MemoryContainer) CreateItem(ctx context.Context, item Item) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[item.ID]; exists {
		return Item{}, fmt.Errorf("%w: %s", ErrConflict, item.ID)
	}

	c.items[item.ID] = cloneItem(item)
	return item, nil
}

// CreateBatch starts a batch scoped to a partition
func (c *MemoryContainer) CreateBatch(partitionKey string) Batch {
	return &memoryBatch{container: c, partitionKey: partitionKey}
}

// Query returns an iterator over documents matching the query
func (c *MemoryContainer) Query(q Query) Iterator {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &memoryIterator{container: c, query: q, pageSize: pageSize}
}

// snapshot evaluates the query against the current contents, ordered by ID
func (c *MemoryContainer) snapshot(q Query) ([]json.RawMessage, error) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.items))
	for id, item := range c.items {
		if q.PartitionKey != "" && item.PartitionKey != q.PartitionKey {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	bodies := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		bodies = append(bodies, c.items[id].Body)
	}
	c.mu.RUnlock()

	var results []json.RawMessage
	for _, body := range bodies {
		doc, err := decodeDocument(body)
		if err != nil {
			return nil, err
		}

		match, err := matches(doc, q.Where)
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}

		projected, err := project(body, q.Select)
		if err != nil {
			return nil, err
		}
		results = append(results, projected)
	}

	return results, nil
}

type memoryBatch struct {
	container    *MemoryContainer
	partitionKey string
	items        []Item
}

func (b *memoryBatch) Create(item Item) Batch {
	b.items = append(b.items, item)
	return b
}

// Execute applies every queued create or none of them
func (b *memoryBatch) Execute(ctx context.Context) (*BatchResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := b.container
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(b.items))
	for i, item := range b.items {
		if item.PartitionKey != b.partitionKey {
			return failedBatch(b.items, i, http.StatusBadRequest), nil
		}
		if _, exists := c.items[item.ID]; exists || seen[item.ID] {
			return failedBatch(b.items, i, http.StatusConflict), nil
		}
		seen[item.ID] = true
	}

	for _, item := range b.items {
		c.items[item.ID] = cloneItem(item)
	}

	return succeededBatch(b.items), nil
}

type memoryIterator struct {
	container *MemoryContainer
	query     Query
	pageSize  int
	results   []json.RawMessage
	loaded    bool
	offset    int
}

func (it *memoryIterator) HasMoreResults() bool {
	return !it.loaded || it.offset < len(it.results)
}

func (it *memoryIterator) ReadNext(ctx context.Context) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !it.loaded {
		results, err := it.container.snapshot(it.query)
		if err != nil {
			return nil, err
		}
		it.results = results
		it.loaded = true
	}

	end := it.offset + it.pageSize
	if end > len(it.results) {
		end = len(it.results)
	}

	page := it.results[it.offset:end]
	it.offset = end
	return page, nil
}

func cloneItem(item Item) Item {
	body := make(json.RawMessage, len(item.Body))
	copy(body, item.Body)
	item.Body = body
	return item
}

func decodeDocument(body json.RawMessage) (interface{}, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var doc interface{}
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("error decoding document: %w", err)
	}
	return doc, nil
}

func lookup(doc interface{}, path string) (interface{}, bool) {
	current := doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func matches(doc interface{}, where Predicate) (bool, error) {
	for _, cond := range where {
		value, found := lookup(doc, cond.Field)
		if !found {
			return false, nil
		}

		ok, err := evaluate(value, cond)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluate(value interface{}, cond Condition) (bool, error) {
	switch cond.Op {
	case OpEqual:
		if want, ok := cond.Value.(string); ok {
			got, isString := value.(string)
			return isString && got == want, nil
		}
		if want, ok := cond.Value.(bool); ok {
			got, isBool := value.(bool)
			return isBool && got == want, nil
		}
		want, ok := toFloat(cond.Value)
		if !ok {
			return false, fmt.Errorf("%w: %s %s %T", ErrUnsupportedCondition, cond.Field, cond.Op, cond.Value)
		}
		got, isNumber := toFloat(value)
		return isNumber && got == want, nil

	case OpGreater:
		want, ok := toFloat(cond.Value)
		if !ok {
			return false, fmt.Errorf("%w: %s %s %T", ErrUnsupportedCondition, cond.Field, cond.Op, cond.Value)
		}
		got, isNumber := toFloat(value)
		return isNumber && got > want, nil

	case OpIn:
		set, ok := cond.Value.([]string)
		if !ok {
			return false, fmt.Errorf("%w: %s %s %T", ErrUnsupportedCondition, cond.Field, cond.Op, cond.Value)
		}
		got, isString := value.(string)
		if !isString {
			return false, nil
		}
		for _, candidate := range set {
			if candidate == got {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("%w: operator %q", ErrUnsupportedCondition, cond.Op)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func project(body json.RawMessage, fields []string) (json.RawMessage, error) {
	if len(fields) == 0 {
		return body, nil
	}

	var full map[string]json.RawMessage
	if err := json.Unmarshal(body, &full); err != nil {
		return nil, fmt.Errorf("error decoding document: %w", err)
	}

	projected := make(map[string]json.RawMessage, len(fields))
	for _, field := range fields {
		if value, ok := full[field]; ok {
			projected[field] = value
		}
	}

	return json.Marshal(projected)
}
