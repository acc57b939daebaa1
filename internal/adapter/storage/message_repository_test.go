package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areareport/internal/adapter/docstore"
	"areareport/internal/domain/geo"
	"areareport/internal/domain/message"
)

var (
	seattle      = geo.Region{LatitudePrefix: 47.57, LongitudePrefix: -122.33, Precision: 8}
	seattleNear  = geo.Region{LatitudePrefix: 47.62, LongitudePrefix: -122.36, Precision: 8}
	newYork      = geo.Region{LatitudePrefix: 40.7128, LongitudePrefix: -74.0060, Precision: 8}
	baseTime     = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	testPayload  = &message.MessageContainer{Narrowcasts: []message.NarrowcastMessage{{UserMessage: "stay home"}}}
	otherPayload = &message.MessageContainer{Narrowcasts: []message.NarrowcastMessage{{UserMessage: "wash hands"}}}
)

// countingContainer records batches and queries issued against a container
type countingContainer struct {
	docstore.Container

	mu      sync.Mutex
	batches map[string]int
	queries int
	issued  []docstore.Query
}

func newCountingContainer(inner docstore.Container) *countingContainer {
	return &countingContainer{Container: inner, batches: make(map[string]int)}
}

func (c *countingContainer) CreateBatch(partitionKey string) docstore.Batch {
	c.mu.Lock()
	c.batches[partitionKey]++
	c.mu.Unlock()
	return c.Container.CreateBatch(partitionKey)
}

func (c *countingContainer) Query(q docstore.Query) docstore.Iterator {
	c.mu.Lock()
	c.queries++
	c.issued = append(c.issued, q)
	c.mu.Unlock()
	return c.Container.Query(q)
}

// failingContainer rejects batches for selected partitions
type failingContainer struct {
	docstore.Container
	failing map[string]bool
}

func (c *failingContainer) CreateBatch(partitionKey string) docstore.Batch {
	if c.failing[partitionKey] {
		return &rejectedBatch{}
	}
	return c.Container.CreateBatch(partitionKey)
}

type rejectedBatch struct {
	items []docstore.Item
}

func (b *rejectedBatch) Create(item docstore.Item) docstore.Batch {
	b.items = append(b.items, item)
	return b
}

func (b *rejectedBatch) Execute(ctx context.Context) (*docstore.BatchResponse, error) {
	return &docstore.BatchResponse{StatusCode: http.StatusServiceUnavailable}, nil
}

type fakeCache struct {
	mu      sync.Mutex
	records map[string]*message.Record
	getErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{records: make(map[string]*message.Record)}
}

func (c *fakeCache) Get(ctx context.Context, id string) (*message.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.records[id], nil
}

func (c *fakeCache) Set(ctx context.Context, record *message.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[record.ID] = record
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestRepository(container docstore.Container, clock *testClock, maxDays int) *MessageRepository {
	return NewMessageRepository(container, nil, zerolog.Nop(), MessageRepositoryConfig{
		MaxDataAgeDays: maxDays,
		PageSize:       2,
		Now:            clock.Now,
	})
}

func insertRaw(t *testing.T, c docstore.Container, record *message.Record) {
	t.Helper()

	body, err := json.Marshal(record)
	require.NoError(t, err)

	_, err = c.CreateItem(context.Background(), docstore.Item{ID: record.ID, PartitionKey: record.PartitionKey, Body: body})
	require.NoError(t, err)
}

func TestMessageRepository_InsertOneAndGet(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: baseTime}
	repo := newTestRepository(docstore.NewMemoryContainer(), clock, 14)

	id, err := repo.InsertOne(ctx, testPayload, &seattle)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, record)

	assert.Equal(t, id, record.ID)
	assert.Equal(t, testPayload, record.Value)
	assert.Equal(t, geo.AdjustToPrecision(seattle), record.Region)
	assert.Equal(t, geo.GetPartitionKey(seattle), record.PartitionKey)
	assert.Equal(t, baseTime.UnixMilli(), record.Timestamp)
	assert.Equal(t, message.CurrentRecordVersion, record.Version)

	size, err := testPayload.Size()
	require.NoError(t, err)
	assert.Equal(t, size, record.Size)
}

func TestMessageRepository_GetUnknown(t *testing.T) {
	repo := newTestRepository(docstore.NewMemoryContainer(), &testClock{now: baseTime}, 14)

	record, err := repo.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestMessageRepository_InsertOneValidation(t *testing.T) {
	ctx := context.Background()
	container := docstore.NewMemoryContainer()
	repo := newTestRepository(container, &testClock{now: baseTime}, 14)

	_, err := repo.InsertOne(ctx, nil, &seattle)
	assert.ErrorIs(t, err, message.ErrNilPayload)

	_, err = repo.InsertOne(ctx, testPayload, nil)
	assert.ErrorIs(t, err, message.ErrNilRegion)

	_, err = repo.InsertOne(ctx, testPayload, &geo.Region{LatitudePrefix: 91, Precision: 8})
	assert.ErrorIs(t, err, geo.ErrInvalidRegion)

	assert.Equal(t, 0, container.Len())
}

func TestMessageRepository_GetLatestMatchesCell(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(docstore.NewMemoryContainer(), &testClock{now: baseTime}, 14)

	id, err := repo.InsertOne(ctx, testPayload, &seattle)
	require.NoError(t, err)

	// another point in the same cell sees the record
	latest, err := repo.GetLatest(ctx, seattleNear, 0)
	require.NoError(t, err)
	assert.Equal(t, []message.Metadata{{ID: id, Timestamp: baseTime.UnixMilli()}}, latest)

	latest, err = repo.GetLatest(ctx, newYork, 0)
	require.NoError(t, err)
	assert.Empty(t, latest)

	// same cell at another precision is a different region
	coarse := seattle
	coarse.Precision = 6
	latest, err = repo.GetLatest(ctx, coarse, 0)
	require.NoError(t, err)
	assert.Empty(t, latest)
}

func TestMessageRepository_QueriesUsePartitionAndID(t *testing.T) {
	ctx := context.Background()
	counting := newCountingContainer(docstore.NewMemoryContainer())
	repo := newTestRepository(counting, &testClock{now: baseTime}, 14)

	_, err := repo.GetLatest(ctx, seattleNear, 0)
	require.NoError(t, err)
	_, err = repo.GetLatestSize(ctx, seattle, 0)
	require.NoError(t, err)
	_, err = repo.Get(ctx, "some-id")
	require.NoError(t, err)
	_, err = repo.GetRange(ctx, []string{"a", "b"})
	require.NoError(t, err)

	require.Len(t, counting.issued, 4)

	cell := geo.GetPartitionKey(geo.AdjustToPrecision(seattle))
	assert.Equal(t, cell, counting.issued[0].PartitionKey)
	assert.Equal(t, cell, counting.issued[1].PartitionKey)

	assert.Equal(t, docstore.Eq(message.FieldID, "some-id"), counting.issued[2].Where[0])
	assert.Equal(t, docstore.In(message.FieldID, []string{"a", "b"}), counting.issued[3].Where[0])
}

func TestMessageRepository_GetLatestAfterTimestamp(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: baseTime.Add(-2 * time.Hour)}
	repo := newTestRepository(docstore.NewMemoryContainer(), clock, 14)

	first, err := repo.InsertOne(ctx, testPayload, &seattle)
	require.NoError(t, err)

	clock.Set(baseTime.Add(-time.Hour))
	second, err := repo.InsertOne(ctx, otherPayload, &seattle)
	require.NoError(t, err)

	clock.Set(baseTime)

	all, err := repo.GetLatest(ctx, seattle, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first, second}, metadataIDs(all))

	newer, err := repo.GetLatest(ctx, seattle, baseTime.Add(-2*time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, []string{second}, metadataIDs(newer))

	none, err := repo.GetLatest(ctx, seattle, baseTime.Add(-time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMessageRepository_Retention(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: baseTime.AddDate(0, 0, -40)}
	repo := newTestRepository(docstore.NewMemoryContainer(), clock, 30)

	_, err := repo.InsertOne(ctx, testPayload, &seattle)
	require.NoError(t, err)

	clock.Set(baseTime.AddDate(0, 0, -1))
	recent, err := repo.InsertOne(ctx, otherPayload, &seattle)
	require.NoError(t, err)

	clock.Set(baseTime)

	latest, err := repo.GetLatest(ctx, seattle, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{recent}, metadataIDs(latest))

	// a client cannot reach past the retention window
	latest, err = repo.GetLatest(ctx, seattle, baseTime.AddDate(0, 0, -45).UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, []string{recent}, metadataIDs(latest))

	size, err := repo.GetLatestSize(ctx, seattle, 0)
	require.NoError(t, err)
	expected, err := otherPayload.Size()
	require.NoError(t, err)
	assert.Equal(t, expected, size)
}

func TestMessageRepository_GetLatestSize(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(docstore.NewMemoryContainer(), &testClock{now: baseTime}, 14)

	size, err := repo.GetLatestSize(ctx, seattle, 0)
	require.NoError(t, err)
	assert.Zero(t, size)

	for _, p := range []*message.MessageContainer{testPayload, otherPayload, testPayload} {
		_, err := repo.InsertOne(ctx, p, &seattle)
		require.NoError(t, err)
	}
	_, err = repo.InsertOne(ctx, otherPayload, &newYork)
	require.NoError(t, err)

	a, _ := testPayload.Size()
	b, _ := otherPayload.Size()

	size, err = repo.GetLatestSize(ctx, seattleNear, 0)
	require.NoError(t, err)
	assert.Equal(t, 2*a+b, size)
}

func TestMessageRepository_HidesOldVersions(t *testing.T) {
	ctx := context.Background()
	container := docstore.NewMemoryContainer()
	repo := newTestRepository(container, &testClock{now: baseTime}, 14)

	legacy, err := message.NewRecord(testPayload, seattle, baseTime)
	require.NoError(t, err)
	legacy.Version = message.CurrentRecordVersion - 1
	insertRaw(t, container, legacy)

	current, err := repo.InsertOne(ctx, otherPayload, &seattle)
	require.NoError(t, err)

	record, err := repo.Get(ctx, legacy.ID)
	require.NoError(t, err)
	assert.Nil(t, record)

	latest, err := repo.GetLatest(ctx, seattle, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{current}, metadataIDs(latest))

	records, err := repo.GetRange(ctx, []string{legacy.ID, current})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, current, records[0].ID)

	size, err := repo.GetLatestSize(ctx, seattle, 0)
	require.NoError(t, err)
	expected, _ := otherPayload.Size()
	assert.Equal(t, expected, size)
}

func TestMessageRepository_GetRange(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(docstore.NewMemoryContainer(), &testClock{now: baseTime}, 14)

	var ids []string
	for _, region := range []geo.Region{seattle, newYork, seattleNear} {
		id, err := repo.InsertOne(ctx, testPayload, &region)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	records, err := repo.GetRange(ctx, []string{ids[0], "missing", ids[1]})
	require.NoError(t, err)

	var got []string
	for _, r := range records {
		got = append(got, r.ID)
	}
	assert.ElementsMatch(t, []string{ids[0], ids[1]}, got)

	records, err = repo.GetRange(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMessageRepository_InsertFanOut(t *testing.T) {
	ctx := context.Background()
	memory := docstore.NewMemoryContainer()
	counting := newCountingContainer(memory)
	repo := newTestRepository(counting, &testClock{now: baseTime}, 14)

	err := repo.InsertFanOut(ctx, testPayload, []geo.Region{seattle, newYork, seattleNear})
	require.NoError(t, err)

	assert.Equal(t, 3, memory.Len())
	assert.Equal(t, map[string]int{
		geo.GetPartitionKey(seattle): 1,
		geo.GetPartitionKey(newYork): 1,
	}, counting.batches)

	for region, want := range map[geo.Region]int{seattle: 2, newYork: 1} {
		latest, err := repo.GetLatest(ctx, region, 0)
		require.NoError(t, err)
		assert.Len(t, latest, want)

		records, err := repo.GetRange(ctx, metadataIDs(latest))
		require.NoError(t, err)
		for _, r := range records {
			assert.Equal(t, testPayload, r.Value)
			assert.Equal(t, baseTime.UnixMilli(), r.Timestamp)
		}
	}
}

func TestMessageRepository_InsertFanOutSingleCell(t *testing.T) {
	memory := docstore.NewMemoryContainer()
	counting := newCountingContainer(memory)
	repo := newTestRepository(counting, &testClock{now: baseTime}, 14)

	regions := make([]geo.Region, 5)
	for i := range regions {
		regions[i] = seattle
	}

	require.NoError(t, repo.InsertFanOut(context.Background(), testPayload, regions))

	assert.Equal(t, 5, memory.Len())
	assert.Equal(t, map[string]int{geo.GetPartitionKey(seattle): 1}, counting.batches)
}

func TestMessageRepository_InsertFanOutNoIO(t *testing.T) {
	tests := []struct {
		name    string
		payload *message.MessageContainer
		regions []geo.Region
		wantErr error
	}{
		{"nil payload", nil, []geo.Region{seattle}, message.ErrNilPayload},
		{"nil payload without regions", nil, nil, message.ErrNilPayload},
		{"no regions", testPayload, nil, nil},
		{"invalid region", testPayload, []geo.Region{seattle, {LongitudePrefix: 200, Precision: 8}}, geo.ErrInvalidRegion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			memory := docstore.NewMemoryContainer()
			counting := newCountingContainer(memory)
			repo := newTestRepository(counting, &testClock{now: baseTime}, 14)

			err := repo.InsertFanOut(context.Background(), tt.payload, tt.regions)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}

			assert.Empty(t, counting.batches)
			assert.Equal(t, 0, memory.Len())
		})
	}
}

func TestMessageRepository_InsertFanOutPartialFailure(t *testing.T) {
	ctx := context.Background()
	memory := docstore.NewMemoryContainer()
	container := &failingContainer{
		Container: memory,
		failing:   map[string]bool{geo.GetPartitionKey(newYork): true},
	}
	repo := NewMessageRepository(container, nil, zerolog.Nop(), MessageRepositoryConfig{
		MaxDataAgeDays:       14,
		MaxConcurrentBatches: 1,
		Now:                  (&testClock{now: baseTime}).Now,
	})

	err := repo.InsertFanOut(ctx, testPayload, []geo.Region{seattle, newYork, seattleNear})
	require.Error(t, err)

	var fanOutErr *FanOutError
	require.ErrorAs(t, err, &fanOutErr)
	assert.Equal(t, 2, fanOutErr.Total)
	assert.Equal(t, 1, fanOutErr.Failed)
	assert.Equal(t, http.StatusServiceUnavailable, fanOutErr.FirstStatus)
	assert.Contains(t, err.Error(), "1 out of 2")

	// the successful partition stays committed
	assert.Equal(t, 2, memory.Len())
	latest, err := repo.GetLatest(ctx, seattle, 0)
	require.NoError(t, err)
	assert.Len(t, latest, 2)
}

func TestMessageRepository_InsertFanOutCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	memory := docstore.NewMemoryContainer()
	repo := newTestRepository(memory, &testClock{now: baseTime}, 14)

	err := repo.InsertFanOut(ctx, testPayload, []geo.Region{seattle, newYork})

	var fanOutErr *FanOutError
	require.ErrorAs(t, err, &fanOutErr)
	assert.Equal(t, 2, fanOutErr.Failed)
	assert.Zero(t, fanOutErr.FirstStatus)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, memory.Len())
}

func TestMessageRepository_GetUsesCache(t *testing.T) {
	ctx := context.Background()
	counting := newCountingContainer(docstore.NewMemoryContainer())
	cache := newFakeCache()
	repo := NewMessageRepository(counting, cache, zerolog.Nop(), MessageRepositoryConfig{
		MaxDataAgeDays: 14,
		Now:            (&testClock{now: baseTime}).Now,
	})

	id, err := repo.InsertOne(ctx, testPayload, &seattle)
	require.NoError(t, err)

	first, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, counting.queries)
	assert.Contains(t, cache.records, id)

	second, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, counting.queries)
}

func TestMessageRepository_CacheErrorFallsBack(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	cache.getErr = errors.New("connection refused")
	repo := NewMessageRepository(docstore.NewMemoryContainer(), cache, zerolog.Nop(), MessageRepositoryConfig{
		MaxDataAgeDays: 14,
		Now:            (&testClock{now: baseTime}).Now,
	})

	id, err := repo.InsertOne(ctx, testPayload, &seattle)
	require.NoError(t, err)

	record, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, id, record.ID)
}

func TestFanOutError_Message(t *testing.T) {
	err := &FanOutError{Total: 5, Failed: 2, FirstStatus: http.StatusConflict}
	assert.Equal(t, "2 out of 5 partition batches failed, first failure status 409", err.Error())

	wrapped := &FanOutError{Total: 1, Failed: 1, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.Contains(t, wrapped.Error(), context.DeadlineExceeded.Error())
}

func metadataIDs(items []message.Metadata) []string {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return ids
}
