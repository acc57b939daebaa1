// internal/adapter/storage/message_repository.go

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"areareport/internal/adapter/docstore"
	"areareport/internal/domain/geo"
	"areareport/internal/domain/message"
	"areareport/internal/metrics"
)

// RecordCache is an optional read-through cache for records fetched by ID
type RecordCache interface {
	Get(ctx context.Context, id string) (*message.Record, error)
	Set(ctx context.Context, record *message.Record) error
}

// MessageRepositoryConfig contains configuration for the message repository
type MessageRepositoryConfig struct {
	// MaxDataAgeDays is the retention window applied to region queries
	MaxDataAgeDays int

	// PageSize is the number of documents fetched per store round trip
	PageSize int

	// MaxConcurrentBatches bounds parallel partition writes in InsertFanOut; 0 means unbounded
	MaxConcurrentBatches int

	// Now overrides the clock, for tests
	Now func() time.Time
}

// MessageRepository stores message records in a partitioned document
// container, one partition per grid cell.
type MessageRepository struct {
	container docstore.Container
	cache     RecordCache
	retention message.RetentionPolicy
	logger    zerolog.Logger
	config    MessageRepositoryConfig
}

// NewMessageRepository creates a repository over a container. cache may be nil.
func NewMessageRepository(
	container docstore.Container,
	cache RecordCache,
	logger zerolog.Logger,
	config MessageRepositoryConfig,
) *MessageRepository {
	if config.Now == nil {
		config.Now = time.Now
	}

	retention := message.NewRetentionPolicy(config.MaxDataAgeDays)
	retention.Now = config.Now

	return &MessageRepository{
		container: container,
		cache:     cache,
		retention: retention,
		logger:    logger.With().Str("component", "message_repository").Logger(),
		config:    config,
	}
}

// Retention returns the retention policy applied to region queries
func (r *MessageRepository) Retention() message.RetentionPolicy {
	return r.retention
}

// Get returns a current-version record by ID, or nil when none is visible
func (r *MessageRepository) Get(ctx context.Context, id string) (record *message.Record, err error) {
	defer observe("get", time.Now(), &err)

	if r.cache != nil {
		cached, err := r.cache.Get(ctx, id)
		switch {
		case err != nil:
			metrics.CacheLookups.WithLabelValues("error").Inc()
			r.logger.Warn().Err(err).Str("id", id).Msg("record cache lookup failed")
		case cached != nil:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return cached, nil
		default:
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	records, err := docstore.ReadAll[message.Record](ctx, r.container.Query(docstore.Query{
		Where: docstore.Predicate{
			docstore.Eq(message.FieldID, id),
			docstore.Eq(message.FieldVersion, message.CurrentRecordVersion),
		},
		PageSize: r.config.PageSize,
	}))
	if err != nil {
		return nil, fmt.Errorf("error querying message %s: %w", id, err)
	}

	if len(records) == 0 {
		return nil, nil
	}
	record = &records[0]

	if r.cache != nil {
		if err := r.cache.Set(ctx, record); err != nil {
			r.logger.Warn().Err(err).Str("id", id).Msg("record cache write failed")
		}
	}

	return record, nil
}

// GetLatest returns metadata of visible records in the region's grid cell
// newer than the effective cutoff. Ordering is unspecified.
func (r *MessageRepository) GetLatest(ctx context.Context, region geo.Region, lastTimestamp int64) (results []message.Metadata, err error) {
	defer observe("get_latest", time.Now(), &err)

	results, err = docstore.ReadAll[message.Metadata](ctx, r.container.Query(
		r.latestQuery(region, lastTimestamp, message.FieldID, message.FieldTimestamp),
	))
	if err != nil {
		return nil, fmt.Errorf("error querying latest messages: %w", err)
	}

	return results, nil
}

// GetLatestSize returns the summed payload size of the records GetLatest
// would return for the same arguments.
func (r *MessageRepository) GetLatestSize(ctx context.Context, region geo.Region, lastTimestamp int64) (total int64, err error) {
	defer observe("get_latest_size", time.Now(), &err)

	type sizeProjection struct {
		Size int64 `json:"size"`
	}

	sizes, err := docstore.ReadAll[sizeProjection](ctx, r.container.Query(
		r.latestQuery(region, lastTimestamp, message.FieldSize),
	))
	if err != nil {
		return 0, fmt.Errorf("error querying latest message size: %w", err)
	}

	for _, s := range sizes {
		total += s.Size
	}

	return total, nil
}

// GetRange returns the visible records among ids. Unknown IDs are omitted.
func (r *MessageRepository) GetRange(ctx context.Context, ids []string) (results []message.Record, err error) {
	defer observe("get_range", time.Now(), &err)

	if len(ids) == 0 {
		return []message.Record{}, nil
	}

	results, err = docstore.ReadAll[message.Record](ctx, r.container.Query(docstore.Query{
		Where: docstore.Predicate{
			docstore.In(message.FieldID, ids),
			docstore.Eq(message.FieldVersion, message.CurrentRecordVersion),
		},
		PageSize: r.config.PageSize,
	}))
	if err != nil {
		return nil, fmt.Errorf("error querying message range: %w", err)
	}

	return results, nil
}

// InsertOne stores payload in the grid cell of region and returns the new ID
func (r *MessageRepository) InsertOne(ctx context.Context, payload *message.MessageContainer, region *geo.Region) (id string, err error) {
	defer observe("insert_one", time.Now(), &err)

	if payload == nil {
		return "", message.ErrNilPayload
	}
	if region == nil {
		return "", message.ErrNilRegion
	}

	record, err := message.NewRecord(payload, *region, r.config.Now())
	if err != nil {
		return "", err
	}

	item, err := toItem(record)
	if err != nil {
		return "", err
	}

	created, err := r.container.CreateItem(ctx, item)
	if err != nil {
		return "", fmt.Errorf("error inserting message: %w", err)
	}

	metrics.RecordsInserted.Inc()
	r.logger.Debug().
		Str("id", created.ID).
		Str("partition_key", created.PartitionKey).
		Msg("message inserted")

	return created.ID, nil
}

// InsertFanOut stores one record of payload per region. Records are grouped
// by partition key and each group is written as one batch; batches run
// concurrently and are all awaited.
//
// Batches are independent: when some fail, the records of the batches that
// succeeded stay committed and a *FanOutError is returned. Retrying creates
// new records for every region.
func (r *MessageRepository) InsertFanOut(ctx context.Context, payload *message.MessageContainer, regions []geo.Region) (err error) {
	defer observe("insert_fan_out", time.Now(), &err)

	if payload == nil {
		return message.ErrNilPayload
	}

	now := r.config.Now()
	groups := make(map[string][]docstore.Item)
	var keys []string

	for _, region := range regions {
		record, err := message.NewRecord(payload, region, now)
		if err != nil {
			return err
		}

		item, err := toItem(record)
		if err != nil {
			return err
		}

		if _, exists := groups[record.PartitionKey]; !exists {
			keys = append(keys, record.PartitionKey)
		}
		groups[record.PartitionKey] = append(groups[record.PartitionKey], item)
	}

	if len(keys) == 0 {
		return nil
	}

	type batchOutcome struct {
		response *docstore.BatchResponse
		err      error
	}
	outcomes := make([]batchOutcome, len(keys))

	var g errgroup.Group
	if r.config.MaxConcurrentBatches > 0 {
		g.SetLimit(r.config.MaxConcurrentBatches)
	}

	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			batch := r.container.CreateBatch(key)
			for _, item := range groups[key] {
				batch.Create(item)
			}

			response, err := batch.Execute(ctx)
			outcomes[i] = batchOutcome{response: response, err: err}
			return nil
		})
	}
	g.Wait()

	fanOutErr := &FanOutError{Total: len(keys)}
	for i, outcome := range outcomes {
		if outcome.err == nil && outcome.response.IsSuccessStatusCode() {
			metrics.FanOutBatches.WithLabelValues("ok").Inc()
			metrics.RecordsInserted.Add(float64(len(groups[keys[i]])))
			continue
		}

		metrics.FanOutBatches.WithLabelValues("error").Inc()
		fanOutErr.Failed++

		status := 0
		if outcome.response != nil {
			status = outcome.response.StatusCode
		}

		r.logger.Warn().
			Err(outcome.err).
			Str("partition_key", keys[i]).
			Int("status", status).
			Int("records", len(groups[keys[i]])).
			Msg("fan-out batch failed")

		if fanOutErr.Failed == 1 {
			fanOutErr.FirstStatus = status
			fanOutErr.Err = outcome.err
		}
	}

	if fanOutErr.Failed > 0 {
		return fanOutErr
	}

	r.logger.Debug().
		Int("regions", len(regions)).
		Int("batches", len(keys)).
		Msg("message fanned out")

	return nil
}

// latestQuery matches visible records of the region's grid cell newer than
// the effective cutoff. It is scoped to the cell's partition.
func (r *MessageRepository) latestQuery(region geo.Region, lastTimestamp int64, fields ...string) docstore.Query {
	adjusted := geo.AdjustToPrecision(region)

	return docstore.Query{
		PartitionKey: geo.GetPartitionKey(adjusted),
		Where: docstore.Predicate{
			docstore.Gt(message.FieldTimestamp, r.retention.EffectiveCutoff(lastTimestamp)),
			docstore.Eq(message.FieldLatitudePrefix, adjusted.LatitudePrefix),
			docstore.Eq(message.FieldLongitudePrefix, adjusted.LongitudePrefix),
			docstore.Eq(message.FieldPrecision, adjusted.Precision),
			docstore.Eq(message.FieldVersion, message.CurrentRecordVersion),
		},
		Select:   fields,
		PageSize: r.config.PageSize,
	}
}

func toItem(record *message.Record) (docstore.Item, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return docstore.Item{}, fmt.Errorf("error marshaling record: %w", err)
	}

	return docstore.Item{
		ID:           record.ID,
		PartitionKey: record.PartitionKey,
		Body:         body,
	}, nil
}

func observe(operation string, start time.Time, err *error) {
	outcome := "ok"
	if *err != nil {
		outcome = "error"
	}
	metrics.RepositoryOperations.WithLabelValues(operation, outcome).Inc()
	metrics.RepositoryLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
