package message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"areareport/internal/adapter/docstore"
	"areareport/internal/adapter/storage"
	"areareport/internal/domain/geo"
	messageDomain "areareport/internal/domain/message"
	geoService "areareport/internal/service/geo"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string]int64
	err    error
}

func (p *recordingPublisher) PublishRegionUpdated(region geo.Region, timestamp int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.events == nil {
		p.events = make(map[string]int64)
	}
	p.events[geo.GetPartitionKey(region)] = timestamp
	return nil
}

// failingRepository fails every write
type failingRepository struct {
	messageDomain.Repository
	err error
}

func (r *failingRepository) InsertFanOut(ctx context.Context, payload *messageDomain.MessageContainer, regions []geo.Region) error {
	return r.err
}

func clock() time.Time { return now }

func newTestService(t *testing.T, publisher Publisher) (*Service, *docstore.MemoryContainer) {
	t.Helper()

	container := docstore.NewMemoryContainer()
	repo := storage.NewMessageRepository(container, nil, zerolog.Nop(), storage.MessageRepositoryConfig{
		MaxDataAgeDays: 14,
		Now:            clock,
	})
	coverage := geoService.NewCoverageService(geoService.CoverageConfig{Precision: 8, MaxRegions: 16})

	return NewService(repo, coverage, publisher, zerolog.Nop(), ServiceConfig{MaxRequestIDs: 3, Now: clock}), container
}

func validArea(lat, lon float64) messageDomain.Area {
	return messageDomain.Area{
		Location:     geo.Coordinates{Latitude: lat, Longitude: lon},
		RadiusMeters: 100,
		BeginTime:    now.UnixMilli(),
		EndTime:      now.Add(time.Hour).UnixMilli(),
	}
}

func TestService_PublishAreaReport(t *testing.T) {
	ctx := context.Background()
	publisher := &recordingPublisher{}
	s, container := newTestService(t, publisher)

	report := AreaReport{
		UserMessage: "User message content",
		Areas:       []messageDomain.Area{validArea(10.03, 10.03)},
	}
	require.NoError(t, s.PublishAreaReport(ctx, report))

	assert.Equal(t, 1, container.Len())

	region := geo.RegionFromPoint(10.03, 10.03, 8)
	info, err := s.GetLatestInfo(ctx, region, 0)
	require.NoError(t, err)
	require.Len(t, info.Messages, 1)
	assert.Equal(t, now.UnixMilli(), info.MaxResponseTimestamp)

	record, err := s.Get(ctx, info.Messages[0].ID)
	require.NoError(t, err)
	require.Len(t, record.Value.Narrowcasts, 1)
	assert.Equal(t, "User message content", record.Value.Narrowcasts[0].UserMessage)
	assert.Equal(t, report.Areas[0], record.Value.Narrowcasts[0].Area)

	assert.Equal(t, map[string]int64{geo.GetPartitionKey(region): now.UnixMilli()}, publisher.events)
}

func TestService_PublishAreaReportSharedCell(t *testing.T) {
	ctx := context.Background()
	s, container := newTestService(t, nil)

	report := AreaReport{
		UserMessage: "Two places, one cell",
		Areas:       []messageDomain.Area{validArea(10.02, 10.02), validArea(10.04, 10.04)},
	}
	require.NoError(t, s.PublishAreaReport(ctx, report))

	// one record per cell carrying both narrowcasts
	require.Equal(t, 1, container.Len())

	info, err := s.GetLatestInfo(ctx, geo.RegionFromPoint(10.02, 10.02, 8), 0)
	require.NoError(t, err)
	require.Len(t, info.Messages, 1)

	records, err := s.GetByIDs(ctx, []string{info.Messages[0].ID})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Len(t, records[0].Value.Narrowcasts, 2)
}

func TestService_PublishAreaReportValidation(t *testing.T) {
	tests := []struct {
		name   string
		report AreaReport
		field  string
	}{
		{"no areas", AreaReport{UserMessage: "This is a message"}, "areas"},
		{"no user message", AreaReport{Areas: []messageDomain.Area{validArea(10.1234, 10.1234)}}, "userMessage"},
		{"zero radius", AreaReport{UserMessage: "m", Areas: []messageDomain.Area{func() messageDomain.Area {
			a := validArea(10, 10)
			a.RadiusMeters = 0
			return a
		}()}}, "areas[0].radiusMeters"},
		{"inverted window", AreaReport{UserMessage: "m", Areas: []messageDomain.Area{func() messageDomain.Area {
			a := validArea(10, 10)
			a.EndTime = a.BeginTime
			return a
		}()}}, "areas[0].endTime"},
		{"bad location", AreaReport{UserMessage: "m", Areas: []messageDomain.Area{validArea(10, 10), validArea(91, 10)}}, "areas[1].location"},
		{"area too large", AreaReport{UserMessage: "m", Areas: []messageDomain.Area{func() messageDomain.Area {
			a := validArea(10, 10)
			a.RadiusMeters = 20_000_000
			return a
		}()}}, "areas[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &recordingPublisher{}
			s, container := newTestService(t, publisher)

			err := s.PublishAreaReport(context.Background(), tt.report)

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Equal(t, 0, container.Len())
			assert.Empty(t, publisher.events)
		})
	}
}

func TestService_PublishAreaReportLimits(t *testing.T) {
	spread := func(n int) []messageDomain.Area {
		areas := make([]messageDomain.Area, n)
		for i := range areas {
			areas[i] = validArea(10.03+float64(i), 10.03+float64(i))
		}
		return areas
	}

	tests := []struct {
		name   string
		config ServiceConfig
		areas  int
		reason string
	}{
		{"too many areas", ServiceConfig{MaxAreasPerReport: 4}, 5, "at most 4 areas"},
		{"too many regions", ServiceConfig{MaxAreasPerReport: 10, MaxRegionsPerReport: 5}, 6, "more than 5 regions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &recordingPublisher{}
			container := docstore.NewMemoryContainer()
			repo := storage.NewMessageRepository(container, nil, zerolog.Nop(), storage.MessageRepositoryConfig{MaxDataAgeDays: 14, Now: clock})
			coverage := geoService.NewCoverageService(geoService.CoverageConfig{Precision: 8, MaxRegions: 16})

			tt.config.Now = clock
			s := NewService(repo, coverage, publisher, zerolog.Nop(), tt.config)

			err := s.PublishAreaReport(context.Background(), AreaReport{UserMessage: "m", Areas: spread(tt.areas)})

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, "areas", validationErr.Field)
			assert.Contains(t, validationErr.Reason, tt.reason)
			assert.Equal(t, 0, container.Len())
			assert.Empty(t, publisher.events)
		})
	}

	// the report at the limit is accepted
	container := docstore.NewMemoryContainer()
	repo := storage.NewMessageRepository(container, nil, zerolog.Nop(), storage.MessageRepositoryConfig{MaxDataAgeDays: 14, Now: clock})
	coverage := geoService.NewCoverageService(geoService.CoverageConfig{Precision: 8, MaxRegions: 16})
	s := NewService(repo, coverage, nil, zerolog.Nop(), ServiceConfig{MaxAreasPerReport: 5, MaxRegionsPerReport: 5, Now: clock})

	require.NoError(t, s.PublishAreaReport(context.Background(), AreaReport{UserMessage: "m", Areas: spread(5)}))
	assert.Equal(t, 5, container.Len())
}

func TestService_PublishAreaReportStoreFailure(t *testing.T) {
	publisher := &recordingPublisher{}
	fanOutErr := &storage.FanOutError{Total: 2, Failed: 1, FirstStatus: 503}
	coverage := geoService.NewCoverageService(geoService.CoverageConfig{Precision: 8, MaxRegions: 16})
	s := NewService(&failingRepository{err: fanOutErr}, coverage, publisher, zerolog.Nop(), ServiceConfig{Now: clock})

	err := s.PublishAreaReport(context.Background(), AreaReport{
		UserMessage: "m",
		Areas:       []messageDomain.Area{validArea(10, 10)},
	})

	var target *storage.FanOutError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, 1, target.Failed)
	assert.Empty(t, publisher.events)
}

func TestService_PublisherFailureIsNotFatal(t *testing.T) {
	s, container := newTestService(t, &recordingPublisher{err: errors.New("nats: connection closed")})

	err := s.PublishAreaReport(context.Background(), AreaReport{
		UserMessage: "m",
		Areas:       []messageDomain.Area{validArea(10, 10)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, container.Len())
}

func TestService_GetLatestInfoEchoesTimestamp(t *testing.T) {
	s, _ := newTestService(t, nil)

	last := now.Add(-time.Hour).UnixMilli()
	info, err := s.GetLatestInfo(context.Background(), geo.RegionFromPoint(10, 10, 8), last)
	require.NoError(t, err)
	assert.Empty(t, info.Messages)
	assert.NotNil(t, info.Messages)
	assert.Equal(t, last, info.MaxResponseTimestamp)
}

func TestService_QueryValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, nil)

	var validationErr *ValidationError

	_, err := s.GetLatestInfo(ctx, geo.Region{LatitudePrefix: 100, Precision: 8}, 0)
	assert.ErrorAs(t, err, &validationErr)

	_, err = s.GetLatestRegionDataSize(ctx, geo.RegionFromPoint(10, 10, 8), -1)
	assert.ErrorAs(t, err, &validationErr)

	_, err = s.GetByIDs(ctx, nil)
	assert.ErrorAs(t, err, &validationErr)

	_, err = s.GetByIDs(ctx, []string{"a", "b", "c", "d"})
	assert.ErrorAs(t, err, &validationErr)

	_, err = s.GetByIDs(ctx, []string{"a", " "})
	assert.ErrorAs(t, err, &validationErr)

	_, err = s.Get(ctx, "")
	assert.ErrorAs(t, err, &validationErr)
}

func TestService_GetNotFound(t *testing.T) {
	s, _ := newTestService(t, nil)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_GetLatestRegionDataSize(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, nil)

	require.NoError(t, s.PublishAreaReport(ctx, AreaReport{
		UserMessage: "m",
		Areas:       []messageDomain.Area{validArea(10.03, 10.03)},
	}))

	region := geo.RegionFromPoint(10.03, 10.03, 8)
	info, err := s.GetLatestInfo(ctx, region, 0)
	require.NoError(t, err)
	require.Len(t, info.Messages, 1)

	record, err := s.Get(ctx, info.Messages[0].ID)
	require.NoError(t, err)

	size, err := s.GetLatestRegionDataSize(ctx, region, 0)
	require.NoError(t, err)
	assert.Equal(t, record.Size, size)
	assert.Positive(t, size)
}

func TestMaxResponseTimestamp(t *testing.T) {
	messages := []messageDomain.Metadata{{ID: "a", Timestamp: 5}, {ID: "b", Timestamp: 9}}

	assert.Equal(t, int64(9), MaxResponseTimestamp(messages, 3))
	assert.Equal(t, int64(12), MaxResponseTimestamp(messages, 12))
	assert.Equal(t, int64(7), MaxResponseTimestamp(nil, 7))
}
