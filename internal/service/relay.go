package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/campushelp/internal/events"
)

const (
	relayInterval  = 1 * time.Second
	relayBatchSize = 100
)

// StartEventRelay периодически публикует неотправленные записи журнала баллов в брокер.
// Блокируется до отмены ctx. Без настроенного брокера возвращается сразу.
func (s *Service) StartEventRelay(ctx context.Context) {
	if s.publisher == nil {
		return
	}

	ticker := time.NewTicker(relayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.publishPendingRecords(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("point events relay error", zap.Error(err))
			}
		}
	}
}

// publishPendingRecords отправляет одну пачку записей и отмечает отправленные.
// Запись, которую не удалось отправить, останется в очереди до следующего тика.
func (s *Service) publishPendingRecords(ctx context.Context) (int, error) {
	records, err := s.repo.GetUnpublishedPointRecords(ctx, relayBatchSize)
	if err != nil {
		return 0, err
	}

	published := make([]int64, 0, len(records))
	var publishErr error
	for _, rec := range records {
		ev := events.PointEvent{
			RecordID:  rec.ID,
			UserID:    rec.UserID,
			ListingID: rec.ListingID,
			Kind:      string(rec.Kind),
			Reason:    string(rec.Reason),
			Delta:     rec.Delta,
			CreatedAt: rec.CreatedAt,
		}
		if publishErr = s.publisher.PublishJSON(ctx, events.RoutingKey(ev.Reason), ev); publishErr != nil {
			break
		}
		published = append(published, rec.ID)
	}

	if err := s.repo.MarkPointRecordsPublished(ctx, published); err != nil {
		return 0, err
	}

	return len(published), publishErr
}
