package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/chunkyard/internal/job"
	"github.com/zulandar/chunkyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Compile-time interface check.
var _ Store = (*DBStore)(nil)

// DBStore implements Store on a SQL database through GORM. Expiry is
// emulated with expires_at columns: expired rows read as absent and are
// deleted by Purge.
type DBStore struct {
	db         *gorm.DB
	counterTTL time.Duration
	now        func() time.Time
}

// NewDBStore wraps db, which must already be migrated (see db.AutoMigrate).
func NewDBStore(db *gorm.DB, counterTTL time.Duration) *DBStore {
	return &DBStore{db: db, counterTTL: counterTTL, now: time.Now}
}

func (s *DBStore) Put(ctx context.Context, j *job.Job, ttl time.Duration) error {
	raw, err := encode(j)
	if err != nil {
		return err
	}
	expires := s.now().Add(ttl)
	entry := models.StatusEntry{
		Key:        recordKey(j.ID),
		Value:      raw,
		UploadedAt: j.UploadedAt,
		ExpiresAt:  expires,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "store_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "uploaded_at", "expires_at", "updated_at"}),
		}).Create(&entry).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Counter{}).Where("store_key = ?", counterKey(j.ID, FieldProcessed)).
			Update("expires_at", expires).Error; err != nil {
			return err
		}
		return tx.Model(&models.StatCounter{}).Where("job_id = ?", j.ID).
			Update("expires_at", expires).Error
	})
	if err != nil {
		return fmt.Errorf("status/db: put %s: %w", j.ID, err)
	}
	return nil
}

func (s *DBStore) Get(ctx context.Context, id string) (*job.Job, bool, error) {
	now := s.now()
	var entry models.StatusEntry
	err := s.db.WithContext(ctx).Where("store_key = ? AND expires_at > ?", recordKey(id), now).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("status/db: get %s: %w", id, err)
	}
	j, err := decode(entry.Value)
	if err != nil {
		return nil, false, err
	}

	var c models.Counter
	err = s.db.WithContext(ctx).Where("store_key = ? AND expires_at > ?", counterKey(id, FieldProcessed), now).First(&c).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return nil, false, fmt.Errorf("status/db: get %s counter: %w", id, err)
	default:
		overlayProcessed(j, c.Value)
	}
	return j, true, nil
}

// Bump upserts the counter with value = value + delta so concurrent writers
// never lose an increment. An expired counter restarts from zero.
func (s *DBStore) Bump(ctx context.Context, id, field string, delta int64) (int64, error) {
	key := counterKey(id, field)
	now := s.now()
	var out models.Counter
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("store_key = ? AND expires_at <= ?", key, now).Delete(&models.Counter{}).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "store_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"value":      gorm.Expr("value + ?", delta),
				"expires_at": now.Add(s.counterTTL),
			}),
		}).Create(&models.Counter{Key: key, Value: delta, ExpiresAt: now.Add(s.counterTTL)}).Error; err != nil {
			return err
		}
		return tx.Where("store_key = ?", key).First(&out).Error
	})
	if err != nil {
		return 0, fmt.Errorf("status/db: bump %s: %w", key, err)
	}
	return out.Value, nil
}

// RaiseTo upserts the counter with value = max(value, n). An expired counter
// restarts from zero.
func (s *DBStore) RaiseTo(ctx context.Context, id, field string, n int64) (int64, error) {
	key := counterKey(id, field)
	now := s.now()
	var out models.Counter
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("store_key = ? AND expires_at <= ?", key, now).Delete(&models.Counter{}).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "store_key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"value":      gorm.Expr("CASE WHEN value < ? THEN ? ELSE value END", n, n),
				"expires_at": now.Add(s.counterTTL),
			}),
		}).Create(&models.Counter{Key: key, Value: n, ExpiresAt: now.Add(s.counterTTL)}).Error; err != nil {
			return err
		}
		return tx.Where("store_key = ?", key).First(&out).Error
	})
	if err != nil {
		return 0, fmt.Errorf("status/db: raise %s: %w", key, err)
	}
	return out.Value, nil
}

func (s *DBStore) Counter(ctx context.Context, id, field string) (int64, error) {
	var c models.Counter
	err := s.db.WithContext(ctx).Where("store_key = ? AND expires_at > ?", counterKey(id, field), s.now()).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("status/db: counter %s/%s: %w", id, field, err)
	}
	return c.Value, nil
}

func (s *DBStore) IncrStat(ctx context.Context, id, name string, delta int64) error {
	expires := s.now().Add(s.counterTTL)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}, {Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":      gorm.Expr("value + ?", delta),
			"expires_at": expires,
		}),
	}).Create(&models.StatCounter{JobID: id, Name: name, Value: delta, ExpiresAt: expires}).Error
	if err != nil {
		return fmt.Errorf("status/db: incr stat %s/%s: %w", id, name, err)
	}
	return nil
}

func (s *DBStore) Stats(ctx context.Context, id string) (map[string]int64, error) {
	var rows []models.StatCounter
	if err := s.db.WithContext(ctx).Where("job_id = ? AND expires_at > ?", id, s.now()).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("status/db: stats %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	stats := make(map[string]int64, len(rows))
	for _, r := range rows {
		stats[r.Name] = r.Value
	}
	return stats, nil
}

func (s *DBStore) List(ctx context.Context, prefix string, limit int) ([]*job.Job, error) {
	now := s.now()
	var entries []models.StatusEntry
	q := s.db.WithContext(ctx).
		Where("store_key LIKE ? AND expires_at > ?", recordKey(prefix)+"%", now).
		Order("uploaded_at DESC")
	if err := q.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("status/db: list: %w", err)
	}
	jobs := make([]*job.Job, 0, len(entries))
	for _, e := range entries {
		if !isRecordKey(e.Key) {
			continue
		}
		j, err := decode(e.Value)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	jobs = sortRecent(jobs, limit)
	if len(jobs) == 0 {
		return jobs, nil
	}

	keys := make([]string, len(jobs))
	for i, j := range jobs {
		keys[i] = counterKey(j.ID, FieldProcessed)
	}
	var counters []models.Counter
	if err := s.db.WithContext(ctx).Where("store_key IN ? AND expires_at > ?", keys, now).Find(&counters).Error; err != nil {
		return nil, fmt.Errorf("status/db: list counters: %w", err)
	}
	byKey := make(map[string]int64, len(counters))
	for _, c := range counters {
		byKey[c.Key] = c.Value
	}
	for i, j := range jobs {
		if n, ok := byKey[keys[i]]; ok {
			overlayProcessed(j, n)
		}
	}
	return jobs, nil
}

func (s *DBStore) PutToken(ctx context.Context, token, jobID string, ttl time.Duration) error {
	t := models.DownloadToken{Token: token, JobID: jobID, ExpiresAt: s.now().Add(ttl)}
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return fmt.Errorf("status/db: put token: %w", err)
	}
	return nil
}

// ConsumeToken deletes the token row; only the caller whose delete affects a
// row may use it, so concurrent redemptions yield exactly one winner.
func (s *DBStore) ConsumeToken(ctx context.Context, token string) (string, bool, error) {
	var (
		t  models.DownloadToken
		ok bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("token = ? AND expires_at > ?", token, s.now()).First(&t).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res := tx.Where("token = ?", token).Delete(&models.DownloadToken{})
		if res.Error != nil {
			return res.Error
		}
		ok = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("status/db: consume token: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return t.JobID, true, nil
}

func (s *DBStore) Purge(ctx context.Context) (int64, error) {
	now := s.now()
	var total int64
	for _, m := range []interface{}{&models.StatusEntry{}, &models.Counter{}, &models.StatCounter{}, &models.DownloadToken{}} {
		res := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(m)
		if res.Error != nil {
			return total, fmt.Errorf("status/db: purge %T: %w", m, res.Error)
		}
		total += res.RowsAffected
	}
	return total, nil
}

func (s *DBStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("status/db: ping: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("status/db: ping: %w", err)
	}
	return nil
}
