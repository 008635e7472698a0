package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ARiSE-Lab/kGymSuite/internal/db"
	"github.com/ARiSE-Lab/kGymSuite/internal/types"
)

// Sort keys accepted by ListDigests.
const (
	SortByModifiedTime = "modifiedTime"
	SortByCreatedTime  = "createdTime"
)

// ErrBadSortKey is returned by ListDigests for an unknown sort key.
var ErrBadSortKey = errors.New("store: unknown sort key")

// sortColumns maps the external sort keys onto the column expressions used in
// ORDER BY. Anything not in this map is rejected, so no caller-supplied text
// ever reaches the query.
var sortColumns = map[string]string{
	SortByModifiedTime: "modified_time DESC",
	SortByCreatedTime:  "created_time DESC",
}

// TagMatch is one row of a tag search result.
type TagMatch struct {
	JobID    types.JobID `json:"jobId"`
	TagKey   string      `json:"tagKey"`
	TagValue string      `json:"tagValue"`
}

// ListDigests returns one page of job digests, newest first by the chosen
// sort key, along with the total digest count.
func (s *Store) ListDigests(ctx context.Context, sortBy string, offset, limit int) ([]types.JobDigest, int64, error) {
	order, ok := sortColumns[sortBy]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", ErrBadSortKey, sortBy)
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&db.JobDigest{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count digests: %w", err)
	}

	var rows []db.JobDigest
	if err := s.db.WithContext(ctx).
		Order(order).
		Offset(offset).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list digests: %w", err)
	}

	digests := make([]types.JobDigest, len(rows))
	for i, row := range rows {
		digests[i] = digestToModel(row)
	}
	return digests, total, nil
}

// JobLogs returns one page of a job's log lines, newest first, along with the
// total line count for that job.
func (s *Store) JobLogs(ctx context.Context, id types.JobID, offset, limit int) ([]types.JobLog, int64, error) {
	base := s.db.WithContext(ctx).Model(&db.JobLog{}).Where("job_id = ?", uint32(id))

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count job logs: %w", err)
	}

	var rows []db.JobLog
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", uint32(id)).
		Order("time_stamp DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list job logs: %w", err)
	}

	logs := make([]types.JobLog, len(rows))
	for i, row := range rows {
		logs[i] = types.JobLog{
			TimeStamp:      time.Unix(0, row.TimeStamp).UTC(),
			JobID:          types.JobID(row.JobID),
			WorkerType:     row.WorkerType,
			WorkerHostname: row.WorkerHostname,
			Content:        json.RawMessage(row.Content),
		}
	}
	return logs, total, nil
}

// AllJobLogs returns one page of job log lines across all jobs, newest
// first, along with the total line count.
func (s *Store) AllJobLogs(ctx context.Context, offset, limit int) ([]types.JobLog, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.JobLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count job logs: %w", err)
	}

	var rows []db.JobLog
	if err := s.db.WithContext(ctx).
		Order("time_stamp DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list job logs: %w", err)
	}

	logs := make([]types.JobLog, len(rows))
	for i, row := range rows {
		logs[i] = types.JobLog{
			TimeStamp:      time.Unix(0, row.TimeStamp).UTC(),
			JobID:          types.JobID(row.JobID),
			WorkerType:     row.WorkerType,
			WorkerHostname: row.WorkerHostname,
			Content:        json.RawMessage(row.Content),
		}
	}
	return logs, total, nil
}

// SystemLogs returns one page of fleet-level log lines, newest first, along
// with the total line count.
func (s *Store) SystemLogs(ctx context.Context, offset, limit int) ([]types.SystemLog, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.SystemLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count system logs: %w", err)
	}

	var rows []db.SystemLog
	if err := s.db.WithContext(ctx).
		Order("time_stamp DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list system logs: %w", err)
	}

	logs := make([]types.SystemLog, len(rows))
	for i, row := range rows {
		logs[i] = types.SystemLog{
			TimeStamp:      time.Unix(0, row.TimeStamp).UTC(),
			WorkerType:     row.WorkerType,
			WorkerHostname: row.WorkerHostname,
			Content:        json.RawMessage(row.Content),
		}
	}
	return logs, total, nil
}

// JobTags returns the full tag map of a job. Returns ErrNotFound when the job
// does not exist so callers can distinguish "no tags" from "no job".
func (s *Store) JobTags(ctx context.Context, id types.JobID) (map[string]string, error) {
	if err := s.requireJob(ctx, id); err != nil {
		return nil, err
	}

	var rows []db.JobTag
	if err := s.db.WithContext(ctx).
		Where("job_id = ?", uint32(id)).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list tags for job %s: %w", id, err)
	}

	tags := make(map[string]string, len(rows))
	for _, row := range rows {
		tags[row.TagKey] = row.TagValue
	}
	return tags, nil
}

// GetJobTag returns one tag value; the second return reports whether the key
// is present on the job.
func (s *Store) GetJobTag(ctx context.Context, id types.JobID, key string) (string, bool, error) {
	if err := s.requireJob(ctx, id); err != nil {
		return "", false, err
	}

	var row db.JobTag
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND tag_key = ?", uint32(id), key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get tag %q for job %s: %w", key, id, err)
	}
	return row.TagValue, true, nil
}

// UpsertJobTag sets a tag on a job, replacing any previous value for the key.
func (s *Store) UpsertJobTag(ctx context.Context, id types.JobID, key, value string) error {
	if err := s.requireJob(ctx, id); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("job_id = ? AND tag_key = ?", uint32(id), key).
			Delete(&db.JobTag{}).Error; err != nil {
			return fmt.Errorf("store: clear tag %q for job %s: %w", key, id, err)
		}
		row := db.JobTag{JobID: uint32(id), TagKey: key, TagValue: value}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("store: set tag %q for job %s: %w", key, id, err)
		}
		return nil
	})
}

// TagKeys returns one page of the distinct tag keys in use across all jobs,
// ascending, along with the distinct-key total.
func (s *Store) TagKeys(ctx context.Context, offset, limit int) ([]string, int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&db.JobTag{}).
		Distinct("tag_key").
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count tag keys: %w", err)
	}

	var keys []string
	if err := s.db.WithContext(ctx).Model(&db.JobTag{}).
		Distinct("tag_key").
		Order("tag_key ASC").
		Offset(offset).
		Limit(limit).
		Pluck("tag_key", &keys).Error; err != nil {
		return nil, 0, fmt.Errorf("store: list tag keys: %w", err)
	}
	return keys, total, nil
}

// SearchTags returns one page of jobs carrying the given tag key, newest job
// first; a non-nil value narrows the match to exact key=value pairs.
func (s *Store) SearchTags(ctx context.Context, key string, value *string, offset, limit int) ([]TagMatch, int64, error) {
	base := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&db.JobTag{}).Where("tag_key = ?", key)
		if value != nil {
			q = q.Where("tag_value = ?", *value)
		}
		return q
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("store: count tag matches: %w", err)
	}

	var rows []db.JobTag
	if err := base().
		Order("job_id DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("store: search tags: %w", err)
	}

	matches := make([]TagMatch, len(rows))
	for i, row := range rows {
		matches[i] = TagMatch{
			JobID:    types.JobID(row.JobID),
			TagKey:   row.TagKey,
			TagValue: row.TagValue,
		}
	}
	return matches, total, nil
}

// requireJob maps a missing digest row to ErrNotFound.
func (s *Store) requireJob(ctx context.Context, id types.JobID) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&db.JobDigest{}).
		Where("job_id = ?", uint32(id)).
		Count(&count).Error; err != nil {
		return fmt.Errorf("store: look up job %s: %w", id, err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}
