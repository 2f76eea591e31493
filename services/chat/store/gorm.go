// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// GormStore implements MessageStore on gorm.
type GormStore struct {
	db     *gorm.DB
	driver string
}

var _ MessageStore = (*GormStore)(nil)

// Driver returns the database driver name.
func (s *GormStore) Driver() string {
	return s.driver
}

// Migrate creates the threads and messages tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&threadModel{}, &messageModel{}); err != nil {
		return err
	}
	return backfillTextLower(db)
}

// backfillTextLower fills text_lower for rows written before the column
// existed.
func backfillTextLower(db *gorm.DB) error {
	for {
		var rows []messageModel
		err := db.Select("id", "text").
			Where("text_lower = '' AND text <> ''").
			Limit(500).
			Find(&rows).Error
		if err != nil {
			return fmt.Errorf("backfill text_lower: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		for _, r := range rows {
			err := db.Model(&messageModel{}).
				Where("id = ?", r.ID).
				Update("text_lower", strings.ToLower(r.Text)).Error
			if err != nil {
				return fmt.Errorf("backfill text_lower: %w", err)
			}
		}
	}
}

// Close releases the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateThread creates an untitled thread.
func (s *GormStore) CreateThread(ctx context.Context, userID string) (*datatypes.Thread, error) {
	if userID == "" {
		return nil, fmt.Errorf("create thread: user id is required")
	}
	now := s.now()
	model := threadModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return model.toThread(), nil
}

// GetThread returns a hydrated thread or (nil, nil).
func (s *GormStore) GetThread(ctx context.Context, threadID string) (*datatypes.Thread, error) {
	var model threadModel
	err := s.db.WithContext(ctx).
		Preload("Messages", orderBySeq).
		Where("id = ?", threadID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return hydrate(&model)
}

// GetThreads returns one page of the user's threads.
//
// # Description
//
// Threads are ordered newest first by CreatedAt. When search is non-empty
// only threads holding a text message that contains search are returned;
// the match is case-insensitive and treats search literally (no wildcards).
// Attachment parts are never matched.
//
// # Inputs
//
//   - page: 1-based. Values below 1 are treated as 1.
func (s *GormStore) GetThreads(ctx context.Context, userID string, page int, search string) ([]*datatypes.Thread, error) {
	if page < 1 {
		page = 1
	}

	query := s.db.WithContext(ctx).
		Preload("Messages", orderBySeq).
		Where("user_id = ?", userID)

	if search = strings.TrimSpace(search); search != "" {
		matching := s.db.Model(&messageModel{}).
			Select("thread_id").
			Where("content_type = ?", string(datatypes.ContentTypeText)).
			Where(`text_lower LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(search))+"%")
		query = query.Where("id IN (?)", matching)
	}

	var models []threadModel
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(PageSize).
		Offset((page - 1) * PageSize).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("get threads: %w", err)
	}

	threads := make([]*datatypes.Thread, 0, len(models))
	for i := range models {
		thread, err := hydrate(&models[i])
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

// CreateMessage appends one message per part.
//
// # Description
//
// Role and parts are validated before touching the database. The insert
// runs in one transaction that first reserves len(parts) sequence numbers
// from the thread row, so the parts keep slice order even when they share
// a timestamp. CreatedAt is clamped to the thread's last write so that
// sequence order and timestamp order never disagree.
//
// # Outputs
//
//   - []*datatypes.Message: The created messages, in slice order.
//   - error: ErrInvalidRole, ErrInvalidContent, ErrThreadNotFound (all
//     wrapped), or a database error. Nothing is written on error.
func (s *GormStore) CreateMessage(ctx context.Context, userID, threadID string, role datatypes.Role, parts []datatypes.ContentPart, opts ...MessageOption) ([]*datatypes.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no content parts", ErrInvalidContent)
	}
	for i, part := range parts {
		if err := datatypes.ValidateContentPart(part); err != nil {
			return nil, fmt.Errorf("%w: part %d: %v", ErrInvalidContent, i, err)
		}
	}

	var options messageOptions
	for _, opt := range opts {
		opt(&options)
	}

	var created []*messageModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n := int64(len(parts))

		// The increment takes the row lock before the read below.
		res := tx.Model(&threadModel{}).
			Where("id = ?", threadID).
			UpdateColumn("next_seq", gorm.Expr("next_seq + ?", n))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrThreadNotFound
		}

		var thread threadModel
		if err := tx.Select("id", "next_seq", "updated_at").Where("id = ?", threadID).Take(&thread).Error; err != nil {
			return err
		}

		now := s.now()
		if now.Before(thread.UpdatedAt) {
			now = thread.UpdatedAt
		}
		if err := tx.Model(&threadModel{}).Where("id = ?", threadID).UpdateColumn("updated_at", now).Error; err != nil {
			return err
		}

		firstSeq := thread.NextSeq - n + 1
		created = make([]*messageModel, 0, len(parts))
		for i, part := range parts {
			model, err := newMessageModel(uuid.NewString(), userID, threadID, role, part, firstSeq+int64(i), now, options)
			if err != nil {
				return err
			}
			created = append(created, model)
		}
		return tx.Create(&created).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	messages := make([]*datatypes.Message, 0, len(created))
	for _, model := range created {
		msg, err := model.toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ListMessages returns the messages of a thread in sequence order. An
// unknown thread yields an empty slice.
func (s *GormStore) ListMessages(ctx context.Context, threadID string) ([]*datatypes.Message, error) {
	var models []messageModel
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return toMessages(models)
}

// SetTitleIfUnset writes title only when the thread has none.
func (s *GormStore) SetTitleIfUnset(ctx context.Context, threadID, title string) (bool, error) {
	if title == "" {
		return false, nil
	}
	res := s.db.WithContext(ctx).
		Model(&threadModel{}).
		Where("id = ?", threadID).
		Where("(title IS NULL OR title = '')").
		UpdateColumns(map[string]any{
			"title":      title,
			"updated_at": s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("set title: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) now() time.Time {
	return s.db.NowFunc()
}

func orderBySeq(db *gorm.DB) *gorm.DB {
	return db.Order("seq ASC")
}

func hydrate(model *threadModel) (*datatypes.Thread, error) {
	thread := model.toThread()
	messages, err := toMessages(model.Messages)
	if err != nil {
		return nil, err
	}
	thread.Messages = messages
	return thread, nil
}

func toMessages(models []messageModel) ([]*datatypes.Message, error) {
	messages := make([]*datatypes.Message, 0, len(models))
	for i := range models {
		msg, err := models[i].toMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// escapeLike escapes LIKE wildcards so that s matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
