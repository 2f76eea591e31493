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
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// newTestStore opens a migrated SQLite store in a temp directory.
func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := Open(Config{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "chat.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func countMessages(t *testing.T, s *GormStore) int64 {
	t.Helper()
	var n int64
	require.NoError(t, s.db.Model(&messageModel{}).Count(&n).Error)
	return n
}

func text(s string) datatypes.ContentPart {
	return datatypes.TextPart{Text: s}
}

// =============================================================================
// Thread Tests
// =============================================================================

func TestCreateThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, thread.ID)
	assert.Nil(t, thread.Title)
	assert.False(t, thread.CreatedAt.IsZero())

	got, err := s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, thread.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Empty(t, got.Messages)
}

func TestCreateThread_RequiresUser(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateThread(context.Background(), "")
	assert.Error(t, err)
}

func TestGetThread_Missing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetThread(context.Background(), "does-not-exist")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

// =============================================================================
// Message Tests
// =============================================================================

func TestCreateMessage_TextRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	thread, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, "u", thread.ID, datatypes.RoleUser, []datatypes.ContentPart{text("hello")})
	require.NoError(t, err)

	got, err := s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)

	part := got.Messages[0].Content
	assert.Equal(t, datatypes.ContentTypeText, part.Type())
	txt, ok := datatypes.TextOf(part)
	require.True(t, ok)
	assert.Equal(t, "hello", txt)
	assert.Equal(t, datatypes.RoleUser, got.Messages[0].Role)
}

func TestCreateMessage_ArrayOrderPreserved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	thread, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)

	img := datatypes.ImagePart{File: datatypes.FileMetadata{Filename: "a.png", MimeType: "image/png", FileKey: "k/a.png"}}
	pdf := datatypes.FilePart{File: datatypes.FileMetadata{Filename: "b.pdf", MimeType: "application/pdf", FileKey: "k/b.pdf"}}

	created, err := s.CreateMessage(ctx, "u", thread.ID, datatypes.RoleUser, []datatypes.ContentPart{img, pdf, text("see attached")})
	require.NoError(t, err)
	require.Len(t, created, 3)

	got, err := s.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.IsType(t, datatypes.ImagePart{}, got[0].Content)
	assert.IsType(t, datatypes.FilePart{}, got[1].Content)
	assert.IsType(t, datatypes.TextPart{}, got[2].Content)
	for i, msg := range got {
		assert.Equal(t, created[i].ID, msg.ID)
		assert.Equal(t, int64(i+1), msg.Seq)
	}
}

func TestCreateMessage_CreatedAtNonDecreasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	thread, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.CreateMessage(ctx, "u", thread.ID, datatypes.RoleUser,
			[]datatypes.ContentPart{text(fmt.Sprintf("a%d", i)), text(fmt.Sprintf("b%d", i))})
		require.NoError(t, err)
	}

	got, err := s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 10)
	for i := 1; i < len(got.Messages); i++ {
		prev, cur := got.Messages[i-1], got.Messages[i]
		assert.False(t, cur.CreatedAt.Before(prev.CreatedAt), "message %d precedes message %d", i, i-1)
		assert.Greater(t, cur.Seq, prev.Seq)
	}
}

func TestCreateMessage_ModelAndProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	thread, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)

	created, err := s.CreateMessage(ctx, "u", thread.ID, datatypes.RoleAssistant,
		[]datatypes.ContentPart{text("hi")}, WithModel("gpt-4o", "openai"))
	require.NoError(t, err)
	require.NotNil(t, created[0].Model)
	assert.Equal(t, "gpt-4o", *created[0].Model)
	assert.Equal(t, "openai", *created[0].Provider)

	got, err := s.ListMessages(ctx, thread.ID)
	require.NoError(t, err)
	require.NotNil(t, got[0].Provider)
	assert.Equal(t, "openai", *got[0].Provider)
}

func TestCreateMessage_InvalidRoleWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	thread, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, "u", thread.ID, datatypes.Role("bot"), []datatypes.ContentPart{text("x")})
	assert.ErrorIs(t, err, ErrInvalidRole)
	assert.Equal(t, int64(0), countMessages(t, s))
}

func TestCreateMessage_UnknownThreadWritesNothing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateMessage(context.Background(), "u", "missing", datatypes.RoleUser, []datatypes.ContentPart{text("x")})
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.Equal(t, int64(0), countMessages(t, s))
}

func TestCreateMessage_InvalidContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	thread, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, "u", thread.ID, datatypes.RoleUser, nil)
	assert.ErrorIs(t, err, ErrInvalidContent)

	bad := datatypes.ImagePart{File: datatypes.FileMetadata{MimeType: "image/png"}}
	_, err = s.CreateMessage(ctx, "u", thread.ID, datatypes.RoleUser, []datatypes.ContentPart{text("ok"), bad})
	assert.ErrorIs(t, err, ErrInvalidContent)
	assert.Equal(t, int64(0), countMessages(t, s))
}

// =============================================================================
// Listing & Search Tests
// =============================================================================

func TestGetThreads_PaginationNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < PageSize+3; i++ {
		thread, err := s.CreateThread(ctx, "u")
		require.NoError(t, err)
		ids = append(ids, thread.ID)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := s.CreateThread(ctx, "someone-else")
	require.NoError(t, err)

	first, err := s.GetThreads(ctx, "u", 1, "")
	require.NoError(t, err)
	require.Len(t, first, PageSize)
	assert.Equal(t, ids[len(ids)-1], first[0].ID)

	second, err := s.GetThreads(ctx, "u", 2, "")
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, ids[0], second[2].ID)

	zero, err := s.GetThreads(ctx, "u", 0, "")
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, zero[0].ID)
}

func TestGetThreads_Search(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	match, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)
	other, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)
	fileOnly, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, "u", match.ID, datatypes.RoleUser, []datatypes.ContentPart{text("Tell me about Kodiak bears")})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, "u", other.ID, datatypes.RoleUser, []datatypes.ContentPart{text("unrelated")})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, "u", fileOnly.ID, datatypes.RoleUser, []datatypes.ContentPart{
		datatypes.FilePart{File: datatypes.FileMetadata{Filename: "kodiak.pdf", MimeType: "application/pdf", FileKey: "kodiak.pdf"}},
	})
	require.NoError(t, err)

	got, err := s.GetThreads(ctx, "u", 1, "KODIAK")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, match.ID, got[0].ID)
	require.Len(t, got[0].Messages, 1)

	none, err := s.GetThreads(ctx, "u", 1, "100%")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetThreads_SearchFoldsNonASCII(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, "u", thread.ID, datatypes.RoleUser, []datatypes.ContentPart{text("Über Élan and ПРИВЕТ")})
	require.NoError(t, err)

	for _, q := range []string{"über", "ÜBER", "Über", "élan", "привет", "ПРИВЕТ"} {
		got, err := s.GetThreads(ctx, "u", 1, q)
		require.NoError(t, err, q)
		require.Len(t, got, 1, q)
		assert.Equal(t, thread.ID, got[0].ID, q)
	}
}

func TestMigrate_BackfillsLowercasedText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, "u", thread.ID, datatypes.RoleUser, []datatypes.ContentPart{text("Grüße aus KODIAK")})
	require.NoError(t, err)

	// Rows written before text_lower existed.
	require.NoError(t, s.db.Model(&messageModel{}).Where("1 = 1").Update("text_lower", "").Error)
	none, err := s.GetThreads(ctx, "u", 1, "grüße")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.Migrate(ctx))

	got, err := s.GetThreads(ctx, "u", 1, "GRÜßE")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, thread.ID, got[0].ID)
}

// =============================================================================
// Title Tests
// =============================================================================

func TestSetTitleIfUnset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	thread, err := s.CreateThread(ctx, "u")
	require.NoError(t, err)

	ok, err := s.SetTitleIfUnset(ctx, thread.ID, "First")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetTitleIfUnset(ctx, thread.ID, "Second")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "First", *got.Title)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%`, escapeLike("100%"))
	assert.Equal(t, `a\_b`, escapeLike("a_b"))
	assert.Equal(t, `c:\\x`, escapeLike(`c:\x`))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "a.db?"+sqlitePragmas, sqliteDSN("a.db"))
	assert.Equal(t, "a.db?mode=rwc&"+sqlitePragmas, sqliteDSN("a.db?mode=rwc"))
	assert.Equal(t, "a.db?_pragma=foreign_keys(1)", sqliteDSN("a.db?_pragma=foreign_keys(1)"))
}
