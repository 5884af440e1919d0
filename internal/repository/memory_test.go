package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/campushelp/internal/lifecycle"
	"github.com/mmeshcher/campushelp/internal/model"
)

func seedUsers(t *testing.T, repo *MemoryRepository, names ...string) []int64 {
	t.Helper()

	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, err := repo.CreateUser(context.Background(), &model.User{Username: name, Contact: "vx"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestMemoryRepository_CreateUserDuplicate(t *testing.T) {
	repo := NewMemoryRepository()
	seedUsers(t, repo, "studentA")

	_, err := repo.CreateUser(context.Background(), &model.User{Username: "studentA"})
	assert.ErrorIs(t, err, ErrUserExists)
	assert.ErrorIs(t, err, lifecycle.ErrConflict)

	u, err := repo.GetUserByUsername(context.Background(), "studentA")
	require.NoError(t, err)
	assert.Equal(t, model.InitialPoints, u.Points)
}

func TestMemoryRepository_UpdateListingRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	ids := seedUsers(t, repo, "owner", "helper")

	id, err := repo.CreateListing(ctx, &model.Listing{Kind: model.KindSkill, Title: "t", Cost: "1", Subtype: 1, OwnerID: ids[0]})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = repo.UpdateListing(ctx, model.KindSkill, id, func(l *model.Listing) ([]model.PointChange, error) {
		l.Status = model.ListingStatusCompleted
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.UpdateListing(ctx, model.KindSkill, id, func(l *model.Listing) ([]model.PointChange, error) {
		l.Status = model.ListingStatusInProgress
		return []model.PointChange{{UserID: 999, Delta: 5}}, nil
	})
	require.ErrorIs(t, err, ErrUserNotFound)

	l, err := repo.GetListing(ctx, model.KindSkill, id)
	require.NoError(t, err)
	assert.Equal(t, model.ListingStatusOpen, l.Status)

	records, err := repo.GetUnpublishedPointRecords(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemoryRepository_PointChangesClampAndRecord(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	ids := seedUsers(t, repo, "owner", "helper")

	id, err := repo.CreateListing(ctx, &model.Listing{Kind: model.KindLost, Title: "card", Subtype: 0, OwnerID: ids[0]})
	require.NoError(t, err)

	_, err = repo.UpdateListing(ctx, model.KindLost, id, func(l *model.Listing) ([]model.PointChange, error) {
		return []model.PointChange{{UserID: ids[1], Delta: -15, Reason: model.PointReasonReview}}, nil
	})
	require.NoError(t, err)

	u, err := repo.GetUserByID(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Points)

	history, err := repo.GetPointRecordsByUser(ctx, ids[1])
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, -model.InitialPoints, history[0].Delta)

	require.NoError(t, repo.MarkPointRecordsPublished(ctx, []int64{history[0].ID}))
	pending, err := repo.GetUnpublishedPointRecords(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryRepository_KindMismatchIsNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	ids := seedUsers(t, repo, "owner")

	id, err := repo.CreateListing(ctx, &model.Listing{Kind: model.KindLost, Title: "card", OwnerID: ids[0]})
	require.NoError(t, err)

	_, err = repo.GetListing(ctx, model.KindSkill, id)
	assert.ErrorIs(t, err, lifecycle.ErrNotFound)

	err = repo.DeleteListing(ctx, model.KindSkill, id, func(*model.Listing) error { return nil })
	assert.ErrorIs(t, err, ErrListingNotFound)
}

func TestMemoryRepository_Conversation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	ids := seedUsers(t, repo, "a", "b", "c")

	_, err := repo.CreateMessage(ctx, &model.Message{SenderID: ids[0], RecipientID: ids[1], Content: "hi"})
	require.NoError(t, err)
	_, err = repo.CreateMessage(ctx, &model.Message{SenderID: ids[1], RecipientID: ids[0], Content: "hello"})
	require.NoError(t, err)
	_, err = repo.CreateMessage(ctx, &model.Message{SenderID: ids[2], RecipientID: ids[0], Content: "other"})
	require.NoError(t, err)

	conv, err := repo.GetConversation(ctx, ids[0], ids[1])
	require.NoError(t, err)
	require.Len(t, conv, 2)
	assert.Equal(t, "hi", conv[0].Content)
	assert.Equal(t, "hello", conv[1].Content)

	_, err = repo.CreateMessage(ctx, &model.Message{SenderID: ids[0], RecipientID: 42, Content: "?"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestBuildListingQuery(t *testing.T) {
	subtype := 1
	helper := int64(7)

	query, args := buildListingQuery(model.ListingFilter{
		Kind:    model.KindSkill,
		Status:  model.ListingStatusOpen,
		Subtype: &subtype,
		HelpsOf: &helper,
		Keyword: "50%_off",
	})

	assert.Contains(t, query, "l.kind = $1")
	assert.Contains(t, query, "l.status = $2")
	assert.Contains(t, query, "l.subtype = $3")
	assert.Contains(t, query, "(l.helper_id = $4 OR (l.owner_id = $4 AND l.status <> 'OPEN'))")
	assert.Contains(t, query, "l.title ILIKE $5")
	assert.Contains(t, query, "ORDER BY l.created_at DESC, l.id DESC")
	assert.Equal(t, []any{"skill", "OPEN", 1, int64(7), `%50\%\_off%`}, args)
}
