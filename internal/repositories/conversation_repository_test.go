package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/apperr"
	"messaging-service/internal/models"
)

var conversationCols = []string{"id", "kind", "title", "creator_id", "direct_user_low", "direct_user_high", "last_message_at", "created_at"}

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return sqlx.NewDb(raw, "postgres"), mock
}

func directRow(id, low, high int64) *sqlmock.Rows {
	return sqlmock.NewRows(conversationCols).AddRow(id, "direct", nil, low, low, high, nil, time.Now())
}

func TestCreateOrGetDirectReturnsExisting(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery(`FROM conversations WHERE kind = 'direct'`).WithArgs(int64(2), int64(9)).WillReturnRows(directRow(5, 2, 9))
	mock.ExpectExec(`UPDATE participants SET state = 'active'`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))

	conv, created, err := repo.CreateOrGetDirect(context.Background(), 9, 2)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(5), conv.ID)
	assert.Equal(t, models.KindDirect, conv.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrGetDirectCreates(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery(`FROM conversations WHERE kind = 'direct'`).WillReturnRows(sqlmock.NewRows(conversationCols))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO conversations`).WithArgs(int64(3), int64(3), int64(4)).WillReturnRows(directRow(11, 3, 4))
	mock.ExpectExec(`INSERT INTO participants`).WithArgs(int64(11), int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO participants`).WithArgs(int64(11), int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	conv, created, err := repo.CreateOrGetDirect(context.Background(), 3, 4)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(11), conv.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrGetDirectTreatsUniqueViolationAsFetch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery(`FROM conversations WHERE kind = 'direct'`).WillReturnRows(sqlmock.NewRows(conversationCols))
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO conversations`).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectQuery(`FROM conversations WHERE kind = 'direct'`).WithArgs(int64(3), int64(4)).WillReturnRows(directRow(12, 3, 4))
	mock.ExpectExec(`UPDATE participants SET state = 'active'`).WithArgs(int64(12)).WillReturnResult(sqlmock.NewResult(0, 0))

	conv, created, err := repo.CreateOrGetDirect(context.Background(), 4, 3)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(12), conv.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateOrGetDirectRejectsSelf(t *testing.T) {
	db, _ := newMockDB(t)
	_, _, err := NewConversationRepo(db).CreateOrGetDirect(context.Background(), 1, 1)
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestCreateGroupRollsBackOnMemberFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	title := "team"
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO conversations`).WithArgs(title, int64(1)).
		WillReturnRows(sqlmock.NewRows(conversationCols).AddRow(20, "group", title, 1, nil, nil, nil, time.Now()))
	mock.ExpectExec(`INSERT INTO participants .* 'admin'`).WithArgs(int64(20), int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO participants`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := repo.CreateGroup(context.Background(), 1, title, []int64{2, 3})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaveRequiresActiveParticipant(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectExec(`UPDATE participants SET state = 'left'`).WithArgs(int64(5), int64(7)).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Leave(context.Background(), 5, 7)
	assert.True(t, errors.Is(err, apperr.ErrNotAParticipant))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkReadReturnsCheckpoint(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	now := time.Now()
	mock.ExpectQuery(`UPDATE participants SET last_read_at = NOW\(\)`).WithArgs(int64(5), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"last_read_at"}).AddRow(now))
	mock.ExpectQuery(`UPDATE participants SET last_read_at = NOW\(\)`).WithArgs(int64(6), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"last_read_at"}))

	readAt, err := repo.MarkRead(context.Background(), 5, 7)
	require.NoError(t, err)
	assert.True(t, now.Equal(readAt))

	_, err = repo.MarkRead(context.Background(), 6, 7)
	assert.True(t, errors.Is(err, apperr.ErrNotAParticipant))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListConversationsScansSummaries(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	cols := append(append([]string{}, conversationCols...), "is_muted", "unread_count")
	mock.ExpectQuery(`FROM conversations c INNER JOIN participants p`).WithArgs(int64(7), 20, 0).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "direct", nil, 7, 3, 7, time.Now(), time.Now(), false, 2).
			AddRow(2, "group", "crew", 3, nil, nil, nil, time.Now(), true, 0))

	list, err := repo.ListConversations(context.Background(), 7, models.Page{Limit: 20})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(2), list[0].UnreadCount)
	assert.True(t, list[1].IsMuted)
	require.NotNil(t, list[1].Title)
	assert.Equal(t, "crew", *list[1].Title)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestToggleMute(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewConversationRepo(db)

	mock.ExpectQuery(`SET is_muted = NOT is_muted`).WithArgs(int64(5), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"is_muted"}).AddRow(true))

	muted, err := repo.ToggleMute(context.Background(), 5, 7)
	require.NoError(t, err)
	assert.True(t, muted)
	require.NoError(t, mock.ExpectationsWereMet())
}
