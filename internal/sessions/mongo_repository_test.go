package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestMongoRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()
	expires := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	mt.Run("create", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		require.NoError(mt, repo.Create(ctx, &Session{ID: "s-1", UserID: "u-1", Provider: "cognito", ExpiresAt: expires}))

		ev := mt.GetStartedEvent()
		require.Equal(mt, "insert", ev.CommandName)
		id, err := ev.Command.LookupErr("documents", "0", "_id")
		require.NoError(mt, err)
		require.Equal(mt, "s-1", id.StringValue())
	})

	mt.Run("duplicate id fails", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Coll)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"}))
		require.Error(mt, repo.Create(ctx, &Session{ID: "s-1", ExpiresAt: expires}))
	})

	mt.Run("get", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Coll)
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
				{Key: "_id", Value: "s-1"}, {Key: "userId", Value: "u-1"}, {Key: "provider", Value: "cognito"},
				{Key: "idToken", Value: "id.token.hint"}, {Key: "expiresAt", Value: expires},
			}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch),
		)

		s, err := repo.Get(ctx, "s-1")
		require.NoError(mt, err)
		require.Equal(mt, "u-1", s.UserID)
		require.Equal(mt, "id.token.hint", s.IDToken)
		require.True(mt, s.ExpiresAt.Equal(expires))

		s, err = repo.Get(ctx, "gone")
		require.NoError(mt, err)
		require.Nil(mt, s)
	})

	mt.Run("delete", func(mt *mtest.T) {
		repo := NewMongoRepository(mt.Coll)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		require.NoError(mt, repo.Delete(ctx, "s-1"))
		require.Equal(mt, "delete", mt.GetStartedEvent().CommandName)
	})
}
