package mongostore

import (
	"context"
	"fmt"
	"os"
	"testing"

	"devdispatch/internal/store"
	"devdispatch/internal/store/storetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap/zaptest"
)

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("DEVDISPATCH_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("DEVDISPATCH_TEST_MONGO_URI not set")
	}

	// WithTx rollback needs transactions, so the server must be a replica set
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

		s, err := NewWithClient(ctx, client, Config{
			Database:     "devdispatch_test",
			Collection:   fmt.Sprintf("commands_%s", uuid.New().String()[:8]),
			Transactions: true,
		}, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Drop(context.Background()) })
		return s
	})
}
