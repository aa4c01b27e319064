package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/durable/internal/testutil"
)

func TestMongoStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping mongo container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(testutil.GetMongoURI(t)))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	s := &StoreSuite{}
	s.newStore = func() Store {
		_ = client.Database("durable_test").Drop(context.Background())
		store, err := NewMongoStore(context.Background(), client, "durable_test")
		if err != nil {
			t.Fatalf("NewMongoStore: %v", err)
		}
		return store
	}
	suite.Run(t, s)
}
