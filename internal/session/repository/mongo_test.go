package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sinhamajestic/3device-app/internal/db"
)

func TestMongoRepository_Contract(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set, skipping integration test")
	}
	ctx := context.Background()
	client, err := db.OpenMongo(ctx, uri)
	if err != nil {
		t.Skipf("Mongo connection failed (expected in test environment): %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	database := client.Database("ndevice_test_" + uuid.NewString()[:8])
	t.Cleanup(func() { _ = database.Drop(ctx) })

	repo, err := NewMongoRepository(ctx, database, 10*time.Second)
	if err != nil {
		t.Fatalf("NewMongoRepository: %v", err)
	}
	runContract(t, func(t *testing.T) Repository { return repo }, contractOpts{})
}
