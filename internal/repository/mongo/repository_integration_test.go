package mongo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo/options"

	"torrentresume/internal/domain"
)

const defaultMongoTestURI = "mongodb://localhost:27017"

// openTestRepo returns a repository backed by a throwaway database that is
// dropped when the test ends. The test is skipped when no server answers at
// MONGO_TEST_URI (or the local default).
func openTestRepo(t *testing.T) *ResumeRepository {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		uri = defaultMongoTestURI
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Connect(ctx, uri, options.Client().SetConnectTimeout(3*time.Second).SetServerSelectionTimeout(3*time.Second))
	if err == nil {
		err = client.Ping(ctx, nil)
		if err != nil {
			_ = client.Disconnect(ctx)
		}
	}
	if err != nil {
		t.Skipf("mongo unavailable at %s: %v", uri, err)
	}

	dbName := fmt.Sprintf("tresume_test_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		_ = client.Database(dbName).Drop(dropCtx)
		_ = client.Disconnect(dropCtx)
	})

	repo := NewResumeRepository(client, dbName, "resume_data")
	if err := repo.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	return repo
}

func TestIntegrationSaveLoadRemove(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.Save(ctx, domain.ResumeRecord{ID: testHash, Payload: []byte("v1")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := repo.Save(ctx, domain.ResumeRecord{ID: testHash, Payload: []byte("v2")}); err != nil {
		t.Fatalf("Save upsert: %v", err)
	}

	payload, err := repo.Load(ctx, testHash)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(payload) != "v2" {
		t.Fatalf("payload = %q, want v2", payload)
	}

	ids, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != testHash {
		t.Fatalf("ids = %v", ids)
	}

	if err := repo.Remove(ctx, testHash); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := repo.Remove(ctx, testHash); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if _, err := repo.Load(ctx, testHash); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Load after remove = %v, want ErrNotFound", err)
	}
}
