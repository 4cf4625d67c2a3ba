package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// testStore connects to TEST_MONGO_URI and returns a store on a throwaway
// database. Tests are skipped when no MongoDB is configured.
func testStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set, skipping MongoDB tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("mongo not available: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("mongo not available: %v", err)
	}

	db := client.Database(fmt.Sprintf("chat_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
		_ = client.Disconnect(ctx)
	})

	s := NewMongoStore(db)
	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	return s
}

func TestMongoStore_SaveGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	id, err := s.Save(ctx, 42, 1, "Alice", "hello")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id == "" {
		t.Fatal("Save returned empty id")
	}

	m, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	if m.RoomID != 42 || m.SenderID != 1 || m.SenderNickname != "Alice" || m.Text != "hello" {
		t.Errorf("Get(%s) = %+v", id, m)
	}
	if m.DisplayTime == "" {
		t.Error("DisplayTime is empty")
	}
}

func TestMongoStore_GetNotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"not-an-id", "", "000000000000000000000000"} {
		if _, err := s.Get(ctx, id); !errors.Is(err, ErrMessageNotFound) {
			t.Errorf("Get(%q) error = %v, want ErrMessageNotFound", id, err)
		}
	}
}

func TestMongoStore_ListPagesChronologically(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2024, 3, 7, 14, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	for i := 1; i <= 5; i++ {
		if _, err := s.Save(ctx, 7, 1, "Alice", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if _, err := s.Save(ctx, 8, 2, "Bob", "other room"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	page0, err := s.List(ctx, 7, 2, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page0) != 2 || page0[0].Text != "m4" || page0[1].Text != "m5" {
		t.Fatalf("page 0 = %+v, want [m4 m5]", page0)
	}
	if page0[1].DisplayTime != "07 Mar, 14:05" {
		t.Errorf("DisplayTime = %q, want %q", page0[1].DisplayTime, "07 Mar, 14:05")
	}

	page2, err := s.List(ctx, 7, 2, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page2) != 1 || page2[0].Text != "m1" {
		t.Fatalf("page 2 = %+v, want [m1]", page2)
	}

	if _, err := s.List(ctx, 7, 0, 0); err == nil {
		t.Error("List with page size 0 returned nil error")
	}
}

func TestMongoStore_RoomMembership(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	members := func() int64 {
		n, err := s.members.CountDocuments(ctx, bson.M{"_id.room_id": int64(3)})
		if err != nil {
			t.Fatalf("CountDocuments: %v", err)
		}
		return n
	}

	for i := 0; i < 2; i++ {
		if err := s.AddRoomMember(ctx, 3, 10); err != nil {
			t.Fatalf("AddRoomMember: %v", err)
		}
	}
	if err := s.AddRoomMember(ctx, 3, 11); err != nil {
		t.Fatalf("AddRoomMember: %v", err)
	}
	if n := members(); n != 2 {
		t.Fatalf("members = %d, want 2 users", n)
	}

	if err := s.RemoveRoomMember(ctx, 3, 10); err != nil {
		t.Fatalf("RemoveRoomMember: %v", err)
	}
	if n := members(); n != 1 {
		t.Errorf("members after remove = %d, want 1", n)
	}
}
