package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	messagesCollection    = "messages"
	roomMembersCollection = "room_members"
)

type messageDoc struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	Message        string             `bson:"message"`
	SenderNickname string             `bson:"sender_nickname"`
	SenderID       int64              `bson:"sender_id"`
	RoomID         int64              `bson:"room_id"`
	CreatedAt      time.Time          `bson:"created_at"`
}

func (d messageDoc) toMessage() Message {
	created := d.CreatedAt.UTC()
	return Message{
		ID:             d.ID.Hex(),
		RoomID:         d.RoomID,
		SenderID:       d.SenderID,
		SenderNickname: d.SenderNickname,
		Text:           d.Message,
		CreatedAt:      created,
		DisplayTime:    created.Format(DisplayLayout),
	}
}

type memberKey struct {
	RoomID int64 `bson:"room_id"`
	UserID int64 `bson:"user_id"`
}

// MongoStore persists messages and room membership records. Every call goes
// to the database; nothing is cached.
type MongoStore struct {
	messages *mongo.Collection
	members  *mongo.Collection
	now      func() time.Time
}

// NewMongoStore creates a store on the given database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		messages: db.Collection(messagesCollection),
		members:  db.Collection(roomMembersCollection),
		now:      time.Now,
	}
}

// EnsureIndexes creates the room index used by List.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("chat: create index: %w", err)
	}
	return nil
}

// Save appends a message and returns its id.
func (s *MongoStore) Save(ctx context.Context, roomID, senderID int64, nickname, text string) (string, error) {
	doc := messageDoc{
		ID:             primitive.NewObjectID(),
		Message:        text,
		SenderNickname: nickname,
		SenderID:       senderID,
		RoomID:         roomID,
		CreatedAt:      s.now().UTC(),
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return "", fmt.Errorf("chat: insert message: %w", err)
	}
	return doc.ID.Hex(), nil
}

// Get looks a message up by id. Malformed and unknown ids both yield
// ErrMessageNotFound.
func (s *MongoStore) Get(ctx context.Context, id string) (Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return Message{}, ErrMessageNotFound
	}

	var doc messageDoc
	err = s.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("chat: find message: %w", err)
	}
	return doc.toMessage(), nil
}

// List returns page number page (zero based) of a room's history. Pages are
// counted from the newest message; the messages of a page are returned oldest
// first.
func (s *MongoStore) List(ctx context.Context, roomID int64, pageSize, page int) ([]Message, error) {
	if pageSize <= 0 || page < 0 {
		return nil, fmt.Errorf("chat: invalid page %d/%d", page, pageSize)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: -1}}).
		SetSkip(int64(page) * int64(pageSize)).
		SetLimit(int64(pageSize))

	cur, err := s.messages.Find(ctx, bson.M{"room_id": roomID}, opts)
	if err != nil {
		return nil, fmt.Errorf("chat: find messages: %w", err)
	}
	defer cur.Close(ctx)

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("chat: decode messages: %w", err)
	}

	out := make([]Message, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = d.toMessage()
	}
	return out, nil
}

// AddRoomMember records that userID is in roomID. Repeated calls keep a
// single record.
func (s *MongoStore) AddRoomMember(ctx context.Context, roomID, userID int64) error {
	key := memberKey{RoomID: roomID, UserID: userID}
	_, err := s.members.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"updated_at": s.now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("chat: upsert room member: %w", err)
	}
	return nil
}

// RemoveRoomMember deletes the membership record, if any.
func (s *MongoStore) RemoveRoomMember(ctx context.Context, roomID, userID int64) error {
	_, err := s.members.DeleteOne(ctx, bson.M{"_id": memberKey{RoomID: roomID, UserID: userID}})
	if err != nil {
		return fmt.Errorf("chat: delete room member: %w", err)
	}
	return nil
}
