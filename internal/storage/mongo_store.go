package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/mechanic-dispatch/internal/models"
)

// MongoStore keeps requests, mechanics and bookings as documents. Guarded
// transitions put the guard in the filter of a single FindOneAndUpdate.
type MongoStore struct {
	client    *mongo.Client
	requests  *mongo.Collection
	mechanics *mongo.Collection
	bookings  *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx2, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx2, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx2, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	db := client.Database(database)
	s := &MongoStore{
		client:    client,
		requests:  db.Collection("requests"),
		mechanics: db.Collection("mechanics"),
		bookings:  db.Collection("bookings"),
	}
	if err := s.ensureIndexes(ctx2); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "user", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "mechanic", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("request indexes: %w", err)
	}
	_, err = s.bookings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "request", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("booking indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateRequest(ctx context.Context, r *models.Request) error {
	_, err := s.requests.InsertOne(ctx, r)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("request %s: %w", r.ID, ErrConflict)
	}
	return err
}

func (s *MongoStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	var r models.Request
	err := s.requests.FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Request{}, ErrNotFound
	}
	return r, err
}

func (s *MongoStore) ListRequests(ctx context.Context, f RequestFilter) ([]models.Request, error) {
	filter := bson.M{}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.UserID != "" {
		filter["user"] = f.UserID
	}
	if f.MechanicID != "" {
		filter["mechanic"] = f.MechanicID
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.requests.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]models.Request, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) TransitionRequest(ctx context.Context, id string, t Transition) (models.Request, error) {
	from := make([]string, 0, len(t.From))
	for _, st := range t.From {
		from = append(from, string(st))
	}
	filter := bson.M{"_id": id, "status": bson.M{"$in": from}}
	if t.Owner != "" {
		filter["mechanic"] = t.Owner
	}
	if t.UserID != "" {
		filter["user"] = t.UserID
	}

	set := bson.M{"status": string(t.To), "updatedAt": t.At}
	switch t.To {
	case models.StatusAccepted:
		set["mechanic"] = t.AssignMechanic
		set["acceptedAt"] = t.At
	case models.StatusCompleted:
		set["completedAt"] = t.At
	case models.StatusCancelled:
		set["cancelledAt"] = t.At
	}
	if t.ActualCost != nil {
		set["actualCost"] = *t.ActualCost
	}
	if t.Notes != "" {
		set["notes"] = t.Notes
	}

	var r models.Request
	err := s.requests.FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&r)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return models.Request{}, err
	}
	current, err := s.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	return current, ErrConflict
}

func (s *MongoStore) UpsertMechanic(ctx context.Context, m models.Mechanic) error {
	_, err := s.mechanics.ReplaceOne(ctx, bson.M{"_id": m.ID}, m, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) GetMechanic(ctx context.Context, id string) (models.Mechanic, error) {
	var m models.Mechanic
	err := s.mechanics.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Mechanic{}, ErrNotFound
	}
	return m, err
}

func (s *MongoStore) ListMechanics(ctx context.Context, f MechanicFilter) ([]models.Mechanic, error) {
	filter := bson.M{"rating": bson.M{"$gte": f.MinRating}}
	if f.AvailableOnly {
		filter["isAvailable"] = true
		filter["isActive"] = true
	}
	if f.Specialization != "" {
		filter["specialization"] = f.Specialization
	}
	cur, err := s.mechanics.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := make([]models.Mechanic, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) ClaimAvailability(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.mechanics.UpdateOne(ctx,
		bson.M{"_id": id, "isAvailable": true},
		bson.M{"$set": bson.M{"isAvailable": false, "updatedAt": at}})
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	if _, err := s.GetMechanic(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *MongoStore) updateMechanic(ctx context.Context, id string, update any) (models.Mechanic, error) {
	var m models.Mechanic
	err := s.mechanics.FindOneAndUpdate(ctx, bson.M{"_id": id}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Mechanic{}, ErrNotFound
	}
	return m, err
}

func (s *MongoStore) SetAvailability(ctx context.Context, id string, available bool, at time.Time) (models.Mechanic, error) {
	return s.updateMechanic(ctx, id, bson.M{"$set": bson.M{"isAvailable": available, "updatedAt": at}})
}

// ToggleAvailability uses an update pipeline so the flip happens server side.
func (s *MongoStore) ToggleAvailability(ctx context.Context, id string, at time.Time) (models.Mechanic, error) {
	return s.updateMechanic(ctx, id, mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "isAvailable", Value: bson.D{{Key: "$not", Value: bson.A{"$isAvailable"}}}},
			{Key: "updatedAt", Value: at},
		}}},
	})
}

func (s *MongoStore) RecordCompletedJob(ctx context.Context, id string, at time.Time) (models.Mechanic, error) {
	return s.updateMechanic(ctx, id, bson.M{
		"$inc": bson.M{"completedJobs": 1},
		"$set": bson.M{"isAvailable": true, "updatedAt": at},
	})
}

func (s *MongoStore) UpdateLocation(ctx context.Context, id string, c models.Coord, at time.Time) (models.Mechanic, error) {
	return s.updateMechanic(ctx, id, bson.M{"$set": bson.M{"currentLocation": c, "updatedAt": at}})
}

func (s *MongoStore) CreateBooking(ctx context.Context, b models.Booking) error {
	_, err := s.bookings.InsertOne(ctx, b)
	return err
}

func (s *MongoStore) ListBookings(ctx context.Context, f BookingFilter) ([]models.Booking, error) {
	filter := bson.M{}
	if f.UserID != "" {
		filter["user"] = f.UserID
	}
	if f.MechanicID != "" {
		filter["mechanic"] = f.MechanicID
	}
	opts := options.Find().SetSort(bson.D{{Key: "completedAt", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := s.bookings.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out := make([]models.Booking, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
