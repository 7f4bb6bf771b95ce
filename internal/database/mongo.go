package database

import (
	"context"
	"fmt"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.uber.org/zap"
)

const (
	defaultMongoDatabase = "price_alerts"
	alertsCollection     = "alerts"
)

type alertDocument struct {
	ID          primitive.ObjectID   `bson:"_id,omitempty"`
	UserID      string               `bson:"userId"`
	CoinID      string               `bson:"coinId"`
	TargetPrice primitive.Decimal128 `bson:"targetPrice"`
	Direction   string               `bson:"direction"`
	IsTriggered bool                 `bson:"isTriggered"`
	TriggeredAt *time.Time           `bson:"triggeredAt,omitempty"`
	CreatedAt   time.Time            `bson:"createdAt"`
	UpdatedAt   time.Time            `bson:"updatedAt"`
}

func toDocument(a *models.Alert) (alertDocument, error) {
	target, err := primitive.ParseDecimal128(a.TargetPrice.String())
	if err != nil {
		return alertDocument{}, fmt.Errorf("encode target price: %w", err)
	}
	return alertDocument{
		UserID:      a.UserID,
		CoinID:      a.CoinID,
		TargetPrice: target,
		Direction:   string(a.Direction),
		IsTriggered: a.IsTriggered,
		TriggeredAt: a.TriggeredAt,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}, nil
}

func (d alertDocument) toModel() (*models.Alert, error) {
	target, err := decimal.NewFromString(d.TargetPrice.String())
	if err != nil {
		return nil, fmt.Errorf("decode target price: %w", err)
	}
	return &models.Alert{
		ID:          d.ID.Hex(),
		UserID:      d.UserID,
		CoinID:      d.CoinID,
		TargetPrice: target,
		Direction:   models.Direction(d.Direction),
		IsTriggered: d.IsTriggered,
		TriggeredAt: d.TriggeredAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}

// MongoStore keeps alerts in a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects, pings and ensures indexes. The database name
// comes from the URI path, defaulting to price_alerts.
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mongo uri: %w", err)
	}
	dbName := cs.Database
	if dbName == "" {
		dbName = defaultMongoDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	store := &MongoStore{client: client, coll: client.Database(dbName).Collection(alertsCollection)}
	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	logger.Log.Info("Connected to MongoDB", zap.String("database", dbName))
	return store, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "coinId", Value: 1}}},
		{Keys: bson.D{{Key: "coinId", Value: 1}, {Key: "isTriggered", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create alert indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateAlert(ctx context.Context, alert *models.Alert) error {
	doc, err := toDocument(alert)
	if err != nil {
		return err
	}
	doc.ID = primitive.NewObjectID()

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		logger.Log.Error("Failed to create alert in database", zap.Error(err))
		return err
	}
	alert.ID = doc.ID.Hex()
	return nil
}

func (s *MongoStore) ListAlertsByUser(ctx context.Context, userID string) ([]*models.Alert, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	return s.find(ctx, bson.M{"userId": userID}, opts)
}

// DeleteAlert removes the alert owned by userID. Ids that are not valid
// ObjectIDs can not exist and report not found.
func (s *MongoStore) DeleteAlert(ctx context.Context, id, userID string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrAlertNotFound
	}

	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": oid, "userId": userID})
	if err != nil {
		logger.Log.Error("Failed to delete alert", zap.String("alert_id", id), zap.Error(err))
		return err
	}
	if res.DeletedCount == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (s *MongoStore) FindPending(ctx context.Context, coinIDs []string) ([]*models.Alert, error) {
	return s.find(ctx, bson.M{"coinId": bson.M{"$in": coinIDs}, "isTriggered": false})
}

func (s *MongoStore) MarkTriggered(ctx context.Context, id string, at time.Time) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, fmt.Errorf("alert id %q: %w", id, err)
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": oid, "isTriggered": false},
		bson.M{"$set": bson.M{"isTriggered": true, "triggeredAt": at, "updatedAt": at}},
	)
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]*models.Alert, error) {
	cur, err := s.coll.Find(ctx, filter, opts...)
	if err != nil {
		logger.Log.Error("Failed to query alerts", zap.Error(err))
		return nil, err
	}
	defer cur.Close(ctx)

	alerts := []*models.Alert{}
	for cur.Next(ctx) {
		var doc alertDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		alert, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}
