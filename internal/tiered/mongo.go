package tiered

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/aqiwatch/pipeline/internal/aqi"
)

// MongoCollection is the production Collection adapter for one of the
// three persisted collections (air_quality_hot, air_quality_warm,
// air_quality_cold). go.mongodb.org/mongo-driver is new to this module's
// stack relative to the teacher (which never persisted time-series data of
// its own) but is the library the rest of the retrieved pack reaches for
// whenever a document store with TTL/geospatial indexes is called for — so
// this adapter follows that ecosystem choice rather than the teacher's
// pgx/Postgres one, which internal/durable uses instead for the flat audit
// trail.
type MongoCollection struct {
	coll *mongo.Collection
	tier Tier
}

// NewMongoCollection wraps an already-connected *mongo.Collection. The
// index set (and the TTL) is tier-dependent per the external-interfaces
// table (§6) and is created once by EnsureIndexes at startup, not lazily.
func NewMongoCollection(coll *mongo.Collection, tier Tier) *MongoCollection {
	return &MongoCollection{coll: coll, tier: tier}
}

// EnsureIndexes creates the tier's index set. hot gets a compound
// (location,timestamp desc) index, a 2dsphere index on coordinates, and a
// partial index restricted to aqi>=100; warm gets the same compound index
// plus a 365-day TTL on timestamp; cold gets only (timestamp desc).
func (m *MongoCollection) EnsureIndexes(ctx context.Context) error {
	locationTimestamp := mongo.IndexModel{
		Keys: bson.D{{Key: "location", Value: 1}, {Key: "timestamp", Value: -1}},
	}
	timestampOnly := mongo.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: -1}},
	}

	var models []mongo.IndexModel
	switch m.tier {
	case TierHot:
		models = []mongo.IndexModel{
			locationTimestamp,
			{
				Keys: bson.D{{Key: "coordinates", Value: "2dsphere"}},
			},
			{
				Keys: bson.D{{Key: "aqi", Value: 1}},
				Options: options.Index().SetPartialFilterExpression(
					bson.D{{Key: "aqi", Value: bson.D{{Key: "$gte", Value: 100}}}},
				),
			},
		}
	case TierWarm:
		models = []mongo.IndexModel{
			locationTimestamp,
			{
				Keys:    bson.D{{Key: "timestamp", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(365 * 24 * time.Hour / time.Second)),
			},
		}
	case TierCold:
		models = []mongo.IndexModel{timestampOnly}
	}

	_, err := m.coll.Indexes().CreateMany(ctx, models)
	return err
}

func (m *MongoCollection) Insert(ctx context.Context, r aqi.Reading) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.D{{Key: "location", Value: r.Location}, {Key: "timestamp", Value: r.Timestamp}},
		bson.D{{Key: "$setOnInsert", Value: r}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoCollection) Delete(ctx context.Context, location string, timestamp time.Time) error {
	_, err := m.coll.DeleteOne(ctx, bson.D{
		{Key: "location", Value: location},
		{Key: "timestamp", Value: timestamp},
	})
	return err
}

func (m *MongoCollection) QueryRange(ctx context.Context, start, end time.Time, filters Filters, limit int) ([]aqi.Reading, error) {
	filter := bson.D{{Key: "timestamp", Value: bson.D{{Key: "$gte", Value: start}, {Key: "$lt", Value: end}}}}
	if filters.Location != "" {
		filter = append(filter, bson.E{Key: "location", Value: filters.Location})
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []aqi.Reading
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoCollection) SelectBefore(ctx context.Context, cutoff time.Time, location string, batchSize int) ([]aqi.Reading, error) {
	filter := bson.D{{Key: "timestamp", Value: bson.D{{Key: "$lt", Value: cutoff}}}}
	if location != "" {
		filter = append(filter, bson.E{Key: "location", Value: location})
	}

	cur, err := m.coll.Find(ctx, filter, options.Find().SetLimit(int64(batchSize)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []aqi.Reading
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoCollection) Latest(ctx context.Context, location string) (*aqi.Reading, bool, error) {
	var r aqi.Reading
	err := m.coll.FindOne(ctx,
		bson.D{{Key: "location", Value: location}},
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}}),
	).Decode(&r)
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &r, true, nil
}
