package db

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"speech-dedup/fingerprint"
	"speech-dedup/models"
	"speech-dedup/utils"
)

const mongoOpTimeout = 60 * time.Second

// MongoIndex implements Index on MongoDB. Mongo has no triggers, so
// DeleteRecording decrements the hash profile explicitly before
// removing the posting documents; the observable contract is the same
// as the SQL backends.
type MongoIndex struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoIndex connects using MONGO_URI / MONGO_DBNAME and ensures the
// indexes the matcher relies on.
func NewMongoIndex() (*MongoIndex, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	uri := utils.GetEnv("MONGO_URI", "mongodb://localhost:27017")
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, classify("mongo connect", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, classify("mongo ping", err)
	}

	database := client.Database(utils.GetEnv("MONGO_DBNAME", "speechdedup"))

	fp := database.Collection("fingerprints")
	_, err = fp.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "hash", Value: 1}, {Key: "recording_id", Value: 1}, {Key: "t_ref", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "recording_id", Value: 1}}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ensure indexes: %v", err)
	}

	rec := database.Collection("recordings")
	_, err = rec.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "external_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "match_status", Value: 1}, {Key: "duration", Value: -1}}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ensure indexes: %v", err)
	}

	return &MongoIndex{client: client, db: database}, nil
}

func (m *MongoIndex) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *MongoIndex) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), mongoOpTimeout)
}

func (m *MongoIndex) UpsertRecordings(rows []models.Recording) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := m.ctx()
	defer cancel()

	writes := make([]mongo.WriteModel, len(rows))
	for i, r := range rows {
		writes[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"external_id": r.ExternalID}).
			SetUpdate(bson.M{
				"$set": bson.M{
					"channel_id":   r.ChannelID,
					"title":        r.Title,
					"published_at": r.PublishedAt,
					"duration":     r.DurationSec,
				},
				"$setOnInsert": bson.M{"_id": r.ID, "match_status": nil},
			}).
			SetUpsert(true)
	}

	_, err := m.db.Collection("recordings").BulkWrite(ctx, writes)
	return classify("upsert recordings", err)
}

func (m *MongoIndex) NextPending(limit int, cursor *models.PendingCursor) ([]models.Recording, *models.PendingCursor, error) {
	ctx, cancel := m.ctx()
	defer cancel()

	filter := bson.M{"match_status": nil}
	if cursor != nil {
		filter = bson.M{
			"match_status": nil,
			"$or": bson.A{
				bson.M{"duration": bson.M{"$lt": cursor.DurationSec}},
				bson.M{"duration": cursor.DurationSec, "_id": bson.M{"$lt": cursor.ID}},
			},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "duration", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := m.db.Collection("recordings").Find(ctx, filter, opts)
	if err != nil {
		return nil, nil, classify("next pending", err)
	}
	defer cur.Close(ctx)

	var out []models.Recording
	for cur.Next(ctx) {
		var doc struct {
			ID          string `bson:"_id"`
			ExternalID  string `bson:"external_id"`
			ChannelID   string `bson:"channel_id"`
			Title       string `bson:"title"`
			DurationSec int    `bson:"duration"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, nil, classify("next pending", err)
		}
		out = append(out, models.Recording{
			ID:          doc.ID,
			ExternalID:  doc.ExternalID,
			ChannelID:   doc.ChannelID,
			Title:       doc.Title,
			DurationSec: doc.DurationSec,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, nil, classify("next pending", err)
	}

	var next *models.PendingCursor
	if len(out) > 0 {
		last := out[len(out)-1]
		next = &models.PendingCursor{DurationSec: last.DurationSec, ID: last.ID}
	}
	return out, next, nil
}

func (m *MongoIndex) SetStatus(recordingID, status, originalRecordingID string) error {
	ctx, cancel := m.ctx()
	defer cancel()

	set := bson.M{"match_status": nil}
	if status != "" {
		set["match_status"] = status
	}
	if originalRecordingID != "" {
		set["original_recording_id"] = originalRecordingID
	}

	_, err := m.db.Collection("recordings").UpdateByID(ctx, recordingID, bson.M{"$set": set})
	return classify("set status", err)
}

func (m *MongoIndex) UpsertHashStats(recordingID string, counts map[string]uint32) error {
	if len(counts) == 0 {
		return nil
	}
	ctx, cancel := m.ctx()
	defer cancel()

	writes := make([]mongo.WriteModel, 0, len(counts))
	for h, c := range counts {
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": h}).
			SetUpdate(bson.M{"$inc": bson.M{"total_count": int64(c), "video_count": 1}}).
			SetUpsert(true))
	}

	_, err := m.db.Collection("fingerprint_hashes").
		BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	return classify("upsert hash stats", err)
}

func (m *MongoIndex) InsertOccurrences(recordingID string, occurrences []models.Occurrence) error {
	if len(occurrences) == 0 {
		return nil
	}
	ctx, cancel := m.ctx()
	defer cancel()

	docs := make([]any, len(occurrences))
	for i, occ := range occurrences {
		docs[i] = bson.M{
			"hash":         occ.Hash,
			"recording_id": recordingID,
			"t_ref":        int64(occ.TRef),
		}
	}

	_, err := m.db.Collection("fingerprints").
		InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if mongo.IsDuplicateKeyError(err) {
		err = nil
	}
	return classify("insert occurrences", err)
}

func (m *MongoIndex) QueryCandidates(query []models.Occurrence, params models.MatchParams) ([]models.Candidate, error) {
	return fingerprint.FindCandidates(m, query, params)
}

func (m *MongoIndex) DeleteRecording(recordingID string) (int64, error) {
	ctx, cancel := m.ctx()
	defer cancel()

	// no triggers here: decrement the profile from the recording's own
	// rows before dropping them
	cur, err := m.db.Collection("fingerprints").Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"recording_id": recordingID}}},
		{{Key: "$group", Value: bson.M{"_id": "$hash", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return 0, classify("delete recording", err)
	}

	var writes []mongo.WriteModel
	for cur.Next(ctx) {
		var doc struct {
			Hash  string `bson:"_id"`
			Count int64  `bson:"count"`
		}
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return 0, classify("delete recording", err)
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": doc.Hash}).
			SetUpdate(bson.M{"$inc": bson.M{"total_count": -doc.Count, "video_count": -1}}))
	}
	cur.Close(ctx)

	if len(writes) > 0 {
		if _, err := m.db.Collection("fingerprint_hashes").
			BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false)); err != nil {
			return 0, classify("delete recording", err)
		}
		if _, err := m.db.Collection("fingerprint_hashes").DeleteMany(ctx, bson.M{
			"$or": bson.A{
				bson.M{"total_count": bson.M{"$lte": 0}},
				bson.M{"video_count": bson.M{"$lte": 0}},
			},
		}); err != nil {
			return 0, classify("delete recording", err)
		}
	}

	res, err := m.db.Collection("fingerprints").DeleteMany(ctx, bson.M{"recording_id": recordingID})
	if err != nil {
		return 0, classify("delete recording", err)
	}

	if err := m.SetStatus(recordingID, models.StatusUnset, ""); err != nil {
		return res.DeletedCount, err
	}
	return res.DeletedCount, nil
}

func (m *MongoIndex) GetRecording(recordingID string) (*models.Recording, error) {
	ctx, cancel := m.ctx()
	defer cancel()

	var doc struct {
		ID                  string  `bson:"_id"`
		ExternalID          string  `bson:"external_id"`
		ChannelID           string  `bson:"channel_id"`
		Title               string  `bson:"title"`
		DurationSec         int     `bson:"duration"`
		MatchStatus         *string `bson:"match_status"`
		OriginalRecordingID *string `bson:"original_recording_id"`
	}
	err := m.db.Collection("recordings").FindOne(ctx, bson.M{"_id": recordingID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get recording", err)
	}

	r := models.Recording{
		ID:          doc.ID,
		ExternalID:  doc.ExternalID,
		ChannelID:   doc.ChannelID,
		Title:       doc.Title,
		DurationSec: doc.DurationSec,
	}
	if doc.MatchStatus != nil {
		r.MatchStatus = *doc.MatchStatus
	}
	if doc.OriginalRecordingID != nil {
		r.OriginalRecordingID = *doc.OriginalRecordingID
	}
	return &r, nil
}

func (m *MongoIndex) TotalRecordings() (int, error) {
	ctx, cancel := m.ctx()
	defer cancel()

	n, err := m.db.Collection("recordings").CountDocuments(ctx, bson.M{})
	return int(n), classify("total recordings", err)
}

func (m *MongoIndex) TotalFingerprints() (int64, error) {
	ctx, cancel := m.ctx()
	defer cancel()

	cur, err := m.db.Collection("fingerprint_hashes").Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$total_count"}}}},
	})
	if err != nil {
		return 0, classify("total fingerprints", err)
	}
	defer cur.Close(ctx)

	if cur.Next(ctx) {
		var doc struct {
			Total int64 `bson:"total"`
		}
		if err := cur.Decode(&doc); err != nil {
			return 0, classify("total fingerprints", err)
		}
		return doc.Total, nil
	}
	return 0, classify("total fingerprints", cur.Err())
}

// Lookup implements fingerprint.PostingSource. Lists are capped at
// limit+1 entries per hash while scanning.
func (m *MongoIndex) Lookup(hashes []string, limit int) (map[string][]models.Posting, error) {
	ctx, cancel := m.ctx()
	defer cancel()

	opts := options.Find().SetSort(bson.D{
		{Key: "hash", Value: 1}, {Key: "recording_id", Value: 1}, {Key: "t_ref", Value: 1},
	})
	cur, err := m.db.Collection("fingerprints").
		Find(ctx, bson.M{"hash": bson.M{"$in": hashes}}, opts)
	if err != nil {
		return nil, classify("posting lookup", err)
	}
	defer cur.Close(ctx)

	postings := make(map[string][]models.Posting)
	for cur.Next(ctx) {
		var doc struct {
			Hash        string `bson:"hash"`
			RecordingID string `bson:"recording_id"`
			TRef        int64  `bson:"t_ref"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, classify("posting lookup", err)
		}
		if len(postings[doc.Hash]) > limit {
			continue // already known too common; skip the rest
		}
		postings[doc.Hash] = append(postings[doc.Hash], models.Posting{
			RecordingID: doc.RecordingID,
			TRef:        uint32(doc.TRef),
		})
	}
	return postings, classify("posting lookup", cur.Err())
}

// HashTotals implements fingerprint.PostingSource.
func (m *MongoIndex) HashTotals(hashes []string) (map[string]uint32, error) {
	ctx, cancel := m.ctx()
	defer cancel()

	cur, err := m.db.Collection("fingerprint_hashes").
		Find(ctx, bson.M{"_id": bson.M{"$in": hashes}})
	if err != nil {
		return nil, classify("hash totals", err)
	}
	defer cur.Close(ctx)

	totals := make(map[string]uint32, len(hashes))
	for cur.Next(ctx) {
		var doc struct {
			Hash       string `bson:"_id"`
			TotalCount int64  `bson:"total_count"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, classify("hash totals", err)
		}
		totals[doc.Hash] = uint32(doc.TotalCount)
	}
	return totals, classify("hash totals", cur.Err())
}

// StopWordCutoff implements fingerprint.PostingSource.
func (m *MongoIndex) StopWordCutoff(ignoreFraction float64) (uint32, bool, error) {
	ctx, cancel := m.ctx()
	defer cancel()

	coll := m.db.Collection("fingerprint_hashes")
	distinct, err := coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, false, classify("stop-word cutoff", err)
	}

	rank := int64(math.Floor(float64(distinct) * ignoreFraction))
	if rank < 1 {
		return 0, false, nil
	}

	opts := options.FindOne().
		SetSort(bson.D{{Key: "total_count", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(rank - 1)

	var doc struct {
		TotalCount int64 `bson:"total_count"`
	}
	if err := coll.FindOne(ctx, bson.M{}, opts).Decode(&doc); err != nil {
		return 0, false, classify("stop-word cutoff", err)
	}
	return uint32(doc.TotalCount), true, nil
}
