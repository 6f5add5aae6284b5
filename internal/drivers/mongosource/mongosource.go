// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package mongosource reads MongoDB collections as tables.
package mongosource

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tomtom215/marketscope/internal/drivers"
	"github.com/tomtom215/marketscope/internal/logging"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

const (
	defaultMaxDocuments = 100000
	connectTimeout      = 15 * time.Second
	batchSize           = 1000
)

// Driver reads one MongoDB database.
type Driver struct{}

// New creates the mongodb driver.
func New() *Driver { return &Driver{} }

func (d *Driver) Type() models.SourceType { return models.SourceMongoDB }

// ValidateConfig requires a database and, unless a uri secret is used,
// a host.
func (d *Driver) ValidateConfig(cfg map[string]any) error {
	c := drivers.Config(cfg)
	if err := c.Require("database"); err != nil {
		return err
	}
	if !c.Bool("use_uri") {
		if err := c.Require("host"); err != nil {
			return err
		}
	}
	if c.Int("max_documents", defaultMaxDocuments) < 0 {
		return drivers.Invalid("max_documents must not be negative")
	}
	return nil
}

func connectionURI(c drivers.Config, secrets map[string]string) string {
	if uri := secrets["uri"]; uri != "" {
		return uri
	}
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(c.String("host"), strconv.Itoa(c.Int("port", 27017))),
		Path:   "/",
	}
	if user := c.String("user"); user != "" {
		u.User = url.UserPassword(user, secrets["password"])
		u.RawQuery = url.Values{"authSource": {c.StringDefault("auth_source", "admin")}}.Encode()
	}
	return u.String()
}

// Fetch reads each collection up to max_documents. Documents become rows
// with one column per top-level field.
func (d *Driver) Fetch(ctx context.Context, req drivers.FetchRequest) (*drivers.FetchResult, error) {
	c := drivers.Config(req.DataSource.Config)
	opts := options.Client().
		ApplyURI(connectionURI(c, req.Credentials.Secrets)).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(connectTimeout).
		SetAppName("marketscope")
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.WithoutCancel(ctx)); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("MongoDB disconnect failed")
		}
	}()

	db := client.Database(c.String("database"))
	collections := c.Strings("collections")
	if len(collections) == 0 {
		if collections, err = db.ListCollectionNames(ctx, bson.D{}); err != nil {
			return nil, fmt.Errorf("failed to list collections: %w", err)
		}
	}

	maxDocs := int64(c.Int("max_documents", defaultMaxDocuments))
	result := &drivers.FetchResult{}
	for _, name := range collections {
		ds, err := readCollection(ctx, db.Collection(name), maxDocs)
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", name, err)
		}
		result.Datasets = append(result.Datasets, ds)
	}
	return result, nil
}

func readCollection(ctx context.Context, coll *mongo.Collection, maxDocs int64) (drivers.Dataset, error) {
	find := options.Find().SetBatchSize(batchSize).SetSort(bson.D{{Key: "_id", Value: 1}})
	if maxDocs > 0 {
		find.SetLimit(maxDocs)
	}
	cur, err := coll.Find(ctx, bson.D{}, find)
	if err != nil {
		return drivers.Dataset{}, err
	}
	defer cur.Close(ctx)

	rs := drivers.NewRecordSet("_id")
	for cur.Next(ctx) {
		var doc bson.D
		if err := cur.Decode(&doc); err != nil {
			return drivers.Dataset{}, err
		}
		rs.Add(documentRecord(doc))
	}
	if err := cur.Err(); err != nil {
		return drivers.Dataset{}, err
	}
	return rs.Dataset(coll.Name(), warehouse.ModeReplace), nil
}

// documentRecord flattens a document to its top-level fields.
func documentRecord(doc bson.D) map[string]any {
	rec := make(map[string]any, len(doc))
	for _, e := range doc {
		rec[e.Key] = normalize(e.Value)
	}
	return rec
}

// normalize converts BSON values to plain Go values. Nested documents
// and arrays become maps and slices, stored as jsonb.
func normalize(v any) any {
	switch x := v.(type) {
	case primitive.ObjectID:
		return x.Hex()
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.Timestamp:
		return time.Unix(int64(x.T), 0).UTC()
	case primitive.Decimal128:
		return x.String()
	case primitive.Binary:
		return x.Data
	case primitive.Regex:
		return x.Pattern
	case int32:
		return int64(x)
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = normalize(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[k] = normalize(val)
		}
		return m
	case bson.A:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	case primitive.Null, primitive.Undefined:
		return nil
	}
	return v
}
