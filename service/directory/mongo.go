package directory

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// finder is the part of *mongo.Collection the directory uses.
type finder interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
}

// Mongo reads the users/projects/status_pages collections.
type Mongo struct {
	client   *mongo.Client
	users    finder
	projects finder
	pages    finder
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	opts := options.Client().ApplyURI(uri).SetServerSelectionTimeout(5 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "mongo ping")
	}
	db := client.Database(database)
	return &Mongo{
		client:   client,
		users:    db.Collection("users"),
		projects: db.Collection("projects"),
		pages:    db.Collection("status_pages"),
	}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

// findOne decodes the first match into out; found is false on no documents.
func findOne(ctx context.Context, f finder, filter bson.M, out any) (bool, error) {
	err := f.FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Mongo) LookupUser(ctx context.Context, id string) (*User, error) {
	var u User
	ok, err := findOne(ctx, m.users, bson.M{"_id": id}, &u)
	if err != nil || !ok {
		return nil, errors.Wrap(err, "lookup user")
	}
	return &u, nil
}

func (m *Mongo) LookupProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	ok, err := findOne(ctx, m.projects, bson.M{"_id": id}, &p)
	if err != nil || !ok {
		return nil, errors.Wrap(err, "lookup project")
	}
	return &p, nil
}

func (m *Mongo) LookupStatusPageBySlug(ctx context.Context, slug string) (*StatusPage, error) {
	var sp StatusPage
	ok, err := findOne(ctx, m.pages, bson.M{"slug": slug}, &sp)
	if err != nil || !ok {
		return nil, errors.Wrap(err, "lookup status page")
	}
	return &sp, nil
}
