package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/weft/pkg/api"
)

// MongoWorkflowStore is a WorkflowStore backed by a MongoDB collection.
type MongoWorkflowStore struct {
	coll *mongo.Collection
}

// Ensure it implements WorkflowStore.
var _ WorkflowStore = (*MongoWorkflowStore)(nil)

// NewMongoWorkflowStore creates a Mongo-backed workflow store and ensures the
// unique (owner_id, name) index. dbName defaults to "weft" if empty,
// collName defaults to "workflows".
func NewMongoWorkflowStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoWorkflowStore, error) {
	if dbName == "" {
		dbName = "weft"
	}
	if collName == "" {
		collName = "workflows"
	}

	s := &MongoWorkflowStore{coll: client.Database(dbName).Collection(collName)}
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "owner_id", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create workflow name index: %w", err)
	}
	return s, nil
}

// The graph is kept as a JSON string so node configs round-trip with the
// same types as the SQL backends.
type mongoWorkflowDoc struct {
	ID          string `bson:"_id"`
	OwnerID     string `bson:"owner_id"`
	Name        string `bson:"name"`
	Description string `bson:"description"`
	Definition  string `bson:"definition"`
}

func toMongoDoc(def api.WorkflowDefinition) (mongoWorkflowDoc, error) {
	data, err := EncodeDefinition(def)
	if err != nil {
		return mongoWorkflowDoc{}, err
	}
	return mongoWorkflowDoc{
		ID:          def.ID,
		OwnerID:     def.OwnerID,
		Name:        def.Name,
		Description: def.Description,
		Definition:  string(data),
	}, nil
}

func (s *MongoWorkflowStore) CreateWorkflow(ctx context.Context, def api.WorkflowDefinition) (api.WorkflowDefinition, error) {
	stored := def.Clone()
	stored.ID = uuid.NewString()

	doc, err := toMongoDoc(stored)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return api.WorkflowDefinition{}, fmt.Errorf("%w: %q", ErrNameTaken, stored.Name)
		}
		return api.WorkflowDefinition{}, err
	}
	return stored, nil
}

func (s *MongoWorkflowStore) UpdateWorkflow(ctx context.Context, def api.WorkflowDefinition) error {
	doc, err := toMongoDoc(def)
	if err != nil {
		return err
	}

	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": def.ID}, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %q", ErrNameTaken, def.Name)
		}
		return err
	}
	if res.MatchedCount == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *MongoWorkflowStore) GetWorkflow(ctx context.Context, id string) (api.WorkflowDefinition, error) {
	var doc mongoWorkflowDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return api.WorkflowDefinition{}, ErrWorkflowNotFound
		}
		return api.WorkflowDefinition{}, err
	}

	def := api.WorkflowDefinition{
		ID:          doc.ID,
		OwnerID:     doc.OwnerID,
		Name:        doc.Name,
		Description: doc.Description,
	}
	if err := DecodeDefinition(&def, []byte(doc.Definition)); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

func (s *MongoWorkflowStore) NameExists(ctx context.Context, ownerID, name string) (bool, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"owner_id": ownerID, "name": name})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
