// Package milvus indexes training-example answer embeddings so the export
// job can compare each example against its nearest neighbours instead of
// every active example.
package milvus

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/pkg/logger"
)

const (
	fieldID        = "example_id"
	fieldLanguage  = "language"
	fieldEmbedding = "embedding"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(ctx context.Context, endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) CreateCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		schema := &entity.Schema{
			CollectionName: m.collectionName,
			Description:    "Training example answer embeddings",
			Fields: []*entity.Field{
				{
					Name:       fieldID,
					DataType:   entity.FieldTypeInt64,
					PrimaryKey: true,
					AutoID:     false,
				},
				{
					Name:     fieldLanguage,
					DataType: entity.FieldTypeVarChar,
					TypeParams: map[string]string{
						"max_length": "8",
					},
				},
				{
					Name:     fieldEmbedding,
					DataType: entity.FieldTypeFloatVector,
					TypeParams: map[string]string{
						"dim": fmt.Sprintf("%d", m.vectorDim),
					},
				},
			},
		}

		if err := m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexIvfFlat(entity.COSINE, 128)
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := m.client.CreateIndex(ctx, m.collectionName, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", m.collectionName))
	}

	if err := m.client.LoadCollection(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// Upsert stores the answer embedding of one training example.
func (m *Client) Upsert(ctx context.Context, exampleID int64, lang models.Language, vector []float32) error {
	if len(vector) != m.vectorDim {
		return fmt.Errorf("embedding has %d dimensions, collection expects %d", len(vector), m.vectorDim)
	}

	_, err := m.client.Upsert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnInt64(fieldID, []int64{exampleID}),
		entity.NewColumnVarChar(fieldLanguage, []string{string(lang)}),
		entity.NewColumnFloatVector(fieldEmbedding, m.vectorDim, [][]float32{vector}),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert example %d: %w", exampleID, err)
	}
	return nil
}

func (m *Client) Remove(ctx context.Context, exampleID int64) error {
	expr := fmt.Sprintf("%s in [%d]", fieldID, exampleID)
	if err := m.client.Delete(ctx, m.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to remove example %d: %w", exampleID, err)
	}
	return nil
}

// Neighbors returns up to topK example ids of the same language whose answers
// are closest to vector, closest first.
func (m *Client) Neighbors(ctx context.Context, lang models.Language, vector []float32, topK int) ([]int64, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	results, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		fmt.Sprintf(`%s == "%s"`, fieldLanguage, lang),
		[]string{fieldID},
		[]entity.Vector{entity.FloatVector(vector)},
		fieldEmbedding,
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	var ids []int64
	for _, sr := range results {
		col, ok := sr.IDs.(*entity.ColumnInt64)
		if !ok {
			return nil, fmt.Errorf("unexpected id column type %T", sr.IDs)
		}
		ids = append(ids, col.Data()...)
	}

	logger.Debug("Answer neighbour search completed",
		zap.String("language", string(lang)),
		zap.Int("topK", topK),
		zap.Int("results", len(ids)),
	)
	return ids, nil
}
