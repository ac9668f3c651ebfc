// Package neo4j stores the provenance graph of interactions, training
// examples and model versions.
package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/lineage"
	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/pkg/circuitbreaker"
	"github.com/qabridge/backend/pkg/logger"
	"github.com/qabridge/backend/pkg/retry"
)

var _ lineage.Recorder = (*Client)(nil)

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(ctx context.Context, uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange:    metrics.BreakerStateChanged,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if database == "" {
		database = "neo4j"
	}

	logger.Info("Neo4j lineage client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the MERGE statements rely on.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := c.write(ctx, stmt, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) write(ctx context.Context, query string, params map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   neo4j.AccessModeWrite,
			})
			defer session.Close(ctx)

			_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				res, err := tx.Run(ctx, query, params)
				if err != nil {
					return nil, err
				}
				return res.Consume(ctx)
			})
			if err != nil {
				return fmt.Errorf("neo4j write failed: %w", err)
			}
			return nil
		})
	})
}

func (c *Client) DuplicateOf(ctx context.Context, interactionID, canonicalID int64, score float64) error {
	err := c.write(ctx, duplicateOfQuery, map[string]any{
		"id":        interactionID,
		"canonical": canonicalID,
		"score":     score,
	})
	if err != nil {
		return err
	}
	logger.Debug("Lineage duplicate recorded",
		zap.Int64("interaction_id", interactionID),
		zap.Int64("canonical_id", canonicalID),
	)
	return nil
}

func (c *Client) PromotedFrom(ctx context.Context, exampleID, interactionID int64) error {
	return c.write(ctx, promotedFromQuery, map[string]any{
		"example":     exampleID,
		"interaction": interactionID,
	})
}

func (c *Client) AnswerDuplicateOf(ctx context.Context, exampleID, canonicalExampleID int64, score float64) error {
	return c.write(ctx, answerDuplicateOfQuery, map[string]any{
		"example":   exampleID,
		"canonical": canonicalExampleID,
		"score":     score,
	})
}

func (c *Client) TrainedIn(ctx context.Context, interactionID int64, modelVersion string) error {
	return c.write(ctx, trainedInQuery, map[string]any{
		"interaction": interactionID,
		"version":     modelVersion,
	})
}

// Provenance returns the chain of interactions an interaction was recorded as
// a duplicate of, nearest first.
func (c *Client) Provenance(ctx context.Context, interactionID int64) ([]int64, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, provenanceQuery, map[string]any{"id": interactionID})
	if err != nil {
		return nil, fmt.Errorf("failed to query provenance: %w", err)
	}

	var ids []int64
	for result.Next(ctx) {
		v, _ := result.Record().Get("id")
		if id, ok := v.(int64); ok {
			ids = append(ids, id)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return ids, nil
}
