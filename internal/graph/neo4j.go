package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/ppiankov/conceptlink/internal/model"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// upsertConceptQuery only writes when the sentence node exists; no row comes
// back otherwise
const upsertConceptQuery = `
	MATCH (s:Sentence {sentence_id: $sentence_id})
	WITH s
	MERGE (c:Concept {wikidata_id: $wikidata_id})
	ON CREATE SET
		c.name = $name,
		c.label = $label,
		c.description = $description,
		c.aliases = $aliases,
		c.wikidata_url = $wikidata_url,
		c.created_at = datetime()
	ON MATCH SET
		c.name = $name,
		c.label = $label,
		c.description = $description,
		c.aliases = $aliases,
		c.wikidata_url = $wikidata_url,
		c.updated_at = datetime()
	MERGE (s)-[r1:SENTENCE_CONTAINS_CONCEPT]->(c)
	ON CREATE SET r1.created_at = datetime()
	MERGE (c)-[r2:CONCEPT_BELONGS_TO_SENTENCE]->(s)
	ON CREATE SET r2.created_at = datetime()
	RETURN c.wikidata_id AS concept_id
`

// Neo4j writes concepts to a Neo4j database
type Neo4j struct {
	driver   neo4j.DriverWithContext
	database string
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewNeo4j connects and verifies connectivity
func NewNeo4j(ctx context.Context, cfg model.GraphConfig, logger zerolog.Logger) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("connect to neo4j at %s: %w", cfg.URI, err)
	}

	limit := rate.Inf
	if cfg.WritesPerSecond > 0 {
		limit = rate.Limit(cfg.WritesPerSecond)
	}

	return &Neo4j{
		driver:   driver,
		database: cfg.Database,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With().Str("component", "graph").Logger(),
	}, nil
}

// Upsert merges the concept and both relationship directions
func (n *Neo4j) Upsert(ctx context.Context, sentenceID string, entity model.Entity) bool {
	if err := n.limiter.Wait(ctx); err != nil {
		n.logger.Warn().Err(err).Str("sentence", sentenceID).Msg("graph write throttled past deadline")
		return false
	}

	session := n.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: n.database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, upsertConceptQuery, upsertParams(sentenceID, entity))
	if err != nil {
		n.logger.Warn().Err(err).Str("sentence", sentenceID).Str("concept", entity.ID).Msg("graph upsert failed")
		return false
	}

	if result.Next(ctx) {
		return true
	}
	if err := result.Err(); err != nil {
		n.logger.Warn().Err(err).Str("sentence", sentenceID).Str("concept", entity.ID).Msg("graph upsert failed")
		return false
	}

	n.logger.Warn().Str("sentence", sentenceID).Msg("sentence node not found")
	return false
}

// Close closes the driver
func (n *Neo4j) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}

func upsertParams(sentenceID string, e model.Entity) map[string]any {
	aliases := e.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	url := e.URL
	if url == "" {
		url = "https://www.wikidata.org/wiki/" + e.ID
	}
	return map[string]any{
		"sentence_id":  sentenceID,
		"wikidata_id":  e.ID,
		"name":         e.Label,
		"label":        e.Label,
		"description":  e.Description,
		"aliases":      aliases,
		"wikidata_url": url,
	}
}
