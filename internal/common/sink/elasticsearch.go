package sink

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"go.uber.org/zap"
)

// ElasticsearchSink indexes records to Elasticsearch
type ElasticsearchSink struct {
	client    *elasticsearch.Client
	indexName string
	logger    *zap.Logger
}

// NewElasticsearchClient creates a client and checks the connection
func NewElasticsearchClient(ctx context.Context, addresses []string) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, errors.Wrap(err, "create es client")
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "es info")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, errors.Newf("es error: %s", res.Status())
	}
	return client, nil
}

// NewElasticsearchSink creates a sink writing to indexName
func NewElasticsearchSink(client *elasticsearch.Client, indexName string, logger *zap.Logger) *ElasticsearchSink {
	if indexName == "" {
		indexName = "extracted-records"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ElasticsearchSink{
		client:    client,
		indexName: indexName,
		logger:    logger.With(zap.String("component", "elasticsearch_sink")),
	}
}

// BulkWrite indexes multiple records at once. Documents are keyed by kind,
// source and dedup key, so re-indexing overwrites.
func (s *ElasticsearchSink) BulkWrite(ctx context.Context, recs []*domain.Record) error {
	if len(recs) == 0 {
		return nil
	}

	var buf bytes.Buffer

	for _, rec := range recs {
		docBytes, err := json.Marshal(rec)
		if err != nil {
			s.logger.Warn("Skipping unencodable record", zap.String("key", rec.Key), zap.Error(err))
			continue
		}

		meta := map[string]any{
			"index": map[string]any{
				"_index": s.indexName,
				"_id":    DocumentID(rec),
			},
		}
		metaBytes, _ := json.Marshal(meta)
		buf.Write(metaBytes)
		buf.WriteByte('\n')
		buf.Write(docBytes)
		buf.WriteByte('\n')
	}

	res, err := s.client.Bulk(bytes.NewReader(buf.Bytes()), s.client.Bulk.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "bulk request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Newf("bulk error: %s", res.Status())
	}

	var bulkRes struct {
		Errors bool `json:"errors"`
		Items  []struct {
			Index struct {
				ID     string `json:"_id"`
				Status int    `json:"status"`
				Error  struct {
					Type   string `json:"type"`
					Reason string `json:"reason"`
				} `json:"error"`
			} `json:"index"`
		} `json:"items"`
	}

	if err := json.NewDecoder(res.Body).Decode(&bulkRes); err != nil {
		return errors.Wrap(err, "parse bulk response")
	}

	if bulkRes.Errors {
		var failed int
		for _, item := range bulkRes.Items {
			if item.Index.Status >= 400 {
				failed++
				s.logger.Warn("Bulk index item failed",
					zap.String("id", item.Index.ID),
					zap.String("type", item.Index.Error.Type),
					zap.String("reason", item.Index.Error.Reason),
				)
			}
		}
		return errors.Newf("bulk index: %d of %d documents failed", failed, len(bulkRes.Items))
	}

	return nil
}

// EnsureIndex creates the index with record mappings if it doesn't exist
func (s *ElasticsearchSink) EnsureIndex(ctx context.Context) error {
	res, err := s.client.Indices.Exists([]string{s.indexName}, s.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "check index")
	}
	res.Body.Close()

	if res.StatusCode == 200 {
		return nil // Index already exists
	}

	mapping := `{
		"settings": {
			"analysis": {
				"analyzer": {
					"folded": {
						"type": "custom",
						"tokenizer": "standard",
						"filter": ["lowercase", "asciifolding"]
					}
				}
			}
		},
		"mappings": {
			"properties": {
				"key": {"type": "keyword"},
				"kind": {"type": "keyword"},
				"source_id": {"type": "keyword"},
				"id": {"type": "keyword"},
				"parent_id": {"type": "keyword"},
				"author_id": {"type": "keyword"},
				"author_name": {
					"type": "text",
					"analyzer": "folded",
					"fields": {"keyword": {"type": "keyword"}}
				},
				"message": {"type": "text", "analyzer": "folded"},
				"permalink": {"type": "keyword"},
				"like_count": {"type": "integer"},
				"reply_count": {"type": "integer"},
				"created_at": {"type": "date"},
				"updated_at": {"type": "date"},
				"extracted_at": {"type": "date"},
				"extra": {"type": "object", "enabled": false}
			}
		}
	}`

	res, err = s.client.Indices.Create(
		s.indexName,
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
		s.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return errors.Wrap(err, "create index")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Newf("create index error: %s", res.Status())
	}

	return nil
}

// DocumentID derives a stable document id from a record's identity
func DocumentID(rec *domain.Record) string {
	h := sha256.Sum256([]byte(string(rec.Kind) + "\x00" + rec.SourceID + "\x00" + rec.Key))
	return hex.EncodeToString(h[:16])
}
