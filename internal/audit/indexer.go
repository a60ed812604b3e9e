// Package audit indexes terminal notification deliveries into Elasticsearch.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"

	apperrors "hike-coordinator/internal/common/errors"
	"hike-coordinator/internal/common/logger"
	"hike-coordinator/internal/dispatch"
)

const DefaultIndex = "hike-deliveries"

const indexMapping = `{
	"mappings": {
		"properties": {
			"campaignId": {"type": "keyword"},
			"jobId":      {"type": "long"},
			"hikeId":     {"type": "long"},
			"memberId":   {"type": "long"},
			"phase":      {"type": "keyword"},
			"resend":     {"type": "boolean"},
			"status":     {"type": "keyword"},
			"attempts":   {"type": "integer"},
			"lastError":  {"type": "text"},
			"@timestamp": {"type": "date"}
		}
	}
}`

type Indexer struct {
	client *elasticsearch.Client
	index  string
	logger logger.Logger
}

func NewIndexer(client *elasticsearch.Client, index string, log logger.Logger) *Indexer {
	if index == "" {
		index = DefaultIndex
	}
	return &Indexer{client: client, index: index, logger: logger.Component(log, "audit")}
}

// EnsureIndex creates the index with its mapping if it does not exist.
func (i *Indexer) EnsureIndex(ctx context.Context) error {
	res, err := esapi.IndicesExistsRequest{Index: []string{i.index}}.Do(ctx, i.client)
	if err != nil {
		return apperrors.NewExternalServiceError("elasticsearch", err)
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	res, err = esapi.IndicesCreateRequest{
		Index: i.index,
		Body:  strings.NewReader(indexMapping),
	}.Do(ctx, i.client)
	if err != nil {
		return apperrors.NewExternalServiceError("elasticsearch", err)
	}
	defer res.Body.Close()
	if res.IsError() && !strings.Contains(readBody(res.Body), "resource_already_exists_exception") {
		return apperrors.NewExternalServiceError("elasticsearch", fmt.Errorf("create index %s: %s", i.index, res.Status()))
	}

	i.logger.Info("Created audit index", map[string]interface{}{"index": i.index})
	return nil
}

// Record indexes rec. The document ID is derived from the job so a replayed
// record overwrites instead of duplicating.
func (i *Indexer) Record(ctx context.Context, rec dispatch.AuditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	res, err := esapi.IndexRequest{
		Index:      i.index,
		DocumentID: documentID(rec),
		Body:       bytes.NewReader(body),
	}.Do(ctx, i.client)
	if err != nil {
		return apperrors.NewExternalServiceError("elasticsearch", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return apperrors.NewExternalServiceError("elasticsearch",
			fmt.Errorf("index %s: %s: %s", i.index, res.Status(), readBody(res.Body)))
	}
	return nil
}

// Failures returns the failed deliveries of a campaign, newest first.
func (i *Indexer) Failures(ctx context.Context, campaignID uuid.UUID, limit int) ([]dispatch.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := map[string]interface{}{
		"size": limit,
		"sort": []interface{}{map[string]interface{}{"@timestamp": "desc"}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"campaignId": campaignID.String()}},
					map[string]interface{}{"term": map[string]interface{}{"status": "failed"}},
				},
			},
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := esapi.SearchRequest{
		Index: []string{i.index},
		Body:  &buf,
	}.Do(ctx, i.client)
	if err != nil {
		return nil, apperrors.NewExternalServiceError("elasticsearch", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, apperrors.NewExternalServiceError("elasticsearch", fmt.Errorf("search %s: %s", i.index, res.Status()))
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source dispatch.AuditRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]dispatch.AuditRecord, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

func documentID(rec dispatch.AuditRecord) string {
	return fmt.Sprintf("%s-%d", rec.CampaignID, rec.JobID)
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(b)
}
