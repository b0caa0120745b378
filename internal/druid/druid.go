// Package druid issues the time-windowed analytical queries the Training
// Job needs at each of the fixed granularities.
package druid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redborder-io/outlierscoord/internal/retry"
)

// Granularities is the fixed set of windows the Training Job queries, in
// the order they are queried.
var Granularities = []string{"1m", "2m", "5m", "15m", "30m", "1h", "2h", "8h"}

// Client issues queries against a Druid broker's /druid/v2 endpoint.
type Client struct {
	Endpoint string
	HTTP     *http.Client
	Retry    retry.Policy
}

// New returns a Client pointed at endpoint, using a sane request timeout
// and the shared retry.Default backoff curve.
func New(endpoint string) *Client {
	return &Client{
		Endpoint: endpoint,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		Retry:    retry.Default,
	}
}

// Response is a single row of a Druid timeseries query result.
type Response struct {
	Timestamp string             `json:"timestamp"`
	Result    map[string]float64 `json:"result"`
}

// QueryRequest describes a bounded timeseries query over the model's
// dataSource, at one granularity, for the window [Start, End).
type QueryRequest struct {
	DataSource  string
	Granularity string
	Start       time.Time
	End         time.Time
}

// granularitySeconds mirrors the original query builder's
// granularity_to_seconds: named granularities plus "<N><unit>" shorthand
// where unit is one of m/h/d.
func granularitySeconds(g string) (int64, error) {
	named := map[string]int64{
		"minute": 60, "hour": 3600, "day": 86400,
		"fifteen_minute": 900, "thirty_minute": 1800,
		"m": 60, "h": 3600, "d": 86400,
	}
	lower := strings.ToLower(g)
	if s, ok := named[lower]; ok {
		return s, nil
	}
	var digits strings.Builder
	for _, r := range lower {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0, fmt.Errorf("druid: unrecognized granularity %q", g)
	}
	n, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("druid: parse granularity %q: %w", g, err)
	}
	unit := named[string(lower[len(lower)-1])]
	if unit == 0 {
		return 0, fmt.Errorf("druid: unrecognized granularity unit in %q", g)
	}
	return n * unit, nil
}

// buildQuery renders the fixed aggregation/postAggregation template used
// across every granularity, adapted from the original query builder's
// modify_aggregations.
func buildQuery(req QueryRequest) (map[string]interface{}, error) {
	spg, err := granularitySeconds(req.Granularity)
	if err != nil {
		return nil, err
	}
	interval := fmt.Sprintf("%s/%s", req.Start.UTC().Format(time.RFC3339), req.End.UTC().Format(time.RFC3339))

	return map[string]interface{}{
		"queryType":   "timeseries",
		"dataSource":  req.DataSource,
		"granularity": map[string]interface{}{"type": "period", "period": req.Granularity},
		"intervals":   []string{interval},
		"aggregations": []map[string]interface{}{
			{"type": "longSum", "name": "bytes", "fieldName": "sum_bytes"},
			{"type": "longSum", "name": "pkts", "fieldName": "sum_pkts"},
			{"type": "hyperUnique", "name": "clients", "fieldName": "clients"},
			{"type": "longSum", "name": "flows", "fieldName": "events"},
		},
		"postAggregations": []map[string]interface{}{
			{"type": "arithmetic", "name": "bps", "fn": "/", "fields": []map[string]interface{}{
				{"type": "arithmetic", "name": "bits", "fn": "*", "fields": []map[string]interface{}{
					{"type": "fieldAccess", "fieldName": "bytes"},
					{"type": "constant", "value": 8},
				}},
				{"type": "constant", "value": spg},
			}},
			{"type": "arithmetic", "name": "pps", "fn": "/", "fields": []map[string]interface{}{
				{"type": "fieldAccess", "fieldName": "pkts"},
				{"type": "constant", "value": spg},
			}},
			{"type": "arithmetic", "name": "fps", "fn": "/", "fields": []map[string]interface{}{
				{"type": "fieldAccess", "fieldName": "flows"},
				{"type": "constant", "value": spg},
			}},
			{"type": "arithmetic", "name": "bytes_per_client", "fn": "/", "fields": []map[string]interface{}{
				{"type": "fieldAccess", "fieldName": "bytes"},
				{"type": "hyperUniqueCardinality", "fieldName": "clients"},
			}},
			{"type": "arithmetic", "name": "flows_per_client", "fn": "/", "fields": []map[string]interface{}{
				{"type": "fieldAccess", "fieldName": "flows"},
				{"type": "hyperUniqueCardinality", "fieldName": "clients"},
			}},
		},
	}, nil
}

// Query executes req against the Druid broker and returns the parsed rows.
func (c *Client) Query(ctx context.Context, req QueryRequest) ([]Response, error) {
	query, err := buildQuery(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("druid: marshal query: %w", err)
	}

	var result []Response
	err = retry.Do(ctx, c.Retry, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("druid: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(httpReq)
		if err != nil {
			return fmt.Errorf("druid: request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("druid: query failed with status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("druid: decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
