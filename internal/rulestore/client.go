package rulestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/models"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
)

// rrfK is the reciprocal rank fusion constant
const rrfK = 60

// maxCandidates caps the fused candidate set handed to downstream stages
const maxCandidates = 30

// perListLimit is how many hits each (query, mode) search contributes
const perListLimit = 10

// Client talks to the rule corpus service. Each corpus exposes semantic and
// keyword search; the client fuses both rankings per query with reciprocal
// rank fusion and applies jurisdiction and effective date filters.
type Client struct {
	httpClient    *http.Client
	internalURL   string
	externalURL   string
	apiKey        string
	retryAttempts int
}

// NewClient creates a rule store client
func NewClient(cfg configs.RuleStoreConfig) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		internalURL:   cfg.InternalURL,
		externalURL:   cfg.ExternalURL,
		apiKey:        cfg.APIKey,
		retryAttempts: cfg.RetryAttempts,
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
	Limit int    `json:"limit"`
}

type searchHit struct {
	Rule  models.Rule `json:"rule"`
	Score float64     `json:"score"`
}

type searchResponse struct {
	Results []searchHit `json:"results"`
}

// SearchInternal retrieves candidates from the institution's own policy corpus
func (c *Client) SearchInternal(ctx context.Context, queries []string, bookingDate time.Time, jurisdiction string) ([]models.RetrievedRule, error) {
	return c.search(ctx, c.internalURL, queries, bookingDate, jurisdiction)
}

// SearchExternal retrieves candidates from the regulatory corpus
func (c *Client) SearchExternal(ctx context.Context, queries []string, bookingDate time.Time, jurisdiction string) ([]models.RetrievedRule, error) {
	return c.search(ctx, c.externalURL, queries, bookingDate, jurisdiction)
}

type fusedCandidate struct {
	rule      models.Rule
	score     float64
	bestQuery string
	bestShare float64
}

// search runs every query in both modes against one corpus and fuses the
// ranked lists: score(r) = sum over lists of 1/(k + rank). Versions are fused
// separately, then collapsed per rule id keeping the highest scored version.
func (c *Client) search(ctx context.Context, baseURL string, queries []string, bookingDate time.Time, jurisdiction string) ([]models.RetrievedRule, error) {
	fused := make(map[string]*fusedCandidate)

	for _, query := range queries {
		for _, mode := range []string{"semantic", "keyword"} {
			hits, err := c.searchOnce(ctx, baseURL, query, mode)
			if err != nil {
				return nil, err
			}

			for rank, hit := range hits {
				share := 1.0 / float64(rrfK+rank+1)
				key := fmt.Sprintf("%s:%d", hit.Rule.RuleID, hit.Rule.Version)

				candidate, ok := fused[key]
				if !ok {
					candidate = &fusedCandidate{rule: hit.Rule}
					fused[key] = candidate
				}
				candidate.score += share
				if share > candidate.bestShare {
					candidate.bestShare = share
					candidate.bestQuery = query
				}
			}
		}
	}

	// Collapse versions: one entry per rule id, highest fused score wins
	byRuleID := make(map[string]*fusedCandidate)
	for _, candidate := range fused {
		if !candidate.rule.ActiveOn(bookingDate) {
			continue
		}
		if !candidate.rule.AppliesToJurisdiction(jurisdiction) {
			continue
		}
		existing, ok := byRuleID[candidate.rule.RuleID]
		if !ok || candidate.score > existing.score {
			byRuleID[candidate.rule.RuleID] = candidate
		}
	}

	results := make([]models.RetrievedRule, 0, len(byRuleID))
	for _, candidate := range byRuleID {
		results = append(results, models.RetrievedRule{
			Rule:  candidate.rule,
			Score: candidate.score,
			Query: candidate.bestQuery,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Rule.RuleID < results[j].Rule.RuleID
	})

	if len(results) > maxCandidates {
		results = results[:maxCandidates]
	}

	return results, nil
}

// searchOnce runs a single ranked search, retrying transient failures
func (c *Client) searchOnce(ctx context.Context, baseURL, query, mode string) ([]searchHit, error) {
	body, err := json.Marshal(searchRequest{Query: query, Mode: mode, Limit: perListLimit})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
			log.Warn().
				Str("mode", mode).
				Int("attempt", attempt).
				Msg("Retrying rule store search")
		}

		hits, retryable, err := c.doSearch(ctx, baseURL, body)
		if err == nil {
			return hits, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("rule store search failed after %d attempts: %w", c.retryAttempts, lastErr)
}

func (c *Client) doSearch(ctx context.Context, baseURL string, body []byte) ([]searchHit, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("rule store returned %d: %s", resp.StatusCode, string(data))
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, fmt.Errorf("failed to decode search response: %w", err)
	}

	return parsed.Results, false, nil
}

// GetRule fetches a specific rule version, checking the internal corpus first
func (c *Client) GetRule(ctx context.Context, ruleID string, version int) (*models.Rule, error) {
	for _, baseURL := range []string{c.internalURL, c.externalURL} {
		rule, err := c.getRule(ctx, baseURL, ruleID, version)
		if err == nil {
			return rule, nil
		}
		if !errors.Is(err, ErrRuleNotFound) {
			return nil, err
		}
	}
	return nil, ErrRuleNotFound
}

func (c *Client) getRule(ctx context.Context, baseURL, ruleID string, version int) (*models.Rule, error) {
	url := fmt.Sprintf("%s/rules/%s?version=%d", baseURL, ruleID, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrRuleNotFound
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rule store returned %d: %s", resp.StatusCode, string(data))
	}

	var rule models.Rule
	if err := json.NewDecoder(resp.Body).Decode(&rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}

	return &rule, nil
}

// UpsertInternal adds or replaces a rule in the internal corpus. The corpus
// service reindexes the rule for both search modes.
func (c *Client) UpsertInternal(ctx context.Context, rule *models.Rule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.internalURL+"/rules", bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rule upsert failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("rule store returned %d: %s", resp.StatusCode, string(data))
	}

	log.Info().
		Str("rule_id", rule.RuleID).
		Int("version", rule.Version).
		Msg("Internal rule upserted")

	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
