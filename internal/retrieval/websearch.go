package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
)

// WebResult is one raw hit from a web search provider.
type WebResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// WebSearchProvider is the live web search capability.
type WebSearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) ([]WebResult, error)
	FetchAndChunk(ctx context.Context, pageURL string) ([]string, error)
}

// HTTPSearchProvider talks to a Brave-style JSON search API and
// extracts page text with goquery.
type HTTPSearchProvider struct {
	endpoint   string
	apiKey     string
	chunkSize  int
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPSearchProvider creates a provider for a JSON web search API.
func NewHTTPSearchProvider(endpoint, apiKey string, timeout time.Duration, logger *logrus.Logger) *HTTPSearchProvider {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSearchProvider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		chunkSize:  800,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type webSearchResponse struct {
	Web struct {
		Results []struct {
			URL         string `json:"url"`
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search issues one query against the search API.
func (p *HTTPSearchProvider) Search(ctx context.Context, query string, maxResults int) ([]WebResult, error) {
	endpoint, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: bad search endpoint: %v", ErrInvalidConfig, err)
	}
	params := endpoint.Query()
	params.Set("q", query)
	params.Set("count", strconv.Itoa(maxResults))
	endpoint.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-Subscription-Token", p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: web search request failed: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: web search returned status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	var parsed webSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to decode search response: %v", ErrSourceUnavailable, err)
	}

	results := make([]WebResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, WebResult{URL: r.URL, Title: r.Title, Snippet: r.Description})
		if len(results) == maxResults {
			break
		}
	}
	return results, nil
}

// FetchAndChunk downloads a page, extracts paragraph text and splits
// it into fixed-size chunks.
func (p *HTTPSearchProvider) FetchAndChunk(ctx context.Context, pageURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: page fetch failed: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: page fetch returned status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse page: %v", ErrSourceUnavailable, err)
	}

	doc.Find("script, style, nav, footer, header").Remove()

	var paragraphs []string
	doc.Find("p").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if len(text) > 40 {
			paragraphs = append(paragraphs, text)
		}
	})

	return chunkText(strings.Join(paragraphs, "\n"), p.chunkSize), nil
}

// chunkText splits text into chunks of roughly size bytes on line
// boundaries.
func chunkText(text string, size int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if current.Len() > 0 && current.Len()+len(line) > size {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// WebSource adapts a WebSearchProvider into the Retriever shape so its
// hits can be fused with vector results. Relevance is estimated by
// lexical term overlap between the query and the result text; when
// page fetching is enabled the first fetched chunk replaces the
// snippet, with a snippet-only fallback on fetch failure.
type WebSource struct {
	provider   WebSearchProvider
	fetchPages bool
	logger     *logrus.Logger
}

// NewWebSource creates a web retriever.
func NewWebSource(provider WebSearchProvider, fetchPages bool, logger *logrus.Logger) *WebSource {
	if logger == nil {
		logger = logrus.New()
	}
	return &WebSource{provider: provider, fetchPages: fetchPages, logger: logger}
}

// Source identifies this retriever as the web source.
func (s *WebSource) Source() Source {
	return SourceWeb
}

// Retrieve searches the web and scores hits against the query. The
// strategy parameter is accepted for interface symmetry; web results
// have no index to run strategies over.
func (s *WebSource) Retrieve(ctx context.Context, query Query, _ Strategy, params StrategyParams) ([]*Result, error) {
	if s.provider == nil {
		return nil, fmt.Errorf("%w: no web search provider configured", ErrSourceUnavailable)
	}

	hits, err := s.provider.Search(ctx, query.Text, params.K)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(hits))
	for _, hit := range hits {
		text := strings.TrimSpace(hit.Title + "\n" + hit.Snippet)
		if s.fetchPages {
			chunks, fetchErr := s.provider.FetchAndChunk(ctx, hit.URL)
			if fetchErr != nil {
				s.logger.WithError(fetchErr).WithField("url", hit.URL).Debug("Page fetch failed, keeping snippet")
			} else if len(chunks) > 0 {
				text = chunks[0]
			}
		}
		if text == "" {
			continue
		}

		results = append(results, &Result{
			Text:        text,
			Score:       lexicalRelevance(query.Text, text),
			Source:      SourceWeb,
			OriginQuery: query.Text,
			URL:         hit.URL,
			Metadata: map[string]interface{}{
				"title": hit.Title,
			},
		})
	}
	return results, nil
}

// lexicalRelevance scores content against a query by term overlap with
// a log-scaled frequency bonus, normalized to [0, 1].
func lexicalRelevance(query, content string) float64 {
	queryTerms := tokenize(query)
	contentTerms := tokenize(content)
	if len(queryTerms) == 0 || len(contentTerms) == 0 {
		return 0
	}

	termFreq := make(map[string]int, len(contentTerms))
	for _, term := range contentTerms {
		termFreq[term]++
	}

	score := 0.0
	for _, qt := range queryTerms {
		if freq, ok := termFreq[qt]; ok {
			score += 1.0 + math.Log1p(float64(freq-1))*0.1
			continue
		}
		for ct, freq := range termFreq {
			if strings.Contains(ct, qt) || strings.Contains(qt, ct) {
				score += 0.5 + math.Log1p(float64(freq-1))*0.05
				break
			}
		}
	}

	normalized := score / (float64(len(queryTerms)) * 1.5)
	if normalized > 1 {
		normalized = 1
	}
	return normalized
}
