package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"horse.fit/bibcluster/internal/langdetect"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 200
)

type SearchParams struct {
	Query       string
	DerivedType string
	// MatchPoint filters on an exact stored value such as "id:OCLC:12345".
	MatchPoint string
	// Language filters on the detected title language; tags such as "en-GB"
	// are reduced to their primary subtag.
	Language     string
	OnlyOutdated bool

	Limit  int
	Offset int
}

type SearchResult struct {
	Query  string      `json:"query"`
	Total  uint64      `json:"total"`
	TookMs int64       `json:"took_ms"`
	Hits   []SearchHit `json:"hits"`
}

type SearchHit struct {
	ID           string   `json:"id"`
	Score        float64  `json:"score"`
	Title        string   `json:"title"`
	SelectedBib  string   `json:"selected_bib,omitempty"`
	Language     string   `json:"language,omitempty"`
	DerivedTypes []string `json:"derived_types,omitempty"`
	BibCount     int      `json:"bib_count"`
	Outdated     bool     `json:"outdated"`
}

func (i *ClusterIndex) Search(ctx context.Context, params SearchParams) (*SearchResult, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	offset := max(params.Offset, 0)

	request := bleve.NewSearchRequestOptions(buildSearchQuery(params), limit, offset, false)
	request.Fields = []string{"title", "selected_bib", "language", "derived_types", "bib_count", "outdated"}
	if strings.TrimSpace(params.Query) == "" {
		request.SortBy([]string{"-updated_at", "_id"})
	} else {
		request.SortBy([]string{"-_score", "_id"})
	}

	i.mu.RLock()
	res, err := i.index.SearchInContext(ctx, request)
	i.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("execute search: %w", err)
	}

	result := &SearchResult{
		Query:  params.Query,
		Total:  res.Total,
		TookMs: res.Took.Milliseconds(),
		Hits:   make([]SearchHit, 0, len(res.Hits)),
	}
	for _, hit := range res.Hits {
		searchHit := SearchHit{ID: hit.ID, Score: hit.Score}
		if title, ok := hit.Fields["title"].(string); ok {
			searchHit.Title = title
		}
		if selected, ok := hit.Fields["selected_bib"].(string); ok {
			searchHit.SelectedBib = selected
		}
		if language, ok := hit.Fields["language"].(string); ok {
			searchHit.Language = language
		}
		switch types := hit.Fields["derived_types"].(type) {
		case string:
			searchHit.DerivedTypes = []string{types}
		case []any:
			for _, t := range types {
				if s, ok := t.(string); ok {
					searchHit.DerivedTypes = append(searchHit.DerivedTypes, s)
				}
			}
		}
		if count, ok := hit.Fields["bib_count"].(float64); ok {
			searchHit.BibCount = int(count)
		}
		if outdated, ok := hit.Fields["outdated"].(bool); ok {
			searchHit.Outdated = outdated
		}
		result.Hits = append(result.Hits, searchHit)
	}
	return result, nil
}

func buildSearchQuery(params SearchParams) query.Query {
	var queries []query.Query

	if text := strings.TrimSpace(params.Query); text != "" {
		titleMatch := bleve.NewMatchQuery(text)
		titleMatch.SetField("title")
		titleMatch.SetBoost(3.0)

		bibTitlesMatch := bleve.NewMatchQuery(text)
		bibTitlesMatch.SetField("bib_titles")

		fuzzy := bleve.NewFuzzyQuery(strings.ToLower(text))
		fuzzy.SetFuzziness(1)
		fuzzy.SetField("title")
		fuzzy.SetBoost(0.8)

		queries = append(queries, bleve.NewDisjunctionQuery(titleMatch, bibTitlesMatch, fuzzy))
	}

	if derivedType := strings.TrimSpace(params.DerivedType); derivedType != "" {
		term := bleve.NewTermQuery(derivedType)
		term.SetField("derived_types")
		queries = append(queries, term)
	}

	if matchPoint := strings.TrimSpace(params.MatchPoint); matchPoint != "" {
		term := bleve.NewTermQuery(matchPoint)
		term.SetField("match_points")
		queries = append(queries, term)
	}

	if code := langdetect.NormalizeCode(params.Language); code != "" {
		term := bleve.NewTermQuery(code)
		term.SetField("language")
		queries = append(queries, term)
	}

	if params.OnlyOutdated {
		outdated := bleve.NewBoolFieldQuery(true)
		outdated.SetField("outdated")
		queries = append(queries, outdated)
	}

	switch len(queries) {
	case 0:
		return bleve.NewMatchAllQuery()
	case 1:
		return queries[0]
	default:
		return bleve.NewConjunctionQuery(queries...)
	}
}
