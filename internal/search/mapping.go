package search

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
)

// buildIndexMapping maps cluster documents: titles are English full text,
// types and match points are exact keywords.
func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = en.AnalyzerName

	docMapping := bleve.NewDocumentMapping()

	titleFieldMapping := bleve.NewTextFieldMapping()
	titleFieldMapping.Analyzer = en.AnalyzerName
	titleFieldMapping.Store = true
	titleFieldMapping.IncludeTermVectors = true
	docMapping.AddFieldMappingsAt("title", titleFieldMapping)

	bibTitlesFieldMapping := bleve.NewTextFieldMapping()
	bibTitlesFieldMapping.Analyzer = en.AnalyzerName
	bibTitlesFieldMapping.Store = false
	docMapping.AddFieldMappingsAt("bib_titles", bibTitlesFieldMapping)

	for _, field := range []string{"id", "selected_bib", "language"} {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = keyword.Name
		fm.Store = true
		docMapping.AddFieldMappingsAt(field, fm)
	}

	derivedTypesFieldMapping := bleve.NewTextFieldMapping()
	derivedTypesFieldMapping.Analyzer = keyword.Name
	derivedTypesFieldMapping.Store = true
	derivedTypesFieldMapping.IncludeTermVectors = true
	docMapping.AddFieldMappingsAt("derived_types", derivedTypesFieldMapping)

	// Match point values are "id:NAMESPACE:value"; keyword keeps them whole.
	matchPointsFieldMapping := bleve.NewTextFieldMapping()
	matchPointsFieldMapping.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("match_points", matchPointsFieldMapping)

	outdatedFieldMapping := bleve.NewBooleanFieldMapping()
	outdatedFieldMapping.Store = true
	docMapping.AddFieldMappingsAt("outdated", outdatedFieldMapping)

	bibCountFieldMapping := bleve.NewNumericFieldMapping()
	bibCountFieldMapping.Store = true
	docMapping.AddFieldMappingsAt("bib_count", bibCountFieldMapping)

	updatedAtFieldMapping := bleve.NewNumericFieldMapping()
	updatedAtFieldMapping.Store = true
	docMapping.AddFieldMappingsAt("updated_at", updatedAtFieldMapping)

	indexMapping.AddDocumentMapping("_default", docMapping)
	return indexMapping
}
