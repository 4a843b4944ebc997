package taskstore

import (
	"encoding/json"
	"errors"

	"github.com/shadowforge/shadowforge/internal/domain"
)

// ErrNotFound is returned when an operation targets a task id that does not
// exist in the store.
var ErrNotFound = errors.New("taskstore: task not found")

// artifactRow is the JSON shape a ShadowArtifact takes inside the tasks.result
// jsonb array column. CategoryOrder is carried explicitly because Go map
// iteration order is not stable and spec.md requires the map/paragraph to
// preserve the category order the model returned.
type artifactRow struct {
	Original      string              `json:"original"`
	Imitation     string              `json:"imitation"`
	Map           map[string]wordPair `json:"map"`
	CategoryOrder []string            `json:"category_order"`
	Paragraph     string              `json:"paragraph"`
	QualityScore  float64             `json:"quality_score"`
}

type wordPair struct {
	Original  string `json:"original"`
	Imitation string `json:"imitation"`
}

func artifactToRow(a domain.ShadowArtifact) []byte {
	row := artifactRow{
		Original:      a.Original,
		Imitation:     a.Imitation,
		Map:           make(map[string]wordPair, len(a.Map)),
		CategoryOrder: a.CategoryOrder,
		Paragraph:     a.Paragraph,
		QualityScore:  a.QualityScore,
	}
	for cat, wp := range a.Map {
		row.Map[cat] = wordPair{Original: wp.Original, Imitation: wp.Imitation}
	}
	// Wrap as a single-element array so AppendArtifact's `result || $2::jsonb`
	// concatenates one new array element onto the existing jsonb array.
	b, err := json.Marshal([]artifactRow{row})
	if err != nil {
		// artifactRow has no unmarshalable fields; only reachable on OOM-class
		// failures, so panic is consistent with encoding/json's own behavior
		// on such inputs elsewhere in this codebase.
		panic("taskstore: artifact marshal failed: " + err.Error())
	}
	return b
}

func artifactsFromJSON(raw []byte) ([]domain.ShadowArtifact, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var rows []artifactRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	artifacts := make([]domain.ShadowArtifact, 0, len(rows))
	for _, row := range rows {
		wordMap := make(map[string]domain.WordPair, len(row.Map))
		for cat, wp := range row.Map {
			wordMap[cat] = domain.WordPair{Original: wp.Original, Imitation: wp.Imitation}
		}
		artifacts = append(artifacts, domain.ShadowArtifact{
			Original:      row.Original,
			Imitation:     row.Imitation,
			Map:           wordMap,
			CategoryOrder: row.CategoryOrder,
			Paragraph:     row.Paragraph,
			QualityScore:  row.QualityScore,
		})
	}
	return artifacts, nil
}
