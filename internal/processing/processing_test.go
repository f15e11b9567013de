package processing_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkuzmin/newsflow/internal/models"
	"github.com/vkuzmin/newsflow/internal/processing"
)

func TestDocumentIDDeterministic(t *testing.T) {
	a := models.RawArticle{URL: "https://example.com/apple-earnings", Title: "Apple earnings"}
	b := models.RawArticle{URL: "https://example.com/apple-earnings", Title: "A different headline"}

	// Identical URL yields an identical identifier, whatever else differs.
	require.Equal(t, processing.DocumentID(a), processing.DocumentID(b))
	require.Len(t, processing.DocumentID(a), 32)
}

func TestDocumentIDDistinct(t *testing.T) {
	a := models.RawArticle{URL: "https://example.com/one"}
	b := models.RawArticle{URL: "https://example.com/two"}
	require.NotEqual(t, processing.DocumentID(a), processing.DocumentID(b))
}

func TestDocumentIDFallsBackToTitle(t *testing.T) {
	a := models.RawArticle{Title: "Tesla recalls Model 3", Raw: []byte(`{"x":1}`)}
	b := models.RawArticle{Title: "Tesla recalls Model 3", Raw: []byte(`{"x":2}`)}
	require.Equal(t, processing.DocumentID(a), processing.DocumentID(b))
}

func TestDocumentIDFallsBackToRawLine(t *testing.T) {
	a := models.RawArticle{Raw: []byte(`{"date":"2024-01-01T00:00:00Z"}`)}
	b := models.RawArticle{Raw: []byte(`{"date":"2024-01-02T00:00:00Z"}`)}
	require.NotEqual(t, processing.DocumentID(a), processing.DocumentID(b))
	require.Equal(t, processing.DocumentID(a), processing.DocumentID(a))
}

func TestMatchesKeywords(t *testing.T) {
	terms := []string{"tesla", "apple"}

	require.True(t, processing.MatchesKeywords("Tesla hits new high", "", terms))
	require.True(t, processing.MatchesKeywords("", "https://news.example.com/APPLE-event", terms))
	require.False(t, processing.MatchesKeywords("Quarterly results for Acme", "https://example.com/acme", terms))
	require.False(t, processing.MatchesKeywords("", "", terms))
}

func TestToStored(t *testing.T) {
	rec := models.RawArticle{
		Date:     "2024-02-01T12:00:00Z",
		Title:    "Nvidia beats estimates",
		URL:      "https://example.com/nvda",
		Lang:     "ENGLISH",
		DocEmbed: []float32{0.1, 0.2},
	}

	doc := processing.ToStored(rec)
	require.Equal(t, processing.DocumentID(rec), doc.ID)
	require.Equal(t, rec.Date, doc.Date)
	require.Equal(t, rec.Title, doc.Title)
	require.Equal(t, rec.URL, doc.URL)
	require.Equal(t, rec.Lang, doc.Lang)
	require.Equal(t, []float32{0.1, 0.2}, doc.DocEmbed)

	// Missing embeddings persist as an empty vector, not null.
	empty := processing.ToStored(models.RawArticle{URL: "https://example.com/x"})
	require.NotNil(t, empty.DocEmbed)
	require.Empty(t, empty.DocEmbed)
}
