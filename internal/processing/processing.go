package processing

import (
	"crypto/md5" // #nosec G501 -- identity key, not a security boundary
	"encoding/hex"
	"strings"

	"github.com/vkuzmin/newsflow/internal/models"
)

// DocumentID derives the content-hash identifier for an article: the hex md5
// of its URL, falling back to its title, falling back to the raw source line.
// The result depends only on content, never on ingestion time or batch
// membership, which is what makes it a safe deduplication key.
func DocumentID(a models.RawArticle) string {
	key := a.URL
	if key == "" {
		key = a.Title
	}
	if key == "" {
		key = string(a.Raw)
	}
	sum := md5.Sum([]byte(key)) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// MatchesKeywords reports whether the lowercased title or URL contains any of
// the terms. Terms are expected to be lowercased already.
func MatchesKeywords(title, url string, terms []string) bool {
	t := strings.ToLower(title)
	u := strings.ToLower(url)
	for _, term := range terms {
		if strings.Contains(t, term) || strings.Contains(u, term) {
			return true
		}
	}
	return false
}

// ToStored maps a raw article to its persisted form.
func ToStored(a models.RawArticle) models.StoredArticle {
	embed := a.DocEmbed
	if embed == nil {
		embed = []float32{}
	}
	return models.StoredArticle{
		ID:       DocumentID(a),
		Date:     a.Date,
		Title:    a.Title,
		URL:      a.URL,
		Lang:     a.Lang,
		DocEmbed: embed,
	}
}
