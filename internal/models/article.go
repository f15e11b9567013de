package models

// RawArticle is one parsed line from a source partition file. It lives only
// between read and filter; Raw keeps the original line bytes for the
// last-resort hash input.
type RawArticle struct {
	Date     string    `json:"date"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Lang     string    `json:"lang"`
	DocEmbed []float32 `json:"docembed,omitempty"`
	Raw      []byte    `json:"-"`
}

// StoredArticle is the canonical persisted form, keyed by a content hash so
// that re-ingesting the same logical article collides instead of duplicating.
type StoredArticle struct {
	ID       string    `json:"id"`
	Date     string    `json:"date"`
	Title    string    `json:"title"`
	URL      string    `json:"url"`
	Lang     string    `json:"lang"`
	DocEmbed []float32 `json:"docembed"`
}
