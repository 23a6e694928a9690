package interfaces

import "context"

// SubtitleCandidate is one search hit from a provider, ordered by score.
type SubtitleCandidate struct {
	Provider    string  `json:"provider"`
	ID          string  `json:"id"`
	Language    string  `json:"language"`
	Release     string  `json:"release,omitempty"`
	Score       float64 `json:"score"`
	DownloadURL string  `json:"download_url,omitempty"`
}

// SubtitleProvider is a pluggable gateway to one subtitle source.
type SubtitleProvider interface {
	// Name identifies the provider in task preferred_sources and metadata.
	Name() string

	// Search returns candidates for the query in the given language,
	// ordered best first. imdbID may be empty.
	Search(ctx context.Context, query, imdbID, language string) ([]SubtitleCandidate, error)

	// Download fetches a candidate and stores it under the service-owned
	// downloads root, returning the stored path.
	Download(ctx context.Context, candidate SubtitleCandidate) (string, error)
}

// ProviderRegistry resolves providers by name and orders attempts by a
// task's preferred_sources list.
type ProviderRegistry interface {
	// Get returns the named provider, or false when unregistered.
	Get(name string) (SubtitleProvider, bool)

	// Ordered returns all providers with the preferred names first (in
	// their given order) and the remaining registered providers after.
	Ordered(preferred []string) []SubtitleProvider
}
