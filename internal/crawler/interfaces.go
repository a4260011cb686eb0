package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves decoded page content over GET or form-urlencoded POST.
// Implementations follow redirects and strip HTML comment blocks.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
	FetchPost(ctx context.Context, url string, body string) (Page, error)
}

// Renderer turns a Cell into the bytes of its artifact.
type Renderer interface {
	Render(cell Cell) ([]byte, error)
}

// ArtifactStore persists artifacts under relative paths. Create never
// overwrites: on collision it writes under a renamed path and returns it.
type ArtifactStore interface {
	Create(ctx context.Context, relPath string, data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}
