package publisher

import (
	"context"
	"errors"
)

// Publisher is the external publishing collaborator the dispatcher fires
// against. A retry may create a duplicate remote post, so callers keep
// retries bounded and surface failures instead of hiding them.
type Publisher interface {
	// Publish pushes the referenced media with the caption and returns the
	// remote post id. The call honors ctx cancellation/deadline; a deadline
	// hit is an ordinary failure, never a wedged call.
	Publish(ctx context.Context, mediaRef, caption string) (string, error)
}

// MediaResolver maps an opaque media handle to a publicly fetchable URL.
// The publisher never touches the underlying file.
type MediaResolver interface {
	URL(ref string) (string, error)
}

var (
	ErrNotConfigured = errors.New("publisher credentials not configured")
	ErrProcessing    = errors.New("media container processing failed")
)

// Func adapts a plain function to Publisher (used by tests and tools).
type Func func(ctx context.Context, mediaRef, caption string) (string, error)

func (f Func) Publish(ctx context.Context, mediaRef, caption string) (string, error) {
	return f(ctx, mediaRef, caption)
}
