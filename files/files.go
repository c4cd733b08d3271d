// Package files manages the blob side of FileID-valued document fields:
// deleting replaced or cleared blobs so none are orphaned, and hydrating
// signed URLs for reads. Chunked upload assembly is the host's concern; this
// package only sees finished blob ids.
package files

import (
	"context"

	"go.uber.org/zap"

	"github.com/lazyapps/lazycrud/schema"
)

// Storage is the blob service contract.
type Storage interface {
	Delete(ctx context.Context, id schema.FileID) error
	SignedURL(ctx context.Context, id schema.FileID) (string, error)
}

// Manager applies attachment lifecycle rules over a Storage.
type Manager struct {
	storage Storage
	logger  *zap.Logger
}

// NewManager creates a file lifecycle manager.
func NewManager(storage Storage, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{storage: storage, logger: logger}
}

// ToID normalizes a patch value into a FileID. Nil pointers and empty
// strings mean "cleared".
func ToID(v any) schema.FileID {
	switch x := v.(type) {
	case nil:
		return ""
	case schema.FileID:
		return x
	case *schema.FileID:
		if x == nil {
			return ""
		}
		return *x
	case string:
		return schema.FileID(x)
	case *string:
		if x == nil {
			return ""
		}
		return schema.FileID(*x)
	default:
		return ""
	}
}

// Diff returns the blob ids present in old but not in new, skipping empties.
// These are the blobs orphaned by a write.
func Diff(old, new []schema.FileID) []schema.FileID {
	keep := make(map[schema.FileID]bool, len(new))
	for _, id := range new {
		keep[id] = true
	}
	var orphaned []schema.FileID
	for _, id := range old {
		if id == "" || keep[id] {
			continue
		}
		orphaned = append(orphaned, id)
	}
	return orphaned
}

// Reconcile deletes the blobs orphaned by replacing old with new. Blob
// deletion failures are logged, not surfaced: the document write has already
// committed and must not be reported as failed.
func (m *Manager) Reconcile(ctx context.Context, old, new []schema.FileID) {
	for _, id := range Diff(old, new) {
		if err := m.storage.Delete(ctx, id); err != nil {
			m.logger.Warn("orphaned blob delete failed",
				zap.String("file_id", string(id)),
				zap.Error(err),
			)
		}
	}
}

// CleanupDoc deletes every blob a document references, for document removal.
func (m *Manager) CleanupDoc(ctx context.Context, doc any) {
	fc, ok := doc.(schema.FileCarrier)
	if !ok {
		return
	}
	m.Reconcile(ctx, fc.FileIDs(), nil)
}

// Hydrate returns a signed URL per blob the document references.
func (m *Manager) Hydrate(ctx context.Context, doc any) (map[schema.FileID]string, error) {
	fc, ok := doc.(schema.FileCarrier)
	if !ok {
		return nil, nil
	}
	urls := make(map[schema.FileID]string)
	for _, id := range fc.FileIDs() {
		if id == "" {
			continue
		}
		url, err := m.storage.SignedURL(ctx, id)
		if err != nil {
			return nil, err
		}
		urls[id] = url
	}
	return urls, nil
}
