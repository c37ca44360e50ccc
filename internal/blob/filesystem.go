package blob

import (
	"stepcore/internal/infra/blob/fs"
)

// NewFilesystem returns a Store rooted at root; an empty root selects
// ./archive.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}
