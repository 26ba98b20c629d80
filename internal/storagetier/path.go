// SPDX-License-Identifier: MIT

package storagetier

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nvr-project/nvr/internal/fsutil"
)

func relPath(root, full string) (string, error) {
	rel, err := filepath.Rel(root, full)
	if err != nil {
		return "", fmt.Errorf("%w: relative path of %s under %s: %v", fsutil.ErrFailedIO, full, root, err)
	}
	return rel, nil
}

func joinPath(root, rel string) string {
	return filepath.Join(root, rel)
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: remove %s: %v", fsutil.ErrFailedIO, path, err)
	}
	return nil
}
