package pipeline

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// IconFile is the name of the icon stored under each package's backup directory.
const IconFile = "icon.png"

// DirIcons serves pre-encoded icons from <dir>/<packageID>.png. A missing
// file yields no icon.
type DirIcons struct {
	Dir string
}

func (d DirIcons) Icon(_ context.Context, packageID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, packageID+".png"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
