package images

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ImageFile is an image found on disk.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Frame is the number in a "frame-N" style name, or -1 when the name has none.
	Frame int
}

// Extensions accepted by ListImageFiles.
var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// ListImageFiles lists the images in a directory. Numbered frames come first in
// frame order, followed by the remaining files by name.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []ImageFile: The images found.
//   - error: Error if the directory cannot be read.
func ListImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []ImageFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !imageExtensions[ext] {
			continue
		}
		files = append(files, ImageFile{
			Path:  filepath.Join(dir, e.Name()),
			Frame: frameNumber(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))),
		})
	}

	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		switch {
		case a.Frame >= 0 && b.Frame >= 0:
			return a.Frame < b.Frame
		case a.Frame >= 0 || b.Frame >= 0:
			return a.Frame >= 0
		default:
			return a.Path < b.Path
		}
	})
	return files, nil
}

// frameNumber parses the trailing digits of stem, e.g. 12 for "frame-12".
func frameNumber(stem string) int {
	end := len(stem)
	start := end
	for start > 0 && stem[start-1] >= '0' && stem[start-1] <= '9' {
		start--
	}
	if start == end {
		return -1
	}
	n, err := strconv.Atoi(stem[start:end])
	if err != nil {
		return -1
	}
	return n
}
