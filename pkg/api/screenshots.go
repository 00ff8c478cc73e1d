package api

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// screenshotServer serves captured screenshot files from local roots.
// Request paths are the relative paths reported at capture time.
type screenshotServer struct {
	log   logrus.FieldLogger
	roots []string
}

func newScreenshotServer(log logrus.FieldLogger, dirs []string) *screenshotServer {
	roots := make([]string, 0, len(dirs))
	for _, d := range dirs {
		roots = append(roots, filepath.Clean(d))
	}

	return &screenshotServer{
		log:   log.WithField("component", "screenshots"),
		roots: roots,
	}
}

// ServeFile locates filePath under one of the roots and serves it.
func (l *screenshotServer) ServeFile(
	w http.ResponseWriter,
	r *http.Request,
	filePath string,
) error {
	if !isAllowedPath(filePath) {
		return fmt.Errorf("path %q is not allowed", filePath)
	}

	for _, root := range l.roots {
		full := filepath.Join(root, filePath)

		if !strings.HasPrefix(full, root+string(filepath.Separator)) {
			continue
		}

		if fi, err := os.Stat(full); err != nil || fi.IsDir() {
			continue
		}

		http.ServeFile(w, r, full)

		return nil
	}

	return fmt.Errorf("file %q not found in any screenshot directory", filePath)
}

// isAllowedPath rejects empty, absolute, unclean, or traversal request paths.
func isAllowedPath(filePath string) bool {
	if filePath == "" || strings.Contains(filePath, "..") || filepath.IsAbs(filePath) {
		return false
	}

	return path.Clean(filePath) == filePath
}

func (s *server) handleScreenshotFile(w http.ResponseWriter, r *http.Request) {
	filePath := chi.URLParam(r, "*")

	if err := s.screenshots.ServeFile(w, r, filePath); err != nil {
		s.log.WithError(err).Debug("Screenshot not served")
		writeError(w, http.StatusNotFound, errKindNotFound, "screenshot not found")
	}
}
