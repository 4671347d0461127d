package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/timmy/lucidia/internal/logger"
)

// FileHandler serves generated artifacts and job documents from disk.
type FileHandler struct {
	plysDir     string
	imagesDir   string
	storageDir  string
	metadataDir string
}

// FileDirs names the directories FileHandler serves from.
type FileDirs struct {
	PLYs     string
	Images   string
	Storage  string // local storage provider directory; may be empty
	Metadata string
}

// NewFileHandler creates a new file handler.
func NewFileHandler(dirs FileDirs) *FileHandler {
	return &FileHandler{
		plysDir:     dirs.PLYs,
		imagesDir:   dirs.Images,
		storageDir:  dirs.Storage,
		metadataDir: dirs.Metadata,
	}
}

// baseName reduces a request parameter to a bare file name. It returns ""
// for names that cannot address a file.
func baseName(raw string) string {
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(raw, "\\", "/")))
	if name == "/" || name == "." || name == ".." {
		return ""
	}
	return name
}

// serveFrom writes the first existing regular file named name under dirs.
func serveFrom(c *gin.Context, raw string, dirs ...string) {
	name := baseName(raw)
	if name != "" {
		for _, dir := range dirs {
			if dir == "" {
				continue
			}
			path := filepath.Join(dir, name)
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if strings.EqualFold(filepath.Ext(name), ".ply") {
				c.Header("Content-Type", "application/octet-stream")
			}
			c.File(path)
			return
		}
	}
	logger.CtxDebug(c.Request.Context(), "File not found: %q", raw)
	c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
}

// Files handles GET /files/*name, checking the model, image and local
// storage directories in that order.
func (h *FileHandler) Files(c *gin.Context) {
	serveFrom(c, c.Param("name"), h.plysDir, h.imagesDir, h.storageDir)
}

// Metadata handles GET /metadata/:name.
func (h *FileHandler) Metadata(c *gin.Context) {
	// Documents are rewritten often; pollers must not see a cached copy
	c.Header("Cache-Control", "no-store")
	serveFrom(c, c.Param("name"), h.metadataDir)
}

// PLY handles GET /plys/:name.
func (h *FileHandler) PLY(c *gin.Context) {
	serveFrom(c, c.Param("name"), h.plysDir)
}

// Image handles GET /images/:name.
func (h *FileHandler) Image(c *gin.Context) {
	serveFrom(c, c.Param("name"), h.imagesDir)
}

// Storage handles GET /storage/:name.
func (h *FileHandler) Storage(c *gin.Context) {
	serveFrom(c, c.Param("name"), h.storageDir)
}
