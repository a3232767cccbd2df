package handlers

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
)

// RegisterPages serves the demo pages in dir when it exists. Unmatched paths
// fall through to the files in dir; /details and /test are the short names of
// details.html and test.html. It reports whether dir was mounted.
func RegisterPages(r *gin.Engine, dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}

	r.StaticFile("/details", filepath.Join(dir, "details.html"))
	r.StaticFile("/test", filepath.Join(dir, "test.html"))
	r.NoRoute(gin.WrapH(http.FileServer(http.Dir(dir))))
	return true
}
