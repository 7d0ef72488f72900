package web

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
)

const javascriptContentType = "application/javascript; charset=utf-8"

// ServeEmbeddedStaticJS writes one embedded script. The path is not
// fingerprinted, so responses carry a content ETag and a short max-age.
func ServeEmbeddedStaticJS(contextGin *gin.Context, filesystem fs.ReadFileFS, name string) {
	data, readErr := filesystem.ReadFile(name)
	if readErr != nil {
		contextGin.AbortWithStatus(http.StatusNotFound)
		return
	}
	digest := sha256.Sum256(data)
	entityTag := `"` + hex.EncodeToString(digest[:8]) + `"`
	contextGin.Header("ETag", entityTag)
	contextGin.Header("Cache-Control", "public, max-age=300")
	if contextGin.GetHeader("If-None-Match") == entityTag {
		contextGin.Status(http.StatusNotModified)
		return
	}
	contextGin.Data(http.StatusOK, javascriptContentType, data)
}
