package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// ClientConfig contains dynamic values exposed to browser code.
type ClientConfig struct {
	SiteURL           string
	MeEndpoint        string
	SignOutEndpoint   string
	MagicLinkEndpoint string
}

// ServeClientConfig emits a JavaScript payload that hydrates window.__MEETGATE_CONFIG.
func ServeClientConfig(contextGin *gin.Context, configuration ClientConfig) {
	payload := struct {
		SiteURL           string `json:"siteUrl"`
		MeEndpoint        string `json:"meEndpoint"`
		SignOutEndpoint   string `json:"signoutEndpoint"`
		MagicLinkEndpoint string `json:"magicLinkEndpoint"`
	}{
		SiteURL:           ResolveSiteURL(configuration.SiteURL, contextGin.Request),
		MeEndpoint:        configuration.MeEndpoint,
		SignOutEndpoint:   configuration.SignOutEndpoint,
		MagicLinkEndpoint: configuration.MagicLinkEndpoint,
	}

	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "web.client_config.encode_failed",
		})
		return
	}

	script := fmt.Sprintf(`(function(){var config=Object.freeze(%s);if(typeof window!=="undefined"){window.__MEETGATE_CONFIG=config;}})();`, string(encoded))

	contextGin.Header("Content-Type", "application/javascript; charset=utf-8")
	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.String(http.StatusOK, script)
}
