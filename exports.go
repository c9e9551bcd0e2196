package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"bitbucket.org/carbonview/emissions_backend/utils"
)

// exportObjectHandler streams a previously uploaded export back to the caller.
// Signed URLs from the upload flow expire; this proxy path lets an operator or
// a slow client fetch the object later without re-running the report.
func exportObjectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		organizationId, ok := requireOrganization(c)
		if !ok {
			return
		}

		objectKey := strings.TrimSpace(c.Query("key"))
		if objectKey == "" || strings.Contains(objectKey, "..") || strings.HasPrefix(objectKey, "/") {
			respondValidationError(c, "invalid key")
			return
		}
		// Exports are stored under exports/<org>/; anything else is not ours to serve.
		if !strings.HasPrefix(objectKey, "exports/"+organizationId+"/") {
			respondValidationError(c, "invalid key")
			return
		}

		if utils.GetStorageProvider() != utils.StorageProviderGCS {
			respondValidationError(c, "storage provider not supported")
			return
		}

		client, err := utils.GetGCSClient(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage client error"})
			return
		}
		defer client.Close()

		bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
		if bucket == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "GCS_BUCKET is required"})
			return
		}
		obj := client.Bucket(bucket).Object(objectKey)
		attrs, err := obj.Attrs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		reader, err := obj.NewReader(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
			return
		}
		defer reader.Close()

		if attrs != nil && attrs.ContentType != "" {
			c.Writer.Header().Set("Content-Type", attrs.ContentType)
		}
		if attrs != nil && attrs.Size > 0 {
			c.Writer.Header().Set("Content-Length", fmt.Sprintf("%d", attrs.Size))
		}
		c.Status(http.StatusOK)
		_, _ = io.Copy(c.Writer, reader)
	}
}
