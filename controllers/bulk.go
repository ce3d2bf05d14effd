package controllers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"branchscope/annotation"
)

// Export Download every custom type and custom annotation
func Export(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		bundle, err := s.Manager.Export(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		if c.Query("download") != "" {
			name := fmt.Sprintf("custom-annotations-%s.json", bundle.ExportTime.Format("20060102-150405"))
			c.Header("Content-Disposition", "attachment; filename="+name)
		}
		c.JSON(http.StatusOK, bundle)
	}
}

// Import Merge an exported bundle. Known ids are skipped.
func Import(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var bundle annotation.Bundle
		if err := c.ShouldBindJSON(&bundle); err != nil {
			badRequest(c, err)
			return
		}
		started := time.Now()
		report, err := s.Manager.Import(c.Request.Context(), bundle)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": report, "took": time.Since(started).String()})
	}
}
