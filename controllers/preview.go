package controllers

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"branchscope/annotation"
	"branchscope/preview"
	"branchscope/utils"
)

// resolvePreview Look up the reference for the image of the route, in the scope
// given by the query or else by the mode
func resolvePreview(c *gin.Context, s *Services) (preview.Result, bool) {
	ic, ok := imageContext(c, s)
	if !ok {
		return preview.Result{}, false
	}
	scope := s.Manager.Mode().Scope()
	if raw := c.Query("scope"); raw != "" {
		parsed, err := annotation.ParseScope(raw)
		if err != nil {
			writeError(c, err)
			return preview.Result{}, false
		}
		scope = parsed
	}
	current, err := s.Manager.Annotations(c.Request.Context(), ic.ImageID)
	if err != nil {
		writeError(c, err)
		return preview.Result{}, false
	}
	return s.Preview.Resolve(c.Request.Context(), preview.Request{
		Context: ic,
		Scope:   scope,
		Current: current,
	}), true
}

// GetPreview Return the reference preview of the next order to place
func GetPreview(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, ok := resolvePreview(c, s)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": result})
	}
}

// GetPreviewImage Render the reference preview viewport as png or jpg
func GetPreviewImage(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, ok := resolvePreview(c, s)
		if !ok {
			return
		}
		switch result.Status {
		case preview.StatusReady:
		default:
			status := http.StatusNotFound
			if result.Reason == preview.ReasonError {
				status = http.StatusBadGateway
			}
			c.AbortWithStatusJSON(status, gin.H{"error": result.Message, "data": result})
			return
		}

		viewport, rendered, err := s.Preview.Render()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error(), "data": rendered})
			return
		}
		format := strings.TrimPrefix(path.Ext(c.Request.URL.Path), ".")
		buffer, contentType, err := utils.EncodeImage(viewport, format, 85)
		if err != nil {
			log.Warn(fmt.Sprintf("Error encoding preview of %s as %s: %s", c.Param("image_id"), format, err.Error()))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("X-Preview-Order", fmt.Sprint(rendered.TargetOrder))
		c.Header("X-Preview-Zoom", fmt.Sprintf("%.2f", rendered.ZoomLevel))
		c.Data(http.StatusOK, contentType, buffer)
	}
}

type ZoomInput struct {
	Zoom *float64 `json:"zoom"`
	Step string   `json:"step"`
}

// SetZoom Set the zoom level, or step it in or out
func SetZoom(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input ZoomInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		var result preview.Result
		switch {
		case input.Zoom != nil:
			result = s.Preview.SetZoom(*input.Zoom)
		case input.Step == "in":
			result = s.Preview.ZoomIn()
		case input.Step == "out":
			result = s.Preview.ZoomOut()
		default:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "either zoom or step (in|out) is required"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": result})
	}
}

type PreviewOrderInput struct {
	Order int `json:"order"`
}

// SetPreviewOrder Preview a specific order instead of the next one
func SetPreviewOrder(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input PreviewOrderInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		if err := s.Preview.PreviewOrder(input.Order); err != nil {
			badRequest(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"order": input.Order}})
	}
}

// ClearPreviewOrder Return to previewing the next order
func ClearPreviewOrder(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.Preview.RestoreNext()
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"order": 0}})
	}
}
