package controllers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/NKI-AI/openslide-go/openslide"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	uuid "github.com/twinj/uuid"

	"branchscope/models"
)

// FindImages Find all registered images
func FindImages(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		images, err := s.Store.FindImages(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": images})
	}
}

type CreateImageInput struct {
	ID         string    `json:"id"`
	PlantID    string    `json:"plant_id" binding:"required"`
	ViewAngle  string    `json:"view_angle"`
	CapturedAt time.Time `json:"captured_at" binding:"required"`
	Path       string    `json:"path" binding:"required"`
}

// CreateImage Register an image of a series
func CreateImage(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input CreateImageInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}

		switch strings.ToLower(filepath.Ext(input.Path)) {
		case ".svs", ".ndpi", ".mrxs", ".scn", ".bif":
			vendor, err := openslide.DetectVendor(input.Path)
			if err != nil {
				log.Info(fmt.Sprintf("Cannot detect vendor for slide %s", input.Path))
				badRequest(c, err)
				return
			}
			log.Info(fmt.Sprintf("Registering %s with vendor %s", input.Path, vendor))
		}

		if input.ID == "" {
			input.ID = uuid.NewV4().String()
		}
		image := models.Image{
			ID:         input.ID,
			PlantID:    input.PlantID,
			ViewAngle:  input.ViewAngle,
			CapturedAt: input.CapturedAt,
			Path:       input.Path,
		}
		if err := s.Store.SaveImage(c.Request.Context(), image); err != nil {
			writeError(c, err)
			return
		}
		// Series positions shift when an image lands between existing ones.
		s.Preview.Reset()
		c.JSON(http.StatusOK, gin.H{"data": image})
	}
}

// FindImage Find an image together with its place in the series
func FindImage(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		image, err := s.Store.FindImage(c.Request.Context(), c.Param("image_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		ic, err := s.Store.ImageContext(c.Request.Context(), image.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": image, "context": ic})
	}
}

// DeleteImage Delete an image and its annotations
func DeleteImage(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("image_id")
		if err := s.Store.DeleteImage(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		s.Manager.Invalidate(id)
		s.Preview.Reset()
		c.JSON(http.StatusOK, gin.H{"data": true})
	}
}
