package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"branchscope/annotation"
)

// ListTypes List the custom types in creation order
func ListTypes(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.Manager.ListTypes()})
	}
}

// CreateType Create a custom type
func CreateType(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input annotation.CustomType
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		t, err := s.Manager.CreateType(c.Request.Context(), input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": t})
	}
}

// UpdateType Update the mutable fields of a custom type. Changes to id or kind
// are ignored and reported as warnings.
func UpdateType(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch annotation.TypePatch
		if err := c.ShouldBindJSON(&patch); err != nil {
			badRequest(c, err)
			return
		}
		t, warnings, err := s.Manager.UpdateType(c.Request.Context(), c.Param("type_id"), patch)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": t, "warnings": warnings})
	}
}

// DeleteType Delete a custom type together with its annotations on every image.
// The optional image_id query names the image on screen.
func DeleteType(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ic annotation.ImageContext
		if imageID := c.Query("image_id"); imageID != "" {
			resolved, err := s.Store.ImageContext(c.Request.Context(), imageID)
			if err != nil {
				writeError(c, err)
				return
			}
			ic = resolved
		}
		deleted, err := s.Manager.DeleteType(c.Request.Context(), ic, c.Param("type_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": annotation.ToRecords(deleted), "mode": s.Manager.Mode()})
	}
}

// GetMode Return the annotation mode
func GetMode(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.Manager.Mode()})
	}
}

type SetModeInput struct {
	CustomTypeID string `json:"customTypeId"`
}

// SetMode Enter custom mode for a type, or normal mode when no type is given
func SetMode(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input SetModeInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		ic, ok := imageContext(c, s)
		if !ok {
			return
		}
		if input.CustomTypeID == "" {
			c.JSON(http.StatusOK, gin.H{"data": s.Manager.ExitCustom(ic)})
			return
		}
		mode, err := s.Manager.EnterCustom(ic, input.CustomTypeID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": mode})
	}
}
