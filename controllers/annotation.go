package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"branchscope/annotation"
)

// ListAnnotations List the annotations of an image, optionally limited to one scope
func ListAnnotations(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		all, err := s.Manager.Annotations(c.Request.Context(), c.Param("image_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		if raw := c.Query("scope"); raw != "" {
			scope, err := annotation.ParseScope(raw)
			if err != nil {
				writeError(c, err)
				return
			}
			all = annotation.InScope(all, scope)
		}
		c.JSON(http.StatusOK, gin.H{"data": annotation.ToRecords(all)})
	}
}

// CreateRegular Append a regular keypoint
func CreateRegular(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input annotation.RegularInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		ic, ok := imageContext(c, s)
		if !ok {
			return
		}
		a, err := s.Manager.CreateRegular(c.Request.Context(), ic, input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": a.ToRecord()})
	}
}

// CreateCustom Append a custom point or region
func CreateCustom(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input annotation.CustomInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		ic, ok := imageContext(c, s)
		if !ok {
			return
		}
		a, err := s.Manager.CreateCustom(c.Request.Context(), ic, input)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": a.ToRecord()})
	}
}

// UpdateAnnotation Move or resize an annotation, or change its directions
func UpdateAnnotation(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch annotation.Patch
		if err := c.ShouldBindJSON(&patch); err != nil {
			badRequest(c, err)
			return
		}
		ic, ok := imageContext(c, s)
		if !ok {
			return
		}
		a, err := s.Manager.UpdateAnnotation(c.Request.Context(), ic, c.Param("annotation_id"), patch)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": a.ToRecord()})
	}
}

type UpdateOrderInput struct {
	Order int `json:"order" binding:"required"`
}

// UpdateOrder Change the order of an annotation within its scope
func UpdateOrder(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input UpdateOrderInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		ic, ok := imageContext(c, s)
		if !ok {
			return
		}
		a, err := s.Manager.UpdateOrder(c.Request.Context(), ic, c.Param("annotation_id"), input.Order)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": a.ToRecord()})
	}
}

// DeleteAnnotation Delete one annotation
func DeleteAnnotation(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		ic, ok := imageContext(c, s)
		if !ok {
			return
		}
		a, err := s.Manager.DeleteAnnotation(c.Request.Context(), ic, c.Param("annotation_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": a.ToRecord()})
	}
}

type ReorderInput struct {
	Scope string `json:"scope" binding:"required"`
}

// Reorder Renumber one scope of an image to 1..N
func Reorder(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input ReorderInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		scope, err := annotation.ParseScope(input.Scope)
		if err != nil {
			writeError(c, err)
			return
		}
		ic, ok := imageContext(c, s)
		if !ok {
			return
		}
		changed, err := s.Manager.Reorder(c.Request.Context(), ic, scope)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"scope": scope.String(), "changed": changed}})
	}
}

// GetStats Report count, highest order and gaps per scope
func GetStats(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := s.Manager.Stats(c.Request.Context(), c.Param("image_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": stats})
	}
}

// RepairLegacy Persist the migrated form of legacy records of an image
func RepairLegacy(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		repaired, err := s.Manager.RepairLegacy(c.Request.Context(), c.Param("image_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"repaired": repaired}})
	}
}
