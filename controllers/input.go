package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"branchscope/annotation"
)

// PointerInput A pointer position in screen pixels and how the image is displayed
type PointerInput struct {
	X    float64         `json:"x"`
	Y    float64         `json:"y"`
	View annotation.View `json:"view"`
}

func (p PointerInput) point() annotation.Point {
	return annotation.Point{X: p.X, Y: p.Y}
}

// Click Place an annotation according to the mode
func Click(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input PointerInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		ic, ok := imageContext(c, s)
		if !ok {
			return
		}
		a, err := s.Session.Click(c.Request.Context(), ic, input.point(), input.View)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": a.ToRecord()})
	}
}

// Press Start drawing a region
func Press(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input PointerInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		ic, ok := imageContext(c, s)
		if !ok {
			return
		}
		g, err := s.Session.Press(ic, input.point(), input.View)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": g})
	}
}

// Move Extend the region being drawn
func Move(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input PointerInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		g, err := s.Session.Move(input.point(), input.View)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": g})
	}
}

// Release Finish the region being drawn and create it
func Release(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input PointerInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		a, err := s.Session.Release(c.Request.Context(), input.point(), input.View)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"data": a.ToRecord()})
	}
}

// GetDrag Return the state of the drag machine
func GetDrag(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"state": s.Manager.DragState().String()}})
	}
}

type StartDragInput struct {
	AnnotationID string `json:"annotationId" binding:"required"`
	PointerInput
}

// StartDrag Start repositioning an annotation
func StartDrag(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input StartDragInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		ic, ok := imageContext(c, s)
		if !ok {
			return
		}
		a, err := s.Manager.StartDrag(c.Request.Context(), ic, input.AnnotationID, input.point(), input.View)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": a.ToRecord()})
	}
}

// MoveDrag Move the dragged annotation live
func MoveDrag(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input PointerInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, err)
			return
		}
		a, ok := s.Manager.UpdateDrag(input.point())
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"error": "no drag in progress"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": a.ToRecord()})
	}
}

// FinishDrag Commit the drag
func FinishDrag(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, moved, err := s.Manager.FinishDrag(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": a.ToRecord(), "moved": moved})
	}
}

// CancelDrag Abandon the drag and restore the original position
func CancelDrag(s *Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := s.Manager.CancelDrag("cancelled by user")
		if !ok {
			c.JSON(http.StatusOK, gin.H{"data": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": a.ToRecord()})
	}
}
