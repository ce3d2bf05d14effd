package controllers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"branchscope/annotation"
	"branchscope/interaction"
	"branchscope/models"
	"branchscope/preview"
	"branchscope/utils"
)

// Services Everything the handlers work with
type Services struct {
	Store   *models.Store
	Manager *annotation.Manager
	Preview *preview.Engine
	Session *interaction.Session
	Config  *utils.Config
}

// RegisterRoutes Mounts the REST API on r
func RegisterRoutes(r gin.IRouter, s *Services) {
	v1 := r.Group("/api/v1")
	{
		v1.GET("/images", FindImages(s))
		v1.POST("/images", CreateImage(s))
		v1.GET("/images/:image_id", FindImage(s))
		v1.DELETE("/images/:image_id", DeleteImage(s))

		v1.GET("/types", ListTypes(s))
		v1.POST("/types", CreateType(s))
		v1.PATCH("/types/:type_id", UpdateType(s))
		v1.DELETE("/types/:type_id", DeleteType(s))

		v1.GET("/mode", GetMode(s))
		v1.PUT("/images/:image_id/mode", SetMode(s))

		v1.GET("/images/:image_id/annotations", ListAnnotations(s))
		v1.POST("/images/:image_id/annotations/regular", CreateRegular(s))
		v1.POST("/images/:image_id/annotations/custom", CreateCustom(s))
		v1.PATCH("/images/:image_id/annotations/:annotation_id", UpdateAnnotation(s))
		v1.PUT("/images/:image_id/annotations/:annotation_id/order", UpdateOrder(s))
		v1.DELETE("/images/:image_id/annotations/:annotation_id", DeleteAnnotation(s))
		v1.POST("/images/:image_id/reorder", Reorder(s))
		v1.GET("/images/:image_id/stats", GetStats(s))
		v1.POST("/images/:image_id/repair", RepairLegacy(s))

		v1.POST("/images/:image_id/input/click", Click(s))
		v1.POST("/images/:image_id/input/press", Press(s))
		v1.POST("/input/move", Move(s))
		v1.POST("/input/release", Release(s))

		v1.GET("/drag", GetDrag(s))
		v1.POST("/images/:image_id/drag/start", StartDrag(s))
		v1.POST("/drag/move", MoveDrag(s))
		v1.POST("/drag/finish", FinishDrag(s))
		v1.POST("/drag/cancel", CancelDrag(s))

		v1.GET("/images/:image_id/preview", GetPreview(s))
		v1.GET("/images/:image_id/preview.png", GetPreviewImage(s))
		v1.GET("/images/:image_id/preview.jpg", GetPreviewImage(s))
		v1.PUT("/preview/zoom", SetZoom(s))
		v1.PUT("/preview/order", SetPreviewOrder(s))
		v1.DELETE("/preview/order", ClearPreviewOrder(s))

		v1.GET("/export", Export(s))
		v1.POST("/import", Import(s))
	}
}

// errorStatus Maps an error to the HTTP status reported for it
func errorStatus(err error) int {
	switch {
	case annotation.IsValidation(err):
		return http.StatusBadRequest
	case annotation.IsNotFound(err), errors.Is(err, models.ErrImageNotFound):
		return http.StatusNotFound
	case annotation.IsCollaborator(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError Writes err as a JSON error body with the matching status
func writeError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Warn(fmt.Sprintf("Request %s %s failed: %s", c.Request.Method, c.Request.URL.Path, err.Error()))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// badRequest Reports malformed input
func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// imageContext Resolves the image of the route to its place in the series
func imageContext(c *gin.Context, s *Services) (annotation.ImageContext, bool) {
	ic, err := s.Store.ImageContext(c.Request.Context(), c.Param("image_id"))
	if err != nil {
		writeError(c, err)
		return annotation.ImageContext{}, false
	}
	return ic, true
}
