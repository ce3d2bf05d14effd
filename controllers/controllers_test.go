package controllers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"branchscope/annotation"
	"branchscope/interaction"
	"branchscope/models"
	"branchscope/preview"
	"branchscope/utils"
)

type testServer struct {
	router   *gin.Engine
	services *Services
	root     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	root := t.TempDir()

	db, err := models.ConnectDataBase("sqlite", filepath.Join(root, "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := models.NewStore(db)

	config := utils.DefaultConfig()
	config.Images.Root = root
	bus := annotation.NewBus()
	manager := annotation.NewManager(store, bus, config.Limits())
	require.NoError(t, manager.Load(t.Context()))
	engine := preview.NewEngine(store, preview.FileLoader{Root: root}, config.PreviewConfig())
	bus.SubscribeAll(engine.HandleEvent)
	t.Cleanup(engine.Close)

	s := &Services{
		Store:   store,
		Manager: manager,
		Preview: engine,
		Session: interaction.NewSession(manager, bus),
		Config:  config,
	}
	r := gin.New()
	RegisterRoutes(r, s)
	return &testServer{router: r, services: s, root: root}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
}

// registerSeries writes two 300x300 pngs and registers them as one series.
func (ts *testServer) registerSeries(t *testing.T) {
	t.Helper()
	for _, name := range []string{"a.png", "b.png"} {
		f, err := os.Create(filepath.Join(ts.root, name))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 300, 300))))
		require.NoError(t, f.Close())
	}
	for id, day := range map[string]string{"img-a": "01", "img-b": "02"} {
		w := ts.do(t, http.MethodPost, "/api/v1/images", gin.H{
			"id":          id,
			"plant_id":    "p1",
			"view_angle":  "0",
			"captured_at": "2024-05-" + day + "T09:00:00Z",
			"path":        id[len(id)-1:] + ".png",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
}

func TestImageRegistration(t *testing.T) {
	ts := newTestServer(t)
	ts.registerSeries(t)

	w := ts.do(t, http.MethodPost, "/api/v1/images", gin.H{"plant_id": "p1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/images/img-b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var found struct {
		Data    models.Image            `json:"data"`
		Context annotation.ImageContext `json:"context"`
	}
	decode(t, w, &found)
	assert.Equal(t, "b.png", found.Data.Path)
	assert.Equal(t, 1, found.Context.Index)

	w = ts.do(t, http.MethodGet, "/api/v1/images/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/images/img-a", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/images", nil)
	var list struct {
		Data []models.Image `json:"data"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Data, 1)
}

func TestTypesAndMode(t *testing.T) {
	ts := newTestServer(t)
	ts.registerSeries(t)

	w := ts.do(t, http.MethodPost, "/api/v1/types", gin.H{"id": "box", "name": "Box", "kind": "region", "color": "#ff0000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = ts.do(t, http.MethodPost, "/api/v1/types", gin.H{"id": "box", "name": "Box", "kind": "region", "color": "#ff0000"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "duplicate id")

	w = ts.do(t, http.MethodPatch, "/api/v1/types/box", gin.H{"name": "Bud box", "kind": "point"})
	require.Equal(t, http.StatusOK, w.Code)
	var updated struct {
		Data     annotation.CustomType `json:"data"`
		Warnings []string              `json:"warnings"`
	}
	decode(t, w, &updated)
	assert.Equal(t, "Bud box", updated.Data.Name)
	assert.Equal(t, annotation.KindRegion, updated.Data.Kind)
	assert.NotEmpty(t, updated.Warnings)

	w = ts.do(t, http.MethodPut, "/api/v1/images/img-a/mode", gin.H{"customTypeId": "box"})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPut, "/api/v1/images/img-a/mode", gin.H{"customTypeId": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/mode", nil)
	var mode struct {
		Data annotation.Mode `json:"data"`
	}
	decode(t, w, &mode)
	assert.Equal(t, annotation.Mode{Custom: true, TypeID: "box", Kind: annotation.KindRegion}, mode.Data)

	// Draw a region with the pointer at half scale.
	view := gin.H{"scale": 0.5}
	w = ts.do(t, http.MethodPost, "/api/v1/images/img-a/input/click", gin.H{"x": 1, "y": 1, "view": view})
	assert.Equal(t, http.StatusBadRequest, w.Code, "region types are drawn, not clicked")
	w = ts.do(t, http.MethodPost, "/api/v1/images/img-a/input/press", gin.H{"x": 10, "y": 10, "view": view})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(t, http.MethodPost, "/api/v1/input/move", gin.H{"x": 20, "y": 30, "view": view})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/input/release", gin.H{"x": 25, "y": 30, "view": view})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var region struct {
		Data annotation.Record `json:"data"`
	}
	decode(t, w, &region)
	require.NotNil(t, region.Data.Width)
	assert.Equal(t, 30.0, *region.Data.Width)
	assert.Equal(t, 1, region.Data.Order)

	w = ts.do(t, http.MethodDelete, "/api/v1/types/box?image_id=img-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var deleted struct {
		Data []annotation.Record `json:"data"`
		Mode annotation.Mode     `json:"mode"`
	}
	decode(t, w, &deleted)
	assert.Len(t, deleted.Data, 1)
	assert.False(t, deleted.Mode.Custom, "deleting the active type returns to normal mode")
}

func TestAnnotationLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.registerSeries(t)

	for _, p := range [][2]float64{{10, 10}, {20, 20}, {30, 30}} {
		w := ts.do(t, http.MethodPost, "/api/v1/images/img-a/annotations/regular", gin.H{"x": p[0], "y": p[1]})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := ts.do(t, http.MethodPost, "/api/v1/images/nope/annotations/regular", gin.H{"x": 1, "y": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	var list struct {
		Data []annotation.Record `json:"data"`
	}
	decode(t, ts.do(t, http.MethodGet, "/api/v1/images/img-a/annotations?scope=regular", nil), &list)
	require.Len(t, list.Data, 3)
	second := list.Data[1].ID

	w = ts.do(t, http.MethodPut, "/api/v1/images/img-a/annotations/"+second+"/order", gin.H{"order": 3})
	assert.Equal(t, http.StatusBadRequest, w.Code, "order 3 is taken")

	w = ts.do(t, http.MethodDelete, "/api/v1/images/img-a/annotations/"+second, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodDelete, "/api/v1/images/img-a/annotations/"+second, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var stats struct {
		Data []annotation.ScopeStats `json:"data"`
	}
	decode(t, ts.do(t, http.MethodGet, "/api/v1/images/img-a/stats", nil), &stats)
	require.Len(t, stats.Data, 1)
	assert.Equal(t, []int{2}, stats.Data[0].Gaps)

	w = ts.do(t, http.MethodPost, "/api/v1/images/img-a/reorder", gin.H{"scope": "regular"})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/images/img-a/reorder", gin.H{"scope": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	decode(t, ts.do(t, http.MethodGet, "/api/v1/images/img-a/annotations", nil), &list)
	var got []int
	for _, r := range list.Data {
		got = append(got, r.Order)
	}
	assert.Equal(t, []int{1, 2}, got)
}

func TestDragEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.registerSeries(t)

	w := ts.do(t, http.MethodPost, "/api/v1/images/img-a/annotations/regular", gin.H{"x": 10, "y": 10})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Data annotation.Record `json:"data"`
	}
	decode(t, w, &created)

	w = ts.do(t, http.MethodPost, "/api/v1/drag/move", gin.H{"x": 5, "y": 5})
	assert.Equal(t, http.StatusConflict, w.Code)

	view := gin.H{"scale": 1, "imageWidth": 300, "imageHeight": 300}
	w = ts.do(t, http.MethodPost, "/api/v1/images/img-a/drag/start", gin.H{"annotationId": created.Data.ID, "x": 10, "y": 10, "view": view})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(t, http.MethodPost, "/api/v1/drag/move", gin.H{"x": 40, "y": 50})
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/drag/finish", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var list struct {
		Data []annotation.Record `json:"data"`
	}
	decode(t, ts.do(t, http.MethodGet, "/api/v1/images/img-a/annotations", nil), &list)
	require.Len(t, list.Data, 1)
	assert.Equal(t, 40.0, list.Data[0].X)
	assert.Equal(t, 50.0, list.Data[0].Y)

	var state struct {
		Data struct {
			State string `json:"state"`
		} `json:"data"`
	}
	decode(t, ts.do(t, http.MethodGet, "/api/v1/drag", nil), &state)
	assert.Equal(t, annotation.DragCommitted.String(), state.Data.State)
}

func TestPreviewEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.registerSeries(t)

	var res struct {
		Data preview.Result `json:"data"`
	}
	decode(t, ts.do(t, http.MethodGet, "/api/v1/images/img-a/preview", nil), &res)
	assert.Equal(t, preview.ReasonFirstImage, res.Data.Reason)

	w := ts.do(t, http.MethodGet, "/api/v1/images/img-b/preview.png", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "nothing annotated on the previous image")

	for _, p := range [][2]float64{{120, 80}, {150, 100}} {
		w := ts.do(t, http.MethodPost, "/api/v1/images/img-a/annotations/regular", gin.H{"x": p[0], "y": p[1]})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	decode(t, ts.do(t, http.MethodGet, "/api/v1/images/img-b/preview", nil), &res)
	require.Equal(t, preview.StatusReady, res.Data.Status, res.Data.Message)
	assert.Equal(t, 1, res.Data.TargetOrder)
	require.NotNil(t, res.Data.Plan)
	assert.Equal(t, preview.CropWindow{X: 70, Y: 30, Size: 100}, res.Data.Plan.Crop)

	w = ts.do(t, http.MethodGet, "/api/v1/images/img-b/preview.png", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "1", w.Header().Get("X-Preview-Order"))
	img, err := png.Decode(w.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())

	w = ts.do(t, http.MethodPut, "/api/v1/preview/zoom", gin.H{"step": "in"})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &res)
	assert.Equal(t, 4.0, res.Data.ZoomLevel)
	w = ts.do(t, http.MethodPut, "/api/v1/preview/zoom", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/preview/order", gin.H{"order": 2})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, ts.do(t, http.MethodGet, "/api/v1/images/img-b/preview", nil), &res)
	assert.True(t, res.Data.Explicit)
	assert.True(t, res.Data.Plan.Pulsing)
	assert.Equal(t, 2, res.Data.TargetOrder)

	w = ts.do(t, http.MethodPut, "/api/v1/preview/order", gin.H{"order": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodDelete, "/api/v1/preview/order", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestExportImport(t *testing.T) {
	ts := newTestServer(t)
	ts.registerSeries(t)

	w := ts.do(t, http.MethodPost, "/api/v1/types", gin.H{"id": "leaf", "name": "Leaf", "kind": "point", "color": "#00ff00"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/images/img-b/annotations/custom", gin.H{"customTypeId": "leaf", "x": 5, "y": 6})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/export?download=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	var bundle annotation.Bundle
	decode(t, w, &bundle)
	require.Len(t, bundle.CustomAnnotations, 1)

	w = ts.do(t, http.MethodPost, "/api/v1/import", bundle)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var imported struct {
		Data annotation.ImportReport `json:"data"`
	}
	decode(t, w, &imported)
	assert.Equal(t, annotation.ImportReport{TypesSkipped: 1, AnnotationsSkipped: 1}, imported.Data)

	bundle.Version = "0.1"
	w = ts.do(t, http.MethodPost, "/api/v1/import", bundle)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
