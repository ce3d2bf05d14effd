// Package preview shows where the next sequence number to annotate landed in the
// previous image of a series: it resolves the reference annotation, computes a
// zoomed crop window around it and renders it with its neighbours.
package preview

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"branchscope/annotation"
)

// Series resolves the images of a series and their persisted annotations.
type Series interface {
	// PreviousImage returns the image captured right before currentIndex in the
	// series of plantID/viewAngle, or nil when currentIndex is the first.
	PreviousImage(ctx context.Context, plantID, viewAngle string, currentIndex int) (*ImageRef, error)
	ImageAnnotations(ctx context.Context, imageID string) ([]annotation.Record, error)
}

// Config tunes the engine.
type Config struct {
	BaseCropSize    float64
	ViewportSize    int
	DefaultZoom     float64
	MinZoom         float64
	MaxZoom         float64
	CacheTTL        time.Duration
	CleanupInterval time.Duration
}

// DefaultConfig returns the stock preview settings.
func DefaultConfig() Config {
	return Config{
		BaseCropSize:    200,
		ViewportSize:    200,
		DefaultZoom:     2,
		MinZoom:         1,
		MaxZoom:         8,
		CacheTTL:        5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

type Status string

const (
	StatusReady       Status = "ready"
	StatusNoReference Status = "no_reference"
)

type Reason string

const (
	ReasonFirstImage   Reason = "first_image"
	ReasonMissingOrder Reason = "missing_order"
	ReasonError        Reason = "error"
)

// Request describes the image being annotated and the active scope.
type Request struct {
	Context annotation.ImageContext
	Scope   annotation.Scope
	// Current is the current image's collection, used to find the next unused order.
	Current []annotation.Annotation
}

// Result is the outcome of a preview lookup.
type Result struct {
	Status      Status    `json:"status"`
	Reason      Reason    `json:"reason,omitempty"`
	Message     string    `json:"message,omitempty"`
	TargetOrder int       `json:"targetOrder,omitempty"`
	Scope       string    `json:"scope"`
	Explicit    bool      `json:"explicit"`
	ZoomLevel   float64   `json:"zoomLevel"`
	Reference   *ImageRef `json:"reference,omitempty"`
	Plan        *Plan     `json:"plan,omitempty"`
}

// rendered is the last successful lookup: the decoded image handle together with
// the annotation list the plan was built from.
type rendered struct {
	contextKey  string
	ref         ImageRef
	source      Source
	annotations []annotation.Annotation
	target      annotation.Annotation
	result      Result
	// stale is set when the annotations above were invalidated after the lookup.
	stale bool
}

// Engine is the reference preview engine. It reads annotations through Series
// and never mutates them; the image and annotation caches are private to it.
type Engine struct {
	series Series
	loader Loader
	cfg    Config

	// TypeColor resolves custom type colors when rendering.
	TypeColor ColorFunc

	pinMu  sync.Mutex
	pinned Source

	mu            sync.Mutex
	zoom          float64
	explicitOrder int
	contextKey    string
	last          *rendered
	images        *Cache[Source]
	annotations   *Cache[[]annotation.Annotation]
}

// NewEngine creates an engine. Zero config fields take their defaults.
func NewEngine(series Series, loader Loader, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.BaseCropSize <= 0 {
		cfg.BaseCropSize = def.BaseCropSize
	}
	if cfg.ViewportSize <= 0 {
		cfg.ViewportSize = def.ViewportSize
	}
	if cfg.MinZoom <= 0 {
		cfg.MinZoom = def.MinZoom
	}
	if cfg.MaxZoom < cfg.MinZoom {
		cfg.MaxZoom = math.Max(def.MaxZoom, cfg.MinZoom)
	}
	if cfg.DefaultZoom <= 0 {
		cfg.DefaultZoom = def.DefaultZoom
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}

	e := &Engine{
		series: series,
		loader: loader,
		cfg:    cfg,
	}
	e.zoom = e.clampZoom(cfg.DefaultZoom)
	e.images = NewCache[Source]("reference image", cfg.CacheTTL, cfg.CleanupInterval, func(key string, s Source) {
		if e.isLastSource(s) {
			return
		}
		if err := s.Close(); err != nil {
			log.Warn(fmt.Sprintf("Error closing reference image %s: %s", key, err.Error()))
		}
	})
	e.annotations = NewCache[[]annotation.Annotation]("reference annotations", cfg.CacheTTL, cfg.CleanupInterval, nil)
	return e
}

// isLastSource keeps the handle backing the last render open when the cache
// drops it. Cache eviction runs with or without e.mu held, hence pinMu.
func (e *Engine) isLastSource(s Source) bool {
	e.pinMu.Lock()
	defer e.pinMu.Unlock()
	return e.pinned != nil && e.pinned == s
}

func (e *Engine) setLastLocked(r *rendered) {
	e.last = r
	e.pinMu.Lock()
	if r != nil {
		e.pinned = r.source
	} else {
		e.pinned = nil
	}
	e.pinMu.Unlock()
}

// Close releases caches and image handles.
func (e *Engine) Close() {
	e.mu.Lock()
	last := e.last
	e.setLastLocked(nil)
	e.mu.Unlock()

	e.images.Close()
	e.annotations.Close()
	if last != nil {
		_ = last.source.Close()
	}
}

func (e *Engine) clampZoom(z float64) float64 {
	return math.Max(e.cfg.MinZoom, math.Min(e.cfg.MaxZoom, z))
}

func contextKey(ic annotation.ImageContext, scope annotation.Scope) string {
	return fmt.Sprintf("%s/%s/%s/%s", ic.PlantID, ic.ViewAngle, ic.ImageID, scope)
}

// Zoom returns the current zoom level.
func (e *Engine) Zoom() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.zoom
}

// Resolve looks up the reference for the next unused order in the request's scope,
// or for the order set by PreviewOrder.
func (e *Engine) Resolve(ctx context.Context, req Request) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := contextKey(req.Context, req.Scope)
	if key != e.contextKey {
		e.dropLastLocked()
		e.contextKey = key
	}

	target := e.explicitOrder
	explicit := target > 0
	if !explicit {
		target = annotation.NextOrderForScope(req.Current, req.Scope)
	}
	base := Result{
		TargetOrder: target,
		Scope:       req.Scope.String(),
		Explicit:    explicit,
		ZoomLevel:   e.zoom,
	}

	ref, err := e.series.PreviousImage(ctx, req.Context.PlantID, req.Context.ViewAngle, req.Context.Index)
	if err != nil {
		return e.failLocked(base, errors.Wrap(err, "resolve previous image"))
	}
	if ref == nil {
		e.dropLastLocked()
		base.Status, base.Reason = StatusNoReference, ReasonFirstImage
		base.Message = "first image in series: no previous image to compare with"
		return base
	}
	base.Reference = ref

	source, all, err := e.fetch(ctx, *ref)
	if err != nil {
		return e.failLocked(base, err)
	}

	found, ok := findOrder(all, req.Scope, target)
	if !ok {
		e.dropLastLocked()
		base.Status, base.Reason = StatusNoReference, ReasonMissingOrder
		base.Message = fmt.Sprintf("no annotation #%d (%s) in previous image %s", target, req.Scope, ref.ID)
		return base
	}

	if e.last == nil || e.last.source != source {
		e.dropLastLocked()
	}
	e.setLastLocked(&rendered{
		contextKey:  key,
		ref:         *ref,
		source:      source,
		annotations: all,
		target:      found,
	})
	return e.planLocked(base)
}

func findOrder(all []annotation.Annotation, scope annotation.Scope, order int) (annotation.Annotation, bool) {
	for _, a := range all {
		if a.Order == order && a.Scope() == scope {
			return a, true
		}
	}
	return annotation.Annotation{}, false
}

// planLocked builds the plan for the last lookup at the current zoom.
func (e *Engine) planLocked(base Result) Result {
	w, h := e.last.source.Size()
	plan := BuildPlan(e.last.ref.ID, w, h, e.last.target, e.last.annotations,
		e.cfg.BaseCropSize, e.zoom, e.cfg.ViewportSize, base.Explicit)
	base.Status = StatusReady
	base.Reason = ""
	base.Message = ""
	base.ZoomLevel = e.zoom
	base.Plan = &plan
	e.last.result = base
	return base
}

// failLocked converts a collaborator failure into the error state. The last
// render is dropped so a stale image is never shown.
func (e *Engine) failLocked(base Result, err error) Result {
	log.Warn(fmt.Sprintf("Reference preview failed: %s", err.Error()))
	e.dropLastLocked()
	base.Status, base.Reason = StatusNoReference, ReasonError
	base.Message = err.Error()
	base.Plan = nil
	return base
}

func (e *Engine) dropLastLocked() {
	if e.last == nil {
		return
	}
	last := e.last
	e.setLastLocked(nil)
	// Handles still cached stay open for the next lookup.
	if cached, err := e.images.Get(last.ref.ID); err == nil && cached == last.source {
		return
	}
	if err := last.source.Close(); err != nil {
		log.Warn(fmt.Sprintf("Error closing reference image %s: %s", last.ref.ID, err.Error()))
	}
}

// fetch returns the image handle and annotations of ref, from cache when possible.
// Missing parts are fetched concurrently.
func (e *Engine) fetch(ctx context.Context, ref ImageRef) (Source, []annotation.Annotation, error) {
	source, srcErr := e.images.Get(ref.ID)
	all, annErr := e.annotations.Get(ref.ID)
	if srcErr == nil && annErr == nil {
		log.Debug("Reference cache hit for ", ref.ID)
		return source, all, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if srcErr != nil {
		g.Go(func() error {
			s, err := e.loader.Open(gctx, ref)
			if err != nil {
				return errors.Wrapf(err, "load reference image %s", ref.ID)
			}
			source = s
			return nil
		})
	}
	if annErr != nil {
		g.Go(func() error {
			records, err := e.series.ImageAnnotations(gctx, ref.ID)
			if err != nil && !errors.Is(err, annotation.ErrNotPersisted) {
				return errors.Wrapf(err, "load annotations of %s", ref.ID)
			}
			records, _ = annotation.MigrateLegacy(ref.ID, records)
			parsed, err := annotation.FromRecords(records)
			if err != nil {
				return err
			}
			all = parsed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if srcErr != nil && source != nil {
			_ = source.Close()
		}
		return nil, nil, err
	}
	if srcErr != nil {
		e.images.Put(ref.ID, source)
	}
	if annErr != nil {
		e.annotations.Put(ref.ID, all)
	}
	return source, all, nil
}

// SetZoom changes the zoom level and re-plans the last lookup from the cached
// image handle. The annotation list is fetched again only when a mutation
// invalidated it since the lookup.
func (e *Engine) SetZoom(zoom float64) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zoom = e.clampZoom(zoom)
	if e.last == nil {
		return Result{Status: StatusNoReference, ZoomLevel: e.zoom, Message: "no reference loaded"}
	}
	if e.last.stale {
		return e.refreshLocked(context.Background())
	}
	return e.planLocked(e.last.result)
}

// refreshLocked reloads the annotations of the last lookup and finds its target
// order again before planning.
func (e *Engine) refreshLocked(ctx context.Context) Result {
	last := *e.last
	base := last.result
	base.ZoomLevel = e.zoom

	source, all, err := e.fetch(ctx, last.ref)
	if err != nil {
		return e.failLocked(base, err)
	}
	found, ok := findOrder(all, last.target.Scope(), base.TargetOrder)
	if !ok {
		e.dropLastLocked()
		base.Status, base.Reason = StatusNoReference, ReasonMissingOrder
		base.Message = fmt.Sprintf("no annotation #%d (%s) in previous image %s", base.TargetOrder, base.Scope, last.ref.ID)
		base.Plan = nil
		return base
	}
	if source != last.source {
		e.dropLastLocked()
	}
	last.source = source
	last.annotations = all
	last.target = found
	last.stale = false
	e.setLastLocked(&last)
	return e.planLocked(base)
}

// markStale flags the last lookup when its annotations were invalidated. An empty
// imageID matches any image.
func (e *Engine) markStale(imageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last != nil && (imageID == "" || e.last.ref.ID == imageID) {
		e.last.stale = true
	}
}

// ZoomIn doubles the zoom level.
func (e *Engine) ZoomIn() Result { return e.SetZoom(e.Zoom() * 2) }

// ZoomOut halves the zoom level.
func (e *Engine) ZoomOut() Result { return e.SetZoom(e.Zoom() / 2) }

// PreviewOrder makes the following lookups target order instead of the next
// unused one, rendered with the pulsing style.
func (e *Engine) PreviewOrder(order int) error {
	if order < 1 {
		return errors.Errorf("order must be positive, got %d", order)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.explicitOrder = order
	return nil
}

// RestoreNext returns to previewing the next unused order.
func (e *Engine) RestoreNext() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.explicitOrder = 0
}

// ExplicitOrder returns the order set by PreviewOrder, or 0.
func (e *Engine) ExplicitOrder() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.explicitOrder
}

// Last returns the result of the last successful lookup.
func (e *Engine) Last() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return Result{}, false
	}
	return e.last.result, true
}

// Render draws the viewport of the last successful lookup.
func (e *Engine) Render() (*image.RGBA, Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil || e.last.result.Plan == nil {
		return nil, Result{}, errors.New("no reference to render")
	}
	img, err := Render(e.last.source, *e.last.result.Plan, e.TypeColor)
	if err != nil {
		return nil, e.failLocked(e.last.result, err), err
	}
	return img, e.last.result, nil
}

// InvalidateImage drops the cached annotation list of an image. The decoded image
// stays cached.
func (e *Engine) InvalidateImage(imageID string) {
	e.annotations.Delete(imageID)
}

// Reset forgets the current context and every cached entry, e.g. when the
// dataset changes.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.dropLastLocked()
	e.contextKey = ""
	e.explicitOrder = 0
	e.mu.Unlock()

	e.images.Empty()
	e.annotations.Empty()
}

// HandleEvent keeps the annotation cache in step with mutations made by the
// annotation manager.
func (e *Engine) HandleEvent(ev annotation.Event) {
	switch ev.Kind {
	case annotation.EventCreated, annotation.EventUpdated, annotation.EventDeleted,
		annotation.EventReordered, annotation.EventDragCommitted:
		if ev.Context.ImageID != "" {
			log.Debug("Invalidating reference annotations of ", ev.Context.ImageID)
			e.InvalidateImage(ev.Context.ImageID)
			e.markStale(ev.Context.ImageID)
		}
	case annotation.EventTypeDeleted:
		e.annotations.Empty()
		e.markStale("")
	}
}
