package models

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"branchscope/annotation"
	"branchscope/preview"
)

// ErrImageNotFound is returned for unknown image ids.
var ErrImageNotFound = errors.New("image not found")

// Store persists annotations, custom types and the image series in the database.
// It serves as the annotation manager's persistence and as the preview series.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func toRow(imageID string, position int, r annotation.Record) (Annotation, error) {
	row := Annotation{
		ID:             r.ID,
		ImageID:        imageID,
		Position:       position,
		X:              r.X,
		Y:              r.Y,
		Order:          r.Order,
		AnnotationType: r.AnnotationType,
		CustomTypeID:   r.CustomTypeID,
		Width:          r.Width,
		Height:         r.Height,
		Direction:      r.Direction,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Directions) > 0 {
		raw, err := json.Marshal(r.Directions)
		if err != nil {
			return Annotation{}, err
		}
		row.Directions = datatypes.JSON(raw)
	}
	return row, nil
}

func fromRow(row Annotation) (annotation.Record, error) {
	r := annotation.Record{
		ID:             row.ID,
		ImageID:        row.ImageID,
		X:              row.X,
		Y:              row.Y,
		Order:          row.Order,
		AnnotationType: row.AnnotationType,
		CustomTypeID:   row.CustomTypeID,
		Width:          row.Width,
		Height:         row.Height,
		Direction:      row.Direction,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if len(row.Directions) > 0 {
		if err := json.Unmarshal(row.Directions, &r.Directions); err != nil {
			return annotation.Record{}, errors.Wrapf(err, "decode directions of %s", row.ID)
		}
	}
	return r, nil
}

// LoadAnnotations returns an image's records in collection order, or
// annotation.ErrNotPersisted when it has none.
func (s *Store) LoadAnnotations(ctx context.Context, imageID string) ([]annotation.Record, error) {
	var rows []Annotation
	if err := s.db.WithContext(ctx).Where("image_id = ?", imageID).Order("position").Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "query annotations of %s", imageID)
	}
	if len(rows) == 0 {
		return nil, annotation.ErrNotPersisted
	}
	records := make([]annotation.Record, 0, len(rows))
	for _, row := range rows {
		r, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// ImageAnnotations is LoadAnnotations for the preview series.
func (s *Store) ImageAnnotations(ctx context.Context, imageID string) ([]annotation.Record, error) {
	return s.LoadAnnotations(ctx, imageID)
}

// SaveAnnotations replaces an image's records in one transaction.
func (s *Store) SaveAnnotations(ctx context.Context, imageID string, records []annotation.Record) error {
	rows := make([]Annotation, 0, len(records))
	for i, r := range records {
		row, err := toRow(imageID, i, r)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("image_id = ?", imageID).Delete(&Annotation{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return errors.Wrapf(err, "save annotations of %s", imageID)
	}
	log.Debugf("Saved %d annotations of image %s", len(rows), imageID)
	return nil
}

// AnnotatedImages lists the ids of images holding at least one annotation.
func (s *Store) AnnotatedImages(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&Annotation{}).Distinct().Order("image_id").Pluck("image_id", &ids).Error; err != nil {
		return nil, errors.Wrap(err, "list annotated images")
	}
	return ids, nil
}

// LoadTypes returns every stored custom type.
func (s *Store) LoadTypes(ctx context.Context) ([]annotation.CustomType, error) {
	var rows []CustomType
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "query custom types")
	}
	out := make([]annotation.CustomType, 0, len(rows))
	for _, row := range rows {
		t := annotation.CustomType{
			ID:          row.ID,
			Name:        row.Name,
			Kind:        annotation.Kind(row.Kind),
			Color:       row.Color,
			Description: row.Description,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
		}
		if len(row.Metadata) > 0 {
			if err := json.Unmarshal(row.Metadata, &t.Metadata); err != nil {
				return nil, errors.Wrapf(err, "decode metadata of custom type %s", row.ID)
			}
		}
		out = append(out, t)
	}
	return out, nil
}

// SaveType inserts or updates a custom type.
func (s *Store) SaveType(ctx context.Context, t annotation.CustomType) error {
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return errors.Wrapf(err, "encode metadata of custom type %s", t.ID)
	}
	row := CustomType{
		ID:          t.ID,
		Name:        t.Name,
		Kind:        string(t.Kind),
		Color:       t.Color,
		Description: t.Description,
		Metadata:    datatypes.JSON(metadata),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return errors.Wrapf(err, "save custom type %s", t.ID)
}

// DeleteType removes a custom type row. Its annotations are removed by the manager.
func (s *Store) DeleteType(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&CustomType{}).Error
	return errors.Wrapf(err, "delete custom type %s", id)
}

// SaveImage registers or updates an image of a series.
func (s *Store) SaveImage(ctx context.Context, img Image) error {
	if img.ID == "" || img.PlantID == "" {
		return errors.New("image id and plant id are required")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&img).Error
	return errors.Wrapf(err, "save image %s", img.ID)
}

// FindImages lists every registered image, grouped by series and capture time.
func (s *Store) FindImages(ctx context.Context) ([]Image, error) {
	var images []Image
	err := s.db.WithContext(ctx).Order("plant_id, view_angle, captured_at, id").Find(&images).Error
	return images, errors.Wrap(err, "list images")
}

// FindImage returns one image.
func (s *Store) FindImage(ctx context.Context, id string) (Image, error) {
	var img Image
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&img).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Image{}, ErrImageNotFound
	}
	return img, errors.Wrapf(err, "find image %s", id)
}

// DeleteImage removes an image together with its annotations.
func (s *Store) DeleteImage(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("image_id = ?", id).Delete(&Annotation{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&Image{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrImageNotFound
		}
		return nil
	})
	if errors.Is(err, ErrImageNotFound) {
		return err
	}
	return errors.Wrapf(err, "delete image %s", id)
}

// Series returns the images of one plant and view angle ordered by capture time.
func (s *Store) Series(ctx context.Context, plantID, viewAngle string) ([]Image, error) {
	var images []Image
	err := s.db.WithContext(ctx).
		Where("plant_id = ? AND view_angle = ?", plantID, viewAngle).
		Order("captured_at, id").
		Find(&images).Error
	return images, errors.Wrapf(err, "list series %s/%s", plantID, viewAngle)
}

func toRef(img Image, index int) *preview.ImageRef {
	return &preview.ImageRef{
		ID:         img.ID,
		PlantID:    img.PlantID,
		ViewAngle:  img.ViewAngle,
		Index:      index,
		CapturedAt: img.CapturedAt,
		Path:       img.Path,
	}
}

// PreviousImage returns the image before currentIndex in its series, or nil when
// currentIndex is the first.
func (s *Store) PreviousImage(ctx context.Context, plantID, viewAngle string, currentIndex int) (*preview.ImageRef, error) {
	if currentIndex <= 0 {
		return nil, nil
	}
	images, err := s.Series(ctx, plantID, viewAngle)
	if err != nil {
		return nil, err
	}
	if currentIndex > len(images) {
		return nil, errors.Errorf("index %d is outside series %s/%s of %d images", currentIndex, plantID, viewAngle, len(images))
	}
	return toRef(images[currentIndex-1], currentIndex-1), nil
}

// ImageContext resolves the series position of an image.
func (s *Store) ImageContext(ctx context.Context, imageID string) (annotation.ImageContext, error) {
	img, err := s.FindImage(ctx, imageID)
	if err != nil {
		return annotation.ImageContext{}, err
	}
	images, err := s.Series(ctx, img.PlantID, img.ViewAngle)
	if err != nil {
		return annotation.ImageContext{}, err
	}
	for i, other := range images {
		if other.ID == img.ID {
			return annotation.ImageContext{
				ImageID:   img.ID,
				PlantID:   img.PlantID,
				ViewAngle: img.ViewAngle,
				Index:     i,
			}, nil
		}
	}
	return annotation.ImageContext{}, ErrImageNotFound
}
