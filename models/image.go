package models

import "time"

// Image is one photograph of a plant from one view angle. Images of the same
// plant and view angle form a series ordered by capture time.
type Image struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	PlantID    string    `json:"plant_id" gorm:"index:idx_series"`
	ViewAngle  string    `json:"view_angle" gorm:"index:idx_series"`
	CapturedAt time.Time `json:"captured_at" gorm:"index"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
