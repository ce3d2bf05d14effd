package models

import (
	"time"

	"gorm.io/datatypes"
)

// Annotation is the stored form of one annotation record. Position keeps the
// record's place in its image's collection.
type Annotation struct {
	ID             string         `gorm:"primaryKey"`
	ImageID        string         `gorm:"index;not null"`
	Position       int            `gorm:"not null"`
	X              float64        `gorm:"not null"`
	Y              float64        `gorm:"not null"`
	Order          int            `gorm:"column:sequence;not null"`
	AnnotationType string         `gorm:"size:16"`
	CustomTypeID   string         `gorm:"index"`
	Width          *float64       `gorm:"column:width"`
	Height         *float64       `gorm:"column:height"`
	Direction      *float64       `gorm:"column:direction"`
	Directions     datatypes.JSON `gorm:"column:directions"`
	CreatedAt      time.Time      `gorm:"autoCreateTime:false"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime:false"`
}

// CustomType is the stored form of a custom annotation type.
type CustomType struct {
	ID          string         `gorm:"primaryKey"`
	Name        string         `gorm:"not null"`
	Kind        string         `gorm:"size:16;not null"`
	Color       string         `gorm:"size:32"`
	Description string         `gorm:"column:description"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
	CreatedAt   time.Time      `gorm:"autoCreateTime:false"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime:false"`
}
