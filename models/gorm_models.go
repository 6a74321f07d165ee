// models/gorm_models.go
package models

import (
	"gorm.io/gorm"
)

// GormRound 回合表
type GormRound struct {
	gorm.Model
	Position int     `gorm:"uniqueIndex;not null"`
	ImageRef string  `gorm:"not null"`
	Lat      float64 `gorm:"not null"`
	Lon      float64 `gorm:"not null"`
	Enabled  bool    `gorm:"default:true"`
}

// TableName keeps the table name shared with the plain SQL loader.
func (GormRound) TableName() string {
	return "rounds"
}

// ToRound converts the stored row into the catalog type.
func (r GormRound) ToRound() Round {
	return Round{
		ImageRef:        r.ImageRef,
		CorrectLocation: Location{Lat: r.Lat, Lon: r.Lon},
	}
}
