package models

import (
	"time"

	"gorm.io/datatypes"
)

// Checkpoint is one row of the persisted table set in the relational backends.
type Checkpoint struct {
	Table     string         `gorm:"column:table_name;primaryKey;type:text;comment:datalogger table"`
	Watermark time.Time      `gorm:"type:timestamptz;not null;comment:exclusive lower bound for the next fetch"`
	PassID    string         `gorm:"type:text;comment:pass that last wrote the row"`
	UpdatedAt time.Time      `gorm:"type:timestamptz;not null"`
	StatsJSON datatypes.JSON `gorm:"type:jsonb;comment:save metadata"`
}

func (Checkpoint) TableName() string {
	return "checkpoints"
}
