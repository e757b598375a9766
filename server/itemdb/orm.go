package itemdb

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/itemscan/pkg/aggregator"
	"github.com/cyclopcam/itemscan/pkg/nn"
)

// Item is an emitted item, as persisted.
// SYNC-ITEMDB-ITEM
type Item struct {
	ID                string                  `gorm:"primaryKey" json:"id"` // Same as aggregator.ScannedItem.ID
	SessionID         string                  `json:"sessionId"`
	Category          string                  `json:"category"`
	LabelText         string                  `json:"labelText" gorm:"default:null"`
	DetectorType      string                  `json:"detectorType"` // eg OBJECT, BARCODE
	BarcodeValue      string                  `json:"barcodeValue" gorm:"default:null"`
	BarcodeFormat     string                  `json:"barcodeFormat" gorm:"default:null"`
	Confidence        float32                 `json:"confidence"`
	AverageConfidence float32                 `json:"averageConfidence"`
	Box               *dbh.JSONField[nn.Rect] `json:"box"`
	BoxArea           float32                 `json:"boxArea"`
	MergeCount        int                     `json:"mergeCount"`
	SourceCount       int                     `json:"sourceCount"`
	FirstSeenMs       int64                   `json:"firstSeenMs"` // Detector clock
	LastSeenMs        int64                   `json:"lastSeenMs"`  // Detector clock
	EmitCount         int                     `json:"emitCount"`   // Number of times the item left the pipeline
	CreatedAt         dbh.IntTime             `json:"createdAt"`
	UpdatedAt         dbh.IntTime             `json:"updatedAt"`
}

// ToScannedItem converts the row back into the shape produced by the pipeline
func (i *Item) ToScannedItem() aggregator.ScannedItem {
	s := aggregator.ScannedItem{
		ID:                i.ID,
		Category:          i.Category,
		LabelText:         i.LabelText,
		Confidence:        i.Confidence,
		AverageConfidence: i.AverageConfidence,
		BoxArea:           i.BoxArea,
		DetectorType:      nn.ParseDetectorType(i.DetectorType),
		BarcodeValue:      i.BarcodeValue,
		BarcodeFormat:     i.BarcodeFormat,
		MergeCount:        i.MergeCount,
		SourceCount:       i.SourceCount,
		FirstSeenMs:       i.FirstSeenMs,
		LastSeenMs:        i.LastSeenMs,
	}
	if i.Box != nil {
		s.Box = i.Box.Data
	}
	return s
}
