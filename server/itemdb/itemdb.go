// Package itemdb persists the items emitted by the scanning pipeline into SQLite
package itemdb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/itemscan/pkg/aggregator"
	"github.com/cyclopcam/itemscan/pkg/event"
	"github.com/cyclopcam/itemscan/pkg/nn"
	"github.com/cyclopcam/itemscan/pkg/pipeline"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// Emissions that have not yet been written, before we start dropping them
const writeQueueSize = 256

// ItemDB stores emitted items.
// It is a listener on the pipeline's Items sender. Emissions are queued, and written
// on a background thread, so that the pipeline never waits for the disk.
type ItemDB struct {
	log               logs.Log
	db                *gorm.DB
	queue             chan pipeline.Emission
	shutdown          chan bool // Closed when it's time to shutdown
	writeThreadClosed chan bool // The write thread closes this channel when it exits
}

// Open or create an item DB
func Open(log logs.Log, filename string) (*ItemDB, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0770); err != nil {
		return nil, fmt.Errorf("Failed to create item DB path '%v': %w", filepath.Dir(filename), err)
	}
	log.Infof("Opening item DB at '%v'", filename)
	db, err := dbh.OpenDB(log, dbh.MakeSqliteConfig(filename), Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open item database %v: %w", filename, err)
	}
	self := &ItemDB{
		log:               log,
		db:                db,
		queue:             make(chan pipeline.Emission, writeQueueSize),
		shutdown:          make(chan bool),
		writeThreadClosed: make(chan bool),
	}
	go self.writeThread()
	return self, nil
}

// Close flushes pending writes and closes the database
func (d *ItemDB) Close() {
	close(d.shutdown)
	<-d.writeThreadClosed
	if sqlDB, err := d.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// OnEvent queues an emission for writing. If the queue is full, the emission is dropped.
func (d *ItemDB) OnEvent(sender *event.Sender[pipeline.Emission], e pipeline.Emission) {
	select {
	case d.queue <- e:
	default:
		d.log.Warnf("Item DB write queue is full. Dropping item %v", e.Item.ID)
	}
}

func (d *ItemDB) writeThread() {
	d.log.Infof("Item write thread starting")
	keepRunning := true
	for keepRunning {
		select {
		case <-d.shutdown:
			keepRunning = false
		case e := <-d.queue:
			d.write(e)
		}
	}
	// Flush whatever is left in the queue
	for flushing := true; flushing; {
		select {
		case e := <-d.queue:
			d.write(e)
		default:
			flushing = false
		}
	}
	d.log.Infof("Item write thread exiting")
	close(d.writeThreadClosed)
}

func (d *ItemDB) write(e pipeline.Emission) {
	if err := d.Upsert(e.SessionID, e.Item); err != nil {
		d.log.Errorf("Failed to save item %v: %v", e.Item.ID, err)
	}
}

// Upsert inserts the item, or updates it if it already exists.
// Every call counts as one emission of the item.
func (d *ItemDB) Upsert(sessionID string, item aggregator.ScannedItem) error {
	var box dbh.JSONField[nn.Rect]
	box.Data = item.Box
	now := dbh.MakeIntTime(time.Now())
	return d.db.Exec(`
		INSERT INTO item (id, session_id, category, label_text, detector_type, barcode_value, barcode_format,
			confidence, average_confidence, box, box_area, merge_count, source_count, first_seen_ms, last_seen_ms,
			emit_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			category = excluded.category,
			label_text = excluded.label_text,
			detector_type = excluded.detector_type,
			barcode_value = excluded.barcode_value,
			barcode_format = excluded.barcode_format,
			confidence = excluded.confidence,
			average_confidence = excluded.average_confidence,
			box = excluded.box,
			box_area = excluded.box_area,
			merge_count = excluded.merge_count,
			source_count = excluded.source_count,
			first_seen_ms = excluded.first_seen_ms,
			last_seen_ms = excluded.last_seen_ms,
			emit_count = item.emit_count + 1,
			updated_at = excluded.updated_at`,
		item.ID, sessionID, item.Category, nullIfEmpty(item.LabelText), item.DetectorType.String(),
		nullIfEmpty(item.BarcodeValue), nullIfEmpty(item.BarcodeFormat),
		item.Confidence, item.AverageConfidence, &box, item.BoxArea, item.MergeCount, item.SourceCount,
		item.FirstSeenMs, item.LastSeenMs, now, now).Error
}

// Load returns the item with the given id. If it does not exist, the error is gorm.ErrRecordNotFound.
func (d *ItemDB) Load(id string) (*Item, error) {
	item := &Item{}
	if err := d.db.Where("id = ?", id).First(item).Error; err != nil {
		return nil, err
	}
	return item, nil
}

// List returns the items of a session, or of all sessions if sessionID is empty, in the order they were first seen
func (d *ItemDB) List(sessionID string) ([]Item, error) {
	items := []Item{}
	q := d.db.Order("first_seen_ms, id")
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (d *ItemDB) Count() (int64, error) {
	var n int64
	err := d.db.Model(&Item{}).Count(&n).Error
	return n, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
