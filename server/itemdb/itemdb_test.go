package itemdb

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/itemscan/pkg/aggregator"
	"github.com/cyclopcam/itemscan/pkg/event"
	"github.com/cyclopcam/itemscan/pkg/nn"
	"github.com/cyclopcam/itemscan/pkg/pipeline"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testItem(id string, firstSeen int64) aggregator.ScannedItem {
	box := nn.MakeRect(0.3, 0.3, 0.5, 0.5)
	return aggregator.ScannedItem{
		ID:                id,
		Category:          "FASHION",
		LabelText:         "Shirt",
		Confidence:        0.85,
		AverageConfidence: 0.825,
		Box:               box,
		BoxArea:           box.Area(),
		DetectorType:      nn.DetectorObject,
		MergeCount:        2,
		SourceCount:       2,
		FirstSeenMs:       firstSeen,
		LastSeenMs:        firstSeen + 33,
	}
}

func openTestDB(t *testing.T, filename string) *ItemDB {
	db, err := Open(logs.NewTestingLog(t), filename)
	require.NoError(t, err)
	return db
}

func TestUpsertAndLoad(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "items.sqlite"))
	defer db.Close()

	item := testItem("agg_1", 100)
	require.NoError(t, db.Upsert("session-a", item))

	loaded, err := db.Load("agg_1")
	require.NoError(t, err)
	require.Equal(t, "session-a", loaded.SessionID)
	require.Equal(t, 1, loaded.EmitCount)
	require.False(t, loaded.CreatedAt.IsZero())
	require.Equal(t, item, loaded.ToScannedItem())

	// A second emission updates the row
	item.MergeCount = 5
	item.LabelText = ""
	require.NoError(t, db.Upsert("session-a", item))
	loaded, err = db.Load("agg_1")
	require.NoError(t, err)
	require.Equal(t, 2, loaded.EmitCount)
	require.Equal(t, 5, loaded.MergeCount)
	require.Equal(t, "", loaded.LabelText)

	n, err := db.Count()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = db.Load("agg_missing")
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestBarcodeItem(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "items.sqlite"))
	defer db.Close()

	item := testItem("agg_2", 0)
	item.DetectorType = nn.DetectorBarcode
	item.BarcodeValue = "4006381333931"
	item.BarcodeFormat = "EAN_13"
	require.NoError(t, db.Upsert("s", item))
	loaded, err := db.Load("agg_2")
	require.NoError(t, err)
	require.Equal(t, item, loaded.ToScannedItem())
}

func TestList(t *testing.T) {
	db := openTestDB(t, filepath.Join(t.TempDir(), "items.sqlite"))
	defer db.Close()

	require.NoError(t, db.Upsert("a", testItem("agg_3", 300)))
	require.NoError(t, db.Upsert("a", testItem("agg_1", 100)))
	require.NoError(t, db.Upsert("b", testItem("agg_2", 200)))

	items, err := db.List("a")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "agg_1", items[0].ID)
	require.Equal(t, "agg_3", items[1].ID)

	all, err := db.List("")
	require.NoError(t, err)
	require.Len(t, all, 3)

	none, err := db.List("zzz")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestListenerPersistsOnClose(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "items.sqlite")
	db := openTestDB(t, filename)

	var sender event.Sender[pipeline.Emission]
	sender.AddListener(db)
	sender.SendEvent(pipeline.Emission{SessionID: "s1", Item: testItem("agg_1", 10), FirstEmission: true})
	sender.SendEvent(pipeline.Emission{SessionID: "s1", Item: testItem("agg_2", 20), FirstEmission: true})
	sender.SendEvent(pipeline.Emission{SessionID: "s1", Item: testItem("agg_1", 10), FirstEmission: false})

	// Close flushes the write queue
	db.Close()

	// Reopen, which also proves that migrations are not re-run on an existing database
	db = openTestDB(t, filename)
	defer db.Close()
	items, err := db.List("s1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, 2, items[0].EmitCount)
	require.Equal(t, 1, items[1].EmitCount)
}
