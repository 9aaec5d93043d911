package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliverMergesPendingChanges(t *testing.T) {
	out := make(chan Change, 1)
	Deliver(out, Change{Table: TableSales})
	Deliver(out, Change{Table: TableSales})
	assert.Equal(t, TableSales, (<-out).Table, "repeats of one table stay scoped")

	Deliver(out, Change{Table: TableSales})
	Deliver(out, Change{Table: TableActivityLogs})
	assert.Equal(t, Change{}, <-out, "different tables widen to a full reload")
	assert.Empty(t, out)

	Deliver(out, Change{Table: TableNotifications})
	assert.Equal(t, TableNotifications, (<-out).Table)
}

func TestTargetCategoryFallsBackToName(t *testing.T) {
	categories := []Row{
		{"id": "c1", "name": "Hamdani"},
		{"id": "c2", "name": "Sawakni"},
	}

	c, ok := StockEffect{CategoryID: "c2", CategoryName: "Hamdani"}.TargetCategory(categories)
	assert.True(t, ok)
	assert.Equal(t, "c2", c.String("id"), "id wins over name")

	c, ok = StockEffect{CategoryID: "gone", CategoryName: "Hamdani"}.TargetCategory(categories)
	assert.True(t, ok)
	assert.Equal(t, "c1", c.String("id"))

	_, ok = StockEffect{CategoryID: "gone"}.TargetCategory(categories)
	assert.False(t, ok)
}
