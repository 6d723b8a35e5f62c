package orm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID   int64
	Name string
}

func TestNewSQLiteAndPagination(t *testing.T) {
	db, err := New(&Config{Type: "sqlite", DSN: "file:orm_pagination?mode=memory&cache=shared", LogLevel: "silent"})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&row{}))

	for i := 1; i <= 25; i++ {
		require.NoError(t, db.Create(&row{Name: fmt.Sprintf("r%d", i)}).Error)
	}

	tests := []struct {
		name           string
		page, limit    int
		maxLimit       int
		wantLen        int
		wantFirstRowID int64
	}{
		{"第一页", 1, 10, 50, 10, 1},
		{"第三页只剩 5 条", 3, 10, 50, 5, 21},
		{"page<=0 当作第一页", 0, 10, 50, 10, 1},
		{"limit 超过上限被截断", 1, 100, 20, 20, 1},
		{"limit<=0 不分页", 1, 0, 20, 25, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rows []row
			require.NoError(t, ApplyPagination(db.Order("id asc"), tt.page, tt.limit, tt.maxLimit).Find(&rows).Error)
			require.Len(t, rows, tt.wantLen)
			assert.Equal(t, tt.wantFirstRowID, rows[0].ID)
		})
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(&Config{Type: "oracle"})
	assert.Error(t, err)
}
