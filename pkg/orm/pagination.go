package orm

import "gorm.io/gorm"

// ApplyPagination page 从 1 开始；limit 超过 maxLimit 时截断
// page <= 0 当作第一页，limit <= 0 不分页
func ApplyPagination(db *gorm.DB, page, limit, maxLimit int) *gorm.DB {
	if limit <= 0 {
		return db
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	if page <= 0 {
		page = 1
	}
	return db.Offset((page - 1) * limit).Limit(limit)
}
