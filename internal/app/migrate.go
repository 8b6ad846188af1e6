package app

import (
	"gorm.io/gorm"

	"github.com/Njuhobby/0xElite/internal/model"
)

// AutoMigrate 自动建表.
// 共享表 (projects / milestones / developers) 由业务 API 维护, 这里只在开发环境补齐缺失的表
func AutoMigrate(db *gorm.DB) error {
	models := append(model.OwnedModels(), model.SharedModels()...)
	return db.AutoMigrate(models...)
}
