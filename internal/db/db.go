package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pointchat/internal/models"
)

// Connect 负责建立到 Postgres 的连接，并带有简单的重试来等待容器就绪。
func Connect(ctx context.Context, dsn string) (*gorm.DB, error) {
	var err error
	for i := 0; i < 10; i++ {
		var gdb *gorm.DB
		gdb, err = open(dsn)
		if err == nil {
			return gdb, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect postgres: %w", ctx.Err())
		case <-time.After(time.Duration(500+i*200) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("connect postgres: %w", err)
}

func open(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return gdb, nil
}

// Migrate 自动迁移用户、消息与 refresh token 表。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Message{}, &models.RefreshToken{})
}
