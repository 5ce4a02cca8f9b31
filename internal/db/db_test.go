package db

import (
	"testing"

	"github.com/zulandar/turntable/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DBConfig
		want string
	}{
		{
			name: "no password",
			cfg:  config.DBConfig{Host: "127.0.0.1", Port: 3306, Database: "turntable", User: "root"},
			want: "root@tcp(127.0.0.1:3306)/turntable?parseTime=true",
		},
		{
			name: "with password",
			cfg:  config.DBConfig{Host: "db.internal", Port: 3307, Database: "tt_prod", User: "tt", Password: "s3cret"},
			want: "tt:s3cret@tcp(db.internal:3307)/tt_prod?parseTime=true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAutoMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !db.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}
