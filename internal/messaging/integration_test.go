//go:build integration

package messaging

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/converge/internal/config"
	cvdb "github.com/zulandar/converge/internal/db"
	"github.com/zulandar/converge/internal/models"
	"gorm.io/gorm"
)

// openIntegrationDB creates a scratch database on the server named by
// CONVERGE_IT_DRIVER / CONVERGE_IT_HOST / CONVERGE_IT_PORT and returns two
// independent connection pools to it, standing in for two servers.
func openIntegrationDB(t *testing.T) (*gorm.DB, *gorm.DB) {
	t.Helper()
	driver := os.Getenv("CONVERGE_IT_DRIVER")
	if driver == "" {
		t.Skip("CONVERGE_IT_DRIVER not set")
	}
	port, _ := strconv.Atoi(os.Getenv("CONVERGE_IT_PORT"))
	cfg := config.StoreConfig{
		Driver:   driver,
		Host:     os.Getenv("CONVERGE_IT_HOST"),
		Port:     port,
		User:     os.Getenv("CONVERGE_IT_USER"),
		Password: os.Getenv("CONVERGE_IT_PASSWORD"),
		SSLMode:  "disable",
		Database: fmt.Sprintf("converge_msg_it_%d", time.Now().UnixNano()%1_000_000),
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.User == "" {
		cfg.User = map[string]string{config.DriverMySQL: "root", config.DriverPostgres: "postgres"}[driver]
	}

	admin, err := cvdb.ConnectAdmin(cfg)
	if err != nil {
		t.Fatalf("ConnectAdmin: %v", err)
	}
	if err := cvdb.CreateDatabase(admin, cfg.Database); err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}

	connect := func() *gorm.DB {
		gdb, err := cvdb.Connect(cfg)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		sqlDB, _ := gdb.DB()
		sqlDB.SetMaxOpenConns(8)
		return gdb
	}
	a, b := connect(), connect()
	t.Cleanup(func() {
		for _, gdb := range []*gorm.DB{a, b} {
			sqlDB, _ := gdb.DB()
			sqlDB.Close()
		}
		if err := cvdb.DropDatabase(admin, cfg.Database); err != nil {
			t.Errorf("DropDatabase: %v", err)
		}
	})
	if err := cvdb.AutoMigrate(a); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return a, b
}

func TestIntegration_ConcurrentAppendsCommitInSequence(t *testing.T) {
	a, b := openIntegrationDB(t)
	ctx := context.Background()
	const total = 60

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		gdb := a
		if i%2 == 1 {
			gdb = b
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := Append(ctx, gdb, AppendOpts{SessionID: "s1", Role: models.RoleSystem, Content: fmt.Sprintf("m%d", i)}); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}

	// A cursor reader running alongside the writers must see every message.
	var (
		cursor uint
		seen   []uint
	)
	deadline := time.Now().Add(30 * time.Second)
	for len(seen) < total && time.Now().Before(deadline) {
		page, err := ListSince(ctx, b, "s1", cursor, 0)
		if err != nil {
			t.Fatalf("ListSince: %v", err)
		}
		for _, m := range page {
			seen = append(seen, m.ID)
			cursor = m.ID
		}
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("cursor reader saw %d of %d messages", len(seen), total)
	}
	for i, id := range seen {
		if id != uint(i+1) {
			t.Fatalf("seen[%d] = %d, want %d", i, id, i+1)
		}
	}

	var s models.Session
	if err := a.First(&s, "id = ?", "s1").Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	if s.LastSeq != total {
		t.Errorf("LastSeq = %d, want %d", s.LastSeq, total)
	}
}
