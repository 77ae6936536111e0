package storage

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"shopassist/internal/config"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := kv.Set(ctx, "shopassist.chat.messages", []byte(`[{"id":"1"}]`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := kv.Set(ctx, "shopassist.chat.messages", []byte(`[{"id":"2"}]`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := kv.Get(ctx, "shopassist.chat.messages")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `[{"id":"2"}]` {
		t.Fatalf("unexpected value %s", got)
	}
	if err := kv.Set(ctx, "", []byte("x")); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
	if err := kv.Delete(ctx, "shopassist.chat.messages"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := kv.Delete(ctx, "shopassist.chat.messages"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := kv.Get(ctx, "shopassist.chat.messages"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemoryKV())
}

func TestMemoryKVCopiesValues(t *testing.T) {
	kv := NewMemoryKV()
	buf := []byte("abc")
	if err := kv.Set(context.Background(), "k", buf); err != nil {
		t.Fatalf("set: %v", err)
	}
	buf[0] = 'z'
	got, _ := kv.Get(context.Background(), "k")
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller buffer: %s", got)
	}
}

func TestFileKV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	kv, err := NewFileKV(dir)
	if err != nil {
		t.Fatalf("new file kv: %v", err)
	}
	exerciseKV(t, kv)

	if err := kv.Set(context.Background(), "a/b", []byte("nested")); err != nil {
		t.Fatalf("set key with slash: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "a%2Fb" {
		t.Fatalf("expected one escaped file, got %v", entries)
	}
	if _, err := kv.Get(context.Background(), ".."); err == nil {
		t.Fatalf("expected dot-dot key to be rejected")
	}
}

func TestSQLiteKV(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{Driver: "sqlite3"},
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "kv.db")},
		},
	}
	kv, err := Open(cfg)
	if err != nil {
		t.Fatalf("open sqlite kv: %v", err)
	}
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(&config.Config{Storage: config.StorageConfig{Driver: "tape"}})
	if err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestDialectDSN(t *testing.T) {
	d, key, err := lookupDialect("MySQL")
	if err != nil || key != "mysql" {
		t.Fatalf("lookup mysql: %q %v", key, err)
	}
	dsn, err := d.dsn(config.DatabaseConfig{Username: "shop", Password: "pw", Host: "db", Port: 3306, DBName: "assist", Params: "parseTime=true"})
	if err != nil {
		t.Fatalf("mysql dsn: %v", err)
	}
	if dsn != "shop:pw@tcp(db:3306)/assist?parseTime=true" {
		t.Fatalf("unexpected dsn %q", dsn)
	}

	d, key, _ = lookupDialect("sqlite")
	if key != "sqlite3" {
		t.Fatalf("sqlite alias resolved to %q", key)
	}
	if _, err := d.dsn(config.DatabaseConfig{}); err == nil {
		t.Fatalf("expected error for empty sqlite dsn")
	}
	if _, _, err := lookupDialect("postgres"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestRedisKV(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed storage tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	kv, err := Open(&config.Config{
		Storage: config.StorageConfig{Driver: "redis"},
		Redis:   config.RedisConfig{Host: host, Port: port},
	})
	if err != nil {
		t.Fatalf("open redis kv: %v", err)
	}
	defer kv.Close()
	_ = kv.Delete(context.Background(), "missing")
	exerciseKV(t, kv)
}
