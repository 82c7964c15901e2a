package sweeper

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/db"
)

func setupTestDB(t *testing.T) (*db.Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "keynote-sweeper-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tmpDir, "cookies.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	return database, func() {
		database.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestSweepNow(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	past := time.Now().Add(-time.Minute)
	database.SaveCookie(db.Cookie{Origin: "http://localhost", Name: "stale", Value: "1", Path: "/", Expires: &past})
	database.SaveCookie(db.Cookie{Origin: "http://localhost", Name: "live", Value: "2", Path: "/"})

	s := New(database, Config{Interval: time.Hour})
	n, err := s.SweepNow()
	if err != nil {
		t.Fatalf("SweepNow failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 cookie purged, got %d", n)
	}
}

func TestServiceSweepsOnStart(t *testing.T) {
	database, cleanup := setupTestDB(t)
	defer cleanup()

	past := time.Now().Add(-time.Minute)
	database.SaveCookie(db.Cookie{Origin: "http://localhost", Name: "stale", Value: "1", Path: "/", Expires: &past})

	s := New(database, Config{Interval: 20 * time.Millisecond})
	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()
	s.Stop()

	c, err := database.GetCookie("http://localhost", "stale", "/")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if c != nil {
		t.Error("Expected stale cookie to be purged by the running service")
	}
}
