package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

type period struct {
	Period int64 `json:"period"`
}

func testStores(t *testing.T) map[string]BlobStore {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "busdash.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return map[string]BlobStore{
		"memory": NewMemory(),
		"sqlite": db,
	}
}

func TestBlobStore_SetGetDelete(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
			}

			if err := s.Set("k", []byte("v1")); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if err := s.Set("k", []byte("v2")); err != nil {
				t.Fatalf("Set() overwrite error = %v", err)
			}
			got, err := s.Get("k")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got) != "v2" {
				t.Errorf("Get() = %q, want v2", got)
			}

			if err := s.Delete("k"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := s.Get("k"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
			}
			if err := s.Delete("k"); err != nil {
				t.Errorf("Delete() of unknown key error = %v", err)
			}
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			var p period
			found, err := GetJSON(s, "x_widget", &p)
			if err != nil || found {
				t.Fatalf("GetJSON(unknown) = %v, %v; want false, nil", found, err)
			}

			if err := SetJSON(s, "x_widget", period{Period: 900000}); err != nil {
				t.Fatalf("SetJSON() error = %v", err)
			}
			found, err = GetJSON(s, "x_widget", &p)
			if err != nil || !found {
				t.Fatalf("GetJSON() = %v, %v", found, err)
			}
			if p.Period != 900000 {
				t.Errorf("Period = %d, want 900000", p.Period)
			}
		})
	}
}

func TestGetJSON_CorruptBlob(t *testing.T) {
	s := NewMemory()
	_ = s.Set("broken", []byte("{not json"))

	var p period
	_, err := GetJSON(s, "broken", &p)
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("GetJSON() error = %v, want PersistenceError", err)
	}
	if perr.Op != "decode" || perr.Key != "broken" {
		t.Errorf("PersistenceError = %+v", perr)
	}
}
