// SPDX-License-Identifier: MIT

package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func withEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("dir", func(t *testing.T) {
		s, err := OpenDir(filepath.Join(t.TempDir(), "artifacts"))
		if err != nil {
			t.Fatalf("OpenDir failed: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})

	t.Run("zip", func(t *testing.T) {
		s, err := OpenZip(filepath.Join(t.TempDir(), "artifacts.zip"), ModeWrite)
		if err != nil {
			t.Fatalf("OpenZip failed: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func TestStoreRoundTrip(t *testing.T) {
	withEachStore(t, func(t *testing.T, s Store) {
		if err := s.Set("junit.xml", []byte("<testsuite/>")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := s.Set("logs/pytest.log", []byte("12 passed")); err != nil {
			t.Fatalf("Set nested failed: %v", err)
		}

		got, err := s.Get("junit.xml")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != "<testsuite/>" {
			t.Errorf("Get = %q", got)
		}

		keys, err := s.Keys()
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		if len(keys) != 2 || keys[0] != "junit.xml" || keys[1] != "logs/pytest.log" {
			t.Errorf("Keys = %v", keys)
		}

		if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get missing = %v, want ErrNotFound", err)
		}
	})
}

func TestStoreRejectsHostileKeys(t *testing.T) {
	withEachStore(t, func(t *testing.T, s Store) {
		hostile := []string{
			"",
			"../escape",
			"a/../../escape",
			"/etc/passwd",
			"a\\b",
			"a//b",
			"./a",
		}
		for _, key := range hostile {
			if err := s.Set(key, []byte("x")); err == nil {
				t.Errorf("Set(%q) accepted a hostile key", key)
			}
		}
	})
}

func TestDirStoreGetConfinesKeys(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDir(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("OpenDir failed: %v", err)
	}

	secret := filepath.Join(dir, "secret.txt")
	if err := os.WriteFile(secret, []byte("nope"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}

	if _, err := s.Get("../secret.txt"); err == nil {
		t.Fatal("Get escaped the store root")
	}
}

func TestDirStoreSize(t *testing.T) {
	s, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDir failed: %v", err)
	}
	if err := s.Set("blob", make([]byte, 2048)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	n, err := s.Size("blob")
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if n != 2048 {
		t.Errorf("Size = %d, want 2048", n)
	}
	if _, err := s.Size("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Size missing = %v", err)
	}
}

func TestZipStorePublishAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts.zip")

	w, err := OpenZip(path, ModeWrite)
	if err != nil {
		t.Fatalf("OpenZip write failed: %v", err)
	}
	if err := w.Set("junit.xml", []byte("<testsuite/>")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := w.Set("logs/pytest.log", []byte("12 passed")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Nothing on disk until Close publishes atomically.
	if _, err := os.Stat(path); err == nil {
		t.Fatal("archive visible before Close")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := OpenZip(path, ModeRead)
	if err != nil {
		t.Fatalf("OpenZip read failed: %v", err)
	}
	defer r.Close()

	keys, err := r.Keys()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("Keys = %v", keys)
	}
	data, err := r.Get("logs/pytest.log")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "12 passed" {
		t.Errorf("Get = %q", data)
	}

	if err := r.Set("x", nil); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Set on read store = %v, want ErrReadOnly", err)
	}

	n, err := r.Size("junit.xml")
	if err != nil || n != int64(len("<testsuite/>")) {
		t.Errorf("Size = (%d, %v)", n, err)
	}
}

func TestOpenPicksStoreByExtension(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(filepath.Join(dir, "plain"), ModeWrite)
	if err != nil {
		t.Fatalf("Open dir failed: %v", err)
	}
	if _, ok := s.(*DirStore); !ok {
		t.Errorf("Open returned %T for a directory path", s)
	}

	z, err := Open(filepath.Join(dir, "packed.zip"), ModeWrite)
	if err != nil {
		t.Fatalf("Open zip failed: %v", err)
	}
	if _, ok := z.(*ZipStore); !ok {
		t.Errorf("Open returned %T for a .zip path", z)
	}
}
