package credential

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"backendlink/internal/logging"
)

func testLogger() *logging.Logger {
	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)
	return logger
}

func TestSaveLoad_MemoryStoreKeepsRefreshTokenWhenOmitted(t *testing.T) {
	store := NewMemoryStore(Credential{SessionToken: "s1", RefreshToken: "r1"})

	if err := Save(store, Credential{SessionToken: "s2"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	cred, ok, err := Load(store)
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	if cred.SessionToken != "s2" || cred.RefreshToken != "r1" {
		t.Fatalf("credential = %#v", cred)
	}
}

func TestLoad_MissingSessionTokenIsNotAnError(t *testing.T) {
	store := NewMemoryStore(Credential{})
	_ = store.Write(KeyRefreshToken, "orphan")

	_, ok, err := Load(store)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Fatalf("Load() ok = true without a session token")
	}
}

func TestSave_RejectsEmptySessionToken(t *testing.T) {
	if err := Save(NewMemoryStore(Credential{}), Credential{SessionToken: "  "}); err == nil {
		t.Fatalf("Save() expected error for blank session token")
	}
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile", "credentials.json")

	first, err := NewFileStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	if err := Save(first, Credential{SessionToken: "sess", RefreshToken: "ref"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if runtime.GOOS != "windows" {
		info, statErr := os.Stat(path)
		if statErr != nil {
			t.Fatalf("Stat() error = %v", statErr)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("file mode = %o, want 600", perm)
		}
	}

	second, err := NewFileStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() reopen error = %v", err)
	}
	cred, ok, err := Load(second)
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	if cred.SessionToken != "sess" || cred.RefreshToken != "ref" {
		t.Fatalf("credential = %#v", cred)
	}

	if err := Clear(second); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, ok, _ := Load(second); ok {
		t.Fatalf("Load() after Clear() ok = true")
	}
}

func TestFileStore_ClosedStoreRejectsAccess(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"), testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	_ = store.Close()
	if _, _, err := store.Read(KeySessionToken); err != ErrStoreClosed {
		t.Fatalf("Read() error = %v, want ErrStoreClosed", err)
	}
	if err := store.Write(KeySessionToken, "x"); err != ErrStoreClosed {
		t.Fatalf("Write() error = %v, want ErrStoreClosed", err)
	}
}

func TestFileStore_WatchReloadsExternalWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store, err := NewFileStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 4)
	go func() {
		_ = store.Watch(ctx, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	payload, _ := json.Marshal(map[string]string{KeySessionToken: "from-elsewhere"})
	deadline := time.After(5 * time.Second)
	for {
		// Rewrite until the watcher is registered and reports the change.
		if err := os.WriteFile(path, payload, 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
		select {
		case <-changed:
			value, ok, _ := store.Read(KeySessionToken)
			if !ok || value != "from-elsewhere" {
				t.Fatalf("session token = %q (ok=%v), want from-elsewhere", value, ok)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("watcher did not report external write")
		}
	}
}
