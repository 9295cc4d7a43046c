package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/devlift/sdlcflow/store"
	"github.com/devlift/sdlcflow/store/test"
)

func Test_SqliteStore(t *testing.T) {
	test.StoreTest(t, func() store.Store {
		return NewInMemoryStore()
	}, nil)
}

func Test_FileSqliteStore(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	test.StoreTest(t, func() store.Store {
		return NewSqliteStore(filepath.Join(t.TempDir(), "sdlcflow.db"))
	}, nil)
}
