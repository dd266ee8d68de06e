package store_test

import (
	"testing"

	"github.com/signalnine/benchloop/internal/store"
	"github.com/signalnine/benchloop/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}
