package stores

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mqfleet/mqfleet/pkg/jobboard/jobboardtest"
)

func TestBoltBoardConformance(t *testing.T) {
	jobboardtest.Run(t, func(t *testing.T) jobboardtest.Backend {
		store, err := NewBoltStore(filepath.Join(t.TempDir(), "board.db"), 10*time.Millisecond)
		if err != nil {
			t.Fatalf("failed to open bolt store: %v", err)
		}
		return store
	})
}
