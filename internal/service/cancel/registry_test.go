package cancel_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhouzirui/localchat/backend/internal/service/cancel"
)

func TestCheckAndClearFiresOnce(t *testing.T) {
	registry := cancel.NewRegistry()
	registry.Mark("m1")
	registry.Mark("m1")

	assert.Equal(t, 1, registry.Len())
	assert.True(t, registry.CheckAndClear("m1"))
	assert.False(t, registry.CheckAndClear("m1"))
	assert.Equal(t, 0, registry.Len())
}

func TestMarksAreIsolatedPerID(t *testing.T) {
	registry := cancel.NewRegistry()
	registry.Mark("a")

	assert.False(t, registry.CheckAndClear("b"))
	assert.True(t, registry.CheckAndClear("a"))
}

func TestEmptyIDIsIgnored(t *testing.T) {
	registry := cancel.NewRegistry()
	registry.Mark("")
	assert.Equal(t, 0, registry.Len())
}

func TestConcurrentCheckersObserveSingleMark(t *testing.T) {
	registry := cancel.NewRegistry()
	registry.Mark("hot")

	var fired atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if registry.CheckAndClear("hot") {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
}
