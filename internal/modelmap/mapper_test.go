package modelmap

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_Fallback(t *testing.T) {
	m := New()

	assert.Equal(t, "claude-3-5-haiku-20241022", m.Resolve("tinyy-model"))
	assert.Equal(t, "some-unknown-model", m.Resolve("some-unknown-model"), "unmapped aliases pass through unchanged")
	assert.Equal(t, "", m.Resolve(""))
}

func TestSetMapping_OverridesAndKeepsDefaults(t *testing.T) {
	m := New()
	m.SetMapping(map[string]string{
		"tinyy-model": "claude-custom-1",
		"my-alias":    "claude-custom-2",
	})

	assert.Equal(t, "claude-custom-1", m.Resolve("tinyy-model"))
	assert.Equal(t, "claude-custom-2", m.Resolve("my-alias"))
	assert.Equal(t, "claude-opus-4-20250514", m.Resolve("claude-opus"), "defaults survive a partial mapping")

	// a fresh mapper is unaffected
	assert.Equal(t, "claude-3-5-haiku-20241022", New().Resolve("tinyy-model"))
}

func TestSetMapping_ReplacesPreviousOverlay(t *testing.T) {
	m := New()
	m.SetMapping(map[string]string{"my-alias": "claude-custom"})
	m.SetMapping(map[string]string{"other": "claude-other"})

	assert.Equal(t, "my-alias", m.Resolve("my-alias"))
	assert.Equal(t, "claude-other", m.Resolve("other"))
}

func TestSetMapping_DoesNotAliasCallerMap(t *testing.T) {
	m := New()
	partial := map[string]string{"a": "x"}
	m.SetMapping(partial)
	partial["a"] = "y"

	assert.Equal(t, "x", m.Resolve("a"))
}

func TestIsReasoningAlias(t *testing.T) {
	m := New()

	for _, alias := range []string{"claude-thinking", "claude-sonnet-thinking", "claude-opus-thinking"} {
		assert.True(t, m.IsReasoningAlias(alias), alias)
	}

	for _, alias := range []string{"claude-sonnet", "tinyy-model", "gpt-4o", ""} {
		assert.False(t, m.IsReasoningAlias(alias), alias)
	}
}

func TestSnapshotAndAliases(t *testing.T) {
	m := New()
	snap := m.Snapshot()
	snap["tinyy-model"] = "mutated"

	assert.Equal(t, "claude-3-5-haiku-20241022", m.Resolve("tinyy-model"))
	assert.Contains(t, m.Aliases(), "tinyy-model")
	assert.IsIncreasing(t, m.Aliases())
}

func TestMapper_ConcurrentResolveAndSet(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			for j := 0; j < 200; j++ {
				_ = m.Resolve("tinyy-model")
			}
		}()

		go func(i int) {
			defer wg.Done()

			for j := 0; j < 50; j++ {
				m.SetMapping(map[string]string{"tinyy-model": fmt.Sprintf("model-%d-%d", i, j)})
			}
		}(i)
	}

	wg.Wait()
	assert.Contains(t, m.Resolve("tinyy-model"), "model-")
}
