package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zion-terranova/ziond/services/blockchain"
	"github.com/zion-terranova/ziond/ulogger"
)

func TestTemplateChangeDetection(t *testing.T) {
	node := newFakeNode()
	tm := NewTemplateManager(ulogger.TestLogger{}, node, poolTestAddress(1), time.Hour)

	var changes []*blockchain.BlockTemplate
	tm.OnChange(func(tpl *blockchain.BlockTemplate) {
		changes = append(changes, tpl)
	})

	node.template = testTemplate(10, 1000)
	tm.refresh()
	require.Len(t, changes, 1, "first template is a change")

	// Same height and prev hash: no change.
	tm.refresh()
	assert.Len(t, changes, 1)

	// New height: change.
	node.template = testTemplate(11, 1000)
	tm.refresh()
	require.Len(t, changes, 2)
	assert.Equal(t, uint64(11), changes[1].Height)

	// Same height, different prev hash: change.
	tpl := testTemplate(11, 1000)
	tpl.PrevHash = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	node.template = tpl
	tm.refresh()
	assert.Len(t, changes, 3)
}

func TestTemplateCurrentForcesRefreshWhenStale(t *testing.T) {
	node := newFakeNode()
	// Interval of zero nanoseconds never happens in production; use a tiny
	// one so the cached template is immediately stale.
	tm := NewTemplateManager(ulogger.TestLogger{}, node, poolTestAddress(1), time.Nanosecond)

	node.template = testTemplate(10, 1000)
	tm.refresh()

	node.template = testTemplate(20, 1000)
	time.Sleep(time.Millisecond)

	tpl, err := tm.Current()
	require.NoError(t, err)
	assert.Equal(t, uint64(20), tpl.Height, "stale template must be force-refreshed")
}

func TestTemplateCurrentErrorsWithNoTemplate(t *testing.T) {
	node := newFakeNode() // template stays nil
	tm := NewTemplateManager(ulogger.TestLogger{}, node, poolTestAddress(1), time.Hour)

	_, err := tm.Current()
	assert.Error(t, err)
}

func TestTemplateHeight(t *testing.T) {
	node := newFakeNode()
	tm := NewTemplateManager(ulogger.TestLogger{}, node, poolTestAddress(1), time.Hour)
	assert.Zero(t, tm.Height())

	node.template = testTemplate(42, 1000)
	tm.refresh()
	assert.Equal(t, uint64(42), tm.Height())
}
