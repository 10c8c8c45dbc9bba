package plan

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := NewDefaultCatalog()
	require.NoError(t, err)

	assert.Equal(t, []domain.Action{
		domain.ActionCreate, domain.ActionExport, domain.ActionIngest, domain.ActionList,
		domain.ActionProcess, domain.ActionSend, domain.ActionSummarize, domain.ActionVendor,
	}, c.Actions())

	create, ok := c.Lookup(domain.ActionCreate)
	require.True(t, ok)
	require.Len(t, create.Steps, 3)
	assert.Equal(t, Step{Adapter: "run_ocr", Gate: GateNone}, create.Steps[0])
	assert.Equal(t, Step{Adapter: "normalize_fields", Gate: GateFields}, create.Steps[1])
	assert.Equal(t, Step{Adapter: "create_invoice", Gate: GateNone, SideEffect: true}, create.Steps[2])

	process, ok := c.Lookup(domain.ActionProcess)
	require.True(t, ok)
	assert.Len(t, process.Steps, 6)
	assert.Equal(t, GateInvoice, process.Steps[3].Gate)

	_, ok = c.Lookup(domain.ActionUnknown)
	assert.False(t, ok)
}

func TestLookup_ReturnsCopy(t *testing.T) {
	c, err := NewDefaultCatalog()
	require.NoError(t, err)

	p, _ := c.Lookup(domain.ActionCreate)
	p.Steps[0].Adapter = "mutated"

	again, _ := c.Lookup(domain.ActionCreate)
	assert.Equal(t, "run_ocr", again.Steps[0].Adapter)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "plans: ["},
		{"empty", "plans: {}"},
		{"no steps", "plans:\n  send: []"},
		{"missing adapter", "plans:\n  send:\n    - gate: none"},
		{"bad gate", "plans:\n  send:\n    - adapter: x\n      gate: maybe"},
		{"gated side effect", "plans:\n  send:\n    - adapter: x\n      gate: fields\n      side_effect: true"},
		{"unknown action", "plans:\n  unknown:\n    - adapter: x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestCatalog_Adapters(t *testing.T) {
	plans, err := Parse([]byte("plans:\n  send:\n    - adapter: b\n    - adapter: a\n  export:\n    - adapter: a\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, NewCatalog(plans).Adapters())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plans:\n  send:\n    - adapter: send_reminder\n"), 0o644))

	plans, err := LoadFile(path)
	require.NoError(t, err)
	c := NewCatalog(plans)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var failed atomic.Int32
	require.NoError(t, Watch(ctx, path, c, func(err error) {
		if err != nil {
			failed.Add(1)
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte("plans:\n  send:\n    - adapter: check_vendor\n    - adapter: send_reminder\n"), 0o644))

	assert.Eventually(t, func() bool {
		p, ok := c.Lookup(domain.ActionSend)
		return ok && len(p.Steps) == 2
	}, 2*time.Second, 20*time.Millisecond)

	// a broken document keeps the last good plans
	before := failed.Load()
	require.NoError(t, os.WriteFile(path, []byte("plans: ["), 0o644))
	assert.Eventually(t, func() bool { return failed.Load() > before }, 2*time.Second, 20*time.Millisecond)

	p, ok := c.Lookup(domain.ActionSend)
	require.True(t, ok)
	assert.Len(t, p.Steps, 2)
}
