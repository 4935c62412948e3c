package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/chatgate/internal/routing"
)

const catalogYAML = `
models:
  - id: gpt-4
    primary_provider: openrouter
    providers:
      - name: OpenRouter
        model_id: openai/gpt-4
        priority: 2
        enabled: true
      - name: together
        model_id: gpt-4-turbo
        priority: 1
        enabled: true
  - id: llama-3-70b
    providers:
      - name: cerebras
        model_id: llama3.1-70b
        priority: 1
        enabled: false
`

func writeCatalog(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileSource_GetModel(t *testing.T) {
	src, err := NewFileSource(writeCatalog(t, t.TempDir(), catalogYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, src.Len())

	m, err := src.GetModel(context.Background(), "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", m.PrimaryProvider)
	require.Len(t, m.Providers, 2)
	assert.Equal(t, "openrouter", m.Providers[0].Name)
	assert.Equal(t, "openai/gpt-4", m.Providers[0].ModelID)

	// callers get a copy
	m.Providers[0].Enabled = false
	again, _ := src.GetModel(context.Background(), "gpt-4")
	assert.True(t, again.Providers[0].Enabled)

	_, err = src.GetModel(context.Background(), "nope")
	assert.ErrorIs(t, err, routing.ErrModelNotFound)
}

func TestFileSource_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"bad yaml":      "models: [",
		"missing id":    "models:\n  - providers: []\n",
		"duplicate id":  "models:\n  - id: a\n  - id: a\n",
		"provider name": "models:\n  - id: a\n    providers:\n      - model_id: x\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewFileSource(writeCatalog(t, dir, content))
			assert.Error(t, err)
		})
	}

	_, err := NewFileSource(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestFileSource_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	src, err := NewFileSource(writeCatalog(t, dir, catalogYAML))
	require.NoError(t, err)

	writeCatalog(t, dir, "models: [")
	assert.Error(t, src.Reload())
	assert.Equal(t, 2, src.Len())

	writeCatalog(t, dir, "models:\n  - id: only\n")
	require.NoError(t, src.Reload())
	assert.Equal(t, 1, src.Len())
}

func TestRouterWithFileSource(t *testing.T) {
	src, err := NewFileSource(writeCatalog(t, t.TempDir(), catalogYAML))
	require.NoError(t, err)
	r := routing.NewRouter(src)

	chain := r.ChainForModel(context.Background(), "gpt-4", "")
	assert.Equal(t, []string{"together", "openrouter"}, routing.Providers(chain))
	assert.Equal(t, routing.OriginRegistry, chain[0].Origin)

	// no enabled providers falls back to the legacy chain
	chain = r.ChainForModel(context.Background(), "llama-3-70b", "cerebras")
	assert.Equal(t, routing.OriginLegacy, chain[0].Origin)
	assert.Equal(t, "cerebras", chain[0].Provider)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	src, err := NewFileSource(writeCatalog(t, dir, catalogYAML))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var reloads atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, src, 20*time.Millisecond, nil, func() { reloads.Add(1) })
	}()
	time.Sleep(100 * time.Millisecond)

	writeCatalog(t, dir, "models:\n  - id: only\n")

	assert.Eventually(t, func() bool { return src.Len() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, reloads.Load(), int32(1))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

type countingRegistry struct {
	calls atomic.Int32
	model *routing.CanonicalModel
	err   error
}

func (r *countingRegistry) GetModel(context.Context, string) (*routing.CanonicalModel, error) {
	r.calls.Add(1)
	return r.model, r.err
}

func TestCache_HitsAndExpiry(t *testing.T) {
	next := &countingRegistry{model: &routing.CanonicalModel{ID: "gpt-4", Providers: []routing.CanonicalProvider{{Name: "together", Enabled: true}}}}
	c := NewCache(next, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	m, err := c.GetModel(ctx, "gpt-4")
	require.NoError(t, err)
	m.Providers[0].Name = "mutated"

	m, err = c.GetModel(ctx, "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, "together", m.Providers[0].Name)
	assert.Equal(t, int32(1), next.calls.Load())

	now = now.Add(2 * time.Minute)
	_, _ = c.GetModel(ctx, "gpt-4")
	assert.Equal(t, int32(2), next.calls.Load())

	c.Invalidate("gpt-4")
	_, _ = c.GetModel(ctx, "gpt-4")
	assert.Equal(t, int32(3), next.calls.Load())

	c.InvalidateAll()
	_, _ = c.GetModel(ctx, "gpt-4")
	assert.Equal(t, int32(4), next.calls.Load())
}

func TestCache_MissesCachedErrorsNot(t *testing.T) {
	ctx := context.Background()

	missing := &countingRegistry{err: routing.ErrModelNotFound}
	c := NewCache(missing, time.Minute)
	for i := 0; i < 3; i++ {
		_, err := c.GetModel(ctx, "x")
		assert.ErrorIs(t, err, routing.ErrModelNotFound)
	}
	assert.Equal(t, int32(1), missing.calls.Load())

	failing := &countingRegistry{err: errors.New("db down")}
	c = NewCache(failing, time.Minute)
	for i := 0; i < 3; i++ {
		_, err := c.GetModel(ctx, "x")
		assert.EqualError(t, err, "db down")
	}
	assert.Equal(t, int32(3), failing.calls.Load())
}

type fakeRows struct {
	rows [][]any
	i    int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.i-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.i >= len(r.rows) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.i-1]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *int:
			*v = row[i].(int)
		case *bool:
			*v = row[i].(bool)
		}
	}
	return nil
}

type fakeDB struct {
	rows *fakeRows
	err  error
	args []any
}

func (d *fakeDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	d.args = args
	if d.err != nil {
		return nil, d.err
	}
	return d.rows, nil
}

func TestPostgresSource_GetModel(t *testing.T) {
	db := &fakeDB{rows: &fakeRows{rows: [][]any{
		{"gpt-4", "openrouter", "together", "gpt-4-turbo", 1, true},
		{"gpt-4", "openrouter", "openrouter", "openai/gpt-4", 2, true},
	}}}

	m, err := NewPostgresSource(db).GetModel(context.Background(), "gpt-4")
	require.NoError(t, err)
	assert.Equal(t, []any{"gpt-4"}, db.args)
	assert.Equal(t, "gpt-4", m.ID)
	assert.Equal(t, "openrouter", m.PrimaryProvider)
	require.Len(t, m.Providers, 2)
	assert.Equal(t, routing.CanonicalProvider{Name: "together", ModelID: "gpt-4-turbo", Priority: 1, Enabled: true}, m.Providers[0])
}

func TestPostgresSource_Errors(t *testing.T) {
	_, err := NewPostgresSource(&fakeDB{rows: &fakeRows{}}).GetModel(context.Background(), "x")
	assert.ErrorIs(t, err, routing.ErrModelNotFound)

	boom := errors.New("boom")
	_, err = NewPostgresSource(&fakeDB{err: boom}).GetModel(context.Background(), "x")
	assert.ErrorIs(t, err, boom)

	_, err = NewPostgresSource(&fakeDB{rows: &fakeRows{err: boom}}).GetModel(context.Background(), "x")
	assert.ErrorIs(t, err, boom)
}
