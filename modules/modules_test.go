package modules_test

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/questline/questline/config/params"
	"github.com/questline/questline/modules"
	"github.com/questline/questline/testing/assert"
	"github.com/questline/questline/testing/require"
)

type fakeModule struct {
	name     string
	initErr  error
	statsErr error
	resetErr error
	calls    *[]string
}

func (f *fakeModule) Name() string { return f.name }

func (f *fakeModule) Init(_ context.Context, _ *modules.Context) error {
	*f.calls = append(*f.calls, "init:"+f.name)
	return f.initErr
}

func (f *fakeModule) UserStats(_ context.Context, _ string) (map[string]interface{}, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	return map[string]interface{}{"module": f.name}, nil
}

func (f *fakeModule) ResetUser(_ context.Context, _ string) error {
	*f.calls = append(*f.calls, "reset:"+f.name)
	return f.resetErr
}

func (f *fakeModule) Shutdown(_ context.Context) error {
	*f.calls = append(*f.calls, "shutdown:"+f.name)
	return nil
}

func TestRegistry_DuplicateName(t *testing.T) {
	var calls []string
	r := modules.NewRegistry()
	require.NoError(t, r.Register(&fakeModule{name: "points", calls: &calls}))
	err := r.Register(&fakeModule{name: "points", calls: &calls})
	assert.ErrorIs(t, err, modules.ErrDuplicateModule)
}

func TestRegistry_InitInOrderShutdownInReverse(t *testing.T) {
	var calls []string
	r := modules.NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register(&fakeModule{name: name, calls: &calls}))
	}
	require.NoError(t, r.InitAll(context.Background(), &modules.Context{}))
	require.NoError(t, r.ShutdownAll(context.Background()))

	want := []string{"init:a", "init:b", "init:c", "shutdown:c", "shutdown:b", "shutdown:a"}
	require.DeepEqual(t, want, calls)
}

func TestRegistry_RegisterAfterInitFails(t *testing.T) {
	var calls []string
	r := modules.NewRegistry()
	require.NoError(t, r.Register(&fakeModule{name: "a", calls: &calls}))
	require.NoError(t, r.InitAll(context.Background(), &modules.Context{}))
	err := r.Register(&fakeModule{name: "b", calls: &calls})
	assert.ErrorContains(t, "after init", err)
}

func TestRegistry_UserStatsCollectsErrorsPerModule(t *testing.T) {
	var calls []string
	r := modules.NewRegistry()
	require.NoError(t, r.Register(&fakeModule{name: "ok", calls: &calls}))
	require.NoError(t, r.Register(&fakeModule{name: "down", statsErr: errors.New("boom"), calls: &calls}))

	stats := r.UserStats(context.Background(), "u1")
	require.Equal(t, 2, len(stats))
	okStats, _ := stats["ok"].(map[string]interface{})
	assert.Equal(t, "ok", okStats["module"])
	downStats, _ := stats["down"].(map[string]interface{})
	assert.Equal(t, "boom", downStats["error"])
}

func TestRegistry_ResetUserContinuesPastFailures(t *testing.T) {
	var calls []string
	r := modules.NewRegistry()
	require.NoError(t, r.Register(&fakeModule{name: "bad", resetErr: errors.New("nope"), calls: &calls}))
	require.NoError(t, r.Register(&fakeModule{name: "good", calls: &calls}))

	err := r.ResetUser(context.Background(), "u1")
	assert.ErrorContains(t, "nope", err)
	require.DeepEqual(t, []string{"reset:bad", "reset:good"}, calls)
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := modules.NewRegistry()
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, modules.ErrUnknownModule)
}

func TestContextKeyUsesNamespace(t *testing.T) {
	params.SetupTestConfigCleanup(t)
	c := params.Config().Copy()
	c.Namespace = "qtest"
	params.OverrideConfig(c)

	mctx := &modules.Context{}
	assert.Equal(t, "qtest:points:user:u1:total", mctx.Key("points", "user", "u1", "total"))
}

func TestValidUserID(t *testing.T) {
	assert.Equal(t, true, modules.ValidUserID("user-42"))
	assert.Equal(t, false, modules.ValidUserID(""))
	assert.Equal(t, false, modules.ValidUserID("has space"))
	assert.Equal(t, false, modules.ValidUserID("tab\there"))
	// Key separator and glob metacharacters would leak into storage
	// patterns, so they are rejected outright.
	assert.Equal(t, false, modules.ValidUserID("a:b"))
	assert.Equal(t, false, modules.ValidUserID("u*"))
	assert.Equal(t, false, modules.ValidUserID("u?"))
	long := make([]byte, modules.MaxUserIDLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Equal(t, false, modules.ValidUserID(string(long)))
	assert.NoError(t, modules.CheckUserID("ok"))
	assert.ErrorIs(t, modules.CheckUserID(""), modules.ErrInvalidUserID)
}
