package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/config"
	"github.com/JakeFAU/upwork-harvester/internal/harvest"
	"github.com/JakeFAU/upwork-harvester/internal/orchestrator"
)

type fakeApp struct {
	cfg      config.Config
	enqueued []string
	closed   bool
	runErr   error
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func (f *fakeApp) Run(context.Context) (orchestrator.Summary, error) {
	return orchestrator.Summary{Claimed: 3, Done: 2, Failed: 1}, f.runErr
}

func (f *fakeApp) Sweep(context.Context) (int, error) { return 4, nil }

func (f *fakeApp) Login(context.Context) (harvest.Session, error) {
	return harvest.Session{Generation: 1, Valid: true}, nil
}

func (f *fakeApp) Enqueue(_ context.Context, ids ...string) (int, error) {
	f.enqueued = append(f.enqueued, ids...)
	return len(ids), nil
}

func (f *fakeApp) Counts(context.Context) (map[harvest.Status]int, error) {
	return map[harvest.Status]int{harvest.StatusPending: 5, harvest.StatusDone: 7}, nil
}

func (f *fakeApp) Close() { f.closed = true }

func withFakeApp(t *testing.T, fake *fakeApp) {
	t.Helper()
	origApp, origLoad := newApp, loadConfig
	t.Cleanup(func() { newApp, loadConfig = origApp, origLoad })
	loadConfig = func(string) (config.Config, error) { return config.Config{}, nil }
	newApp = func(_ context.Context, cfg config.Config) (App, error) {
		fake.cfg = cfg
		return fake, nil
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunOnceFlagAndSummary(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	out, err := execute(t, "run", "--once")
	require.NoError(t, err)
	require.True(t, fake.cfg.Run.Once)
	require.Contains(t, out, `"done": 2`)
	require.True(t, fake.closed)
}

func TestRunReturnsFatalErrors(t *testing.T) {
	fake := &fakeApp{runErr: errors.New("run harvest: establish session: refresh failed")}
	withFakeApp(t, fake)

	_, err := execute(t, "run")
	require.ErrorContains(t, err, "establish session")
}

func TestEnqueueStatusSweepLogin(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	out, err := execute(t, "enqueue", "~01a", "~01b")
	require.NoError(t, err)
	require.Equal(t, []string{"~01a", "~01b"}, fake.enqueued)
	require.Contains(t, out, "enqueued 2 of 2 items")

	out, err = execute(t, "status")
	require.NoError(t, err)
	require.Contains(t, out, "done     7")
	require.Contains(t, out, "pending  5")

	out, err = execute(t, "sweep")
	require.NoError(t, err)
	require.Contains(t, out, "reset 4 stale items")

	out, err = execute(t, "login")
	require.NoError(t, err)
	require.Contains(t, out, "session generation 1")
}

func TestEnqueueRequiresIDs(t *testing.T) {
	withFakeApp(t, &fakeApp{})
	_, err := execute(t, "enqueue")
	require.Error(t, err)
}

func TestConfigErrorsSurface(t *testing.T) {
	withFakeApp(t, &fakeApp{})
	loadConfig = func(string) (config.Config, error) { return config.Config{}, errors.New("boom") }
	_, err := execute(t, "status")
	require.ErrorContains(t, err, "load config")
}
