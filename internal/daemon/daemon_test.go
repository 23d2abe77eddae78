package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/wutzup/internal/api"
	"github.com/matheus3301/wutzup/internal/bus"
	"github.com/matheus3301/wutzup/internal/connectivity"
	"github.com/matheus3301/wutzup/internal/lock"
	"github.com/matheus3301/wutzup/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

// offline is a path source that reports no usable network.
type offline struct{}

func (offline) Paths(ctx context.Context) <-chan connectivity.Path {
	ch := make(chan connectivity.Path, 1)
	ch <- connectivity.Path{Link: connectivity.LinkNone}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

// shortTempDir keeps socket paths under the 104-char Unix socket limit on macOS.
func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func testParams(t *testing.T) Params {
	t.Helper()
	home := shortTempDir(t, "wutzup-home-*")
	t.Setenv(profile.HomeEnv, home)
	return Params{
		ProfileName: "test",
		SocketPath:  filepath.Join(home, "d.sock"),
		ConfigPath:  filepath.Join(home, "config.toml"),
		Paths:       offline{},
	}
}

func dialDaemon(t *testing.T, p Params) *api.Client {
	t.Helper()
	client, err := api.Dial(p.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func mustCall(t *testing.T, client *api.Client, method string, req map[string]any) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Call(ctx, method, req)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return resp
}

func TestDaemonLifecycle(t *testing.T) {
	p := testParams(t)
	app := fxtest.New(t, Module(p), fx.NopLogger)
	app.RequireStart()

	client := dialDaemon(t, p)
	defer func() { _ = client.Close() }()

	resp := mustCall(t, client, api.MethodGetStatus, nil)
	if resp["profile"] != "test" || resp["app_state"] != "foreground" {
		t.Errorf("status = %v, want profile test in foreground", resp)
	}
	if resp["backend_connected"] != false {
		t.Errorf("backend_connected = %v, want false", resp["backend_connected"])
	}

	sent := mustCall(t, client, api.MethodSendText, map[string]any{"conversation_id": "c1", "body": "offline hello"})
	if st := sent["message"].(map[string]any)["status"]; st != "sending" {
		t.Errorf("status = %v, want sending", st)
	}

	queue := mustCall(t, client, api.MethodListQueue, nil)
	if n := len(queue["entries"].([]any)); n != 1 {
		t.Errorf("queue has %d entries, want 1", n)
	}

	// The mirror persists the optimistic message.
	deadline := time.Now().Add(2 * time.Second)
	for {
		listed := mustCall(t, client, api.MethodListMessages, map[string]any{"conversation_id": "c1"})
		if len(listed["messages"].([]any)) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("message never mirrored")
		}
		time.Sleep(20 * time.Millisecond)
	}

	mustCall(t, client, api.MethodSetAppState, map[string]any{"state": "background"})
	fg := mustCall(t, client, api.MethodSetAppState, map[string]any{"state": "foreground"})
	if fg["catch_up"] != false {
		t.Errorf("catch_up = %v, want false", fg["catch_up"])
	}

	app.RequireStop()

	if _, err := os.Stat(p.SocketPath); !os.IsNotExist(err) {
		t.Errorf("socket should be removed on stop, stat err = %v", err)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	p := testParams(t)

	app := fxtest.New(t, Module(p), fx.NopLogger)
	app.RequireStart()
	client := dialDaemon(t, p)
	mustCall(t, client, api.MethodSendText, map[string]any{"conversation_id": "c1", "body": "persist me"})
	_ = client.Close()
	app.RequireStop()

	app = fxtest.New(t, Module(p), fx.NopLogger)
	app.RequireStart()
	defer app.RequireStop()

	client = dialDaemon(t, p)
	defer func() { _ = client.Close() }()

	queue := mustCall(t, client, api.MethodListQueue, nil)
	entries := queue["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("queue has %d entries after restart, want 1", len(entries))
	}
	if body := entries[0].(map[string]any)["message"].(map[string]any)["body"]; body != "persist me" {
		t.Errorf("body = %v, want persist me", body)
	}
}

func TestSecondDaemonRefusesHeldProfile(t *testing.T) {
	p := testParams(t)
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		t.Fatal(err)
	}

	held, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = held.Release() }()

	app := fx.New(Module(p), fx.NopLogger)
	err = app.Err()
	if err == nil {
		t.Fatal("daemon started on a held profile")
	}

	var he *lock.HeldError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want a HeldError", err)
	}
	if he.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", he.PID, os.Getpid())
	}
}

// TestNewServerUsesParams verifies NewServer resolves the socket from Params
// rather than a bare string, which fx cannot provide.
func TestNewServerUsesParams(t *testing.T) {
	dir := shortTempDir(t, "wutzup-fx-*")
	socketPath := filepath.Join(dir, "d.sock")

	srv, err := NewServer(Params{ProfileName: "fxtest", SocketPath: socketPath}, zap.NewNop(), api.NewService(api.Options{Bus: bus.New()}))
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(context.Background())
	if got := srv.SocketPath(); got != socketPath {
		t.Errorf("socket path = %q, want %q", got, socketPath)
	}

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket mode = %o, want 0600", perm)
	}
}

func TestConfigMapping(t *testing.T) {
	p := testParams(t)
	err := os.WriteFile(p.ConfigPath, []byte(`
user_id = "me"

[queue]
max_attempts = 7
throttle = "250ms"

[lifecycle]
catch_up_threshold = "1m"
`), 0600)
	if err != nil {
		t.Fatal(err)
	}

	app := fxtest.New(t, Module(p), fx.NopLogger)
	app.RequireStart()
	defer app.RequireStop()

	client := dialDaemon(t, p)
	defer func() { _ = client.Close() }()

	if resp := mustCall(t, client, api.MethodGetStatus, nil); resp["user_id"] != "me" {
		t.Errorf("user_id = %v, want me", resp["user_id"])
	}
}
