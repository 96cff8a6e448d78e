package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelhost/modelhost/internal/chat"
)

const luaEcho = `
function on_chat_messages(conv, emit)
    local last = conv.messages[#conv.messages]
    emit("lua:" .. last.content)
end
`

// writePluginDir creates root/name with the given plugin.yaml and main.lua.
// Empty manifest means a bare directory with only the entry file.
func writePluginDir(t *testing.T, root, name, manifest, luaCode string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if manifest != "" {
		if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
			t.Fatalf("writing manifest: %v", err)
		}
	}
	if luaCode != "" {
		if err := os.WriteFile(filepath.Join(dir, DefaultEntry), []byte(luaCode), 0o644); err != nil {
			t.Fatalf("writing entry file: %v", err)
		}
	}
	return dir
}

func newTestRegistry(t *testing.T, root string, mutate ...func(*Options)) *Registry {
	t.Helper()
	opts := Options{
		Root:        root,
		HostVersion: "1.0.0",
		ReloadGrace: 500 * time.Millisecond,
		Logger:      zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	r := NewRegistry(opts)
	t.Cleanup(r.Close)
	return r
}

// chatOnce runs one call through the registry and returns the stream.
func chatOnce(t *testing.T, r *Registry, model, prompt string) []chat.Chunk {
	t.Helper()
	lease, err := r.Acquire(context.Background(), model)
	if err != nil {
		t.Fatalf("Acquire(%s) error = %v", model, err)
	}
	conv := &chat.Conversation{Messages: []chat.Message{{Role: chat.RoleUser, Content: prompt}}}
	return drain(t, r.Invoke(context.Background(), lease, conv))
}

func TestRegistryScan(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "alpha", "name: alpha\n", luaEcho)
	writePluginDir(t, root, "bare-model", "", luaEcho)
	writePluginDir(t, root, "broken", "", "") // no manifest, no entry file
	writePluginDir(t, root, ".hidden", "name: hidden\n", luaEcho)
	writePluginDir(t, root, "_skipped", "name: skipped\n", luaEcho)

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	list := r.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d models, want 3: %v", len(list), list)
	}
	// Sorted by name.
	if list[0].Name != "alpha" || list[1].Name != "bare-model" || list[2].Name != "broken" {
		t.Errorf("List() order = %v, want alpha, bare-model, broken", list)
	}

	alpha, ok := r.Get("alpha")
	if !ok || alpha.Status != StatusReady {
		t.Errorf("Get(alpha) = %+v, %v; want Ready", alpha, ok)
	}
	if alpha.Generation != 1 {
		t.Errorf("alpha.Generation = %d, want 1", alpha.Generation)
	}

	bare, _ := r.Get("bare-model")
	if bare.Status != StatusReady {
		t.Errorf("bare-model status = %v, want Ready", bare.Status)
	}

	broken, _ := r.Get("broken")
	if broken.Status != StatusFailed {
		t.Errorf("broken status = %v, want Failed", broken.Status)
	}
	if !errors.Is(broken.Err, ErrNoEntryPoint) {
		t.Errorf("broken.Err = %v, want ErrNoEntryPoint", broken.Err)
	}
}

func TestRegistryInvokeLuaPlugin(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "echo", "name: echo\n", luaEcho)

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	chunks := chatOnce(t, r, "echo", "hello")
	if len(chunks) != 2 {
		t.Fatalf("stream length = %d, want 2", len(chunks))
	}
	if chunks[0].Text != "lua:hello" {
		t.Errorf("output = %q, want %q", chunks[0].Text, "lua:hello")
	}
	if chunks[1].Kind != chat.ChunkDone {
		t.Errorf("terminal = %+v, want done", chunks[1])
	}
}

func TestRegistryAcquireUnknown(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())
	if _, err := r.Acquire(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Acquire(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryAcquireFailedModel(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "broken", "", "")

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	_, err := r.Acquire(context.Background(), "broken")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Acquire(broken) error = %v, want ErrUnavailable", err)
	}
	if !errors.Is(err, ErrNoEntryPoint) {
		t.Errorf("Acquire(broken) error = %v, want wrapped load failure", err)
	}
}

func TestRegistryNameCollision(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "first", "name: contested\n", luaEcho)
	writePluginDir(t, root, "second", "name: contested\n", luaEcho)

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	winner, ok := r.Get("contested")
	if !ok || winner.Status != StatusReady {
		t.Fatalf("Get(contested) = %+v, %v; want Ready", winner, ok)
	}
	if filepath.Base(winner.Dir) != "first" {
		t.Errorf("contested served from %s, want the first directory scanned", winner.Dir)
	}

	loser, ok := r.Get("second")
	if !ok || loser.Status != StatusFailed {
		t.Fatalf("Get(second) = %+v, %v; want Failed record for the losing dir", loser, ok)
	}
	if !errors.Is(loser.Err, ErrNameTaken) {
		t.Errorf("loser.Err = %v, want ErrNameTaken", loser.Err)
	}
}

func TestRegistryReload(t *testing.T) {
	root := t.TempDir()
	dir := writePluginDir(t, root, "echo", "name: echo\n", luaEcho)

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if got := chatOnce(t, r, "echo", "one")[0].Text; got != "lua:one" {
		t.Fatalf("output = %q, want lua:one", got)
	}

	updated := `
function on_chat_messages(conv, emit)
    emit("v2")
end
`
	if err := os.WriteFile(filepath.Join(dir, DefaultEntry), []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting entry: %v", err)
	}
	if err := r.Reload(context.Background(), "echo"); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	desc, _ := r.Get("echo")
	if desc.Status != StatusReady || desc.Generation != 2 {
		t.Errorf("after reload: status = %v generation = %d, want Ready generation 2", desc.Status, desc.Generation)
	}
	if got := chatOnce(t, r, "echo", "two")[0].Text; got != "v2" {
		t.Errorf("output after reload = %q, want v2", got)
	}
}

func TestRegistryReloadFailureAndRecovery(t *testing.T) {
	root := t.TempDir()
	dir := writePluginDir(t, root, "echo", "name: echo\n", luaEcho)

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	// Break the plugin: the reload reports the failure, but the serving
	// generation stays authoritative.
	if err := os.WriteFile(filepath.Join(dir, DefaultEntry), []byte("function broken("), 0o644); err != nil {
		t.Fatalf("rewriting entry: %v", err)
	}
	if err := r.Reload(context.Background(), "echo"); err == nil {
		t.Fatal("Reload() with broken plugin should return error")
	}

	desc, _ := r.Get("echo")
	if desc.Status != StatusReady || desc.Err == nil {
		t.Errorf("after failed reload: status = %v err = %v, want Ready with recorded failure", desc.Status, desc.Err)
	}
	if desc.Generation != 1 {
		t.Errorf("generation after failed reload = %d, want 1", desc.Generation)
	}
	if got := chatOnce(t, r, "echo", "still")[0].Text; got != "lua:still" {
		t.Errorf("output after failed reload = %q, want lua:still (old generation)", got)
	}

	// Fix it: the next reload swaps the repaired code in and clears the
	// recorded failure.
	if err := os.WriteFile(filepath.Join(dir, DefaultEntry), []byte(luaEcho), 0o644); err != nil {
		t.Fatalf("rewriting entry: %v", err)
	}
	if err := r.Reload(context.Background(), "echo"); err != nil {
		t.Fatalf("Reload() after fix error = %v", err)
	}
	desc, _ = r.Get("echo")
	if desc.Status != StatusReady || desc.Err != nil || desc.Generation != 2 {
		t.Errorf("after recovery: %+v, want Ready generation 2 without error", desc)
	}
	if got := chatOnce(t, r, "echo", "back")[0].Text; got != "lua:back" {
		t.Errorf("output after recovery = %q, want lua:back", got)
	}
}

func TestRegistryInitialLoadFailureStaysFailed(t *testing.T) {
	root := t.TempDir()
	dir := writePluginDir(t, root, "echo", "name: echo\n", "function broken(")

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	// No previous generation exists, so there is nothing to fall back to.
	desc, _ := r.Get("echo")
	if desc.Status != StatusFailed || desc.Err == nil {
		t.Fatalf("descriptor = %+v, want Failed with error", desc)
	}
	if _, err := r.Acquire(context.Background(), "echo"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Acquire() error = %v, want ErrUnavailable", err)
	}

	// A reload that still fails keeps it failed.
	if err := r.Reload(context.Background(), "echo"); err == nil {
		t.Fatal("Reload() with broken plugin should return error")
	}
	if desc, _ := r.Get("echo"); desc.Status != StatusFailed {
		t.Errorf("status after failed reload = %v, want Failed", desc.Status)
	}

	if err := os.WriteFile(filepath.Join(dir, DefaultEntry), []byte(luaEcho), 0o644); err != nil {
		t.Fatalf("rewriting entry: %v", err)
	}
	if err := r.Reload(context.Background(), "echo"); err != nil {
		t.Fatalf("Reload() after fix error = %v", err)
	}
	if got := chatOnce(t, r, "echo", "up")[0].Text; got != "lua:up" {
		t.Errorf("output after fix = %q, want lua:up", got)
	}
}

func TestRegistryReloadRename(t *testing.T) {
	root := t.TempDir()
	dir := writePluginDir(t, root, "echo", "name: echo\n", luaEcho)

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte("name: renamed\n"), 0o644); err != nil {
		t.Fatalf("rewriting manifest: %v", err)
	}
	if err := r.Reload(context.Background(), "echo"); err == nil {
		t.Fatal("Reload() after rename should return error")
	}

	// The old name keeps serving with the rename recorded until a rescan
	// picks up the new one.
	desc, _ := r.Get("echo")
	if desc.Status != StatusReady || desc.Err == nil {
		t.Errorf("after rename: status = %v err = %v, want Ready with recorded error", desc.Status, desc.Err)
	}
	if got := chatOnce(t, r, "echo", "hi")[0].Text; got != "lua:hi" {
		t.Errorf("output after rename = %q, want lua:hi", got)
	}

	if err := r.ReloadAll(context.Background()); err != nil {
		t.Fatalf("ReloadAll() error = %v", err)
	}
	if _, ok := r.Get("echo"); ok {
		t.Error("old name still listed after rescan")
	}
	if desc, _ := r.Get("renamed"); desc.Status != StatusReady {
		t.Errorf("renamed status = %v, want Ready", desc.Status)
	}
}

func TestRegistryReloadUnknown(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())
	if err := r.Reload(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Reload(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryReloadAll(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "stays", "name: stays\n", luaEcho)
	goneDir := writePluginDir(t, root, "goes", "name: goes\n", luaEcho)

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(r.List()) != 2 {
		t.Fatalf("List() = %v, want 2 models", r.List())
	}

	// One dir vanishes, one appears.
	if err := os.RemoveAll(goneDir); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	writePluginDir(t, root, "fresh", "name: fresh\n", luaEcho)

	if err := r.ReloadAll(context.Background()); err != nil {
		t.Fatalf("ReloadAll() error = %v", err)
	}

	if _, ok := r.Get("goes"); ok {
		t.Error("removed plugin still listed after ReloadAll")
	}
	if desc, ok := r.Get("fresh"); !ok || desc.Status != StatusReady {
		t.Errorf("Get(fresh) = %+v, %v; want Ready", desc, ok)
	}
	if desc, ok := r.Get("stays"); !ok || desc.Status != StatusReady {
		t.Errorf("Get(stays) = %+v, %v; want Ready", desc, ok)
	}
}

func TestRegistryReloadAllKeepsBuiltins(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())
	handler := chat.HandlerFunc(func(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
		return emit(ctx, "builtin")
	})
	if err := r.RegisterBuiltin("compiled", handler); err != nil {
		t.Fatalf("RegisterBuiltin() error = %v", err)
	}

	if err := r.ReloadAll(context.Background()); err != nil {
		t.Fatalf("ReloadAll() error = %v", err)
	}
	if desc, ok := r.Get("compiled"); !ok || desc.Status != StatusReady {
		t.Errorf("builtin lost by ReloadAll: %+v, %v", desc, ok)
	}
}

func TestRegistryRemove(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "echo", "name: echo\n", luaEcho)

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if err := r.Remove("echo"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok := r.Get("echo"); ok {
		t.Error("Get(echo) found model after Remove")
	}
	if _, err := r.Acquire(context.Background(), "echo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Acquire() after Remove error = %v, want ErrNotFound", err)
	}
	if err := r.Remove("echo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestRegistryRegisterBuiltin(t *testing.T) {
	r := newTestRegistry(t, t.TempDir())
	handler := chat.HandlerFunc(func(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
		last, _ := conv.LastUser()
		return emit(ctx, "builtin:"+last.Content)
	})

	err := r.RegisterBuiltin("echo", handler,
		WithDescription("compiled-in echo"),
		WithVersion("1.1.0"),
	)
	if err != nil {
		t.Fatalf("RegisterBuiltin() error = %v", err)
	}

	desc, ok := r.Get("echo")
	if !ok {
		t.Fatal("Get(echo) not found after RegisterBuiltin")
	}
	if desc.Runtime != RuntimeBuiltin || desc.Isolation != IsolationShared {
		t.Errorf("descriptor = %+v, want builtin/shared", desc)
	}
	if desc.Version != "1.1.0" || desc.Description != "compiled-in echo" {
		t.Errorf("descriptor metadata = %+v", desc)
	}

	chunks := chatOnce(t, r, "echo", "hi")
	if chunks[0].Text != "builtin:hi" {
		t.Errorf("output = %q, want builtin:hi", chunks[0].Text)
	}

	// Registered names are first come, first served.
	if err := r.RegisterBuiltin("echo", handler); !errors.Is(err, ErrNameTaken) {
		t.Errorf("duplicate RegisterBuiltin() error = %v, want ErrNameTaken", err)
	}

	// Nothing on disk to reload.
	if err := r.Reload(context.Background(), "echo"); err != nil {
		t.Errorf("Reload() on builtin error = %v, want nil", err)
	}
}

func TestRegistryManifestBuiltin(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "greeter", "name: greeter\nruntime: builtin\nconfig:\n  greeting: yo\n", "")

	var gotName string
	var gotConfig map[string]any
	r := newTestRegistry(t, root, func(o *Options) {
		o.Builtins = func(name string, config map[string]any) (chat.Handler, error) {
			gotName = name
			gotConfig = config
			return chat.HandlerFunc(func(ctx context.Context, conv *chat.Conversation, emit chat.EmitFunc) error {
				greeting, _ := config["greeting"].(string)
				return emit(ctx, greeting)
			}), nil
		}
	})
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	if gotName != "greeter" {
		t.Errorf("resolver name = %q, want greeter", gotName)
	}
	if gotConfig["greeting"] != "yo" {
		t.Errorf("resolver config = %v, want greeting yo", gotConfig)
	}
	if got := chatOnce(t, r, "greeter", "hi")[0].Text; got != "yo" {
		t.Errorf("output = %q, want yo", got)
	}
}

func TestRegistryManifestBuiltinNoResolver(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "greeter", "name: greeter\nruntime: builtin\n", "")

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	desc, _ := r.Get("greeter")
	if desc.Status != StatusFailed {
		t.Errorf("status = %v, want Failed without a builtin resolver", desc.Status)
	}
}

func TestRegistryHostVersionGate(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "picky", "name: picky\nmin_host_version: 9.9.9\n", luaEcho)

	r := newTestRegistry(t, root)
	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	desc, _ := r.Get("picky")
	if desc.Status != StatusFailed || !errors.Is(desc.Err, ErrHostVersionTooOld) {
		t.Errorf("descriptor = %+v, want Failed with ErrHostVersionTooOld", desc)
	}

	// Development builds skip the gate.
	dev := newTestRegistry(t, root, func(o *Options) { o.HostVersion = "dev" })
	if err := dev.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if desc, _ := dev.Get("picky"); desc.Status != StatusReady {
		t.Errorf("status under dev host = %v, want Ready", desc.Status)
	}
}

func TestRegistrySubscribe(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "good", "name: good\n", luaEcho)
	writePluginDir(t, root, "bad", "", "")

	r := newTestRegistry(t, root)
	events, cancel := r.Subscribe()
	defer cancel()

	if err := r.Scan(context.Background()); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	got := map[string]EventType{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			got[ev.Model] = ev.Type
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for scan events")
		}
	}
	if got["good"] != EventLoaded {
		t.Errorf("event for good = %v, want loaded", got["good"])
	}
	if got["bad"] != EventFailed {
		t.Errorf("event for bad = %v, want failed", got["bad"])
	}

	if err := r.Remove("good"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	select {
	case ev := <-events:
		if ev.Type != EventRemoved || ev.Model != "good" {
			t.Errorf("event = %+v, want removed good", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for remove event")
	}
}

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		t    EventType
		want string
	}{
		{EventLoaded, "loaded"},
		{EventFailed, "failed"},
		{EventRemoved, "removed"},
		{EventType(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}
