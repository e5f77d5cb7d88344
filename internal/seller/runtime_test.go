package seller

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"claw/internal/acp"
	"claw/internal/config"
	apperrors "claw/internal/shared/errors"
)

type fakeMarketplace struct {
	fakeAPI
	info    acp.AgentInfo
	infoErr error
}

func (f *fakeMarketplace) MyAgentInfo(ctx context.Context) (acp.AgentInfo, error) {
	return f.info, f.infoErr
}

type fakeChannel struct {
	disconnected atomic.Bool
	reconnects   uint64
}

func (f *fakeChannel) Disconnect()        { f.disconnected.Store(true) }
func (f *fakeChannel) Connected() bool    { return !f.disconnected.Load() }
func (f *fakeChannel) Reconnects() uint64 { return f.reconnects }

func testRuntime(t *testing.T, cfg config.Config, api MarketplaceAPI) (*Runtime, *fakeChannel, *acp.SocketOptions) {
	t.Helper()
	channel := &fakeChannel{reconnects: 3}
	var captured acp.SocketOptions
	registry := NewRegistry("", "", nil)
	if err := registry.Register("echo", echoHandlers()); err != nil {
		t.Fatal(err)
	}
	runtime, err := NewRuntime(RuntimeOptions{
		Config:   cfg,
		Registry: registry,
		API:      api,
		connect: func(o acp.SocketOptions) (eventChannel, error) {
			captured = o
			return channel, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return runtime, channel, &captured
}

func containerConfig() config.Config {
	return config.Config{
		SocketURL:   "https://stream.example",
		APIURL:      "https://api.example",
		APIKey:      "key-123",
		InContainer: true,
	}
}

func TestRuntimeRequiresRegistry(t *testing.T) {
	_, err := NewRuntime(RuntimeOptions{})
	if !apperrors.IsStartup(err) {
		t.Fatalf("expected StartupError, got %v", err)
	}
}

func TestRuntimeStartRequiresAPIKey(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")
	cfg := containerConfig()
	cfg.APIKey = ""
	runtime, _, _ := testRuntime(t, cfg, &fakeMarketplace{})

	err := runtime.Start(context.Background())
	if !apperrors.IsStartup(err) {
		t.Fatalf("expected StartupError, got %v", err)
	}
}

func TestRuntimeStartFailsWithoutIdentity(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")
	api := &fakeMarketplace{infoErr: errors.New("401")}
	runtime, _, _ := testRuntime(t, containerConfig(), api)

	err := runtime.Start(context.Background())
	if !apperrors.IsStartup(err) {
		t.Fatalf("expected StartupError, got %v", err)
	}
}

func TestRuntimeStartConnectsChannel(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")
	api := &fakeMarketplace{info: acp.AgentInfo{Name: "Echo Agent", WalletAddress: "0xwallet"}}
	runtime, channel, captured := testRuntime(t, containerConfig(), api)

	if err := runtime.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if captured.URL != "https://stream.example" {
		t.Errorf("socket URL = %q", captured.URL)
	}
	if captured.WalletAddress != "0xwallet" {
		t.Errorf("wallet = %q", captured.WalletAddress)
	}
	if captured.Callbacks.OnNewTask == nil {
		t.Error("OnNewTask callback not wired")
	}

	if got := runtime.Agent(); got.Name != "Echo Agent" {
		t.Errorf("Agent() = %+v", got)
	}
	if !runtime.Connected() {
		t.Error("Connected() should proxy the channel")
	}
	if runtime.Reconnects() != 3 {
		t.Errorf("Reconnects() = %d", runtime.Reconnects())
	}
	if got := runtime.Offerings(); len(got) != 1 || got[0] != "echo" {
		t.Errorf("Offerings() = %v", got)
	}

	runtime.Shutdown()
	if !channel.disconnected.Load() {
		t.Error("Shutdown should disconnect the channel")
	}
}

func TestRuntimeRunStopsOnCancel(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")
	api := &fakeMarketplace{info: acp.AgentInfo{Name: "Echo Agent", WalletAddress: "0xwallet"}}
	runtime, channel, _ := testRuntime(t, containerConfig(), api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runtime.Run(ctx) }()

	// Let Start finish, then stop.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if !channel.disconnected.Load() {
		t.Error("channel should be disconnected after Run returns")
	}
}

func TestRuntimeStartRefusesSecondInstance(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")
	root := t.TempDir()
	if err := config.WritePID(root, os.Getpid()); err != nil {
		t.Fatal(err)
	}

	cfg := containerConfig()
	cfg.InContainer = false
	cfg.Root = root
	runtime, _, _ := testRuntime(t, cfg, &fakeMarketplace{info: acp.AgentInfo{Name: "A", WalletAddress: "0xw"}})

	err := runtime.Start(context.Background())
	if !apperrors.IsStartup(err) {
		t.Fatalf("expected StartupError while the recorded PID is alive, got %v", err)
	}
}
