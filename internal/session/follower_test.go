package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/previewsync/internal/blobstore"
	"github.com/fruitsalade/previewsync/internal/clock"
	"github.com/fruitsalade/previewsync/internal/filesync"
	"github.com/fruitsalade/previewsync/internal/hub"
	"github.com/fruitsalade/previewsync/internal/protocol"
	"github.com/fruitsalade/previewsync/internal/transport"
	"github.com/fruitsalade/previewsync/internal/transport/memory"
)

type changeLog struct {
	mu      sync.Mutex
	changed [][]string
}

func (l *changeLog) record(changed []string, _ map[string]string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changed = append(l.changed, changed)
}

func (l *changeLog) last() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.changed) == 0 {
		return nil
	}
	return l.changed[len(l.changed)-1]
}

func TestFollower_EndToEndOverMirroredTransports(t *testing.T) {
	ctx := context.Background()
	hubA, hubB := hub.New(hub.DefaultBuffer), hub.New(hub.DefaultBuffer)
	store := blobstore.NewMemory()
	clk := clock.Fake(epoch)

	engine := filesync.NewEngine(store, filesync.Options{})
	engine.Write("App.js", "export default 1;\n")
	engine.Write("logo.png", "PNGDATA")

	coord, err := New(engine, store, Transports{
		Primary:  memory.New(hubA, memory.Options{Name: "primary"}),
		Fallback: memory.New(hubB, memory.Options{Name: "fallback"}),
	}, Config{Channel: "s1", RuntimeVersion: "50.0.0", Clock: clk})
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)

	device := protocol.Device{ID: "phone-1", DisplayName: "Phone", Platform: protocol.PlatformIOS}
	followerMirror := transport.NewMirror(
		memory.New(hubA, memory.Options{Name: "primary", Device: &device}),
		memory.New(hubB, memory.Options{Name: "fallback", Device: &device}),
		transport.MirrorConfig{},
	)
	changes := &changeLog{}
	follower := NewFollower(followerMirror, store, FollowerConfig{Device: device, OnChange: changes.record})
	require.NoError(t, follower.Start(ctx, "s1"))
	defer follower.Stop(ctx)

	// RESEND_CODE on start brings the follower up to date.
	require.Eventually(t, func() bool {
		return follower.Files()["App.js"] == "export default 1;\n"
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, follower.Files()["logo.png"])

	require.Eventually(t, func() bool { return len(coord.Devices()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "phone-1", coord.Devices()[0].ID)

	meta, _ := follower.Metadata()
	assert.Equal(t, "50.0.0", meta.RuntimeVersion)

	// Debounced edits.
	big := strings.Repeat("// generated line of padding text\n", 1200)
	coord.Write("App.js", "export default 2;\n")
	coord.Write("big.js", big)
	coord.Delete("logo.png")
	clk.Advance(time.Second)
	coord.Wait()

	require.Eventually(t, func() bool {
		files := follower.Files()
		_, hasLogo := files["logo.png"]
		return files["App.js"] == "export default 2;\n" && files["big.js"] == big && !hasLogo
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"App.js", "big.js", "logo.png"}, changes.last())

	// Console and errors flow back to the session.
	received := make(chan protocol.Message, 2)
	coord.OnMessage(func(m protocol.Message) { received <- m })
	require.NoError(t, follower.Console(ctx, "log", "rendered"))
	select {
	case m := <-received:
		assert.Equal(t, protocol.TypeConsole, m.Type)
		assert.Equal(t, "phone-1", m.Device.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("console message not received")
	}

	require.NoError(t, follower.Stop(ctx))
	require.Eventually(t, func() bool { return len(coord.Devices()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestFollower_RevertedEditReachesPreview(t *testing.T) {
	ctx := context.Background()
	hubA, hubB := hub.New(hub.DefaultBuffer), hub.New(hub.DefaultBuffer)
	store := blobstore.NewMemory()
	clk := clock.Fake(epoch)

	coord, err := New(filesync.NewEngine(store, filesync.Options{}), store, Transports{
		Primary:  memory.New(hubA, memory.Options{Name: "primary"}),
		Fallback: memory.New(hubB, memory.Options{Name: "fallback"}),
	}, Config{Channel: "s3", RuntimeVersion: "50.0.0", Clock: clk})
	require.NoError(t, err)
	require.NoError(t, coord.Start(ctx))
	defer coord.Stop(ctx)

	device := protocol.Device{ID: "phone-2", Platform: protocol.PlatformAndroid}
	follower := NewFollower(transport.NewMirror(
		memory.New(hubA, memory.Options{Name: "primary", Device: &device}),
		memory.New(hubB, memory.Options{Name: "fallback", Device: &device}),
		transport.MirrorConfig{},
	), store, FollowerConfig{Device: device})
	require.NoError(t, follower.Start(ctx, "s3"))
	defer follower.Stop(ctx)
	require.Eventually(t, func() bool { return len(coord.Devices()) == 1 }, time.Second, 5*time.Millisecond)

	for _, contents := range []string{"A\n", "B\n", "A\n"} {
		coord.Write("App.js", contents)
		clk.Advance(time.Second)
		coord.Wait()
		require.Eventually(t, func() bool {
			return follower.Files()["App.js"] == contents
		}, 2*time.Second, 5*time.Millisecond, "follower never saw %q", contents)
	}
}

func TestFollower_ReloadAndLoadingReachOnMessage(t *testing.T) {
	ctx := context.Background()
	h := hub.New(hub.DefaultBuffer)
	store := blobstore.NewMemory()

	session := memory.New(h, memory.Options{Name: "session"})
	require.NoError(t, session.Subscribe(ctx, "s2"))
	defer session.Unsubscribe(ctx)

	got := make(chan protocol.Type, 4)
	device := protocol.Device{ID: "web-1", Platform: protocol.PlatformWeb}
	follower := NewFollower(memory.New(h, memory.Options{Device: &device}), store, FollowerConfig{
		Device:    device,
		OnMessage: func(m protocol.Message) { got <- m.Type },
	})
	require.NoError(t, follower.Start(ctx, "s2"))
	defer follower.Stop(ctx)
	assert.Error(t, follower.Start(ctx, "s2"))

	require.NoError(t, session.Publish(ctx, protocol.Loading("Resolving dependencies")))
	require.NoError(t, session.Publish(ctx, protocol.Message{Type: protocol.TypeReload}))

	for _, want := range []protocol.Type{protocol.TypeLoadingMessage, protocol.TypeReload} {
		select {
		case typ := <-got:
			assert.Equal(t, want, typ)
		case <-time.After(time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}
}
