package transport

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/test/bufconn"

	"github.com/roach88/syncvault/internal/failure"
	"github.com/roach88/syncvault/internal/ident"
	"github.com/roach88/syncvault/internal/remote"
	"github.com/roach88/syncvault/internal/store"
	"github.com/roach88/syncvault/internal/syncer"
)

const root ident.StorageRootID = "alice"

var (
	mailID   = ident.MustPlain(ident.KindFolder, "mail")
	noteID   = ident.MustPlain(ident.KindFile, "note")
	rootPath = ident.Root(root)
	mailPath = rootPath.Append(mailID)
	notePath = mailPath.Append(noteID)
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore() *store.Store {
	return store.New(root, store.NewMemoryBacking(), store.WithLogger(discard()))
}

// serve starts h on an in-memory listener and returns a connected client.
func serve(t *testing.T, h *remote.Handler) (*Client, *bufconn.Listener) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(h, discard())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial("server", "passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, lis
}

func TestSyncOverGRPC(t *testing.T) {
	ctx := context.Background()
	server := newStore()
	c, _ := serve(t, remote.NewHandler(server, remote.WithHandlerLogger(discard())))

	laptop := newStore()
	_, err := laptop.CreateFolder(ctx, rootPath, mailID)
	require.NoError(t, err)
	_, err = laptop.CreateFile(ctx, mailPath, noteID, []byte("hi"))
	require.NoError(t, err)

	res, err := syncer.New(laptop, syncer.WithLogger(discard())).Push(ctx, c, mailPath)
	require.NoError(t, err)
	assert.Equal(t, syncer.StateApplied, res.State)

	phone := newStore()
	res, err = syncer.New(phone, syncer.WithLogger(discard())).Pull(ctx, c, mailPath)
	require.NoError(t, err)
	assert.Equal(t, syncer.StateApplied, res.State)

	item, err := phone.Get(ctx, notePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), item.Data)

	want, err := laptop.Hash(ctx, mailPath)
	require.NoError(t, err)
	got, err := phone.Hash(ctx, mailPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFailureKindsRoundTrip(t *testing.T) {
	c, _ := serve(t, remote.NewHandler(newStore(), remote.WithHandlerLogger(discard())))

	_, err := c.Pull(context.Background(), remote.PullRequest{Root: "bob"})
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrNotFound)
	assert.False(t, remote.Classify(err))

	var se *remote.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestNotify(t *testing.T) {
	var (
		mu  sync.Mutex
		got []remote.Notification
	)
	h := remote.NewHandler(newStore(), remote.WithHandlerLogger(discard()), remote.WithNotifySink(func(n remote.Notification) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
	}))
	c, _ := serve(t, h)

	n := remote.Notification{Root: root, Path: mailPath, NewHash: "abc", From: "laptop"}
	require.NoError(t, c.Notify(context.Background(), n))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "laptop", got[0].From)
	assert.True(t, got[0].Path.Equal(mailPath))
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	h := remote.NewHandler(newStore(), remote.WithHandlerLogger(discard()), remote.WithCredentials(remote.NewMemoryCredentials()))
	c, _ := serve(t, h)

	_, err := c.RetrieveCredential(ctx, "alice")
	assert.ErrorIs(t, err, failure.ErrNotFound)

	require.NoError(t, c.StoreCredential(ctx, "alice", []byte("wrapped")))
	blob, err := c.RetrieveCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped"), blob)
}

func TestCredentials_NotEnabled(t *testing.T) {
	c, _ := serve(t, remote.NewHandler(newStore(), remote.WithHandlerLogger(discard())))

	err := c.StoreCredential(context.Background(), "alice", []byte("x"))
	var se *remote.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotImplemented, se.Code)
	assert.False(t, remote.Classify(err))
}

func TestUnreachableServerIsRetryable(t *testing.T) {
	c, lis := serve(t, remote.NewHandler(newStore(), remote.WithHandlerLogger(discard())))
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Pull(ctx, remote.PullRequest{Root: root})
	require.Error(t, err)
	assert.True(t, remote.Classify(err))
}

func TestCodeMapping(t *testing.T) {
	for _, kind := range failure.Kinds {
		code := remote.CodeFor(failure.New(kind, "op", ""))
		assert.Equal(t, code, HTTPCode(GRPCCode(code)), "kind %s", kind)
	}
	assert.Equal(t, codes.Unavailable, GRPCCode(http.StatusBadGateway))
	assert.Equal(t, http.StatusTooManyRequests, HTTPCode(codes.ResourceExhausted))
	assert.Equal(t, http.StatusInternalServerError, HTTPCode(codes.DataLoss))
}
