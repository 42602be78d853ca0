package logsvc

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/thekeeper/internal/auth"
	"github.com/roach88/thekeeper/internal/event"
	"github.com/roach88/thekeeper/internal/keys"
	"github.com/roach88/thekeeper/internal/logclient"
	"github.com/roach88/thekeeper/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   *Store
	svc     *Service
	server  *httptest.Server
	codeSeq int
}

func newFixture(t *testing.T, path string) *fixture {
	t.Helper()
	store, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store}
	f.svc, err = New(context.Background(), store,
		WithLogger(quietLogger()),
		WithCodeGenerator(func() string {
			f.codeSeq++
			return fmt.Sprintf("code-%d", f.codeSeq)
		}),
	)
	require.NoError(t, err)

	f.server = httptest.NewServer(f.svc.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func newKeyPair(t *testing.T) keys.KeyPair {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return keys.KeyPair{Private: priv, Public: &priv.PublicKey}
}

func (f *fixture) client(t *testing.T, kp keys.KeyPair) *logclient.Client {
	t.Helper()
	return logclient.New(f.server.URL, auth.New(nil), kp, logclient.WithLogger(quietLogger()))
}

func (f *fixture) token(t *testing.T, kp keys.KeyPair) string {
	t.Helper()
	tok, err := auth.New(nil).Mint(kp, auth.Audience, auth.WriteTTL)
	require.NoError(t, err)
	return tok
}

func kinds(envs []event.Envelope) []event.Kind {
	out := make([]event.Kind, len(envs))
	for i, env := range envs {
		out[i] = env.Event.Kind()
	}
	return out
}

func TestService_FirstContactRegistersPlayer(t *testing.T) {
	f := newFixture(t, ":memory:")
	ctx := context.Background()
	c := f.client(t, newKeyPair(t))

	envs, err := c.Pull(ctx, event.NoCursor)
	require.NoError(t, err)
	assert.Empty(t, envs)

	acks, err := c.Append(ctx, []event.Event{event.New(event.SeedActor{Handle: "PA"})})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.False(t, acks[0].Rejected())

	envs, err = c.Pull(ctx, event.NoCursor)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, event.SeedActor{Handle: "PA"}, envs[0].Event.Payload)
	assert.Equal(t, acks[0].TS, envs[0].TS)

	actors, err := f.store.Actors(ctx)
	require.NoError(t, err)
	require.Len(t, actors, 2)
	assert.Equal(t, Actor{ID: 1, Space: SpacePlayer, Handle: "PA"}, actors[1])
}

func TestService_AppendPerEventAcks(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	svc, err := New(context.Background(), store,
		WithLogger(quietLogger()),
		WithStamper(testutil.NewDeterministicClock()),
	)
	require.NoError(t, err)
	ctx := context.Background()

	actor, err := store.CreateActor(ctx, SpacePlayer, []byte("fp"))
	require.NoError(t, err)
	svc.space.addActor(actor)

	acks, err := svc.Append(ctx, actor, []event.Event{
		event.New(event.SeedActor{Handle: "PA"}),
		event.New(event.PlayerPerson{PlayerID: "P1"}),
		event.New(event.SeedPlayer{Handle: "PA", PlayerID: "P1"}),
		event.New(event.PlayerPerson{PlayerID: "P1", Name: "Ada"}),
	})
	require.NoError(t, err)

	assert.Equal(t, event.Ack{TS: 1}, acks[0])
	assert.True(t, acks[1].Rejected())
	assert.Contains(t, acks[1].Error, "does not exist")
	assert.Equal(t, event.Ack{TS: 2}, acks[2])
	assert.Equal(t, event.Ack{TS: 3}, acks[3], "later events see earlier ones of the same batch")

	envs, err := svc.Pull(ctx, actor, event.NoCursor)
	require.NoError(t, err)
	assert.Equal(t, []event.Kind{event.KindSeedActor, event.KindSeedPlayer, event.KindPlayerPerson}, kinds(envs))

	_, err = svc.Append(ctx, actor, nil)
	assert.ErrorIs(t, err, ErrBadInput)
}

func TestService_HandleIsUnique(t *testing.T) {
	f := newFixture(t, ":memory:")
	ctx := context.Background()

	_, err := f.client(t, newKeyPair(t)).Append(ctx, []event.Event{event.New(event.SeedActor{Handle: "PA"})})
	require.NoError(t, err)

	acks, err := f.client(t, newKeyPair(t)).Append(ctx, []event.Event{event.New(event.SeedActor{Handle: "PA"})})
	require.NoError(t, err)
	require.True(t, acks[0].Rejected())
	assert.Contains(t, acks[0].Error, "is taken")
}

func TestService_RejectsBadTokens(t *testing.T) {
	f := newFixture(t, ":memory:")
	kp := newKeyPair(t)

	past := testutil.NewFakeClock(time.Now().Add(-time.Hour))
	expired, err := auth.New(past).Mint(kp, auth.Audience, auth.ReadTTL)
	require.NoError(t, err)
	wrongAud, err := auth.New(nil).Mint(kp, "someone-else", auth.ReadTTL)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"expired":        expired,
		"wrong audience": wrongAud,
		"garbage":        "not-a-jwt",
		"missing":        "",
	} {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, f.server.URL+"/state?from=-1", nil)
			require.NoError(t, err)
			req.Header.Set("Authorization", tok)

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.JSONEq(t, `{"message":"invalid public key"}`, string(body))
		})
	}
}

func TestService_HTTPEdges(t *testing.T) {
	f := newFixture(t, ":memory:")
	tok := f.token(t, newKeyPair(t))

	do := func(method, path string, body []byte) *http.Response {
		req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("preflight", func(t *testing.T) {
		resp := do(http.MethodOptions, "/state", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Authorization,Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))
	})

	t.Run("empty batch", func(t *testing.T) {
		resp := do(http.MethodPost, "/state", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("undecodable batch", func(t *testing.T) {
		resp := do(http.MethodPost, "/state", []byte{0xff, 0xff, 0xff})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing from", func(t *testing.T) {
		resp := do(http.MethodGet, "/state", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("cors on errors", func(t *testing.T) {
		resp := do(http.MethodGet, "/state", nil)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})
}

func TestService_OrgaShareRedeemFlow(t *testing.T) {
	f := newFixture(t, ":memory:")
	ctx := context.Background()

	// A player device seeds its handle and a player record.
	deviceA := f.client(t, newKeyPair(t))
	acks, err := deviceA.Append(ctx, []event.Event{
		event.New(event.SeedActor{Handle: "PA"}),
		event.New(event.SeedPlayer{Handle: "PA", PlayerID: "P1"}),
		event.New(event.PlayerPerson{PlayerID: "P1", Name: "Ada"}),
	})
	require.NoError(t, err)
	for _, ack := range acks {
		require.False(t, ack.Rejected(), ack.Error)
	}

	// Players cannot share.
	_, err = deviceA.CreateShareCode(ctx, "PA")
	var se *logclient.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "not authorized", se.Message)

	// The operator creates an orga and its device redeems the code.
	orgaCode, err := f.svc.CreateOrga(ctx, "ORGA")
	require.NoError(t, err)
	orga := f.client(t, newKeyPair(t))
	require.NoError(t, orga.Redeem(ctx, orgaCode))

	envs, err := orga.Pull(ctx, event.NoCursor)
	require.NoError(t, err)
	assert.Equal(t, []event.Kind{
		event.KindSeedPlayer,
		event.KindPlayerPerson,
		event.KindSeedActor,
		event.KindPermission,
	}, kinds(envs))
	assert.Equal(t, event.SeedActor{Handle: "ORGA"}, envs[2].Event.Payload)

	// Orga shares the player's handle with a second device.
	_, err = orga.CreateShareCode(ctx, "NOPE")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)

	_, err = orga.CreateShareCode(ctx, "ORGA")
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "not authorized", se.Message, "only player handles can be shared")

	code, err := orga.CreateShareCode(ctx, "PA")
	require.NoError(t, err)

	deviceB := f.client(t, newKeyPair(t))
	require.NoError(t, deviceB.Redeem(ctx, code))

	err = deviceB.Redeem(ctx, code)
	assert.ErrorIs(t, err, logclient.ErrInvalidCode, "codes are single use")

	envs, err = deviceB.Pull(ctx, event.NoCursor)
	require.NoError(t, err)
	assert.Equal(t, []event.Kind{
		event.KindSeedActor,
		event.KindSeedPlayer,
		event.KindPlayerPerson,
	}, kinds(envs))
	assert.Equal(t, event.SeedActor{Handle: "PA"}, envs[0].Event.Payload)
}

func TestService_ResetReachesEveryone(t *testing.T) {
	f := newFixture(t, ":memory:")
	ctx := context.Background()

	player := f.client(t, newKeyPair(t))
	_, err := player.Append(ctx, []event.Event{event.New(event.SeedActor{Handle: "PA"})})
	require.NoError(t, err)

	acks, err := player.Append(ctx, []event.Event{event.New(event.Reset{})})
	require.NoError(t, err)
	assert.Contains(t, acks[0].Error, "not authorized")

	code, err := f.svc.CreateOrga(ctx, "ORGA")
	require.NoError(t, err)
	orga := f.client(t, newKeyPair(t))
	require.NoError(t, orga.Redeem(ctx, code))

	acks, err = orga.Append(ctx, []event.Event{event.New(event.Reset{})})
	require.NoError(t, err)
	require.False(t, acks[0].Rejected())

	envs, err := player.Pull(ctx, acks[0].TS-1)
	require.NoError(t, err)
	assert.Equal(t, []event.Kind{event.KindReset}, kinds(envs))
}

func TestService_CreateOrgaTakenHandle(t *testing.T) {
	f := newFixture(t, ":memory:")
	ctx := context.Background()

	_, err := f.svc.CreateOrga(ctx, "ORGA")
	require.NoError(t, err)
	_, err = f.svc.CreateOrga(ctx, "ORGA")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is taken")

	_, err = f.svc.CreateOrga(ctx, "bad handle")
	require.Error(t, err)
}

func TestService_RebuildsOnRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.db")
	ctx := context.Background()
	kp := newKeyPair(t)

	first := newFixture(t, path)
	acks, err := first.client(t, kp).Append(ctx, []event.Event{
		event.New(event.SeedActor{Handle: "PA"}),
		event.New(event.SeedPlayer{Handle: "PA", PlayerID: "P1"}),
	})
	require.NoError(t, err)
	last := acks[1].TS
	first.server.Close()
	first.store.Close()

	second := newFixture(t, path)
	c := second.client(t, kp)

	acks, err = c.Append(ctx, []event.Event{
		event.New(event.SeedPlayer{Handle: "PA", PlayerID: "P1"}),
		event.New(event.PlayerPerson{PlayerID: "P1", Name: "Ada"}),
	})
	require.NoError(t, err)
	assert.Contains(t, acks[0].Error, "already exists")
	require.False(t, acks[1].Rejected())
	assert.Greater(t, acks[1].TS, last, "ts keeps increasing across restarts")

	envs, err := c.Pull(ctx, event.NoCursor)
	require.NoError(t, err)
	assert.Len(t, envs, 3)
}
