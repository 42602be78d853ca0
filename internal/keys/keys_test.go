package keys

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu    sync.Mutex
	exp   *Exported
	saves int
	err   error
}

func (s *memStore) LoadKey(ctx context.Context) (Exported, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Exported{}, false, s.err
	}
	if s.exp == nil {
		return Exported{}, false, nil
	}
	return *s.exp, true, nil
}

func (s *memStore) SaveKey(ctx context.Context, exp Exported) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.exp == nil {
		s.exp = &exp
	}
	return nil
}

type countingGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *countingGenerator) Generate() (*ecdsa.PrivateKey, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureKeyPairGeneratesOnce(t *testing.T) {
	store := &memStore{}
	gen := &countingGenerator{}
	m := NewManager(store, WithGenerator(gen), WithLogger(quietLogger()))

	first, err := m.EnsureKeyPair(context.Background())
	require.NoError(t, err)
	second, err := m.EnsureKeyPair(context.Background())
	require.NoError(t, err)

	assert.True(t, first.Public.Equal(second.Public))
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, 1, store.saves)
}

func TestEnsureKeyPairConcurrent(t *testing.T) {
	store := &memStore{}
	gen := &countingGenerator{}
	m := NewManager(store, WithGenerator(gen), WithLogger(quietLogger()))

	var wg sync.WaitGroup
	results := make([]KeyPair, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kp, err := m.EnsureKeyPair(context.Background())
			assert.NoError(t, err)
			results[i] = kp
		}(i)
	}
	wg.Wait()

	for _, kp := range results {
		require.NotNil(t, kp.Public)
		assert.True(t, results[0].Public.Equal(kp.Public))
	}
	assert.Equal(t, 1, gen.calls)
}

func TestEnsureKeyPairLoadsPersisted(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	exp, err := Export(priv)
	require.NoError(t, err)

	store := &memStore{exp: &exp}
	gen := &countingGenerator{}
	m := NewManager(store, WithGenerator(gen), WithLogger(quietLogger()))

	kp, err := m.EnsureKeyPair(context.Background())
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(kp.Public))
	assert.Zero(t, gen.calls)
}

func TestEnsureKeyPairReturnsStoredCopy(t *testing.T) {
	// Another process won the race: SaveKey keeps the existing pair and
	// the manager must return that one, not its own fresh key.
	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	otherExp, err := Export(other)
	require.NoError(t, err)

	store := &racingStore{winner: otherExp}
	m := NewManager(store, WithLogger(quietLogger()))

	kp, err := m.EnsureKeyPair(context.Background())
	require.NoError(t, err)
	assert.True(t, other.PublicKey.Equal(kp.Public))
}

// racingStore reports no key on the first load, then behaves as if a
// concurrent writer stored winner first.
type racingStore struct {
	loads  int
	winner Exported
}

func (s *racingStore) LoadKey(ctx context.Context) (Exported, bool, error) {
	s.loads++
	if s.loads == 1 {
		return Exported{}, false, nil
	}
	return s.winner, true, nil
}

func (s *racingStore) SaveKey(ctx context.Context, exp Exported) error { return nil }

func TestEnsureKeyPairStoreError(t *testing.T) {
	store := &memStore{err: errors.New("disk on fire")}
	m := NewManager(store, WithLogger(quietLogger()))

	_, err := m.EnsureKeyPair(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestExportImportRoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	exp, err := Export(priv)
	require.NoError(t, err)

	var pubFields map[string]any
	require.NoError(t, json.Unmarshal(exp.Public, &pubFields))
	assert.Equal(t, "EC", pubFields["kty"])
	assert.Equal(t, "P-256", pubFields["crv"])
	assert.NotContains(t, pubFields, "d", "public JWK must not carry the private scalar")

	kp, err := Import(exp)
	require.NoError(t, err)
	assert.True(t, priv.Equal(kp.Private))
	assert.True(t, priv.PublicKey.Equal(kp.Public))
}

func TestImportMismatchedHalves(t *testing.T) {
	a, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	b, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	expA, err := Export(a)
	require.NoError(t, err)
	expB, err := Export(b)
	require.NoError(t, err)

	_, err = Import(Exported{Public: expB.Public, Private: expA.Private})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestImportPublicJWKRejects(t *testing.T) {
	_, err := ImportPublicJWK([]byte(`{"kty":"oct","k":"AAAA"}`))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ImportPublicJWK([]byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidKey)

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	raw, err := ExportPublicJWK(&p384.PublicKey)
	require.NoError(t, err)
	_, err = ImportPublicJWK(raw)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestRandomHandles(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		h, err := RandomHandles{}.Generate()
		require.NoError(t, err)
		require.Len(t, h, HandleLength)
		for _, c := range h {
			assert.True(t, strings.ContainsRune(handleAlphabet, c), "unexpected %q in %q", c, h)
		}
		seen[h] = true
	}
	assert.Len(t, seen, 50)
}

func TestRandomHandlesRejectsBiasedBytes(t *testing.T) {
	// 0xFF is above the rejection limit and must be skipped; byte 0 maps
	// to 'A' and byte 62 wraps back to 'A'.
	src := append(bytes.Repeat([]byte{0xFF}, HandleLength), bytes.Repeat([]byte{0, 62}, HandleLength/2)...)

	h, err := RandomHandles{Reader: bytes.NewReader(src)}.Generate()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("A", HandleLength), h)
}

func TestRandomHandlesShortReader(t *testing.T) {
	_, err := RandomHandles{Reader: bytes.NewReader([]byte{1, 2, 3})}.Generate()
	require.Error(t, err)
}
