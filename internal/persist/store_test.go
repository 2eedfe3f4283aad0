package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentic-research/reseller/api"
	"github.com/agentic-research/reseller/internal/control"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories builds one of each backend rooted in a fresh temp dir.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"file": func() Store {
			return NewFileStore(filepath.Join(t.TempDir(), "snap", "index.json"))
		},
		"sqlite": func() Store {
			s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "index.db"))
			require.NoError(t, err)
			return s
		},
		"badger": func() Store {
			opts := DefaultBadgerOptions()
			opts.InMemory = true
			s, err := OpenBadgerStore(opts)
			require.NoError(t, err)
			return s
		},
		"arena": func() Store {
			s, err := OpenArenaStore(filepath.Join(t.TempDir(), "index.arena"), 1<<16, nil)
			require.NoError(t, err)
			return s
		},
	}
}

func TestStores_SaveLoad(t *testing.T) {
	ctx := context.Background()
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := mk()
			defer func() { require.NoError(t, s.Close()) }()

			_, err := s.Load(ctx)
			require.ErrorIs(t, err, ErrNoSnapshot)

			require.NoError(t, s.Save(ctx, []byte(`{"v":1}`)))
			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"v":1}`), got)

			// Shorter second blob must fully replace the first.
			require.NoError(t, s.Save(ctx, []byte(`{}`)))
			got, err = s.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, []byte(`{}`), got)
		})
	}
}

func TestMemoryStore_IsolatesCallerBuffers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	blob := []byte("abc")
	require.NoError(t, s.Save(ctx, blob))
	blob[0] = 'x'

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	assert.Equal(t, 1, s.Saves())
}

func TestSQLiteStore_GenerationAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)
	gen, err := s.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), gen)

	require.NoError(t, s.Save(ctx, []byte("one")))
	require.NoError(t, s.Save(ctx, []byte("two")))
	gen, err = s.Generation(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)
	require.NoError(t, s.Close())

	s, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func TestBadgerStore_Reopen(t *testing.T) {
	ctx := context.Background()
	opts := DefaultBadgerOptions()
	opts.Path = filepath.Join(t.TempDir(), "badger")

	s, err := OpenBadgerStore(opts)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = OpenBadgerStore(opts)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestBadgerStore_RequiresPath(t *testing.T) {
	_, err := OpenBadgerStore(DefaultBadgerOptions())
	assert.Error(t, err)
}

func TestArenaStore_FlipsBuffers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.arena")

	s, err := OpenArenaStore(path, 1<<16, nil)
	require.NoError(t, err)

	seq, err := s.Sequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	require.NoError(t, s.Save(ctx, []byte("first")))
	require.NoError(t, s.Save(ctx, []byte("second")))
	seq, err = s.Sequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	h, err := readArenaHeader(f)
	require.NoError(t, err)
	_ = f.Close()
	assert.Equal(t, uint32(ArenaMagic), h.Magic)
	assert.Equal(t, uint8(0), h.ActiveBuffer, "two saves land back on buffer 0")

	// Reopen ignores the requested size and keeps the file's geometry.
	s, err = OpenArenaStore(path, 1<<20, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestArenaStore_TooLarge(t *testing.T) {
	ctx := context.Background()
	s, err := OpenArenaStore(filepath.Join(t.TempDir(), "small.arena"), ArenaHeaderSize+64, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Save(ctx, []byte("fits")))
	err = s.Save(ctx, make([]byte, 64))
	assert.ErrorContains(t, err, "exceeds arena buffer size")

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("fits"), got, "failed save leaves the active buffer alone")
}

func TestArenaStore_Capacity(t *testing.T) {
	s, err := OpenArenaStore(filepath.Join(t.TempDir(), "cap.arena"), ArenaHeaderSize+64, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	assert.Equal(t, int64(32-lengthPrefix), s.Capacity())
	require.NoError(t, s.Save(context.Background(), make([]byte, s.Capacity())))
	assert.Error(t, s.Save(context.Background(), make([]byte, s.Capacity()+1)))
}

func TestArenaStore_LoadRejectsHugeLengthPrefix(t *testing.T) {
	ctx := context.Background()
	s, err := OpenArenaStore(filepath.Join(t.TempDir(), "bad.arena"), 1<<16, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Save(ctx, []byte("first")))

	// The first save lands on buffer 1. A prefix near MaxUint64 must not
	// wrap past the bounds check.
	_, err = s.file.WriteAt([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, s.offset(1))
	require.NoError(t, err)

	var got []byte
	assert.NotPanics(t, func() { got, err = s.Load(ctx) })
	assert.ErrorContains(t, err, "exceeds buffer capacity")
	assert.Nil(t, got)
}

func TestArenaStore_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.arena")
	require.NoError(t, os.WriteFile(path, make([]byte, ArenaHeaderSize+128), 0o644))

	_, err := OpenArenaStore(path, 0, nil)
	assert.ErrorContains(t, err, "invalid arena magic")
}

func TestArenaStore_PublishesToControlBlock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ctrl, err := control.OpenOrCreate(filepath.Join(dir, "reseller.ctrl"))
	require.NoError(t, err)
	arenaPath := filepath.Join(dir, "index.arena")
	s, err := OpenArenaStore(arenaPath, 1<<16, ctrl)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Save(ctx, []byte("a")))
	require.NoError(t, s.Save(ctx, []byte("b")))
	require.NoError(t, s.Save(ctx, []byte("c")))

	assert.Equal(t, uint64(3), ctrl.Generation())
	assert.Equal(t, arenaPath, ctrl.ArenaPath())
	assert.Equal(t, uint64(1<<16), ctrl.ArenaSize())
}

func TestOpen_DispatchesOnKind(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		cfg  api.StoreConfig
		want any
	}{
		{api.StoreConfig{Kind: api.StoreMemory}, &MemoryStore{}},
		{api.StoreConfig{Kind: api.StoreFile, Path: filepath.Join(dir, "f.json")}, &FileStore{}},
		{api.StoreConfig{Kind: api.StoreSQLite, Path: filepath.Join(dir, "s.db")}, &SQLiteStore{}},
		{api.StoreConfig{Kind: api.StoreBadger, Path: filepath.Join(dir, "badger")}, &BadgerStore{}},
		{api.StoreConfig{
			Kind:        api.StoreArena,
			Path:        filepath.Join(dir, "a.arena"),
			ArenaSize:   1 << 16,
			ControlPath: filepath.Join(dir, "a.ctrl"),
		}, &ArenaStore{}},
	}
	for _, tc := range cases {
		t.Run(tc.cfg.Kind, func(t *testing.T) {
			s, err := Open(tc.cfg, nil)
			require.NoError(t, err)
			defer func() { _ = s.Close() }()
			assert.IsType(t, tc.want, s)
		})
	}

	s, err := Open(api.StoreConfig{Kind: "tape"}, nil)
	assert.Error(t, err)
	assert.Nil(t, s)
}
