package grid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"grid-trading-bot/internal/logging"
)

// Store persists grid state between runs.
type Store interface {
	Save(ctx context.Context, state *State) error
	Load(ctx context.Context, symbol string) (*State, error) // nil, nil when absent
	Delete(ctx context.Context, symbol string) error
}

// FileStore keeps one JSON file per symbol under dir. Writes go through a
// temp file and rename so a crash never leaves a torn state file.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating grid state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(symbol string) string {
	return filepath.Join(fs.dir, strings.ToUpper(symbol)+".json")
}

func (fs *FileStore) Save(_ context.Context, state *State) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	state.Version = StateVersion
	state.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling grid state for %s: %w", state.Symbol, err)
	}

	tmp := fs.path(state.Symbol) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing grid state for %s: %w", state.Symbol, err)
	}
	if err := os.Rename(tmp, fs.path(state.Symbol)); err != nil {
		return fmt.Errorf("committing grid state for %s: %w", state.Symbol, err)
	}
	return nil
}

func (fs *FileStore) Load(_ context.Context, symbol string) (*State, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading grid state for %s: %w", symbol, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing grid state for %s: %w", symbol, err)
	}
	if state.Version != StateVersion {
		// Old layout, treat as absent rather than guessing at fields.
		return nil, nil
	}
	return &state, nil
}

func (fs *FileStore) Delete(_ context.Context, symbol string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	err := os.Remove(fs.path(symbol))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// MirroredStore writes through to a redis mirror so state survives loss of
// the local disk. Reads prefer redis and fall back to the file store when
// redis is unreachable; redis write failures degrade to file-only with a
// warning instead of failing the save.
type MirroredStore struct {
	primary *FileStore
	rdb     *redis.Client
	ttl     time.Duration
	log     zerolog.Logger
}

var _ Store = (*MirroredStore)(nil)

// NewMirroredStore wraps a file store with a redis mirror.
func NewMirroredStore(primary *FileStore, rdb *redis.Client) *MirroredStore {
	return &MirroredStore{
		primary: primary,
		rdb:     rdb,
		ttl:     7 * 24 * time.Hour,
		log:     logging.For("gridstore"),
	}
}

func redisKey(symbol string) string {
	return "grid:state:" + strings.ToUpper(symbol)
}

func (ms *MirroredStore) Save(ctx context.Context, state *State) error {
	if err := ms.primary.Save(ctx, state); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil
	}
	if err := ms.rdb.Set(ctx, redisKey(state.Symbol), data, ms.ttl).Err(); err != nil {
		ms.log.Warn().Err(err).Str("symbol", state.Symbol).Msg("redis mirror write failed")
	}
	return nil
}

func (ms *MirroredStore) Load(ctx context.Context, symbol string) (*State, error) {
	data, err := ms.rdb.Get(ctx, redisKey(symbol)).Bytes()
	if err == nil {
		var state State
		if jsonErr := json.Unmarshal(data, &state); jsonErr == nil && state.Version == StateVersion {
			return &state, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		ms.log.Warn().Err(err).Str("symbol", symbol).Msg("redis mirror read failed, using file store")
	}
	return ms.primary.Load(ctx, symbol)
}

func (ms *MirroredStore) Delete(ctx context.Context, symbol string) error {
	if err := ms.rdb.Del(ctx, redisKey(symbol)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		ms.log.Warn().Err(err).Str("symbol", symbol).Msg("redis mirror delete failed")
	}
	return ms.primary.Delete(ctx, symbol)
}
