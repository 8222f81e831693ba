package loader

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const (
	mimeWasm = "application/wasm"
	mimeGzip = "application/gzip"
)

var (
	ErrNotWasm     = errors.New("not a wasm module")
	ErrTooLarge    = errors.New("module exceeds size limit")
	ErrNoEntry     = errors.New("module does not export run")
	ErrNoMemory    = errors.New("module has no memory")
	ErrCircuitOpen = errors.New("source temporarily unavailable")
)

// Config configures a Loader.
type Config struct {
	// MaxSize bounds the decompressed module size in bytes.
	MaxSize int64
	// CacheDir persists compiled code across processes when set.
	CacheDir string
	// MemoryLimitPages caps linear memory, in 64KiB pages. Zero keeps wazero's default.
	MemoryLimitPages uint32

	FetchTimeout   time.Duration
	FetchRetries   int
	BreakerTrip    int
	BreakerCooloff time.Duration
}

// DefaultConfig returns the defaults used for zero fields.
func DefaultConfig() Config {
	return Config{
		MaxSize:        256 << 20,
		FetchTimeout:   30 * time.Second,
		FetchRetries:   3,
		BreakerTrip:    5,
		BreakerCooloff: 30 * time.Second,
	}
}

// Module is a loaded, not yet compiled module.
type Module struct {
	Name       string
	Source     string
	Bytes      []byte
	Digest     string
	Compressed bool
}

// Size returns the decompressed size in bytes.
func (m *Module) Size() int { return len(m.Bytes) }

// Loader loads and instantiates modules.
type Loader struct {
	cfg     Config
	log     *zap.Logger
	cache   wazero.CompilationCache
	client  *retryablehttp.Client
	breaker *breaker
}

// New creates a loader.
func New(cfg Config, log *zap.Logger) (*Loader, error) {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	}
	if cfg.BreakerTrip <= 0 {
		cfg.BreakerTrip = def.BreakerTrip
	}
	if cfg.BreakerCooloff <= 0 {
		cfg.BreakerCooloff = def.BreakerCooloff
	}
	if log == nil {
		log = zap.NewNop()
	}

	cache := wazero.NewCompilationCache()
	if cfg.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("compilation cache %s: %w", cfg.CacheDir, err)
		}
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.FetchRetries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = cfg.FetchTimeout
	client.Logger = nil

	return &Loader{
		cfg:     cfg,
		log:     log.Named("loader"),
		cache:   cache,
		client:  client,
		breaker: newBreaker(cfg.BreakerTrip, cfg.BreakerCooloff),
	}, nil
}

// Close releases the compilation cache.
func (l *Loader) Close(ctx context.Context) error {
	return l.cache.Close(ctx)
}

// Load reads a module from a file path or an http(s) URL.
func (l *Loader) Load(ctx context.Context, src string) (*Module, error) {
	var (
		data []byte
		err  error
		name string
	)
	if u, perr := url.Parse(src); perr == nil && (u.Scheme == "http" || u.Scheme == "https") {
		name = path.Base(u.Path)
		data, err = l.fetch(ctx, u)
	} else {
		name = path.Base(strings.ReplaceAll(src, "\\", "/"))
		data, err = l.readFile(src)
	}
	if err != nil {
		return nil, err
	}

	mod, err := l.Parse(name, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", src, err)
	}
	mod.Source = src

	l.log.Info("module loaded",
		zap.String("name", mod.Name),
		zap.String("source", src),
		zap.Int("size", mod.Size()),
		zap.Bool("compressed", mod.Compressed),
		zap.String("digest", mod.Digest))
	return mod, nil
}

// Parse validates raw module bytes, inflating gzip data.
func (l *Loader) Parse(name string, data []byte) (*Module, error) {
	mod := &Module{Name: strings.TrimSuffix(name, ".gz")}

	if mimetype.Detect(data).Is(mimeGzip) {
		inflated, err := l.inflate(data)
		if err != nil {
			return nil, err
		}
		data = inflated
		mod.Compressed = true
	}
	if int64(len(data)) > l.cfg.MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	if mt := mimetype.Detect(data); !mt.Is(mimeWasm) {
		return nil, fmt.Errorf("%w: detected %s", ErrNotWasm, mt.String())
	}

	sum := blake2b.Sum256(data)
	mod.Bytes = data
	mod.Digest = hex.EncodeToString(sum[:])
	return mod, nil
}

func (l *Loader) inflate(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, l.cfg.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if int64(len(out)) > l.cfg.MaxSize {
		return nil, fmt.Errorf("%w: more than %d bytes inflated", ErrTooLarge, l.cfg.MaxSize)
	}
	return out, nil
}

func (l *Loader) readFile(p string) ([]byte, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: is a directory", p)
	}
	if info.Size() > l.cfg.MaxSize {
		return nil, fmt.Errorf("%s: %w: %d bytes", p, ErrTooLarge, info.Size())
	}
	return os.ReadFile(p)
}
