// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/renameio"
	"github.com/hlubek/readercomp"
	"golang.org/x/sync/singleflight"
)

// Remote is a source and sink of cas files: the coordinator, or a
// storage proxy in front of it.
type Remote interface {
	// FetchCasFile writes the cas file stored under key to w. It
	// returns an error wrapping ErrNotFound when the remote does not
	// have the key.
	FetchCasFile(ctx context.Context, key Key, w io.Writer) error

	// StoreCasFile uploads a cas file.
	StoreCasFile(ctx context.Context, key Key, content []byte) error

	// ReportBadCasFile tells the remote a cas file it served failed
	// verification.
	ReportBadCasFile(ctx context.Context, key Key) error
}

// NameResolver asks the coordinator which key a path currently has.
type NameResolver interface {
	GetNameToHash(ctx context.Context, path string, pathKey StringKey) (NameRecord, error)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Store *Store

	// Host is the coordinator. Required.
	Host Remote

	// Proxy is an optional storage proxy tried before Host when the
	// caller allows it.
	Proxy Remote

	Names NameResolver

	// NameTable and Mappings default to fresh tables. Passing them
	// in lets the session sync the name table independently.
	NameTable *NameTable
	Mappings  *MappingTable

	CaseInsensitive bool

	// Codec compresses cas files this agent stores. Zero stores
	// them uncompressed.
	Codec Codec

	// BinRoot is where EnsureBinaryFile materializes binaries.
	BinRoot string

	// EphemeralPrefixes and EphemeralSuffixes name paths that never
	// have content on the coordinator (session scratch, binaries,
	// staging).
	EphemeralPrefixes []string
	EphemeralSuffixes []string

	Logger *slog.Logger
}

// Stats counts client activity for the session summary.
type Stats struct {
	Fetches        int64
	FetchedBytes   int64
	CacheHits      int64
	StoredFiles    int64
	StoredBytes    int64
	CorruptRetries int64
	NameLookups    int64
}

// Client resolves cas keys to local content for a session.
type Client struct {
	store    *Store
	host     Remote
	proxy    Remote
	resolver NameResolver
	names    *NameTable
	mappings *MappingTable
	binaries *ShardedMap[string, *binaryRecord]
	fetches  singleflight.Group

	caseInsensitive   bool
	codec             Codec
	binRoot           string
	ephemeralPrefixes []string
	ephemeralSuffixes []string
	logger            *slog.Logger

	fetchCount     atomic.Int64
	fetchedBytes   atomic.Int64
	cacheHits      atomic.Int64
	storedFiles    atomic.Int64
	storedBytes    atomic.Int64
	corruptRetries atomic.Int64
	nameLookups    atomic.Int64
}

// binaryRecord remembers which content a materialized binary path
// was written with during this session.
type binaryRecord struct {
	mu      sync.Mutex
	key     Key
	written bool
}

var binarySeed = maphash.MakeSeed()

// NewClient returns a Client. Store, Host and Names are required.
func NewClient(options ClientOptions) (*Client, error) {
	if options.Store == nil {
		return nil, errors.New("cas client: Store is required")
	}
	if options.Host == nil {
		return nil, errors.New("cas client: Host is required")
	}
	if options.Names == nil {
		return nil, errors.New("cas client: Names is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	names := options.NameTable
	if names == nil {
		names = NewNameTable()
	}
	mappings := options.Mappings
	if mappings == nil {
		mappings = NewMappingTable()
	}
	return &Client{
		store:    options.Store,
		host:     options.Host,
		proxy:    options.Proxy,
		resolver: options.Names,
		names:    names,
		mappings: mappings,
		binaries: NewShardedMap[string, *binaryRecord](func(path string) uint32 {
			return uint32(maphash.String(binarySeed, path))
		}),
		caseInsensitive:   options.CaseInsensitive,
		codec:             options.Codec,
		binRoot:           options.BinRoot,
		ephemeralPrefixes: options.EphemeralPrefixes,
		ephemeralSuffixes: options.EphemeralSuffixes,
		logger:            logger,
	}, nil
}

// Store returns the local store.
func (c *Client) Store() *Store { return c.store }

// CaseInsensitive reports whether paths compare without case.
func (c *Client) CaseInsensitive() bool { return c.caseInsensitive }

// Names returns the name-to-hash table.
func (c *Client) Names() *NameTable { return c.names }

// StringKey hashes path in the session's case mode.
func (c *Client) StringKey(path string) StringKey {
	return StringKeyOf(path, c.caseInsensitive)
}

// RetrieveCasFile makes the content of key available in the local
// store and returns the key and on-disk size it is stored under. The
// returned key may differ from key in its compressed flag; callers
// must use it for later lookups. With storeUncompressed the result is
// always the uncompressed variant. Concurrent calls for the same
// result share one fetch.
func (c *Client) RetrieveCasFile(ctx context.Context, key Key, hint string, storeUncompressed, allowProxy bool) (Key, int64, error) {
	if key == KeyZero || key == KeyIsDirectory {
		return KeyZero, 0, fmt.Errorf("retrieving %q: %s is not a content key", hint, key)
	}
	desired := key
	if storeUncompressed {
		desired = AsCompressed(key, false)
	}
	flightKey := desired.String()
	if allowProxy {
		flightKey += "+proxy"
	}
	// The shared fetch outlives any one caller; each caller stops
	// waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	flight := c.fetches.DoChan(flightKey, func() (any, error) {
		return c.retrieve(shared, key, desired, hint, storeUncompressed, allowProxy)
	})
	select {
	case outcome := <-flight:
		if outcome.Err != nil {
			return KeyZero, 0, outcome.Err
		}
		result := outcome.Val.(retrieved)
		return result.key, result.size, nil
	case <-ctx.Done():
		return KeyZero, 0, ctx.Err()
	}
}

type retrieved struct {
	key  Key
	size int64
}

func (c *Client) retrieve(ctx context.Context, key, desired Key, hint string, storeUncompressed, allowProxy bool) (retrieved, error) {
	if size, ok := c.store.Has(desired); ok {
		c.cacheHits.Add(1)
		return retrieved{desired, size}, nil
	}
	variant := AsCompressed(desired, !desired.IsCompressed())
	if size, ok := c.store.Has(variant); ok {
		if !storeUncompressed {
			c.cacheHits.Add(1)
			return retrieved{variant, size}, nil
		}
		plainKey, plainSize, err := c.store.Decompress(variant)
		if err == nil {
			c.cacheHits.Add(1)
			return retrieved{plainKey, plainSize}, nil
		}
		c.logger.Warn("discarding unreadable local cas file",
			"key", variant, "hint", hint, "error", err)
		c.store.Remove(variant)
	}

	if err := c.fetch(ctx, key, hint, allowProxy); err != nil {
		return retrieved{}, err
	}
	if storeUncompressed && key.IsCompressed() {
		plainKey, plainSize, err := c.store.Decompress(key)
		c.store.Remove(key)
		if err != nil {
			return retrieved{}, fmt.Errorf("decompressing %q: %w", hint, err)
		}
		return retrieved{plainKey, plainSize}, nil
	}
	size, ok := c.store.Has(key)
	if !ok {
		return retrieved{}, fmt.Errorf("cas file %s for %q vanished after fetch", key, hint)
	}
	return retrieved{key, size}, nil
}

// fetch downloads key into the store, from the proxy first when
// allowed.
func (c *Client) fetch(ctx context.Context, key Key, hint string, allowProxy bool) error {
	if allowProxy && c.proxy != nil {
		err := c.fetchFrom(ctx, c.proxy, key)
		if err == nil {
			return nil
		}
		c.logger.Debug("proxy fetch failed, falling back to host",
			"key", key, "hint", hint, "error", err)
	}
	if err := c.fetchFrom(ctx, c.host, key); err != nil {
		return fmt.Errorf("fetching %q (%s): %w", hint, key, err)
	}
	return nil
}

func (c *Client) fetchFrom(ctx context.Context, remote Remote, key Key) error {
	pending, err := c.store.Create(key)
	if err != nil {
		return err
	}
	var writer io.Writer = pending
	var hasher *Hasher
	if !key.IsCompressed() {
		hasher = NewHasher()
		writer = io.MultiWriter(pending, hasher)
	}
	if err := remote.FetchCasFile(ctx, key, writer); err != nil {
		pending.Abort()
		return err
	}
	if hasher != nil && hasher.Key() != key {
		pending.Abort()
		return fmt.Errorf("%w: fetched content for %s hashes to %s", ErrCorrupt, key, hasher.Key())
	}
	size := pending.Size()
	if err := pending.Commit(); err != nil {
		return err
	}
	c.fetchCount.Add(1)
	c.fetchedBytes.Add(size)
	return nil
}

// FileView is the resolved content of a path. A view from OpenFile
// holds a reference on Mapping until Release.
type FileView struct {
	Key         Key
	Size        int64
	Mapping     *Mapping
	IsDirectory bool
}

// Release drops the view's reference on its mapping.
func (v FileView) Release() {
	if v.Mapping != nil {
		v.Mapping.Release()
	}
}

// OpenFile resolves path to mapped content. found is false when the
// coordinator has no file at path, which is a normal outcome for
// tools probing candidate locations. Concurrent calls for one path
// wait for the first to finish and share its result. If the local
// cas file turns out to be corrupt it is reported, removed and
// fetched again once; a second failure is returned. Callers release
// a found view when they stop reading it.
func (c *Client) OpenFile(ctx context.Context, path string, allowProxy bool) (view FileView, found bool, err error) {
	entry := c.mappings.entry(c.StringKey(path))

	entry.mu.RLock()
	if entry.handled {
		view = entry.view
		if view.Mapping != nil {
			view.Mapping.retain()
		}
		entry.mu.RUnlock()
		return view, true, nil
	}
	entry.mu.RUnlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.handled {
		view, found, err = c.resolveView(ctx, path, allowProxy)
		if err != nil || !found {
			return FileView{}, found, err
		}
		entry.handled = true
		entry.view = view
	}
	if entry.view.Mapping != nil {
		entry.view.Mapping.retain()
	}
	return entry.view, true, nil
}

func (c *Client) resolveView(ctx context.Context, path string, allowProxy bool) (FileView, bool, error) {
	for attempt := 0; ; attempt++ {
		key, err := c.GetCasKeyForFile(ctx, path)
		if err != nil {
			return FileView{}, false, err
		}
		switch key {
		case KeyZero:
			return FileView{}, false, nil
		case KeyIsDirectory:
			return FileView{Key: key, IsDirectory: true}, true, nil
		}

		storedKey, _, err := c.RetrieveCasFile(ctx, key, path, false, allowProxy)
		if err != nil {
			return FileView{}, false, err
		}
		mapping, err := c.store.Map(storedKey)
		if err == nil {
			return FileView{Key: storedKey, Size: mapping.Size(), Mapping: mapping}, true, nil
		}
		if !errors.Is(err, ErrCorrupt) || attempt > 0 {
			c.logger.Error("mapping cas file failed",
				"path", path, "key", storedKey, "attempt", attempt+1, "error", err)
			return FileView{}, false, fmt.Errorf("mapping %q: %w", path, err)
		}

		c.corruptRetries.Add(1)
		c.logger.Warn("corrupt local cas file, fetching again",
			"path", path, "key", storedKey, "error", err)
		if reportErr := c.host.ReportBadCasFile(ctx, storedKey); reportErr != nil {
			c.logger.Warn("reporting bad cas file failed", "key", storedKey, "error", reportErr)
		}
		if removeErr := c.store.Remove(storedKey); removeErr != nil {
			return FileView{}, false, removeErr
		}
	}
}

// InvalidateFile drops cached knowledge of path after this agent
// changed it on the coordinator.
func (c *Client) InvalidateFile(path string) {
	pathKey := c.StringKey(path)
	c.mappings.Invalidate(pathKey)
	c.names.Forget(pathKey)
}

// IsEphemeral reports whether path is session-private and so never
// known to the coordinator.
func (c *Client) IsEphemeral(path string) bool {
	for _, prefix := range c.ephemeralPrefixes {
		if hasPathPrefix(path, prefix, c.caseInsensitive) {
			return true
		}
	}
	for _, suffix := range c.ephemeralSuffixes {
		if hasSuffix(path, suffix, c.caseInsensitive) {
			return true
		}
	}
	return false
}

// GetCasKeyForFile returns the current key of path: KeyZero if the
// path does not exist, KeyIsDirectory for directories. Ephemeral
// paths answer KeyZero without a round trip. Concurrent calls for one
// path make a single request to the coordinator.
func (c *Client) GetCasKeyForFile(ctx context.Context, path string) (Key, error) {
	if c.IsEphemeral(path) {
		return KeyZero, nil
	}
	pathKey := c.StringKey(path)
	record := c.names.record(pathKey)
	record.mu.Lock()
	defer record.mu.Unlock()
	if record.resolved && !record.stale {
		return record.key, nil
	}
	c.nameLookups.Add(1)
	result, err := c.resolver.GetNameToHash(ctx, path, pathKey)
	if err != nil {
		return KeyZero, fmt.Errorf("resolving %q: %w", path, err)
	}
	record.update(result.Key, result.Timestamp)
	return record.key, nil
}

// WriteBinFile materializes the content of key at destination. Within
// a session a destination holds exactly one content: writing it again
// with the same content is a no-op, with different content it fails
// with ErrBinaryConflict. A file left by an earlier session is reused
// when identical and replaced otherwise.
func (c *Client) WriteBinFile(ctx context.Context, destination string, key Key, executable bool) error {
	record := c.binaries.GetOrCreate(destination, func() *binaryRecord { return &binaryRecord{} })
	record.mu.Lock()
	defer record.mu.Unlock()

	if record.written {
		if SameContent(record.key, key) {
			return nil
		}
		return fmt.Errorf("%w: %s has %s, requested %s", ErrBinaryConflict, destination, record.key, key)
	}

	storedKey, _, err := c.RetrieveCasFile(ctx, key, destination, true, false)
	if err != nil {
		return err
	}
	source, err := c.store.Open(storedKey)
	if err != nil {
		return err
	}
	defer source.Close()

	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	identical, err := sameFileContent(destination, source)
	if err != nil {
		return err
	}
	if identical {
		if err := os.Chmod(destination, mode); err != nil {
			return fmt.Errorf("setting mode of %s: %w", destination, err)
		}
	} else if err := copyAtomically(destination, source, mode); err != nil {
		return err
	}
	record.key = key
	record.written = true
	return nil
}

// EnsureBinaryFile materializes a module of application under a
// directory derived from the application path, so differing
// versions of one file name used by different tools never collide.
// Returns the materialized path.
func (c *Client) EnsureBinaryFile(ctx context.Context, application, name string, key Key, executable bool) (string, error) {
	if c.binRoot == "" {
		return "", errors.New("cas client: no binary root configured")
	}
	applicationDir := c.StringKey(application).String()
	destination := filepath.Join(c.binRoot, applicationDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", fmt.Errorf("creating binary directory for %s: %w", application, err)
	}
	if err := c.WriteBinFile(ctx, destination, key, executable); err != nil {
		return "", err
	}
	return destination, nil
}

// StoreCasFile content-addresses content, compresses it with the
// client codec when compress is set, stores it locally and uploads it
// to the host. Returns the key it was stored under.
func (c *Client) StoreCasFile(ctx context.Context, content []byte, compress bool) (Key, error) {
	key := HashContent(content)
	data := content
	if compress && c.codec != 0 {
		compressed, err := Compress(content, c.codec)
		if err != nil {
			return KeyZero, err
		}
		key = AsCompressed(key, true)
		data = compressed
	}
	if _, ok := c.store.Has(key); !ok {
		if err := c.store.Write(key, data); err != nil {
			return KeyZero, err
		}
	}
	if err := c.host.StoreCasFile(ctx, key, data); err != nil {
		return KeyZero, fmt.Errorf("uploading %s: %w", key, err)
	}
	c.storedFiles.Add(1)
	c.storedBytes.Add(int64(len(data)))
	return key, nil
}

// Stats returns a snapshot of the counters.
func (c *Client) Stats() Stats {
	return Stats{
		Fetches:        c.fetchCount.Load(),
		FetchedBytes:   c.fetchedBytes.Load(),
		CacheHits:      c.cacheHits.Load(),
		StoredFiles:    c.storedFiles.Load(),
		StoredBytes:    c.storedBytes.Load(),
		CorruptRetries: c.corruptRetries.Load(),
		NameLookups:    c.nameLookups.Load(),
	}
}

// Close releases every cached mapping.
func (c *Client) Close() {
	c.mappings.Close()
}

func sameFileContent(path string, source *os.File) (bool, error) {
	existing, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("opening existing %s: %w", path, err)
	}
	defer existing.Close()
	equal, err := readercomp.Equal(existing, source, 64<<10)
	if err != nil {
		return false, fmt.Errorf("comparing existing %s: %w", path, err)
	}
	if _, err := source.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	return equal, nil
}

func copyAtomically(destination string, source io.Reader, mode os.FileMode) error {
	pending, err := renameio.TempFile("", destination)
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", destination, err)
	}
	defer pending.Cleanup()
	if _, err := io.Copy(pending, source); err != nil {
		return fmt.Errorf("writing %s: %w", destination, err)
	}
	if err := pending.Chmod(mode); err != nil {
		return fmt.Errorf("setting mode of %s: %w", destination, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("publishing %s: %w", destination, err)
	}
	return nil
}

func hasPathPrefix(path, prefix string, caseInsensitive bool) bool {
	if prefix == "" {
		return false
	}
	if caseInsensitive {
		path, prefix = strings.ToLower(path), strings.ToLower(prefix)
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func hasSuffix(path, suffix string, caseInsensitive bool) bool {
	if suffix == "" {
		return false
	}
	if caseInsensitive {
		return strings.HasSuffix(strings.ToLower(path), strings.ToLower(suffix))
	}
	return strings.HasSuffix(path, suffix)
}
