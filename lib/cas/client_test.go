// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeRemote serves cas files from memory. While hold is non-nil,
// fetches wait for it to close or for their context to end.
type fakeRemote struct {
	mu      sync.Mutex
	files   map[Key][]byte
	stored  map[Key][]byte
	hold    chan struct{}
	fetches atomic.Int64
	reports atomic.Int64
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: make(map[Key][]byte), stored: make(map[Key][]byte)}
}

func (r *fakeRemote) add(key Key, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files[key] = data
}

func (r *fakeRemote) FetchCasFile(ctx context.Context, key Key, w io.Writer) error {
	r.fetches.Add(1)
	r.mu.Lock()
	data, ok := r.files[key]
	hold := r.hold
	r.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	_, err := w.Write(data)
	return err
}

func (r *fakeRemote) StoreCasFile(_ context.Context, key Key, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored[key] = append([]byte(nil), content...)
	return nil
}

func (r *fakeRemote) ReportBadCasFile(context.Context, Key) error {
	r.reports.Add(1)
	return nil
}

// fakeNames answers name lookups from a map, optionally holding the
// first request until release is closed.
type fakeNames struct {
	mu      sync.Mutex
	keys    map[string]Key
	calls   atomic.Int64
	started chan struct{}
	release chan struct{}
}

func newFakeNames() *fakeNames {
	return &fakeNames{keys: make(map[string]Key)}
}

func (n *fakeNames) set(path string, key Key) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys[path] = key
}

func (n *fakeNames) GetNameToHash(_ context.Context, path string, pathKey StringKey) (NameRecord, error) {
	if n.calls.Add(1) == 1 && n.release != nil {
		close(n.started)
		<-n.release
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return NameRecord{Path: pathKey, Key: n.keys[path], Timestamp: 1}, nil
}

type clientFixture struct {
	client *Client
	store  *Store
	host   *fakeRemote
	names  *fakeNames
	root   string
}

func newClientFixture(t *testing.T, configure func(*ClientOptions)) *clientFixture {
	t.Helper()
	root := t.TempDir()
	store, err := NewStore(filepath.Join(root, "cas"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	fixture := &clientFixture{
		store: store,
		host:  newFakeRemote(),
		names: newFakeNames(),
		root:  root,
	}
	options := ClientOptions{
		Store:   store,
		Host:    fixture.host,
		Names:   fixture.names,
		Codec:   CodecLZ4,
		BinRoot: filepath.Join(root, "bin"),
	}
	if configure != nil {
		configure(&options)
	}
	fixture.client, err = NewClient(options)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(fixture.client.Close)
	return fixture
}

// addCompressed puts content on the host under its compressed key.
func (f *clientFixture) addCompressed(t *testing.T, content []byte) Key {
	t.Helper()
	compressed, err := Compress(content, CodecZstd)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	key := AsCompressed(HashContent(content), true)
	f.host.add(key, compressed)
	return key
}

func (f *clientFixture) addPlain(content []byte) Key {
	key := HashContent(content)
	f.host.add(key, content)
	return key
}

func TestRetrieveStoreUncompressedStable(t *testing.T) {
	fixture := newClientFixture(t, nil)
	content := bytes.Repeat([]byte("template <typename T> struct Box { T value; };\n"), 2000)
	compressedKey := fixture.addCompressed(t, content)

	firstKey, firstSize, err := fixture.client.RetrieveCasFile(context.Background(), compressedKey, "box.h", true, false)
	if err != nil {
		t.Fatalf("first RetrieveCasFile: %v", err)
	}
	secondKey, secondSize, err := fixture.client.RetrieveCasFile(context.Background(), compressedKey, "box.h", true, false)
	if err != nil {
		t.Fatalf("second RetrieveCasFile: %v", err)
	}

	if firstKey.IsCompressed() || secondKey.IsCompressed() {
		t.Errorf("returned keys %s, %s have the compressed bit set", firstKey, secondKey)
	}
	if firstKey != secondKey {
		t.Errorf("keys differ: %s then %s", firstKey, secondKey)
	}
	if firstSize != secondSize || firstSize != int64(len(content)) {
		t.Errorf("sizes = %d, %d, want %d", firstSize, secondSize, len(content))
	}
	if fetches := fixture.host.fetches.Load(); fetches != 1 {
		t.Errorf("host fetches = %d, want 1", fetches)
	}
	if _, ok := fixture.store.Has(compressedKey); ok {
		t.Error("compressed copy kept after decompressing")
	}
}

func TestRetrieveKeepsCompressedWhenAllowed(t *testing.T) {
	fixture := newClientFixture(t, nil)
	content := bytes.Repeat([]byte("compressed on the wire\n"), 500)
	compressedKey := fixture.addCompressed(t, content)

	key, size, err := fixture.client.RetrieveCasFile(context.Background(), compressedKey, "wire.txt", false, false)
	if err != nil {
		t.Fatalf("RetrieveCasFile: %v", err)
	}
	if key != compressedKey {
		t.Errorf("key = %s, want %s", key, compressedKey)
	}
	if size >= int64(len(content)) {
		t.Errorf("on-disk size = %d, want smaller than %d", size, len(content))
	}
}

func TestRetrieveSurvivesCancelledFirstCaller(t *testing.T) {
	fixture := newClientFixture(t, nil)
	content := []byte("#pragma once\n")
	key := fixture.addPlain(content)
	hold := make(chan struct{})
	fixture.host.mu.Lock()
	fixture.host.hold = hold
	fixture.host.mu.Unlock()

	firstContext, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, _, err := fixture.client.RetrieveCasFile(firstContext, key, "a.h", false, false)
		first <- err
	}()
	cancelFirst()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled RetrieveCasFile error = %v, want context.Canceled", err)
	}

	second := make(chan error, 1)
	go func() {
		_, _, err := fixture.client.RetrieveCasFile(context.Background(), key, "a.h", false, false)
		second <- err
	}()
	close(hold)
	if err := <-second; err != nil {
		t.Fatalf("second RetrieveCasFile: %v", err)
	}
	if fetches := fixture.host.fetches.Load(); fetches != 1 {
		t.Errorf("host fetches = %d, want 1", fetches)
	}
	if _, ok := fixture.store.Has(key); !ok {
		t.Error("fetched content missing from the store")
	}
}

func TestRetrieveMissingKey(t *testing.T) {
	fixture := newClientFixture(t, nil)
	_, _, err := fixture.client.RetrieveCasFile(context.Background(), HashContent([]byte("nowhere")), "missing.h", false, false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("RetrieveCasFile error = %v, want ErrNotFound", err)
	}
}

func TestRetrieveProxyFallsBackToHost(t *testing.T) {
	proxy := newFakeRemote()
	fixture := newClientFixture(t, func(options *ClientOptions) {
		options.Proxy = proxy
	})
	key := fixture.addPlain([]byte("only the host has this"))

	if _, _, err := fixture.client.RetrieveCasFile(context.Background(), key, "host-only", false, true); err != nil {
		t.Fatalf("RetrieveCasFile: %v", err)
	}
	if proxy.fetches.Load() != 1 || fixture.host.fetches.Load() != 1 {
		t.Errorf("proxy fetches = %d, host fetches = %d, want 1 and 1",
			proxy.fetches.Load(), fixture.host.fetches.Load())
	}

	proxied := []byte("the proxy has this")
	proxiedKey := HashContent(proxied)
	proxy.add(proxiedKey, proxied)
	if _, _, err := fixture.client.RetrieveCasFile(context.Background(), proxiedKey, "proxied", false, true); err != nil {
		t.Fatalf("RetrieveCasFile via proxy: %v", err)
	}
	if fixture.host.fetches.Load() != 1 {
		t.Errorf("host fetches = %d after proxy hit, want 1", fixture.host.fetches.Load())
	}
}

func TestRetrieveRejectsBadFetchedContent(t *testing.T) {
	fixture := newClientFixture(t, nil)
	key := HashContent([]byte("real"))
	fixture.host.add(key, []byte("fake"))

	_, _, err := fixture.client.RetrieveCasFile(context.Background(), key, "bad", false, false)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("RetrieveCasFile error = %v, want ErrCorrupt", err)
	}
	if _, ok := fixture.store.Has(key); ok {
		t.Error("corrupt fetch was published to the store")
	}
}

func TestGetCasKeyForFileSingleRoundTrip(t *testing.T) {
	fixture := newClientFixture(t, nil)
	want := HashContent([]byte("#include <common.h>"))
	fixture.names.set("/src/common.h", want)
	fixture.names.started = make(chan struct{})
	fixture.names.release = make(chan struct{})

	const callers = 16
	results := make(chan Key, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := fixture.client.GetCasKeyForFile(context.Background(), "/src/common.h")
			if err != nil {
				errs <- err
				return
			}
			results <- key
		}()
	}
	<-fixture.names.started
	close(fixture.names.release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("GetCasKeyForFile: %v", err)
	}
	count := 0
	for key := range results {
		count++
		if key != want {
			t.Errorf("key = %s, want %s", key, want)
		}
	}
	if count != callers {
		t.Errorf("got %d results, want %d", count, callers)
	}
	if calls := fixture.names.calls.Load(); calls != 1 {
		t.Errorf("coordinator lookups = %d, want 1", calls)
	}
}

func TestGetCasKeyForFileEphemeral(t *testing.T) {
	fixture := newClientFixture(t, func(options *ClientOptions) {
		options.EphemeralPrefixes = []string{"/session/tmp"}
		options.EphemeralSuffixes = []string{".pdb"}
	})
	for _, path := range []string{"/session/tmp", "/session/tmp/a.o", "/out/app.pdb"} {
		key, err := fixture.client.GetCasKeyForFile(context.Background(), path)
		if err != nil {
			t.Fatalf("GetCasKeyForFile(%q): %v", path, err)
		}
		if key != KeyZero {
			t.Errorf("GetCasKeyForFile(%q) = %s, want KeyZero", path, key)
		}
	}
	if _, err := fixture.client.GetCasKeyForFile(context.Background(), "/session/tmpfile"); err != nil {
		t.Fatalf("GetCasKeyForFile: %v", err)
	}
	if calls := fixture.names.calls.Load(); calls != 1 {
		t.Errorf("coordinator lookups = %d, want 1 (only the non-ephemeral path)", calls)
	}
}

func TestNameTableLastWriterWins(t *testing.T) {
	table := NewNameTable()
	path := StringKeyOf("/src/a.h", false)
	older := HashContent([]byte("old"))
	newer := HashContent([]byte("new"))

	table.ApplyRecords([]NameRecord{
		{Path: path, Key: newer, Timestamp: 9},
		{Path: path, Key: older, Timestamp: 4},
	})
	key, timestamp, ok := table.Lookup(path)
	if !ok || key != newer || timestamp != 9 {
		t.Errorf("Lookup = %s, %d, %v, want %s, 9, true", key, timestamp, ok, newer)
	}

	table.Forget(path)
	if table.Update(path, older, 5) {
		t.Error("older record accepted after Forget")
	}
}

func TestOpenFileRetriesCorruptionOnce(t *testing.T) {
	fixture := newClientFixture(t, nil)
	content := []byte("struct Widget;\n")
	key := fixture.addPlain(content)
	fixture.names.set("/src/widget.h", key)

	// A damaged file left in the cache.
	if err := fixture.store.Write(key, []byte("garbage")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	view, found, err := fixture.client.OpenFile(context.Background(), "/src/widget.h", false)
	if err != nil || !found {
		t.Fatalf("OpenFile = found %v, error %v", found, err)
	}
	got, err := view.Mapping.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q, want %q", got, content)
	}
	if reports := fixture.host.reports.Load(); reports != 1 {
		t.Errorf("bad file reports = %d, want 1", reports)
	}
	if fetches := fixture.host.fetches.Load(); fetches != 1 {
		t.Errorf("host fetches = %d, want 1", fetches)
	}
	if retries := fixture.client.Stats().CorruptRetries; retries != 1 {
		t.Errorf("CorruptRetries = %d, want 1", retries)
	}
}

func TestOpenFileSecondCorruptionFails(t *testing.T) {
	fixture := newClientFixture(t, nil)
	key := AsCompressed(HashContent([]byte("the real content")), true)
	fixture.host.add(key, []byte("BCAS not really"))
	fixture.names.set("/src/broken.h", key)

	_, found, err := fixture.client.OpenFile(context.Background(), "/src/broken.h", false)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("OpenFile error = %v, want ErrCorrupt", err)
	}
	if found {
		t.Error("found = true for a failed open")
	}
	if fetches := fixture.host.fetches.Load(); fetches != 2 {
		t.Errorf("host fetches = %d, want 2", fetches)
	}
	if reports := fixture.host.reports.Load(); reports != 1 {
		t.Errorf("bad file reports = %d, want 1", reports)
	}
}

func TestOpenFileSharedAcrossCallers(t *testing.T) {
	fixture := newClientFixture(t, nil)
	content := bytes.Repeat([]byte("hot header\n"), 1000)
	key := fixture.addCompressed(t, content)
	fixture.names.set("/src/hot.h", key)

	var wg sync.WaitGroup
	sizes := make(chan int64, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			view, found, err := fixture.client.OpenFile(context.Background(), "/src/hot.h", false)
			if err != nil || !found {
				t.Errorf("OpenFile = found %v, error %v", found, err)
				return
			}
			sizes <- view.Size
			view.Release()
		}()
	}
	wg.Wait()
	close(sizes)
	for size := range sizes {
		if size != int64(len(content)) {
			t.Errorf("size = %d, want %d", size, len(content))
		}
	}
	if fetches := fixture.host.fetches.Load(); fetches != 1 {
		t.Errorf("host fetches = %d, want 1", fetches)
	}
}

func TestInvalidateUnmapsAfterLastRelease(t *testing.T) {
	fixture := newClientFixture(t, nil)
	content := bytes.Repeat([]byte("generated\n"), 512)
	key := fixture.addCompressed(t, content)
	fixture.names.set("/src/gen.h", key)
	ctx := context.Background()

	held, found, err := fixture.client.OpenFile(ctx, "/src/gen.h", false)
	if err != nil || !found {
		t.Fatalf("OpenFile = found %v, error %v", found, err)
	}
	fixture.client.InvalidateFile("/src/gen.h")
	got, err := held.Mapping.Bytes()
	if err != nil {
		t.Fatalf("reading a held view after invalidation: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("held view content changed after invalidation")
	}
	held.Release()
	if _, err := held.Mapping.ReadAt(make([]byte, 1), 0); !errors.Is(err, errMappingClosed) {
		t.Errorf("ReadAt after the last release error = %v, want errMappingClosed", err)
	}

	for round := range 50 {
		view, found, err := fixture.client.OpenFile(ctx, "/src/gen.h", false)
		if err != nil || !found {
			t.Fatalf("round %d: OpenFile = found %v, error %v", round, found, err)
		}
		view.Release()
		fixture.client.InvalidateFile("/src/gen.h")
		if _, err := view.Mapping.ReadAt(make([]byte, 1), 0); !errors.Is(err, errMappingClosed) {
			t.Fatalf("round %d: mapping still live after invalidation, ReadAt error = %v", round, err)
		}
	}
	if fetches := fixture.host.fetches.Load(); fetches != 1 {
		t.Errorf("host fetches = %d, want 1", fetches)
	}
}

func TestOpenFileNotFoundAndDirectory(t *testing.T) {
	fixture := newClientFixture(t, nil)
	fixture.names.set("/src", KeyIsDirectory)

	_, found, err := fixture.client.OpenFile(context.Background(), "/src/absent.h", false)
	if err != nil || found {
		t.Errorf("OpenFile(absent) = found %v, error %v, want false, nil", found, err)
	}
	view, found, err := fixture.client.OpenFile(context.Background(), "/src", false)
	if err != nil || !found || !view.IsDirectory {
		t.Errorf("OpenFile(dir) = %+v, %v, %v", view, found, err)
	}
}

func TestWriteBinFileConflict(t *testing.T) {
	fixture := newClientFixture(t, nil)
	first := fixture.addPlain([]byte("MZ first build"))
	second := fixture.addPlain([]byte("MZ second build"))
	destination := filepath.Join(fixture.root, "bin", "foo.dll")
	os.MkdirAll(filepath.Dir(destination), 0o755)

	if err := fixture.client.WriteBinFile(context.Background(), destination, first, true); err != nil {
		t.Fatalf("first WriteBinFile: %v", err)
	}
	if err := fixture.client.WriteBinFile(context.Background(), destination, first, true); err != nil {
		t.Errorf("repeat WriteBinFile with the same key: %v", err)
	}
	err := fixture.client.WriteBinFile(context.Background(), destination, second, true)
	if !errors.Is(err, ErrBinaryConflict) {
		t.Errorf("WriteBinFile with different key = %v, want ErrBinaryConflict", err)
	}

	got, err := os.ReadFile(destination)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "MZ first build" {
		t.Errorf("destination content = %q, want the first build", got)
	}
	info, _ := os.Stat(destination)
	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("mode = %v, want executable", info.Mode())
	}
}

func TestEnsureBinaryFileSeparatesApplications(t *testing.T) {
	fixture := newClientFixture(t, nil)
	oldRuntime := fixture.addPlain([]byte("runtime v1"))
	newRuntime := fixture.addPlain([]byte("runtime v2"))

	firstPath, err := fixture.client.EnsureBinaryFile(context.Background(), "/tools/v1/cl", "runtime.so", oldRuntime, false)
	if err != nil {
		t.Fatalf("EnsureBinaryFile v1: %v", err)
	}
	secondPath, err := fixture.client.EnsureBinaryFile(context.Background(), "/tools/v2/cl", "runtime.so", newRuntime, false)
	if err != nil {
		t.Fatalf("EnsureBinaryFile v2: %v", err)
	}
	if firstPath == secondPath {
		t.Fatalf("both applications materialized to %s", firstPath)
	}
	if got, _ := os.ReadFile(firstPath); string(got) != "runtime v1" {
		t.Errorf("v1 content = %q", got)
	}
	if got, _ := os.ReadFile(secondPath); string(got) != "runtime v2" {
		t.Errorf("v2 content = %q", got)
	}
}

func TestStoreCasFileUploads(t *testing.T) {
	fixture := newClientFixture(t, nil)
	content := bytes.Repeat([]byte("object code "), 1000)

	key, err := fixture.client.StoreCasFile(context.Background(), content, true)
	if err != nil {
		t.Fatalf("StoreCasFile: %v", err)
	}
	if !key.IsCompressed() || !SameContent(key, HashContent(content)) {
		t.Errorf("key = %s, want compressed variant of the content hash", key)
	}
	fixture.host.mu.Lock()
	uploaded, ok := fixture.host.stored[key]
	fixture.host.mu.Unlock()
	if !ok {
		t.Fatal("nothing uploaded under the returned key")
	}
	size, err := UncompressedSize(uploaded)
	if err != nil || size != int64(len(content)) {
		t.Errorf("uploaded UncompressedSize = %d, %v", size, err)
	}
	if _, ok := fixture.store.Has(key); !ok {
		t.Error("stored file missing from the local store")
	}
}
