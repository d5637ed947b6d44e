package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	indexFileName = "caches.idx"
	entrySuffix   = ".entry"
	prevSuffix    = ".prev"
	trashPrefix   = ".trash-"
)

// rename 可在测试中替换，用于模拟 rename 失败。
var rename = os.Rename

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<StoragePath>/caches.idx            # 缓存代名称 → 目录，msgpack 编码，按创建顺序
//	<StoragePath>/g<seq>/<sha1>.entry   # 条目：元数据与正文同一个 msgpack 文件
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fileStorage{
		basePath: abs,
		locks:    make(map[string]*sync.RWMutex),
	}
	s.seq.Store(time.Now().UnixNano())
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

type generationRecord struct {
	Name    string    `msgpack:"name"`
	Dir     string    `msgpack:"dir"`
	Created time.Time `msgpack:"created"`
}

type fileEntry struct {
	Key      string    `msgpack:"key"`
	Seq      int64     `msgpack:"seq"`
	Response *Response `msgpack:"response"`
	Body     []byte    `msgpack:"body"`
}

// fileStorage 的 index 由 mu 保护；每个缓存代目录有一把读写锁，
// 读取持读锁，批量写入与删除持写锁，因此读方只会看到完整的批次。
type fileStorage struct {
	basePath string
	seq      atomic.Int64

	mu    sync.RWMutex
	index []generationRecord

	lockMu sync.Mutex
	locks  map[string]*sync.RWMutex
}

func (s *fileStorage) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.index {
		if rec.Name == name {
			return s.handle(rec), nil
		}
	}

	now := time.Now().UTC()
	rec := generationRecord{
		Name:    name,
		Dir:     "g" + strconv.FormatInt(s.seq.Add(1), 36),
		Created: now,
	}
	if err := os.MkdirAll(filepath.Join(s.basePath, rec.Dir), 0o755); err != nil {
		return nil, err
	}
	next := append(append([]generationRecord(nil), s.index...), rec)
	if err := s.writeIndex(next); err != nil {
		return nil, err
	}
	s.index = next
	return s.handle(rec), nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.index {
		if rec.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	pos := -1
	for i, rec := range s.index {
		if rec.Name == name {
			pos = i
			break
		}
	}
	if pos < 0 {
		s.mu.Unlock()
		return false, nil
	}
	rec := s.index[pos]
	next := make([]generationRecord, 0, len(s.index)-1)
	next = append(next, s.index[:pos]...)
	next = append(next, s.index[pos+1:]...)
	if err := s.writeIndex(next); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.index = next

	// 持锁期间把目录移走，之后的写入找不到目录，不会留下孤儿条目。
	dir := filepath.Join(s.basePath, rec.Dir)
	trash := filepath.Join(s.basePath, trashPrefix+rec.Dir)
	if err := rename(dir, trash); err != nil {
		s.mu.Unlock()
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return true, fmt.Errorf("move cache dir %s: %w", rec.Dir, err)
	}
	s.mu.Unlock()

	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("remove cache dir %s: %w", rec.Dir, err)
	}
	return true, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.index))
	for i, rec := range s.index {
		names[i] = rec.Name
	}
	return names, nil
}

func (s *fileStorage) Match(ctx context.Context, key string) (*Response, error) {
	s.mu.RLock()
	records := append([]generationRecord(nil), s.index...)
	s.mu.RUnlock()

	for _, rec := range records {
		resp, err := s.handle(rec).Match(ctx, key)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fileStorage) handle(rec generationRecord) *fileCache {
	return &fileCache{
		storage: s,
		name:    rec.Name,
		dirName: rec.Dir,
		dir:     filepath.Join(s.basePath, rec.Dir),
	}
}

// indexedLocked 判断目录是否仍在索引中，调用方需持有 mu。
func (s *fileStorage) indexedLocked(dirName string) bool {
	for _, rec := range s.index {
		if rec.Dir == dirName {
			return true
		}
	}
	return false
}

func (s *fileStorage) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, indexFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cache index: %w", err)
	}
	var records []generationRecord
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("decode cache index: %w", err)
	}
	s.index = records
	return nil
}

func (s *fileStorage) writeIndex(records []generationRecord) error {
	data, err := msgpack.Marshal(records)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.basePath, indexFileName), data)
}

func (s *fileStorage) dirLock(dirName string) *sync.RWMutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock := s.locks[dirName]
	if lock == nil {
		lock = &sync.RWMutex{}
		s.locks[dirName] = lock
	}
	return lock
}

// fileCache 是某个缓存代目录的句柄。
type fileCache struct {
	storage *fileStorage
	name    string
	dirName string
	dir     string
}

func (c *fileCache) Name() string {
	return c.name
}

func (c *fileCache) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := c.storage.dirLock(c.dirName)
	lock.RLock()
	defer lock.RUnlock()

	entry, err := readEntry(c.entryPath(key))
	if err != nil {
		return nil, err
	}
	if entry.Response == nil {
		return nil, ErrNotFound
	}
	entry.Response.Body = entry.Body
	return entry.Response, nil
}

func (c *fileCache) Put(ctx context.Context, key string, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll 先把所有条目写入临时文件，再在目录写锁内逐个 rename。
// 被覆盖的旧条目先移到 .prev，任一 rename 失败时恢复旧条目并删除新条目；
// 缓存代已被删除时返回 ErrNotFound。
func (c *fileCache) PutAll(ctx context.Context, entries []Entry) error {
	if err := validateEntries(entries); err != nil {
		return err
	}

	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()
	if !c.storage.indexedLocked(c.dirName) {
		return fmt.Errorf("%w: cache %s deleted", ErrNotFound, c.name)
	}

	lock := c.storage.dirLock(c.dirName)
	lock.Lock()
	defer lock.Unlock()

	type staged struct {
		target string
		temp   string
		moved  bool
	}

	pending := make([]staged, 0, len(entries))
	dropTemps := func(items []staged) {
		for _, st := range items {
			os.Remove(st.temp)
		}
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			dropTemps(pending)
			return err
		}
		target := c.entryPath(entry.Key)
		seq := c.storage.seq.Add(1)
		if prior, err := readEntry(target); err == nil {
			seq = prior.Seq
		}

		data, err := msgpack.Marshal(fileEntry{
			Key:      entry.Key,
			Seq:      seq,
			Response: entry.Response,
			Body:     entry.Response.Body,
		})
		if err != nil {
			dropTemps(pending)
			return fmt.Errorf("encode cache entry: %w", err)
		}
		temp, err := writeTemp(c.dir, data)
		if err != nil {
			dropTemps(pending)
			return err
		}
		pending = append(pending, staged{target: target, temp: temp})
	}

	rollback := func(done []staged) {
		for _, st := range done {
			if st.moved {
				rename(st.target+prevSuffix, st.target)
			} else {
				os.Remove(st.target)
			}
		}
	}

	for i := range pending {
		st := &pending[i]
		if _, err := os.Stat(st.target); err == nil {
			if err := rename(st.target, st.target+prevSuffix); err != nil {
				rollback(pending[:i])
				dropTemps(pending[i:])
				return err
			}
			st.moved = true
		}
		if err := rename(st.temp, st.target); err != nil {
			if st.moved {
				rename(st.target+prevSuffix, st.target)
			}
			rollback(pending[:i])
			dropTemps(pending[i:])
			return err
		}
	}
	for _, st := range pending {
		if st.moved {
			os.Remove(st.target + prevSuffix)
		}
	}
	return nil
}

func (c *fileCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	lock := c.storage.dirLock(c.dirName)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(c.entryPath(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (c *fileCache) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := c.storage.dirLock(c.dirName)
	lock.RLock()
	defer lock.RUnlock()

	matches, err := filepath.Glob(filepath.Join(c.dir, "*"+entrySuffix))
	if err != nil {
		return nil, err
	}
	entries := make([]fileEntry, 0, len(matches))
	for _, file := range matches {
		entry, err := readEntry(file)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Seq == entries[j].Seq {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].Seq < entries[j].Seq
	})
	keys := make([]string, len(entries))
	for i, entry := range entries {
		keys[i] = entry.Key
	}
	return keys, nil
}

func (c *fileCache) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func readEntry(file string) (fileEntry, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileEntry{}, ErrNotFound
		}
		return fileEntry{}, err
	}
	var entry fileEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return fileEntry{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return entry, nil
}

func writeTemp(dir string, data []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func writeFileAtomic(target string, data []byte) error {
	tempName, err := writeTemp(filepath.Dir(target), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
