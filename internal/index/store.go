// Package index 维护 (name, version) → Record 的内存权威索引。
// 读操作共享 RWMutex 读锁；同一个键上的“读取-检查-写入”序列通过 Update
// 串行执行，避免安全模式下两个并发发布同时通过存在性检查。
package index

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/any-hub/any-cdn/internal/pkgmeta"
)

var (
	// ErrNotFound 表示索引中不存在该键。
	ErrNotFound = errors.New("index entry not found")
	// ErrAlreadyInitialized 表示对非空索引重复执行 Initialize。
	ErrAlreadyInitialized = errors.New("index has been already initialized")
)

// KeySeparator 不会出现在合法包名或语义化版本中。
const KeySeparator = "#"

// Key 是索引复合键。
type Key struct {
	Name    string
	Version string
}

// String 序列化为 name#version。
func (k Key) String() string {
	return k.Name + KeySeparator + k.Version
}

// ParseKey 按最后一个分隔符拆分序列化键。
func ParseKey(raw string) (Key, bool) {
	idx := strings.LastIndex(raw, KeySeparator)
	if idx < 0 {
		return Key{}, false
	}
	return Key{Name: raw[:idx], Version: raw[idx+1:]}, true
}

// KeyOf 返回记录对应的键。
func KeyOf(rec pkgmeta.Record) Key {
	return Key{Name: rec.Name, Version: rec.Version}
}

// Option 调整 Store 的可选行为。
type Option func(*Store)

// WithClock 替换时间源，便于测试 created/updated 行为。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store 是线程安全的内存索引，需显式构造并注入到 registry 中。
type Store struct {
	mu   sync.RWMutex
	data map[Key]pkgmeta.Record
	now  func() time.Time

	lockMu sync.Mutex
	locks  map[Key]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// New 创建空索引。
func New(opts ...Option) *Store {
	s := &Store{
		data:  make(map[Key]pkgmeta.Record),
		now:   time.Now,
		locks: make(map[Key]*entryLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize 用启动扫描得到的快照填充索引，非空时返回 ErrAlreadyInitialized。
func (s *Store) Initialize(seed map[Key]pkgmeta.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.data) > 0 {
		return ErrAlreadyInitialized
	}
	now := s.now().UTC()
	for key, rec := range seed {
		rec = rec.Clone()
		if rec.Created.IsZero() {
			rec.Created = now
		}
		if rec.Updated.IsZero() {
			rec.Updated = rec.Created
		}
		s.data[key] = rec
	}
	return nil
}

// Get 返回记录副本，不存在时返回 ErrNotFound。
func (s *Store) Get(key Key) (pkgmeta.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[key]
	if !ok {
		return pkgmeta.Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// Exist 判断键是否存在。
func (s *Store) Exist(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.data[key]
	return ok
}

// Set 以 upsert 语义写入：updated 总是刷新，created 沿用首次写入的值。
func (s *Store) Set(key Key, rec pkgmeta.Record) pkgmeta.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(key, rec)
}

func (s *Store) setLocked(key Key, rec pkgmeta.Record) pkgmeta.Record {
	now := s.now().UTC()
	rec = rec.Clone()
	if existing, ok := s.data[key]; ok && !existing.Created.IsZero() {
		rec.Created = existing.Created
	} else if rec.Created.IsZero() {
		rec.Created = now
	}
	rec.Updated = now
	s.data[key] = rec
	return rec.Clone()
}

// Delete 删除条目，键不存在时静默返回。
func (s *Store) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Keys 枚举所有键，顺序不保证。
func (s *Store) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(s.data))
	for key := range s.data {
		keys = append(keys, key)
	}
	return keys
}

// Values 枚举所有记录副本，顺序不保证。
func (s *Store) Values() []pkgmeta.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]pkgmeta.Record, 0, len(s.data))
	for _, rec := range s.data {
		values = append(values, rec.Clone())
	}
	return values
}

// Len 返回条目数量。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// UpdateFunc 接收当前记录（不存在时为 nil），返回待写入的记录；
// 返回 nil 表示不写入，返回 error 表示中止。
type UpdateFunc func(current *pkgmeta.Record) (*pkgmeta.Record, error)

// Update 在键级锁内执行读取-检查-写入。fn 内可以执行文件落盘等慢操作，
// 期间只阻塞同一个键的其它 Update，不阻塞其它键或只读查询。
func (s *Store) Update(key Key, fn UpdateFunc) (pkgmeta.Record, bool, error) {
	unlock := s.lockKey(key)
	defer unlock()

	var current *pkgmeta.Record
	if rec, err := s.Get(key); err == nil {
		current = &rec
	}

	next, err := fn(current)
	if err != nil {
		return pkgmeta.Record{}, false, err
	}
	if next == nil {
		if current != nil {
			return *current, false, nil
		}
		return pkgmeta.Record{}, false, nil
	}
	return s.Set(key, *next), true, nil
}

func (s *Store) lockKey(key Key) func() {
	s.lockMu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.lockMu.Unlock()
	}
}
