// Package cty resolves callsigns to coordinates. The prefix table is loaded
// once at startup (from the CTY plist or a JSON prefix map), indexed in a
// read-only trie for longest-prefix matching, and shared by reference; lookups
// are memoized in a bounded LRU.
package cty

import (
	"container/list"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"howett.net/plist"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Coordinate is a latitude/longitude pair in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// MarshalJSON renders the coordinate as [lat, lon], the shape the prefix
// table and stored spot records use.
func (c Coordinate) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lat, c.Lon})
}

// UnmarshalJSON accepts [lat, lon].
func (c *Coordinate) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("cty: coordinate needs 2 values, got %d", len(pair))
	}
	c.Lat, c.Lon = pair[0], pair[1]
	return nil
}

// PrefixInfo describes the metadata stored for each CTY entry.
type PrefixInfo struct {
	Country       string  `plist:"Country"`
	Prefix        string  `plist:"Prefix"`
	CQZone        int     `plist:"CQZone"`
	ITUZone       int     `plist:"ITUZone"`
	Continent     string  `plist:"Continent"`
	Latitude      float64 `plist:"Latitude"`
	Longitude     float64 `plist:"Longitude"`
	ExactCallsign bool    `plist:"ExactCallsign"`
}

// Coordinate returns the entry's position.
func (p PrefixInfo) Coordinate() Coordinate {
	return Coordinate{Lat: p.Latitude, Lon: p.Longitude}
}

// DB holds the prefix table and its lookup index.
type DB struct {
	Data map[string]PrefixInfo
	Keys []string

	// trie holds non-exact keys so longest-prefix matches resolve in O(len(call)).
	trie prefixTrie

	cacheMu   sync.Mutex
	cacheList *list.List
	cacheMap  map[string]*list.Element
	cacheCap  int

	totalLookups atomic.Uint64
	cacheHits    atomic.Uint64
	misses       atomic.Uint64
}

type cacheItem struct {
	key  string
	info *PrefixInfo
	ok   bool
}

// prefixTrie is a read-only byte trie stored in a slice; the last terminal
// node passed while walking a callsign is its longest matching prefix.
type prefixTrie struct {
	nodes []trieNode
}

type trieNode struct {
	next        map[byte]int
	terminalKey string
}

func buildTrie(keys []string) prefixTrie {
	tr := prefixTrie{nodes: []trieNode{{next: make(map[byte]int)}}}
	for _, key := range keys {
		if key == "" {
			continue
		}
		state := 0
		for i := 0; i < len(key); i++ {
			next := tr.nodes[state].next
			if next == nil {
				next = make(map[byte]int)
				tr.nodes[state].next = next
			}
			child, ok := next[key[i]]
			if !ok {
				child = len(tr.nodes)
				tr.nodes = append(tr.nodes, trieNode{})
				next[key[i]] = child
			}
			state = child
		}
		tr.nodes[state].terminalKey = key
	}
	return tr
}

func (tr *prefixTrie) longestPrefix(cs string) (string, bool) {
	if len(tr.nodes) == 0 || cs == "" {
		return "", false
	}
	state := 0
	best := ""
	for i := 0; i < len(cs); i++ {
		child, ok := tr.nodes[state].next[cs[i]]
		if !ok {
			break
		}
		state = child
		if tr.nodes[state].terminalKey != "" {
			best = tr.nodes[state].terminalKey
		}
	}
	return best, best != ""
}

const defaultCacheCapacity = 50000

// LookupMetrics summarizes lookup behavior.
type LookupMetrics struct {
	TotalLookups uint64
	CacheHits    uint64
	Misses       uint64
}

// Load picks a loader by file extension: .json for prefix maps, anything
// else is decoded as a CTY plist.
func Load(path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cty: open %s: %w", path, err)
	}
	defer f.Close()
	if strings.EqualFold(strings.TrimSpace(pathExt(path)), ".json") {
		return LoadPrefixJSON(f)
	}
	return LoadPlist(f)
}

func pathExt(path string) string {
	if idx := strings.LastIndexByte(path, '.'); idx >= 0 {
		return path[idx:]
	}
	return ""
}

// LoadPlist decodes a CTY plist (country-files.com format).
func LoadPlist(r io.ReadSeeker) (*DB, error) {
	var raw map[string]PrefixInfo
	if err := plist.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("cty: decode plist: %w", err)
	}
	return newDB(raw), nil
}

// LoadPrefixJSON decodes a {"PREFIX": [lat, lon], ...} table.
func LoadPrefixJSON(r io.Reader) (*DB, error) {
	var raw map[string]Coordinate
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("cty: decode prefix json: %w", err)
	}
	data := make(map[string]PrefixInfo, len(raw))
	for k, c := range raw {
		data[k] = PrefixInfo{Prefix: k, Latitude: c.Lat, Longitude: c.Lon}
	}
	return newDB(data), nil
}

func newDB(raw map[string]PrefixInfo) *DB {
	data := make(map[string]PrefixInfo, len(raw))
	keys := make([]string, 0, len(raw))
	prefixes := make([]string, 0, len(raw))
	for k, v := range raw {
		norm := strings.ToUpper(strings.TrimSpace(k))
		if norm == "" {
			continue
		}
		data[norm] = v
		keys = append(keys, norm)
		if !v.ExactCallsign {
			prefixes = append(prefixes, norm)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) == len(keys[j]) {
			return keys[i] < keys[j]
		}
		return len(keys[i]) > len(keys[j])
	})
	return &DB{
		Data:      data,
		Keys:      keys,
		trie:      buildTrie(prefixes),
		cacheCap:  defaultCacheCapacity,
		cacheList: list.New(),
		cacheMap:  make(map[string]*list.Element),
	}
}

// SetCacheCapacity bounds the memoized lookups; zero disables the cache.
func (db *DB) SetCacheCapacity(n int) {
	db.cacheMu.Lock()
	defer db.cacheMu.Unlock()
	db.cacheCap = n
	db.cacheList.Init()
	db.cacheMap = make(map[string]*list.Element)
}

var suffixes = []string{"/QRP", "/P", "/M", "/MM", "/AM"}

func normalizeCallsign(cs string) string {
	cs = strings.ToUpper(strings.TrimSpace(cs))
	for _, suf := range suffixes {
		if strings.HasSuffix(cs, suf) {
			return strings.TrimSuffix(cs, suf)
		}
	}
	return cs
}

// Lookup returns the coordinate of the longest registered prefix of call.
func (db *DB) Lookup(call string) (Coordinate, bool) {
	info, ok := db.LookupCallsign(call)
	if !ok {
		return Coordinate{}, false
	}
	return info.Coordinate(), true
}

// LookupCallsign returns metadata for the callsign or false if unknown.
// Misses are memoized as well as hits.
func (db *DB) LookupCallsign(call string) (*PrefixInfo, bool) {
	if db == nil {
		return nil, false
	}
	cs := normalizeCallsign(call)
	db.totalLookups.Add(1)
	if item, ok := db.cacheGet(cs); ok {
		db.cacheHits.Add(1)
		return item.info, item.ok
	}
	info, ok := db.lookupNoCache(cs)
	if !ok {
		db.misses.Add(1)
	}
	db.cacheStore(cs, info, ok)
	return info, ok
}

func (db *DB) lookupNoCache(cs string) (*PrefixInfo, bool) {
	if info, ok := db.Data[cs]; ok {
		return &info, true
	}
	if key, ok := db.trie.longestPrefix(cs); ok {
		info := db.Data[key]
		return &info, true
	}
	return nil, false
}

func (db *DB) cacheGet(cs string) (cacheItem, bool) {
	db.cacheMu.Lock()
	defer db.cacheMu.Unlock()
	if db.cacheCap <= 0 {
		return cacheItem{}, false
	}
	elem, ok := db.cacheMap[cs]
	if !ok {
		return cacheItem{}, false
	}
	db.cacheList.MoveToFront(elem)
	return *elem.Value.(*cacheItem), true
}

func (db *DB) cacheStore(cs string, info *PrefixInfo, ok bool) {
	db.cacheMu.Lock()
	defer db.cacheMu.Unlock()
	if db.cacheCap <= 0 {
		return
	}
	if elem, exists := db.cacheMap[cs]; exists {
		item := elem.Value.(*cacheItem)
		item.info, item.ok = info, ok
		db.cacheList.MoveToFront(elem)
		return
	}
	db.cacheMap[cs] = db.cacheList.PushFront(&cacheItem{key: cs, info: info, ok: ok})
	if len(db.cacheMap) > db.cacheCap {
		if tail := db.cacheList.Back(); tail != nil {
			db.cacheList.Remove(tail)
			delete(db.cacheMap, tail.Value.(*cacheItem).key)
		}
	}
}

// Metrics returns a snapshot of lookup counters.
func (db *DB) Metrics() LookupMetrics {
	if db == nil {
		return LookupMetrics{}
	}
	return LookupMetrics{
		TotalLookups: db.totalLookups.Load(),
		CacheHits:    db.cacheHits.Load(),
		Misses:       db.misses.Load(),
	}
}
