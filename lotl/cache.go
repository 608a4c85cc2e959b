package lotl

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrStale matches every *StaleError.
	ErrStale = errors.New("trust cache entry is stale")
	// ErrNotLoaded is returned for entries that were never written.
	ErrNotLoaded = errors.New("trust cache entry not loaded")
)

// StaleError reports a cache entry older than the staleness threshold.
type StaleError struct {
	Key       string
	UpdatedAt time.Time
	Age       time.Duration
	Threshold time.Duration
}

// Error implements error.
func (e *StaleError) Error() string {
	return fmt.Sprintf("trust cache entry %q is stale: updated %s ago, threshold %s",
		e.Key, e.Age.Round(time.Second), e.Threshold)
}

// Is makes errors.Is(err, ErrStale) hold.
func (e *StaleError) Is(target error) bool {
	return target == ErrStale
}

// Update is an all-or-nothing change of the cache. Nil results leave the
// corresponding entry untouched.
type Update struct {
	Master          *MasterResult
	Journal         *JournalResult
	Pivots          *PivotResult
	Countries       map[string]*CountryResult
	RemoveCountries []string
}

// View is a consistent read of every cache entry.
type View struct {
	Master    *MasterResult
	Journal   *JournalResult
	Pivots    *PivotResult
	Countries map[string]*CountryResult
}

// Cache holds the latest validated results. Published results must not be
// mutated by readers.
type Cache interface {
	SetAll(update Update) error
	Master() (*MasterResult, error)
	Journal() (*JournalResult, error)
	Pivots() (*PivotResult, error)
	Countries() (map[string]*CountryResult, error)
	View() (*View, error)
	Snapshot() (*Snapshot, error)
	Load(snapshot *Snapshot) error
}

// MemoryCache is the in-process Cache.
type MemoryCache struct {
	mu         sync.RWMutex
	clock      clockwork.Clock
	staleness  time.Duration
	master     *MasterResult
	journal    *JournalResult
	pivots     *PivotResult
	countries  map[string]*CountryResult
	timestamps map[string]time.Time
}

// NewMemoryCache creates an empty cache. A nil clock uses the real clock.
func NewMemoryCache(clock clockwork.Clock, staleness time.Duration) *MemoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCache{
		clock:      clock,
		staleness:  staleness,
		countries:  make(map[string]*CountryResult),
		timestamps: make(map[string]time.Time),
	}
}

// SetAll applies update under a single lock. Only written keys get a new
// timestamp.
func (c *MemoryCache) SetAll(update Update) error {
	for territory, res := range update.Countries {
		if res == nil {
			return errors.Newf("nil result for country %s", territory)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if update.Master != nil {
		c.master = update.Master
		c.timestamps[KeyMaster] = now
	}
	if update.Journal != nil {
		c.journal = update.Journal
		c.timestamps[KeyJournal] = now
	}
	if update.Pivots != nil {
		c.pivots = update.Pivots
		c.timestamps[KeyPivots] = now
	}
	for _, territory := range update.RemoveCountries {
		territory = strings.ToUpper(territory)
		delete(c.countries, territory)
		delete(c.timestamps, CountryKey(territory))
	}
	for territory, res := range update.Countries {
		territory = strings.ToUpper(territory)
		c.countries[territory] = res
		c.timestamps[CountryKey(territory)] = now
	}
	return nil
}

// checkLocked returns the staleness error for key. Callers hold c.mu.
func (c *MemoryCache) checkLocked(key string) error {
	ts, ok := c.timestamps[key]
	if !ok {
		return errors.Wrapf(ErrNotLoaded, "%s", key)
	}
	if c.staleness <= 0 {
		return nil
	}
	age := c.clock.Now().Sub(ts)
	if age >= c.staleness {
		return &StaleError{Key: key, UpdatedAt: ts, Age: age, Threshold: c.staleness}
	}
	return nil
}

// Master returns the cached master list.
func (c *MemoryCache) Master() (*MasterResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkLocked(KeyMaster); err != nil {
		return nil, err
	}
	return c.master, nil
}

// Journal returns the cached journal anchors.
func (c *MemoryCache) Journal() (*JournalResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkLocked(KeyJournal); err != nil {
		return nil, err
	}
	return c.journal, nil
}

// Pivots returns the cached pivot chain.
func (c *MemoryCache) Pivots() (*PivotResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkLocked(KeyPivots); err != nil {
		return nil, err
	}
	return c.pivots, nil
}

// Countries returns every cached country. It fails if any of them is stale.
func (c *MemoryCache) Countries() (map[string]*CountryResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.countriesLocked()
}

func (c *MemoryCache) countriesLocked() (map[string]*CountryResult, error) {
	out := make(map[string]*CountryResult, len(c.countries))
	for _, territory := range sortedKeys(c.countries) {
		if err := c.checkLocked(CountryKey(territory)); err != nil {
			return nil, err
		}
		out[territory] = c.countries[territory]
	}
	return out, nil
}

// View returns all entries read under one lock.
func (c *MemoryCache) View() (*View, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, key := range []string{KeyMaster, KeyJournal, KeyPivots} {
		if err := c.checkLocked(key); err != nil {
			return nil, err
		}
	}
	countries, err := c.countriesLocked()
	if err != nil {
		return nil, err
	}
	return &View{Master: c.master, Journal: c.journal, Pivots: c.pivots, Countries: countries}, nil
}

// Timestamp returns the last update of key.
func (c *MemoryCache) Timestamp(key string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts, ok := c.timestamps[key]
	return ts, ok
}

// Snapshot captures the current entries and timestamps. Stale entries are
// included; staleness is re-evaluated after Load.
func (c *MemoryCache) Snapshot() (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.master == nil || c.journal == nil || c.pivots == nil {
		return nil, errors.Wrap(ErrNotLoaded, "snapshot of incomplete cache")
	}
	s := &Snapshot{
		Version:    SnapshotVersion,
		Master:     c.master,
		Journal:    c.journal,
		Pivots:     c.pivots,
		Countries:  make(map[string]*CountryResult, len(c.countries)),
		Timestamps: make(map[string]time.Time, len(c.timestamps)),
	}
	for k, v := range c.countries {
		s.Countries[k] = v
	}
	for k, v := range c.timestamps {
		s.Timestamps[k] = v
	}
	return s, nil
}

// Load replaces the cache content with s. Every timestamp of s must be
// strictly newer than the current one for the same key, else nothing is
// loaded.
func (c *MemoryCache) Load(s *Snapshot) error {
	if err := s.check(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, incoming := range s.Timestamps {
		if existing, ok := c.timestamps[key]; ok && !incoming.After(existing) {
			return corrupt("timestamp of %q (%s) is not newer than the cached one (%s)",
				key, incoming.UTC().Format(time.RFC3339Nano), existing.UTC().Format(time.RFC3339Nano))
		}
	}

	c.master = s.Master
	c.journal = s.Journal
	c.pivots = s.Pivots
	c.countries = make(map[string]*CountryResult, len(s.Countries))
	for k, v := range s.Countries {
		c.countries[strings.ToUpper(k)] = v
	}
	c.timestamps = make(map[string]time.Time, len(s.Timestamps))
	for k, v := range s.Timestamps {
		c.timestamps[k] = v
	}
	return nil
}

func (c *MemoryCache) territories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.countries)
}
