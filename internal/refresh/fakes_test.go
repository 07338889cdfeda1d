package refresh

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatcher/pricewatcher/internal/notifications"
	"github.com/pricewatcher/pricewatcher/internal/pricing"
	"github.com/pricewatcher/pricewatcher/internal/provider"
	"github.com/pricewatcher/pricewatcher/internal/store"
)

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

type stateKey struct{ username, url string }

type fakeStore struct {
	mu        sync.Mutex
	snapshots map[string]store.ProductDetails
	points    []pricing.PricePoint
	watching  map[string][]string // url -> usernames
	users     map[string]store.UserSettings
	state     map[stateKey]store.NotificationState
	log       []store.NotificationLogEntry
	failSave  error
	seen      map[pointKey]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		snapshots: make(map[string]store.ProductDetails),
		watching:  make(map[string][]string),
		users:     make(map[string]store.UserSettings),
		state:     make(map[stateKey]store.NotificationState),
	}
}

func (f *fakeStore) addUser(s store.UserSettings, urls ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[s.Username] = s
	for _, u := range urls {
		f.watching[u] = append(f.watching[u], s.Username)
	}
}

type pointKey struct {
	url, retailer string
	observedAt    time.Time
}

// AppendPricePoints skips observations already held, keyed the way the
// price_points unique index is.
func (f *fakeStore) AppendPricePoints(_ context.Context, points []pricing.PricePoint) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = make(map[pointKey]bool)
	}
	var added int64
	for _, p := range points {
		k := pointKey{p.ProductURL, p.Retailer, p.ObservedAt.UTC()}
		if f.seen[k] {
			continue
		}
		f.seen[k] = true
		f.points = append(f.points, p)
		added++
	}
	return added, nil
}

func (f *fakeStore) GetSnapshot(_ context.Context, url string) (*store.ProductDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.snapshots[url]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, p store.ProductDetails) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave != nil {
		return f.failSave
	}
	if cur, ok := f.snapshots[p.URL]; ok && !cur.LastUpdated.Before(p.LastUpdated) {
		return store.ErrStaleSnapshot
	}
	p.Dead = false
	p.Stale = false
	f.snapshots[p.URL] = p
	return nil
}

func (f *fakeStore) MarkDead(_ context.Context, url, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.snapshots[url]
	if !ok {
		p = store.ProductDetails{URL: url}
	}
	p.Dead = true
	f.snapshots[url] = p
	return nil
}

func (f *fakeStore) ListWatchedURLs(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for url := range f.watching {
		if f.snapshots[url].Dead {
			continue
		}
		out = append(out, url)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) ListWatchers(_ context.Context, url string) ([]store.Watcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Watcher
	for _, u := range f.watching[url] {
		w := store.Watcher{Settings: f.users[u]}
		if st, ok := f.state[stateKey{u, url}]; ok {
			w.State = &st
		}
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeStore) RecordNotification(_ context.Context, e store.NotificationLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, e)
	if e.Success {
		f.state[stateKey{e.Username, e.ProductURL}] = store.NotificationState{
			Username:            e.Username,
			ProductURL:          e.ProductURL,
			LastDiscountPercent: e.DiscountPercent,
			LastSentAt:          e.SentAt,
		}
		if p, ok := f.snapshots[e.ProductURL]; ok {
			sent, pct := e.SentAt, e.DiscountPercent
			p.LastNotificationSent, p.LastDiscountPercent = &sent, &pct
			f.snapshots[e.ProductURL] = p
		}
	}
	return nil
}

func (f *fakeStore) MarkCredentialInvalid(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[username]
	u.CredentialInvalid = true
	f.users[username] = u
	return nil
}

func (f *fakeStore) logFor(username string) []store.NotificationLogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.NotificationLogEntry
	for _, e := range f.log {
		if e.Username == username {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeStore) stateFor(username, url string) (store.NotificationState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[stateKey{username, url}]
	return st, ok
}

// --------------------------------------------------------------------------
// Provider
// --------------------------------------------------------------------------

type fakeProvider struct {
	mu      sync.Mutex
	prices  map[string]map[string]string // url -> retailer -> price
	errs    map[string][]error           // scripted failures before success
	always  map[string]error             // permanent answer
	calls   map[string]int
	gate    chan struct{}
	entered chan string
	asOf    time.Time // observation clock; zero means time.Now
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		prices: make(map[string]map[string]string),
		errs:   make(map[string][]error),
		always: make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeProvider) set(url string, prices map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[url] = prices
}

func (f *fakeProvider) FetchPrices(ctx context.Context, url string) ([]pricing.PricePoint, error) {
	f.mu.Lock()
	f.calls[url]++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- url:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.always[url]; ok {
		return nil, err
	}
	if errs := f.errs[url]; len(errs) > 0 {
		f.errs[url] = errs[1:]
		return nil, errs[0]
	}
	prices, ok := f.prices[url]
	if !ok {
		return nil, provider.ErrNotFound
	}
	now := f.asOf
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var out []pricing.PricePoint
	for retailer, p := range prices {
		out = append(out,
			pricing.PricePoint{Retailer: retailer, ProductURL: url, Price: decimal.RequireFromString("999"), ObservedAt: now.Add(-48 * time.Hour)},
			pricing.PricePoint{Retailer: retailer, ProductURL: url, Price: decimal.RequireFromString(p), ObservedAt: now.Add(-time.Hour)},
		)
	}
	return out, nil
}

func (f *fakeProvider) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// --------------------------------------------------------------------------
// Transport
// --------------------------------------------------------------------------

type fakeTransport struct {
	mu     sync.Mutex
	sent   []string // credentials
	reject map[string]bool
	delay  time.Duration
}

func (f *fakeTransport) Send(ctx context.Context, credential string, _ notifications.Message) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[credential] {
		return errors.Join(errors.New("user key rejected"), notifications.ErrInvalidCredential)
	}
	f.sent = append(f.sent, credential)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
