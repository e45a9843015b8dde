package peripheral

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/smarthelmet/relay/log2"
)

type Registry struct {
	log        *log2.Log
	transports map[string]Transport
	configs    []Config
	order      map[string]int
	now        func() time.Time

	mu      sync.RWMutex
	handles map[string]Handle
}

func NewRegistry(log *log2.Log, transports map[string]Transport, configs []Config) *Registry {
	self := &Registry{
		log:        log,
		transports: transports,
		configs:    configs,
		order:      make(map[string]int, len(configs)),
		now:        time.Now,
		handles:    make(map[string]Handle, len(configs)),
	}
	for i, c := range configs {
		self.order[c.Name] = i
		if c.Address != "" {
			self.handles[c.Name] = Handle{
				Name:      c.Name,
				Address:   c.Address,
				Transport: c.Transport,
				Static:    true,
			}
		}
	}
	return self
}

// Discover runs one pass on every transport with discoverable peripherals.
// Successful non-empty pass replaces that transport's handle set.
// Failed or empty pass keeps previous handles, adding whatever was reported.
func (self *Registry) Discover(ctx context.Context, timeout time.Duration) []Handle {
	wanted := make(map[string]map[string]struct{})
	for _, c := range self.configs {
		if c.Address != "" {
			continue
		}
		if wanted[c.Transport] == nil {
			wanted[c.Transport] = make(map[string]struct{})
		}
		wanted[c.Transport][c.Name] = struct{}{}
	}

	tnames := make([]string, 0, len(wanted))
	for tname := range wanted {
		tnames = append(tnames, tname)
	}
	sort.Strings(tnames)
	for _, tname := range tnames {
		names := wanted[tname]
		t, ok := self.transports[tname]
		if !ok {
			self.log.Errorf("peripheral discover transport=%s not available", tname)
			continue
		}
		adverts, err := t.Discover(ctx, timeout)
		if err == ErrNoDiscovery {
			continue
		}
		found := make(map[string]Advert, len(names))
		for _, a := range adverts {
			if _, ok := names[a.Name]; ok {
				found[a.Name] = a
			}
		}
		self.apply(tname, found, err == nil && len(found) != 0)
		switch {
		case err != nil:
			self.log.Warningf("peripheral discover transport=%s err=%v, keeping previous set", tname, err)
		case len(found) == 0:
			self.log.Warningf("peripheral discover transport=%s found nothing, keeping previous set", tname)
		default:
			self.log.Debugf("peripheral discover transport=%s found=%d/%d", tname, len(found), len(names))
		}
	}
	return self.Handles()
}

func (self *Registry) apply(tname string, found map[string]Advert, replace bool) {
	now := self.now()
	self.mu.Lock()
	defer self.mu.Unlock()
	if replace {
		for name, h := range self.handles {
			if h.Transport == tname && !h.Static {
				if _, ok := found[name]; !ok {
					self.log.Debugf("peripheral=%s stale, dropped", name)
				}
				delete(self.handles, name)
			}
		}
	}
	for name, a := range found {
		self.handles[name] = Handle{
			Name:      name,
			Address:   a.Address,
			Transport: tname,
			LastSeen:  now,
		}
	}
}

// Handles returns reachable peripherals in configured order.
func (self *Registry) Handles() []Handle {
	self.mu.RLock()
	hs := make([]Handle, 0, len(self.handles))
	for _, h := range self.handles {
		hs = append(hs, h)
	}
	self.mu.RUnlock()
	sort.Slice(hs, func(i, j int) bool { return self.order[hs[i].Name] < self.order[hs[j].Name] })
	return hs
}

func (self *Registry) Resolve(name string) (Handle, error) {
	self.mu.RLock()
	h, ok := self.handles[name]
	self.mu.RUnlock()
	if !ok {
		return Handle{}, errors.NotFoundf("peripheral=%s", name)
	}
	return h, nil
}

func (self *Registry) Transport(name string) (Transport, bool) {
	t, ok := self.transports[name]
	return t, ok
}

func (self *Registry) touch(name string) {
	now := self.now()
	self.mu.Lock()
	if h, ok := self.handles[name]; ok {
		h.LastSeen = now
		self.handles[name] = h
	}
	self.mu.Unlock()
}

// DiscoverDue reports whether discovery should run on given cycle number.
// First cycle always discovers.
func DiscoverDue(cycle uint64, every int) bool {
	if every <= 1 {
		return true
	}
	return cycle%uint64(every) == 0
}
