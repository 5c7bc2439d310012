package notify

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"forge/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// serviceConfig is the Shoutrrr URL extracted from a service's config_json.
type serviceConfig struct {
	ShoutrrrURL string `json:"shoutrrr_url"`
}

// Dispatcher subscribes to build and release events, evaluates each
// service's flags and per-event rules, enforces cooldowns, and dispatches
// via Shoutrrr.
type Dispatcher struct {
	db     *sql.DB
	bus    *events.Bus
	sender Sender

	// cooldowns tracks the last dispatch time per (service_id, event_type).
	mu        sync.Mutex
	cooldowns map[string]time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher wired to the given bus and database.
func NewDispatcher(db *sql.DB, bus *events.Bus, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{
		db:        db,
		bus:       bus,
		sender:    sender,
		cooldowns: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to the relevant events and begins dispatching.
func (d *Dispatcher) Start() {
	ch := make(chan events.Event, 256)

	d.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("notify: event queue full, dropping %s event", e.Type)
		}
	}, events.BuildChanged, events.VersionReleased)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatcher goroutine to finish and waits for it.
// Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// handle processes a single event against all enabled services. Build
// change events only notify on terminal outcomes; intermediate states
// would be pure noise at the dispatch level.
func (d *Dispatcher) handle(e events.Event) {
	if e.Type == events.BuildChanged && e.State != "failed" && e.State != "uploaded" {
		return
	}

	services, err := ListEnabledServices(d.db)
	if err != nil {
		log.Printf("notify: list services: %v", err)
		return
	}

	for _, svc := range services {
		if !d.flagAllowed(svc, e) {
			continue
		}
		if !d.eventRuleAllowed(svc.ID, e) {
			continue
		}
		d.dispatch(svc, e)
	}
}

// flagAllowed checks the service's coarse notification flags.
func (d *Dispatcher) flagAllowed(svc NotificationService, e events.Event) bool {
	switch e.Type {
	case events.VersionReleased:
		return svc.NotifyOnRelease
	case events.BuildChanged:
		if e.State == "failed" {
			return svc.NotifyOnFailure
		}
		return svc.NotifyOnSuccess
	default:
		return false
	}
}

// eventRuleAllowed checks per-event-type rules and enforces cooldowns.
func (d *Dispatcher) eventRuleAllowed(serviceID int64, e events.Event) bool {
	rules, err := GetEventRules(d.db, serviceID)
	if err != nil {
		log.Printf("notify: get rules for service %d: %v", serviceID, err)
		return true // fail open — if rules can't load, allow
	}

	// If no rules are configured, allow all events.
	if len(rules) == 0 {
		return true
	}

	for _, r := range rules {
		if r.EventType != string(e.Type) {
			continue
		}
		if !r.Enabled {
			return false
		}

		// Cooldown check
		if r.Cooldown > 0 {
			key := fmt.Sprintf("%d:%s:%s", serviceID, e.Type, e.PluginSlug)
			d.mu.Lock()
			last, ok := d.cooldowns[key]
			now := time.Now()
			if ok && now.Sub(last) < time.Duration(r.Cooldown)*time.Second {
				d.mu.Unlock()
				return false
			}
			d.cooldowns[key] = now
			d.mu.Unlock()
		}

		return true
	}

	// Event type not in rules list — allow by default.
	return true
}

// dispatch sends the notification and records the result.
func (d *Dispatcher) dispatch(svc NotificationService, e events.Event) {
	var cfg serviceConfig
	if err := json.Unmarshal([]byte(svc.ConfigJSON), &cfg); err != nil {
		log.Printf("notify: bad config for service %d (%s): %v", svc.ID, svc.Name, err)
		return
	}
	if cfg.ShoutrrrURL == "" {
		log.Printf("notify: service %d (%s) has no shoutrrr_url", svc.ID, svc.Name)
		return
	}

	msg := formatMessage(e)
	err := d.sender.Send(cfg.ShoutrrrURL, msg)

	rec := &NotificationRecord{
		SettingID:  svc.ID,
		EventType:  string(e.Type),
		PluginSlug: e.PluginSlug,
		BuildID:    e.BuildID,
		Message:    msg,
	}

	if err != nil {
		rec.Status = "failed"
		rec.ErrorMessage = err.Error()
		log.Printf("notify: send to %s failed: %v", svc.Name, err)
	} else {
		rec.Status = "sent"
		rec.SentAt = time.Now().UTC()
	}

	if _, dbErr := RecordNotification(d.db, rec); dbErr != nil {
		log.Printf("notify: record history: %v", dbErr)
	}
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	switch e.Type {
	case events.VersionReleased:
		return fmt.Sprintf("[%s] version %s released", e.PluginSlug, e.Message)
	case events.BuildChanged:
		if e.State == "failed" {
			return fmt.Sprintf("[%s] build %d failed", e.PluginSlug, e.BuildID)
		}
		return fmt.Sprintf("[%s] build %d uploaded", e.PluginSlug, e.BuildID)
	default:
		return fmt.Sprintf("[%s] %s", e.PluginSlug, e.Type)
	}
}
