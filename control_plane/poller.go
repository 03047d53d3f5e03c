package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/fleetglass/fleetglass/control_plane/connmgr"
	"github.com/fleetglass/fleetglass/control_plane/observability"
	"github.com/fleetglass/fleetglass/control_plane/store"
	"github.com/fleetglass/fleetglass/control_plane/webhook"
)

// prober is the slice of the connection manager the aggregator needs.
type prober interface {
	Poll(ctx context.Context, serverID string) (*connmgr.AgentStats, string, error)
}

// eventSink receives domain events for outbound delivery.
type eventSink interface {
	Publish(eventType string, data interface{})
}

// Aggregator runs one independent poll loop per watched server and
// folds the results into the latest fleet view. One server's outage
// never blocks another server's loop or the broadcast tick.
type Aggregator struct {
	st       store.Store
	cache    *store.RedisCache // optional
	prober   prober
	events   eventSink
	interval time.Duration

	mu          sync.RWMutex
	cancels     map[string]context.CancelFunc
	latest      map[string]*store.MetricSnapshot
	lastApplied map[string]uint64
	lastStatus  map[string]string
	nextSeq     map[string]uint64

	ctx context.Context
	wg  sync.WaitGroup
}

// NewAggregator creates an aggregator. cache may be nil.
func NewAggregator(st store.Store, cache *store.RedisCache, p prober, events eventSink, interval time.Duration) *Aggregator {
	return &Aggregator{
		st:          st,
		cache:       cache,
		prober:      p,
		events:      events,
		interval:    interval,
		cancels:     make(map[string]context.CancelFunc),
		latest:      make(map[string]*store.MetricSnapshot),
		lastApplied: make(map[string]uint64),
		lastStatus:  make(map[string]string),
		nextSeq:     make(map[string]uint64),
	}
}

// Start begins polling every server currently in the store.
func (a *Aggregator) Start(ctx context.Context) error {
	a.ctx = ctx
	servers, err := a.st.ListServers(ctx)
	if err != nil {
		return err
	}
	for _, s := range servers {
		a.Watch(s.ID)
	}
	log.Printf("aggregator: polling %d servers every %s", len(servers), a.interval)
	return nil
}

// Watch starts the poll loop for one server. Idempotent.
func (a *Aggregator) Watch(serverID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.cancels[serverID]; ok {
		return
	}
	loopCtx, cancel := context.WithCancel(a.ctx)
	a.cancels[serverID] = cancel
	a.lastStatus[serverID] = store.StatusUnknown
	a.wg.Add(1)
	go a.loop(loopCtx, serverID)
}

// Unwatch stops the loop and forgets runtime state for a server.
func (a *Aggregator) Unwatch(serverID string) {
	a.mu.Lock()
	cancel, ok := a.cancels[serverID]
	delete(a.cancels, serverID)
	delete(a.latest, serverID)
	delete(a.lastApplied, serverID)
	delete(a.lastStatus, serverID)
	delete(a.nextSeq, serverID)
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until all poll loops have exited.
func (a *Aggregator) Wait() {
	a.wg.Wait()
}

func (a *Aggregator) loop(ctx context.Context, serverID string) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	// First poll immediately so a new server does not sit at unknown
	// for a full interval.
	a.pollOnce(ctx, serverID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx, serverID)
		}
	}
}

func (a *Aggregator) pollOnce(ctx context.Context, serverID string) {
	a.mu.Lock()
	a.nextSeq[serverID]++
	seq := a.nextSeq[serverID]
	a.mu.Unlock()

	tickCtx, cancel := context.WithTimeout(ctx, a.interval)
	defer cancel()

	start := time.Now()
	stats, status, err := a.prober.Poll(tickCtx, serverID)
	observability.PollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.PollFailures.WithLabelValues(classifyFailure(err)).Inc()
	}
	if status == "" {
		return
	}

	snap := &store.MetricSnapshot{
		ServerID:  serverID,
		Sequence:  seq,
		Timestamp: time.Now().UTC(),
		Status:    status,
	}
	if stats != nil {
		snap.CPUPercent = stats.CPUPercent
		snap.MemTotal = stats.MemTotal
		snap.MemUsed = stats.MemUsed
		snap.DiskTotal = stats.DiskTotal
		snap.DiskUsed = stats.DiskUsed
		snap.NetInSpeed = stats.NetInSpeed
		snap.NetOutSpeed = stats.NetOutSpeed
		snap.Load1 = stats.Load1
		snap.ProcessCount = stats.ProcessCount
	}
	a.apply(snap)
}

// apply folds one snapshot into the fleet view, guarded by the
// poll-sequence counter: a delayed result from an earlier tick can
// never overwrite a newer one.
func (a *Aggregator) apply(snap *store.MetricSnapshot) {
	a.mu.Lock()
	if snap.Sequence <= a.lastApplied[snap.ServerID] && a.lastApplied[snap.ServerID] != 0 {
		a.mu.Unlock()
		observability.StaleSnapshotsDropped.Inc()
		return
	}
	a.lastApplied[snap.ServerID] = snap.Sequence
	a.latest[snap.ServerID] = snap
	prev := a.lastStatus[snap.ServerID]
	a.lastStatus[snap.ServerID] = snap.Status
	a.mu.Unlock()

	if err := a.st.UpdateServerStatus(a.ctx, snap.ServerID, snap.Status, snap.Sequence, snap.Timestamp); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("aggregator: persist status for %s: %v", snap.ServerID, err)
	}
	if a.cache != nil {
		if err := a.cache.SetSnapshot(a.ctx, snap); err != nil {
			log.Printf("aggregator: cache snapshot for %s: %v", snap.ServerID, err)
		}
	}

	if prev != snap.Status {
		a.emitStatusEvent(snap.ServerID, prev, snap.Status)
	}
}

func (a *Aggregator) emitStatusEvent(serverID, from, to string) {
	var eventType string
	switch to {
	case store.StatusOnline:
		eventType = webhook.EventServerOnline
	case store.StatusOffline:
		eventType = webhook.EventServerOffline
	case store.StatusDegraded:
		eventType = webhook.EventServerDegraded
	case store.StatusAuthError:
		eventType = webhook.EventServerAuthError
	default:
		return
	}
	log.Printf("aggregator: server %s %s -> %s", serverID, from, to)
	a.events.Publish(eventType, map[string]string{
		"server_id": serverID,
		"from":      from,
		"to":        to,
	})
}

// Overview computes fleet-wide counts by status.
func (a *Aggregator) Overview() *store.Overview {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ov := &store.Overview{Timestamp: time.Now().UTC()}
	for _, status := range a.lastStatus {
		ov.Total++
		switch status {
		case store.StatusOnline:
			ov.Online++
		case store.StatusDegraded:
			ov.Degraded++
		case store.StatusOffline:
			ov.Offline++
		case store.StatusAuthError:
			ov.AuthError++
		default:
			ov.Unknown++
		}
	}
	return ov
}

// statsMessage is the wire format pushed to stream clients each tick.
type statsMessage struct {
	Type string          `json:"type"`
	Data statsMessageBody `json:"data"`
}

type statsMessageBody struct {
	Overview  *store.Overview                  `json:"overview"`
	Snapshots map[string]*store.MetricSnapshot `json:"servers"`
}

// SerializeState builds the stats_update frame for one broadcast tick
// and refreshes the cached overview. It also drives the status gauges.
func (a *Aggregator) SerializeState() ([]byte, error) {
	a.mu.RLock()
	snapshots := make(map[string]*store.MetricSnapshot, len(a.latest))
	for id, snap := range a.latest {
		snapshots[id] = snap
	}
	a.mu.RUnlock()

	ov := a.Overview()
	observability.ServersByStatus.WithLabelValues(store.StatusOnline).Set(float64(ov.Online))
	observability.ServersByStatus.WithLabelValues(store.StatusDegraded).Set(float64(ov.Degraded))
	observability.ServersByStatus.WithLabelValues(store.StatusOffline).Set(float64(ov.Offline))
	observability.ServersByStatus.WithLabelValues(store.StatusAuthError).Set(float64(ov.AuthError))
	observability.ServersByStatus.WithLabelValues(store.StatusUnknown).Set(float64(ov.Unknown))

	if a.cache != nil {
		if err := a.cache.SetOverview(a.ctx, ov); err != nil {
			log.Printf("aggregator: cache overview: %v", err)
		}
	}

	return json.Marshal(statsMessage{
		Type: "stats_update",
		Data: statsMessageBody{Overview: ov, Snapshots: snapshots},
	})
}

func classifyFailure(err error) string {
	switch {
	case errors.Is(err, connmgr.ErrAuthFailure), errors.Is(err, connmgr.ErrAuthLocked):
		return "auth"
	case errors.Is(err, connmgr.ErrNetworkTimeout):
		return "timeout"
	case errors.Is(err, connmgr.ErrBackoff):
		return "backoff"
	default:
		return "protocol"
	}
}
