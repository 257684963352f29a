// Package gateway implements spec.md §4.8's optional Internet-bridging
// layer on top of plugin dispatch (spec.md §4.6): Internet reachability
// probing, primary-gateway election by heartbeat, and at-most-once-per-
// primary-window forwarding of sendToInternet requests. Every package kind
// it defines lives in the user/plugin range (>=100), since nothing in this
// layer is part of the core protocol table.
package gateway

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/painlessmesh/mesh/pkg/mesh/core"
	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// messageIDNamespace roots the UUIDv5 message-ID derivation spec.md §4.8
// describes ("messageId is derived from (nodeId, monotonic counter)"):
// deterministic per (nodeID, counter) pair instead of random, so a message
// ID is reproducible from the pair alone for log correlation.
var messageIDNamespace = uuid.MustParse("6f2c9fa1-4e0a-4f1e-9f2e-2d6a9d9c9b3f")

const (
	// TypeHeartbeat through TypeGatewayAck are plugin payload kinds (spec.md
	// §3 "ids >= 100 are user") this optional layer reserves for itself.
	TypeHeartbeat    types.PackageType = types.FirstUserType + iota
	TypeGatewayData
	TypeGatewayAck
)

const maxConcurrentRequests = 4

// Health runs the periodic Internet reachability probe and keeps the
// running counters spec.md §4.8 names: checks, successes, failures,
// last-latency, last-error, last-success-time, and the derived `available`
// boolean.
type Health struct {
	host string
	port int
	dial func(network, address string, timeout time.Duration) (net.Conn, error)

	mu          sync.Mutex
	checks      uint64
	successes   uint64
	failures    uint64
	lastLatency time.Duration
	lastError   string
	lastSuccess time.Time
	available   bool

	probesTotal    prometheus.Counter
	probeFailures  prometheus.Counter
	probeLatency   prometheus.Histogram
	availableGauge prometheus.Gauge
}

// NewHealth builds a Health prober and registers its metrics with reg (a
// fresh prometheus.NewRegistry() if the caller doesn't want to share the
// default global one).
func NewHealth(host string, port int, reg prometheus.Registerer) *Health {
	h := &Health{
		host: host,
		port: port,
		dial: func(network, address string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout(network, address, timeout)
		},
		probesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_gateway_internet_probes_total",
			Help: "Total Internet reachability probes attempted.",
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mesh_gateway_internet_probe_failures_total",
			Help: "Internet reachability probes that failed.",
		}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mesh_gateway_internet_probe_latency_seconds",
			Help:    "Latency of successful Internet reachability probes.",
			Buckets: prometheus.DefBuckets,
		}),
		availableGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesh_gateway_internet_available",
			Help: "1 if the most recent Internet reachability probe succeeded.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.probesTotal, h.probeFailures, h.probeLatency, h.availableGauge)
	}
	return h
}

// Probe performs one reachability check, updating the running counters.
func (h *Health) Probe() {
	h.probesTotal.Inc()
	start := time.Now()
	conn, err := h.dial("tcp", fmt.Sprintf("%s:%d", h.host, h.port), 5*time.Second)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks++
	if err != nil {
		h.failures++
		h.lastError = err.Error()
		h.available = false
		h.probeFailures.Inc()
		h.availableGauge.Set(0)
		return
	}
	_ = conn.Close()
	latency := time.Since(start)
	h.successes++
	h.lastLatency = latency
	h.lastError = ""
	h.lastSuccess = time.Now()
	h.available = true
	h.probeLatency.Observe(latency.Seconds())
	h.availableGauge.Set(1)
}

// Available reports whether the most recent probe succeeded.
func (h *Health) Available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.available
}

// Stats is a diagnostic snapshot of Health's counters.
type Stats struct {
	Checks      uint64
	Successes   uint64
	Failures    uint64
	LastLatency time.Duration
	LastError   string
	LastSuccess time.Time
	Available   bool
}

func (h *Health) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Checks: h.checks, Successes: h.successes, Failures: h.failures,
		LastLatency: h.lastLatency, LastError: h.lastError,
		LastSuccess: h.lastSuccess, Available: h.available,
	}
}

type heartbeatPayload struct {
	IsPrimary    bool  `json:"isPrimary"`
	HasInternet  bool  `json:"hasInternet"`
	RouterRSSI   int   `json:"routerRSSI"`
	UptimeMicros int64 `json:"uptime"`
	Timestamp    int64 `json:"timestamp"`
}

type gatewayDataPayload struct {
	MessageID   string `json:"messageId"`
	OriginNode  types.NodeID `json:"originNode"`
	Destination string `json:"destination"`
	ContentType string `json:"contentType"`
	Payload     []byte `json:"payload"`
	Priority    int    `json:"priority"`
	RequiresAck bool   `json:"requiresAck"`
}

type gatewayAckPayload struct {
	MessageID  string `json:"messageId"`
	Success    bool   `json:"success"`
	HTTPStatus int    `json:"httpStatus"`
	Error      string `json:"error"`
}

func buildHeartbeat(from types.NodeID, p heartbeatPayload) types.Message {
	msg := types.Message{Type: TypeHeartbeat, From: from}
	_ = msg.SetField("isPrimary", p.IsPrimary)
	_ = msg.SetField("hasInternet", p.HasInternet)
	_ = msg.SetField("routerRSSI", p.RouterRSSI)
	_ = msg.SetField("uptime", p.UptimeMicros)
	_ = msg.SetField("timestamp", p.Timestamp)
	return msg
}

func parseHeartbeat(msg types.Message) (heartbeatPayload, error) {
	var p heartbeatPayload
	if err := msg.Field("isPrimary", &p.IsPrimary); err != nil {
		return p, err
	}
	if err := msg.Field("hasInternet", &p.HasInternet); err != nil {
		return p, err
	}
	if err := msg.Field("routerRSSI", &p.RouterRSSI); err != nil {
		return p, err
	}
	if err := msg.Field("uptime", &p.UptimeMicros); err != nil {
		return p, err
	}
	if err := msg.Field("timestamp", &p.Timestamp); err != nil {
		return p, err
	}
	return p, nil
}

func buildGatewayData(from, dest types.NodeID, p gatewayDataPayload) types.Message {
	msg := types.Message{Type: TypeGatewayData, From: from, Dest: &dest}
	_ = msg.SetField("messageId", p.MessageID)
	_ = msg.SetField("originNode", p.OriginNode)
	_ = msg.SetField("destination", p.Destination)
	_ = msg.SetField("contentType", p.ContentType)
	_ = msg.SetField("payload", p.Payload)
	_ = msg.SetField("priority", p.Priority)
	_ = msg.SetField("requiresAck", p.RequiresAck)
	return msg
}

func parseGatewayData(msg types.Message) (gatewayDataPayload, error) {
	var p gatewayDataPayload
	if err := msg.Field("messageId", &p.MessageID); err != nil {
		return p, err
	}
	if err := msg.Field("originNode", &p.OriginNode); err != nil {
		return p, err
	}
	if err := msg.Field("destination", &p.Destination); err != nil {
		return p, err
	}
	if err := msg.Field("contentType", &p.ContentType); err != nil {
		return p, err
	}
	if err := msg.Field("payload", &p.Payload); err != nil {
		return p, err
	}
	if err := msg.Field("priority", &p.Priority); err != nil {
		return p, err
	}
	if err := msg.Field("requiresAck", &p.RequiresAck); err != nil {
		return p, err
	}
	return p, nil
}

func buildGatewayAck(from, dest types.NodeID, p gatewayAckPayload) types.Message {
	msg := types.Message{Type: TypeGatewayAck, From: from, Dest: &dest}
	_ = msg.SetField("messageId", p.MessageID)
	_ = msg.SetField("success", p.Success)
	_ = msg.SetField("httpStatus", p.HTTPStatus)
	_ = msg.SetField("error", p.Error)
	return msg
}

func parseGatewayAck(msg types.Message) (gatewayAckPayload, error) {
	var p gatewayAckPayload
	if err := msg.Field("messageId", &p.MessageID); err != nil {
		return p, err
	}
	if err := msg.Field("success", &p.Success); err != nil {
		return p, err
	}
	if err := msg.Field("httpStatus", &p.HTTPStatus); err != nil {
		return p, err
	}
	if err := msg.Field("error", &p.Error); err != nil {
		return p, err
	}
	return p, nil
}

// dedupEntry is one LRU slot: (messageId, originNode) seen at a point in
// time, expiring after the configured TTL.
type dedupEntry struct {
	key  dedupKey
	seen time.Time
}

type dedupKey struct {
	messageID  string
	originNode types.NodeID
}

// dedupTable is a bounded, TTL-expiring LRU used for the primary gateway's
// (messageId, originNode) dedup table (spec.md §4.8 "Gateway forwarding"
// step 1). No example in the retrieval pack carries a ready-made LRU
// library, so this is built directly on container/list + map, the same way
// the standard library's own documentation models an LRU.
type dedupTable struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxLen   int
	order    *list.List
	index    map[dedupKey]*list.Element
}

func newDedupTable(maxLen int, ttl time.Duration) *dedupTable {
	return &dedupTable{ttl: ttl, maxLen: maxLen, order: list.New(), index: map[dedupKey]*list.Element{}}
}

// SeenBefore records key if new, evicting the oldest/expired entries as
// needed, and reports whether it was already present and unexpired.
func (d *dedupTable) SeenBefore(key dedupKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if el, ok := d.index[key]; ok {
		entry := el.Value.(*dedupEntry)
		if now.Sub(entry.seen) < d.ttl {
			return true
		}
		d.order.Remove(el)
		delete(d.index, key)
	}

	for d.order.Len() > 0 {
		oldest := d.order.Front()
		entry := oldest.Value.(*dedupEntry)
		if now.Sub(entry.seen) < d.ttl && d.order.Len() < d.maxLen {
			break
		}
		d.order.Remove(oldest)
		delete(d.index, entry.key)
	}

	el := d.order.PushBack(&dedupEntry{key: key, seen: now})
	d.index[key] = el
	return false
}

// PendingRequest tracks a sendToInternet call awaiting its GatewayAck.
type pendingRequest struct {
	callback func(success bool, httpStatus int, errMsg string)
	timer    *time.Timer
}

// Gateway runs the heartbeat/election state machine and forwards
// sendToInternet traffic, per spec.md §4.8.
type Gateway struct {
	router *core.Router
	log    types.Logger
	cfg    *types.Config
	health *Health
	rssi   func() int
	client *http.Client
	sem    *semaphore.Weighted
	dedup  *dedupTable
	start  time.Time
	ackTimeout time.Duration

	mu            sync.Mutex
	isPrimary     bool
	cooldownUntil time.Time
	peers         map[types.NodeID]heartbeatRecord
	pending       map[string]*pendingRequest
	counter       uint64
}

type heartbeatRecord struct {
	payload  heartbeatPayload
	received time.Time
}

func NewGateway(router *core.Router, cfg *types.Config, health *Health, rssi func() int, log types.Logger) *Gateway {
	g := &Gateway{
		router:     router,
		log:        log,
		cfg:        cfg,
		health:     health,
		rssi:       rssi,
		client:     &http.Client{Timeout: 10 * time.Second},
		sem:        semaphore.NewWeighted(maxConcurrentRequests),
		dedup:      newDedupTable(cfg.GatewayMaxTrackedMessages, cfg.GatewayDedupWindow),
		start:      time.Now(),
		ackTimeout: 30 * time.Second,
		peers:      map[types.NodeID]heartbeatRecord{},
		pending:    map[string]*pendingRequest{},
		// Starting the counter from the construction time keeps
		// (nodeID, counter) pairs, and so message IDs, from repeating
		// after a restart.
		counter: uint64(time.Now().UnixNano()),
	}

	router.Dispatch().OnBroadcast(TypeHeartbeat, g.handleHeartbeat)
	router.Dispatch().OnSingle(TypeGatewayData, g.handleGatewayData)
	router.Dispatch().OnSingle(TypeGatewayAck, g.handleGatewayAck)

	router.Scheduler().Every(cfg.GatewayInternetCheckInterval, 0.05, health.Probe)
	router.Scheduler().Every(cfg.GatewayHeartbeatInterval, 0.05, g.sendHeartbeat)
	router.Scheduler().Every(cfg.GatewayFailureTimeout/3, 0, g.electPrimary)

	return g
}

func (g *Gateway) sendHeartbeat() {
	g.mu.Lock()
	primary := g.isPrimary
	g.mu.Unlock()

	g.router.Broadcast(buildHeartbeat(g.router.NodeID(), heartbeatPayload{
		IsPrimary:    primary,
		HasInternet:  g.health.Available(),
		RouterRSSI:   g.rssi(),
		UptimeMicros: int64(time.Since(g.start) / time.Microsecond),
		Timestamp:    time.Now().UnixMicro(),
	}))
}

func (g *Gateway) handleHeartbeat(msg types.Message) {
	p, err := parseHeartbeat(msg)
	if err != nil {
		g.log.Warnf("gateway: malformed HEARTBEAT: %v", err)
		return
	}
	g.mu.Lock()
	g.peers[msg.From] = heartbeatRecord{payload: p, received: time.Now()}
	g.mu.Unlock()
}

// electPrimary recomputes the highest-RSSI-then-highest-NodeId eligible
// node among heartbeats seen within gatewayFailureTimeout, spec.md §4.8
// "Heartbeat & election". Stale entries are pruned first so a silently
// disappeared gateway drops out of the candidate set.
func (g *Gateway) electPrimary() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-g.cfg.GatewayFailureTimeout)
	for id, rec := range g.peers {
		if rec.received.Before(cutoff) {
			delete(g.peers, id)
		}
	}

	if now.Before(g.cooldownUntil) {
		return
	}

	type candidate struct {
		id   types.NodeID
		rssi int
	}
	var best *candidate
	selfEligible := g.cfg.GatewayParticipateInElection && g.health.Available()
	if selfEligible {
		best = &candidate{id: g.cfg.NodeID, rssi: g.rssi()}
	}
	for id, rec := range g.peers {
		if !rec.payload.HasInternet {
			continue
		}
		c := candidate{id: id, rssi: rec.payload.RouterRSSI}
		if best == nil || c.rssi > best.rssi || (c.rssi == best.rssi && c.id > best.id) {
			best = &c
		}
	}

	wasPrimary := g.isPrimary
	g.isPrimary = best != nil && best.id == g.cfg.NodeID
	if g.isPrimary != wasPrimary {
		g.cooldownUntil = now.Add(g.cfg.GatewayFailureTimeout / 3)
		g.log.Infof("gateway: primary election changed, isPrimary=%v", g.isPrimary)
	}
}

// IsPrimary reports whether this node currently believes it is the primary
// gateway.
func (g *Gateway) IsPrimary() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isPrimary
}

// CurrentPrimary returns the node this instance believes is primary, or
// nil if none is currently eligible: itself if it is primary, otherwise the
// heartbeating peer with Internet that wins the RSSI-then-NodeId rule.
func (g *Gateway) CurrentPrimary() *types.NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isPrimary {
		self := g.cfg.NodeID
		return &self
	}
	var best *types.NodeID
	var bestRSSI int
	for id, rec := range g.peers {
		if !rec.payload.HasInternet {
			continue
		}
		if best == nil || rec.payload.RouterRSSI > bestRSSI || (rec.payload.RouterRSSI == bestRSSI && id > *best) {
			idCopy := id
			best = &idCopy
			bestRSSI = rec.payload.RouterRSSI
		}
	}
	return best
}

// SendToInternet implements spec.md §4.8's user request path:
// sendToInternet(url, payload, callback, priority) -> messageId. If this
// node is itself Internet-available it performs the HTTP request directly;
// otherwise it forwards to the current primary gateway and arms an ack
// timeout.
func (g *Gateway) SendToInternet(destination, contentType string, payload []byte, priority int, callback func(success bool, httpStatus int, errMsg string)) string {
	messageID := g.nextMessageID()

	if g.health.Available() {
		go g.performRequest(messageID, g.cfg.NodeID, destination, contentType, payload, callback)
		return messageID
	}

	primary := g.CurrentPrimary()
	if primary == nil {
		if callback != nil {
			callback(false, 0, "no primary gateway available")
		}
		return messageID
	}

	g.mu.Lock()
	timer := time.AfterFunc(g.ackTimeout, func() { g.timeoutPending(messageID) })
	g.pending[messageID] = &pendingRequest{callback: callback, timer: timer}
	g.mu.Unlock()

	g.router.Send(buildGatewayData(g.cfg.NodeID, *primary, gatewayDataPayload{
		MessageID: messageID, OriginNode: g.cfg.NodeID,
		Destination: destination, ContentType: contentType,
		Payload: payload, Priority: priority, RequiresAck: true,
	}))
	return messageID
}

// nextMessageID hands out the UUIDv5 of (nodeID, counter) that
// SendToInternet uses as its returned messageId, advancing counter under
// the gateway's lock so two concurrent callers never collide.
func (g *Gateway) nextMessageID() string {
	g.mu.Lock()
	g.counter++
	c := g.counter
	g.mu.Unlock()
	return uuid.NewSHA1(messageIDNamespace, []byte(fmt.Sprintf("%d:%d", g.cfg.NodeID, c))).String()
}

func (g *Gateway) timeoutPending(messageID string) {
	g.mu.Lock()
	req, ok := g.pending[messageID]
	if ok {
		delete(g.pending, messageID)
	}
	g.mu.Unlock()
	if ok && req.callback != nil {
		req.callback(false, 0, "ack-timeout")
	}
}

func (g *Gateway) handleGatewayData(msg types.Message) {
	p, err := parseGatewayData(msg)
	if err != nil {
		g.log.Warnf("gateway: malformed GATEWAY_DATA: %v", err)
		return
	}
	if !g.IsPrimary() {
		return
	}
	if g.dedup.SeenBefore(dedupKey{messageID: p.MessageID, originNode: p.OriginNode}) {
		g.log.Debugf("gateway: dropping duplicate message %s from node %d", p.MessageID, p.OriginNode)
		return
	}

	origin := p.OriginNode
	go func() {
		if err := g.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer g.sem.Release(1)

		status, reqErr := g.doHTTP(p.Destination, p.ContentType, p.Payload)
		if !p.RequiresAck {
			return
		}
		ack := gatewayAckPayload{MessageID: p.MessageID, Success: reqErr == nil && status < 400, HTTPStatus: status}
		if reqErr != nil {
			ack.Error = reqErr.Error()
		}
		g.router.Send(buildGatewayAck(g.cfg.NodeID, origin, ack))
	}()
}

func (g *Gateway) doHTTP(destination, contentType string, payload []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, destination, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (g *Gateway) performRequest(messageID string, origin types.NodeID, destination, contentType string, payload []byte, callback func(success bool, httpStatus int, errMsg string)) {
	status, err := g.doHTTP(destination, contentType, payload)
	if callback == nil {
		return
	}
	if err != nil {
		callback(false, status, err.Error())
		return
	}
	callback(status < 400, status, "")
}

func (g *Gateway) handleGatewayAck(msg types.Message) {
	p, err := parseGatewayAck(msg)
	if err != nil {
		g.log.Warnf("gateway: malformed GATEWAY_ACK: %v", err)
		return
	}
	g.mu.Lock()
	req, ok := g.pending[p.MessageID]
	if ok {
		delete(g.pending, p.MessageID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	req.timer.Stop()
	if req.callback != nil {
		req.callback(p.Success, p.HTTPStatus, p.Error)
	}
}
