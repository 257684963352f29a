// Package ota implements spec.md §4.7's over-the-air firmware distribution:
// a Sender that announces and serves a firmware image, and a Receiver state
// machine that answers an Announce it cares about, pulls or listens for
// Data chunks, and installs the image once every chunk has landed and the
// md5 of the assembled image matches; chunks are not checked one by one. Both sides are built the way pkg/mesh/core's handshake/time-sync
// state machines are: plain structs driven by Router's Dispatch callbacks,
// with their own mutex-guarded state instead of a shared one.
package ota

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/painlessmesh/mesh/pkg/mesh/core"
	"github.com/painlessmesh/mesh/pkg/mesh/types"
)

// Identity names the firmware a Sender offers or a Receiver accepts: role
// and hardware are opaque operator-chosen tags (spec.md §4.7 "role" /
// "hardware"); a Receiver only ever looks at an Announce whose role and
// hardware match its own.
type Identity struct {
	Role     string
	Hardware string
}

func (id Identity) matches(role, hardware string) bool {
	return id.Role == role && id.Hardware == hardware
}

// announcePayload is the ANNOUNCE package body (spec.md §4.7 table).
type announcePayload struct {
	Role        string `json:"role"`
	Hardware    string `json:"hardware"`
	MD5         string `json:"md5"`
	NoPart      int    `json:"noPart"`
	ChunkSize   int    `json:"chunkSize"`
	Forced      bool   `json:"forced"`
	Broadcasted bool   `json:"broadcasted"`
	Compressed  bool   `json:"compressed"`
}

// dataRequestPayload is the DATA_REQUEST package body: a receiver asking a
// specific sender for one missing chunk.
type dataRequestPayload struct {
	Role      string `json:"role"`
	Hardware  string `json:"hardware"`
	MD5       string `json:"md5"`
	PartNo    int    `json:"partNo"`
}

// dataPayload is the DATA package body. Data is []byte, which
// encoding/json already base64-encodes.
type dataPayload struct {
	Role     string `json:"role"`
	Hardware string `json:"hardware"`
	MD5      string `json:"md5"`
	PartNo   int    `json:"partNo"`
	Data     []byte `json:"data"`
}

func buildAnnounce(from types.NodeID, p announcePayload) types.Message {
	msg := types.Message{Type: types.OTAAnnounce, From: from}
	_ = msg.SetField("role", p.Role)
	_ = msg.SetField("hardware", p.Hardware)
	_ = msg.SetField("md5", p.MD5)
	_ = msg.SetField("noPart", p.NoPart)
	_ = msg.SetField("chunkSize", p.ChunkSize)
	_ = msg.SetField("forced", p.Forced)
	_ = msg.SetField("broadcasted", p.Broadcasted)
	_ = msg.SetField("compressed", p.Compressed)
	return msg
}

func parseAnnounce(msg types.Message) (announcePayload, error) {
	var p announcePayload
	for name, dest := range map[string]interface{}{
		"role": &p.Role, "hardware": &p.Hardware, "md5": &p.MD5,
		"noPart": &p.NoPart, "chunkSize": &p.ChunkSize,
		"forced": &p.Forced, "broadcasted": &p.Broadcasted, "compressed": &p.Compressed,
	} {
		if err := msg.Field(name, dest); err != nil {
			return p, fmt.Errorf("ota: announce: %w", err)
		}
	}
	return p, nil
}

func buildDataRequest(from types.NodeID, dest types.NodeID, role, hardware, md5sum string, partNo int) types.Message {
	msg := types.Message{Type: types.OTADataRequest, From: from, Dest: &dest}
	_ = msg.SetField("role", role)
	_ = msg.SetField("hardware", hardware)
	_ = msg.SetField("md5", md5sum)
	_ = msg.SetField("partNo", partNo)
	return msg
}

func parseDataRequest(msg types.Message) (dataRequestPayload, error) {
	var p dataRequestPayload
	if err := msg.Field("role", &p.Role); err != nil {
		return p, err
	}
	if err := msg.Field("hardware", &p.Hardware); err != nil {
		return p, err
	}
	if err := msg.Field("md5", &p.MD5); err != nil {
		return p, err
	}
	if err := msg.Field("partNo", &p.PartNo); err != nil {
		return p, err
	}
	return p, nil
}

func buildData(from types.NodeID, dest *types.NodeID, role, hardware, md5sum string, partNo int, data []byte) types.Message {
	msg := types.Message{Type: types.OTAData, From: from, Dest: dest}
	_ = msg.SetField("role", role)
	_ = msg.SetField("hardware", hardware)
	_ = msg.SetField("md5", md5sum)
	_ = msg.SetField("partNo", partNo)
	_ = msg.SetField("data", data)
	return msg
}

func parseData(msg types.Message) (dataPayload, error) {
	var p dataPayload
	if err := msg.Field("role", &p.Role); err != nil {
		return p, err
	}
	if err := msg.Field("hardware", &p.Hardware); err != nil {
		return p, err
	}
	if err := msg.Field("md5", &p.MD5); err != nil {
		return p, err
	}
	if err := msg.Field("partNo", &p.PartNo); err != nil {
		return p, err
	}
	if err := msg.Field("data", &p.Data); err != nil {
		return p, err
	}
	return p, nil
}

// Offer describes a firmware image a Sender makes available.
type Offer struct {
	Identity
	MD5         string
	NoPart      int
	ChunkSize   int
	Forced      bool
	Broadcasted bool
	Compressed  bool

	// LoadChunk returns the (already compressed, if Compressed) bytes of
	// partNo. Sender calls this only in response to a DataRequest (unicast
	// mode) or once per chunk when it drives a broadcast itself.
	LoadChunk func(partNo int) ([]byte, error)
}

// Sender offers a single firmware image at a time, re-announcing it on a
// recurring schedule until Stop is called, and answers DataRequests
// (unicast mode) or walks every chunk itself (broadcast mode).
type Sender struct {
	router *core.Router
	log    types.Logger

	mu     sync.Mutex
	active *Offer
}

func NewSender(router *core.Router, log types.Logger) *Sender {
	s := &Sender{router: router, log: log}
	router.Dispatch().OnSingle(types.OTADataRequest, s.handleDataRequest)
	return s
}

// Offer begins advertising fw: an immediate Announce, then one every
// interval until a different Offer call or Stop supersedes it.
func (s *Sender) Offer(fw Offer, interval time.Duration) {
	s.mu.Lock()
	s.active = &fw
	s.mu.Unlock()

	s.router.Scheduler().Now(s.announce)
	s.router.Scheduler().Every(interval, 0.1, s.announce)

	if fw.Broadcasted {
		s.router.Scheduler().Now(func() { s.driveBroadcast(fw) })
	}
}

// Stop withdraws the current offer; subsequent scheduled announces become
// no-ops (the timer itself is not cancelled individually, matching
// Scheduler's one-shot-registration API — Mesh.Stop tears down the whole
// scheduler).
func (s *Sender) Stop() {
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
}

func (s *Sender) announce() {
	s.mu.Lock()
	fw := s.active
	s.mu.Unlock()
	if fw == nil {
		return
	}
	s.router.Broadcast(buildAnnounce(s.router.NodeID(), announcePayload{
		Role: fw.Role, Hardware: fw.Hardware, MD5: fw.MD5,
		NoPart: fw.NoPart, ChunkSize: fw.ChunkSize,
		Forced: fw.Forced, Broadcasted: fw.Broadcasted, Compressed: fw.Compressed,
	}))
}

// driveBroadcast walks every chunk once and floods it, for Broadcasted
// offers where the sender pushes instead of waiting to be asked (spec.md
// §4.7 "broadcast mode trades bandwidth for a single pass instead of N
// unicast round trips").
func (s *Sender) driveBroadcast(fw Offer) {
	for part := 0; part < fw.NoPart; part++ {
		s.mu.Lock()
		stillActive := s.active != nil && s.active.MD5 == fw.MD5
		s.mu.Unlock()
		if !stillActive {
			return
		}
		data, err := fw.LoadChunk(part)
		if err != nil {
			s.log.Warnf("ota: sender: load chunk %d: %v", part, err)
			return
		}
		s.router.Broadcast(buildData(s.router.NodeID(), nil, fw.Role, fw.Hardware, fw.MD5, part, data))
	}
}

func (s *Sender) handleDataRequest(msg types.Message) {
	p, err := parseDataRequest(msg)
	if err != nil {
		s.log.Warnf("ota: sender: malformed DATA_REQUEST: %v", err)
		return
	}
	s.mu.Lock()
	fw := s.active
	s.mu.Unlock()
	if fw == nil || !fw.matches(p.Role, p.Hardware) || fw.MD5 != p.MD5 {
		return
	}
	data, err := fw.LoadChunk(p.PartNo)
	if err != nil {
		s.log.Warnf("ota: sender: load chunk %d: %v", p.PartNo, err)
		return
	}
	from := msg.From
	s.router.Send(buildData(s.router.NodeID(), &from, fw.Role, fw.Hardware, fw.MD5, p.PartNo, data))
}

// Flash is the abstract storage a Receiver writes chunks into. A real node
// would back this with its flash/partition API; tests and cmd/meshsim back
// it with an in-memory buffer.
type Flash interface {
	Open(size int) error
	WriteAt(offset int64, data []byte) (int, error)
	ReadAll() ([]byte, error)
	Close() error
}

// Store persists the in-progress download state so it can resume across a
// restart (spec.md §4.7 "Persistence").
type Store interface {
	Load() (*PersistedState, error)
	Save(*PersistedState) error
	Clear() error
}

// PersistedState is the shape spec.md §4.7 names explicitly: role,
// hardware, md5, noPart, bitmap, broadcasted, compressed, bytesWritten.
type PersistedState struct {
	Role          string
	Hardware      string
	MD5           string
	NoPart        int
	ChunkSize     int
	Bitmap        []bool
	Broadcasted   bool
	Compressed    bool
	BytesWritten  int
	SenderNode    types.NodeID
	// SessionToken identifies one download attempt across a restart: a
	// resume that finds a persisted state reuses it instead of minting a
	// new one, so a sender correlating DataRequests against the same
	// logical session sees a stable value.
	SessionToken string
}

type receiverState int

const (
	stateIdle receiverState = iota
	stateDownloading
	stateFinalizing
	stateComplete
)

// stallTimeout is how long a broadcast-mode download waits for the next
// chunk before falling back to a unicast DataRequest for the first missing
// part (spec.md §4.7 "Stall fallback").
const stallTimeout = 5 * time.Second

// Receiver answers Announces matching its own Identity, downloads the
// image (unicast pull or broadcast listen, whichever the Announce says),
// and calls onInstall once the assembled image's md5 matches.
type Receiver struct {
	router *core.Router
	log    types.Logger

	Identity
	currentMD5 func() string
	store      Store
	flash      Flash
	onInstall  func(image []byte) error

	mu          sync.Mutex
	state       receiverState
	md5         string
	noPart      int
	chunkSize   int
	bitmap      []bool
	broadcasted bool
	compressed  bool
	senderNode   types.NodeID
	sessionToken string
	stallTimer   *time.Timer
	decoder      *zstd.Decoder
}

func NewReceiver(router *core.Router, id Identity, currentMD5 func() string, store Store, flash Flash, onInstall func([]byte) error, log types.Logger) *Receiver {
	r := &Receiver{
		router:     router,
		log:        log,
		Identity:   id,
		currentMD5: currentMD5,
		store:      store,
		flash:      flash,
		onInstall:  onInstall,
		state:      stateIdle,
	}
	router.Dispatch().OnBroadcast(types.OTAAnnounce, r.handleAnnounce)
	router.Dispatch().OnSingle(types.OTAData, r.handleData)
	router.Dispatch().OnBroadcast(types.OTAData, r.handleData)

	if persisted, err := store.Load(); err == nil && persisted != nil {
		r.resume(persisted)
	}
	return r
}

func (r *Receiver) resume(p *PersistedState) {
	if p.Role != r.Role || p.Hardware != r.Hardware {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = stateDownloading
	r.md5 = p.MD5
	r.noPart = p.NoPart
	r.chunkSize = p.ChunkSize
	r.bitmap = p.Bitmap
	r.broadcasted = p.Broadcasted
	r.compressed = p.Compressed
	r.senderNode = p.SenderNode
	r.sessionToken = p.SessionToken
	if r.sessionToken == "" {
		r.sessionToken = uuid.NewString()
	}
	if p.Compressed {
		r.decoder, _ = zstd.NewReader(nil)
	}
	if err := r.flash.Open(p.NoPart * p.ChunkSize); err != nil {
		r.log.Warnf("ota: receiver: resume: reopen flash: %v", err)
	}
}

func (r *Receiver) handleAnnounce(msg types.Message) {
	p, err := parseAnnounce(msg)
	if err != nil {
		r.log.Warnf("ota: receiver: malformed ANNOUNCE: %v", err)
		return
	}
	if !r.Identity.matches(p.Role, p.Hardware) {
		return
	}
	if !p.Forced && r.currentMD5() == p.MD5 {
		return
	}

	r.mu.Lock()
	if r.state == stateDownloading && r.md5 == p.MD5 {
		r.mu.Unlock()
		return
	}
	// A different md5 (or a fresh start) supersedes whatever was in
	// flight, spec.md §4.7 "a new Announce with a different md5 while
	// downloading cancels the old attempt".
	r.state = stateDownloading
	r.md5 = p.MD5
	r.noPart = p.NoPart
	r.chunkSize = p.ChunkSize
	r.bitmap = make([]bool, p.NoPart)
	r.broadcasted = p.Broadcasted
	r.compressed = p.Compressed
	r.senderNode = msg.From
	r.sessionToken = uuid.NewString()
	if p.Compressed {
		r.decoder, _ = zstd.NewReader(nil)
	}
	r.mu.Unlock()

	if err := r.flash.Open(p.NoPart * p.ChunkSize); err != nil {
		r.log.Warnf("ota: receiver: open flash: %v", err)
		return
	}
	r.persist()

	if p.Broadcasted {
		r.armStallTimer()
	} else {
		r.requestNextMissing()
	}
}

func (r *Receiver) requestNextMissing() {
	r.mu.Lock()
	if r.state != stateDownloading {
		r.mu.Unlock()
		return
	}
	part := -1
	for i, have := range r.bitmap {
		if !have {
			part = i
			break
		}
	}
	role, hardware, md5sum, sender := r.Role, r.Hardware, r.md5, r.senderNode
	r.mu.Unlock()
	if part < 0 {
		return
	}
	r.router.Send(buildDataRequest(r.router.NodeID(), sender, role, hardware, md5sum, part))
}

func (r *Receiver) handleData(msg types.Message) {
	p, err := parseData(msg)
	if err != nil {
		r.log.Warnf("ota: receiver: malformed DATA: %v", err)
		return
	}
	r.mu.Lock()
	active := r.state == stateDownloading && r.Identity.matches(p.Role, p.Hardware) && r.md5 == p.MD5
	r.mu.Unlock()
	if !active {
		return
	}
	r.writeChunk(p.PartNo, p.Data)
}

func (r *Receiver) writeChunk(partNo int, data []byte) {
	r.mu.Lock()
	if partNo < 0 || partNo >= r.noPart || r.bitmap[partNo] {
		r.mu.Unlock()
		return
	}
	plain := data
	if r.compressed {
		decoded, err := r.decoder.DecodeAll(data, nil)
		if err != nil {
			r.mu.Unlock()
			r.log.Warnf("ota: receiver: decompress part %d: %v", partNo, err)
			return
		}
		plain = decoded
	}
	chunkSize := r.chunkSize
	broadcasted := r.broadcasted
	r.mu.Unlock()

	if _, err := r.flash.WriteAt(int64(partNo)*int64(chunkSize), plain); err != nil {
		r.log.Warnf("ota: receiver: write part %d: %v", partNo, err)
		return
	}

	r.mu.Lock()
	r.bitmap[partNo] = true
	complete := true
	for _, have := range r.bitmap {
		if !have {
			complete = false
			break
		}
	}
	r.mu.Unlock()
	r.persist()

	if complete {
		r.stopStallTimer()
		r.finalize()
		return
	}
	if broadcasted {
		r.armStallTimer()
	} else {
		r.requestNextMissing()
	}
}

// armStallTimer (re)starts the broadcast-mode watchdog: if no chunk lands
// within stallTimeout, fall back to asking the sender directly for the
// first missing part (spec.md §4.7 "Stall fallback").
func (r *Receiver) armStallTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stallTimer != nil {
		r.stallTimer.Stop()
	}
	r.stallTimer = time.AfterFunc(stallTimeout, r.requestNextMissing)
}

func (r *Receiver) stopStallTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stallTimer != nil {
		r.stallTimer.Stop()
		r.stallTimer = nil
	}
}

func (r *Receiver) finalize() {
	r.mu.Lock()
	r.state = stateFinalizing
	expected := r.md5
	r.mu.Unlock()

	image, err := r.flash.ReadAll()
	if err != nil {
		r.log.Errorf("ota: receiver: read back image: %v", err)
		r.abort()
		return
	}
	sum := md5.Sum(image)
	got := hex.EncodeToString(sum[:])
	if got != expected {
		r.log.Errorf("ota: receiver: md5 mismatch: got %s want %s", got, expected)
		r.abort()
		return
	}

	if r.onInstall != nil {
		if err := r.onInstall(image); err != nil {
			r.log.Errorf("ota: receiver: install: %v", err)
			r.abort()
			return
		}
	}

	r.mu.Lock()
	r.state = stateComplete
	r.mu.Unlock()
	_ = r.store.Clear()
	_ = r.flash.Close()
}

func (r *Receiver) abort() {
	r.mu.Lock()
	r.state = stateIdle
	r.mu.Unlock()
	_ = r.store.Clear()
	_ = r.flash.Close()
}

func (r *Receiver) persist() {
	r.mu.Lock()
	p := &PersistedState{
		Role: r.Role, Hardware: r.Hardware, MD5: r.md5,
		NoPart: r.noPart, ChunkSize: r.chunkSize,
		Bitmap:      append([]bool(nil), r.bitmap...),
		Broadcasted: r.broadcasted, Compressed: r.compressed,
		SenderNode:   r.senderNode,
		SessionToken: r.sessionToken,
	}
	r.mu.Unlock()
	if err := r.store.Save(p); err != nil {
		r.log.Warnf("ota: receiver: persist: %v", err)
	}
}

// Progress reports how many of the current download's chunks have landed,
// for diagnostics (spec.md §4.9 exposes this sort of thing to the façade).
func (r *Receiver) Progress() (have, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bitmap {
		if b {
			have++
		}
	}
	return have, r.noPart
}

// MemFlash is a Flash backed by an in-memory buffer, used by tests and
// cmd/meshsim in place of a real partition.
type MemFlash struct {
	mu  sync.Mutex
	buf []byte
}

func (f *MemFlash) Open(size int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = make([]byte, size)
	return nil
}

func (f *MemFlash) WriteAt(offset int64, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := int(offset) + len(data)
	if end > len(f.buf) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[offset:end], data)
	return len(data), nil
}

func (f *MemFlash) ReadAll() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.buf), nil
}

func (f *MemFlash) Close() error { return nil }

// MemStore is a Store backed by process memory, used by tests and
// cmd/meshsim in place of persistent storage.
type MemStore struct {
	mu    sync.Mutex
	state *PersistedState
}

func (s *MemStore) Load() (*PersistedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *MemStore) Save(p *PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = p
	return nil
}

func (s *MemStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	return nil
}
