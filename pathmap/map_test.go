package pathmap

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/bridgefall/pathsec/credentials"
	"github.com/bridgefall/pathsec/replay"
	"github.com/bridgefall/pathsec/schedule"
	"github.com/bridgefall/pathsec/wire"
)

// testPair wires two maps into a point-to-point path: both sides derive
// from the same exported material and hold each other's reset token.
type testPair struct {
	clientMap, serverMap     *Map
	clientEntry, serverEntry *Entry
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()
	var material [schedule.ExportedSecretLen]byte
	for i := range material {
		material[i] = byte(i + 11)
	}
	clientSecret := schedule.New(schedule.AESGCM128SHA256, 1, schedule.Client, &material)
	serverSecret := schedule.New(schedule.AESGCM128SHA256, 1, schedule.Server, &material)

	p := &testPair{
		clientMap: testMap(t, Options{}),
		serverMap: testMap(t, Options{}),
	}
	params := ApplicationParams{MaxDatagramSize: 1450}
	p.clientEntry = NewEntry(clientSecret, serverAddr, p.serverMap.Signer().Sign(serverSecret.ID()), params, time.Hour, nil)
	p.serverEntry = NewEntry(serverSecret, clientAddr, p.clientMap.Signer().Sign(clientSecret.ID()), params, time.Hour, nil)
	p.clientMap.OnNewPathSecrets(p.clientEntry)
	p.serverMap.OnNewPathSecrets(p.serverEntry)
	return p
}

func registerEntry(t *testing.T, m *Map, seed byte, peer netip.AddrPort) *Entry {
	t.Helper()
	var material [schedule.ExportedSecretLen]byte
	for i := range material {
		material[i] = seed ^ byte(i)
	}
	secret := schedule.New(schedule.AESGCM128SHA256, 1, schedule.Client, &material)
	e := NewEntry(secret, peer, Token{seed}, ApplicationParams{MaxDatagramSize: 1200}, time.Hour, nil)
	m.OnNewPathSecrets(e)
	return e
}

func TestRegisterAndLookup(t *testing.T) {
	p := newTestPair(t)
	if p.clientMap.Len() != 1 {
		t.Fatalf("len = %d", p.clientMap.Len())
	}
	if got, ok := p.clientMap.ByAddr(serverAddr); !ok || got != p.clientEntry {
		t.Fatalf("byAddr lookup failed")
	}
	if got, ok := p.clientMap.ByID(p.clientEntry.ID()); !ok || got != p.clientEntry {
		t.Fatalf("byID lookup failed")
	}
	if _, ok := p.clientMap.ByAddr(netip.MustParseAddrPort("198.51.100.9:1")); ok {
		t.Fatalf("lookup of unknown address succeeded")
	}
	p.clientMap.Remove(p.clientEntry)
	if p.clientMap.Len() != 0 {
		t.Fatalf("len after remove = %d", p.clientMap.Len())
	}
	if _, ok := p.clientMap.ByID(p.clientEntry.ID()); ok {
		t.Fatalf("entry still resolvable after remove")
	}
}

func TestLastWriterWins(t *testing.T) {
	m := testMap(t, Options{})
	old := registerEntry(t, m, 1, serverAddr)
	fresh := registerEntry(t, m, 2, serverAddr)
	if m.Len() != 1 {
		t.Fatalf("len = %d", m.Len())
	}
	if got, ok := m.ByAddr(serverAddr); !ok || got != fresh {
		t.Fatalf("address resolves to the old entry")
	}
	if _, ok := m.ByID(old.ID()); ok {
		t.Fatalf("replaced entry still resolvable by id")
	}
}

func TestLRUEviction(t *testing.T) {
	m := testMap(t, Options{Capacity: 2})
	oldest := registerEntry(t, m, 1, netip.MustParseAddrPort("192.0.2.10:1"))
	second := registerEntry(t, m, 2, netip.MustParseAddrPort("192.0.2.11:1"))

	// Touch the oldest so the second becomes the eviction candidate.
	if _, ok := m.ByID(oldest.ID()); !ok {
		t.Fatalf("oldest entry missing before eviction")
	}
	registerEntry(t, m, 3, netip.MustParseAddrPort("192.0.2.12:1"))

	if m.Len() != 2 {
		t.Fatalf("len = %d", m.Len())
	}
	if _, ok := m.ByID(second.ID()); ok {
		t.Fatalf("least recently used entry survived")
	}
	if _, ok := m.ByID(oldest.ID()); !ok {
		t.Fatalf("recently used entry was evicted")
	}
	if n := m.metrics.Evictions.Load(); n != 1 {
		t.Fatalf("evictions = %d", n)
	}
}

func TestStaleKeyControl(t *testing.T) {
	p := newTestPair(t)

	// The server has seen key ids 0 through 4 from the peer.
	for id := uint64(0); id < 5; id++ {
		if err := p.serverEntry.PostAuthentication(credentials.Credentials{ID: p.serverEntry.ID(), KeyID: id}); err != nil {
			t.Fatalf("post auth %d: %v", id, err)
		}
	}
	pkt, err := p.serverEntry.StaleKeyPacket()
	if err != nil {
		t.Fatalf("stale key packet: %v", err)
	}
	if !p.clientMap.OnPossibleSecretControlPacket(serverAddr, pkt) {
		t.Fatalf("stale key packet not consumed")
	}
	id, err := p.clientEntry.NextKeyID()
	if err != nil {
		t.Fatalf("next key id: %v", err)
	}
	if id != 5 {
		t.Fatalf("next key id after stale key = %d, want 5", id)
	}
	if n := p.clientMap.metrics.ControlStaleKey.Load(); n != 1 {
		t.Fatalf("stale key counter = %d", n)
	}
}

func TestStaleKeyNeverLowersFloor(t *testing.T) {
	p := newTestPair(t)
	for i := 0; i < 10; i++ {
		if _, err := p.clientEntry.NextKeyID(); err != nil {
			t.Fatalf("next key id: %v", err)
		}
	}
	// A stale-key value behind the local allocator is a no-op.
	pkt, err := p.serverEntry.StaleKeyPacket()
	if err != nil {
		t.Fatalf("stale key packet: %v", err)
	}
	if !p.clientMap.OnPossibleSecretControlPacket(serverAddr, pkt) {
		t.Fatalf("stale key packet not consumed")
	}
	id, err := p.clientEntry.NextKeyID()
	if err != nil {
		t.Fatalf("next key id: %v", err)
	}
	if id != 10 {
		t.Fatalf("next key id = %d, want 10", id)
	}
}

func TestReplayDetectedControl(t *testing.T) {
	p := newTestPair(t)
	if p.clientEntry.ReplayObserved() {
		t.Fatalf("replay observed before any signal")
	}
	pkt, err := p.serverEntry.ReplayDetectedPacket(3)
	if err != nil {
		t.Fatalf("replay detected packet: %v", err)
	}
	if !p.clientMap.OnPossibleSecretControlPacket(serverAddr, pkt) {
		t.Fatalf("replay packet not consumed")
	}
	if !p.clientEntry.ReplayObserved() {
		t.Fatalf("replay signal lost")
	}
	if n := p.clientMap.metrics.ControlReplayDetected.Load(); n != 1 {
		t.Fatalf("replay counter = %d", n)
	}
}

func TestControlTamperRejected(t *testing.T) {
	p := newTestPair(t)
	pkt, err := p.serverEntry.ReplayDetectedPacket(3)
	if err != nil {
		t.Fatalf("replay detected packet: %v", err)
	}
	pkt[len(pkt)-1] ^= 0x80
	if !p.clientMap.OnPossibleSecretControlPacket(serverAddr, pkt) {
		t.Fatalf("tampered packet not consumed")
	}
	if p.clientEntry.ReplayObserved() {
		t.Fatalf("tampered packet took effect")
	}
	if n := p.clientMap.metrics.ControlAuthFailures.Load(); n != 1 {
		t.Fatalf("auth failure counter = %d", n)
	}
}

func TestUnknownPathSecretRemovesEntry(t *testing.T) {
	p := newTestPair(t)
	creds := credentials.Credentials{ID: p.clientEntry.ID(), KeyID: 7}

	// The server lost its entry and answers with the signed token.
	resp, ok := p.serverMap.UnknownPathSecretResponse(creds, clientAddr)
	if !ok {
		t.Fatalf("response suppressed")
	}
	if !p.clientMap.OnPossibleSecretControlPacket(serverAddr, resp) {
		t.Fatalf("unknown path secret packet not consumed")
	}
	if _, ok := p.clientMap.ByID(p.clientEntry.ID()); ok {
		t.Fatalf("dead path still registered")
	}
	if n := p.clientMap.metrics.ControlUnknownPathSecret.Load(); n != 1 {
		t.Fatalf("unknown path secret counter = %d", n)
	}
}

func TestUnknownPathSecretBadToken(t *testing.T) {
	p := newTestPair(t)
	pkt := &wire.ControlPacket{
		Type:        wire.TypeUnknownPathSecret,
		Credentials: credentials.Credentials{ID: p.clientEntry.ID()},
		Token:       [wire.TokenLen]byte{0xde, 0xad},
	}
	b, err := pkt.AppendTo(nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !p.clientMap.OnPossibleSecretControlPacket(serverAddr, b) {
		t.Fatalf("packet not consumed")
	}
	if _, ok := p.clientMap.ByID(p.clientEntry.ID()); !ok {
		t.Fatalf("forged token removed the entry")
	}
	if n := p.clientMap.metrics.ControlAuthFailures.Load(); n != 1 {
		t.Fatalf("auth failure counter = %d", n)
	}
}

func TestControlTrailingBytesFallThrough(t *testing.T) {
	p := newTestPair(t)
	pkt, err := p.serverEntry.ReplayDetectedPacket(1)
	if err != nil {
		t.Fatalf("replay detected packet: %v", err)
	}
	pkt = append(pkt, 0xAA)
	if p.clientMap.OnPossibleSecretControlPacket(serverAddr, pkt) {
		t.Fatalf("packet with trailing bytes consumed")
	}
	if p.clientEntry.ReplayObserved() {
		t.Fatalf("trailing-bytes packet took effect")
	}
}

func TestControlUnknownEntry(t *testing.T) {
	m := testMap(t, Options{})
	pkt := &wire.ControlPacket{
		Type:        wire.TypeUnknownPathSecret,
		Credentials: credentials.Credentials{ID: credentials.ID{9, 9, 9}},
	}
	b, err := pkt.AppendTo(nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !m.OnPossibleSecretControlPacket(serverAddr, b) {
		t.Fatalf("packet not consumed")
	}
	if n := m.metrics.ControlUnknownEntry.Load(); n != 1 {
		t.Fatalf("unknown entry counter = %d", n)
	}
}

func TestUnknownPathSecretRateLimited(t *testing.T) {
	m := testMap(t, Options{ControlRatePPS: 1, ControlRateBurst: 1})
	creds := credentials.Credentials{ID: credentials.ID{1, 2, 3}}

	if _, ok := m.UnknownPathSecretResponse(creds, clientAddr); !ok {
		t.Fatalf("first response suppressed")
	}
	if _, ok := m.UnknownPathSecretResponse(creds, clientAddr); ok {
		t.Fatalf("burst not enforced")
	}
	if n := m.metrics.ControlRateLimited.Load(); n != 1 {
		t.Fatalf("rate limited counter = %d", n)
	}
	// A different peer has its own bucket.
	if _, ok := m.UnknownPathSecretResponse(creds, serverAddr); !ok {
		t.Fatalf("second peer suppressed")
	}
}

func TestDatagramFlow(t *testing.T) {
	p := newTestPair(t)

	keyID, err := p.clientEntry.NextKeyID()
	if err != nil {
		t.Fatalf("next key id: %v", err)
	}
	sealer := p.clientEntry.Secret().AppSealer(keyID)
	opener := p.serverEntry.Secret().AppOpener(keyID)

	payload := bytes.Repeat([]byte{0x42}, 100)
	header := []byte("dgram header")
	packet := make([]byte, len(payload)+schedule.TagLen)
	copy(packet, payload)
	if err := sealer.Seal(0, header, packet, nil); err != nil {
		t.Fatalf("seal: %v", err)
	}

	plain, err := opener.OpenInPlace(0, header, packet)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plain, payload) {
		t.Fatalf("payload mismatch")
	}

	creds := credentials.Credentials{ID: p.serverEntry.ID(), KeyID: keyID}
	if err := p.serverEntry.PreAuthentication(creds); err != nil {
		t.Fatalf("pre auth: %v", err)
	}
	if err := p.serverEntry.PostAuthentication(creds); err != nil {
		t.Fatalf("post auth: %v", err)
	}

	// A second delivery of the same key id is a definite replay; the
	// server answers with a replay-detected packet.
	if err := p.serverEntry.PostAuthentication(creds); !errors.Is(err, replay.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	pkt, err := p.serverEntry.ReplayDetectedPacket(keyID)
	if err != nil {
		t.Fatalf("replay detected packet: %v", err)
	}
	if !p.clientMap.OnPossibleSecretControlPacket(serverAddr, pkt) {
		t.Fatalf("replay packet not consumed")
	}
	if !p.clientEntry.ReplayObserved() {
		t.Fatalf("client missed the replay signal")
	}
}

func TestEntryAccessors(t *testing.T) {
	p := newTestPair(t)
	e := p.clientEntry
	if e.Peer() != serverAddr {
		t.Fatalf("peer = %v", e.Peer())
	}
	if e.RehandshakePeriod() != time.Hour {
		t.Fatalf("rehandshake period = %v", e.RehandshakePeriod())
	}
	if e.MinimumUnseenKeyID() != 0 {
		t.Fatalf("minimum unseen key id = %d", e.MinimumUnseenKeyID())
	}
	e.UpdateMaxDatagramSize(9000)
	if e.MaxDatagramSize() != 9000 {
		t.Fatalf("max datagram size = %d", e.MaxDatagramSize())
	}
}
