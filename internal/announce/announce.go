// Package announce implements the periodic provider-discovery publisher
// (§4.9): a self-describing, schnorr-signed record broadcast to a set of
// external relays over websockets, skipped when the most recent record
// already matches what would be published.
package announce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Kind is the event kind this system announces under, per the provider
// discoverability convention this package implements.
const Kind = 38421

// ErrInvalidPrivateKey is returned when the configured signing key is not a
// 32-byte hex string.
var ErrInvalidPrivateKey = errors.New("announce: private key must be 64 hex characters")

// Event is a signed announcement record.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Metadata is the free-form content payload describing this provider.
type Metadata struct {
	Name  string `json:"name"`
	About string `json:"about"`
}

// Config describes the record this instance publishes and where to publish
// it (§4.9's self-describing record: instance URLs, mint URLs, name,
// version, provider id).
type Config struct {
	PrivateKeyHex string
	ProviderID    string
	Relays        []string
	Endpoints     []string
	Mints         []string
	Name          string
	About         string
	Version       string
}

// Publisher holds a parsed signing key and the relay set to announce to.
type Publisher struct {
	cfg     Config
	privKey *btcec.PrivateKey
	pubHex  string
	dialer  *websocket.Dialer
}

// New parses cfg's private key and builds a Publisher. Returns
// ErrInvalidPrivateKey if the key is malformed.
func New(cfg Config) (*Publisher, error) {
	keyBytes, err := hex.DecodeString(cfg.PrivateKeyHex)
	if err != nil || len(keyBytes) != 32 {
		return nil, ErrInvalidPrivateKey
	}
	priv, pub := btcec.PrivKeyFromBytes(keyBytes)
	return &Publisher{
		cfg:     cfg,
		privKey: priv,
		pubHex:  hex.EncodeToString(schnorr.SerializePubKey(pub)),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}, nil
}

// buildEvent constructs and signs the candidate record for now.
func (p *Publisher) buildEvent(now time.Time) (Event, error) {
	tags := [][]string{{"d", p.cfg.ProviderID}}
	for _, u := range p.cfg.Endpoints {
		tags = append(tags, []string{"u", u})
	}
	for _, m := range p.cfg.Mints {
		if m != "" {
			tags = append(tags, []string{"mint", m})
		}
	}
	if p.cfg.Version != "" {
		tags = append(tags, []string{"version", p.cfg.Version})
	}

	var content string
	if p.cfg.Name != "" || p.cfg.About != "" {
		raw, err := json.Marshal(Metadata{Name: p.cfg.Name, About: p.cfg.About})
		if err != nil {
			return Event{}, fmt.Errorf("announce: marshal metadata: %w", err)
		}
		content = string(raw)
	}

	ev := Event{
		PubKey:    p.pubHex,
		CreatedAt: now.Unix(),
		Kind:      Kind,
		Tags:      tags,
		Content:   content,
	}

	id, err := eventID(ev)
	if err != nil {
		return Event{}, err
	}
	ev.ID = hex.EncodeToString(id[:])

	sig, err := schnorr.Sign(p.privKey, id[:])
	if err != nil {
		return Event{}, fmt.Errorf("announce: sign event: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())

	return ev, nil
}

// eventID computes the canonical id: sha256 of the [0, pubkey, created_at,
// kind, tags, content] serialization.
func eventID(ev Event) ([32]byte, error) {
	serialized, err := json.Marshal([]interface{}{0, ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content})
	if err != nil {
		return [32]byte{}, fmt.Errorf("announce: serialize event: %w", err)
	}
	return sha256.Sum256(serialized), nil
}

// SemanticallyEqual reports whether a and b describe the same provider
// state: same kind, provider id, endpoint set, mint set, version, and
// content, ignoring id/sig/created_at so a re-announce of unchanged data
// is recognized as a no-op.
func SemanticallyEqual(a, b Event) bool {
	if a.Kind != b.Kind {
		return false
	}
	if tagValue(a, "d") != tagValue(b, "d") {
		return false
	}
	if !sameSet(tagValues(a, "u"), tagValues(b, "u")) {
		return false
	}
	if !sameSet(tagValues(a, "mint"), tagValues(b, "mint")) {
		return false
	}
	if tagValue(a, "version") != tagValue(b, "version") {
		return false
	}
	return a.Content == b.Content
}

func tagValues(ev Event, key string) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == key {
			out = append(out, tag[1])
		}
	}
	return out
}

func tagValue(ev Event, key string) string {
	values := tagValues(ev, key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	aSorted, bSorted := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(aSorted)
	sort.Strings(bSorted)
	for i := range aSorted {
		if aSorted[i] != bSorted[i] {
			return false
		}
	}
	return true
}

// Run announces on startup, skipping the publish if every record returned by
// the reachable relays is semantically equal to the new one, then
// re-announces every interval ± up to 20% jitter until ctx is canceled (§4.9).
func (p *Publisher) Run(ctx context.Context, interval time.Duration, log zerolog.Logger) {
	p.announceOnce(ctx, log)
	if interval <= 0 {
		return
	}
	for {
		jitter := time.Duration(rand.Int63n(2*int64(interval)/5)) - interval/5
		timer := time.NewTimer(interval + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		p.announceOnce(ctx, log)
	}
}

func (p *Publisher) announceOnce(ctx context.Context, log zerolog.Logger) {
	candidate, err := p.buildEvent(time.Now())
	if err != nil {
		log.Error().Err(err).Msg("announce.build_failed")
		return
	}

	var existing []Event
	for _, relay := range p.cfg.Relays {
		events, err := p.query(ctx, relay)
		if err != nil {
			log.Debug().Err(err).Str("relay", relay).Msg("announce.query_failed")
			continue
		}
		existing = append(existing, events...)
	}

	if len(existing) > 0 && allMatch(existing, candidate) {
		log.Debug().Str("provider_id", p.cfg.ProviderID).Msg("announce.unchanged_skip_publish")
		return
	}

	published := 0
	for _, relay := range p.cfg.Relays {
		if err := p.publish(ctx, relay, candidate); err != nil {
			log.Debug().Err(err).Str("relay", relay).Msg("announce.publish_failed")
			continue
		}
		published++
	}
	log.Info().Int("published", published).Int("relays", len(p.cfg.Relays)).Msg("announce.published")
}

func allMatch(events []Event, candidate Event) bool {
	for _, ev := range events {
		if !SemanticallyEqual(ev, candidate) {
			return false
		}
	}
	return true
}

// query opens a short-lived connection to relay, requests this provider's
// most recent records, and returns them.
func (p *Publisher) query(ctx context.Context, relay string) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := p.dialer.DialContext(ctx, relay, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	subID := "announce"
	filter := map[string]interface{}{
		"kinds":   []int{Kind},
		"authors": []string{p.pubHex},
		"#d":      []string{p.cfg.ProviderID},
		"limit":   10,
	}
	req := []interface{}{"REQ", subID, filter}
	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("write REQ: %w", err)
	}

	var out []Event
	deadline, _ := ctx.Deadline()
	_ = conn.SetReadDeadline(deadline)
	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return out, nil
		}
		if len(msg) == 0 {
			continue
		}
		var kind string
		if err := json.Unmarshal(msg[0], &kind); err != nil {
			continue
		}
		switch kind {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(msg[2], &ev); err == nil {
				out = append(out, ev)
			}
		case "EOSE":
			return out, nil
		}
	}
}

// publish opens a short-lived connection to relay and sends the event.
func (p *Publisher) publish(ctx context.Context, relay string, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := p.dialer.DialContext(ctx, relay, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	msg := []interface{}{"EVENT", ev}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write EVENT: %w", err)
	}
	return nil
}
