package dm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/Shugur-Network/courier/internal/constants"
	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/hashicorp/golang-lru/v2/expirable"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const (
	discoveryTimeout   = 3 * time.Second
	discoveryCacheSize = 512
	maxDiscoveredRelays = 5
)

// Discovery resolves the relays a recipient reads from, so outgoing messages
// can also be published where the recipient will actually look. NIP-65 relay
// lists (kind 10002) are authoritative; the legacy kind-3 relay object is the
// fallback. Results are cached with a TTL.
type Discovery struct {
	subs     Subscriber
	cache    *expirable.LRU[string, []string]
	profiles *expirable.LRU[string, *Profile]
	log      *zap.Logger
}

// Profile is the displayable part of a kind-0 metadata event.
type Profile struct {
	PubKey  string `json:"pubkey"`
	Name    string `json:"name,omitempty"`
	About   string `json:"about,omitempty"`
	Picture string `json:"picture,omitempty"`
}

// NewDiscovery builds a discovery helper over the subscription manager.
func NewDiscovery(subs Subscriber) *Discovery {
	return &Discovery{
		subs:     subs,
		cache:    expirable.NewLRU[string, []string](discoveryCacheSize, nil, constants.DiscoveryCacheTTL),
		profiles: expirable.NewLRU[string, *Profile](discoveryCacheSize, nil, constants.DiscoveryCacheTTL),
		log:      logger.New("discovery"),
	}
}

// RelaysFor returns the read relays of a pubkey, best-effort. An empty slice
// means nothing was found before the timeout; sending proceeds on the
// configured pool either way.
func (d *Discovery) RelaysFor(ctx context.Context, pubkey string) []string {
	if cached, ok := d.cache.Get(pubkey); ok {
		return cached
	}

	events := make(chan *nostr.Event, 8)
	subID, err := d.subs.Subscribe([]nostr.Filter{{
		Kinds:   []int{constants.KindRelayList, constants.KindContactList},
		Authors: []string{pubkey},
		Limit:   2,
	}}, func(_ string, evt *nostr.Event) {
		select {
		case events <- evt:
		default:
		}
	}, nil)
	if err != nil {
		return nil
	}
	defer d.subs.Unsubscribe(subID)

	timer := time.NewTimer(discoveryTimeout)
	defer timer.Stop()

	// A kind-10002 answer wins immediately; a kind-3 answer is kept as
	// fallback until the timeout in case the relay list still arrives.
	var fallback []string
	for {
		select {
		case evt := <-events:
			switch evt.Kind {
			case constants.KindRelayList:
				urls := parseRelayListTags(evt)
				if len(urls) > 0 {
					d.cache.Add(pubkey, urls)
					d.log.Debug("recipient relays discovered",
						zap.String("pubkey", pubkey), zap.Int("relays", len(urls)))
					return urls
				}
			case constants.KindContactList:
				if urls := parseContactListRelays(evt); len(urls) > 0 {
					fallback = urls
				}
			}
		case <-timer.C:
			if len(fallback) > 0 {
				d.cache.Add(pubkey, fallback)
				return fallback
			}
			d.cache.Add(pubkey, nil)
			return nil
		case <-ctx.Done():
			return fallback
		}
	}
}

// ProfileFor fetches a pubkey's kind-0 metadata, best-effort. Returns nil when
// no relay answers before the timeout.
func (d *Discovery) ProfileFor(ctx context.Context, pubkey string) *Profile {
	if cached, ok := d.profiles.Get(pubkey); ok {
		return cached
	}

	events := make(chan *nostr.Event, 1)
	subID, err := d.subs.Subscribe([]nostr.Filter{{
		Kinds:   []int{constants.KindProfileMetadata},
		Authors: []string{pubkey},
		Limit:   1,
	}}, func(_ string, evt *nostr.Event) {
		select {
		case events <- evt:
		default:
		}
	}, nil)
	if err != nil {
		return nil
	}
	defer d.subs.Unsubscribe(subID)

	timer := time.NewTimer(discoveryTimeout)
	defer timer.Stop()

	select {
	case evt := <-events:
		p := parseProfile(evt)
		d.profiles.Add(pubkey, p)
		return p
	case <-timer.C:
		d.profiles.Add(pubkey, nil)
		return nil
	case <-ctx.Done():
		return nil
	}
}

// parseProfile decodes the kind-0 content object. Malformed content still
// yields a profile carrying just the pubkey.
func parseProfile(evt *nostr.Event) *Profile {
	p := &Profile{PubKey: evt.PubKey}
	var meta struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		About       string `json:"about"`
		Picture     string `json:"picture"`
	}
	if err := json.Unmarshal([]byte(evt.Content), &meta); err != nil {
		return p
	}
	p.Name = meta.DisplayName
	if p.Name == "" {
		p.Name = meta.Name
	}
	p.About = meta.About
	p.Picture = meta.Picture
	return p
}

// parseRelayListTags extracts read relays from a NIP-65 relay list. An "r"
// tag with no marker serves both directions.
func parseRelayListTags(evt *nostr.Event) []string {
	var urls []string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		if len(tag) >= 3 && tag[2] != "read" {
			continue
		}
		if u := normalizeRelayURL(tag[1]); u != "" {
			urls = append(urls, u)
		}
		if len(urls) >= maxDiscoveredRelays {
			break
		}
	}
	return urls
}

// parseContactListRelays extracts read relays from the legacy kind-3 content
// object: {"wss://...": {"read": true, "write": false}, ...}.
func parseContactListRelays(evt *nostr.Event) []string {
	if strings.TrimSpace(evt.Content) == "" {
		return nil
	}
	var entries map[string]struct {
		Read  bool `json:"read"`
		Write bool `json:"write"`
	}
	if err := json.Unmarshal([]byte(evt.Content), &entries); err != nil {
		return nil
	}
	var urls []string
	for raw, flags := range entries {
		if !flags.Read {
			continue
		}
		if u := normalizeRelayURL(raw); u != "" {
			urls = append(urls, u)
		}
		if len(urls) >= maxDiscoveredRelays {
			break
		}
	}
	return urls
}

func normalizeRelayURL(raw string) string {
	u := strings.TrimSpace(strings.TrimSuffix(raw, "/"))
	if !strings.HasPrefix(u, "wss://") && !strings.HasPrefix(u, "ws://") {
		return ""
	}
	return u
}
