package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/privmsg/enclave-notify/internal/store"
)

// peerEntry is one track member's registry entry, matching spec.md §6's
// `enclave/peers/{track}/{peer_id}` schema fields (host, port, last_seen).
// Entries for a track are stored together as a single JSON document keyed
// by peersKey, since store.Store exposes Read/Write on whole values rather
// than a native scan or hash-field API.
type peerEntry struct {
	PeerID   string    `json:"peer_id"`
	Host     string    `json:"host"`
	Port     uint32    `json:"port"`
	LastSeen time.Time `json:"last_seen"`
}

func lockKey(track string) string  { return "enclave/genesis-lock/" + track }
func peersKey(track string) string { return "enclave/peers/" + track }

func peerAddr(p peerEntry) string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// listPeers returns the live (non-expired) peer entries for the
// coordinator's track, excluding this coordinator's own entry.
func (c *Coordinator) listPeers(ctx context.Context) ([]peerEntry, error) {
	entries, err := c.readRegistry(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-c.cfg.PeerRegistryTTL)
	live := entries[:0]
	for _, e := range entries {
		if e.PeerID == c.selfID {
			continue
		}
		if e.LastSeen.Before(cutoff) {
			continue
		}
		live = append(live, e)
	}
	return live, nil
}

func (c *Coordinator) readRegistry(ctx context.Context) ([]peerEntry, error) {
	raw, err := c.st.Read(ctx, peersKey(c.cfg.TrackName))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}

	var entries []peerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("coordinator: decode peer registry: %w", err)
	}
	return entries, nil
}

// registerSelf writes this coordinator's enclave address into the peer
// registry under a renewable lease, per spec.md §4.D step 2/5.
func (c *Coordinator) registerSelf(ctx context.Context, enclavePublicKey []byte) error {
	return c.heartbeatSelf(ctx)
}

// heartbeatSelf renews this coordinator's registry entry, re-registering
// it if the enclave (and thus this coordinator) restarted since the last
// write, per spec.md §4.D step 5.
func (c *Coordinator) heartbeatSelf(ctx context.Context) error {
	entries, err := c.readRegistry(ctx)
	if err != nil {
		return err
	}

	self := peerEntry{
		PeerID:   c.selfID,
		Host:     c.cfg.SelfHost,
		Port:     c.cfg.EnclaveVsockPort,
		LastSeen: time.Now(),
	}

	replaced := false
	for i, e := range entries {
		if e.PeerID == c.selfID {
			entries[i] = self
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, self)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("coordinator: encode peer registry: %w", err)
	}

	return c.st.Write(ctx, peersKey(c.cfg.TrackName), data, c.cfg.PeerRegistryTTL)
}
