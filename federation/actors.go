// Package federation handles everything that crosses server boundaries:
// the outbound delivery worker, signed pull tokens, pull cursors, and the
// remote actor cache.
package federation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mkeska/toxodon/db"
	"github.com/mkeska/toxodon/domain"
	"github.com/mkeska/toxodon/util"
)

var logger = log.WithPrefix("federation")

const actorCacheTTL = 24 * time.Hour

// actorDocument is the wire form of a remote actor profile.
type actorDocument struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	PreferredUsername string `json:"preferredUsername"`
	Name              string `json:"name"`
	Summary           string `json:"summary"`
	Inbox             string `json:"inbox"`
	Outbox            string `json:"outbox"`
	Icon              struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// FetchRemoteActor fetches an actor profile from its home server and
// caches it. Network and 5xx failures are transient.
func FetchRemoteActor(store *db.DB, actorURI string) (*domain.Actor, error) {
	req, err := http.NewRequest(http.MethodGet, actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.GetNameAndVersion())

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &domain.TransientDeliveryError{Domain: hostOf(actorURI), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &domain.TransientDeliveryError{
			Domain: hostOf(actorURI),
			Err:    fmt.Errorf("actor fetch returned %d", resp.StatusCode),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var doc actorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor document missing required fields")
	}

	actor := &domain.Actor{
		ID:            uuid.New().String(),
		Username:      doc.PreferredUsername,
		Domain:        hostOf(doc.ID),
		ActorURI:      doc.ID,
		DisplayName:   doc.Name,
		Summary:       doc.Summary,
		InboxURI:      doc.Inbox,
		OutboxURI:     doc.Outbox,
		PublicKeyPem:  doc.PublicKey.PublicKeyPem,
		AvatarURL:     doc.Icon.URL,
		Local:         false,
		LastFetchedAt: time.Now().UTC(),
	}

	if err := store.CreateActor(actor); err != nil {
		if !db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("failed to store remote actor: %w", err)
		}
		existing, err := store.ReadActorByURI(actor.ActorURI)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read remote actor: %w", err)
		}
		actor.ID = existing.ID
		if err := store.UpdateRemoteActor(actor); err != nil {
			return nil, fmt.Errorf("failed to refresh remote actor: %w", err)
		}
	}
	return actor, nil
}

// GetOrFetchActor returns a cached remote actor, refetching when the cache
// entry is older than 24 hours. When the refetch fails but a stale entry
// exists, the stale entry is served.
func GetOrFetchActor(store *db.DB, actorURI string) (*domain.Actor, error) {
	cached, err := store.ReadActorByURI(actorURI)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if cached != nil && time.Since(cached.LastFetchedAt) < actorCacheTTL {
		return cached, nil
	}

	fresh, fetchErr := FetchRemoteActor(store, actorURI)
	if fetchErr != nil {
		if cached != nil {
			logger.Warn("serving stale remote actor", "actor", actorURI, "err", fetchErr)
			return cached, nil
		}
		return nil, fetchErr
	}
	return fresh, nil
}

func hostOf(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return parsed.Host
}
