package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/signalcast/signalsync/internal/syncengine/db"
	"github.com/signalcast/signalsync/internal/syncengine/remote"
)

// Settings keys of the persisted session.
const (
	settingUserID = "identity.user_id"
	settingEmail  = "identity.email"
	settingName   = "identity.name"
	settingToken  = "identity.token"
)

var sessionKeys = []string{settingUserID, settingEmail, settingName, settingToken}

// Authenticate logs in against the backend and then calls Login with the
// resulting session.
func (c *Coordinator) Authenticate(ctx context.Context, email, password string) (*remote.Session, error) {
	session, err := c.remote.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("failed to log in as %s: %w", email, err)
	}
	if err := c.Login(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Login records the authenticated identity, persists it, starts the periodic
// sync and opens the channel if the host allows it. Logging in as another
// user invalidates every pass still running for the previous one.
func (c *Coordinator) Login(ctx context.Context, session *remote.Session) error {
	if session == nil || strings.TrimSpace(session.Identity.UserID) == "" {
		return fmt.Errorf("login requires an identity")
	}
	if err := c.saveSession(ctx, session); err != nil {
		return err
	}

	c.mu.Lock()
	if c.identity != nil && c.identity.UserID != session.Identity.UserID {
		c.stopSessionLocked()
		if c.channel.Running() {
			c.channel.Disconnect()
		}
	}
	id := session.Identity
	c.identity = &id
	c.token = session.Token
	c.generation++
	c.remote.SetToken(session.Token)
	c.startSessionLocked()
	c.reconcileChannelLocked()
	c.mu.Unlock()

	c.logger.Printf("Logged in as %s", id.Email)
	c.RequestSync()
	return nil
}

// Logout closes the channel, stops the periodic sync and forgets the
// identity. Backend calls already in flight complete, but their results are
// dropped.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	who := ""
	if c.identity != nil {
		who = c.identity.Email
	}
	c.identity = nil
	c.token = ""
	c.generation++
	c.stopSessionLocked()
	c.reconcileChannelLocked()
	c.remote.SetToken("")
	c.mu.Unlock()

	for _, key := range sessionKeys {
		if err := c.store.DeleteSetting(ctx, key); err != nil {
			return fmt.Errorf("failed to clear saved session: %w", err)
		}
	}
	if who != "" {
		c.logger.Printf("Logged out %s", who)
	}
	return nil
}

// RestoreSession logs in with the session saved by a previous Login.
// Returns false if none was saved.
func (c *Coordinator) RestoreSession(ctx context.Context) (bool, error) {
	session, err := LoadSession(ctx, c.store)
	if err != nil || session == nil {
		return false, err
	}
	if err := c.Login(ctx, session); err != nil {
		return false, err
	}
	return true, nil
}

// LoadSession reads the persisted session from the store. Returns nil if
// none was saved.
func LoadSession(ctx context.Context, store *db.DB) (*remote.Session, error) {
	values := make(map[string]string, len(sessionKeys))
	for _, key := range sessionKeys {
		v, err := store.GetSetting(ctx, key)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load saved session: %w", err)
		}
		values[key] = v
	}
	if values[settingUserID] == "" || values[settingToken] == "" {
		return nil, nil
	}
	return &remote.Session{
		Token: values[settingToken],
		Identity: remote.Identity{
			UserID: values[settingUserID],
			Email:  values[settingEmail],
			Name:   values[settingName],
		},
	}, nil
}

func (c *Coordinator) saveSession(ctx context.Context, session *remote.Session) error {
	values := map[string]string{
		settingUserID: session.Identity.UserID,
		settingEmail:  session.Identity.Email,
		settingName:   session.Identity.Name,
		settingToken:  session.Token,
	}
	for key, v := range values {
		if err := c.store.SetSetting(ctx, key, v); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
	}
	return nil
}
