package memstore

import (
	"context"

	"github.com/lalithlochan/herald/internal/notification"
)

// GetOrDefault returns the recipient's preferences, creating the default
// record on first lookup.
func (s *Store) GetOrDefault(_ context.Context, recipientID string) (*notification.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preferences[recipientID]
	if !ok {
		p = notification.DefaultPreferences(recipientID)
		now := s.now()
		p.CreatedAt, p.UpdatedAt = now, now
		s.preferences[recipientID] = p
	}
	c := *p
	return &c, nil
}

// PutPreferences replaces the stored record. Last write wins.
func (s *Store) PutPreferences(_ context.Context, p *notification.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	c.UpdatedAt = s.now()
	if prev, ok := s.preferences[p.RecipientID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else {
		c.CreatedAt = c.UpdatedAt
	}
	s.preferences[p.RecipientID] = &c
	return nil
}

func (s *Store) GetTemplate(_ context.Context, id string) (*notification.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, notification.ErrTemplateNotFound
	}
	c := *t
	return &c, nil
}

// PutTemplate creates or replaces a template, bumping its version.
func (s *Store) PutTemplate(_ context.Context, t *notification.Template) (*notification.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	now := s.now()
	if prev, ok := s.templates[t.ID]; ok {
		c.Version = prev.Version + 1
		c.CreatedAt = prev.CreatedAt
	} else {
		c.Version = 1
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.templates[t.ID] = &c
	out := c
	return &out, nil
}
