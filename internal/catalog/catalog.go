// Package catalog holds the list of downloadable patch manifests.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// Manifest describes one downloadable patch.
type Manifest struct {
	ID        string   `json:"id" yaml:"id"`
	Version   string   `json:"version" yaml:"version"`
	Date      string   `json:"date" yaml:"date"`
	Size      string   `json:"size" yaml:"size"`
	SizeBytes uint64   `json:"size_bytes" yaml:"-"`
	Content   string   `json:"content" yaml:"content"`
	Manifest  string   `json:"manifest" yaml:"manifest"`
	Languages []string `json:"languages" yaml:"languages"`
	Region    string   `json:"region" yaml:"region"`
}

// Source produces the raw manifest descriptors.
type Source interface {
	Manifests(ctx context.Context) ([]Manifest, error)
}

var ErrEmpty = errors.New("catalog source returned no usable manifests")

// Catalog is the current view of a Source. Refresh replaces it as a whole.
type Catalog struct {
	source Source
	// baseURL resolves descriptors that carry a bare manifest file name.
	baseURL string

	mu        sync.RWMutex
	manifests []Manifest
	updatedAt time.Time
}

func New(source Source, baseURL string) *Catalog {
	return &Catalog{source: source, baseURL: baseURL}
}

// Refresh loads the source and swaps the catalog view. On error the previous
// view is kept.
func (c *Catalog) Refresh(ctx context.Context) ([]Manifest, error) {
	raw, err := c.source.Manifests(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	list := make([]Manifest, 0, len(raw))
	for _, m := range raw {
		norm, err := c.normalize(m)
		if err != nil {
			log.WithField("version", m.Version).Warnf("skipping catalog entry: %v", err)
			continue
		}
		list = append(list, norm)
	}
	if len(raw) > 0 && len(list) == 0 {
		return nil, ErrEmpty
	}

	c.mu.Lock()
	c.manifests = list
	c.updatedAt = time.Now()
	c.mu.Unlock()

	log.WithField("count", len(list)).Info("catalog refreshed")
	return c.List(), nil
}

// List returns a copy of the current view.
func (c *Catalog) List() []Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Manifest, len(c.manifests))
	for i, m := range c.manifests {
		m.Languages = append([]string(nil), m.Languages...)
		out[i] = m
	}
	return out
}

func (c *Catalog) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

func (c *Catalog) normalize(m Manifest) (Manifest, error) {
	ref := strings.TrimSpace(m.Manifest)
	if ref == "" {
		return Manifest{}, errors.New("missing manifest reference")
	}

	u, err := url.Parse(ref)
	if err != nil {
		return Manifest{}, fmt.Errorf("parse manifest reference: %w", err)
	}
	if !u.IsAbs() {
		if c.baseURL == "" {
			return Manifest{}, fmt.Errorf("relative manifest reference %q without base url", ref)
		}
		ref, err = url.JoinPath(c.baseURL, ref)
		if err != nil {
			return Manifest{}, fmt.Errorf("resolve manifest reference: %w", err)
		}
	}
	m.Manifest = ref

	if m.ID == "" {
		m.ID = strings.TrimSuffix(path.Base(ref), ".manifest")
	}
	if m.Size != "" {
		n, err := humanize.ParseBytes(m.Size)
		if err != nil {
			log.WithField("size", m.Size).Debugf("unparseable catalog size: %v", err)
		} else {
			m.SizeBytes = n
		}
	}
	return m, nil
}
