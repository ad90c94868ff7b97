package controller

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/saiset-co/sai-offline/types"
)

// Manifest is the immutable description of one controller generation: which
// origin it serves, which versioned tiers it owns and what it installs.
type Manifest struct {
	origin       *url.URL
	sprite       *regexp.Regexp
	tiers        [3]string
	appShell     []string
	prewarm      []string
	fetchTimeout time.Duration
}

func NewManifest(config *types.ControllerConfig) (*Manifest, error) {
	if config == nil || config.Tiers == nil {
		return nil, types.Errorf(types.ErrManifestInvalid, "controller config is incomplete")
	}

	origin, err := url.Parse(strings.TrimRight(config.Origin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, types.Errorf(types.ErrManifestInvalid, "origin %q is not an absolute url", config.Origin)
	}

	sprite, err := regexp.Compile(config.SpritePattern)
	if err != nil {
		return nil, types.Errorf(types.ErrManifestInvalid, "sprite pattern: %v", err)
	}

	tiers := [3]string{
		types.TierStatic: config.Tiers.Static.StoreName(),
		types.TierData:   config.Tiers.Data.StoreName(),
		types.TierSprite: config.Tiers.Sprites.StoreName(),
	}

	if tiers[0] == tiers[1] || tiers[1] == tiers[2] || tiers[0] == tiers[2] {
		return nil, types.Errorf(types.ErrManifestInvalid, "tier names must be distinct: %v", tiers)
	}

	timeout := config.FetchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Manifest{
		origin:       origin,
		sprite:       sprite,
		tiers:        tiers,
		appShell:     append([]string(nil), config.AppShell...),
		prewarm:      append([]string(nil), config.Prewarm...),
		fetchTimeout: timeout,
	}, nil
}

func (m *Manifest) Origin() string {
	return m.origin.Scheme + "://" + m.origin.Host
}

func (m *Manifest) TierName(tier types.Tier) string {
	return m.tiers[tier]
}

func (m *Manifest) TierNames() []string {
	return []string{m.tiers[types.TierStatic], m.tiers[types.TierData], m.tiers[types.TierSprite]}
}

func (m *Manifest) IsCurrentTier(name string) bool {
	for _, tier := range m.tiers {
		if tier == name {
			return true
		}
	}
	return false
}

func (m *Manifest) AppShell() []string {
	return m.resolveAll(m.appShell)
}

func (m *Manifest) Prewarm() []string {
	return m.resolveAll(m.prewarm)
}

func (m *Manifest) FetchTimeout() time.Duration {
	return m.fetchTimeout
}

func (m *Manifest) IsSprite(rawURL string) bool {
	return m.sprite.MatchString(rawURL)
}

func (m *Manifest) IsSameOrigin(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, m.origin.Scheme) && strings.EqualFold(u.Host, m.origin.Host)
}

// Resolve turns an origin-relative path into an absolute URL on the origin.
// Absolute URLs are returned unchanged.
func (m *Manifest) Resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return m.Origin() + path
}

func (m *Manifest) resolveAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, path := range paths {
		out[i] = m.Resolve(path)
	}
	return out
}
