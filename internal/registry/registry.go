// Package registry implements C3 Skill Registry: per-device skill
// bookkeeping with heartbeat-based liveness, ranked search, and
// path-based describe, grounded on the teacher's internal/skills.Manager
// structural pattern (a mutex-guarded "all" map recomputed into a
// derived "live" view on every write) generalized from file-discovered
// capabilities to database-backed, per-device registrations.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/hub/internal/observability"
	"github.com/haasonsaas/hub/internal/storage"
	"github.com/haasonsaas/hub/pkg/hub"
)

// Presence answers whether a device currently has an open Spoke channel.
// Implemented by internal/spoke.Manager; injected here to avoid a
// registry<->spoke import cycle since each package is the other's client
// (spoke calls registry.Heartbeat on traffic; registry calls spoke.IsOnline
// to compute liveness).
type Presence interface {
	IsOnline(deviceID string) bool
}

// Hit is one ranked search result.
type Hit struct {
	Path      string   `json:"path"`
	Signature string   `json:"signature"`
	Summary   string   `json:"summary"`
	Devices   []string `json:"devices"`
}

type Registered struct {
	Count              int    `json:"registered"`
	ResolvedDeviceName string `json:"resolved_display_name"`
}

// Registry implements register/heartbeat/search/describe over the skills
// table, filtering every read through the TTL + presence liveness rule
// (spec.md §3: "A Skill is live iff now - last_heartbeat <= TTL and its
// Device currently has an open channel").
type Registry struct {
	store    *storage.Store
	presence Presence
	metrics  *observability.Metrics
	logger   *observability.Logger
	ttl      time.Duration

	mu sync.RWMutex // guards nothing stateful today; held during sweeps to
	// serialize against concurrent ReplaceForDevice the same way the
	// teacher's Manager serializes Discover() against RefreshEligible().
}

func New(store *storage.Store, presence Presence, ttl time.Duration, metrics *observability.Metrics, logger *observability.Logger) *Registry {
	return &Registry{store: store, presence: presence, metrics: metrics, logger: logger, ttl: ttl}
}

// Register performs the idempotent full replacement spec.md §4.3 requires:
// delete the device's previous rows, insert the new set, bump heartbeat.
// The returned ResolvedDeviceName is the device's stored display_name;
// Register itself does not rename the device or check for collisions.
func (r *Registry) Register(ctx context.Context, deviceID string, skills []hub.Skill) (Registered, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.store.Skills.ReplaceForDevice(ctx, deviceID, skills)
	if err != nil {
		return Registered{}, hub.Wrap(hub.KindInternal, "replace skills", err)
	}

	device, err := r.store.Devices.Get(ctx, deviceID)
	if err != nil {
		return Registered{}, hub.Wrap(hub.KindInternal, "load device", err)
	}

	if r.metrics != nil {
		r.metrics.SkillsLive.Set(float64(len(rows)))
	}
	return Registered{Count: len(rows), ResolvedDeviceName: device.DisplayName}, nil
}

// Heartbeat bumps last_heartbeat for every skill owned by deviceID. Called
// both by the explicit heartbeat frame and implicitly on any C4 traffic.
func (r *Registry) Heartbeat(ctx context.Context, deviceID string) (int, error) {
	n, err := r.store.Skills.Heartbeat(ctx, deviceID, time.Now().UTC())
	if err != nil {
		return 0, hub.Wrap(hub.KindInternal, "heartbeat skills", err)
	}
	return n, nil
}

func (r *Registry) isLive(s *hub.Skill) bool {
	if time.Since(s.LastHeartbeat) > r.ttl {
		return false
	}
	return r.presence == nil || r.presence.IsOnline(s.DeviceID)
}

// liveSkillsForUser loads every skill row owned by userID's devices and
// filters to the live subset, annotated with each row's owning device.
func (r *Registry) liveSkillsForUser(ctx context.Context, userID string) ([]*hub.Skill, map[string]*hub.Device, error) {
	all, err := r.store.Skills.AllForUser(ctx, userID)
	if err != nil {
		return nil, nil, hub.Wrap(hub.KindInternal, "load skills", err)
	}
	devices, err := r.store.Devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, nil, hub.Wrap(hub.KindInternal, "load devices", err)
	}
	byID := make(map[string]*hub.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	live := make([]*hub.Skill, 0, len(all))
	for _, s := range all {
		if r.isLive(s) {
			live = append(live, s)
		}
	}
	return live, byID, nil
}

// Search ranks live skills by the scoring table in spec.md §4.3: exact
// method +10, exact class +5, substring method +3, substring class +2,
// substring docstring +1; ties broken by current-device-first then
// alphabetical. Identical (class,method) pairs across multiple devices
// collapse into one Hit listing every hosting device's display name.
func (r *Registry) Search(ctx context.Context, userID, query, currentDeviceID string) ([]Hit, error) {
	live, devices, err := r.liveSkillsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))
	type scored struct {
		skill *hub.Skill
		score int
	}
	var matches []scored
	for _, s := range live {
		score := scoreSkill(s, q)
		if score > 0 || q == "" {
			matches = append(matches, scored{skill: s, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.score != b.score {
			return a.score > b.score
		}
		aCur := a.skill.DeviceID == currentDeviceID
		bCur := b.skill.DeviceID == currentDeviceID
		if aCur != bCur {
			return aCur
		}
		return methodPath(a.skill) < methodPath(b.skill)
	})

	// Group by (class,method) so identical skills across devices become one
	// Hit with a Devices list, preserving the best-ranked instance's order.
	order := make([]string, 0, len(matches))
	grouped := make(map[string]*Hit)
	for _, m := range matches {
		key := m.skill.ClassName + "." + m.skill.MethodName
		dev := devices[m.skill.DeviceID]
		devName := m.skill.DeviceID
		if dev != nil {
			devName = dev.DisplayName
		}
		if h, ok := grouped[key]; ok {
			h.Devices = append(h.Devices, devName)
			continue
		}
		order = append(order, key)
		grouped[key] = &Hit{
			Path:      key,
			Signature: m.skill.Signature,
			Summary:   summary(m.skill),
			Devices:   []string{devName},
		}
	}

	hits := make([]Hit, 0, len(order))
	for _, key := range order {
		hits = append(hits, *grouped[key])
	}
	return hits, nil
}

func scoreSkill(s *hub.Skill, q string) int {
	if q == "" {
		return 0
	}
	score := 0
	method := strings.ToLower(s.MethodName)
	class := strings.ToLower(s.ClassName)
	doc := strings.ToLower(s.Docstring)

	if method == q {
		score += 10
	}
	if class == q {
		score += 5
	}
	if strings.Contains(method, q) {
		score += 3
	}
	if strings.Contains(class, q) {
		score += 2
	}
	if strings.Contains(doc, q) {
		score += 1
	}
	return score
}

func summary(s *hub.Skill) string {
	if s.Docstring != "" {
		return s.Docstring
	}
	return s.Signature
}

func methodPath(s *hub.Skill) string {
	return s.ClassName + "." + s.MethodName
}

// Describe resolves "DeviceName.ClassName.method" (multi-device) or
// "ClassName.method" (single-device mode) to its signature and full
// docstring (spec.md §4.3).
func (r *Registry) Describe(ctx context.Context, userID, path string) (*hub.Skill, error) {
	live, devices, err := r.liveSkillsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	parts := strings.Split(path, ".")
	var deviceName, className, methodName string
	switch len(parts) {
	case 2:
		className, methodName = parts[0], parts[1]
	case 3:
		deviceName, className, methodName = parts[0], parts[1], parts[2]
	default:
		return nil, hub.NewError(hub.KindValidationFailed, "path must be \"Class.method\" or \"Device.Class.method\"")
	}

	for _, s := range live {
		if !strings.EqualFold(s.ClassName, className) || !strings.EqualFold(s.MethodName, methodName) {
			continue
		}
		if deviceName != "" {
			dev := devices[s.DeviceID]
			if dev == nil || !strings.EqualFold(dev.DisplayName, deviceName) {
				continue
			}
		}
		return s, nil
	}
	return nil, hub.ErrNotFound
}

// ResolveDeviceByDisplayName looks up a device id by display name within a
// user's devices, used by C5/C7 to route a parsed "devices.<name>." call
// (spec.md §4.7, §9).
func (r *Registry) ResolveDeviceByDisplayName(ctx context.Context, userID, displayName string) (*hub.Device, error) {
	devices, err := r.store.Devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, hub.Wrap(hub.KindInternal, "load devices", err)
	}
	for _, d := range devices {
		if strings.EqualFold(d.DisplayName, displayName) {
			return d, nil
		}
	}
	return nil, hub.ErrNotFound
}

// Sweep deletes skill rows whose heartbeat predates the TTL, the
// low-frequency sweeper spec.md §4.3 calls for in addition to the
// filter-on-read behavior.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.ttl)
	n, err := r.store.Skills.DeleteStaleBefore(ctx, cutoff)
	if err != nil {
		return 0, hub.Wrap(hub.KindInternal, "sweep stale skills", err)
	}
	if n > 0 && r.logger != nil {
		r.logger.Info(ctx, "swept stale skills", "count", n)
	}
	return n, nil
}

// RunSweeper blocks, sweeping on every tick until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && r.logger != nil {
				r.logger.Error(ctx, "sweep failed", "error", err)
			}
		}
	}
}
