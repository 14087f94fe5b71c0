// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

import "sync"

// Group is a dynamically updated ordered set of [Endpoint] values.
//
// Endpoints returns a snapshot: the same slice instance is returned when
// nothing has changed since the previous call, per spec §4.2.
type Group interface {
	// Endpoints returns the current snapshot of endpoints.
	Endpoints() []Endpoint
}

// Static is a [Group] backed by a fixed, never-changing slice.
type Static struct {
	snapshot []Endpoint
}

// NewStatic returns a [Group] that always returns the given endpoints.
func NewStatic(endpoints ...Endpoint) *Static {
	return &Static{snapshot: endpoints}
}

// Endpoints implements [Group].
func (s *Static) Endpoints() []Endpoint {
	return s.snapshot
}

// Dynamic is a [Group] whose member set can be replaced at runtime, e.g.
// by a DNS-backed or service-discovery-backed updater.
type Dynamic struct {
	mu       sync.Mutex
	snapshot []Endpoint
}

// NewDynamic returns an empty [*Dynamic] group.
func NewDynamic() *Dynamic {
	return &Dynamic{}
}

// Update replaces the current member set.
func (d *Dynamic) Update(endpoints []Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshot = endpoints
}

// Endpoints implements [Group].
func (d *Dynamic) Endpoints() []Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot
}

// Composite is a [Group] that returns the union of its children's
// snapshots, memoising its own result until the children's snapshots
// change content (compared endpoint by endpoint, ignoring attributes; see
// sameIgnoringAttrs), per spec §4.2.
type Composite struct {
	children []Group

	mu         sync.Mutex
	lastInputs []Endpoint
	memoized   []Endpoint
	haveMemo   bool
}

// NewComposite returns a [*Composite] group over the given children.
func NewComposite(children ...Group) *Composite {
	return &Composite{children: children}
}

// Endpoints implements [Group]. Duplicates across (or within) children are
// preserved: three identical endpoints returned by different children
// appear three times in the union.
func (c *Composite) Endpoints() []Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int
	snapshots := make([][]Endpoint, len(c.children))
	for i, child := range c.children {
		s := child.Endpoints()
		snapshots[i] = s
		total += len(s)
	}

	if c.haveMemo && sameUnion(c.lastInputs, snapshots) {
		return c.memoized
	}

	union := make([]Endpoint, 0, total)
	for _, s := range snapshots {
		union = append(union, s...)
	}

	c.lastInputs = union
	c.memoized = union
	c.haveMemo = true
	return union
}

func sameUnion(last []Endpoint, snapshots [][]Endpoint) bool {
	var total int
	for _, s := range snapshots {
		total += len(s)
	}
	if total != len(last) {
		return false
	}
	offset := 0
	for _, s := range snapshots {
		for i, e := range s {
			if !sameIgnoringAttrs(last[offset+i], e) {
				return false
			}
		}
		offset += len(s)
	}
	return true
}

// sameIgnoringAttrs reports whether a and b agree on every field except
// attrs: Endpoint carries a map field which is not comparable with ==, so
// composite memoisation compares the hashable fields only. Endpoints that
// differ solely by attrs but are otherwise identical are treated as the
// same for memoisation purposes, which is safe because attrs do not affect
// selection or authority.
func sameIgnoringAttrs(a, b Endpoint) bool {
	return a.host == b.host &&
		a.ip == b.ip &&
		a.hasIP == b.hasIP &&
		a.port == b.port &&
		a.hasPrt == b.hasPrt &&
		a.weight == b.weight
}

// HealthChecker narrows a set of endpoints to the currently healthy ones.
// Probing mechanics are an external collaborator per spec §4.2 Non-goals.
type HealthChecker interface {
	IsHealthy(e Endpoint) bool
}

// HealthChecked wraps a [Group], returning only endpoints the configured
// [HealthChecker] currently reports healthy. Duplicates are preserved.
type HealthChecked struct {
	inner   Group
	checker HealthChecker
}

// NewHealthChecked returns a [*HealthChecked] wrapping inner.
func NewHealthChecked(inner Group, checker HealthChecker) *HealthChecked {
	return &HealthChecked{inner: inner, checker: checker}
}

// Endpoints implements [Group].
func (h *HealthChecked) Endpoints() []Endpoint {
	all := h.inner.Endpoints()
	out := make([]Endpoint, 0, len(all))
	for _, e := range all {
		if h.checker.IsHealthy(e) {
			out = append(out, e)
		}
	}
	return out
}
