package enoki

import "github.com/arrayjit/enoki/backend"

// Device mirrors one backend.Device plus the engine-level bookkeeping
// SPEC_FULL.md §3 attaches to it: its owning backend and its
// auxiliary stream/event pool.
type Device struct {
	Backend backend.Backend
	Info    *backend.Device

	subStreams []backend.Stream
	subEvents  []backend.Event
}

// discoverBackends probes every registered backend variant. Per
// SPEC_FULL.md §7, a backend whose shared library couldn't be found is
// not an error — Available() simply reports false and later attempts
// to use it fail with backend_unavailable.
func (g *Global) discoverBackends() {
	for kind, b := range backend.New() {
		g.backends[kind] = b
		if !b.Available() {
			g.log.log(LevelWarn, "backend", "%s backend unavailable", kind)
		} else {
			g.log.log(LevelInfo, "backend", "%s backend ready, %d device(s)", kind, len(b.Devices()))
		}
	}
}

// discoverDevices builds Global.devices from every available backend,
// allocating each device's fixed-size sub-stream/event pool
// (SPEC_FULL.md §4.3).
func (g *Global) discoverDevices() {
	for _, b := range g.backends {
		if !b.Available() {
			continue
		}
		for _, info := range b.Devices() {
			d := &Device{Backend: b, Info: info}
			for i := 0; i < subStreamsPerDevice; i++ {
				s, err := b.NewStream(info.Index)
				if err != nil {
					g.log.log(LevelWarn, "device", "sub-stream %d for device %d failed: %v", i, info.Index, err)
					break
				}
				e, err := b.NewEvent()
				if err != nil {
					g.log.log(LevelWarn, "device", "sub-event %d for device %d failed: %v", i, info.Index, err)
					break
				}
				d.subStreams = append(d.subStreams, s)
				d.subEvents = append(d.subEvents, e)
			}
			g.devices = append(g.devices, d)
		}
	}
}

// Devices returns every enumerated device across both backends. The
// registry is read-mostly after init (SPEC_FULL.md §4.3): callers may
// retain the returned slice without holding the lock.
func (g *Global) Devices() []*Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Device(nil), g.devices...)
}

// Backend returns the backend of the given kind, or nil if it was
// never registered (as opposed to registered-but-unavailable).
func (g *Global) Backend(kind backend.Kind) backend.Backend {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backends[kind]
}

// deviceByIndex looks up a device by its backend-relative index within
// kind, returning KindDeviceIndexOutOfRange on failure.
func (g *Global) deviceByIndex(kind backend.Kind, index int) (*Device, error) {
	for _, d := range g.devices {
		if d.Info.Kind == kind && d.Info.Index == index {
			return d, nil
		}
	}
	return nil, newError(KindDeviceIndexOutOfRange, "no %s device at index %d", kind, index)
}
