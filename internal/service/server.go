// Package service provides implementation of the core polling server.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sundial-energy/go-sunwatch/internal/api"
	"github.com/sundial-energy/go-sunwatch/internal/config"
	"github.com/sundial-energy/go-sunwatch/internal/detect"
	"github.com/sundial-energy/go-sunwatch/internal/domain"
	"github.com/sundial-energy/go-sunwatch/internal/poller"
	"github.com/sundial-energy/go-sunwatch/internal/pubsub"
	"github.com/sundial-energy/go-sunwatch/internal/register"
	"github.com/sundial-energy/go-sunwatch/internal/resilience"
	"github.com/sundial-energy/go-sunwatch/internal/transport"
)

// device is the runtime of one configured inverter. The poller and the
// resilient connection exist only after the device has been identified.
type device struct {
	cfg     config.DeviceConfig
	session transport.Session

	mu     sync.RWMutex
	conn   *resilience.Conn
	poller *poller.Poller
}

func (d *device) runtime() (*resilience.Conn, *poller.Poller) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn, d.poller
}

func (d *device) setRuntime(conn *resilience.Conn, p *poller.Poller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn, d.poller = conn, p
}

// PollingServer manages the inverter polling, detection and publishing.
type PollingServer struct {
	config    *config.Config
	apiServer *api.Server
	publisher pubsub.Publisher
	engine    *detect.Engine
	catalog   register.Catalog
	registry  *domain.DeviceRegistry
	devices   map[string]*device
	done      chan struct{}
	wg        sync.WaitGroup
	logger    zerolog.Logger
	startTime time.Time
}

// NewPollingServer creates a new polling server instance.
func NewPollingServer(cfg *config.Config, publisher pubsub.Publisher) (*PollingServer, error) {
	// Create device registry.
	registry := domain.NewDeviceRegistry()

	// Create logger with component context.
	logger := log.With().Str("component", "server").Logger()

	// Build the compiled-in register maps and the detection engine over them.
	catalog, err := register.BuiltinCatalog()
	if err != nil {
		return nil, fmt.Errorf("register catalog: %w", err)
	}
	engine, err := detect.NewEngine(catalog)
	if err != nil {
		return nil, fmt.Errorf("detection engine: %w", err)
	}

	// Create server instance.
	server := &PollingServer{
		config:    cfg,
		publisher: publisher,
		engine:    engine,
		catalog:   catalog,
		registry:  registry,
		devices:   make(map[string]*device),
		done:      make(chan struct{}),
		logger:    logger,
	}

	// Set up one transport session per configured device.
	for _, dc := range cfg.Devices {
		session, err := transport.NewModbusSession(transport.Options{
			Addr:    dc.Addr,
			Framing: dc.Framing,
			SlaveID: dc.SlaveID,
			Timeout: dc.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", dc.ID, err)
		}
		server.devices[dc.ID] = &device{cfg: dc, session: session}
		registry.Register(dc.ID, dc.Addr)
	}

	// Initialize HTTP API server if enabled.
	if cfg.API.Enabled {
		server.apiServer = api.NewServer(cfg, registry, server)
	}

	return server, nil
}

// Registry exposes the device registry, mainly for tests.
func (s *PollingServer) Registry() *domain.DeviceRegistry { return s.registry }

// Start connects the publisher and launches one polling goroutine per device.
func (s *PollingServer) Start(ctx context.Context) error {
	// Record start time.
	s.startTime = time.Now()

	if err := s.publisher.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect publisher: %w", err)
	}

	// Start HTTP API server if enabled.
	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	for _, dev := range s.devices {
		s.wg.Add(1)
		go s.runDevice(ctx, dev)
	}

	s.logger.Info().
		Int("devices", len(s.devices)).
		Dur("interval", s.config.Poll.Interval).
		Msg("Server started")

	return nil
}

// Stop gracefully shuts down all server components.
func (s *PollingServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping server")

	// Signal shutdown and wait for the polling goroutines.
	close(s.done)
	s.wg.Wait()

	// Stop API server
	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	// Release every device link.
	for id, dev := range s.devices {
		conn, _ := dev.runtime()
		var err error
		if conn != nil {
			err = conn.Close()
		} else {
			err = dev.session.Close()
		}
		if err != nil {
			s.logger.Error().
				Str("device", id).
				Err(err).
				Msg("Failed to close device link")
		}
	}

	// Close message publisher
	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	return nil
}

// WriteRegister routes a logical write to the device's poller. It implements
// the api.RegisterWriter interface.
func (s *PollingServer) WriteRegister(ctx context.Context, deviceID, name string, value float64) (resilience.WriteReceipt, error) {
	dev, ok := s.devices[deviceID]
	if !ok {
		return resilience.WriteReceipt{}, fmt.Errorf("unknown device %q", deviceID)
	}
	_, p := dev.runtime()
	if p == nil {
		return resilience.WriteReceipt{}, fmt.Errorf("%w: device %q not identified yet", resilience.ErrNotConnected, deviceID)
	}
	return p.WriteLogical(ctx, name, value)
}

// runDevice identifies one device and then polls it until shutdown. A device
// that cannot be reached at all keeps retrying identification on the poll
// cadence: inverters power off overnight, and the service must pick them up
// again without a restart.
func (s *PollingServer) runDevice(ctx context.Context, dev *device) {
	defer s.wg.Done()

	logger := s.logger.With().Str("device", dev.cfg.ID).Logger()

	ticker := time.NewTicker(s.config.Poll.Interval)
	defer ticker.Stop()

	var (
		m        *register.Map
		identity detect.Identity
		model    string
	)
	for {
		var err error
		m, identity, model, err = s.identify(ctx, dev)
		if err == nil {
			break
		}
		s.registry.RecordError(dev.cfg.ID, err, resilience.Stats{})
		if !identifyRetryable(err) {
			// The device answered and still could not be identified;
			// retrying the same probes cannot change the outcome.
			logger.Error().
				Err(err).
				Msg("Device identification failed; set an explicit family in the configuration")
			return
		}
		logger.Warn().Err(err).Msg("Device unreachable, retrying identification")
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	s.registry.SetIdentity(dev.cfg.ID, identity, model)
	logger.Info().
		Str("family", identity.Family).
		Str("model", model).
		Str("confidence", identity.Confidence.String()).
		Msg("Device ready")

	// The write rate limits address registers by name, so the groups can only
	// be resolved once the register map is known.
	conn := resilience.New(dev.session, s.retryPolicy(), s.writeGroups(m, logger)...)
	p := poller.New(conn, m, s.pollerOptions())
	dev.setRuntime(conn, p)

	if err := s.publisher.Announce(ctx, dev.cfg.ID, model, m); err != nil {
		logger.Error().Err(err).Msg("Failed to announce device")
	}

	// First cycle immediately, then on the configured cadence.
	s.pollOnce(ctx, dev, logger)

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, dev, logger)
		}
	}
}

// identify resolves the register map of a device, either from the configured
// family override or by running the detection sequence on the live link.
func (s *PollingServer) identify(ctx context.Context, dev *device) (*register.Map, detect.Identity, string, error) {
	// Detection runs through its own resilient wrapper; the polling
	// connection with its write groups replaces it afterwards.
	conn := resilience.New(dev.session, s.retryPolicy())

	if family := dev.cfg.Family; family != "" {
		m, ok := s.catalog.Get(family)
		if !ok {
			return nil, detect.Identity{}, "", fmt.Errorf("device %q: unknown family %q", dev.cfg.ID, family)
		}
		identity := detect.Identity{
			Family:     family,
			Protocol:   m.Protocol(),
			Confidence: detect.High,
			Method:     "configured",
		}
		return m, identity, s.modelName(ctx, conn, m), nil
	}

	// The detection strategies treat an unreadable register as "not
	// present", which a dead link would turn into a false inconclusive.
	// Probe the link once first: any answer, a device exception included,
	// proves the far end is alive.
	if _, err := conn.ReadRegisters(ctx, register.Holding, register.DeviceTypeCodeAddr, 1); err != nil && !transport.IsProtocolError(err) {
		return nil, detect.Identity{}, "", err
	}

	identity, err := s.engine.Detect(ctx, conn)
	if err != nil {
		return nil, detect.Identity{}, "", err
	}
	m, ok := s.engine.Map(identity)
	if !ok {
		return nil, detect.Identity{}, "", fmt.Errorf("device %q: no map for family %q", dev.cfg.ID, identity.Family)
	}
	return m, identity, s.modelName(ctx, conn, m), nil
}

// identifyRetryable separates "the device is unreachable" from "the device
// answered and is genuinely unidentifiable".
func identifyRetryable(err error) bool {
	return errors.Is(err, resilience.ErrNotConnected) || transport.IsLinkError(err)
}

// modelName reads the ASCII model name where the platform has one.
func (s *PollingServer) modelName(ctx context.Context, r detect.Reader, m *register.Map) string {
	if m.Protocol() != register.Modern {
		return ""
	}
	return detect.ModelName(ctx, r)
}

// pollOnce executes one poll cycle and records the outcome.
func (s *PollingServer) pollOnce(ctx context.Context, dev *device, logger zerolog.Logger) {
	conn, p := dev.runtime()

	snap, err := p.ReadSnapshot(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Poll cycle failed")
		s.registry.RecordError(dev.cfg.ID, err, conn.Stats())
	} else {
		s.registry.RecordCycle(dev.cfg.ID, snap, conn.Stats())
		if err := s.publisher.PublishSnapshot(ctx, dev.cfg.ID, snap); err != nil {
			logger.Error().Err(err).Msg("Failed to publish snapshot")
		}
		logger.Debug().Int("quantities", snap.Len()).Msg("Poll cycle complete")
	}

	if s.config.Poll.DisconnectAfterCycle {
		conn.Disconnect()
	}
}

// retryPolicy translates the retry configuration.
func (s *PollingServer) retryPolicy() resilience.Policy {
	policy := resilience.DefaultPolicy()
	if s.config.Retry.Retries >= 0 {
		policy.Retries = s.config.Retry.Retries
	}
	if s.config.Retry.Backoff > 0 {
		policy.Backoff = s.config.Retry.Backoff
	}
	return policy
}

// pollerOptions translates the batching configuration.
func (s *PollingServer) pollerOptions() poller.Options {
	opts := poller.DefaultOptions()
	if s.config.Poll.MaxBatch > 0 {
		opts.MaxBatch = uint16(s.config.Poll.MaxBatch)
	}
	if s.config.Poll.MaxGap > 0 {
		opts.MaxGap = uint16(s.config.Poll.MaxGap)
	}
	return opts
}

// writeGroups resolves the configured write limits against one device's map.
// Register names the map does not define are skipped; a limit group whose
// registers all miss produces no group at all.
func (s *PollingServer) writeGroups(m *register.Map, logger zerolog.Logger) []*resilience.WriteGroup {
	var groups []*resilience.WriteGroup
	for _, wl := range s.config.WriteLimits {
		var addrs []resilience.Addr
		for _, name := range wl.Registers {
			d, class, ok := m.LookupName(name)
			if !ok {
				logger.Debug().
					Str("group", wl.Name).
					Str("register", name).
					Msg("Write limit register not in map")
				continue
			}
			addrs = append(addrs, resilience.Addr{Class: class, Address: d.Address})
		}
		if len(addrs) == 0 {
			continue
		}
		groups = append(groups, resilience.NewWriteGroup(wl.Name, wl.Interval, addrs))
	}
	return groups
}
