// Package app assembles the fleet dispatch service from the configuration:
// store, simulation engine, charging admission, dispatcher, campaigns and the
// HTTP surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	apifleet "github.com/evfleet/fleetd/api/fleet"
	"github.com/evfleet/fleetd/config"
	"github.com/evfleet/fleetd/core/charging"
	"github.com/evfleet/fleetd/core/dispatch"
	"github.com/evfleet/fleetd/core/geo"
	"github.com/evfleet/fleetd/core/params"
	"github.com/evfleet/fleetd/core/sim"
	"github.com/evfleet/fleetd/core/store"
	coretelemetry "github.com/evfleet/fleetd/core/telemetry"
	"github.com/evfleet/fleetd/infra/collector"
	"github.com/evfleet/fleetd/infra/logger"
	"github.com/evfleet/fleetd/infra/postgres"
	"github.com/evfleet/fleetd/infra/telemetry"
	"github.com/evfleet/fleetd/internal/eventbus"
)

// Service orchestrates the dispatch engine and its web surfaces.
type Service struct {
	Fleet     store.Fleet
	Engine    *sim.Engine
	Charging  *charging.Controller
	Matcher   *dispatch.Matcher
	Campaigns *dispatch.CampaignRegistry

	bus  eventbus.EventBus
	sink coretelemetry.Sink
	log  logger.Logger

	apiServer  *http.Server
	promServer *http.Server
	pg         *postgres.Store
}

// New creates a Service from the configuration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	var (
		fleet store.Fleet
		pg    *postgres.Store
	)
	switch cfg.Store.Driver {
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		fleet, pg = s, s
	default:
		fleet = store.NewMemory()
	}

	sink := buildSink(cfg)
	bus := eventbus.New()
	collector.Start(bus, logger.New("collector"))
	resolver := params.New(cfg.Raw())

	engine := sim.NewEngine(fleet, resolver, sink, bus, logger.New("sim"))
	ctrl := charging.NewController(fleet, fleet, logger.New("charging"))
	engine.SetAdmission(ctrl)
	ctrl.SetLegStarter(engine)

	matcher, err := dispatch.NewMatcher(fleet, resolver, engine, bus, logger.New("dispatch"))
	if err != nil {
		return nil, err
	}
	campaigns, err := dispatch.NewCampaignRegistry(matcher, fleet, resolver, bus, logger.New("campaigns"))
	if err != nil {
		return nil, err
	}

	origins := make(map[string]geo.Origin, len(cfg.Cities))
	for city, c := range cfg.Cities {
		origins[city] = geo.Origin{Lng: c.OriginLng, Lat: c.OriginLat}
	}
	handler := apifleet.NewHandler(matcher, campaigns, fleet, geo.NewConverter(origins), logger.New("api"))

	svc := &Service{
		Fleet:     fleet,
		Engine:    engine,
		Charging:  ctrl,
		Matcher:   matcher,
		Campaigns: campaigns,
		bus:       bus,
		sink:      sink,
		log:       logg,
		pg:        pg,
		apiServer: &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if cfg.Metrics.PrometheusEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		svc.promServer = &http.Server{
			Addr:              ":" + cfg.Metrics.PrometheusPort,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return svc, nil
}

func buildSink(cfg *config.Config) coretelemetry.Sink {
	var sinks []coretelemetry.Sink
	if cfg.Telemetry.InfluxEnabled {
		sinks = append(sinks, telemetry.NewInfluxSinkWithFallback(
			cfg.Telemetry.InfluxURL, cfg.Telemetry.InfluxToken,
			cfg.Telemetry.InfluxOrg, cfg.Telemetry.InfluxBucket))
	}
	if cfg.Telemetry.MQTTEnabled {
		sink, err := telemetry.NewMQTTSink(telemetry.MQTTConfig{
			Broker:   cfg.Telemetry.MQTTBroker,
			ClientID: cfg.Telemetry.MQTTClientID,
		})
		if err != nil {
			logger.New("service").Errorf("mqtt sink unavailable: %v", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	switch len(sinks) {
	case 0:
		return coretelemetry.NopSink{}
	case 1:
		return sinks[0]
	default:
		return coretelemetry.NewMultiSink(sinks...)
	}
}

// Run serves the HTTP surfaces and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() {
		s.log.Infof("fleet api listening on %s", s.apiServer.Addr)
		if err := s.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("api server: %w", err)
		}
	}()
	if s.promServer != nil {
		go func() {
			s.log.Infof("metrics listening on %s", s.promServer.Addr)
			if err := s.promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.apiServer.Shutdown(shutCtx); err != nil {
		s.log.Errorf("api shutdown: %v", err)
	}
	if s.promServer != nil {
		if err := s.promServer.Shutdown(shutCtx); err != nil {
			s.log.Errorf("metrics shutdown: %v", err)
		}
	}
	return nil
}

// Close releases everything the service holds: campaigns first so no new
// units start, then the engine, then the sinks and the store.
func (s *Service) Close() error {
	if err := s.Campaigns.Close(); err != nil {
		s.log.Errorf("campaigns close: %v", err)
	}
	if err := s.Engine.Close(); err != nil {
		s.log.Errorf("engine close: %v", err)
	}
	s.bus.Close()
	if err := s.sink.Close(); err != nil {
		s.log.Errorf("sink close: %v", err)
	}
	if s.pg != nil {
		s.pg.Close()
	}
	return nil
}
