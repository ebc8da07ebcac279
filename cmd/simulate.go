package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/evfleet/fleetd/app"
	"github.com/evfleet/fleetd/config"
	"github.com/evfleet/fleetd/core/model"
	"github.com/evfleet/fleetd/core/store"
	"github.com/evfleet/fleetd/internal/seed"
)

var (
	simVehicles int
	simOrders   int
	simStations int
	simCity     string
	simSeed     int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a self-contained dispatch simulation on the in-memory store",
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simVehicles, "vehicles", 50, "number of vehicles to seed")
	simulateCmd.Flags().IntVar(&simOrders, "orders", 100, "number of pending orders to seed")
	simulateCmd.Flags().IntVar(&simStations, "stations", 5, "number of charging stations to seed")
	simulateCmd.Flags().StringVar(&simCity, "city", "", "city to simulate (defaults to the first configured city)")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", time.Now().UnixNano(), "random seed for fleet generation")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// the demo always runs against the in-memory store
	cfg.Store.Driver = "memory"
	cfg.Store.DSN = ""

	city := simCity
	if city == "" {
		for c := range cfg.Cities {
			city = c
			break
		}
	}
	if _, ok := cfg.Cities[city]; !ok {
		return fmt.Errorf("city %q is not configured", city)
	}

	svc, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	mem, ok := svc.Fleet.(*store.Memory)
	if !ok {
		return fmt.Errorf("simulate requires the memory store")
	}
	seed.Fleet(mem, seed.Config{
		City:     city,
		Vehicles: simVehicles,
		Orders:   simOrders,
		Stations: simStations,
		Seed:     simSeed,
	})

	id, err := svc.Campaigns.Start(ctx, 20, city)
	if err != nil {
		return err
	}
	fmt.Printf("campaign %s started: %d vehicles, %d orders, %d stations in %s\n",
		id, simVehicles, simOrders, simStations, city)

	done := make(chan struct{})
	go func() {
		svc.Campaigns.Wait(id)
		close(done)
	}()
	select {
	case <-ctx.Done():
		_ = svc.Campaigns.Stop(id)
		<-done
	case <-done:
	}

	// let in-flight trips settle before reporting
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for svc.Engine.ActiveUnits() > 0 {
		select {
		case <-waitCtx.Done():
			fmt.Printf("%d units still active at shutdown\n", svc.Engine.ActiveUnits())
			goto report
		case <-time.After(100 * time.Millisecond):
		}
	}

report:
	c, err := svc.Campaigns.Status(id)
	if err != nil {
		return err
	}
	completedOrders := 0
	for i := 1; i <= simOrders; i++ {
		o, err := mem.Order(context.Background(), fmt.Sprintf("ord%04d", i))
		if err == nil && o.Status == model.OrderCompleted {
			completedOrders++
		}
	}
	fmt.Printf("campaign %s: %d assigned, %d failed, %d orders completed\n",
		c.ID, c.Successful, c.Failed, completedOrders)
	records := mem.ChargeRecords()
	var total float64
	for _, r := range records {
		total += r.Cost
	}
	fmt.Printf("charging sessions: %d, total cost %.2f\n", len(records), total)
	return nil
}
