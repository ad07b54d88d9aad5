package cli

import (
	"context"
	"time"

	"github.com/roach88/datastore/internal/datastore"
	"github.com/roach88/datastore/internal/metering"
	"github.com/roach88/datastore/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// node is the in-process datastore node a command talks to.
type node struct {
	registry *datastore.Registry
	core     *datastore.Core
}

func openNode(opts *RootOptions) (*node, error) {
	cfg, logger := opts.Config, opts.Logger
	reg, err := datastore.OpenRegistry(cfg.DatastoresDir,
		[]storage.Option{storage.WithWAL(cfg.EnableWAL), storage.WithLogger(logger)},
		datastore.WithRegistryLogger(logger))
	if err != nil {
		return nil, err
	}
	meter := metering.New(
		metering.WithLogger(logger),
		metering.WithBytesEstimate(cfg.DefaultBytesForPaymentEstimates),
		metering.WithComputePrice(cfg.ComputePricePerQuery))
	core := datastore.New(reg,
		datastore.WithLogger(logger),
		datastore.WithMeter(meter),
		datastore.WithCorePlugins(cfg.CorePlugins),
		datastore.WithMaxTableRows(cfg.MaxTableRows),
		datastore.WithWorkTracker(datastore.NewWorkTracker(cfg.MaxRuntime, cfg.WaitForCompletionOnShutdown)))
	return &node{registry: reg, core: core}, nil
}

func (n *node) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	cerr := n.core.Close(ctx)
	rerr := n.registry.Close()
	if cerr != nil {
		return cerr
	}
	return rerr
}
