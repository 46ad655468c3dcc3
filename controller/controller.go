// Package controller implements the scaling controller that
// watches shard occupancy and drives the split-and-publish
// protocol.
//
// The controller never blocks external callers: a split runs
// concurrently with normal traffic, and the only externally
// visible effect is a brief window in which writes routed to
// the parent before the directory update are rejected as out of
// range and retried by the caller after routing again.
package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dunlinkv/dunlin/directory"
	"github.com/dunlinkv/dunlin/shard"
)

const defaultSplitTimeout = 30 * time.Second

// Shards is the set of live shard actors the controller
// operates on
type Shards interface {
	// Shard returns the live shard with this id
	Shard(id string) (*shard.Shard, bool)
	// Add registers a newly created shard
	Add(s *shard.Shard)
}

// Config contains configuration for a controller
type Config struct {
	Directory *directory.Directory
	Shards    Shards
	// Reports carries occupancy reports from all shards
	Reports <-chan shard.Report
	// CapacityThreshold is the occupancy at which a shard
	// must split. Must be at least 2 so that an over-
	// threshold shard always has a chance of holding two
	// distinct keys.
	CapacityThreshold int
	// SplitTimeout bounds one run of the split protocol
	SplitTimeout time.Duration
	Logger       *zap.Logger
}

// Controller watches occupancy reports and splits shards that
// reach their capacity threshold. It issues at most one pending
// split per shard: triggers that arrive while that shard is
// mid-split are dropped and the shard's own put traffic
// re-triggers the split once the range has stabilized.
type Controller struct {
	directory *directory.Directory
	shards    Shards
	reports   <-chan shard.Report
	threshold int
	timeout   time.Duration
	logger    *zap.Logger

	stop    chan struct{}
	stopped chan struct{}

	// owned by the run loop
	completions    chan completion
	inFlight       map[string]bool
	lastInfeasible map[string]int
}

type completion struct {
	shardID   string
	occupancy int
	err       error
}

// New creates a controller. Call Start to begin watching.
func New(config Config) *Controller {
	if config.Logger == nil {
		config.Logger = zap.L()
	}

	if config.SplitTimeout <= 0 {
		config.SplitTimeout = defaultSplitTimeout
	}

	return &Controller{
		directory:      config.Directory,
		shards:         config.Shards,
		reports:        config.Reports,
		threshold:      config.CapacityThreshold,
		timeout:        config.SplitTimeout,
		logger:         config.Logger.With(zap.String("component", "controller")),
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
		completions:    make(chan completion),
		inFlight:       map[string]bool{},
		lastInfeasible: map[string]int{},
	}
}

// Start launches the controller's watch loop
func (controller *Controller) Start() {
	go controller.run()
}

// Stop shuts the watch loop down. In-flight splits run to
// completion but no new splits are triggered.
func (controller *Controller) Stop() {
	close(controller.stop)
	<-controller.stopped
}

func (controller *Controller) run() {
	defer close(controller.stopped)

	for {
		select {
		case report := <-controller.reports:
			controller.handleReport(report)
		case completion := <-controller.completions:
			controller.handleCompletion(completion)
		case <-controller.stop:
			return
		}
	}
}

func (controller *Controller) handleReport(report shard.Report) {
	// a change in occupancy means the key distribution moved,
	// so a previously infeasible split is worth trying again
	if last, ok := controller.lastInfeasible[report.ShardID]; ok && last != report.Occupancy {
		delete(controller.lastInfeasible, report.ShardID)
	}

	if report.Occupancy < controller.threshold {
		return
	}

	if controller.inFlight[report.ShardID] {
		return
	}

	if _, saturated := controller.lastInfeasible[report.ShardID]; saturated {
		return
	}

	controller.inFlight[report.ShardID] = true

	go controller.split(report.ShardID, report.Occupancy)
}

func (controller *Controller) handleCompletion(done completion) {
	delete(controller.inFlight, done.shardID)

	switch done.err {
	case nil:
	case shard.ErrSplitInfeasible:
		// terminal for this shard until its key distribution
		// changes; never fatal for the system
		controller.lastInfeasible[done.shardID] = done.occupancy

		controller.logger.Warn("shard is saturated and cannot split",
			zap.String("shard", done.shardID),
			zap.Int("occupancy", done.occupancy))
	default:
		controller.logger.Error("split failed, deferring",
			zap.String("shard", done.shardID),
			zap.Error(done.err))
	}
}

// split runs the split protocol for one shard: choose a
// boundary, split the shard, register the sibling, then publish
// the new ownership in the directory as the atomic last step.
func (controller *Controller) split(shardID string, occupancy int) {
	err := controller.doSplit(shardID, occupancy)

	select {
	case controller.completions <- completion{shardID: shardID, occupancy: occupancy, err: err}:
	case <-controller.stop:
	}
}

func (controller *Controller) doSplit(shardID string, occupancy int) error {
	ctx, cancel := context.WithTimeout(context.Background(), controller.timeout)
	defer cancel()

	parent, ok := controller.shards.Shard(shardID)

	if !ok {
		return shard.ErrUnreachable
	}

	boundary, rng, err := parent.SplitPoint(ctx)

	if err != nil {
		return err
	}

	controller.logger.Info("splitting shard",
		zap.String("shard", shardID),
		zap.Int("occupancy", occupancy),
		zap.Stringer("range", rng),
		zap.String("boundary", boundary.String()))

	sibling, err := parent.Split(ctx, boundary)

	if err != nil {
		return err
	}

	// the sibling must be reachable before any route can name
	// it, so register it ahead of the directory update
	controller.shards.Add(sibling)

	if err := controller.directory.ApplySplit(rng, boundary, sibling.ID()); err != nil {
		return err
	}

	return nil
}
