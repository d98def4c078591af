package main

import (
	"strings"
	"sync"

	"magpie/internal/activity"
	"magpie/internal/calibration"
	"magpie/internal/config"
	"magpie/internal/controller"
	"magpie/internal/pipeline"
	"magpie/internal/research"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withStore opens the research store for one command invocation. The CLI
// shares the daemon's SQLite database; WAL mode keeps concurrent access
// safe.
func (c *commandContext) withStore(fn func(*config.Config, *research.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := research.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

// withController builds the full lifecycle surface over an open store.
func (c *commandContext) withController(fn func(*config.Config, *research.Store, *controller.Controller) error) error {
	return c.withStore(func(cfg *config.Config, store *research.Store) error {
		graph, err := pipeline.DefaultGraph()
		if err != nil {
			return err
		}
		calibrator := calibration.NewCalibrator(calibration.NewStore(store.DB()), calibration.CalibratorOptions{
			WindowDays: cfg.Calibration.WindowDays,
			MinSamples: cfg.Calibration.MinSamples,
		})
		ctrl := controller.New(cfg, store, graph, calibrator, activity.NewHub(64), nil)
		return fn(cfg, store, ctrl)
	})
}

// withCalibration opens the calibration store over the shared database.
func (c *commandContext) withCalibration(fn func(*config.Config, *calibration.Store) error) error {
	return c.withStore(func(cfg *config.Config, store *research.Store) error {
		return fn(cfg, calibration.NewStore(store.DB()))
	})
}
