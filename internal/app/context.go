// Package app wires a governance root into a running engine: config
// resolution, backend selection, definition load, constitution hash, and the
// startup doctor pass shared by the CLI and the HTTP server.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/daviddfraser-source/control-plane/internal/config"
	"github.com/daviddfraser-source/control-plane/internal/doctor"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/engine"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

// IntegrityError carries a failed doctor report. Strict surfaces abort on
// it; fail-open surfaces serve read-only and attach it to refusals.
type IntegrityError struct {
	Report doctor.Report
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed (%s): %s", e.Report.Mode, strings.Join(e.Report.Failures, "; "))
}

// Options select and override how a root is opened.
type Options struct {
	Root       string
	Backend    string // overrides config when non-empty
	DoctorMode string // overrides config when non-empty
	Strict     bool   // strict when set here or in config
	SkipDoctor bool   // reports-only callers may skip the startup pass
	Now        func() time.Time
}

// Runtime is an opened governance root.
type Runtime struct {
	Root       string
	Config     *config.Config
	Definition *domain.Definition
	Store      state.Store
	Engine     engine.Engine
	Doctor     *doctor.Doctor
	Report     doctor.Report
	Strict     bool
}

// Open resolves a governance root into a Runtime and runs the startup
// doctor pass. In strict mode a failed pass aborts with IntegrityError; in
// fail-open mode the Runtime is returned with the failing report attached
// and Healthy reporting false.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("governance root is required (set --root or GOV_ROOT)")
	}
	cfg, err := config.LoadOptional(opts.Root)
	if err != nil {
		return nil, err
	}
	backend := cfg.Backend
	if opts.Backend != "" {
		backend = opts.Backend
	}
	mode := cfg.Doctor.Mode
	if opts.DoctorMode != "" {
		mode = opts.DoctorMode
	}
	strict := cfg.Doctor.Strict || opts.Strict

	def, err := domain.LoadDefinition(engine.DefinitionPath(opts.Root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, state.ErrNotInitialized
		}
		return nil, err
	}
	store, err := state.Open(opts.Root, backend)
	if err != nil {
		return nil, err
	}
	constitutionHash, err := engine.ConstitutionHash(opts.Root)
	if err != nil {
		store.Close()
		return nil, err
	}

	eng := engine.New(opts.Root, def, store, cfg, constitutionHash)
	if opts.Now != nil {
		eng.Now = opts.Now
	}
	rt := &Runtime{
		Root:       opts.Root,
		Config:     cfg,
		Definition: def,
		Store:      store,
		Engine:     eng,
		Doctor:     doctor.New(opts.Root, store),
		Strict:     strict,
	}
	if opts.Now != nil {
		rt.Doctor.Now = opts.Now
	}
	if opts.SkipDoctor {
		rt.Report = doctor.Report{OK: true, Mode: "skipped"}
		return rt, nil
	}

	report, err := rt.Doctor.Run(ctx, mode)
	if err != nil {
		store.Close()
		return nil, err
	}
	rt.Report = report
	if !report.OK && strict {
		store.Close()
		return nil, IntegrityError{Report: report}
	}
	return rt, nil
}

// Healthy reports whether the startup doctor pass succeeded. Fail-open
// surfaces refuse mutations while unhealthy.
func (rt *Runtime) Healthy() bool { return rt.Report.OK }

// Close releases the state backend.
func (rt *Runtime) Close() error { return rt.Store.Close() }
