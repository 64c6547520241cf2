// Package engine talks to the external raster engine. The engine is
// known only through the capabilities a basin statistics run needs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/CZERTAINLY/basinstats/internal/jobs"
	"github.com/CZERTAINLY/basinstats/internal/log"
	"github.com/CZERTAINLY/basinstats/internal/model"
)

// Engine computes basins and their statistics. Implementations must be
// safe for concurrent use.
type Engine interface {
	// Check returns ErrEngineUnavailable if the session can't be used
	Check(ctx context.Context, session model.Session) error
	// Delineate computes the upstream contributing area of (x, y) and stores it as label
	Delineate(ctx context.Context, session model.Session, x, y float64, label string) error
	// ZonalStats writes statistics of raster over zone to outputPath
	ZonalStats(ctx context.Context, session model.Session, raster, zone, outputPath string) error
	// Discard removes rasters matching pattern
	Discard(ctx context.Context, session model.Session, pattern string) error
}

// Scripter is implemented by engines able to print the commands of a job
type Scripter interface {
	Script(session model.Session, job model.Job) ([]string, error)
}

// vars are available in command templates
type vars struct {
	Session   string
	Direction string
	X         string
	Y         string
	Label     string
	Raster    string
	Zone      string
	Output    string
	Pattern   string
}

// Commands runs the configured command line templates. Every step of an
// operation runs as Binary Args... Step..., steps run sequentially and the
// first failing one fails the operation.
type Commands struct {
	binary     string
	args       []*template.Template
	env        []string
	timeout    time.Duration
	check      [][]*template.Template
	delineate  [][]*template.Template
	zonalStats [][]*template.Template
	discard    [][]*template.Template
}

func NewCommands(cfg model.Engine) (*Commands, error) {
	if cfg.Binary == "" {
		return nil, errors.New("engine binary is empty")
	}
	var err error
	c := &Commands{binary: cfg.Binary}
	if c.args, err = parseStep("args", cfg.Args); err != nil {
		return nil, err
	}
	if c.check, err = parseSteps("check", cfg.Commands.Check); err != nil {
		return nil, err
	}
	if c.delineate, err = parseSteps("delineate", cfg.Commands.Delineate); err != nil {
		return nil, err
	}
	if c.zonalStats, err = parseSteps("zonal_stats", cfg.Commands.ZonalStats); err != nil {
		return nil, err
	}
	if c.discard, err = parseSteps("discard", cfg.Commands.Discard); err != nil {
		return nil, err
	}
	if len(c.delineate) == 0 || len(c.zonalStats) == 0 {
		return nil, errors.New("engine commands delineate and zonal_stats are required")
	}
	for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
		c.env = append(c.env, k+"="+cfg.Env[k])
	}
	if cfg.Timeout != nil {
		c.timeout = cfg.Timeout.Duration
	}
	return c, nil
}

func (c *Commands) Check(ctx context.Context, session model.Session) error {
	if len(c.check) == 0 {
		return nil
	}
	err := c.run(ctx, "check", c.check, vars{Session: session.Name})
	if err != nil {
		return fmt.Errorf("session %q: %w", session.Name, errors.Join(model.ErrEngineUnavailable, err))
	}
	return nil
}

func (c *Commands) Delineate(ctx context.Context, session model.Session, x, y float64, label string) error {
	return c.run(ctx, "delineate", c.delineate, vars{
		Session:   session.Name,
		Direction: session.Direction,
		X:         strconv.FormatFloat(x, 'f', -1, 64),
		Y:         strconv.FormatFloat(y, 'f', -1, 64),
		Label:     label,
	})
}

func (c *Commands) ZonalStats(ctx context.Context, session model.Session, raster, zone, outputPath string) error {
	return c.run(ctx, "zonal_stats", c.zonalStats, vars{
		Session: session.Name,
		Raster:  raster,
		Zone:    zone,
		Output:  outputPath,
	})
}

func (c *Commands) Discard(ctx context.Context, session model.Session, pattern string) error {
	if len(c.discard) == 0 {
		return nil
	}
	return c.run(ctx, "discard", c.discard, vars{Session: session.Name, Pattern: pattern})
}

// Script renders shell lines running the job, used for generated run scripts
func (c *Commands) Script(session model.Session, job model.Job) ([]string, error) {
	steps, v, err := c.jobSteps(session, job)
	if err != nil {
		return nil, err
	}
	cmds, err := c.render(steps, v)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(c.env))
	for _, e := range c.env {
		env = append(env, shellQuote(e))
	}
	prefix := ""
	if len(env) > 0 {
		prefix = "env " + strings.Join(env, " ") + " "
	}
	ret := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		ret = append(ret, prefix+cmd.String())
	}
	return ret, nil
}

func (c *Commands) jobSteps(session model.Session, job model.Job) ([][]*template.Template, vars, error) {
	switch job.Phase {
	case model.PhaseDelineate:
		direction := session.Direction
		if d := job.Params[jobs.ParamDirection]; d != "" {
			direction = d
		}
		return c.delineate, vars{
			Session:   session.Name,
			Direction: direction,
			X:         job.Params[jobs.ParamX],
			Y:         job.Params[jobs.ParamY],
			Label:     job.Params[jobs.ParamOutput],
		}, nil
	case model.PhaseSummarize:
		return c.zonalStats, vars{
			Session: session.Name,
			Raster:  job.Params[jobs.ParamMap],
			Zone:    job.Params[jobs.ParamZones],
			Output:  job.Params[jobs.ParamOutput],
		}, nil
	}
	return nil, vars{}, fmt.Errorf("script for %q: %w", job.Phase, model.ErrInvalidPhase)
}

func (c *Commands) run(ctx context.Context, op string, steps [][]*template.Template, v vars) error {
	cmds, err := c.render(steps, v)
	if err != nil {
		return err
	}
	ctx = log.ContextAttrs(ctx, slog.String("engine_op", op))
	for _, cmd := range cmds {
		slog.DebugContext(ctx, "engine command", "cmd", cmd.String())
		res := Run(ctx, cmd, func(ctx context.Context, line string) {
			slog.DebugContext(ctx, "engine stderr", "line", line)
		})
		if err := res.Failed(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func (c *Commands) render(steps [][]*template.Template, v vars) ([]Command, error) {
	prefix, err := execStep(c.args, v)
	if err != nil {
		return nil, err
	}
	ret := make([]Command, 0, len(steps))
	for _, step := range steps {
		args, err := execStep(step, v)
		if err != nil {
			return nil, err
		}
		ret = append(ret, Command{
			Path:    c.binary,
			Args:    append(slices.Clone(prefix), args...),
			Env:     c.env,
			Timeout: c.timeout,
		})
	}
	return ret, nil
}

func parseSteps(name string, steps [][]string) ([][]*template.Template, error) {
	ret := make([][]*template.Template, 0, len(steps))
	for idx, step := range steps {
		t, err := parseStep(fmt.Sprintf("%s[%d]", name, idx), step)
		if err != nil {
			return nil, err
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func parseStep(name string, args []string) ([]*template.Template, error) {
	ret := make([]*template.Template, 0, len(args))
	for idx, arg := range args {
		t, err := template.New(fmt.Sprintf("%s[%d]", name, idx)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("parsing engine command %s: %w", name, err)
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func execStep(step []*template.Template, v vars) ([]string, error) {
	ret := make([]string, 0, len(step))
	var sb strings.Builder
	for _, t := range step {
		sb.Reset()
		if err := t.Execute(&sb, v); err != nil {
			return nil, fmt.Errorf("rendering engine command: %w", err)
		}
		ret = append(ret, sb.String())
	}
	return ret, nil
}
