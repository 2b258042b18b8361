package worker

import (
	"context"

	"github.com/3liz/qjazz-sub000/internal/models"
	"github.com/3liz/qjazz-sub000/internal/processes"
)

// catalog serializes access to the process catalogue behind a single
// goroutine so descriptor recomputation never races with lookups. It
// answers three request kinds: update (recompute the summary list),
// list and describe.
type catalog struct {
	procs *processes.Registry
	reqs  chan catalogReq
}

type catalogReq struct {
	update  bool
	list    bool
	ident   string
	project string
	reply   chan catalogRep
}

type catalogRep struct {
	summaries []models.ProcessSummary
	desc      *models.ProcessDescription
	err       error
}

func newCatalog(procs *processes.Registry) *catalog {
	return &catalog{procs: procs, reqs: make(chan catalogReq)}
}

// Start launches the catalogue loop and performs the initial update as a
// readiness handshake.
func (c *catalog) Start(ctx context.Context) error {
	go c.run(ctx)
	return c.Update(ctx)
}

func (c *catalog) run(ctx context.Context) {
	var summaries []models.ProcessSummary
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.reqs:
			var rep catalogRep
			switch {
			case req.update:
				summaries = c.procs.List()
				rep.summaries = summaries
			case req.list:
				rep.summaries = summaries
			default:
				rep.desc, rep.err = c.describe(req.ident, req.project)
			}
			select {
			case req.reply <- rep:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *catalog) describe(ident, project string) (*models.ProcessDescription, error) {
	proc, ok := c.procs.Find(ident)
	if !ok {
		return nil, processes.ErrProcessNotFound
	}
	if proc.RequireProject && project == "" {
		return nil, &processes.ProjectRequiredError{Ident: ident}
	}
	desc := proc.Description
	return &desc, nil
}

func (c *catalog) send(ctx context.Context, req catalogReq) (catalogRep, error) {
	req.reply = make(chan catalogRep, 1)
	select {
	case c.reqs <- req:
	case <-ctx.Done():
		return catalogRep{}, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep, nil
	case <-ctx.Done():
		return catalogRep{}, ctx.Err()
	}
}

// Update recomputes the summary list.
func (c *catalog) Update(ctx context.Context) error {
	_, err := c.send(ctx, catalogReq{update: true})
	return err
}

// List returns the cached process summaries.
func (c *catalog) List(ctx context.Context) ([]models.ProcessSummary, error) {
	rep, err := c.send(ctx, catalogReq{list: true})
	if err != nil {
		return nil, err
	}
	return rep.summaries, nil
}

// Describe computes the full description of a process, optionally bound
// to a project.
func (c *catalog) Describe(ctx context.Context, ident, project string) (*models.ProcessDescription, error) {
	rep, err := c.send(ctx, catalogReq{ident: ident, project: project})
	if err != nil {
		return nil, err
	}
	return rep.desc, rep.err
}
