package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// AgentFactory builds the agent for a user who just signed in.
type AgentFactory func(userID, displayName string) *Agent

// Directory tracks the agent of every signed-in user.
type Directory struct {
	newAgent AgentFactory
	log      *slog.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

func NewDirectory(newAgent AgentFactory, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{newAgent: newAgent, log: log, agents: map[string]*Agent{}}
}

// SignIn starts an agent for userID unless one is already running.
func (d *Directory) SignIn(ctx context.Context, userID, displayName string) error {
	d.mu.Lock()
	if _, ok := d.agents[userID]; ok {
		d.mu.Unlock()
		return nil
	}
	a := d.newAgent(userID, displayName)
	d.agents[userID] = a
	d.mu.Unlock()

	if err := a.Start(ctx); err != nil {
		d.mu.Lock()
		if d.agents[userID] == a {
			delete(d.agents, userID)
		}
		d.mu.Unlock()
		return err
	}
	return nil
}

// SignOut stops the user's agent: any call ends and presence is removed.
func (d *Directory) SignOut(ctx context.Context, userID string) error {
	d.mu.Lock()
	a, ok := d.agents[userID]
	delete(d.agents, userID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return a.Stop(ctx)
}

func (d *Directory) Agent(userID string) (*Agent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[userID]
	return a, ok
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.agents)
}

// Close signs everybody out.
func (d *Directory) Close(ctx context.Context) error {
	d.mu.Lock()
	agents := d.agents
	d.agents = map[string]*Agent{}
	d.mu.Unlock()

	var errs []error
	for id, a := range agents {
		if err := a.Stop(ctx); err != nil {
			d.log.Warn("sign out on close", "user_id", id, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
