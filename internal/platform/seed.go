// ABOUTME: TOML seed-file loading for bootstrapping an agent graph
// ABOUTME: Agents are declared by name and linked to each other by name

package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/weftlabs/weft/internal/store"
)

// SeedFile is the top-level structure of a seed document.
type SeedFile struct {
	Agents []SeedAgent `toml:"agents"`
}

// SeedAgent declares one agent. Sources and Receivers reference other
// agents in the same file by name.
type SeedAgent struct {
	Name                 string            `toml:"name"`
	Type                 string            `toml:"type"`
	Schedule             string            `toml:"schedule"`
	Disabled             bool              `toml:"disabled"`
	PropagateImmediately bool              `toml:"propagate_immediately"`
	KeepEventsFor        string            `toml:"keep_events_for"`
	Options              map[string]any    `toml:"options"`
	Sources              []string          `toml:"sources"`
	Receivers            []string          `toml:"receivers"`
	Credentials          map[string]string `toml:"credentials"`
}

// Seed creates the agents declared in the TOML file at path and links
// them. Creation happens in two passes so links can reference agents
// declared later in the file. Returns the created agents in file order.
func (p *Platform) Seed(ctx context.Context, path string) ([]*store.Agent, error) {
	var file SeedFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}

	idsByName := make(map[string]string, len(file.Agents))
	created := make([]*store.Agent, 0, len(file.Agents))

	for _, decl := range file.Agents {
		if decl.Name == "" {
			return nil, fmt.Errorf("seed agent of type %q has no name", decl.Type)
		}
		if _, dup := idsByName[decl.Name]; dup {
			return nil, fmt.Errorf("seed file declares agent %q twice", decl.Name)
		}

		var keepFor time.Duration
		if decl.KeepEventsFor != "" {
			d, err := time.ParseDuration(decl.KeepEventsFor)
			if err != nil {
				return nil, fmt.Errorf("seed agent %q: invalid keep_events_for: %w", decl.Name, err)
			}
			keepFor = d
		}

		a, err := p.CreateAgent(ctx, CreateAgentParams{
			Type:                 decl.Type,
			Name:                 decl.Name,
			Options:              decl.Options,
			Schedule:             decl.Schedule,
			KeepEventsFor:        keepFor,
			PropagateImmediately: decl.PropagateImmediately,
		})
		if err != nil {
			return nil, fmt.Errorf("seed agent %q: %w", decl.Name, err)
		}

		for name, value := range decl.Credentials {
			if err := p.store.SetCredential(ctx, a.ID, name, value); err != nil {
				return nil, fmt.Errorf("seed agent %q: storing credential %q: %w", decl.Name, name, err)
			}
		}

		idsByName[decl.Name] = a.ID
		created = append(created, a)
	}

	// An edge may be declared from either end (A listing B as a receiver,
	// or B listing A as a source). Linking replaces every edge touching an
	// agent, so each agent's lists must carry the union of everything the
	// whole file declares about it before any update runs.
	sourcesByName := make(map[string][]string)
	receiversByName := make(map[string][]string)
	for _, decl := range file.Agents {
		for _, src := range decl.Sources {
			sourcesByName[decl.Name] = appendUnique(sourcesByName[decl.Name], src)
			receiversByName[src] = appendUnique(receiversByName[src], decl.Name)
		}
		for _, recv := range decl.Receivers {
			receiversByName[decl.Name] = appendUnique(receiversByName[decl.Name], recv)
			sourcesByName[recv] = appendUnique(sourcesByName[recv], decl.Name)
		}
	}

	for i, decl := range file.Agents {
		sourceIDs, err := resolveSeedLinks(decl.Name, sourcesByName[decl.Name], idsByName)
		if err != nil {
			return nil, err
		}
		receiverIDs, err := resolveSeedLinks(decl.Name, receiversByName[decl.Name], idsByName)
		if err != nil {
			return nil, err
		}
		if len(sourceIDs) == 0 && len(receiverIDs) == 0 && !decl.Disabled {
			continue
		}

		params := UpdateAgentParams{}
		if len(sourceIDs) > 0 {
			params.SourceIDs = sourceIDs
		}
		if len(receiverIDs) > 0 {
			params.ReceiverIDs = receiverIDs
		}
		if decl.Disabled {
			disabled := true
			params.Disabled = &disabled
		}

		updated, err := p.UpdateAgent(ctx, created[i].ID, params)
		if err != nil {
			return nil, fmt.Errorf("seed agent %q: linking: %w", decl.Name, err)
		}
		created[i] = updated
	}

	p.logger.Info("seed complete", "agents_created", len(created))
	return created, nil
}

func appendUnique(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	return append(names, name)
}

func resolveSeedLinks(owner string, names []string, idsByName map[string]string) ([]string, error) {
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id, ok := idsByName[name]
		if !ok {
			return nil, fmt.Errorf("seed agent %q references unknown agent %q", owner, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
