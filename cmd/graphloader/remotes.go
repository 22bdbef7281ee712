package main

import (
	"fmt"
	"strings"

	"github.com/hanpama/graphloader/internal/config"
)

// addRemotes merges --subgraph name=host:port flags into cfg.
func addRemotes(cfg *config.Config, remotes []string) error {
	for _, r := range remotes {
		name, endpoint, ok := strings.Cut(r, "=")
		name, endpoint = strings.TrimSpace(name), strings.TrimSpace(endpoint)
		if !ok || name == "" || endpoint == "" {
			return fmt.Errorf("invalid --subgraph %q, want name=host:port", r)
		}
		found := false
		for i := range cfg.Federation.Subgraphs {
			if cfg.Federation.Subgraphs[i].Name == name {
				cfg.Federation.Subgraphs[i].Endpoints = append(cfg.Federation.Subgraphs[i].Endpoints, endpoint)
				found = true
			}
		}
		if !found {
			cfg.Federation.Subgraphs = append(cfg.Federation.Subgraphs, config.Subgraph{Name: name, Endpoints: []string{endpoint}})
		}
	}
	return cfg.Validate()
}
