package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Discover scans manifestDir for one "*.json" manifest file per tool
// server, registering each server and its tools into r. A manifest found
// but invalid is logged and skipped rather than aborting the whole scan.
func Discover(r *Registry, manifestDir string) error {
	entries, err := os.ReadDir(manifestDir)
	if err != nil {
		return fmt.Errorf("registry: read manifest dir %q: %w", manifestDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}

		path := filepath.Join(manifestDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("registry: skipping unreadable manifest", "path", path, "error", err)
			continue
		}

		var m manifestFile
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("registry: skipping malformed manifest", "path", path, "error", err)
			continue
		}
		if m.Server.Name == "" {
			slog.Warn("registry: skipping manifest with no server name", "path", path)
			continue
		}

		if r.cache != nil {
			if err := r.cache.PutManifest(m.Server.Name, m); err != nil {
				slog.Warn("registry: failed to cache manifest", "server", m.Server.Name, "error", err)
			}
		}

		r.RegisterServer(m.Server)
		for _, t := range m.Tools {
			r.RegisterTool(RegisteredTool{
				Name: t.Name, Description: t.Description,
				ServerName: m.Server.Name, InputSchema: t.InputSchema, Enabled: true,
			})
			if r.cache != nil {
				if err := r.cache.PutSchema(m.Server.Name, t.Name, t.InputSchema); err != nil {
					slog.Warn("registry: failed to cache schema", "tool", t.Name, "error", err)
				}
			}
		}
		slog.Info("registry: discovered server", "server", m.Server.Name, "tools", len(m.Tools))
	}
	return nil
}

// RestoreFromCache rebuilds the registry's server/tool index purely from
// the bbolt cache, for a fast startup path before live discovery
// re-validates against the manifest directory. No-op if r.cache is nil.
func RestoreFromCache(r *Registry, serverNames []string) error {
	if r.cache == nil {
		return nil
	}
	for _, name := range serverNames {
		m, found, err := r.cache.GetManifest(name)
		if err != nil {
			return fmt.Errorf("registry: restore manifest %q: %w", name, err)
		}
		if !found {
			continue
		}
		r.RegisterServer(m.Server)
		for _, t := range m.Tools {
			r.RegisterTool(RegisteredTool{
				Name: t.Name, Description: t.Description,
				ServerName: m.Server.Name, InputSchema: t.InputSchema, Enabled: true,
			})
		}
	}
	return nil
}
