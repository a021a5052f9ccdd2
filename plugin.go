package netsync

import (
	"fmt"
	"os"
	"path/filepath"
)

type plugin struct {
	Name string
	Path string
}

// Load runs dir/<name>/init.lua for every subdirectory of dir.
// A missing dir means there are no plugins.
func (p *Plugins) Load(dir string) error {
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, file := range files {
		if !file.IsDir() {
			continue
		}

		path := filepath.Join(dir, file.Name())
		script := filepath.Join(path, "init.lua")
		if _, err := os.Stat(script); err != nil {
			continue
		}

		p.log.Infow("loading plugin", "name", file.Name())
		if err := p.l.DoFile(script); err != nil {
			return fmt.Errorf("plugin %s: %w", file.Name(), err)
		}
		p.loaded = append(p.loaded, plugin{Name: file.Name(), Path: path})
	}

	return nil
}

// Loaded returns the names of the loaded plugins
func (p *Plugins) Loaded() []string {
	names := make([]string, len(p.loaded))
	for i, pl := range p.loaded {
		names[i] = pl.Name
	}
	return names
}
