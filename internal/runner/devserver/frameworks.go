package devserver

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed frameworks.yaml
var frameworksYAML []byte

// Framework describes how to detect and launch one dev-server flavor.
type Framework struct {
	Name        string   `yaml:"name"`
	DetectFiles []string `yaml:"detectFiles"`
	DetectDeps  []string `yaml:"detectDeps"`
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	PortEnv     string   `yaml:"portEnv"`
}

type frameworkCatalog struct {
	Frameworks []Framework `yaml:"frameworks"`
}

// loadFrameworks parses the embedded catalog. The last entry must be the
// generic fallback.
func loadFrameworks() ([]Framework, error) {
	var catalog frameworkCatalog
	if err := yaml.Unmarshal(frameworksYAML, &catalog); err != nil {
		return nil, fmt.Errorf("parse frameworks catalog: %w", err)
	}
	if len(catalog.Frameworks) == 0 {
		return nil, fmt.Errorf("frameworks catalog is empty")
	}
	return catalog.Frameworks, nil
}

// Detect picks the framework for a workspace by marker files first, then
// package.json dependencies. Falls back to the catalog's last entry.
func Detect(workspace string, frameworks []Framework) Framework {
	for _, fw := range frameworks {
		for _, marker := range fw.DetectFiles {
			if _, err := os.Stat(filepath.Join(workspace, marker)); err == nil {
				return fw
			}
		}
	}

	deps := packageDeps(workspace)
	if len(deps) > 0 {
		for _, fw := range frameworks {
			for _, dep := range fw.DetectDeps {
				if deps[dep] {
					return fw
				}
			}
		}
	}
	return frameworks[len(frameworks)-1]
}

// packageDeps returns the union of dependencies and devDependencies from
// the workspace's package.json, or nil when absent or unparseable.
func packageDeps(workspace string) map[string]bool {
	data, err := os.ReadFile(filepath.Join(workspace, "package.json"))
	if err != nil {
		return nil
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	deps := make(map[string]bool, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for name := range pkg.Dependencies {
		deps[name] = true
	}
	for name := range pkg.DevDependencies {
		deps[name] = true
	}
	return deps
}

// launchArgs substitutes the allocated port into the framework's argv.
func (f Framework) launchArgs(port int) []string {
	args := make([]string, len(f.Args))
	for i, arg := range f.Args {
		args[i] = strings.ReplaceAll(arg, "{port}", strconv.Itoa(port))
	}
	return args
}
