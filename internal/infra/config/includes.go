package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// processIncludes merges the files named by cfg.Includes into cfg. Scalar
// settings overlay in order; charge point credentials from every included
// file are collected and returned so a site can keep one file per depot
// ("chargepoints.d/*.yaml"). visited holds absolute paths already merged.
func processIncludes(cfg *Config, baseDir string, visited map[string]bool, depth int) ([]ChargePointCredential, error) {
	if depth > maxIncludeDepth {
		return nil, fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	var collected []ChargePointCredential
	for _, pattern := range cfg.Includes {
		paths, err := resolveIncludePaths(pattern, baseDir)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return nil, fmt.Errorf("config includes: abs path %q: %w", p, err)
			}
			if visited[abs] {
				return nil, fmt.Errorf("config includes: circular include detected for %q", abs)
			}
			visited[abs] = true

			creds, err := mergeFile(cfg, abs, visited, depth+1)
			if err != nil {
				return nil, err
			}
			collected = append(collected, creds...)
		}
	}

	cfg.Includes = nil
	return collected, nil
}

// resolveIncludePaths expands pattern relative to baseDir. Paths escaping
// baseDir are rejected.
func resolveIncludePaths(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && (rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !hasMeta(pattern) {
		// Literal path: let mergeFile report the missing file.
		return []string{pattern}, nil
	}
	return matches, nil
}

func hasMeta(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// mergeFile overlays the YAML file at path onto cfg and returns the
// credentials it (and its own includes) declared.
func mergeFile(cfg *Config, path string, visited map[string]bool, depth int) ([]ChargePointCredential, error) {
	if err := validatePermissions(path); err != nil {
		return nil, fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	saved := cfg.Auth.ChargePoints
	cfg.Includes = nil
	cfg.Auth.ChargePoints = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	creds := cfg.Auth.ChargePoints
	cfg.Auth.ChargePoints = saved

	if len(cfg.Includes) > 0 {
		nested, err := processIncludes(cfg, filepath.Dir(path), visited, depth)
		if err != nil {
			return nil, err
		}
		creds = append(creds, nested...)
	}
	return creds, nil
}
