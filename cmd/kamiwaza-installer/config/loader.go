// Copyright (C) 2025 Kamiwaza AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load returns DefaultConfig overlaid with the YAML file at path. An empty
// path returns the defaults. The result is not validated; callers apply
// flag overrides first and then call Validate.
func Load(path string) (InstallerConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return cfg, nil
}

// Capabilities are the pre-computed host capability flags, e.g.
// gpu_nvidia: true.
type Capabilities map[string]bool

// Has reports whether key is set to true.
func (c Capabilities) Has(key string) bool {
	return c[key]
}

// LoadCapabilities reads the capability detection result. The file is
// either a YAML mapping or key=value lines; '#' starts a comment in both.
// An empty path yields no capabilities.
func LoadCapabilities(path string) (Capabilities, error) {
	caps := Capabilities{}
	if path == "" {
		return caps, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return caps, fmt.Errorf("failed to read capabilities %s: %w", path, err)
	}
	data = bytes.TrimPrefix(data, []byte("\ufeff"))

	var mapping map[string]any
	if err := yaml.Unmarshal(data, &mapping); err == nil && mapping != nil {
		for k, v := range mapping {
			caps[normalizeKey(k)] = truthy(fmt.Sprint(v))
		}
		return caps, nil
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return caps, fmt.Errorf("capabilities %s line %d: expected key=value", path, n)
		}
		caps[normalizeKey(key)] = truthy(value)
	}
	return caps, sc.Err()
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func truthy(v string) bool {
	v = strings.ToLower(strings.Trim(strings.TrimSpace(v), `"'`))
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v == "yes" || v == "on"
}
