// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attention

import (
	"encoding/json"
	"flag"
	"fmt"
	"strings"

	"github.com/gomlx/rotary/pkg/support/errs"
	"github.com/gomlx/rotary/pkg/support/fsutil"
	"github.com/gomlx/rotary/pkg/support/xslices"
	"github.com/pkg/errors"
)

// settingsParams returns pointers to the fields of c, indexed by their setting name.
func (c *Config) settingsParams() map[string]any {
	return map[string]any{
		"d_model":     &c.DModel,
		"num_heads":   &c.NumHeads,
		"max_seq_len": &c.MaxSeqLen,
		"masked":      &c.Masked,
		"use_rope":    &c.UseRoPE,
		"rope_base":   &c.RoPEBase,
	}
}

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "d_model=64;num_heads=4;use_rope=false".
//
// The parameter names are "d_model", "num_heads", "max_seq_len", "masked", "use_rope" and "rope_base".
// For integer parameters, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: max_seq_len=1_000_000.
//
// An entry "file:<path>" reads the settings from the file, with new-lines working as ";" to separate
// settings, and lines starting with "#" considered comments.
//
// It updates cfg accordingly, and returns the list of parameters set. It returns an error in case a parameter
// is unknown or the parsing failed; the parameters parsed before the error remain set.
// ParseSettings doesn't call Config.Validate.
func ParseSettings(cfg *Config, settings string) (paramsSet []string, err error) {
	params := cfg.settingsParams()
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(params, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(params map[string]any, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		var lines []string
		lines, err = fsutil.ReadLines(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			err = errors.WithMessage(err, "failed to read settings file")
			return
		}
		for _, line := range lines {
			for _, lineSetting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(params, lineSetting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	parts := strings.Split(setting, "=")
	if len(parts) != 2 {
		err = errs.InvalidArgumentf("can't parse settings %q: each setting requires the format \"<param>=<value>\"",
			setting)
		return
	}
	paramName, valueStr := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	value, found := params[paramName]
	if !found {
		err = errs.InvalidArgumentf("can't set parameter %q: unknown parameter, valid parameters are %q",
			paramName, xslices.SortedKeys(params))
		return
	}

	switch v := value.(type) {
	case *int:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
		err = json.Unmarshal([]byte(valueStr), v)
	case *float64, *bool:
		err = json.Unmarshal([]byte(valueStr), v)
	default:
		err = errors.Errorf("don't know how to parse type %T for setting parameter %q", value, setting)
	}
	if err != nil {
		err = errs.InvalidArgumentf("failed to parse value %q for parameter %q: %v", valueStr, paramName, err)
		return
	}
	newParamsSet = append(newParamsSet, paramName)
	return
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "config") and with a description of the parameters and their default values in cfg.
//
// The flag should be created before the call to `flags.Parse()`, and its value given to ParseSettings.
func CreateSettingsFlag(cfg Config, flagName string) *string {
	if flagName == "" {
		flagName = "config"
	}
	usage := `Set attention configuration parameters. ` +
		`It should be a list of elements "param=value" separated by ";". ` +
		`It can also be given an entry like: "file:settings_file.txt", in ` +
		`which case the file will be read and the settings will be parsed, ` +
		`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
		"Parameters that can be set:\n" + SprintSettings(cfg)
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintSettings pretty-prints the values of all parameters of cfg into a string, one per line.
func SprintSettings(cfg Config) string {
	params := cfg.settingsParams()
	return strings.Join(xslices.Map(xslices.SortedKeys(params), func(key string) string {
		return sprintParam(key, params[key])
	}), "\n")
}

// SprintModifiedSettings pretty-prints the values of the parameters in paramsSet (as returned by ParseSettings).
func SprintModifiedSettings(cfg Config, paramsSet []string) string {
	params := cfg.settingsParams()
	var parts []string
	for _, key := range xslices.Unique(paramsSet) {
		if value, found := params[key]; found {
			parts = append(parts, sprintParam(key, value))
		}
	}
	return strings.Join(parts, "\n")
}

func sprintParam(key string, ptr any) string {
	var value any
	switch v := ptr.(type) {
	case *int:
		value = *v
	case *float64:
		value = *v
	case *bool:
		value = *v
	}
	return fmt.Sprintf("\t%q: (%T) %v", key, value, value)
}
