// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package linkdesc parses link descriptions: the JSONC files that tell
// modrpc-host which modules to spawn and how. JSONC is JSON extended
// with // line comments, /* block comments */, and trailing commas.
//
// A description looks like:
//
//	{
//	  // Spawned in order, linked to the host.
//	  "modules": [
//	    {"name": "echo", "mode": "thread"},
//	    {
//	      "name": "echo-proc",
//	      "binary": "/usr/libexec/modrpc/modrpc-echo",
//	      "args": ["--prefix", "proc: "],
//	      "argument": {"greeting": "hello"},
//	    },
//	  ],
//	}
package linkdesc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/modrpc/lib/codec"
	"github.com/bureau-foundation/modrpc/lib/executor"
)

// Description is a parsed link description.
type Description struct {
	Modules []Module `json:"modules"`
}

// Module describes one module the host spawns.
type Module struct {
	Name string `json:"name"`

	// Mode is "process" (the default) or "thread".
	Mode executor.Mode `json:"mode,omitempty"`

	// Binary is the executable run in process mode.
	Binary string `json:"binary,omitempty"`

	// Args follow the bootstrap address on the module's command line.
	Args []string `json:"args,omitempty"`

	// Env entries (KEY=value) are added to a process module's
	// environment.
	Env []string `json:"env,omitempty"`

	// Argument is handed to the module during the handle exchange,
	// re-encoded as CBOR.
	Argument json.RawMessage `json:"argument,omitempty"`
}

// namePattern matches module names: they appear in socket file names
// and log attributes.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Parse strips JSONC comments and trailing commas from data and
// unmarshals the result. Modes left empty become process.
func Parse(data []byte) (*Description, error) {
	stripped := jsonc.ToJSON(data)

	var description Description
	if err := json.Unmarshal(stripped, &description); err != nil {
		return nil, fmt.Errorf("parsing link description: %w", err)
	}
	for i := range description.Modules {
		if description.Modules[i].Mode == "" {
			description.Modules[i].Mode = executor.ModeProcess
		}
	}
	return &description, nil
}

// ReadFile reads, parses, and validates a JSONC link description.
func ReadFile(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	description, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if issues := Validate(description); len(issues) > 0 {
		return nil, fmt.Errorf("%s: invalid link description: %v", path, issues)
	}
	return description, nil
}

// Validate returns a human-readable description of every structural
// problem. An empty list means the description is valid.
//
// Checks:
//   - at least one module
//   - names are present, well formed, and unique
//   - mode is process or thread
//   - process modules name a binary; thread modules do not
func Validate(description *Description) []string {
	var issues []string

	if len(description.Modules) == 0 {
		issues = append(issues, "link description has no modules")
	}

	names := make(map[string]int, len(description.Modules))
	for index, module := range description.Modules {
		prefix := fmt.Sprintf("modules[%d]", index)
		switch {
		case module.Name == "":
			issues = append(issues, prefix+": name is required")
		case !namePattern.MatchString(module.Name):
			issues = append(issues, fmt.Sprintf("%s %q: name must match %s", prefix, module.Name, namePattern))
		default:
			if first, exists := names[module.Name]; exists {
				issues = append(issues, fmt.Sprintf("%s %q: duplicate module name (first used at modules[%d])", prefix, module.Name, first))
			} else {
				names[module.Name] = index
			}
		}

		switch module.Mode {
		case executor.ModeProcess:
			if module.Binary == "" {
				issues = append(issues, fmt.Sprintf("%s %q: process mode requires a binary", prefix, module.Name))
			}
		case executor.ModeThread:
			if module.Binary != "" {
				issues = append(issues, fmt.Sprintf("%s %q: thread mode does not take a binary", prefix, module.Name))
			}
		default:
			issues = append(issues, fmt.Sprintf("%s %q: unknown mode %q (want process or thread)", prefix, module.Name, module.Mode))
		}

		if len(module.Argument) > 0 && !json.Valid(module.Argument) {
			issues = append(issues, fmt.Sprintf("%s %q: argument is not valid JSON", prefix, module.Name))
		}
	}
	return issues
}

// EncodedArgument returns the module's argument as CBOR, or nil when it
// has none.
func (m Module) EncodedArgument() ([]byte, error) {
	if len(m.Argument) == 0 {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(m.Argument))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("module %s: decoding argument: %w", m.Name, err)
	}
	encoded, err := codec.Marshal(numbers(value))
	if err != nil {
		return nil, fmt.Errorf("module %s: encoding argument: %w", m.Name, err)
	}
	return encoded, nil
}

// numbers replaces json.Number with int64 where the value is integral
// and float64 otherwise, so CBOR consumers can decode into Go ints.
func numbers(value any) any {
	switch v := value.(type) {
	case json.Number:
		if integer, err := v.Int64(); err == nil {
			return integer
		}
		float, _ := v.Float64()
		return float
	case map[string]any:
		for key, element := range v {
			v[key] = numbers(element)
		}
	case []any:
		for i, element := range v {
			v[i] = numbers(element)
		}
	}
	return value
}

// Spec converts the module to an executor.Spec. Thread-mode modules
// are given entry, which the caller resolves by name.
func (m Module) Spec(entry executor.Entry) executor.Spec {
	return executor.Spec{
		Name:   m.Name,
		Mode:   m.Mode,
		Binary: m.Binary,
		Env:    m.Env,
		Entry:  entry,
		Args:   m.Args,
	}
}
