// Package schema validates every persisted artifact against embedded
// Draft 2020-12 JSON Schemas. Unknown fields are rejected everywhere.
package schema

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sp103107/context-module/internal/fault"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Artifact kinds understood by Validate.
const (
	KindWorkingSet  = "working_set"
	KindPatch       = "ws_patch"
	KindLedgerEvent = "ledger_event"
	KindMemoryItem  = "memory_item"
	KindMCR         = "mcr"
	KindEpisode     = "episode"
	KindManifest    = "resume_pack_manifest"
)

var kindFiles = map[string]string{
	KindWorkingSet:  "working_set.schema.json",
	KindPatch:       "ws_patch.schema.json",
	KindLedgerEvent: "ledger_event.schema.json",
	KindMemoryItem:  "memory_item.schema.json",
	KindMCR:         "mcr.schema.json",
	KindEpisode:     "episode.schema.json",
	KindManifest:    "resume_pack_manifest.schema.json",
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compileAll() {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, file := range kindFiles {
		b, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			compileErr = err
			return
		}
		if err := c.AddResource(file, strings.NewReader(string(b))); err != nil {
			compileErr = fmt.Errorf("add %s: %w", file, err)
			return
		}
	}
	compiled = make(map[string]*jsonschema.Schema, len(kindFiles))
	for kind, file := range kindFiles {
		s, err := c.Compile(file)
		if err != nil {
			compileErr = fmt.Errorf("compile %s: %w", file, err)
			return
		}
		compiled[kind] = s
	}
}

func schemaFor(kind string) (*jsonschema.Schema, error) {
	compileOnce.Do(compileAll)
	if compileErr != nil {
		return nil, compileErr
	}
	s, ok := compiled[kind]
	if !ok {
		return nil, fmt.Errorf("unknown schema kind %q", kind)
	}
	return s, nil
}

// Validate checks a decoded JSON document (maps, slices, scalars) against
// the schema for kind. Failures carry fault.Schema with the instance
// pointer of the deepest cause.
func Validate(kind string, doc any) error {
	s, err := schemaFor(kind)
	if err != nil {
		return err
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := deepest(ve)
			ptr := leaf.InstanceLocation
			if ptr == "" {
				ptr = "/"
			}
			return fault.New(fault.Schema, "%s: %s: %s", kind, ptr, leaf.Message).
				With("pointer", ptr)
		}
		return fault.New(fault.Schema, "%s: %v", kind, err)
	}
	return nil
}

// ValidateJSON decodes raw and validates it against kind.
func ValidateJSON(kind string, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fault.New(fault.Schema, "%s: invalid JSON: %v", kind, err)
	}
	return Validate(kind, doc)
}

// ValidateValue round-trips a typed value through JSON and validates the
// result. This is how typed structs are checked before persistence.
func ValidateValue(kind string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fault.New(fault.Schema, "%s: marshal: %v", kind, err)
	}
	return ValidateJSON(kind, raw)
}

func deepest(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
