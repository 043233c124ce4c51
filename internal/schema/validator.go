// internal/schema/validator.go
// Package schema provides JSON schema validation for inbound federation
// payloads. Every message type carries a schema; a payload that does not
// conform is rejected before any handler runs.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nodeweave/nodeweave-federation-go/internal/model"
)

// Validator validates message payloads against per-type JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles the schema set for all federation message types.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	if err := v.loadSchemas(); err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}
	return v, nil
}

// puidPattern matches a type-prefixed ULID, e.g. "post-01J8ZQ2E4N0QZJ6K7M8P9R0S1T".
const puidPattern = `^(user|group|event|page|post|comment|media)-[0-9A-HJKMNP-TV-Z]{26}$`

func (v *Validator) loadSchemas() error {
	puid := `{"type":"string","pattern":"` + puidPattern + `"}`

	schemas := map[string]string{
		model.MsgPostCreate: `{"type":"object","required":["puid","authorPuid","body","privacyScope","createdAt"],"properties":{` +
			`"puid":` + puid + `,"authorPuid":` + puid + `,"body":{"type":"string","maxLength":65536},` +
			`"privacyScope":{"type":"string","enum":["friends","public"]},` +
			`"resourcePuid":` + puid + `,"createdAt":{"type":"string"}}}`,

		model.MsgPostUpdate: `{"type":"object","required":["puid","authorPuid","body"],"properties":{` +
			`"puid":` + puid + `,"authorPuid":` + puid + `,"body":{"type":"string","maxLength":65536},` +
			`"resourcePuid":` + puid + `}}`,

		model.MsgCommentCreate: `{"type":"object","required":["puid","authorPuid","subjectPuid","body"],"properties":{` +
			`"puid":` + puid + `,"authorPuid":` + puid + `,"subjectPuid":` + puid + `,` +
			`"body":{"type":"string","maxLength":16384},"resourcePuid":` + puid + `}}`,

		model.MsgCommentUpdate: `{"type":"object","required":["puid","authorPuid","body"],"properties":{` +
			`"puid":` + puid + `,"authorPuid":` + puid + `,"subjectPuid":` + puid + `,` +
			`"body":{"type":"string","maxLength":16384},"resourcePuid":` + puid + `}}`,

		model.MsgRepost: `{"type":"object","required":["puid","authorPuid","subjectPuid"],"properties":{` +
			`"puid":` + puid + `,"authorPuid":` + puid + `,"subjectPuid":` + puid + `,` +
			`"comment":{"type":"string","maxLength":16384}}}`,

		model.MsgFriendRequest: `{"type":"object","required":["fromPuid","toPuid"],"properties":{` +
			`"fromPuid":` + puid + `,"toPuid":` + puid + `,` +
			`"displayName":{"type":"string","maxLength":128}}}`,

		model.MsgFriendAccept: `{"type":"object","required":["fromPuid","toPuid"],"properties":{` +
			`"fromPuid":` + puid + `,"toPuid":` + puid + `}}`,

		model.MsgGroupJoin: `{"type":"object","required":["memberPuid","groupPuid"],"properties":{` +
			`"memberPuid":` + puid + `,"groupPuid":` + puid + `,` +
			`"displayName":{"type":"string","maxLength":128}}}`,

		model.MsgEventRSVP: `{"type":"object","required":["attendeePuid","eventPuid","response"],"properties":{` +
			`"attendeePuid":` + puid + `,"eventPuid":` + puid + `,` +
			`"response":{"type":"string","enum":["yes","no","maybe"]}}}`,

		model.MsgTag: `{"type":"object","required":["taggerPuid","taggedPuid","subjectPuid"],"properties":{` +
			`"taggerPuid":` + puid + `,"taggedPuid":` + puid + `,"subjectPuid":` + puid + `}}`,

		model.MsgBlockNotice: `{"type":"object","required":["blockerPuid","blockedPuid"],"properties":{` +
			`"blockerPuid":` + puid + `,"blockedPuid":` + puid + `}}`,

		model.MsgNodeDisconnect: `{"type":"object","properties":{` +
			`"reason":{"type":"string","maxLength":512}}}`,

		model.MsgMediaCreate: `{"type":"object","required":["puid","authorPuid","mimeType","url"],"properties":{` +
			`"puid":` + puid + `,"authorPuid":` + puid + `,` +
			`"mimeType":{"type":"string","maxLength":128},"url":{"type":"string","maxLength":2048},` +
			`"size":{"type":"integer","minimum":0},"checksum":{"type":"string","maxLength":128},` +
			`"resourcePuid":` + puid + `}}`,
	}

	for msgType, schemaJSON := range schemas {
		loader := gojsonschema.NewStringLoader(schemaJSON)
		compiled, err := gojsonschema.NewSchema(loader)
		if err != nil {
			return fmt.Errorf("invalid schema for %s: %w", msgType, err)
		}
		v.schemas[msgType] = compiled
	}
	return nil
}

// Supported reports whether a message type has a registered schema.
func (v *Validator) Supported(msgType string) bool {
	_, ok := v.schemas[msgType]
	return ok
}

// Validate checks a payload against the schema for its message type.
func (v *Validator) Validate(msgType string, payload map[string]interface{}) error {
	schema, exists := v.schemas[msgType]
	if !exists {
		return fmt.Errorf("unsupported message type: %s", msgType)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payloadJSON))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
