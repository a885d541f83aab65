// Package registry is the pluggable event-type registry. Every event type
// carries versioned JSON Schemas (draft 2020-12); the pipeline validates
// payloads against the registered schema before anything is appended.
// Versions are immutable once registered and ordered by semver, not
// lexically.
package registry

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/database"
)

// RegisteredType is one (type, version) row.
type RegisteredType struct {
	TypeName      string          `json:"type_name"`
	SchemaVersion string          `json:"schema_version"`
	JSONSchema    json.RawMessage `json:"json_schema"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TypeSummary is the list view: one row per type.
type TypeSummary struct {
	TypeName      string `json:"type_name"`
	LatestVersion string `json:"latest_version"`
	VersionCount  int    `json:"version_count"`
	Description   string `json:"description"`
}

// Registry validates payloads against registered schemas. Compiled schemas
// are cached in-process; Register invalidates its key.
type Registry struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock fixes the registry's clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New builds a Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		compiled: make(map[string]*jsonschema.Schema),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a new schema version. Re-registering an identical schema is
// a no-op; changing a registered version is rejected (versions are
// immutable, publish a new one instead).
func (r *Registry) Register(ctx context.Context, uow *database.UnitOfWork, typeName, version string, schema json.RawMessage, description string) error {
	if typeName == "" {
		return apperr.Validation("type_name", "required", "type name is required")
	}
	if _, err := semver.NewVersion(version); err != nil {
		return apperr.Validation("schema_version", "invalid_semver", fmt.Sprintf("%q is not a semantic version", version))
	}
	if _, err := compile(typeName, version, schema); err != nil {
		return apperr.Validation("json_schema", "invalid_schema", err.Error())
	}

	existing, err := r.Get(ctx, uow, typeName, version)
	switch {
	case err == nil:
		if jsonEqual(existing.JSONSchema, schema) {
			return nil
		}
		return apperr.Validation("schema_version", "version_immutable",
			fmt.Sprintf("%s@%s is already registered with a different schema", typeName, version))
	case !apperr.IsNotFound(err):
		return err
	}

	_, err = uow.ExecContext(ctx, `
		INSERT INTO event_type_registry (type_name, schema_version, json_schema, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		typeName, version, string(schema), description, database.FormatTime(r.now()))
	if err != nil {
		return apperr.Storage("register event type", err)
	}

	r.mu.Lock()
	delete(r.compiled, cacheKey(typeName, version))
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the registered schema. An empty version
// validates against the latest by semver.
func (r *Registry) Validate(ctx context.Context, uow *database.UnitOfWork, typeName, version string, payload map[string]any) error {
	var (
		reg *RegisteredType
		err error
	)
	if version == "" {
		reg, err = r.Latest(ctx, uow, typeName)
	} else {
		reg, err = r.Get(ctx, uow, typeName, version)
	}
	if err != nil {
		return err
	}

	schema, err := r.compiledFor(reg)
	if err != nil {
		return err
	}

	// The validator wants plain decoded JSON; the round trip normalizes
	// whatever number and nested types the caller handed us.
	var doc any
	raw, err := json.Marshal(payload)
	if err != nil {
		return apperr.Validation("payload", "not_json", err.Error())
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperr.Validation("payload", "not_json", err.Error())
	}

	if err := schema.Validate(doc); err != nil {
		return &apperr.ValidationError{
			Field:   "payload",
			Code:    "schema_validation",
			Message: fmt.Sprintf("payload does not match %s@%s", reg.TypeName, reg.SchemaVersion),
			Details: []string{err.Error()},
		}
	}
	return nil
}

// Get returns one (type, version) row.
func (r *Registry) Get(ctx context.Context, uow *database.UnitOfWork, typeName, version string) (*RegisteredType, error) {
	row := uow.QueryRowContext(ctx, `
		SELECT type_name, schema_version, json_schema, description, created_at
		FROM event_type_registry
		WHERE type_name = ? AND schema_version = ?`,
		typeName, version)
	reg, err := scanType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("event_type", typeName+"@"+version)
	}
	if err != nil {
		return nil, apperr.Storage("get event type", err)
	}
	return reg, nil
}

// Latest returns the newest version of a type by semver order.
func (r *Registry) Latest(ctx context.Context, uow *database.UnitOfWork, typeName string) (*RegisteredType, error) {
	versions, err := r.ListVersions(ctx, uow, typeName)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, apperr.NotFound("event_type", typeName)
	}
	return &versions[len(versions)-1], nil
}

// ListVersions returns every version of a type, semver ascending.
func (r *Registry) ListVersions(ctx context.Context, uow *database.UnitOfWork, typeName string) ([]RegisteredType, error) {
	rows, err := uow.QueryContext(ctx, `
		SELECT type_name, schema_version, json_schema, description, created_at
		FROM event_type_registry
		WHERE type_name = ?`,
		typeName)
	if err != nil {
		return nil, apperr.Storage("list versions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RegisteredType
	for rows.Next() {
		reg, err := scanType(rows)
		if err != nil {
			return nil, apperr.Storage("scan version", err)
		}
		out = append(out, *reg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list versions", err)
	}

	sort.Slice(out, func(i, j int) bool {
		vi, ei := semver.NewVersion(out[i].SchemaVersion)
		vj, ej := semver.NewVersion(out[j].SchemaVersion)
		if ei != nil || ej != nil {
			return out[i].SchemaVersion < out[j].SchemaVersion
		}
		return vi.LessThan(vj)
	})
	return out, nil
}

// ListTypes returns one summary per registered type, name ascending.
func (r *Registry) ListTypes(ctx context.Context, uow *database.UnitOfWork) ([]TypeSummary, error) {
	rows, err := uow.QueryContext(ctx, `
		SELECT type_name, schema_version, description
		FROM event_type_registry`)
	if err != nil {
		return nil, apperr.Storage("list types", err)
	}
	defer func() { _ = rows.Close() }()

	type acc struct {
		versions    []*semver.Version
		description string
	}
	byType := map[string]*acc{}
	for rows.Next() {
		var name, version, description string
		if err := rows.Scan(&name, &version, &description); err != nil {
			return nil, apperr.Storage("scan type", err)
		}
		a := byType[name]
		if a == nil {
			a = &acc{}
			byType[name] = a
		}
		if v, err := semver.NewVersion(version); err == nil {
			a.versions = append(a.versions, v)
		}
		if description != "" {
			a.description = description
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list types", err)
	}

	out := make([]TypeSummary, 0, len(byType))
	for name, a := range byType {
		sort.Sort(semver.Collection(a.versions))
		latest := ""
		if len(a.versions) > 0 {
			latest = a.versions[len(a.versions)-1].Original()
		}
		out = append(out, TypeSummary{
			TypeName:      name,
			LatestVersion: latest,
			VersionCount:  len(a.versions),
			Description:   a.description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeName < out[j].TypeName })
	return out, nil
}

func (r *Registry) compiledFor(reg *RegisteredType) (*jsonschema.Schema, error) {
	key := cacheKey(reg.TypeName, reg.SchemaVersion)

	r.mu.RLock()
	schema, ok := r.compiled[key]
	r.mu.RUnlock()
	if ok {
		return schema, nil
	}

	schema, err := compile(reg.TypeName, reg.SchemaVersion, reg.JSONSchema)
	if err != nil {
		return nil, apperr.Validation("json_schema", "invalid_schema", err.Error())
	}

	r.mu.Lock()
	r.compiled[key] = schema
	r.mu.Unlock()
	return schema, nil
}

func compile(typeName, version string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("mem://%s/%s.json", typeName, version)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func cacheKey(typeName, version string) string {
	return typeName + "@" + version
}

func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return bytes.Equal(ca, cb)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanType(row rowScanner) (*RegisteredType, error) {
	var (
		reg       RegisteredType
		schemaRaw []byte
		createdAt any
	)
	if err := row.Scan(&reg.TypeName, &reg.SchemaVersion, &schemaRaw, &reg.Description, &createdAt); err != nil {
		return nil, err
	}
	reg.JSONSchema = json.RawMessage(schemaRaw)
	t, err := database.ScanTime(createdAt)
	if err != nil {
		return nil, err
	}
	reg.CreatedAt = t
	return &reg, nil
}
