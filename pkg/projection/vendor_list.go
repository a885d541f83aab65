package projection

import (
	"context"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
)

// Event types the vendor list folds.
const (
	EventVendorCreated = "mdm.vendor.created"
	EventVendorUpdated = "mdm.vendor.updated"
)

// VendorListTable is the vendor list's registration for the snapshot service.
var VendorListTable = TableSpec{
	ProjectionType: "vendor_list",
	TableName:      "projection_vendor_list",
	PrimaryKey:     "vendor_id",
	SearchColumn:   "name_norm",
}

// VendorList maintains the operational vendor read model. The upsert keys on
// vendor_id and rewrites the full row, so replaying an event is a no-op.
type VendorList struct{}

// NewVendorList builds the handler.
func NewVendorList() *VendorList { return &VendorList{} }

func (*VendorList) ProjectionType() string { return VendorListTable.ProjectionType }

func (*VendorList) EventTypes() []string {
	return []string{EventVendorCreated, EventVendorUpdated}
}

func (*VendorList) Apply(ctx context.Context, uow *database.UnitOfWork, evt *contracts.Event) error {
	vendorID := subjectID(evt, "vendor")
	if vendorID == "" {
		return apperr.Validation("entities", "missing_subject", "event carries no vendor subject")
	}

	name := payloadString(evt.Payload, "name")
	status := payloadString(evt.Payload, "status")
	if status == "" {
		status = "active"
	}

	_, err := uow.ExecContext(ctx, `
		INSERT INTO projection_vendor_list
			(vendor_id, name, name_norm, status, country, payment_terms, legal_entity, last_event_id, last_sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vendor_id) DO UPDATE SET
			name = excluded.name,
			name_norm = excluded.name_norm,
			status = excluded.status,
			country = excluded.country,
			payment_terms = excluded.payment_terms,
			legal_entity = excluded.legal_entity,
			last_event_id = excluded.last_event_id,
			last_sequence = excluded.last_sequence`,
		vendorID, name, SearchKey(name), status,
		payloadString(evt.Payload, "country"), payloadString(evt.Payload, "payment_terms"),
		evt.Scope.LegalEntity, evt.EventID, int64(evt.Sequence))
	if err != nil {
		return apperr.Storage("upsert vendor row", err)
	}
	return nil
}

func (*VendorList) Reset(ctx context.Context, uow *database.UnitOfWork) error {
	if _, err := uow.ExecContext(ctx, `DELETE FROM projection_vendor_list`); err != nil {
		return apperr.Storage("reset vendor list", err)
	}
	return nil
}

// subjectID picks the subject entity reference of the wanted type.
func subjectID(evt *contracts.Event, entityType string) string {
	for _, ref := range evt.Entities {
		if ref.EntityType == entityType && ref.Role == contracts.RoleSubject {
			return ref.EntityID
		}
	}
	// Older events may predate roles; fall back to the type match.
	for _, ref := range evt.Entities {
		if ref.EntityType == entityType {
			return ref.EntityID
		}
	}
	return ""
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
