package projection

import (
	"context"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/contracts"
	"github.com/Mindburn-Labs/keel/pkg/database"
)

// Event types the item list folds.
const (
	EventItemCreated = "mdm.item.created"
	EventItemUpdated = "mdm.item.updated"
)

// ItemListTable is the item list's registration for the snapshot service.
var ItemListTable = TableSpec{
	ProjectionType: "item_list",
	TableName:      "projection_item_list",
	PrimaryKey:     "item_id",
	SearchColumn:   "name_norm",
}

// ItemList maintains the operational item read model.
type ItemList struct{}

// NewItemList builds the handler.
func NewItemList() *ItemList { return &ItemList{} }

func (*ItemList) ProjectionType() string { return ItemListTable.ProjectionType }

func (*ItemList) EventTypes() []string {
	return []string{EventItemCreated, EventItemUpdated}
}

func (*ItemList) Apply(ctx context.Context, uow *database.UnitOfWork, evt *contracts.Event) error {
	itemID := subjectID(evt, "item")
	if itemID == "" {
		return apperr.Validation("entities", "missing_subject", "event carries no item subject")
	}

	name := payloadString(evt.Payload, "name")
	status := payloadString(evt.Payload, "status")
	if status == "" {
		status = "active"
	}

	_, err := uow.ExecContext(ctx, `
		INSERT INTO projection_item_list
			(item_id, sku, name, name_norm, uom, status, legal_entity, last_event_id, last_sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_id) DO UPDATE SET
			sku = excluded.sku,
			name = excluded.name,
			name_norm = excluded.name_norm,
			uom = excluded.uom,
			status = excluded.status,
			legal_entity = excluded.legal_entity,
			last_event_id = excluded.last_event_id,
			last_sequence = excluded.last_sequence`,
		itemID, payloadString(evt.Payload, "sku"), name, SearchKey(name),
		payloadString(evt.Payload, "uom"), status,
		evt.Scope.LegalEntity, evt.EventID, int64(evt.Sequence))
	if err != nil {
		return apperr.Storage("upsert item row", err)
	}
	return nil
}

func (*ItemList) Reset(ctx context.Context, uow *database.UnitOfWork) error {
	if _, err := uow.ExecContext(ctx, `DELETE FROM projection_item_list`); err != nil {
		return apperr.Storage("reset item list", err)
	}
	return nil
}
