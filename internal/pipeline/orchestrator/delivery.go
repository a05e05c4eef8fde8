// SPDX-License-Identifier: MIT

package orchestrator

import (
	"context"
	"fmt"

	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// MarkDelivered records a completed per-server delivery in the item's
// checkpoint. The checkpoint is created on first use; marking the same
// server twice is a no-op. Any earlier failure for the server is
// cleared.
func (o *Orchestrator) MarkDelivered(ctx context.Context, itemID, serverID string) (*model.Item, error) {
	unlock := o.locks.lock(itemID)
	defer unlock()

	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		if it.Checkpoint == nil {
			it.Checkpoint = &model.Checkpoint{}
		}
		it.Checkpoint.MarkDelivered(serverID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark delivered for item %s: %w", itemID, err)
	}
	o.logger.Info().
		Str(log.FieldEvent, "item.delivery_recorded").
		Str(log.FieldItemID, item.ID).
		Str(log.FieldServerID, serverID).
		Int("delivered_servers", len(item.Checkpoint.DeliveredServers)).
		Msg("server delivery checkpointed")
	return item, nil
}

// MarkDeliveryFailed records a failed per-server delivery attempt in the
// item's checkpoint. A server that already received the file keeps its
// delivered entry; the failure is dropped.
func (o *Orchestrator) MarkDeliveryFailed(ctx context.Context, itemID, serverID, reason string) (*model.Item, error) {
	unlock := o.locks.lock(itemID)
	defer unlock()

	item, err := o.store.UpdateItem(ctx, itemID, func(it *model.Item) error {
		if it.Checkpoint == nil {
			it.Checkpoint = &model.Checkpoint{}
		}
		it.Checkpoint.MarkFailed(serverID, reason)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mark delivery failed for item %s: %w", itemID, err)
	}
	o.logger.Warn().
		Str(log.FieldEvent, "item.delivery_failed").
		Str(log.FieldItemID, item.ID).
		Str(log.FieldServerID, serverID).
		Str("reason", reason).
		Msg("server delivery failed, checkpointed for retry")
	return item, nil
}
