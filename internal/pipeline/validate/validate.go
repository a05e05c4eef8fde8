// SPDX-License-Identifier: MIT

// Package validate checks that an item carries the evidence a status
// claims. The fsm package decides whether an edge exists; this package
// decides whether the item is allowed to take it. Checks run against
// the item as it will be after the mutation and never modify it.
package validate

import (
	"fmt"

	"github.com/pipearr/pipearr/internal/pipeline/model"
)

// Result is the outcome of an entry/exit check.
type Result struct {
	Valid      bool
	Violations []string
}

func valid() Result { return Result{Valid: true} }

func invalid(violations ...string) Result {
	return Result{Valid: false, Violations: violations}
}

// Entry checks the requirements for an item arriving in target.
func Entry(item *model.Item, target model.Status) Result {
	switch target {
	case model.StatusSearching:
		return entrySearching(item)
	case model.StatusFound:
		return entryFound(item)
	case model.StatusDiscovered:
		return entryDiscovered(item)
	case model.StatusDownloading:
		// No download id requirement: recovery attaches the torrent to
		// an already-downloading item after the fact.
		return valid()
	case model.StatusDownloaded:
		return entryDownloaded(item)
	case model.StatusEncoding:
		if item.EncodingJobID == "" {
			return invalid("Encoding job id required for encoding state")
		}
		return valid()
	case model.StatusEncoded:
		if item.Context.Encode == nil || item.Context.Encode.EncodedFile == "" {
			return invalid("Encoded file path required for encoded state")
		}
		return valid()
	case model.StatusDelivering:
		return entryDelivering(item)
	case model.StatusCompleted:
		return entryCompleted(item)
	case model.StatusPending, model.StatusFailed, model.StatusCancelled:
		// The terminal edges and the reset edge must never be refused.
		return valid()
	default:
		return invalid(fmt.Sprintf("unknown status %q", target))
	}
}

func entrySearching(item *model.Item) Result {
	var violations []string
	if item.Title == "" {
		violations = append(violations, "Title required for searching state")
	}
	switch item.Kind {
	case model.KindMovie:
		if item.Year <= 0 {
			violations = append(violations, "Year required for movie search")
		}
	case model.KindEpisode:
		if item.Season <= 0 || item.Episode <= 0 {
			violations = append(violations, "Season and episode required for episode search")
		}
	}
	if len(violations) > 0 {
		return invalid(violations...)
	}
	return valid()
}

func entryFound(item *model.Item) Result {
	s := item.Context.Search
	if s == nil {
		return invalid("Search context required for found state")
	}
	if s.SelectedRelease == nil && len(s.SelectedPacks) == 0 && s.ExistingDownload == nil &&
		len(s.AlternativeReleases) == 0 && !s.Skipped {
		return invalid("Selected release required for found state")
	}
	return valid()
}

func entryDiscovered(item *model.Item) Result {
	if item.CooldownEndsAt == nil {
		return invalid("Cooldown deadline required for discovered state")
	}
	return valid()
}

func entryDownloaded(item *model.Item) Result {
	d := item.Context.Download
	if d == nil {
		return invalid("Download context required for downloaded state")
	}
	switch item.Kind {
	case model.KindEpisode:
		if len(d.EpisodeFiles) == 0 && d.VideoFile == nil {
			return invalid("Episode file required for downloaded state")
		}
	default:
		if d.VideoFile == nil {
			return invalid("Video file required for downloaded state")
		}
	}
	return valid()
}

func entryDelivering(item *model.Item) Result {
	var violations []string
	if item.Checkpoint == nil {
		violations = append(violations, "Checkpoint required for delivering state")
	}
	if item.Context.Encode == nil || item.Context.Encode.EncodedFile == "" {
		violations = append(violations, "Encoded file path required for delivering state")
	}
	if len(violations) > 0 {
		return invalid(violations...)
	}
	return valid()
}

func entryCompleted(item *model.Item) Result {
	d := item.Context.Deliver
	if d == nil || len(d.DeliveryResults) == 0 {
		return invalid("Delivery results required for completed state")
	}
	return valid()
}

// ExitState carries the external facts exit checks need beyond the item
// itself.
type ExitState struct {
	// Assignment is the latest encoder view for items leaving encoding.
	Assignment *model.EncoderAssignment
}

// Exit checks the requirements for an item leaving from towards target.
func Exit(item *model.Item, from, target model.Status, state ExitState) Result {
	switch {
	case from == model.StatusDownloading && target == model.StatusDownloaded:
		complete := item.Context.Download != nil && item.Context.Download.Complete
		if item.Progress != 100 && !complete {
			return invalid("Download must be complete before downloaded state")
		}
		return valid()
	case from == model.StatusEncoding && target == model.StatusEncoded:
		if state.Assignment == nil || state.Assignment.Status != model.AssignmentCompleted {
			return invalid("Encoder assignment must be completed before encoded state")
		}
		return valid()
	default:
		return valid()
	}
}

// Check runs exit then entry validation for one prospective transition
// and merges the violations.
func Check(item *model.Item, from, target model.Status, state ExitState) Result {
	exit := Exit(item, from, target, state)
	entry := Entry(item, target)
	if exit.Valid && entry.Valid {
		return valid()
	}
	return invalid(append(exit.Violations, entry.Violations...)...)
}
