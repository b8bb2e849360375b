// Package contractdb persists dlcd's contracts and channels: a searchable
// SQL metadata index (id, state, counterparty, timestamps) backed by
// whichever driver Config names, plus the full contract/channel state as an
// opaque, optionally-encrypted blob in a kvdb backend keyed by the same id —
// the split-metadata/blob layout decided in DESIGN.md's open-question
// section.
//
// Grounded on the teacher's channeldb/db.go: the same
// open/FetchX/MarkChannelAsOpen/MarkChanFullyClosed shape, re-targeted from
// bolt-only Lightning channel storage to a backend-agnostic contract/channel
// store with a real SQL index instead of bucket scans.
package contractdb

import "github.com/dlcd-io/dlcd/dlcerrors"

var (
	// ErrNoActiveContracts mirrors the teacher's ErrNoActiveChannels.
	ErrNoActiveContracts = dlcerrors.New(dlcerrors.KindNotFound, "no active contracts exist")

	// ErrNoActiveChannels mirrors the teacher's own sentinel of the same
	// name, now scoped to DLC channels.
	ErrNoActiveChannels = dlcerrors.New(dlcerrors.KindNotFound, "no active dlc channels exist")
)
