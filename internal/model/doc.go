// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

/*
Package model binds typed Go structs to subtrees of the synced tree.

A Mapping lists, without reflection, which struct field lives at which
segment beneath the model root:

	var roomFields = model.MustMapping(
		model.NewField("Title", "title", func(r *Room) *string { return &r.Title }),
		model.NewField("Owner", "meta/owner", func(r *Room) *Owner { return &r.Owner }),
	)

	room, err := model.Bind(ctx, eng, pathkey.MustParse("/rooms/1"), roomFields)
	room.OnChange(func(ev model.Event) { ... })
	receipts, err := room.Set(ctx, func(r *Room) { r.Title = "Kitchen" })

Get never blocks on the network. Set adopts the new state immediately and
writes each changed field through the engine. Children of the root that are
not mapped are ignored.
*/
package model
