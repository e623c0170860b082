// Package kdsrelay relays the in-progress order counter of a kitchen display
// app to remote stores.
//
// A Relay runs three independent systems:
//   1. Extraction - UI-change notifications trigger a pass over the UI tree
//      (Extractor -> Reconciler); passes are coalesced.
//   2. Heartbeat - a timer reset on every publish re-runs the pass and
//      republishes the last known state when nothing changed.
//   3. Dispatch - each publish fans out to the primary store, the Gist
//      mirror and the push topic as isolated background tasks.
//
// The update watcher (package updater) runs beside the Relay and shares only
// the journal and the HTTP clients.
package kdsrelay
