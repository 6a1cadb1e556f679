// Package checkpoint manages the checkpoint directory of a store.
//
// Layout:
//
//	<dir>/index-checkpoints/<token>/info.meta   IndexInfo
//	<dir>/index-checkpoints/<token>/index.zst   zstd compressed index dump
//	<dir>/log-checkpoints/<token>/info.meta     LogInfo with session commit points
//
// Every file is written to a temporary name, synced and renamed, so a crash
// never leaves a half written checkpoint behind that looks complete: a
// checkpoint exists once its info.meta exists.
package checkpoint
