/*
Package checkpoint implements the checkpoint versioning engine: durable,
time-ordered, branchable snapshots of a thread's execution state.

# Core interfaces

  - Store: backend-agnostic CRUD over checkpoint records. Every backend
    implements the full interface with identical ordering and retention
    semantics: newest first by created_at, ties broken by id.
  - Policy: decides whether a step warrants a checkpoint. The default
    StepPolicy combines forced trigger reasons with an exact-interval step
    counter; Always/Never/Size variants are drop-in replacements.
  - Cache: optional TTL read acceleration. The engine works without one.
  - Monitor: fire-and-forget operation start/end recording.
  - Serializer: portable state conversion. Unportable values degrade to a
    best-effort representation instead of failing the write.

# Backends

  - Memory: development and testing; data is lost on restart.
  - File: one JSON file per record, atomic temp-file-rename writes.
  - Database: gorm over sqlite (pure Go), postgres, or mysql, with a
    composite (thread_id, created_at) index.
  - Redis: one value per record plus a per-thread sorted set index.
  - Mongo: one document per record with a compound index.

# Manager

Manager wires the pieces together behind the engine contract: create,
get, list, delete, latest, restore, auto-save, cleanup, copy, and
export/import. Records are immutable once written; "updating" state means
creating a new record. Read misses are absences, never errors; write
failures surface as StorageError so multi-step flows can abort cleanly.
*/
package checkpoint
