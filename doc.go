// Package blobcache holds the value types shared by the blob cache tiers:
// blob references ("blobref:table:id"), the Payload variant stored in record
// fields, data URL encoding for inline handles and fallback entries, the
// fallback key layout, and BLAKE3 digests used to verify stored bytes.
//
// The orchestration lives in package blobs; the tiers live in store,
// fallback and handle.
package blobcache
