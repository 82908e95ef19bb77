// Package license implements the license lifecycle core: record model,
// key generation, payment-triggered issuance and bulk pre-issuance.
//
// A record is either pre-issued (active=false, email optional) or issued
// (active=true, email set). Keys are 32 lowercase hex characters backed
// by 128 bits of entropy; the textual form is a stable external contract
// with downstream consumers and must not change.
//
// Persistence is delegated to a Store implementation. Issuance is only
// considered complete once the store insert succeeds; on insert failure
// no key escapes to any caller.
package license
