// Package outbound renders and submits outgoing mail: SMTP delivery with a
// per-account send throttle, plus draft mirroring into the account's mailbox.
package outbound
