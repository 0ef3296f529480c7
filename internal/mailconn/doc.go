// Package mailconn manages long-lived IMAP and SMTP connections, one per
// account and role, with health checks before reuse and coalesced creation.
package mailconn
