// Package notifier delivers subscription announcements and admin alerts.
//
// Deliveries go through a bounded queue drained by a small worker pool. Each
// send is rate limited, retried with backoff, and deduplicated over a short
// window so a flapping upstream cannot flood a chat with identical alerts.
//
// The service delegates the actual transport to a transport.Adapter (the
// Telegram adapter in production).
package notifier
