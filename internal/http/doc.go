// Package http exposes the digest scheduler over a JSON API.
//
// Routes:
//   - GET /subscriptions, POST /subscriptions: list (filters subject_id,
//     enabled=true, limit) and create subscriptions. A subject holds at most one.
//   - GET, PUT, DELETE /subscriptions/{id}: read, partially update, or remove a
//     subscription. Updates recompute next_occurrence_at only when the rule,
//     timezone, or enabled flag changes.
//   - GET /subscriptions/{id}/deliveries: delivery history, newest first.
//   - POST /preview: upcoming occurrences of an unsaved rule.
//   - GET /healthz and GET /metrics.
//
// days_mask uses bit 0 for Saturday through bit 6 for Sunday; omitting it
// means every day. Validation failures answer 422 with per-field messages.
package http
