// Package remote is the HTTP client for the signal backend.
//
// All endpoints live under /api and answer with a JSON envelope:
//
//	{"success": true, "data": {...}}
//	{"success": false, "error": "deadline has passed"}
//
// Endpoints:
//
//	POST   /api/auth/login              {email, password} -> {token}
//	POST   /api/polls                   Poll -> {id}
//	PUT    /api/polls/{id}?republish=b  Poll
//	DELETE /api/polls/{id}
//	POST   /api/polls/{id}/votes        Vote
//	GET    /api/polls/{id}/results      -> Results
//	GET    /api/labels                  -> []Label
//	POST   /api/labels                  Label -> Label
//	GET    /api/health
//
// Failures are classified with internal/fault so that the sync coordinator can
// tell a record to retry (network, 5xx) from one to give up on (validation,
// other 4xx).
package remote
