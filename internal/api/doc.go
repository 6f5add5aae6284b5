// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

/*
Package api provides the HTTP REST and websocket API for Marketscope.

Key Components:

  - Router: chi route tree and the global middleware stack
  - Handler: request handlers grouped by resource
  - Response formatting: the success/error envelope with request metadata
  - Error mapping: service errors translated to status codes and error codes

Middleware Stack (in order):

 1. Request ID and logging context
 2. Real client IP
 3. Access log
 4. Panic recovery
 5. CORS
 6. Per-IP rate limiting (under /api/v1)
 7. Prometheus request metrics (under /api/v1)
 8. Session token authentication (under /api/v1)

Routes under /projects/{projectID} additionally check the caller's
project role through the casbin-backed authz service. Read, write and
delete map to GET, POST/PATCH and DELETE respectively, except
execute, which is a read. GET /projects/{projectID}/audit, the project's
security audit trail, needs the members write permission.

Response Format:

	{
	  "success": false,
	  "error": {"code": "SYNC_IN_PROGRESS", "message": "...", "request_id": "..."},
	  "meta": {"request_id": "...", "timestamp": "...", "duration_ms": 3}
	}

Error codes are stable; clients switch on them. See the ErrCode constants.

OAuth:

GET /oauth/{provider}/authorize returns the consent URL for a data source.
The provider redirects back to /oauth/{provider}/callback, which is not
authenticated by session; the signed state names the data source and the
user who started the flow, and the handler re-checks that user's role.
*/
package api
