// Package http implements the HTTP handlers of the license service.
//
// Handlers are a thin layer over the services package: they decode and
// validate the JSON body, call one service method and render the result.
// Every failure goes through errors.ErrorHandler so clients always receive
// RFC 7807 problem details carrying a stable "code" extension:
//
//	{
//	    "type": "/errors/license/device-limit-exceeded",
//	    "title": "Conflict",
//	    "status": 409,
//	    "detail": "maximum number of devices reached",
//	    "instance": "/api/v1/activate",
//	    "code": "DEVICE_LIMIT_EXCEEDED",
//	    "trace_id": "..."
//	}
//
// # Routes
//
// LicenseHandler serves the device endpoints and is mounted under /api/v1
// behind the per-device rate limiter:
//
//	POST /validate     check an activation token
//	POST /activate     bind a device with a license key
//	POST /deactivate   release a device slot
//
// AdminHandler serves operator endpoints under /api/v1/admin and must sit
// behind middleware.AdminAuth:
//
//	POST /licenses                    issue a license, the key is returned once
//	GET  /licenses/{id}               license details
//	GET  /licenses/{id}/activations   bound devices
//	POST /licenses/{id}/suspend
//	POST /licenses/{id}/revoke
//	POST /licenses/{id}/reactivate
//	GET  /fraud-alerts                audit alerts, newest first
//
// HealthHandler serves /health/live, /health/ready and /version.
package http
