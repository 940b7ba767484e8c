// Package api provides OpenAPI/Swagger documentation for the abflow API.
//
// This package contains the request/response DTOs and related documentation
// for the abflow HTTP API.
//
// # API Overview
//
// abflow provides a RESTful API for:
//   - Split test (A/B experiment) management and variant setup
//   - Deterministic visitor-to-variant assignment
//   - Impression and conversion event recording
//   - Aggregated results with statistical significance
//   - Lifecycle operations (activate, pause, resume, complete, winner)
//   - Append-only audit trail
//   - Health monitoring and metrics
//
// # Authentication
//
// Lifecycle endpoints require authentication via a JWT bearer token when
// auth is enabled:
//
//	Authorization: Bearer <token>
//
// The token's user_id claim is recorded as the actor on audit events.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Generating Documentation
//
// To regenerate Swagger documentation using swag:
//
//	swag init -g cmd/abflow/main.go -o api --parseDependency --parseInternal
package api
