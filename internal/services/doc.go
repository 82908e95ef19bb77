// Package services implements the business logic layer between the
// HTTP handlers and the license domain. Handlers stay thin: they parse
// requests and render responses, while this layer coordinates the
// issuer, the store, the payment processor, and the order system, and
// records the business metrics for each operation.
package services
