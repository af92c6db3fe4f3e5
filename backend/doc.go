// Package backend provides clients for the external build systems.
//
// A Client converts one approved (service, commit) pair into a
// backend-specific submission and answers status polls for the returned
// build reference. Two backends are implemented:
//
//   - Jenkins: triggers a parameterized job and follows the build number
//     (jenkins.go)
//   - SSO: files a release order and follows the resulting release id
//     (sso.go)
//
// Clients are stateless request/response wrappers; all workflow state
// lives in the store. References are serialized to opaque strings so the
// engine can persist and resume them without knowing their shape.
package backend
