// Package secrets will resolve secret references in host configuration and
// plugin settings, so credentials for node access and external services are
// pulled from a backing store at load time rather than written into
// plugins.yaml. Environment expansion in internal/config covers the simple
// cases today; this package is the seam for vault-style backends.
package secrets
