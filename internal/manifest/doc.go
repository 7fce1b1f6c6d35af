// Package manifest handles declarative manifests listing the secrets and
// configs a swarm should have.
//
// A manifest is a YAML (.yaml, .yml) or JSON-with-comments (.json, .jsonc)
// document. JSONC is supported via github.com/tidwall/jsonc, so manifests
// can be commented the same way either format allows. Each entry names an
// object, its user labels and exactly one payload source:
//
//	secrets:
//	  - name: db-password
//	    labels: {team: core}
//	    age: secrets/db-password.age   # decrypted with an age identity
//	configs:
//	  - name: nginx.conf
//	    file: nginx/nginx.conf
//
// Relative file paths are resolved against the manifest's directory.
// Plan compares resolved entries with the objects already in the swarm and
// Apply carries the result out, updating in-use objects through a
// rollout.Updater.
package manifest
