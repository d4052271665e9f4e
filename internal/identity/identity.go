// Package identity derives stable bridge identifiers from workspace roots.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// BridgeID returns the deterministic identifier for a workspace root path.
// The same root always yields the same id, so a bridge that restarts (new
// pid, new port) re-registers under its prior identity. The path is
// canonicalized before hashing so trailing slashes, "." segments and, where
// resolvable, symlinks do not fork identities.
func BridgeID(rootPath string) string {
	canonical := Canonicalize(rootPath)
	sum := sha256.Sum256([]byte(canonical))
	return "b-" + hex.EncodeToString(sum[:8])
}

// Canonicalize normalizes a workspace root path for hashing.
func Canonicalize(rootPath string) string {
	p := filepath.Clean(rootPath)
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return p
}
