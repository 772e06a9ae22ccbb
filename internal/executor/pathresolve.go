package executor

import (
	"path/filepath"
	"strings"
)

// ResolveExperimentPath turns a schedule's stored experiment_path into
// an absolute .med file location, mirroring experiment_executor.py's
// resolve_experiment_path: ensure the .med suffix, and for a relative
// path, join against methodBasePath's grandparent directory (walking
// two parents up from .../LabProtocols/Experiments).
func ResolveExperimentPath(rawPath, methodBasePath string) string {
	candidate := rawPath
	if strings.ToLower(filepath.Ext(candidate)) != ".med" {
		candidate = strings.TrimSuffix(candidate, filepath.Ext(candidate)) + ".med"
	}

	if filepath.IsAbs(candidate) {
		return filepath.Clean(candidate)
	}

	methodsRoot := methodBasePath
	// Walk two parents up from the configured method base path, same
	// as Path.parents[1] in the original.
	parent := filepath.Dir(methodBasePath)
	grandparent := filepath.Dir(parent)
	if grandparent != "." && grandparent != parent {
		methodsRoot = grandparent
	}

	return filepath.Clean(filepath.Join(methodsRoot, candidate))
}
